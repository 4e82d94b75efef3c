package actions

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/patchwork/pkg/config"
)

// testSSHServer is a minimal SSH server that runs exec requests with the
// local /bin/sh and serves the sftp subsystem from the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	host     string
	port     int
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	serverConfig := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	serverConfig.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := listener.Addr().(*net.TCPAddr)

	s := &testSSHServer{
		listener: listener,
		config:   serverConfig,
		host:     addr.IP.String(),
		port:     addr.Port,
	}
	go s.serve()
	t.Cleanup(func() { listener.Close() })
	return s
}

func (s *testSSHServer) hostConfig(dir string) config.SSHHostConfig {
	return config.SSHHostConfig{
		Address:   s.host,
		Port:      s.port,
		User:      "testuser",
		Password:  "testpass",
		RemoteDir: dir,
	}
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		var payload struct{ Value string }
		switch req.Type {
		case "exec":
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			cmd := exec.Command("/bin/sh", "-c", payload.Value)
			cmd.Stdout = channel
			cmd.Stderr = channel.Stderr()
			status := 0
			if err := cmd.Run(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					status = exitErr.ExitCode()
				} else {
					status = 127
				}
			}
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			return

		case "subsystem":
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Value != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			server.Close()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func TestSSHRunner_Command(t *testing.T) {
	server := newTestSSHServer(t)
	dir := t.TempDir()

	client, err := NewSSHClient(server.hostConfig(dir), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSSHClient() error = %v", err)
	}
	defer client.Close()

	marker := filepath.Join(dir, "marker")
	r, err := NewSSHRunner(client,
		`echo "$PATCHWORK_COMPONENT_ID $PATCHWORK_VERSION $TARGET" > `+shellQuote(marker), "", "",
		map[string]string{"TARGET": "it's staging"})
	if err != nil {
		t.Fatalf("NewSSHRunner() error = %v", err)
	}
	if err := r.Run(context.Background(), testInvocation); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := os.ReadFile(marker)
	if err != nil {
		t.Fatal(err)
	}
	if want := "Billing 1.1 it's staging\n"; string(got) != want {
		t.Errorf("marker = %q, want %q", got, want)
	}
}

func TestSSHRunner_ExitCode(t *testing.T) {
	server := newTestSSHServer(t)
	client, err := NewSSHClient(server.hostConfig(t.TempDir()), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	r, err := NewSSHRunner(client, "echo 'disk full' >&2; exit 4", "", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	err = r.Run(context.Background(), testInvocation)

	var actionErr *ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("Run() error = %v, want *ActionError", err)
	}
	if actionErr.ExitCode != 4 {
		t.Errorf("ExitCode = %d, want 4", actionErr.ExitCode)
	}
	if actionErr.Output != "disk full" {
		t.Errorf("Output = %q", actionErr.Output)
	}
}

func TestSSHRunner_Script(t *testing.T) {
	server := newTestSSHServer(t)
	remoteDir := filepath.Join(t.TempDir(), "remote")
	client, err := NewSSHClient(server.hostConfig(remoteDir), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	marker := filepath.Join(t.TempDir(), "marker")
	script := "#!/bin/sh\necho \"$PATCHWORK_PHASE\" > " + shellQuote(marker) + "\nexit 0\n"

	r, err := NewSSHRunner(client, "", script, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Run(context.Background(), testInvocation); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := os.ReadFile(marker)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(got)) != "after" {
		t.Errorf("marker = %q", got)
	}

	// The uploaded script is removed after it ran.
	entries, err := os.ReadDir(remoteDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("remote dir has %d entries, want 0", len(entries))
	}
}

func TestSSHClient_Reconnect(t *testing.T) {
	server := newTestSSHServer(t)
	client, err := NewSSHClient(server.hostConfig(t.TempDir()), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx := context.Background()
	if _, code, err := client.Run(ctx, "true", nil); err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	out, code, err := client.Run(ctx, "echo again", nil)
	if err != nil || code != 0 {
		t.Fatalf("Run() after close = %d, %v", code, err)
	}
	if out != "again\n" {
		t.Errorf("output = %q", out)
	}
}

func TestSSHClient_AuthFailure(t *testing.T) {
	server := newTestSSHServer(t)
	cfg := server.hostConfig(t.TempDir())
	cfg.Password = "wrong"

	client, err := NewSSHClient(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := client.Run(context.Background(), "true", nil); err == nil {
		t.Error("expected authentication error")
	}
}

func TestNewSSHClient_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SSHHostConfig
	}{
		{
			name: "no auth",
			cfg:  config.SSHHostConfig{Address: "localhost", User: "deploy"},
		},
		{
			name: "missing key",
			cfg:  config.SSHHostConfig{Address: "localhost", User: "deploy", PrivateKeyPath: "/nonexistent/id_ed25519"},
		},
		{
			name: "missing known_hosts",
			cfg:  config.SSHHostConfig{Address: "localhost", User: "deploy", Password: "x", KnownHostsPath: "/nonexistent/known_hosts"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSSHClient(tt.cfg, zerolog.Nop()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewSSHRunner_Validation(t *testing.T) {
	client, err := NewSSHClient(config.SSHHostConfig{Address: "localhost", User: "u", Password: "p"}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewSSHRunner(client, "", "", "", nil); err == nil {
		t.Error("expected error with nothing to run")
	}
	if _, err := NewSSHRunner(client, "true", "echo", "", nil); err == nil {
		t.Error("expected error with both command and script")
	}
	if _, err := NewSSHRunner(client, "", "", "/nonexistent.sh", nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExportEnv(t *testing.T) {
	got := exportEnv(map[string]string{"B": "x y", "A": "it's"})
	want := `export A='it'\''s'; export B='x y'; `
	if got != want {
		t.Errorf("exportEnv() = %q, want %q", got, want)
	}
	if exportEnv(nil) != "" {
		t.Error("exportEnv(nil) should be empty")
	}
}
