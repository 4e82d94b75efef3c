package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/patchwork/pkg/config"
)

// SSHClient is a lazily connected SSH client for one host. It reconnects
// after the connection drops.
type SSHClient struct {
	addr         string
	remoteDir    string
	clientConfig *ssh.ClientConfig
	logger       zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHClient builds a client for cfg. It does not connect.
func NewSSHClient(cfg config.SSHHostConfig, logger zerolog.Logger) (*SSHClient, error) {
	clientConfig, err := buildSSHClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	remoteDir := cfg.RemoteDir
	if remoteDir == "" {
		remoteDir = "/tmp"
	}
	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(port))
	return &SSHClient{
		addr:         addr,
		remoteDir:    remoteDir,
		clientConfig: clientConfig,
		logger:       logger.With().Str("runner", "ssh").Str("host", addr).Logger(),
	}, nil
}

func buildSSHClientConfig(cfg config.SSHHostConfig) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if cfg.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		password := cfg.Password
		authMethods = append(authMethods, ssh.Password(password))
		// Many servers only offer keyboard-interactive for passwords.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			},
		))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication configured: set private_key_path or password")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		var err error
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// connect returns the open client, dialing when there is none.
func (c *SSHClient) connect(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", c.addr, c.clientConfig)
		resultCh <- result{client, err}
	}()

	select {
	case <-ctx.Done():
		// Close the client if the dial completes after all.
		go func() {
			if r := <-resultCh; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", c.addr, r.err)
		}
		c.logger.Debug().Msg("Connected")
		c.client = r.client
		go c.watch(r.client)
		return r.client, nil
	}
}

// watch forgets client once its connection closes.
func (c *SSHClient) watch(client *ssh.Client) {
	_ = client.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == client {
		c.client = nil
	}
}

func (c *SSHClient) session(ctx context.Context) (*ssh.Session, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Run runs command remotely with env exported first. It returns the combined
// output and the exit status.
func (c *SSHClient) Run(ctx context.Context, command string, env map[string]string) (string, int, error) {
	session, err := c.session(ctx)
	if err != nil {
		return "", -1, err
	}
	defer session.Close()

	var out lockedBuffer
	session.Stdout = &out
	session.Stderr = &out

	if err := session.Start(exportEnv(env) + command); err != nil {
		return "", -1, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case err = <-done:
		case <-time.After(5 * time.Second):
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
			err = <-done
		}
		if err == nil {
			err = ctx.Err()
		}
	}

	if err == nil {
		return out.String(), 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return out.String(), exitErr.ExitStatus(), fmt.Errorf("exit code %d", exitErr.ExitStatus())
	}
	return out.String(), -1, err
}

// Upload writes content to remotePath over SFTP.
func (c *SSHClient) Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	f, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write remote file: %w", err)
	}
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return fmt.Errorf("failed to chmod remote file: %w", err)
	}
	return f.Close()
}

// Close closes the connection, if any.
func (c *SSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// SSHRunner runs a command, or an uploaded script, on a remote host.
type SSHRunner struct {
	client  *SSHClient
	command string
	script  string
	file    string
	env     map[string]string
}

// NewSSHRunner creates a runner. Exactly one of command, script or file
// must be set; scripts and files are uploaded and run with sh.
func NewSSHRunner(client *SSHClient, command, script, file string, env map[string]string) (*SSHRunner, error) {
	set := 0
	for _, s := range []string{command, script, file} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("ssh action needs exactly one of command, script or file")
	}
	if file != "" {
		if _, err := os.Stat(file); err != nil {
			return nil, fmt.Errorf("ssh script: %w", err)
		}
	}
	return &SSHRunner{client: client, command: command, script: script, file: file, env: env}, nil
}

// Run implements Runner.
func (r *SSHRunner) Run(ctx context.Context, inv Invocation) error {
	command := r.command
	if command == "" {
		content := []byte(r.script)
		if r.file != "" {
			data, err := os.ReadFile(r.file)
			if err != nil {
				return fmt.Errorf("failed to read script: %w", err)
			}
			content = data
		}
		remotePath := path.Join(r.client.remoteDir, "patchwork-"+uuid.NewString()+".sh")
		if err := r.client.Upload(ctx, content, remotePath, 0o700); err != nil {
			return err
		}
		q := shellQuote(remotePath)
		command = "sh " + q + "; rc=$?; rm -f " + q + "; exit $rc"
	}

	env := make(map[string]string, len(r.env)+5)
	for k, v := range r.env {
		env[k] = v
	}
	for k, v := range inv.Env() {
		env[k] = v
	}

	out, code, err := r.client.Run(ctx, command, env)
	if err != nil {
		return &ActionError{Kind: "ssh", ExitCode: code, Output: tail(out), Err: err}
	}
	return nil
}

// lockedBuffer serializes the session's stdout and stderr copiers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// exportEnv renders env as a sorted list of shell exports.
func exportEnv(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString("export " + k + "=" + shellQuote(env[k]) + "; ")
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
