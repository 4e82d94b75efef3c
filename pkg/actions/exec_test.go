package actions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExecRunner_Run(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}

	tests := []struct {
		name      string
		runner    *ExecRunner
		wantCode  int
		wantErr   bool
		checkFunc func(t *testing.T, err *ActionError)
	}{
		{
			name:   "success",
			runner: &ExecRunner{Command: "/bin/sh", Args: []string{"-c", "true"}},
		},
		{
			name: "invocation env",
			runner: &ExecRunner{Command: "/bin/sh", Args: []string{"-c",
				`test "$PATCHWORK_COMPONENT_ID/$PATCHWORK_VERSION/$PATCHWORK_PHASE/$PATCHWORK_RUN_ID" = "Billing/1.1/after/run-1"`}},
		},
		{
			name: "action env",
			runner: &ExecRunner{
				Command: "/bin/sh",
				Args:    []string{"-c", `test "$TARGET" = staging`},
				Env:     map[string]string{"TARGET": "staging"},
			},
		},
		{
			name:     "exit code and output",
			runner:   &ExecRunner{Command: "/bin/sh", Args: []string{"-c", "echo 'schema locked' >&2; exit 3"}},
			wantErr:  true,
			wantCode: 3,
			checkFunc: func(t *testing.T, err *ActionError) {
				if err.Output != "schema locked" {
					t.Errorf("Output = %q", err.Output)
				}
				if !strings.Contains(err.Error(), "schema locked") {
					t.Errorf("Error() = %q", err.Error())
				}
			},
		},
		{
			name:     "missing program",
			runner:   &ExecRunner{Command: "/nonexistent/program"},
			wantErr:  true,
			wantCode: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.runner.Run(context.Background(), testInvocation)
			if !tt.wantErr {
				if err != nil {
					t.Errorf("Run() error = %v", err)
				}
				return
			}
			var actionErr *ActionError
			if !errors.As(err, &actionErr) {
				t.Fatalf("Run() error = %v, want *ActionError", err)
			}
			if actionErr.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", actionErr.ExitCode, tt.wantCode)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, actionErr)
			}
		})
	}
}

func TestExecRunner_Dir(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	r := &ExecRunner{Command: "/bin/sh", Args: []string{"-c", "touch marker"}, Dir: dir}
	if err := r.Run(context.Background(), testInvocation); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker")); err != nil {
		t.Errorf("marker not created in work dir: %v", err)
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	r := &ExecRunner{Command: "/bin/sh", Args: []string{"-c", "sleep 30"}}
	if err := r.Run(ctx, testInvocation); err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run() took %v after timeout", elapsed)
	}
}

func TestEnvList(t *testing.T) {
	got := envList(map[string]string{"B": "1", "A": "1"}, map[string]string{"B": "2"})
	want := []string{"A=1", "B=2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("envList() = %v, want %v", got, want)
	}
}
