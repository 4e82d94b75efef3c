package actions

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

// ExecRunner runs a local program. The invocation is passed in PATCHWORK_*
// environment variables on top of the current environment and Env.
type ExecRunner struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// Run implements Runner. The program receives SIGTERM when ctx is done and
// is killed if it has not exited a few seconds later.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) error {
	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), envList(r.Env, inv.Env())...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return nil
	}

	actionErr := &ActionError{Kind: "exec", ExitCode: -1, Output: tail(out.String()), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		actionErr.ExitCode = exitErr.ExitCode()
	}
	return actionErr
}

// envList flattens env maps into sorted KEY=VALUE pairs. Later maps win.
func envList(envs ...map[string]string) []string {
	merged := make(map[string]string)
	for _, env := range envs {
		for k, v := range env {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}
