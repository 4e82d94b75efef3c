package actions

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/patchwork/pkg/config"
	"github.com/openfroyo/patchwork/pkg/engine"
)

// Invocation identifies the patch an action runs for. Runners expose it to
// the action as globals or PATCHWORK_* environment variables.
type Invocation struct {
	RunID       string
	ComponentID string
	Version     string
	PatchType   string
	Phase       engine.Phase
}

// Env returns the invocation as environment variables.
func (inv Invocation) Env() map[string]string {
	return map[string]string{
		"PATCHWORK_RUN_ID":       inv.RunID,
		"PATCHWORK_COMPONENT_ID": inv.ComponentID,
		"PATCHWORK_VERSION":      inv.Version,
		"PATCHWORK_PATCH_TYPE":   inv.PatchType,
		"PATCHWORK_PHASE":        string(inv.Phase),
	}
}

// Runner executes one kind of action.
type Runner interface {
	Run(ctx context.Context, inv Invocation) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, inv Invocation) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, inv Invocation) error { return f(ctx, inv) }

// ActionError is returned by a failed action.
type ActionError struct {
	// Kind is the action kind (starlark, exec, wasm, ssh).
	Kind string

	// ExitCode is the exit status of exec, wasm and ssh actions, -1 if the
	// action did not exit normally.
	ExitCode int

	// Output is the tail of the action's combined output.
	Output string

	Err error
}

func (e *ActionError) Error() string {
	msg := e.Kind + " action: " + e.Err.Error()
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ActionError) Unwrap() error { return e.Err }

// maxOutput bounds the output kept in an ActionError.
const maxOutput = 2048

// tail returns the last maxOutput bytes of s, trimmed.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutput {
		s = "..." + s[len(s)-maxOutput:]
	}
	return s
}

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	// DefaultTimeout bounds actions without their own timeout.
	DefaultTimeout time.Duration

	// WorkDir is the working directory of exec actions, also mounted at
	// /work for WASM actions.
	WorkDir string

	// WASMMemoryLimitPages caps WASM memory in 64KiB pages.
	WASMMemoryLimitPages uint32

	// Hosts are the SSH targets actions refer to by name.
	Hosts map[string]config.SSHHostConfig

	Logger zerolog.Logger
}

// Factory turns action definitions into engine actions.
type Factory struct {
	cfg    FactoryConfig
	logger zerolog.Logger

	mu   sync.Mutex
	wasm *WASMRunner
	ssh  map[string]*SSHClient
}

// NewFactory creates a new action factory.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &Factory{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "actions").Logger(),
		ssh:    make(map[string]*SSHClient),
	}
}

// Build returns the engine action for def. componentID, version and
// patchType describe the patch the action belongs to; phase is the phase
// it runs in.
func (f *Factory) Build(componentID string, patch config.PatchDefinition, phase engine.Phase, def *config.ActionDefinition) (engine.Action, error) {
	if def == nil {
		return nil, nil
	}
	timeout, err := def.TimeoutOr(f.cfg.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	runner, err := f.runner(def)
	if err != nil {
		return nil, fmt.Errorf("%s %s %s action: %w", componentID, patch.Version, phase, err)
	}
	return f.wrap(def.Kind, runner, timeout, Invocation{
		ComponentID: componentID,
		Version:     patch.Version,
		PatchType:   patch.Type,
		Phase:       phase,
	}), nil
}

func (f *Factory) runner(def *config.ActionDefinition) (Runner, error) {
	switch def.Kind {
	case config.ActionKindStarlark:
		return NewStarlarkRunner(def.Script, def.File, def.Input, f.logger)
	case config.ActionKindExec:
		return &ExecRunner{
			Command: def.Command,
			Args:    def.Args,
			Env:     def.Env,
			Dir:     f.cfg.WorkDir,
		}, nil
	case config.ActionKindWASM:
		if _, err := os.Stat(def.File); err != nil {
			return nil, fmt.Errorf("wasm module: %w", err)
		}
		w := f.wasmRunner()
		return RunnerFunc(func(ctx context.Context, inv Invocation) error {
			return w.Run(ctx, def.File, def.Args, def.Env, inv)
		}), nil
	case config.ActionKindSSH:
		client, err := f.sshClient(def.Host)
		if err != nil {
			return nil, err
		}
		return NewSSHRunner(client, def.Command, def.Script, def.File, def.Env)
	default:
		return nil, fmt.Errorf("unsupported action kind %q", def.Kind)
	}
}

func (f *Factory) wasmRunner() *WASMRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wasm == nil {
		f.wasm = NewWASMRunner(WASMConfig{
			MemoryLimitPages: f.cfg.WASMMemoryLimitPages,
			WorkDir:          f.cfg.WorkDir,
		}, f.logger)
	}
	return f.wasm
}

func (f *Factory) sshClient(host string) (*SSHClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.ssh[host]; ok {
		return c, nil
	}
	hostCfg, ok := f.cfg.Hosts[host]
	if !ok {
		return nil, fmt.Errorf("unknown ssh host %q", host)
	}
	c, err := NewSSHClient(hostCfg, f.logger)
	if err != nil {
		return nil, fmt.Errorf("ssh host %s: %w", host, err)
	}
	f.ssh[host] = c
	return c, nil
}

// wrap bounds runner by timeout and logs its outcome.
func (f *Factory) wrap(kind string, runner Runner, timeout time.Duration, inv Invocation) engine.Action {
	return func(ctx context.Context, pc *engine.ExecutionContext) error {
		if pc != nil {
			inv.RunID = pc.RunID
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		logger := f.logger.With().
			Str("kind", kind).
			Str("component_id", inv.ComponentID).
			Str("version", inv.Version).
			Str("phase", string(inv.Phase)).
			Logger()

		start := time.Now()
		err := runner.Run(ctx, inv)
		if err == nil {
			logger.Debug().Dur("duration", time.Since(start)).Msg("Action finished")
			return nil
		}
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		logger.Debug().Err(err).Dur("duration", time.Since(start)).Msg("Action failed")

		if _, ok := err.(*ActionError); ok {
			return err
		}
		return &ActionError{Kind: kind, ExitCode: -1, Err: err}
	}
}

// Close releases the WASM runtime and SSH connections.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	if f.wasm != nil {
		if err := f.wasm.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		f.wasm = nil
	}
	for host, c := range f.ssh {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ssh host %s: %w", host, err))
		}
		delete(f.ssh, host)
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close actions: %v", errs)
	}
	return nil
}
