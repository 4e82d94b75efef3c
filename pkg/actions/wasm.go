package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WASMConfig configures a WASMRunner.
type WASMConfig struct {
	// MemoryLimitPages is the maximum memory in 64KiB pages. Default is 256
	// (16MiB).
	MemoryLimitPages uint32

	// WorkDir is mounted at /work when set.
	WorkDir string
}

// WASMRunner runs WASI command modules. Each run instantiates the module
// afresh and calls _start with the action's args and env. Modules may import
// patchwork.log(ptr, len) to log a UTF-8 message.
type WASMRunner struct {
	cfg    WASMConfig
	logger zerolog.Logger

	initOnce sync.Once
	initErr  error
	runtime  wazero.Runtime

	mu       sync.Mutex
	compiled map[string]compiledModule
}

type compiledModule struct {
	modTime time.Time
	module  wazero.CompiledModule
}

// NewWASMRunner creates a runner. The wazero runtime is created on first use.
func NewWASMRunner(cfg WASMConfig, logger zerolog.Logger) *WASMRunner {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	return &WASMRunner{
		cfg:      cfg,
		logger:   logger.With().Str("runner", "wasm").Logger(),
		compiled: make(map[string]compiledModule),
	}
}

func (r *WASMRunner) init() error {
	r.initOnce.Do(func() {
		ctx := context.Background()
		runtimeConfig := wazero.NewRuntimeConfig().
			WithMemoryLimitPages(r.cfg.MemoryLimitPages).
			WithCloseOnContextDone(true)
		r.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r.runtime); err != nil {
			r.initErr = fmt.Errorf("failed to instantiate WASI: %w", err)
			return
		}

		_, err := r.runtime.NewHostModuleBuilder("patchwork").
			NewFunctionBuilder().
			WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
				msg, ok := mod.Memory().Read(ptr, length)
				if !ok {
					r.logger.Warn().Str("module", mod.Name()).Msg("log message out of range")
					return
				}
				r.logger.Info().Str("module", mod.Name()).Msg(string(msg))
			}).
			Export("log").
			Instantiate(ctx)
		if err != nil {
			r.initErr = fmt.Errorf("failed to instantiate host module: %w", err)
		}
	})
	return r.initErr
}

// compile returns the compiled module for path, recompiling it when the file
// has changed since the last run.
func (r *WASMRunner) compile(ctx context.Context, path string) (wazero.CompiledModule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.compiled[path]; ok {
		if c.modTime.Equal(info.ModTime()) {
			return c.module, nil
		}
		_ = c.module.Close(ctx)
		delete(r.compiled, path)
	}

	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	module, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", filepath.Base(path), err)
	}
	r.compiled[path] = compiledModule{modTime: info.ModTime(), module: module}
	return module, nil
}

// Run instantiates the module at path and runs it to completion.
func (r *WASMRunner) Run(ctx context.Context, path string, args []string, env map[string]string, inv Invocation) error {
	if err := r.init(); err != nil {
		return err
	}
	compiled, err := r.compile(ctx, path)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{filepath.Base(path)}, args...)...).
		WithStdout(&out).
		WithStderr(&out).
		WithSysWalltime().
		WithSysNanotime()
	merged := make(map[string]string, len(env)+5)
	for k, v := range env {
		merged[k] = v
	}
	for k, v := range inv.Env() {
		merged[k] = v
	}
	for k, v := range merged {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}
	if r.cfg.WorkDir != "" {
		moduleConfig = moduleConfig.WithFSConfig(wazero.NewFSConfig().WithDirMount(r.cfg.WorkDir, "/work"))
	}

	mod, err := r.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if mod != nil {
		_ = mod.Close(ctx)
	}
	if err == nil {
		return nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			return nil
		}
		return &ActionError{
			Kind:     "wasm",
			ExitCode: int(exitErr.ExitCode()),
			Output:   tail(out.String()),
			Err:      fmt.Errorf("exit code %d", exitErr.ExitCode()),
		}
	}
	return &ActionError{Kind: "wasm", ExitCode: -1, Output: tail(out.String()), Err: err}
}

// Close closes the runtime and every compiled module.
func (r *WASMRunner) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compiled = make(map[string]compiledModule)
	if r.runtime == nil {
		return nil
	}
	return r.runtime.Close(ctx)
}
