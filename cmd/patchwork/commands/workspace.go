package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/patchwork/pkg/actions"
	"github.com/openfroyo/patchwork/pkg/components"
	"github.com/openfroyo/patchwork/pkg/config"
	"github.com/openfroyo/patchwork/pkg/engine"
	"github.com/openfroyo/patchwork/pkg/manifest"
	"github.com/openfroyo/patchwork/pkg/policy"
	"github.com/openfroyo/patchwork/pkg/stores"
	"github.com/openfroyo/patchwork/pkg/telemetry"
)

// workspace is everything a command needs, built from the configuration.
type workspace struct {
	cfg    *config.AppConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	codec  *manifest.Codec
	store  *stores.SQLiteStore
	loader *config.Loader

	// Set by loadComponents.
	actions  *actions.Factory
	registry *components.Registry

	// Set by loadPolicies; nil when policies are disabled.
	policies *policy.Engine
}

// openWorkspace loads the configuration, starts telemetry and opens the
// package store, creating and migrating it when needed.
func openWorkspace(ctx context.Context) (*workspace, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	telCfg := cfg.Telemetry
	telCfg.ServiceVersion = buildVersion
	if telCfg.Journal.Enabled {
		telCfg.Journal.Path = cfg.JournalPath()
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	tel, err := telemetry.NewTelemetry(&telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}

	ws := &workspace{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
	}
	ws.loader = config.NewLoader(ws.logger)

	ws.codec, err = manifest.NewCodec(manifest.Format(cfg.ManifestFormat))
	if err != nil {
		_ = ws.Close(ctx)
		return nil, err
	}

	if err := ws.openStore(ctx); err != nil {
		_ = ws.Close(ctx)
		return nil, err
	}

	return ws, nil
}

func (ws *workspace) openStore(ctx context.Context) error {
	path := ws.cfg.DatabasePath()
	if path != ":memory:" {
		if err := os.MkdirAll(ws.cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            path,
		MaxOpenConns:    ws.cfg.Database.MaxOpenConns,
		MaxIdleConns:    ws.cfg.Database.MaxIdleConns,
		ConnMaxLifetime: ws.cfg.Database.ConnMaxLifetime,
		Codec:           ws.codec,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	ws.store = store
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// loadDefinitions reads the configured component definitions.
func (ws *workspace) loadDefinitions(ctx context.Context) (*config.DefinitionSet, error) {
	set, err := ws.loader.Load(ctx, ws.cfg.Components.Paths)
	if err != nil {
		return nil, err
	}
	for _, e := range set.Errors {
		if e.Severity == config.SeverityWarning {
			ws.logger.Warn().Msg(e.String())
		}
	}
	return set, nil
}

// loadComponents builds the component registry. Executable actions are
// built only when withActions is true.
func (ws *workspace) loadComponents(ctx context.Context, withActions bool) error {
	set, err := ws.loadDefinitions(ctx)
	if err != nil {
		return err
	}

	var builder components.ActionBuilder
	if withActions {
		ws.actions = actions.NewFactory(actions.FactoryConfig{
			DefaultTimeout:       ws.cfg.Actions.DefaultTimeout,
			WorkDir:              ws.cfg.ActionWorkDir(),
			WASMMemoryLimitPages: ws.cfg.Actions.WASMMemoryLimitPages,
			Hosts:                ws.cfg.Actions.Hosts,
			Logger:               ws.logger,
		})
		builder = ws.actions
	}

	ws.registry, err = components.FromDefinitions(set, builder, ws.logger)
	return err
}

// loadPolicies compiles the configured admission policies.
func (ws *workspace) loadPolicies(ctx context.Context) error {
	if !ws.cfg.Policy.Enabled {
		return nil
	}
	eng, err := policy.NewEngine(ws.logger, ws.cfg.Policy.Builtin)
	if err != nil {
		return err
	}
	if len(ws.cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, ws.cfg.Policy.Paths); err != nil {
			return err
		}
	}
	ws.policies = eng
	return nil
}

// validator returns the patch validator of the workspace.
func (ws *workspace) validator() engine.PatchValidator {
	if ws.policies == nil {
		return engine.StructuralValidator{}
	}
	return ws.policies
}

// newManager creates a patch manager over the loaded registry.
func (ws *workspace) newManager(sink engine.LogSink) (*engine.PatchManager, error) {
	return engine.NewPatchManager(engine.ManagerConfig{
		Registry:  ws.registry,
		Store:     ws.store,
		Codec:     ws.codec,
		Validator: ws.validator(),
		Sink:      sink,
		Settings:  ws.cfg.EngineSettings(),
		Logger:    ws.logger,
	})
}

// Close releases everything the workspace opened.
func (ws *workspace) Close(ctx context.Context) error {
	var errs []error
	if ws.actions != nil {
		errs = append(errs, ws.actions.Close(ctx))
	}
	if ws.store != nil {
		errs = append(errs, ws.store.Close())
	}
	if ws.tel != nil {
		errs = append(errs, ws.tel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
