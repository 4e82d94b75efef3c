package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/patchwork/pkg/engine"
	"github.com/openfroyo/patchwork/pkg/telemetry"
)

// DefaultConfigName is the base name of the configuration file looked up in
// the working directory and the data directory.
const DefaultConfigName = "patchwork"

// EnvPrefix prefixes environment overrides, e.g. PATCHWORK_ENGINE_BEFORE_FAULTY_AFTER_RULE.
const EnvPrefix = "PATCHWORK"

// AppConfig is the configuration of a patchwork installation.
type AppConfig struct {
	// DataDir holds the database, the journal and relative paths below.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`

	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Components ComponentsConfig `mapstructure:"components" yaml:"components"`
	Policy     PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	Actions    ActionsConfig    `mapstructure:"actions" yaml:"actions"`

	// ManifestFormat is the encoding of stored package manifests.
	ManifestFormat string `mapstructure:"manifest_format" yaml:"manifest_format" validate:"oneof=yaml json"`

	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// DatabaseConfig configures the package store.
type DatabaseConfig struct {
	// Path is the SQLite file. Relative paths are resolved against DataDir;
	// ":memory:" keeps everything in memory.
	Path            string        `mapstructure:"path" yaml:"path" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// ComponentsConfig lists where component definitions are read from.
type ComponentsConfig struct {
	// Paths are CUE, YAML or JSON files, or directories containing them.
	Paths []string `mapstructure:"paths" yaml:"paths"`
}

// PolicyConfig configures patch admission policies.
type PolicyConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Builtin enables the built-in policies shipped with patchwork.
	Builtin bool `mapstructure:"builtin" yaml:"builtin"`

	// Paths are .rego files or directories with .rego files.
	Paths []string `mapstructure:"paths" yaml:"paths"`
}

// EngineConfig tunes the patch manager.
type EngineConfig struct {
	// BeforeFaultyAfterRule is "strict" or "version_aware".
	BeforeFaultyAfterRule string `mapstructure:"before_faulty_after_rule" yaml:"before_faulty_after_rule" validate:"oneof=strict version_aware"`
}

// ActionsConfig holds the defaults of executable patch actions.
type ActionsConfig struct {
	// DefaultTimeout bounds actions that do not set their own timeout.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout" validate:"gt=0"`

	// WorkDir is the working directory of exec actions. Relative paths are
	// resolved against DataDir.
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`

	// WASMMemoryLimitPages caps the memory of WASM actions in 64KiB pages.
	WASMMemoryLimitPages uint32 `mapstructure:"wasm_memory_limit_pages" yaml:"wasm_memory_limit_pages"`

	// Hosts are the SSH targets actions may refer to by name.
	Hosts map[string]SSHHostConfig `mapstructure:"hosts" yaml:"hosts,omitempty" validate:"dive"`
}

// SSHHostConfig describes a remote host for SSH actions.
type SSHHostConfig struct {
	Address        string        `mapstructure:"address" yaml:"address" validate:"required"`
	Port           int           `mapstructure:"port" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User           string        `mapstructure:"user" yaml:"user" validate:"required"`
	PrivateKeyPath string        `mapstructure:"private_key_path" yaml:"private_key_path,omitempty"`
	Password       string        `mapstructure:"password" yaml:"password,omitempty"`
	KnownHostsPath string        `mapstructure:"known_hosts_path" yaml:"known_hosts_path,omitempty"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout,omitempty"`

	// RemoteDir receives uploaded action scripts. Default is /tmp.
	RemoteDir string `mapstructure:"remote_dir" yaml:"remote_dir,omitempty"`
}

// DefaultAppConfig returns the configuration used when no file is present.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		DataDir: ".patchwork",
		Database: DatabaseConfig{
			Path:            "patchwork.db",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
		},
		Components: ComponentsConfig{
			Paths: []string{"components"},
		},
		Policy: PolicyConfig{
			Enabled: true,
			Builtin: true,
		},
		Engine: EngineConfig{
			BeforeFaultyAfterRule: string(engine.FaultyAfterRuleStrict),
		},
		Actions: ActionsConfig{
			DefaultTimeout:       5 * time.Minute,
			WASMMemoryLimitPages: 256,
		},
		ManifestFormat: "yaml",
		Telemetry:      *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration from cfgFile, or from patchwork.yaml in the
// working directory when cfgFile is empty. A missing default file is not an
// error. Environment variables prefixed with PATCHWORK_ override the file.
func Load(cfgFile string) (*AppConfig, error) {
	v := viper.New()
	cfg := DefaultAppConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if used := v.ConfigFileUsed(); used != "" {
		cfg.resolveRelativeTo(filepath.Dir(used))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so that environment overrides are seen
// by Unmarshal even when the file does not mention them.
func setDefaults(v *viper.Viper, cfg *AppConfig) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)
	v.SetDefault("components.paths", cfg.Components.Paths)
	v.SetDefault("policy.enabled", cfg.Policy.Enabled)
	v.SetDefault("policy.builtin", cfg.Policy.Builtin)
	v.SetDefault("policy.paths", cfg.Policy.Paths)
	v.SetDefault("engine.before_faulty_after_rule", cfg.Engine.BeforeFaultyAfterRule)
	v.SetDefault("actions.default_timeout", cfg.Actions.DefaultTimeout)
	v.SetDefault("actions.work_dir", cfg.Actions.WorkDir)
	v.SetDefault("actions.wasm_memory_limit_pages", cfg.Actions.WASMMemoryLimitPages)
	v.SetDefault("manifest_format", cfg.ManifestFormat)
	v.SetDefault("telemetry.service_name", cfg.Telemetry.ServiceName)
	v.SetDefault("telemetry.environment", cfg.Telemetry.Environment)
	v.SetDefault("telemetry.logging.level", cfg.Telemetry.Logging.Level)
	v.SetDefault("telemetry.logging.format", cfg.Telemetry.Logging.Format)
	v.SetDefault("telemetry.logging.output", cfg.Telemetry.Logging.Output)
	v.SetDefault("telemetry.tracing.enabled", cfg.Telemetry.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", cfg.Telemetry.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", cfg.Telemetry.Tracing.Endpoint)
	v.SetDefault("telemetry.metrics.enabled", cfg.Telemetry.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", cfg.Telemetry.Metrics.ListenAddress)
	v.SetDefault("telemetry.journal.enabled", cfg.Telemetry.Journal.Enabled)
	v.SetDefault("telemetry.journal.path", cfg.Telemetry.Journal.Path)
}

// resolveRelativeTo makes DataDir absolute relative to the directory of the
// configuration file.
func (c *AppConfig) resolveRelativeTo(dir string) {
	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(dir, c.DataDir)
	}
	c.Components.Paths = resolvePaths(dir, c.Components.Paths)
	c.Policy.Paths = resolvePaths(dir, c.Policy.Paths)
}

func resolvePaths(dir string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if filepath.IsAbs(p) {
			out[i] = p
		} else {
			out[i] = filepath.Join(dir, p)
		}
	}
	return out
}

// Validate checks the configuration.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// DatabasePath returns the store path, resolved against DataDir.
func (c *AppConfig) DatabasePath() string {
	if c.Database.Path == ":memory:" || filepath.IsAbs(c.Database.Path) {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, c.Database.Path)
}

// JournalPath returns the journal path, resolved against DataDir.
func (c *AppConfig) JournalPath() string {
	p := c.Telemetry.Journal.Path
	if p == "" {
		p = "journal.ndjson"
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// ActionWorkDir returns the exec action working directory.
func (c *AppConfig) ActionWorkDir() string {
	if c.Actions.WorkDir == "" {
		return c.DataDir
	}
	if filepath.IsAbs(c.Actions.WorkDir) {
		return c.Actions.WorkDir
	}
	return filepath.Join(c.DataDir, c.Actions.WorkDir)
}

// EngineSettings converts the engine section to engine settings.
func (c *AppConfig) EngineSettings() engine.Settings {
	return engine.Settings{BeforeFaultyAfterRule: engine.FaultyAfterRule(c.Engine.BeforeFaultyAfterRule)}
}

// WriteFile writes the configuration as YAML, creating the directory if needed.
func (c *AppConfig) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
