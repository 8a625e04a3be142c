// Package config loads mergemeter settings and the model pricing table.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Spool drivers.
const (
	SpoolDir   = "dir"
	SpoolRedis = "redis"
)

// Config holds all mergemeter configuration.
type Config struct {
	Store       StoreConfig       `toml:"store"`
	Spool       SpoolConfig       `toml:"spool"`
	Attribution AttributionConfig `toml:"attribution"`
	Tracker     TrackerConfig     `toml:"tracker"`
	Merge       MergeConfig       `toml:"merge"`
	Report      ReportConfig      `toml:"report"`
	Daemon      DaemonConfig      `toml:"daemon"`
	Providers   ProvidersConfig   `toml:"providers"`
	Pricing     PricingOverrides  `toml:"pricing"`
}

// StoreConfig selects where the ledger lives.
type StoreConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path,omitempty"`
	DSN    string `toml:"dsn,omitempty"`
}

// SpoolConfig selects the holding area for usage written without ledger access.
type SpoolConfig struct {
	Driver      string `toml:"driver"`
	Dir         string `toml:"dir,omitempty"`
	RedisAddr   string `toml:"redis_addr,omitempty"`
	RedisPrefix string `toml:"redis_prefix,omitempty"`
}

// AttributionConfig controls branch/commit/actor resolution.
type AttributionConfig struct {
	Timeout        Duration `toml:"timeout"`
	BranchEnv      []string `toml:"branch_env,omitempty"`
	FallbackBranch string   `toml:"fallback_branch,omitempty"`
}

// TrackerConfig controls the instrumentation wrapper.
type TrackerConfig struct {
	WriteTimeout Duration `toml:"write_timeout"`
}

// MergeConfig controls merge finalization policy.
type MergeConfig struct {
	// ExcludeClaimed skips usage already counted by an earlier merge of the same branch.
	ExcludeClaimed bool `toml:"exclude_claimed"`
}

// ReportConfig holds report defaults.
type ReportConfig struct {
	RecentWindow Duration `toml:"recent_window"`
	// Theme is the dashboard color theme.
	Theme string `toml:"theme,omitempty"`
}

// DaemonConfig holds spool import daemon settings.
type DaemonConfig struct {
	Addr     string   `toml:"addr"`
	Interval Duration `toml:"interval"`
}

// ProvidersConfig holds API credentials for the metered providers.
type ProvidersConfig struct {
	OpenAIAPIKey    string `toml:"openai_api_key,omitempty"`
	AnthropicAPIKey string `toml:"anthropic_api_key,omitempty"`
}

// PricingOverrides allows user-defined pricing for specific models.
type PricingOverrides struct {
	Overrides map[string]ModelPricingOverride `toml:"overrides,omitempty"`
}

// ModelPricingOverride holds per-model pricing overrides. Per-1K rates are
// converted; per-MTok rates win when both are set.
type ModelPricingOverride struct {
	Provider          string   `toml:"provider,omitempty"`
	PromptPerMTok     *float64 `toml:"prompt_per_mtok,omitempty"`
	CompletionPerMTok *float64 `toml:"completion_per_mtok,omitempty"`
	PromptPer1K       *float64 `toml:"prompt_per_1k,omitempty"`
	CompletionPer1K   *float64 `toml:"completion_per_1k,omitempty"`
}

// Duration is a time.Duration that round-trips through TOML as a string ("2s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Driver: StoreSQLite,
			Path:   filepath.Join(DataDir(), "ledger.db"),
		},
		Spool: SpoolConfig{
			Driver:      SpoolDir,
			Dir:         filepath.Join(DataDir(), "spool"),
			RedisPrefix: "mergemeter:spool",
		},
		Attribution: AttributionConfig{
			Timeout: Duration{2 * time.Second},
		},
		Tracker: TrackerConfig{
			WriteTimeout: Duration{5 * time.Second},
		},
		Report: ReportConfig{
			RecentWindow: Duration{7 * 24 * time.Hour},
		},
		Daemon: DaemonConfig{
			Addr:     "127.0.0.1:8788",
			Interval: Duration{time.Minute},
		},
	}
}

// Dir returns the XDG-compliant config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mergemeter")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mergemeter")
}

// DataDir returns the XDG-compliant data directory holding the ledger and spool.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "mergemeter")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "mergemeter")
}

// Path returns the full path to the config file.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// Load reads the config file, returning defaults if it doesn't exist.
// Environment variables (and a .env file in the working directory) override file values.
func Load() (Config, error) {
	return LoadFile(Path())
}

// LoadFile is Load for an explicit config path.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	// .env is optional
	_ = godotenv.Load()

	data, err := os.ReadFile(path) //nolint:gosec // config path is chosen by the local user
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MERGEMETER_DB"); v != "" {
		cfg.Store.Driver = StoreSQLite
		cfg.Store.Path = v
	}
	if v := os.Getenv("MERGEMETER_DATABASE_URL"); v != "" {
		cfg.Store.Driver = StorePostgres
		cfg.Store.DSN = v
	}
	if v := os.Getenv("MERGEMETER_SPOOL_DIR"); v != "" {
		cfg.Spool.Driver = SpoolDir
		cfg.Spool.Dir = v
	}
	if v := os.Getenv("MERGEMETER_REDIS_ADDR"); v != "" {
		cfg.Spool.Driver = SpoolRedis
		cfg.Spool.RedisAddr = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAIAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.AnthropicAPIKey = v
	}
}

// Validate checks that the selected drivers have what they need.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Spool.Driver {
	case SpoolDir:
		if c.Spool.Dir == "" {
			return fmt.Errorf("spool.dir is required for the dir driver")
		}
	case SpoolRedis:
		if c.Spool.RedisAddr == "" {
			return fmt.Errorf("spool.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown spool driver %q", c.Spool.Driver)
	}
	return nil
}

// PricingTable returns the built-in pricing with the configured overrides applied.
func (c Config) PricingTable() PricingTable {
	return DefaultPricing().WithOverrides(c.Pricing.Overrides)
}

// Save writes the config to the default path.
func Save(cfg Config) error {
	return SaveFile(Path(), cfg)
}

// SaveFile writes the config to path, creating its directory.
func SaveFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // config path is chosen by the local user
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}

// Exists returns true if a config file exists on disk.
func Exists() bool {
	_, err := os.Stat(Path())
	return err == nil
}
