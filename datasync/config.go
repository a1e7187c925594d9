package datasync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/offsync/offsync/model"
)

// StoreConfig holds local store configuration
type StoreConfig struct {
	Path           string `yaml:"path"`
	BusyTimeoutMs  int    `yaml:"busy_timeout_ms"`
	JournalMode    string `yaml:"journal_mode"`
	MaxConnections int    `yaml:"max_connections"`
}

// RemoteConfig holds remote service configuration
type RemoteConfig struct {
	BaseURL        string            `yaml:"base_url"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	Headers        map[string]string `yaml:"headers"`
}

// PushConfig holds push configuration
type PushConfig struct {
	Workers int `yaml:"workers"`
}

// PullConfig holds pull configuration
type PullConfig struct {
	PageSize int `yaml:"page_size"`
	// WriteDeltaTokenInterval is how many records may be applied before
	// the delta token is persisted mid-pull.
	WriteDeltaTokenInterval int `yaml:"write_delta_token_interval"`
}

// SchedulerConfig holds background sync configuration
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TableConfig declares one synchronized table: its local columns and
// whether the scheduler keeps it pulled.
type TableConfig struct {
	Name    string            `yaml:"name"`
	Columns map[string]string `yaml:"columns"`
	Sync    bool              `yaml:"sync"`
}

// Config represents the complete configuration for the sync engine
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Remote    RemoteConfig    `yaml:"remote"`
	Push      PushConfig      `yaml:"push"`
	Pull      PullConfig      `yaml:"pull"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tables    []TableConfig   `yaml:"tables"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = "offsync.db"
	}
	if cfg.Store.BusyTimeoutMs == 0 {
		cfg.Store.BusyTimeoutMs = 5000
	}
	if cfg.Store.JournalMode == "" {
		cfg.Store.JournalMode = "WAL"
	}
	if cfg.Store.MaxConnections == 0 {
		cfg.Store.MaxConnections = 4
	}
	if cfg.Remote.RequestTimeout == 0 {
		cfg.Remote.RequestTimeout = 30 * time.Second
	}
	if cfg.Push.Workers == 0 {
		cfg.Push.Workers = 1
	}
	if cfg.Pull.PageSize == 0 {
		cfg.Pull.PageSize = 50
	}
	if cfg.Pull.WriteDeltaTokenInterval == 0 {
		cfg.Pull.WriteDeltaTokenInterval = 25
	}
	if cfg.Scheduler.Schedule == "" {
		cfg.Scheduler.Schedule = "@every 5m"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9464
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Push.Workers < 1 {
		return fmt.Errorf("push.workers must be at least 1, got %d", c.Push.Workers)
	}
	if c.Pull.PageSize < 1 {
		return fmt.Errorf("pull.page_size must be at least 1, got %d", c.Pull.PageSize)
	}
	if c.Pull.WriteDeltaTokenInterval < 1 {
		return fmt.Errorf("pull.write_delta_token_interval must be at least 1, got %d", c.Pull.WriteDeltaTokenInterval)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("tables entries require a name")
		}
		if seen[t.Name] {
			return fmt.Errorf("table %q is declared twice", t.Name)
		}
		seen[t.Name] = true
		if _, err := t.Schema(); err != nil {
			return err
		}
	}
	return nil
}

// Schema converts the declared columns into a table schema.
func (t TableConfig) Schema() (model.Schema, error) {
	schema := make(model.Schema, len(t.Columns))
	for name, typ := range t.Columns {
		ct, err := model.ParseColumnType(typ)
		if err != nil {
			return nil, fmt.Errorf("table %q column %q: %w", t.Name, name, err)
		}
		schema[name] = ct
	}
	return schema, nil
}
