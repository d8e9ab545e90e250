package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ServiceSandbox    = "sandbox"
	ServiceProduction = "production"
)

// ValidationError is fatal at startup: missing credentials, an unusable data
// directory or an unknown service type.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// Config models crowdmirror.yml.
type Config struct {
	Account struct {
		ID  string `yaml:"id"`
		Key string `yaml:"key"`
	} `yaml:"account"`
	Service  string `yaml:"service"`
	DataDir  string `yaml:"data_dir"`
	Defaults struct {
		Reward         float64  `yaml:"reward"`
		Currency       string   `yaml:"currency"`
		LifetimeSecs   int      `yaml:"lifetime_secs"`
		MaxAssignments int      `yaml:"max_assignments"`
		TimeLimitSecs  int      `yaml:"time_limit_secs"`
		AutopaySecs    int      `yaml:"autopay_delay_secs"`
		Keywords       []string `yaml:"keywords"`
	} `yaml:"defaults"`
	SyncIntervalSecs int  `yaml:"sync_interval_secs"`
	Verbose          bool `yaml:"verbose"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cm init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Account.ID == "" {
		return &ValidationError{Field: "account.id", Reason: "is required"}
	}
	if c.Account.Key == "" {
		return &ValidationError{Field: "account.key", Reason: "is required"}
	}
	if c.Service != ServiceSandbox && c.Service != ServiceProduction {
		return &ValidationError{Field: "service", Reason: "must be 'sandbox' or 'production'"}
	}
	if c.DataDir != "" {
		if info, err := os.Stat(c.DataDir); err == nil && !info.IsDir() {
			return &ValidationError{Field: "data_dir", Reason: "is not a directory"}
		}
	}
	if c.Defaults.Reward < 0 {
		return &ValidationError{Field: "defaults.reward", Reason: "must not be negative"}
	}
	if c.Defaults.Currency != "" && c.Defaults.Currency != "USD" {
		return &ValidationError{Field: "defaults.currency", Reason: "must be USD"}
	}
	if c.Defaults.MaxAssignments < 0 {
		return &ValidationError{Field: "defaults.max_assignments", Reason: "must not be negative"}
	}
	if c.SyncIntervalSecs < 0 {
		return &ValidationError{Field: "sync_interval_secs", Reason: "must not be negative"}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".crowdmirror")
		} else {
			c.DataDir = ".crowdmirror"
		}
	}
	if c.Defaults.Currency == "" {
		c.Defaults.Currency = "USD"
	}
	if c.Defaults.LifetimeSecs == 0 {
		c.Defaults.LifetimeSecs = 7 * 24 * 60 * 60
	}
	if c.Defaults.MaxAssignments == 0 {
		c.Defaults.MaxAssignments = 1
	}
	if c.Defaults.TimeLimitSecs == 0 {
		c.Defaults.TimeLimitSecs = 30 * 60
	}
	if c.Defaults.AutopaySecs == 0 {
		c.Defaults.AutopaySecs = 7 * 24 * 60 * 60
	}
	if c.SyncIntervalSecs == 0 {
		c.SyncIntervalSecs = 60
	}
}

// Lifetime returns the default posting lifetime for new work units.
func (c *Config) Lifetime() time.Duration {
	return time.Duration(c.Defaults.LifetimeSecs) * time.Second
}

// TimeLimit returns the default per-assignment working time.
func (c *Config) TimeLimit() time.Duration {
	return time.Duration(c.Defaults.TimeLimitSecs) * time.Second
}

// AutopayDelay returns the default automatic-approval delay.
func (c *Config) AutopayDelay() time.Duration {
	return time.Duration(c.Defaults.AutopaySecs) * time.Second
}

// SyncInterval returns the minimum spacing between suggested syncs.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSecs) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crowdmirror.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML for an account.
func GenerateDefault(accountID string) string {
	return fmt.Sprintf(defaultTemplate, accountID)
}

// Default returns the default Config struct for an account, pointed at the
// sandbox so a fresh workspace cannot accidentally spend money.
func Default(accountID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, accountID)), &cfg)
	cfg.applyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `account:
  id: %s
  key: ""

service: sandbox

defaults:
  reward: 0.05
  currency: USD
  lifetime_secs: 604800
  max_assignments: 1
  time_limit_secs: 1800
  autopay_delay_secs: 604800
  keywords: []

sync_interval_secs: 60
verbose: false
`
