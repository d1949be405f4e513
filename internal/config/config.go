package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models giftflow.yml. Every component receives its slice of this
// struct at construction; nothing reads the process environment directly.
type Config struct {
	CRM       CRM       `yaml:"crm"`
	Staging   Staging   `yaml:"staging"`
	Promotion Promotion `yaml:"promotion"`
	Receipts  Receipts  `yaml:"receipts"`
	Journal   Journal   `yaml:"journal"`
	Server    Server    `yaml:"server"`
}

// CRM configures the outbound client for the remote staging collection
// and gift ledger.
type CRM struct {
	BaseURL            string  `yaml:"base_url"`
	APIKey             string  `yaml:"api_key"`
	TimeoutSeconds     int     `yaml:"timeout_seconds"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
}

type Staging struct {
	Enabled     bool `yaml:"enabled"`
	AutoPromote bool `yaml:"auto_promote"`
}

// Eligibility mode names for the promotion gate. Both policies ship; which
// one applies is a deployment decision, not a code path.
const (
	EligibilityPermissive = "permissive"
	EligibilityStrict     = "strict"
)

type Promotion struct {
	Eligibility string `yaml:"eligibility"`
}

type Receipts struct {
	RecurringPolicy string `yaml:"recurring_policy"`
	OneOffPolicy    string `yaml:"oneoff_policy"`
	DefaultChannel  string `yaml:"default_channel"`
	// AutoSuppressMinorUnits suppresses receipts for gifts whose amount in
	// minor units exceeds this value. Zero disables suppression.
	AutoSuppressMinorUnits int64 `yaml:"auto_suppress_minor_units"`
}

type Journal struct {
	Workspace string `yaml:"workspace"`
}

type Server struct {
	Listen   string `yaml:"listen"`
	BasePath string `yaml:"base_path"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run gf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.CRM.BaseURL == "" {
		return fmt.Errorf("config.crm.base_url is required")
	}
	if c.CRM.TimeoutSeconds < 0 {
		return fmt.Errorf("config.crm.timeout_seconds must not be negative")
	}
	if c.CRM.RateLimitPerSecond < 0 {
		return fmt.Errorf("config.crm.rate_limit_per_second must not be negative")
	}
	switch c.Promotion.Eligibility {
	case EligibilityPermissive, EligibilityStrict:
	case "":
		return fmt.Errorf("config.promotion.eligibility is required")
	default:
		return fmt.Errorf("config.promotion.eligibility must be %q or %q", EligibilityPermissive, EligibilityStrict)
	}
	if c.Receipts.RecurringPolicy == "" {
		return fmt.Errorf("config.receipts.recurring_policy is required")
	}
	if c.Receipts.OneOffPolicy == "" {
		return fmt.Errorf("config.receipts.oneoff_policy is required")
	}
	if c.Receipts.AutoSuppressMinorUnits < 0 {
		return fmt.Errorf("config.receipts.auto_suppress_minor_units must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "giftflow.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
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

const defaultTemplate = `crm:
  base_url: http://localhost:9090
  api_key: ""
  timeout_seconds: 10
  rate_limit_per_second: 0

staging:
  enabled: true
  auto_promote: false

promotion:
  eligibility: permissive

receipts:
  recurring_policy: recurring-standard
  oneoff_policy: oneoff-standard
  default_channel: email
  auto_suppress_minor_units: 0

journal:
  workspace: "."

server:
  listen: ":8080"
  base_path: /v0
`
