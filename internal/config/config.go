package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models peerflow.yml.
type Config struct {
	Platform struct {
		// AccountID is the single, explicitly configured recipient of
		// leftover escrow sweeps and entry fees. Never resolved by role.
		AccountID string `yaml:"account_id" json:"account_id"`
	} `yaml:"platform" json:"platform"`
	Reviewers struct {
		CommitmentHours int `yaml:"commitment_hours" json:"commitment_hours"`
	} `yaml:"reviewers" json:"reviewers"`
	Sweep struct {
		Schedule string `yaml:"schedule" json:"schedule"`
	} `yaml:"sweep" json:"sweep"`
	Auth struct {
		AllowActorHeader bool `yaml:"allow_actor_header" json:"allow_actor_header"`
	} `yaml:"auth" json:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.AccountID == "" {
		return fmt.Errorf("config.platform.account_id is required")
	}
	if c.Reviewers.CommitmentHours < 0 {
		return fmt.Errorf("config.reviewers.commitment_hours must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// CommitmentWindow is the reviewer lock-in deadline measured from join time.
func (c *Config) CommitmentWindow() time.Duration {
	hours := c.Reviewers.CommitmentHours
	if hours == 0 {
		hours = 72
	}
	return time.Duration(hours) * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "peerflow.yml")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
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

// LoadOptional returns nil,nil if the workspace config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `platform:
  account_id: platform-reserve

reviewers:
  commitment_hours: 72

sweep:
  schedule: "@every 1m"

auth:
  allow_actor_header: false
`
