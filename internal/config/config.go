package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "168h"
// or "5m" instead of raw nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SourceConfig points at the external platform's read API.
type SourceConfig struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"`
}

// WebhookConfig covers the inbound notification endpoint: delivery
// authenticity plus the abuse limits applied before verification.
type WebhookConfig struct {
	Secret  string   `yaml:"secret"`
	MaxSkew Duration `yaml:"max_skew"`

	// RateLimitMax caps deliveries per source address per window.
	// Zero disables the limiter.
	RateLimitMax int `yaml:"rate_limit_max"`

	// MaxBodyBytes caps the request body size. Zero uses the server
	// default.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// CollectionConfig seeds one external-collection-to-organization
// binding at startup.
type CollectionConfig struct {
	ExternalID     string `yaml:"external_id"`
	OrganizationID string `yaml:"organization_id"`
}

// Config is the daemon's top-level configuration.
type Config struct {
	// Listen is the HTTP listen address for the webhook and ops API.
	Listen string `yaml:"listen"`

	// StateDSN selects the durability backend: memory://, file://path,
	// sqlite://path, or a postgres:// connection string. Empty disables
	// durability.
	StateDSN string `yaml:"state_dsn"`

	// AdminToken guards the ops endpoints. Empty disables the check.
	AdminToken string `yaml:"admin_token"`

	// ReconcileCron is the cron expression driving reconciliation runs.
	ReconcileCron string `yaml:"reconcile_cron"`

	// StalenessThreshold is how old a record's last source check may be
	// before a run re-verifies it.
	StalenessThreshold Duration `yaml:"staleness_threshold"`

	// ReconcileBatchSize caps records per run.
	ReconcileBatchSize int `yaml:"reconcile_batch_size"`

	// ReconcileRunBudget caps a run's wall-clock time.
	ReconcileRunBudget Duration `yaml:"reconcile_run_budget"`

	Source  SourceConfig  `yaml:"source"`
	Webhook WebhookConfig `yaml:"webhook"`

	Collections []CollectionConfig `yaml:"collections"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:             ":8080",
		StateDSN:           "",
		ReconcileCron:      "0 3 * * 1",
		StalenessThreshold: Duration(7 * 24 * time.Hour),
		ReconcileBatchSize: 100,
		ReconcileRunBudget: Duration(5 * time.Minute),
		Source: SourceConfig{
			Timeout: Duration(20 * time.Second),
		},
		Webhook: WebhookConfig{
			MaxSkew: Duration(5 * time.Minute),
		},
	}
}

// Load reads the YAML config at path, layered over DefaultConfig. A
// missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return conf, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if conf.ReconcileBatchSize <= 0 {
		conf.ReconcileBatchSize = 100
	}
	return conf, nil
}
