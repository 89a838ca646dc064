package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	conf := DefaultConfig()
	if conf.Listen != ":8080" {
		t.Fatalf("unexpected listen address %q", conf.Listen)
	}
	if conf.ReconcileCron != "0 3 * * 1" {
		t.Fatalf("unexpected cron %q", conf.ReconcileCron)
	}
	if conf.StalenessThreshold.Std() != 7*24*time.Hour {
		t.Fatalf("unexpected staleness threshold %s", conf.StalenessThreshold.Std())
	}
	if conf.ReconcileBatchSize != 100 {
		t.Fatalf("unexpected batch size %d", conf.ReconcileBatchSize)
	}
	if conf.Source.Timeout.Std() != 20*time.Second {
		t.Fatalf("unexpected source timeout %s", conf.Source.Timeout.Std())
	}
	if conf.Webhook.MaxSkew.Std() != 5*time.Minute {
		t.Fatalf("unexpected webhook skew %s", conf.Webhook.MaxSkew.Std())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	conf, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.Listen != ":8080" || conf.ReconcileBatchSize != 100 {
		t.Fatalf("defaults not applied: %+v", conf)
	}
}

func TestLoadParsesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
listen: ":9090"
state_dsn: "sqlite:///var/lib/sourcesync/state.db"
admin_token: "secret-token"
reconcile_cron: "*/30 * * * *"
staleness_threshold: "48h"
reconcile_batch_size: 25
reconcile_run_budget: "90s"
source:
  base_url: "https://api.example.com"
  token: "src-token"
  timeout: "10s"
webhook:
  secret: "hook-secret"
  max_skew: "2m"
  rate_limit_max: 120
  max_body_bytes: 262144
collections:
  - external_id: "cal_1"
    organization_id: "org_1"
  - external_id: "cal_2"
    organization_id: "org_2"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.Listen != ":9090" {
		t.Fatalf("listen not overridden: %q", conf.Listen)
	}
	if conf.StateDSN != "sqlite:///var/lib/sourcesync/state.db" {
		t.Fatalf("state dsn not parsed: %q", conf.StateDSN)
	}
	if conf.AdminToken != "secret-token" {
		t.Fatalf("admin token not parsed")
	}
	if conf.StalenessThreshold.Std() != 48*time.Hour {
		t.Fatalf("staleness threshold not parsed: %s", conf.StalenessThreshold.Std())
	}
	if conf.ReconcileBatchSize != 25 {
		t.Fatalf("batch size not parsed: %d", conf.ReconcileBatchSize)
	}
	if conf.ReconcileRunBudget.Std() != 90*time.Second {
		t.Fatalf("run budget not parsed: %s", conf.ReconcileRunBudget.Std())
	}
	if conf.Source.BaseURL != "https://api.example.com" || conf.Source.Timeout.Std() != 10*time.Second {
		t.Fatalf("source section not parsed: %+v", conf.Source)
	}
	if conf.Webhook.Secret != "hook-secret" || conf.Webhook.MaxSkew.Std() != 2*time.Minute {
		t.Fatalf("webhook section not parsed: %+v", conf.Webhook)
	}
	if conf.Webhook.RateLimitMax != 120 || conf.Webhook.MaxBodyBytes != 262144 {
		t.Fatalf("webhook limits not parsed: %+v", conf.Webhook)
	}
	if len(conf.Collections) != 2 || conf.Collections[1].OrganizationID != "org_2" {
		t.Fatalf("collections not parsed: %+v", conf.Collections)
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("staleness_threshold: \"fortnight\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestLoadNormalizesNonPositiveBatchSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("reconcile_batch_size: -5\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.ReconcileBatchSize != 100 {
		t.Fatalf("batch size not normalized: %d", conf.ReconcileBatchSize)
	}
}
