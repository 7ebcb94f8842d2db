package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testYAML = `
auth:
  token_url: "https://auth.example.com/token"
api:
  operations_base_url: "https://api.example.com/ops"
  portfolio_base_url: "https://api.example.com/pf"
  market_data_base_url: "https://api.example.com/md"
  ws_market_data_url: "wss://api.example.com/md/ws"
  ws_executions_url: "wss://api.example.com/ops/ws"
instrument:
  ticker: "SBER"
  class_code: "TQBR"
strategy:
  spread: 0.30
  base_size: 1
  inventory_limit: 5
  inventory_k: 0.1
logging:
  level: "debug"
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BKS_TOKEN", "refresh-secret")

	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Auth.ClientID != "trade-api-write" {
		t.Errorf("client_id = %q, want trade-api-write default", cfg.Auth.ClientID)
	}
	if cfg.Instrument.Depth != 20 || cfg.Instrument.TickDecimals != 2 {
		t.Errorf("instrument defaults = %d/%d, want 20/2", cfg.Instrument.Depth, cfg.Instrument.TickDecimals)
	}
	if cfg.Manager.PassInterval != 5*time.Second {
		t.Errorf("pass_interval = %v, want 5s default", cfg.Manager.PassInterval)
	}
	if cfg.Manager.RefreshPeriod != 10*time.Second {
		t.Errorf("refresh_period = %v, want 10s default", cfg.Manager.RefreshPeriod)
	}
	if cfg.Strategy.InventoryPeriod != 5*time.Second {
		t.Errorf("inventory_period = %v, want 5s default", cfg.Strategy.InventoryPeriod)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestTokenComesFromEnvironment(t *testing.T) {
	t.Setenv("BKS_TOKEN", "env-secret")

	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.RefreshToken != "env-secret" {
		t.Errorf("refresh token = %q, want env-secret", cfg.Auth.RefreshToken)
	}
}

func TestValidateRejectsMissingToken(t *testing.T) {
	t.Setenv("BKS_TOKEN", "")

	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation failure without a refresh token")
	}
}

func TestValidateRejectsShortPassInterval(t *testing.T) {
	t.Setenv("BKS_TOKEN", "secret")

	yaml := testYAML + "manager:\n  pass_interval: 1s\n"
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation failure for pass_interval below 5s")
	}
}
