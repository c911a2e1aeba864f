package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const testYAML = `
chain:
  rpc_url: "https://polygon-rpc.example"
  owner_address: "0xabc"
  collateral_address: "0xdef"
  collateral_decimals: 6
api:
  clob_base_url: "https://clob.example"
  ws_market_url: "wss://ws.example/market"
  ws_user_url: "wss://ws.example/user"
store:
  max_tokens: 200
  stale_threshold: 10s
  depth_window: "0.05"
execution:
  hard_min: "0.01"
  hard_max: "0.99"
  strategy_min: "0.05"
  strategy_max: "0.95"
  slippage_frac: "0.02"
  max_spread_cents: "5"
  default_tick_size: "0.01"
  buy_cooldown: 30s
  allow_resting_fallback: true
balance:
  refresh_interval: 1m
logging:
  level: "info"
  format: "json"
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadParsesDecimalAndDurationFields(t *testing.T) {
	path := writeTestConfig(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want, _ := decimal.NewFromString("0.05")
	if !cfg.Store.DepthWindow.Equal(want) {
		t.Errorf("depth window = %s, want 0.05", cfg.Store.DepthWindow)
	}
	if cfg.Store.MaxTokens != 200 {
		t.Errorf("max_tokens = %d, want 200", cfg.Store.MaxTokens)
	}
	if cfg.Store.StaleThreshold != 10*time.Second {
		t.Errorf("stale_threshold = %v, want 10s", cfg.Store.StaleThreshold)
	}
}

func TestLoadAppliesEnvOverridesForSecrets(t *testing.T) {
	path := writeTestConfig(t)
	t.Setenv("CLOBMM_API_KEY", "from-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.ApiKey != "from-env" {
		t.Errorf("api_key = %q, want env override", cfg.API.ApiKey)
	}
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	path := writeTestConfig(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
