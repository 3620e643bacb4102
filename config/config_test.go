package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTempConfig writes content to a YAML file inside a per-test directory
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `tradesim:
  name: "TestApp"
  version: "1.0"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tradesim.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Tradesim.Name)
	}
	if cfg.Upstream.RetryInterval != 10*time.Second {
		t.Errorf("unexpected retry interval: %v", cfg.Upstream.RetryInterval)
	}
	if len(cfg.Upstream.FatalCodes) != 3 {
		t.Errorf("unexpected fatal codes: %v", cfg.Upstream.FatalCodes)
	}
	if cfg.Simulation.QuantityUSD != 1000 || cfg.Simulation.FeeTier.TakerRate() != 0.001 {
		t.Errorf("unexpected simulation defaults: %+v", cfg.Simulation)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeTempConfig(t, `tradesim:
  name: "TestApp"
upstream:
  url: "ws://127.0.0.1:9999/feed"
  retry_interval: 250ms
server:
  address: ":9000"
simulation:
  order_type: "limit"
  quantity_usd: 250
  fee_tier:
    maker: 0.0002
    taker: 0.0005
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Upstream.RetryInterval != 250*time.Millisecond {
		t.Errorf("unexpected retry interval: %v", cfg.Upstream.RetryInterval)
	}
	if cfg.Server.Address != ":9000" {
		t.Errorf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Simulation.OrderType != "limit" || cfg.Simulation.QuantityUSD != 250 {
		t.Errorf("unexpected simulation: %+v", cfg.Simulation)
	}
	if cfg.Simulation.FeeTier.TakerRate() != 0.0005 {
		t.Errorf("unexpected taker rate: %v", cfg.Simulation.FeeTier.TakerRate())
	}
	// fields the file leaves alone keep their defaults
	if cfg.Simulation.SpotAsset != "BTC-USDT-SWAP" {
		t.Errorf("unexpected spot asset: %s", cfg.Simulation.SpotAsset)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("TRADESIM_UPSTREAM_URL", "wss://example.com/ws")
	t.Setenv("TRADESIM_SERVER_ADDRESS", "0.0.0.0:7000")
	path := writeTempConfig(t, "tradesim:\n  name: x\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Upstream.URL != "wss://example.com/ws" || cfg.Server.Address != "0.0.0.0:7000" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Upstream, cfg.Server)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"bad url":        "upstream:\n  url: \"http://example.com\"\n",
		"bad order type": "simulation:\n  order_type: \"stop\"\n",
		"zero quantity":  "simulation:\n  quantity_usd: 0\n",
		"bad path":       "server:\n  path: \"ws\"\n",
		"no region":      "metrics:\n  cloudwatch:\n    enabled: true\n",
	}
	t.Setenv("AWS_REGION", "")
	for name, content := range cases {
		path := writeTempConfig(t, content)
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "config.yml")
	prod := filepath.Join(dir, "config.production.yml")
	if err := os.WriteFile(prod, []byte("tradesim:\n  name: prod\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolveConfigPath(def, def); got != prod {
		t.Errorf("ResolveConfigPath = %q, want %q", got, prod)
	}
	if got := ResolveConfigPath("/etc/custom.yml", def); got != "/etc/custom.yml" {
		t.Errorf("explicit path replaced: %q", got)
	}

	t.Setenv("APP_ENV", "")
	if got := ResolveConfigPath("", def); got != def {
		t.Errorf("ResolveConfigPath = %q, want %q", got, def)
	}
	if env := AppEnvironment(); env != "development" {
		t.Errorf("AppEnvironment = %q, want development", env)
	}
}
