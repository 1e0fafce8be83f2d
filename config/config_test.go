package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `tradeflow:
  name: "TestApp"
  version: "1.0"
trader:
  symbols:
    - base: btc
      quote: usdt
      exchange: binance
strategies:
  - name: sma_crossover
    enabled: true
    params:
      short_period: 5
      long_period: 10
`

// writeTempConfig writes content to a temporary YAML file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tradeflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Tradeflow.Name)
	}
	if len(cfg.Strategies) != 1 || cfg.Strategies[0].Params["short_period"] != 5 {
		t.Errorf("unexpected strategies: %+v", cfg.Strategies)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	r := cfg.Risk
	if r.MaxPositionSize != 0.1 || r.MaxLossPerTrade != 0.02 || r.MaxDailyLoss != 0.05 ||
		r.MaxOpenPositions != 5 || r.StopLossPct != 0.02 || r.TakeProfitPct != 0.04 {
		t.Errorf("unexpected risk defaults: %+v", r)
	}
	if cfg.Executor.Adapter != "paper" {
		t.Errorf("unexpected adapter: %s", cfg.Executor.Adapter)
	}
	if cfg.Executor.Retry.MaxAttempts != 3 || cfg.Executor.Retry.BaseDelay != 200*time.Millisecond {
		t.Errorf("unexpected retry defaults: %+v", cfg.Executor.Retry)
	}
	if cfg.Trader.PollInterval != time.Minute || cfg.Trader.CandleLimit != 100 {
		t.Errorf("unexpected trader defaults: %+v", cfg.Trader)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("BINANCE_API_KEY", " key ")
	t.Setenv("BINANCE_SECRET_KEY", "secret")
	content := minimalConfig + `executor:
  adapter: Binance
`
	cfg, err := LoadConfig(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Source.Binance.APIKey != "key" || cfg.Source.Binance.SecretKey != "secret" {
		t.Errorf("env overrides not applied: %+v", cfg.Source.Binance)
	}
	if cfg.Executor.Adapter != "binance" {
		t.Errorf("adapter not normalized: %s", cfg.Executor.Adapter)
	}
}

func TestValidateConfigErrors(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "missing symbols",
			content: "tradeflow:\n  name: a\n  version: b\n",
			want:    "trader.symbols",
		},
		{
			name:    "bad risk fraction",
			content: minimalConfig + "risk:\n  max_position_size: 1.5\n",
			want:    "risk.max_position_size",
		},
		{
			name:    "zero open positions",
			content: minimalConfig + "risk:\n  max_open_positions: 0\n",
			want:    "risk.max_open_positions",
		},
		{
			name:    "unknown adapter",
			content: minimalConfig + "executor:\n  adapter: ftx\n",
			want:    "executor.adapter",
		},
		{
			name:    "journal without s3",
			content: minimalConfig + "storage:\n  journal:\n    enabled: true\n",
			want:    "storage.journal",
		},
	}
	for _, c := range cases {
		_, err := LoadConfig(writeTempConfig(t, c.content))
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: expected error mentioning %q, got %v", c.name, c.want, err)
		}
	}
}

func TestPaperAdapterRefusedInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if _, err := LoadConfig(writeTempConfig(t, minimalConfig)); err == nil {
		t.Fatalf("expected paper adapter to be refused in production")
	}

	t.Setenv("APP_ENV", "staging")
	content := minimalConfig + "executor:\n  allow_paper_in_production: true\n"
	if _, err := LoadConfig(writeTempConfig(t, content)); err != nil {
		t.Fatalf("explicitly allowed paper adapter should load: %v", err)
	}
}

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "config.yml")
	prod := filepath.Join(dir, "config.production.yml")
	if err := os.WriteFile(prod, []byte(minimalConfig), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "production")
	if got := ResolveConfigPath("", def); got != prod {
		t.Errorf("expected %s, got %s", prod, got)
	}
	if got := ResolveConfigPath("/custom.yml", def); got != "/custom.yml" {
		t.Errorf("explicit path must win, got %s", got)
	}

	t.Setenv("APP_ENV", "development")
	if got := ResolveConfigPath("", def); got != def {
		t.Errorf("expected default path, got %s", got)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
