package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
environment:
  mode: paper
  log_level: debug

broker:
  timeout: 5s
  max_close_retries: 2
  broken_leg_policy: flatten

ledger:
  path: /tmp/ledger.jsonl

engine:
  symbols: [SPY, QQQ]
  bar_interval: 30s

strategies:
  theta_harvester:
    stop_loss_pct: -1.5
    take_profit_pct: 0.4
    iv_drop_threshold: 0.05
  gamma_scalper:
    stop_loss_pct: -0.6
    take_profit_pct: 1.2

hedge:
  delta_threshold: 20
  min_hedge_shares: 5
  max_hedge_trades_per_day: 10
  max_hedge_notional_per_day: 100000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if !cfg.IsPaperTrading() {
		t.Error("expected paper trading mode")
	}
	if len(cfg.Engine.Symbols) != 2 {
		t.Errorf("symbols = %v", cfg.Engine.Symbols)
	}
	if cfg.BarInterval() != 30*time.Second {
		t.Errorf("bar interval = %v, want 30s", cfg.BarInterval())
	}
	if cfg.BrokerTimeout() != 5*time.Second {
		t.Errorf("broker timeout = %v, want 5s", cfg.BrokerTimeout())
	}
	if cfg.Broker.BrokenLegPolicy != BrokenLegPolicyFlatten {
		t.Errorf("broken leg policy = %s", cfg.Broker.BrokenLegPolicy)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Engine.BarsPerSession != 390 {
		t.Errorf("bars per session default = %d, want 390", cfg.Engine.BarsPerSession)
	}
	if cfg.Hedge.LotSize != 1 {
		t.Errorf("lot size default = %d, want 1", cfg.Hedge.LotSize)
	}
	if cfg.Hedge.ContractMultiplier != 100 {
		t.Errorf("contract multiplier default = %v, want 100", cfg.Hedge.ContractMultiplier)
	}
	if cfg.Hedge.MaxOrphanHedgeBars != 10 {
		t.Errorf("orphan hedge bars default = %d, want 10", cfg.Hedge.MaxOrphanHedgeBars)
	}
	if cfg.Reconciliation.PnLTolerance != 0.01 {
		t.Errorf("pnl tolerance default = %v, want 0.01", cfg.Reconciliation.PnLTolerance)
	}
	// Gamma scalper's time limit defaults to one full session.
	if cfg.Strategies.GammaScalper.TimeLimitBars != cfg.Engine.BarsPerSession {
		t.Errorf("gamma time limit = %d, want %d",
			cfg.Strategies.GammaScalper.TimeLimitBars, cfg.Engine.BarsPerSession)
	}
	initial, max := cfg.CloseBackoff()
	if initial != time.Second || max != 30*time.Second {
		t.Errorf("close backoff = %v/%v, want 1s/30s", initial, max)
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_LEDGER_PATH", "/var/data/ledger.jsonl")
	content := strings.Replace(validYAML, "/tmp/ledger.jsonl", "${TEST_LEDGER_PATH}", 1)
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ledger.Path != "/var/data/ledger.jsonl" {
		t.Errorf("ledger path = %s", cfg.Ledger.Path)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	content := validYAML + "\nbogus_section:\n  key: value\n"
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Error("unknown top-level field should be rejected")
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "backtest" }},
		{"empty ledger path", func(c *Config) { c.Ledger.Path = "" }},
		{"no symbols", func(c *Config) { c.Engine.Symbols = nil }},
		{"duplicate symbols", func(c *Config) { c.Engine.Symbols = []string{"SPY", "SPY"} }},
		{"bad bar interval", func(c *Config) { c.Engine.BarInterval = "soon" }},
		{"positive stop loss", func(c *Config) { c.Strategies.ThetaHarvester.StopLossPct = 0.5 }},
		{"negative take profit", func(c *Config) { c.Strategies.GammaScalper.TakeProfitPct = -0.5 }},
		{"zero delta threshold", func(c *Config) { c.Hedge.DeltaThreshold = 0 }},
		{"zero trade budget", func(c *Config) { c.Hedge.MaxHedgeTradesPerDay = 0 }},
		{"zero notional budget", func(c *Config) { c.Hedge.MaxHedgeNotionalPerDay = 0 }},
		{"bad broken leg policy", func(c *Config) { c.Broker.BrokenLegPolicy = "ignore" }},
		{"ops enabled without port", func(c *Config) { c.Ops.Enabled = true; c.Ops.Port = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
