// Package config provides configuration management for the hedging engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	defaultBarInterval        = "1m"
	defaultBarsPerSession     = 390
	defaultMaxCloseRetries    = 3
	defaultCloseBackoff       = "1s"
	defaultCloseBackoffMax    = "30s"
	defaultBrokerTimeout      = "10s"
	defaultPnLTolerance       = 0.01
	defaultMaxOrphanHedgeBars = 10
	defaultLotSize            = 1
	defaultContractMultiplier = 100.0
)

// BrokenLegPolicy controls the disposition of a surviving leg after the
// sibling leg is rejected.
type BrokenLegPolicy string

const (
	// BrokenLegPolicyReview flags the package for operator review and takes
	// no automatic action. This is the default.
	BrokenLegPolicyReview BrokenLegPolicy = "review"
	// BrokenLegPolicyFlatten submits a close order for the surviving leg.
	BrokenLegPolicyFlatten BrokenLegPolicy = "flatten"
)

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig    `yaml:"environment"`
	Broker         BrokerConfig         `yaml:"broker"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Engine         EngineConfig         `yaml:"engine"`
	Strategies     StrategiesConfig     `yaml:"strategies"`
	Hedge          HedgeConfig          `yaml:"hedge"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Ops            OpsConfig            `yaml:"ops"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker collaborator settings.
type BrokerConfig struct {
	Timeout         string `yaml:"timeout"`
	MaxCloseRetries int    `yaml:"max_close_retries"`
	CloseBackoff    string `yaml:"close_backoff"`
	CloseBackoffMax string `yaml:"close_backoff_max"`
	// BrokenLegPolicy: review | flatten
	BrokenLegPolicy BrokenLegPolicy `yaml:"broken_leg_policy"`
}

// LedgerConfig defines the durable event-log location.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig defines symbol partitioning and bar scheduling.
type EngineConfig struct {
	Symbols        []string `yaml:"symbols"`
	BarInterval    string   `yaml:"bar_interval"`
	BarsPerSession int      `yaml:"bars_per_session"`
	QueueDepth     int      `yaml:"queue_depth"`
}

// StrategyExitConfig defines per-strategy exit thresholds. Percentages are
// fractional: -2.0 means -200%.
type StrategyExitConfig struct {
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
	// IVDropThreshold applies to theta_harvester only.
	IVDropThreshold float64 `yaml:"iv_drop_threshold"`
	// TimeLimitBars applies to gamma_scalper only; 0 means one session.
	TimeLimitBars int `yaml:"time_limit_bars"`
}

// StrategiesConfig groups per-strategy exit settings.
type StrategiesConfig struct {
	ThetaHarvester StrategyExitConfig `yaml:"theta_harvester"`
	GammaScalper   StrategyExitConfig `yaml:"gamma_scalper"`
}

// HedgeConfig defines the delta-hedging control loop budgets.
type HedgeConfig struct {
	DeltaThreshold         float64 `yaml:"delta_threshold"`
	MinHedgeShares         int     `yaml:"min_hedge_shares"`
	LotSize                int     `yaml:"lot_size"`
	ContractMultiplier     float64 `yaml:"contract_multiplier"`
	MaxHedgeTradesPerDay   int     `yaml:"max_hedge_trades_per_day"`
	MaxHedgeNotionalPerDay float64 `yaml:"max_hedge_notional_per_day"`
	MaxOrphanHedgeBars     int     `yaml:"max_orphan_hedge_bars"`
}

// ReconciliationConfig defines audit tolerances.
type ReconciliationConfig struct {
	PnLTolerance float64 `yaml:"pnl_tolerance"`
}

// OpsConfig defines the operational HTTP endpoint.
type OpsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Engine.BarInterval == "" {
		c.Engine.BarInterval = defaultBarInterval
	}
	if c.Engine.BarsPerSession == 0 {
		c.Engine.BarsPerSession = defaultBarsPerSession
	}
	if c.Engine.QueueDepth == 0 {
		c.Engine.QueueDepth = 256
	}
	if c.Broker.Timeout == "" {
		c.Broker.Timeout = defaultBrokerTimeout
	}
	if c.Broker.MaxCloseRetries == 0 {
		c.Broker.MaxCloseRetries = defaultMaxCloseRetries
	}
	if c.Broker.CloseBackoff == "" {
		c.Broker.CloseBackoff = defaultCloseBackoff
	}
	if c.Broker.CloseBackoffMax == "" {
		c.Broker.CloseBackoffMax = defaultCloseBackoffMax
	}
	if c.Broker.BrokenLegPolicy == "" {
		c.Broker.BrokenLegPolicy = BrokenLegPolicyReview
	}
	if c.Hedge.LotSize == 0 {
		c.Hedge.LotSize = defaultLotSize
	}
	if c.Hedge.ContractMultiplier == 0 {
		c.Hedge.ContractMultiplier = defaultContractMultiplier
	}
	if c.Hedge.MaxOrphanHedgeBars == 0 {
		c.Hedge.MaxOrphanHedgeBars = defaultMaxOrphanHedgeBars
	}
	if c.Reconciliation.PnLTolerance == 0 {
		c.Reconciliation.PnLTolerance = defaultPnLTolerance
	}
	if c.Strategies.ThetaHarvester.StopLossPct == 0 {
		c.Strategies.ThetaHarvester.StopLossPct = -2.0
	}
	if c.Strategies.ThetaHarvester.TakeProfitPct == 0 {
		c.Strategies.ThetaHarvester.TakeProfitPct = 0.5
	}
	if c.Strategies.GammaScalper.StopLossPct == 0 {
		c.Strategies.GammaScalper.StopLossPct = -0.5
	}
	if c.Strategies.GammaScalper.TakeProfitPct == 0 {
		c.Strategies.GammaScalper.TakeProfitPct = 1.5
	}
	if c.Strategies.GammaScalper.TimeLimitBars == 0 {
		c.Strategies.GammaScalper.TimeLimitBars = c.Engine.BarsPerSession
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required")
	}

	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("engine.symbols must name at least one symbol")
	}
	seen := make(map[string]bool, len(c.Engine.Symbols))
	for _, s := range c.Engine.Symbols {
		if s == "" {
			return fmt.Errorf("engine.symbols must not contain empty entries")
		}
		if seen[s] {
			return fmt.Errorf("engine.symbols contains duplicate %q", s)
		}
		seen[s] = true
	}
	if _, err := time.ParseDuration(c.Engine.BarInterval); err != nil {
		return fmt.Errorf("engine.bar_interval invalid: %w", err)
	}
	if c.Engine.BarsPerSession <= 0 {
		return fmt.Errorf("engine.bars_per_session must be > 0")
	}

	if _, err := time.ParseDuration(c.Broker.Timeout); err != nil {
		return fmt.Errorf("broker.timeout invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Broker.CloseBackoff); err != nil {
		return fmt.Errorf("broker.close_backoff invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Broker.CloseBackoffMax); err != nil {
		return fmt.Errorf("broker.close_backoff_max invalid: %w", err)
	}
	if c.Broker.MaxCloseRetries < 0 {
		return fmt.Errorf("broker.max_close_retries must be >= 0")
	}
	switch c.Broker.BrokenLegPolicy {
	case BrokenLegPolicyReview, BrokenLegPolicyFlatten:
	default:
		return fmt.Errorf("broker.broken_leg_policy must be 'review' or 'flatten'")
	}

	if err := validateExit("strategies.theta_harvester", c.Strategies.ThetaHarvester); err != nil {
		return err
	}
	if err := validateExit("strategies.gamma_scalper", c.Strategies.GammaScalper); err != nil {
		return err
	}

	if c.Hedge.DeltaThreshold <= 0 {
		return fmt.Errorf("hedge.delta_threshold must be > 0")
	}
	if c.Hedge.MinHedgeShares < 0 {
		return fmt.Errorf("hedge.min_hedge_shares must be >= 0")
	}
	if c.Hedge.LotSize <= 0 {
		return fmt.Errorf("hedge.lot_size must be > 0")
	}
	if c.Hedge.MaxHedgeTradesPerDay <= 0 {
		return fmt.Errorf("hedge.max_hedge_trades_per_day must be > 0")
	}
	if c.Hedge.MaxHedgeNotionalPerDay <= 0 {
		return fmt.Errorf("hedge.max_hedge_notional_per_day must be > 0")
	}
	if c.Hedge.MaxOrphanHedgeBars <= 0 {
		return fmt.Errorf("hedge.max_orphan_hedge_bars must be > 0")
	}

	if c.Reconciliation.PnLTolerance <= 0 {
		return fmt.Errorf("reconciliation.pnl_tolerance must be > 0")
	}

	if c.Ops.Enabled && (c.Ops.Port <= 0 || c.Ops.Port > 65535) {
		return fmt.Errorf("ops.port must be a valid port when ops is enabled")
	}

	return nil
}

func validateExit(section string, e StrategyExitConfig) error {
	if e.StopLossPct >= 0 {
		return fmt.Errorf("%s.stop_loss_pct must be < 0", section)
	}
	if e.TakeProfitPct <= 0 {
		return fmt.Errorf("%s.take_profit_pct must be > 0", section)
	}
	if e.IVDropThreshold < 0 {
		return fmt.Errorf("%s.iv_drop_threshold must be >= 0", section)
	}
	if e.TimeLimitBars < 0 {
		return fmt.Errorf("%s.time_limit_bars must be >= 0", section)
	}
	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// BarInterval returns the configured bar interval duration.
func (c *Config) BarInterval() time.Duration {
	d, err := time.ParseDuration(c.Engine.BarInterval)
	if err != nil {
		return time.Minute
	}
	return d
}

// BrokerTimeout returns the configured broker call timeout.
func (c *Config) BrokerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Broker.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// CloseBackoff returns the initial and maximum close-retry backoff.
func (c *Config) CloseBackoff() (initial, max time.Duration) {
	initial, err := time.ParseDuration(c.Broker.CloseBackoff)
	if err != nil {
		initial = time.Second
	}
	max, err = time.ParseDuration(c.Broker.CloseBackoffMax)
	if err != nil {
		max = 30 * time.Second
	}
	return initial, max
}
