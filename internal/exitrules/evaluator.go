// Package exitrules evaluates per-strategy exit rules for open packages.
// Rules are ordered pure predicates over the package's entry and current
// snapshots; the first rule that matches fires and no later rule is
// evaluated, so at most one trigger fires per package per bar.
package exitrules

import (
	"github.com/achavala/pairhedge/internal/config"
	"github.com/achavala/pairhedge/internal/models"
)

// Exit reason codes, consumed by the lifecycle manager's close request.
const (
	ReasonStopLoss     = "stop_loss"
	ReasonTakeProfit   = "take_profit"
	ReasonVolCollapse  = "vol_collapse"
	ReasonRegimeChange = "regime_change"
	ReasonGEXReversal  = "gex_reversal"
	ReasonTimeLimit    = "time_limit"
)

// Rule is one exit predicate.
type Rule struct {
	Name      string
	Reason    string
	Triggered func(p *models.Package) bool
}

// Evaluator holds the ordered rule lists per strategy.
type Evaluator struct {
	rules map[models.StrategyTag][]Rule
}

// NewEvaluator builds the rule sets from configuration. Priority order is
// fixed: stop-loss, take-profit, then strategy-specific rules.
func NewEvaluator(cfg config.StrategiesConfig) *Evaluator {
	theta := cfg.ThetaHarvester
	gamma := cfg.GammaScalper

	return &Evaluator{
		rules: map[models.StrategyTag][]Rule{
			models.StrategyThetaHarvester: {
				stopLoss(theta.StopLossPct),
				takeProfit(theta.TakeProfitPct),
				{
					Name:   "vol_collapse",
					Reason: ReasonVolCollapse,
					Triggered: func(p *models.Package) bool {
						if theta.IVDropThreshold <= 0 {
							return false
						}
						return p.Entry.IV-p.Current.IV > theta.IVDropThreshold
					},
				},
				{
					Name:   "regime_change",
					Reason: ReasonRegimeChange,
					Triggered: func(p *models.Package) bool {
						return p.Entry.Regime != "" && p.Current.Regime != p.Entry.Regime
					},
				},
			},
			models.StrategyGammaScalper: {
				stopLoss(gamma.StopLossPct),
				takeProfit(gamma.TakeProfitPct),
				{
					Name:   "gex_reversal",
					Reason: ReasonGEXReversal,
					Triggered: func(p *models.Package) bool {
						return p.Entry.GEXSign != 0 && p.Current.GEXSign != 0 &&
							p.Current.GEXSign != p.Entry.GEXSign
					},
				},
				{
					Name:   "time_limit",
					Reason: ReasonTimeLimit,
					Triggered: func(p *models.Package) bool {
						return gamma.TimeLimitBars > 0 && p.Current.BarsHeld >= gamma.TimeLimitBars
					},
				},
			},
		},
	}
}

func stopLoss(threshold float64) Rule {
	return Rule{
		Name:   "stop_loss",
		Reason: ReasonStopLoss,
		Triggered: func(p *models.Package) bool {
			return p.PnLPercent() <= threshold
		},
	}
}

func takeProfit(threshold float64) Rule {
	return Rule{
		Name:   "take_profit",
		Reason: ReasonTakeProfit,
		Triggered: func(p *models.Package) bool {
			return p.PnLPercent() >= threshold
		},
	}
}

// Evaluate runs the strategy's rules in priority order against an open
// package. It returns the reason code of the first rule that fires, or
// ("", false) when the package should remain open.
func (e *Evaluator) Evaluate(p *models.Package) (string, bool) {
	if p.State != models.StateOpen {
		return "", false
	}
	for _, rule := range e.rules[p.Strategy] {
		if rule.Triggered(p) {
			return rule.Reason, true
		}
	}
	return "", false
}
