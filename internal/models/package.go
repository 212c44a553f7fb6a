package models

import (
	"fmt"
	"math"
	"time"
)

// OptionType represents the type of option contract.
type OptionType string

const (
	// OptionTypeCall represents a call option contract.
	OptionTypeCall OptionType = "call"
	// OptionTypePut represents a put option contract.
	OptionTypePut OptionType = "put"
)

// Side represents the direction of a leg.
type Side string

const (
	// SideLong means the leg was bought to open.
	SideLong Side = "long"
	// SideShort means the leg was sold to open.
	SideShort Side = "short"
)

// FillStatus represents the broker-reported fill state of a leg.
type FillStatus string

const (
	// FillUnfilled means no contracts have filled.
	FillUnfilled FillStatus = "unfilled"
	// FillPartial means some but not all contracts have filled.
	FillPartial FillStatus = "partial"
	// FillFilled means all contracts have filled.
	FillFilled FillStatus = "filled"
	// FillRejected means the broker rejected the leg order.
	FillRejected FillStatus = "rejected"
)

// StrategyTag identifies the strategy that requested a package.
type StrategyTag string

const (
	// StrategyThetaHarvester sells premium and exits on vol or regime shifts.
	StrategyThetaHarvester StrategyTag = "theta_harvester"
	// StrategyGammaScalper buys premium and exits on GEX flips or time.
	StrategyGammaScalper StrategyTag = "gamma_scalper"
)

// Valid reports whether the tag is one of the defined strategies.
func (t StrategyTag) Valid() bool {
	return t == StrategyThetaHarvester || t == StrategyGammaScalper
}

// LegSpec describes one leg of an entry request.
type LegSpec struct {
	Symbol       string     `json:"symbol"`
	OptionSymbol string     `json:"option_symbol"`
	Type         OptionType `json:"type"`
	Side         Side       `json:"side"`
	Quantity     int        `json:"quantity"`
}

// Leg is one option contract position within a package. Legs are owned
// exclusively by their package and never shared.
type Leg struct {
	ID           int        `json:"id"`
	OptionSymbol string     `json:"option_symbol"`
	Type         OptionType `json:"type"`
	Side         Side       `json:"side"`
	Quantity     int        `json:"quantity"`
	FillStatus   FillStatus `json:"fill_status"`
	AvgFillPrice float64    `json:"avg_fill_price"`
}

// signedPremium is the cash flow of the leg at entry per contract: negative
// for premium received (short), positive for premium paid (long).
func (l *Leg) signedPremium() float64 {
	premium := l.AvgFillPrice * float64(l.Quantity)
	if l.Side == SideShort {
		return -premium
	}
	return premium
}

// Snapshot captures the market context of a package at a point in time.
type Snapshot struct {
	Mark      float64   `json:"mark"`
	IV        float64   `json:"iv"`
	GEXSign   int       `json:"gex_sign"`
	Regime    string    `json:"regime"`
	BarsHeld  int       `json:"bars_held,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Package is a paired call+put position traded and exited as a single unit.
type Package struct {
	ID         uint64       `json:"id"`
	Strategy   StrategyTag  `json:"strategy"`
	Symbol     string       `json:"symbol"`
	Legs       [2]Leg       `json:"legs"`
	State      PackageState `json:"state"`
	Entry      Snapshot     `json:"entry"`
	Current    Snapshot     `json:"current"`
	// Direction is +1 for net debit, -1 for net credit. Fixed at the open
	// transition and used to sign P&L consistently afterwards.
	Direction     int       `json:"direction"`
	// EntryStamped marks that the first post-open refresh captured the entry
	// IV, GEX sign and regime class.
	EntryStamped  bool      `json:"entry_stamped,omitempty"`
	ExitReason    string    `json:"exit_reason,omitempty"`
	CloseOrderID  string    `json:"close_order_id,omitempty"`
	CloseAttempts int       `json:"close_attempts"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	CreatedAt     time.Time `json:"created_at"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	ClosedAt      time.Time `json:"closed_at,omitempty"`
}

// NewPackage creates a package in pending_entry from two validated leg specs.
func NewPackage(id uint64, strategy StrategyTag, symbol string, specs [2]LegSpec) *Package {
	p := &Package{
		ID:        id,
		Strategy:  strategy,
		Symbol:    symbol,
		State:     StatePendingEntry,
		CreatedAt: time.Now().UTC(),
	}
	for i, spec := range specs {
		p.Legs[i] = Leg{
			ID:           i + 1,
			OptionSymbol: spec.OptionSymbol,
			Type:         spec.Type,
			Side:         spec.Side,
			Quantity:     spec.Quantity,
			FillStatus:   FillUnfilled,
		}
	}
	return p
}

// Transition moves the package to a new state after validating against the
// transition table. Terminal states are never left.
func (p *Package) Transition(to PackageState, condition string) error {
	if !validTransition(p.State, to, condition) {
		return &TransitionError{PackageID: p.ID, From: p.State, To: to, Condition: condition}
	}
	p.State = to
	switch to {
	case StateOpen:
		if p.OpenedAt.IsZero() {
			p.OpenedAt = time.Now().UTC()
		}
	case StateClosed:
		if p.ClosedAt.IsZero() {
			p.ClosedAt = time.Now().UTC()
		}
	}
	return nil
}

// Leg returns the leg with the given id, or nil.
func (p *Package) Leg(legID int) *Leg {
	for i := range p.Legs {
		if p.Legs[i].ID == legID {
			return &p.Legs[i]
		}
	}
	return nil
}

// BothLegsFilled reports whether every leg is fully filled.
func (p *Package) BothLegsFilled() bool {
	for i := range p.Legs {
		if p.Legs[i].FillStatus != FillFilled {
			return false
		}
	}
	return true
}

// SurvivingLeg returns the filled leg of a broken package, or nil if none.
func (p *Package) SurvivingLeg() *Leg {
	for i := range p.Legs {
		if p.Legs[i].FillStatus == FillFilled {
			return &p.Legs[i]
		}
	}
	return nil
}

// EstablishDirection fixes the debit/credit direction and entry mark from the
// leg fills. Called exactly once, at the open transition.
func (p *Package) EstablishDirection() {
	net := 0.0
	mark := 0.0
	for i := range p.Legs {
		net += p.Legs[i].signedPremium()
		mark += p.Legs[i].AvgFillPrice * float64(p.Legs[i].Quantity)
	}
	if net < 0 {
		p.Direction = -1
	} else {
		p.Direction = 1
	}
	p.Entry.Mark = mark
	p.Entry.Timestamp = time.Now().UTC()
}

// MarkToMarket refreshes the current snapshot for the bar. The first refresh
// after opening also stamps the entry IV, GEX sign and regime class, which are
// not known from the fills alone. An empty regime class is a valid stamp.
func (p *Package) MarkToMarket(mark, iv float64, gexSign int, regime string, now time.Time) {
	if p.State == StateOpen && !p.EntryStamped {
		p.Entry.IV = iv
		p.Entry.GEXSign = gexSign
		p.Entry.Regime = regime
		p.EntryStamped = true
	}
	p.Current = Snapshot{
		Mark:      mark,
		IV:        iv,
		GEXSign:   gexSign,
		Regime:    regime,
		BarsHeld:  p.Current.BarsHeld + 1,
		Timestamp: now,
	}
	p.UnrealizedPnL = p.PnLPercent()
}

// PnLPercent returns the signed fractional P&L of the package:
// direction * (currentMark - entryMark) / |entryMark|. A net-credit package
// profits when the mark falls.
func (p *Package) PnLPercent() float64 {
	if p.Entry.Mark == 0 {
		return 0
	}
	return float64(p.Direction) * (p.Current.Mark - p.Entry.Mark) / math.Abs(p.Entry.Mark)
}

// RealizedDollars computes the realized P&L in dollars for a close at
// closeMark given the contract multiplier.
func (p *Package) RealizedDollars(closeMark, multiplier float64) float64 {
	return float64(p.Direction) * (closeMark - p.Entry.Mark) * multiplier
}

// Validate checks structural invariants independent of market data.
func (p *Package) Validate() error {
	if !p.Strategy.Valid() {
		return fmt.Errorf("package %d: unknown strategy %q", p.ID, p.Strategy)
	}
	if p.Symbol == "" {
		return fmt.Errorf("package %d: empty symbol", p.ID)
	}
	switch p.State {
	case StateOpen, StateExitTriggered, StateClosing, StateClosed:
		if !p.BothLegsFilled() {
			return fmt.Errorf("package %d in state %s: both legs must be filled", p.ID, p.State)
		}
		if p.Direction == 0 {
			return fmt.Errorf("package %d in state %s: direction not established", p.ID, p.State)
		}
	case StateBroken:
		// One rejected leg is required; a surviving filled leg is permitted.
		rejected := false
		for i := range p.Legs {
			if p.Legs[i].FillStatus == FillRejected {
				rejected = true
			}
		}
		if !rejected {
			return fmt.Errorf("package %d in state %s: no rejected leg", p.ID, p.State)
		}
	}
	if p.State == StateClosed && p.ClosedAt.IsZero() {
		return fmt.Errorf("package %d: closed without close timestamp", p.ID)
	}
	return nil
}
