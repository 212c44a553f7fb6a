// Package hedge implements the per-symbol delta-hedging control loop. Hedging
// is budgeted: once the day's trade-count or notional cap is hit, exposure is
// left unhedged for the rest of the session and an alert is raised. The
// policy deliberately bounds hedging activity rather than trading without
// limit.
package hedge

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/achavala/pairhedge/internal/alert"
	"github.com/achavala/pairhedge/internal/broker"
	"github.com/achavala/pairhedge/internal/config"
	"github.com/achavala/pairhedge/internal/ledger"
	"github.com/achavala/pairhedge/internal/marketdata"
	"github.com/achavala/pairhedge/internal/models"
	"github.com/achavala/pairhedge/internal/util"
)

// Manager runs the hedge loop for a single symbol. Like the lifecycle
// manager it is only ever called from the owning symbol's actor.
type Manager struct {
	cfg           config.HedgeConfig
	symbol        string
	brokerTimeout time.Duration
	state         *models.HedgeState
	ledger        ledger.Interface
	broker        broker.Broker
	alerts        *alert.Bus
	logger        *logrus.Entry

	// budgetAlerted suppresses repeated budget alerts within one session.
	budgetAlerted bool
}

// NewManager creates a hedge manager for one symbol.
func NewManager(
	symbol string,
	cfg config.HedgeConfig,
	brokerTimeout time.Duration,
	led ledger.Interface,
	brk broker.Broker,
	alerts *alert.Bus,
	logger *logrus.Logger,
) *Manager {
	return &Manager{
		cfg:           cfg,
		symbol:        symbol,
		brokerTimeout: brokerTimeout,
		state:         models.NewHedgeState(symbol),
		ledger:        led,
		broker:        brk,
		alerts:        alerts,
		logger:        logger.WithField("symbol", symbol),
	}
}

// Seed adopts a replayed hedge state for this symbol.
func (m *Manager) Seed(state *models.HedgeState) {
	if state != nil && state.Symbol == m.symbol {
		m.state = state
		if m.state.Attribution == nil {
			m.state.Attribution = make(map[uint64]int)
		}
	}
}

// State returns the current hedge state.
func (m *Manager) State() *models.HedgeState {
	return m.state
}

// ResetSession clears the day counters at the start of a trading session.
func (m *Manager) ResetSession() error {
	m.state.ResetDay()
	m.budgetAlerted = false
	return m.append(ledger.KindSessionReset, "session counters reset")
}

// OnPackageClosed re-attributes the closed package's hedge shares to the
// symbol-level orphan bucket.
func (m *Manager) OnPackageClosed(packageID uint64, bar int64) error {
	if _, ok := m.state.Attribution[packageID]; !ok {
		return nil
	}
	m.state.Orphan(packageID, bar)
	return m.append(ledger.KindHedgeOrphaned,
		fmt.Sprintf("package %d hedge shares moved to symbol bucket", packageID))
}

// EvaluateBar runs one hedge pass: unwind stale orphans, recompute net delta
// across open packages, and trade the underlying if the exposure exceeds the
// threshold and the day's budgets allow it.
func (m *Manager) EvaluateBar(ctx context.Context, bar int64, snap *marketdata.Snapshot, open []*models.Package) error {
	if err := m.unwindStaleOrphans(ctx, bar); err != nil {
		return err
	}

	netDelta, contributions := m.computeNetDelta(snap, open)
	m.state.NetDelta = netDelta

	if math.Abs(netDelta) <= m.cfg.DeltaThreshold {
		return nil
	}

	shares := util.RoundToLot(-netDelta, m.cfg.LotSize)
	if util.AbsInt(shares) < m.cfg.MinHedgeShares || shares == 0 {
		return nil
	}

	notional := math.Abs(float64(shares)) * snap.UnderlyingMark
	if m.state.TradesToday+1 > m.cfg.MaxHedgeTradesPerDay ||
		m.state.NotionalToday+notional > m.cfg.MaxHedgeNotionalPerDay {
		m.raiseBudgetAlert(netDelta)
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.brokerTimeout)
	tag := fmt.Sprintf("hedge-%s-%s", m.symbol, uuid.New().String()[:8])
	_, err := m.broker.SubmitHedgeOrder(callCtx, m.symbol, shares, tag)
	cancel()
	if err != nil {
		if broker.IsTransient(err) {
			// Exposure stays; the next bar recomputes and retries.
			m.logger.WithError(err).Warn("transient hedge order failure, will retry next bar")
			return nil
		}
		return fmt.Errorf("hedge order for %s: %w", m.symbol, err)
	}

	m.state.HedgeShares += shares
	m.state.TradesToday++
	m.state.NotionalToday += notional
	m.state.LastHedgeBar = bar
	m.attribute(shares, contributions)

	m.logger.WithFields(logrus.Fields{
		"bar":       bar,
		"net_delta": netDelta,
		"shares":    shares,
		"notional":  notional,
		"trades":    m.state.TradesToday,
	}).Info("hedge order submitted")
	return m.append(ledger.KindHedgeTrade, fmt.Sprintf("%d shares at bar %d", shares, bar))
}

// computeNetDelta sums the signed delta exposure of every open package and
// returns each package's contribution for attribution.
func (m *Manager) computeNetDelta(snap *marketdata.Snapshot, open []*models.Package) (float64, map[uint64]float64) {
	contributions := make(map[uint64]float64, len(open))
	total := 0.0
	for _, pkg := range open {
		pkgDelta := 0.0
		for i := range pkg.Legs {
			leg := &pkg.Legs[i]
			g, ok := snap.Legs[leg.OptionSymbol]
			if !ok {
				continue
			}
			sign := 1.0
			if leg.Side == models.SideShort {
				sign = -1.0
			}
			pkgDelta += sign * g.Delta * float64(leg.Quantity) * m.cfg.ContractMultiplier
		}
		contributions[pkg.ID] = pkgDelta
		total += pkgDelta
	}
	// Existing hedge shares offset the option exposure one-for-one. Orphaned
	// shares are excluded: they stay out of the active book until reconciled
	// or force-unwound.
	total += float64(m.activeShares())
	return total, contributions
}

// activeShares is the hedge inventory net of orphaned shares.
func (m *Manager) activeShares() int {
	held := m.state.HedgeShares
	for _, orphan := range m.state.Orphans {
		held -= orphan.Shares
	}
	return held
}

// attribute assigns the traded shares to packages proportionally to their
// share of the option exposure, so orphaning on close moves the right amount.
func (m *Manager) attribute(shares int, contributions map[uint64]float64) {
	optionDelta := 0.0
	for _, c := range contributions {
		optionDelta += c
	}
	if optionDelta == 0 {
		return
	}
	assigned := 0
	var remID uint64
	var remWeight float64
	for id, c := range contributions {
		part := int(math.Round(float64(shares) * c / optionDelta))
		m.state.Attribution[id] += part
		assigned += part
		if w := math.Abs(c); w > remWeight || (w == remWeight && (remID == 0 || id < remID)) {
			remID, remWeight = id, w
		}
	}
	// Rounding remainder lands on the largest contributor (lowest id on
	// ties) rather than vanishing; map order must not affect attribution.
	if rem := shares - assigned; rem != 0 && remID != 0 {
		m.state.Attribution[remID] += rem
	}
}

// unwindStaleOrphans force-unwinds orphan hedge shares that stayed
// unreconciled beyond the bar threshold, and logs them as reconciliation
// issues rather than leaving them outstanding indefinitely.
func (m *Manager) unwindStaleOrphans(ctx context.Context, bar int64) error {
	var remaining []models.OrphanHedge
	for _, orphan := range m.state.Orphans {
		if bar-orphan.ClosedBar <= int64(m.cfg.MaxOrphanHedgeBars) {
			remaining = append(remaining, orphan)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, m.brokerTimeout)
		tag := fmt.Sprintf("unwind-%d-%s", orphan.PackageID, uuid.New().String()[:8])
		_, err := m.broker.SubmitHedgeOrder(callCtx, m.symbol, -orphan.Shares, tag)
		cancel()
		if err != nil {
			if broker.IsTransient(err) {
				m.logger.WithError(err).Warn("transient orphan unwind failure, will retry next bar")
				remaining = append(remaining, orphan)
				continue
			}
			return fmt.Errorf("orphan unwind for package %d: %w", orphan.PackageID, err)
		}

		m.state.HedgeShares -= orphan.Shares
		msg := fmt.Sprintf("force-unwound %d orphan hedge shares from package %d (closed bar %d, now %d)",
			orphan.Shares, orphan.PackageID, orphan.ClosedBar, bar)
		m.logger.Warn(msg)
		if m.alerts != nil {
			m.alerts.Publish(alert.TopicOrphanHedgeUnwound, m.symbol, msg)
		}
		if err := m.append(ledger.KindHedgeUnwound, msg); err != nil {
			return err
		}
	}
	m.state.Orphans = remaining
	return nil
}

func (m *Manager) raiseBudgetAlert(netDelta float64) {
	if m.budgetAlerted {
		return
	}
	m.budgetAlerted = true
	msg := fmt.Sprintf("hedge budget exhausted (trades %d/%d, notional %.0f/%.0f), leaving net delta %.1f unhedged",
		m.state.TradesToday, m.cfg.MaxHedgeTradesPerDay,
		m.state.NotionalToday, m.cfg.MaxHedgeNotionalPerDay, netDelta)
	m.logger.Warn(msg)
	if m.alerts != nil {
		m.alerts.Publish(alert.TopicHedgeBudgetExhausted, m.symbol, msg)
	}
}

// append journals the post-mutation hedge state snapshot.
func (m *Manager) append(kind ledger.EntryKind, note string) error {
	return m.ledger.Append(&ledger.Entry{
		Kind:   kind,
		Symbol: m.symbol,
		Hedge:  m.state.Copy(),
		Note:   note,
	})
}
