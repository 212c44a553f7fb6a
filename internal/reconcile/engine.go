// Package reconcile audits the ledger against the broker's authoritative
// positions and drives startup recovery. Audits surface mismatches in a
// report; they never auto-correct live state. Recovery is the one place that
// re-submits orders, and it only ever re-submits exits: entries are
// at-most-once, exits are at-least-once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/achavala/pairhedge/internal/alert"
	"github.com/achavala/pairhedge/internal/broker"
	"github.com/achavala/pairhedge/internal/config"
	"github.com/achavala/pairhedge/internal/ledger"
	"github.com/achavala/pairhedge/internal/lifecycle"
	"github.com/achavala/pairhedge/internal/models"
)

// ErrLedgerCorrupt is returned by Recover when the log cannot be replayed.
// The process must not trade on a partial view of its own history.
var ErrLedgerCorrupt = errors.New("reconcile: ledger corrupt, refusing to recover")

// Engine runs reconciliation audits and startup recovery.
type Engine struct {
	cfg           config.ReconciliationConfig
	brokerTimeout time.Duration
	ledger        ledger.Interface
	broker        broker.Broker
	alerts        *alert.Bus
	logger        *logrus.Entry

	mu         sync.Mutex
	lastReport *models.ReconciliationReport
}

// NewEngine creates a reconciliation engine.
func NewEngine(
	cfg config.ReconciliationConfig,
	brokerTimeout time.Duration,
	led ledger.Interface,
	brk broker.Broker,
	alerts *alert.Bus,
	logger *logrus.Logger,
) *Engine {
	return &Engine{
		cfg:           cfg,
		brokerTimeout: brokerTimeout,
		ledger:        led,
		broker:        brk,
		alerts:        alerts,
		logger:        logger.WithField("component", "reconcile"),
	}
}

// LastReport returns the most recent audit report, or nil if none has run.
func (e *Engine) LastReport() *models.ReconciliationReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// Run replays the ledger, fetches the broker's positions, and audits the two
// views against each other. The report is retained for the ops endpoint.
func (e *Engine) Run(ctx context.Context) (*models.ReconciliationReport, error) {
	state, err := e.ledger.Replay()
	if err != nil {
		return nil, fmt.Errorf("replaying ledger: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.brokerTimeout)
	positions, err := e.broker.GetPositions(callCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetching broker positions: %w", err)
	}

	report := &models.ReconciliationReport{GeneratedAt: time.Now().UTC()}
	e.auditOrphanLegs(state, positions, report)
	e.auditPnL(state, report)
	e.auditStateConsistency(state, report)

	for _, m := range report.Mismatches {
		e.logger.WithFields(logrus.Fields{
			"package_id": m.PackageID,
			"kind":       m.Kind,
			"severity":   m.Severity,
		}).Warn("reconciliation mismatch")
		if e.alerts != nil {
			e.alerts.Publish(alert.TopicReconMismatch, "",
				fmt.Sprintf("package %d %s mismatch: expected %s, actual %s",
					m.PackageID, m.Kind, m.Expected, m.Actual))
		}
	}
	if report.Clean() {
		e.logger.Info("reconciliation clean")
	}

	e.mu.Lock()
	e.lastReport = report
	e.mu.Unlock()
	return report, nil
}

// auditOrphanLegs cross-checks filled option legs against broker option
// positions in both directions.
func (e *Engine) auditOrphanLegs(state *ledger.State, positions []broker.PositionItem, report *models.ReconciliationReport) {
	type expected struct {
		packageID uint64
		quantity  float64
	}

	// Legs the ledger believes are live at the broker.
	want := make(map[string]expected)
	for _, pkg := range state.Packages {
		// Closed packages have no legs at the broker; broken and needs_review
		// packages typically still do and must be cross-checked.
		if pkg.State == models.StateClosed || pkg.State == models.StatePendingEntry {
			continue
		}
		for i := range pkg.Legs {
			leg := &pkg.Legs[i]
			if leg.FillStatus != models.FillFilled && leg.FillStatus != models.FillPartial {
				continue
			}
			qty := float64(leg.Quantity)
			if leg.Side == models.SideShort {
				qty = -qty
			}
			want[leg.OptionSymbol] = expected{packageID: pkg.ID, quantity: qty}
		}
	}

	have := make(map[string]float64)
	for _, pos := range positions {
		if pos.IsOption() {
			have[pos.OptionSymbol] += pos.Quantity
		}
	}

	for optSym, exp := range want {
		actual, ok := have[optSym]
		if !ok {
			report.Add(models.Mismatch{
				PackageID: exp.packageID,
				Kind:      models.MismatchOrphanLeg,
				Expected:  fmt.Sprintf("%s qty %.0f at broker", optSym, exp.quantity),
				Actual:    "no broker position",
				Severity:  models.SeverityCritical,
			})
			continue
		}
		if actual != exp.quantity {
			report.Add(models.Mismatch{
				PackageID: exp.packageID,
				Kind:      models.MismatchOrphanLeg,
				Expected:  fmt.Sprintf("%s qty %.0f", optSym, exp.quantity),
				Actual:    fmt.Sprintf("%s qty %.0f", optSym, actual),
				Severity:  models.SeverityCritical,
			})
		}
	}

	for optSym, qty := range have {
		if _, ok := want[optSym]; !ok {
			report.Add(models.Mismatch{
				Kind:     models.MismatchOrphanLeg,
				Expected: "no tracked leg",
				Actual:   fmt.Sprintf("broker holds %s qty %.0f", optSym, qty),
				Severity: models.SeverityCritical,
			})
		}
	}
}

// auditPnL recomputes unrealized P&L for live packages from their entry and
// current marks and compares against the recorded figure.
func (e *Engine) auditPnL(state *ledger.State, report *models.ReconciliationReport) {
	for _, pkg := range state.Packages {
		if pkg.State != models.StateOpen && !pkg.State.IsPendingExit() {
			continue
		}
		if pkg.Current.Mark == 0 {
			continue
		}
		recomputed := pkg.PnLPercent()
		if math.Abs(recomputed-pkg.UnrealizedPnL) > e.cfg.PnLTolerance {
			report.Add(models.Mismatch{
				PackageID: pkg.ID,
				Kind:      models.MismatchPnL,
				Expected:  fmt.Sprintf("%.4f", recomputed),
				Actual:    fmt.Sprintf("%.4f", pkg.UnrealizedPnL),
				Severity:  models.SeverityWarning,
			})
		}
	}
}

// lastEntryKinds maps each state to the entry kinds that can legitimately be
// the most recent record for a package in that state.
var lastEntryKinds = map[models.PackageState][]ledger.EntryKind{
	models.StatePendingEntry:    {ledger.KindPackageCreated},
	models.StatePartiallyFilled: {ledger.KindLegFilled},
	models.StateOpen:            {ledger.KindPackageOpened, ledger.KindMarkRefreshed},
	models.StateExitTriggered:   {ledger.KindExitTriggered, ledger.KindMarkRefreshed},
	models.StateClosing:         {ledger.KindCloseSubmitted, ledger.KindCloseRetry, ledger.KindMarkRefreshed},
	models.StateClosed:          {ledger.KindPackageClosed},
	models.StateBroken:          {ledger.KindPackageBroken, ledger.KindLegFilled},
	models.StateNeedsReview:     {ledger.KindNeedsReview},
}

// auditStateConsistency validates each package's structural invariants and
// checks its state agrees with the most recent ledger entry recorded for it.
func (e *Engine) auditStateConsistency(state *ledger.State, report *models.ReconciliationReport) {
	for id, pkg := range state.Packages {
		if err := pkg.Validate(); err != nil {
			report.Add(models.Mismatch{
				PackageID: id,
				Kind:      models.MismatchStateInconsistency,
				Expected:  "structurally valid package",
				Actual:    err.Error(),
				Severity:  models.SeverityCritical,
			})
			continue
		}

		last, ok := state.LastEntry[id]
		if !ok {
			continue
		}
		allowed := lastEntryKinds[pkg.State]
		match := false
		for _, kind := range allowed {
			if last.Kind == kind {
				match = true
				break
			}
		}
		if !match {
			report.Add(models.Mismatch{
				PackageID: id,
				Kind:      models.MismatchStateInconsistency,
				Expected:  fmt.Sprintf("last entry consistent with state %s", pkg.State),
				Actual:    fmt.Sprintf("last entry kind %s", last.Kind),
				Severity:  models.SeverityCritical,
			})
		}
	}
}

// Recover replays the ledger at startup and resolves in-flight exits before
// trading resumes. A package whose close order already filled is finalized; a
// package whose exit was triggered but whose close is unconfirmed gets its
// close re-submitted exactly once. Pending entries are never re-submitted.
func (e *Engine) Recover(ctx context.Context, managers map[string]*lifecycle.Manager) (*ledger.State, error) {
	state, err := e.ledger.Replay()
	if err != nil {
		if errors.Is(err, ledger.ErrCorrupt) {
			return nil, fmt.Errorf("%w: %v", ErrLedgerCorrupt, err)
		}
		return nil, fmt.Errorf("replaying ledger: %w", err)
	}

	for _, mgr := range managers {
		mgr.Seed(state)
	}

	for _, pkg := range state.PendingExits() {
		mgr, ok := managers[pkg.Symbol]
		if !ok {
			e.logger.WithFields(logrus.Fields{
				"package_id": pkg.ID,
				"symbol":     pkg.Symbol,
			}).Warn("pending exit for unmanaged symbol, leaving untouched")
			continue
		}
		if err := e.recoverPendingExit(ctx, mgr, pkg.ID); err != nil {
			return nil, err
		}
	}

	for _, pkg := range state.Packages {
		if pkg.State == models.StatePendingEntry || pkg.State == models.StatePartiallyFilled {
			// Entry orders are at-most-once: never re-submitted here. The fill
			// or reject event stream decides the package's fate.
			e.logger.WithFields(logrus.Fields{
				"package_id": pkg.ID,
				"state":      pkg.State,
			}).Info("package awaiting entry fills after restart")
		}
	}

	return state, nil
}

func (e *Engine) recoverPendingExit(ctx context.Context, mgr *lifecycle.Manager, packageID uint64) error {
	pkg := mgr.Package(packageID)
	if pkg == nil {
		return fmt.Errorf("reconcile: package %d not seeded in manager", packageID)
	}

	if pkg.State == models.StateClosing && pkg.CloseOrderID != "" {
		callCtx, cancel := context.WithTimeout(ctx, e.brokerTimeout)
		resp, err := e.broker.GetOrderStatus(callCtx, pkg.CloseOrderID)
		cancel()
		switch {
		case err == nil && resp.Status == broker.OrderFilled:
			if _, err := mgr.ApplyCloseFill(pkg.ID, resp.FillPrice); err != nil {
				return fmt.Errorf("finalizing recovered close for package %d: %w", pkg.ID, err)
			}
			e.logger.WithField("package_id", pkg.ID).Info("recovered close confirmed filled")
			return nil
		case err == nil && resp.Status == broker.OrderPending:
			e.logger.WithField("package_id", pkg.ID).Info("recovered close still working, leaving in place")
			return nil
		case err != nil && !errors.Is(err, broker.ErrUnknownOrder):
			return fmt.Errorf("checking close order for package %d: %w", pkg.ID, err)
		}
		// Rejected or unknown at the broker: fall through and re-submit.
		pkg.CloseOrderID = ""
	}

	e.logger.WithFields(logrus.Fields{
		"package_id": pkg.ID,
		"state":      pkg.State,
	}).Warn("re-submitting unconfirmed close after restart")
	if err := mgr.SubmitClose(ctx, pkg); err != nil {
		return fmt.Errorf("re-submitting close for package %d: %w", pkg.ID, err)
	}
	return nil
}
