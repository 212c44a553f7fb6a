// Package lifecycle owns package creation and every state transition driven
// by fill, reject and close events. Each manager instance is bound to one
// symbol and is only ever called from that symbol's actor, so it needs no
// internal locking; cross-symbol uniqueness of package ids comes from the
// shared allocator.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/achavala/pairhedge/internal/alert"
	"github.com/achavala/pairhedge/internal/broker"
	"github.com/achavala/pairhedge/internal/config"
	"github.com/achavala/pairhedge/internal/ledger"
	"github.com/achavala/pairhedge/internal/marketdata"
	"github.com/achavala/pairhedge/internal/models"
)

// Sentinel errors surfaced to callers.
var (
	// ErrInvalidLegSpec rejects a malformed entry request; never retried.
	ErrInvalidLegSpec = errors.New("lifecycle: invalid leg spec")
	// ErrUnknownPackage means the referenced package id is not tracked.
	ErrUnknownPackage = errors.New("lifecycle: unknown package")
	// ErrInvalidState means the operation is not legal in the package's
	// current state.
	ErrInvalidState = errors.New("lifecycle: invalid state for operation")
)

// IDAllocator hands out process-wide monotonically increasing package ids.
// Identifiers are never reused, even across signal flips for the same symbol.
type IDAllocator struct {
	next atomic.Uint64
}

// NewIDAllocator creates an allocator that continues after seed, typically
// the highest id found in the replayed ledger.
func NewIDAllocator(seed uint64) *IDAllocator {
	a := &IDAllocator{}
	a.next.Store(seed)
	return a
}

// Next returns the next unique package id.
func (a *IDAllocator) Next() uint64 {
	return a.next.Add(1)
}

// AdvanceTo raises the allocator floor so ids handed out after recovery
// exceed every id already present in the ledger.
func (a *IDAllocator) AdvanceTo(seen uint64) {
	for {
		cur := a.next.Load()
		if cur >= seen {
			return
		}
		if a.next.CompareAndSwap(cur, seen) {
			return
		}
	}
}

// Config holds the per-symbol lifecycle settings.
type Config struct {
	Symbol             string
	MaxCloseRetries    int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	BrokerTimeout      time.Duration
	ContractMultiplier float64
	BrokenLegPolicy    config.BrokenLegPolicy
}

// Manager drives the package lifecycle for a single symbol.
type Manager struct {
	cfg      Config
	ids      *IDAllocator
	ledger   ledger.Interface
	broker   broker.Broker
	alerts   *alert.Bus
	logger   *logrus.Entry
	packages map[uint64]*models.Package

	// sleep is replaced in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a lifecycle manager for one symbol.
func NewManager(
	cfg Config,
	ids *IDAllocator,
	led ledger.Interface,
	brk broker.Broker,
	alerts *alert.Bus,
	logger *logrus.Logger,
) *Manager {
	if ids == nil {
		panic("lifecycle.NewManager: id allocator must not be nil")
	}
	if led == nil {
		panic("lifecycle.NewManager: ledger must not be nil")
	}
	if brk == nil {
		panic("lifecycle.NewManager: broker must not be nil")
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = 10 * time.Second
	}
	if cfg.ContractMultiplier <= 0 {
		cfg.ContractMultiplier = 100
	}
	return &Manager{
		cfg:      cfg,
		ids:      ids,
		ledger:   led,
		broker:   brk,
		alerts:   alerts,
		logger:   logger.WithField("symbol", cfg.Symbol),
		packages: make(map[uint64]*models.Package),
		sleep:    sleepCtx,
	}
}

// Seed adopts replayed packages for this symbol. Terminal packages stay in
// the map for reconciliation but are never mutated again.
func (m *Manager) Seed(state *ledger.State) {
	for id, p := range state.Packages {
		if p.Symbol == m.cfg.Symbol {
			m.packages[id] = p
		}
	}
}

// Package returns the tracked package with the given id, or nil.
func (m *Manager) Package(id uint64) *models.Package {
	return m.packages[id]
}

// OpenPackages returns every package currently in the open state.
func (m *Manager) OpenPackages() []*models.Package {
	var open []*models.Package
	for _, p := range m.packages {
		if p.State == models.StateOpen {
			open = append(open, p)
		}
	}
	return open
}

// LivePackages returns packages whose legs are still on at the broker: open
// plus pending-exit. Hedge exposure persists until the close actually fills.
func (m *Manager) LivePackages() []*models.Package {
	var live []*models.Package
	for _, p := range m.packages {
		if p.State == models.StateOpen || p.State.IsPendingExit() {
			live = append(live, p)
		}
	}
	return live
}

// CreatePackage validates the entry request and creates a package in
// pending_entry. The ledger entry is written before the package is committed
// in memory.
func (m *Manager) CreatePackage(strategy models.StrategyTag, specs [2]models.LegSpec) (*models.Package, error) {
	if err := m.validateSpecs(strategy, specs); err != nil {
		return nil, err
	}

	pkg := models.NewPackage(m.ids.Next(), strategy, m.cfg.Symbol, specs)
	if err := m.append(ledger.KindPackageCreated, pkg, ""); err != nil {
		return nil, err
	}
	m.packages[pkg.ID] = pkg

	m.logger.WithFields(logrus.Fields{
		"package_id": pkg.ID,
		"strategy":   strategy,
	}).Info("package created")
	return pkg, nil
}

func (m *Manager) validateSpecs(strategy models.StrategyTag, specs [2]models.LegSpec) error {
	if !strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidLegSpec, strategy)
	}
	var haveCall, havePut bool
	for i, spec := range specs {
		if spec.Symbol != m.cfg.Symbol {
			return fmt.Errorf("%w: leg %d symbol %q does not match package symbol %q",
				ErrInvalidLegSpec, i+1, spec.Symbol, m.cfg.Symbol)
		}
		if spec.OptionSymbol == "" {
			return fmt.Errorf("%w: leg %d missing option symbol", ErrInvalidLegSpec, i+1)
		}
		if spec.Quantity <= 0 {
			return fmt.Errorf("%w: leg %d quantity must be > 0", ErrInvalidLegSpec, i+1)
		}
		if spec.Side != models.SideLong && spec.Side != models.SideShort {
			return fmt.Errorf("%w: leg %d has invalid side %q", ErrInvalidLegSpec, i+1, spec.Side)
		}
		switch spec.Type {
		case models.OptionTypeCall:
			haveCall = true
		case models.OptionTypePut:
			havePut = true
		default:
			return fmt.Errorf("%w: leg %d has invalid option type %q", ErrInvalidLegSpec, i+1, spec.Type)
		}
	}
	if !haveCall || !havePut {
		return fmt.Errorf("%w: package requires one call leg and one put leg", ErrInvalidLegSpec)
	}
	if specs[0].OptionSymbol == specs[1].OptionSymbol {
		return fmt.Errorf("%w: legs must reference distinct contracts", ErrInvalidLegSpec)
	}
	return nil
}

// ApplyFill records a fill for one leg. The package becomes open only once
// both legs report filled; until then it is not tradable.
func (m *Manager) ApplyFill(packageID uint64, legID int, price float64, partial bool) error {
	pkg, ok := m.packages[packageID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPackage, packageID)
	}
	leg := pkg.Leg(legID)
	if leg == nil {
		return fmt.Errorf("%w: package %d has no leg %d", ErrUnknownPackage, packageID, legID)
	}

	// The broker feed can deliver a leg's fill after the sibling rejection
	// already broke the package. The position is live at the broker either
	// way, so record it on the surviving leg instead of dropping the event.
	if pkg.State == models.StateBroken {
		return m.applyLateFill(pkg, leg, price, partial)
	}
	if pkg.State != models.StatePendingEntry && pkg.State != models.StatePartiallyFilled {
		return fmt.Errorf("%w: fill for package %d in state %s", ErrInvalidState, packageID, pkg.State)
	}

	leg.AvgFillPrice = price
	if partial {
		leg.FillStatus = models.FillPartial
	} else {
		leg.FillStatus = models.FillFilled
	}

	if pkg.BothLegsFilled() {
		pkg.EstablishDirection()
		if err := pkg.Transition(models.StateOpen, models.ConditionAllLegsFilled); err != nil {
			return err
		}
		if err := m.append(ledger.KindPackageOpened, pkg, ""); err != nil {
			return err
		}
		m.logger.WithFields(logrus.Fields{
			"package_id": pkg.ID,
			"entry_mark": pkg.Entry.Mark,
			"direction":  pkg.Direction,
		}).Info("package opened")
		return nil
	}

	if pkg.State == models.StatePendingEntry {
		if err := pkg.Transition(models.StatePartiallyFilled, models.ConditionLegFilled); err != nil {
			return err
		}
	}
	return m.append(ledger.KindLegFilled, pkg, "")
}

// applyLateFill records a fill that arrived after the package was broken by
// the sibling leg's rejection. The package stays broken; the fill is
// journaled so the leg shows up as surviving instead of surfacing later as an
// orphan at the broker.
func (m *Manager) applyLateFill(pkg *models.Package, leg *models.Leg, price float64, partial bool) error {
	if leg.FillStatus == models.FillRejected {
		return fmt.Errorf("%w: fill for rejected leg %d of package %d", ErrInvalidState, leg.ID, pkg.ID)
	}

	leg.AvgFillPrice = price
	if partial {
		leg.FillStatus = models.FillPartial
	} else {
		leg.FillStatus = models.FillFilled
	}
	if err := m.append(ledger.KindLegFilled, pkg, "fill after sibling rejection"); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"package_id": pkg.ID,
		"leg_id":     leg.ID,
	}).Warn("fill recorded for broken package")
	return nil
}

// ApplyReject records a broker rejection for one leg and breaks the package.
// The surviving leg's disposition follows the configured policy; the default
// is to flag for review and take no automatic action.
func (m *Manager) ApplyReject(ctx context.Context, packageID uint64, legID int, reason string) error {
	pkg, ok := m.packages[packageID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPackage, packageID)
	}
	if pkg.State != models.StatePendingEntry && pkg.State != models.StatePartiallyFilled {
		return fmt.Errorf("%w: reject for package %d in state %s", ErrInvalidState, packageID, pkg.State)
	}
	leg := pkg.Leg(legID)
	if leg == nil {
		return fmt.Errorf("%w: package %d has no leg %d", ErrUnknownPackage, packageID, legID)
	}

	leg.FillStatus = models.FillRejected
	if err := pkg.Transition(models.StateBroken, models.ConditionLegRejected); err != nil {
		return err
	}
	if err := m.append(ledger.KindPackageBroken, pkg, reason); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"package_id": pkg.ID,
		"leg_id":     legID,
		"reason":     reason,
	}).Warn("leg rejected, package broken")
	if m.alerts != nil {
		m.alerts.Publish(alert.TopicPackageBroken, pkg.Symbol,
			fmt.Sprintf("package %d broken: leg %d rejected (%s)", pkg.ID, legID, reason))
	}

	if m.cfg.BrokenLegPolicy == config.BrokenLegPolicyFlatten {
		m.flattenSurvivor(ctx, pkg)
	}
	return nil
}

// flattenSurvivor submits a best-effort close for the filled sibling leg.
// Only active when the flatten policy is configured.
func (m *Manager) flattenSurvivor(ctx context.Context, pkg *models.Package) {
	leg := pkg.SurvivingLeg()
	if leg == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
	defer cancel()
	tag := fmt.Sprintf("flatten-%d-%s", pkg.ID, uuid.New().String()[:8])
	if _, err := m.broker.SubmitLegCloseOrder(callCtx, pkg.Symbol, leg, tag); err != nil {
		m.logger.WithError(err).WithField("package_id", pkg.ID).
			Error("failed to flatten surviving leg, leaving for operator")
		return
	}
	m.logger.WithField("package_id", pkg.ID).Info("surviving leg flatten order submitted")
}

// RequestClose is valid only from the open state: it marks the exit trigger,
// then submits the close order, retrying transient submission failures with
// bounded exponential backoff.
func (m *Manager) RequestClose(ctx context.Context, packageID uint64, reason string) error {
	pkg, ok := m.packages[packageID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPackage, packageID)
	}
	if pkg.State != models.StateOpen {
		return fmt.Errorf("%w: close requested for package %d in state %s", ErrInvalidState, packageID, pkg.State)
	}

	pkg.ExitReason = reason
	if err := pkg.Transition(models.StateExitTriggered, models.ConditionExitRuleFired); err != nil {
		return err
	}
	if err := m.append(ledger.KindExitTriggered, pkg, reason); err != nil {
		// Nothing was journaled, so undo the in-memory transition: the
		// package stays open and the exit rule re-fires on the next bar
		// instead of the pending exit being stranded.
		pkg.State = models.StateOpen
		pkg.ExitReason = ""
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"package_id": pkg.ID,
		"reason":     reason,
	}).Info("exit triggered")

	return m.SubmitClose(ctx, pkg)
}

// SubmitClose submits the close order for a package whose exit has been
// triggered. Exposed for startup recovery, which must re-submit unconfirmed
// closes. Transient failures are retried up to the configured ceiling; after
// that the package moves to needs_review and is left for the operator.
func (m *Manager) SubmitClose(ctx context.Context, pkg *models.Package) error {
	backoff := m.cfg.InitialBackoff

	for {
		tag := fmt.Sprintf("close-%d-%s", pkg.ID, uuid.New().String()[:8])
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
		resp, err := m.broker.SubmitCloseOrder(callCtx, pkg, tag)
		cancel()

		if err == nil {
			pkg.CloseOrderID = resp.OrderID
			if pkg.State == models.StateExitTriggered {
				if terr := pkg.Transition(models.StateClosing, models.ConditionCloseSubmitted); terr != nil {
					return terr
				}
			}
			if aerr := m.append(ledger.KindCloseSubmitted, pkg, tag); aerr != nil {
				return aerr
			}
			m.logger.WithFields(logrus.Fields{
				"package_id": pkg.ID,
				"order_id":   resp.OrderID,
			}).Info("close order submitted")
			return nil
		}

		if !broker.IsTransient(err) {
			return m.exhaustClose(pkg, fmt.Sprintf("close rejected: %v", err))
		}

		pkg.CloseAttempts++
		if pkg.CloseAttempts > m.cfg.MaxCloseRetries {
			return m.exhaustClose(pkg, fmt.Sprintf("close retries exhausted: %v", err))
		}

		m.logger.WithError(err).WithFields(logrus.Fields{
			"package_id": pkg.ID,
			"attempt":    pkg.CloseAttempts,
			"backoff":    backoff,
		}).Warn("transient close failure, retrying")
		if pkg.State == models.StateClosing {
			if terr := pkg.Transition(models.StateClosing, models.ConditionCloseRetry); terr != nil {
				return terr
			}
		}
		if aerr := m.append(ledger.KindCloseRetry, pkg, err.Error()); aerr != nil {
			return aerr
		}

		if serr := m.sleep(ctx, backoff); serr != nil {
			return serr
		}
		backoff = nextBackoff(backoff, m.cfg.MaxBackoff)
	}
}

// ApplyCloseFill finalizes a package whose close order filled.
func (m *Manager) ApplyCloseFill(packageID uint64, closeMark float64) (*models.Package, error) {
	pkg, ok := m.packages[packageID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPackage, packageID)
	}
	if pkg.State != models.StateClosing {
		return nil, fmt.Errorf("%w: close fill for package %d in state %s", ErrInvalidState, packageID, pkg.State)
	}

	pkg.RealizedPnL = pkg.RealizedDollars(closeMark, m.cfg.ContractMultiplier)
	if err := pkg.Transition(models.StateClosed, models.ConditionCloseFilled); err != nil {
		return nil, err
	}
	if err := m.append(ledger.KindPackageClosed, pkg, ""); err != nil {
		return nil, err
	}
	m.logger.WithFields(logrus.Fields{
		"package_id":   pkg.ID,
		"realized_pnl": pkg.RealizedPnL,
		"exit_reason":  pkg.ExitReason,
	}).Info("package closed")
	return pkg, nil
}

// ApplyCloseFailure handles a failed or rejected close order: the close is
// re-submitted with backoff until the retry ceiling, then the package is
// surfaced as needs_review. A pending exit is never silently dropped.
func (m *Manager) ApplyCloseFailure(ctx context.Context, packageID uint64, reason string) error {
	pkg, ok := m.packages[packageID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPackage, packageID)
	}
	if pkg.State != models.StateClosing {
		return fmt.Errorf("%w: close failure for package %d in state %s", ErrInvalidState, packageID, pkg.State)
	}

	pkg.CloseAttempts++
	pkg.CloseOrderID = ""
	if pkg.CloseAttempts > m.cfg.MaxCloseRetries {
		return m.exhaustClose(pkg, reason)
	}

	if err := pkg.Transition(models.StateClosing, models.ConditionCloseRetry); err != nil {
		return err
	}
	if err := m.append(ledger.KindCloseRetry, pkg, reason); err != nil {
		return err
	}

	backoff := backoffForAttempt(m.cfg.InitialBackoff, m.cfg.MaxBackoff, pkg.CloseAttempts)
	m.logger.WithFields(logrus.Fields{
		"package_id": pkg.ID,
		"attempt":    pkg.CloseAttempts,
		"backoff":    backoff,
	}).Warn("close failed, re-submitting")
	if err := m.sleep(ctx, backoff); err != nil {
		return err
	}
	return m.SubmitClose(ctx, pkg)
}

// exhaustClose moves the package to needs_review and raises an alert.
func (m *Manager) exhaustClose(pkg *models.Package, reason string) error {
	if err := pkg.Transition(models.StateNeedsReview, models.ConditionRetryExhausted); err != nil {
		return err
	}
	if err := m.append(ledger.KindNeedsReview, pkg, reason); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"package_id": pkg.ID,
		"reason":     reason,
	}).Error("close retries exhausted, package needs review")
	if m.alerts != nil {
		m.alerts.Publish(alert.TopicNeedsReview, pkg.Symbol,
			fmt.Sprintf("package %d needs review: %s", pkg.ID, reason))
	}
	return nil
}

// RefreshMarks updates the current snapshot of every non-terminal, tradable
// package from the bar's market data. Each refresh is journaled so the
// reconciliation engine can recompute P&L from the ledger alone.
func (m *Manager) RefreshMarks(snap *marketdata.Snapshot) error {
	for _, pkg := range m.packages {
		if pkg.State != models.StateOpen && !pkg.State.IsPendingExit() {
			continue
		}
		mark := 0.0
		complete := true
		for i := range pkg.Legs {
			legMark, ok := snap.LegMark(pkg.Legs[i].OptionSymbol)
			if !ok {
				complete = false
				break
			}
			mark += legMark * float64(pkg.Legs[i].Quantity)
		}
		if !complete {
			m.logger.WithField("package_id", pkg.ID).Warn("snapshot missing leg greeks, skipping mark refresh")
			continue
		}
		iv := averageLegIV(snap, pkg)
		pkg.MarkToMarket(mark, iv, snap.GEXSign, snap.Regime, snap.Time)
		if err := m.append(ledger.KindMarkRefreshed, pkg, ""); err != nil {
			return err
		}
	}
	return nil
}

func averageLegIV(snap *marketdata.Snapshot, pkg *models.Package) float64 {
	total, n := 0.0, 0
	for i := range pkg.Legs {
		if g, ok := snap.Legs[pkg.Legs[i].OptionSymbol]; ok {
			total += g.IV
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// append journals the post-transition snapshot of the package. The entry is
// durable before the caller proceeds.
func (m *Manager) append(kind ledger.EntryKind, pkg *models.Package, note string) error {
	snapshot := *pkg
	return m.ledger.Append(&ledger.Entry{
		Kind:      kind,
		Symbol:    pkg.Symbol,
		PackageID: pkg.ID,
		Package:   &snapshot,
		Note:      note,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
