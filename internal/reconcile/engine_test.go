package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/achavala/pairhedge/internal/alert"
	"github.com/achavala/pairhedge/internal/broker"
	"github.com/achavala/pairhedge/internal/config"
	"github.com/achavala/pairhedge/internal/ledger"
	"github.com/achavala/pairhedge/internal/lifecycle"
	"github.com/achavala/pairhedge/internal/models"
)

var testSpecs = [2]models.LegSpec{
	{Symbol: "SPY", OptionSymbol: "SPY-C450", Type: models.OptionTypeCall, Side: models.SideShort, Quantity: 1},
	{Symbol: "SPY", OptionSymbol: "SPY-P430", Type: models.OptionTypePut, Side: models.SideShort, Quantity: 1},
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestEngine(led ledger.Interface, brk broker.Broker) *Engine {
	return NewEngine(config.ReconciliationConfig{PnLTolerance: 0.01}, time.Second, led, brk, alert.NewBus(), quietLogger())
}

func newLifecycleManager(led ledger.Interface, brk broker.Broker) *lifecycle.Manager {
	return lifecycle.NewManager(lifecycle.Config{
		Symbol:             "SPY",
		MaxCloseRetries:    3,
		ContractMultiplier: 100,
	}, lifecycle.NewIDAllocator(0), led, brk, nil, quietLogger())
}

// openPackage drives a package to the open state through the lifecycle
// manager so the ledger carries a realistic history.
func openPackage(t *testing.T, m *lifecycle.Manager) *models.Package {
	t.Helper()
	pkg, err := m.CreatePackage(models.StrategyThetaHarvester, testSpecs)
	require.NoError(t, err)
	require.NoError(t, m.ApplyFill(pkg.ID, 1, 2.50, false))
	require.NoError(t, m.ApplyFill(pkg.ID, 2, 2.00, false))
	return pkg
}

func matchingPositions() []broker.PositionItem {
	return []broker.PositionItem{
		{Symbol: "SPY", OptionSymbol: "SPY-C450", Quantity: -1},
		{Symbol: "SPY", OptionSymbol: "SPY-P430", Quantity: -1},
	}
}

func TestRunCleanReport(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	paper := broker.NewPaperBroker()
	openPackage(t, newLifecycleManager(mem, paper))
	paper.SetPositions(matchingPositions())

	e := newTestEngine(mem, paper)
	report, err := e.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean(), "mismatches: %+v", report.Mismatches)
	require.Equal(t, report, e.LastReport())
}

func TestRunDetectsMissingBrokerLegs(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	paper := broker.NewPaperBroker()
	openPackage(t, newLifecycleManager(mem, paper))
	// Broker reports nothing: both legs are orphaned on the ledger side.

	report, err := newTestEngine(mem, paper).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 2)
	for _, m := range report.Mismatches {
		require.Equal(t, models.MismatchOrphanLeg, m.Kind)
		require.Equal(t, models.SeverityCritical, m.Severity)
	}
	require.True(t, report.HasCritical())
}

func TestRunDetectsUntrackedBrokerPosition(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	paper := broker.NewPaperBroker()
	openPackage(t, newLifecycleManager(mem, paper))
	positions := append(matchingPositions(),
		broker.PositionItem{Symbol: "SPY", OptionSymbol: "SPY-C470", Quantity: 2})
	paper.SetPositions(positions)

	report, err := newTestEngine(mem, paper).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	require.Equal(t, models.MismatchOrphanLeg, report.Mismatches[0].Kind)
	require.Contains(t, report.Mismatches[0].Actual, "SPY-C470")
}

func TestRunDetectsQuantityMismatch(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	paper := broker.NewPaperBroker()
	openPackage(t, newLifecycleManager(mem, paper))
	paper.SetPositions([]broker.PositionItem{
		{Symbol: "SPY", OptionSymbol: "SPY-C450", Quantity: -3},
		{Symbol: "SPY", OptionSymbol: "SPY-P430", Quantity: -1},
	})

	report, err := newTestEngine(mem, paper).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	require.Equal(t, models.MismatchOrphanLeg, report.Mismatches[0].Kind)
}

func TestRunDetectsPnLMismatch(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	paper := broker.NewPaperBroker()
	mgr := newLifecycleManager(mem, paper)
	pkg := openPackage(t, mgr)
	paper.SetPositions(matchingPositions())

	// Journal a snapshot whose recorded P&L disagrees with its marks.
	bad := *pkg
	bad.Current.Mark = 9.00 // true pnl = -1 * (9 - 4.5) / 4.5 = -1.0
	bad.UnrealizedPnL = -0.2
	require.NoError(t, mem.Append(&ledger.Entry{
		Kind:      ledger.KindMarkRefreshed,
		Symbol:    "SPY",
		PackageID: bad.ID,
		Package:   &bad,
	}))

	report, err := newTestEngine(mem, paper).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	require.Equal(t, models.MismatchPnL, report.Mismatches[0].Kind)
	require.Equal(t, models.SeverityWarning, report.Mismatches[0].Severity)
}

func TestRunDetectsStateInconsistency(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	paper := broker.NewPaperBroker()

	// An open package whose legs never filled cannot be legitimate.
	pkg := models.NewPackage(1, models.StrategyThetaHarvester, "SPY", testSpecs)
	pkg.State = models.StateOpen
	require.NoError(t, mem.Append(&ledger.Entry{
		Kind:      ledger.KindPackageOpened,
		Symbol:    "SPY",
		PackageID: 1,
		Package:   pkg,
	}))

	report, err := newTestEngine(mem, paper).Run(context.Background())
	require.NoError(t, err)

	found := false
	for _, m := range report.Mismatches {
		if m.Kind == models.MismatchStateInconsistency {
			found = true
			require.Equal(t, models.SeverityCritical, m.Severity)
		}
	}
	require.True(t, found, "expected a state_inconsistency mismatch: %+v", report.Mismatches)
}

func TestRunDetectsStateContradictingLastEntry(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	paper := broker.NewPaperBroker()
	mgr := newLifecycleManager(mem, paper)
	pkg := openPackage(t, mgr)
	paper.SetPositions(matchingPositions())

	// Hand-craft a snapshot claiming closed while the entry kind says the
	// marks were merely refreshed.
	bad := *pkg
	bad.State = models.StateClosed
	bad.ClosedAt = time.Now().UTC()
	require.NoError(t, mem.Append(&ledger.Entry{
		Kind:      ledger.KindMarkRefreshed,
		Symbol:    "SPY",
		PackageID: bad.ID,
		Package:   &bad,
	}))

	report, err := newTestEngine(mem, paper).Run(context.Background())
	require.NoError(t, err)

	found := false
	for _, m := range report.Mismatches {
		if m.Kind == models.MismatchStateInconsistency {
			found = true
		}
	}
	require.True(t, found, "mismatches: %+v", report.Mismatches)
}

func TestRecoverFinalizesFilledClose(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	paper := broker.NewPaperBroker()
	mgr := newLifecycleManager(mem, paper)
	pkg := openPackage(t, mgr)
	require.NoError(t, mgr.RequestClose(context.Background(), pkg.ID, "stop_loss"))
	require.Len(t, paper.CloseOrders, 1)

	// Fresh manager simulates a restart; the paper broker remembers the
	// filled close order.
	restarted := newLifecycleManager(mem, paper)
	e := newTestEngine(mem, paper)
	state, err := e.Recover(context.Background(), map[string]*lifecycle.Manager{"SPY": restarted})
	require.NoError(t, err)
	require.Equal(t, uint64(1), state.MaxPackageID)

	recovered := restarted.Package(pkg.ID)
	require.NotNil(t, recovered)
	require.Equal(t, models.StateClosed, recovered.State)
	// No duplicate close submission.
	require.Len(t, paper.CloseOrders, 1)
}

func TestRecoverResubmitsUnconfirmedClose(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	paper := broker.NewPaperBroker()
	mgr := newLifecycleManager(mem, paper)
	pkg := openPackage(t, mgr)

	// Journal a closing snapshot whose order id the broker has no record of:
	// the crash happened between submission and the broker's ack.
	ghost := *pkg
	ghost.State = models.StateClosing
	ghost.ExitReason = "stop_loss"
	ghost.CloseOrderID = "lost-in-crash"
	require.NoError(t, mem.Append(&ledger.Entry{
		Kind:      ledger.KindCloseSubmitted,
		Symbol:    "SPY",
		PackageID: ghost.ID,
		Package:   &ghost,
	}))

	restarted := newLifecycleManager(mem, paper)
	e := newTestEngine(mem, paper)
	_, err := e.Recover(context.Background(), map[string]*lifecycle.Manager{"SPY": restarted})
	require.NoError(t, err)

	recovered := restarted.Package(pkg.ID)
	require.Equal(t, models.StateClosing, recovered.State)
	require.NotEqual(t, "lost-in-crash", recovered.CloseOrderID)
	// Exactly one re-submission.
	require.Len(t, paper.CloseOrders, 1)
}

func TestRecoverNeverResubmitsEntries(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	paper := broker.NewPaperBroker()
	mgr := newLifecycleManager(mem, paper)
	pkg, err := mgr.CreatePackage(models.StrategyGammaScalper, testSpecs)
	require.NoError(t, err)
	require.NoError(t, mgr.ApplyFill(pkg.ID, 1, 1.20, false))

	restarted := newLifecycleManager(mem, paper)
	e := newTestEngine(mem, paper)
	_, err = e.Recover(context.Background(), map[string]*lifecycle.Manager{"SPY": restarted})
	require.NoError(t, err)

	recovered := restarted.Package(pkg.ID)
	require.Equal(t, models.StatePartiallyFilled, recovered.State)
	require.Empty(t, paper.CloseOrders)
	require.Empty(t, paper.HedgeOrders)
}

func TestRecoverRefusesCorruptLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	log, err := ledger.Open(path)
	require.NoError(t, err)
	defer func() { _ = log.Close() }()
	require.NoError(t, log.Append(&ledger.Entry{Kind: ledger.KindPackageCreated, Symbol: "SPY"}))

	// Corrupt the file behind the open handle.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("garbage line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	paper := broker.NewPaperBroker()
	e := newTestEngine(log, paper)
	_, err = e.Recover(context.Background(), map[string]*lifecycle.Manager{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLedgerCorrupt))
}

func TestRunIsRepeatable(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	paper := broker.NewPaperBroker()
	openPackage(t, newLifecycleManager(mem, paper))
	paper.SetPositions(matchingPositions())

	e := newTestEngine(mem, paper)
	first, err := e.Run(context.Background())
	require.NoError(t, err)
	second, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(first.Mismatches), len(second.Mismatches))
}
