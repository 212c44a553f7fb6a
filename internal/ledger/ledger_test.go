package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/achavala/pairhedge/internal/models"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func testPackage(id uint64, state models.PackageState) *models.Package {
	p := models.NewPackage(id, models.StrategyThetaHarvester, "SPY", [2]models.LegSpec{
		{Symbol: "SPY", OptionSymbol: "SPY-C450", Type: models.OptionTypeCall, Side: models.SideShort, Quantity: 1},
		{Symbol: "SPY", OptionSymbol: "SPY-P430", Type: models.OptionTypePut, Side: models.SideShort, Quantity: 1},
	})
	p.State = state
	return p
}

func TestAppendAssignsSequence(t *testing.T) {
	l, _ := openTestLog(t)

	for i := 1; i <= 3; i++ {
		e := &Entry{Kind: KindPackageCreated, Symbol: "SPY"}
		if err := l.Append(e); err != nil {
			t.Fatal(err)
		}
		if e.Seq != uint64(i) {
			t.Errorf("seq = %d, want %d", e.Seq, i)
		}
		if e.EntryID == "" {
			t.Error("entry id not assigned")
		}
	}
}

func TestReplayLastWriteWins(t *testing.T) {
	l, _ := openTestLog(t)

	p := testPackage(1, models.StatePendingEntry)
	if err := l.Append(&Entry{Kind: KindPackageCreated, Symbol: "SPY", PackageID: 1, Package: p}); err != nil {
		t.Fatal(err)
	}
	p2 := testPackage(1, models.StateOpen)
	if err := l.Append(&Entry{Kind: KindPackageOpened, Symbol: "SPY", PackageID: 1, Package: p2}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(&Entry{Kind: KindHedgeTrade, Symbol: "SPY", Hedge: &models.HedgeState{Symbol: "SPY", HedgeShares: 40}}); err != nil {
		t.Fatal(err)
	}

	st, err := l.Replay()
	if err != nil {
		t.Fatal(err)
	}
	if got := st.Packages[1].State; got != models.StateOpen {
		t.Errorf("replayed state = %s, want open", got)
	}
	if st.MaxPackageID != 1 {
		t.Errorf("max package id = %d, want 1", st.MaxPackageID)
	}
	if st.Hedges["SPY"].HedgeShares != 40 {
		t.Errorf("hedge shares = %d, want 40", st.Hedges["SPY"].HedgeShares)
	}
	if st.LastEntry[1].Kind != KindPackageOpened {
		t.Errorf("last entry kind = %s, want package_opened", st.LastEntry[1].Kind)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	l, _ := openTestLog(t)

	for i := uint64(1); i <= 3; i++ {
		p := testPackage(i, models.StatePendingEntry)
		if err := l.Append(&Entry{Kind: KindPackageCreated, Symbol: "SPY", PackageID: i, Package: p}); err != nil {
			t.Fatal(err)
		}
	}

	first, err := l.Replay()
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.Replay()
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Packages) != len(second.Packages) || len(first.Packages) != 3 {
		t.Errorf("replays differ: %d vs %d packages", len(first.Packages), len(second.Packages))
	}
	if first.MaxPackageID != second.MaxPackageID {
		t.Errorf("max ids differ: %d vs %d", first.MaxPackageID, second.MaxPackageID)
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Append(&Entry{Kind: KindPackageCreated, Symbol: "SPY"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l2.Close() }()
	e := &Entry{Kind: KindPackageCreated, Symbol: "SPY"}
	if err := l2.Append(e); err != nil {
		t.Fatal(err)
	}
	if e.Seq != 2 {
		t.Errorf("seq after reopen = %d, want 2", e.Seq)
	}
}

func TestOpenRejectsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	if err := os.WriteFile(path, []byte("not json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Open() error = %v, want ErrCorrupt", err)
	}
}

func TestOpenRejectsSequenceGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	content := `{"seq":1,"entry_id":"a","kind":"package_created","symbol":"SPY"}
{"seq":3,"entry_id":"b","kind":"package_opened","symbol":"SPY"}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Open() error = %v, want ErrCorrupt", err)
	}
}

func TestComputeStatistics(t *testing.T) {
	st := &State{Packages: map[uint64]*models.Package{}}

	closedWin := testPackage(1, models.StateClosed)
	closedWin.RealizedPnL = 150
	closedLoss := testPackage(2, models.StateClosed)
	closedLoss.RealizedPnL = -300
	closedLoss2 := testPackage(3, models.StateClosed)
	closedLoss2.RealizedPnL = -100
	broken := testPackage(4, models.StateBroken)
	open := testPackage(5, models.StateOpen)

	for _, p := range []*models.Package{closedWin, closedLoss, closedLoss2, broken, open} {
		st.Packages[p.ID] = p
	}

	s := ComputeStatistics(st)
	if s.ClosedCount != 3 || s.BrokenCount != 1 {
		t.Errorf("closed = %d broken = %d", s.ClosedCount, s.BrokenCount)
	}
	if s.WinningCount != 1 || s.LosingCount != 2 {
		t.Errorf("wins = %d losses = %d", s.WinningCount, s.LosingCount)
	}
	if s.TotalPnL != -250 {
		t.Errorf("total pnl = %v, want -250", s.TotalPnL)
	}
	if s.WorstLoss != -300 {
		t.Errorf("worst loss = %v, want -300", s.WorstLoss)
	}
	if s.AverageLoss != -200 {
		t.Errorf("average loss = %v, want -200", s.AverageLoss)
	}
}
