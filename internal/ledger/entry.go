// Package ledger provides the durable, append-only event log that is the
// single source of truth for package and hedge state across restarts.
package ledger

import (
	"time"

	"github.com/achavala/pairhedge/internal/models"
)

// EntryKind identifies the transition an entry records.
type EntryKind string

const (
	KindPackageCreated EntryKind = "package_created"
	KindLegFilled      EntryKind = "leg_filled"
	KindPackageOpened  EntryKind = "package_opened"
	KindExitTriggered  EntryKind = "exit_triggered"
	KindCloseSubmitted EntryKind = "close_submitted"
	KindCloseRetry     EntryKind = "close_retry"
	KindPackageClosed  EntryKind = "package_closed"
	KindNeedsReview    EntryKind = "needs_review"
	KindPackageBroken  EntryKind = "package_broken"
	KindMarkRefreshed  EntryKind = "mark_refreshed"
	KindHedgeTrade     EntryKind = "hedge_trade"
	KindHedgeOrphaned  EntryKind = "hedge_orphaned"
	KindHedgeUnwound   EntryKind = "hedge_unwound"
	KindSessionReset   EntryKind = "session_reset"
)

// Entry is one committed transition. Each entry carries the full post-
// transition snapshot of the package or hedge state it concerns, so replay is
// a last-write-wins fold over the log and is trivially idempotent.
type Entry struct {
	Seq       uint64             `json:"seq"`
	EntryID   string             `json:"entry_id"`
	Time      time.Time          `json:"time"`
	Kind      EntryKind          `json:"kind"`
	Symbol    string             `json:"symbol"`
	PackageID uint64             `json:"package_id,omitempty"`
	Package   *models.Package    `json:"package,omitempty"`
	Hedge     *models.HedgeState `json:"hedge,omitempty"`
	Note      string             `json:"note,omitempty"`
}

// State is the in-memory state reconstructed by replaying the log.
type State struct {
	Packages     map[uint64]*models.Package
	Hedges       map[string]*models.HedgeState
	MaxPackageID uint64
	// LastEntry records the most recent entry per package, used by the
	// reconciliation engine's state-consistency check.
	LastEntry map[uint64]Entry
}

// OpenPackages returns the packages currently in the open state.
func (s *State) OpenPackages() []*models.Package {
	var open []*models.Package
	for _, p := range s.Packages {
		if p.State == models.StateOpen {
			open = append(open, p)
		}
	}
	return open
}

// PendingExits returns packages with an exit in flight (exit_triggered or
// closing), the ones startup recovery must re-evaluate.
func (s *State) PendingExits() []*models.Package {
	var pending []*models.Package
	for _, p := range s.Packages {
		if p.State.IsPendingExit() {
			pending = append(pending, p)
		}
	}
	return pending
}
