package models

import "time"

// MismatchKind classifies a reconciliation finding.
type MismatchKind string

const (
	// MismatchPnL means recorded P&L differs from the recomputed value
	// beyond tolerance.
	MismatchPnL MismatchKind = "pnl"
	// MismatchOrphanLeg means a filled leg exists on one side (broker or
	// ledger) with no counterpart on the other.
	MismatchOrphanLeg MismatchKind = "orphan_leg"
	// MismatchStateInconsistency means a package's status contradicts its
	// legs or its most recent ledger entry.
	MismatchStateInconsistency MismatchKind = "state_inconsistency"
)

// Severity ranks a mismatch for operator triage.
type Severity string

const (
	// SeverityWarning flags a discrepancy that does not block trading.
	SeverityWarning Severity = "warning"
	// SeverityCritical flags a discrepancy requiring operator action.
	SeverityCritical Severity = "critical"
)

// Mismatch is a single reconciliation finding. Mismatches are surfaced, never
// auto-corrected.
type Mismatch struct {
	PackageID uint64       `json:"package_id"`
	Kind      MismatchKind `json:"kind"`
	Expected  string       `json:"expected"`
	Actual    string       `json:"actual"`
	Severity  Severity     `json:"severity"`
}

// ReconciliationReport is the ordered result of a reconciliation run.
type ReconciliationReport struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Mismatches  []Mismatch `json:"mismatches"`
}

// Add appends a mismatch preserving insertion order.
func (r *ReconciliationReport) Add(m Mismatch) {
	r.Mismatches = append(r.Mismatches, m)
}

// Clean reports whether no mismatches were found.
func (r *ReconciliationReport) Clean() bool {
	return len(r.Mismatches) == 0
}

// HasCritical reports whether any mismatch is critical.
func (r *ReconciliationReport) HasCritical() bool {
	for _, m := range r.Mismatches {
		if m.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
