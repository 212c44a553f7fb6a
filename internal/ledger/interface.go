package ledger

import "errors"

// ErrCorrupt is returned when the log cannot be parsed. A corrupt ledger at
// startup is fatal: the engine must refuse to resume trading rather than
// guess at state.
var ErrCorrupt = errors.New("ledger: corrupt log")

// Interface defines the contract for the durable transition log.
//
// Append must be durable before it returns: a transition is only considered
// committed once its entry is on disk (write-ahead discipline). Implementations
// must be safe for concurrent use; symbol actors append independently.
type Interface interface {
	// Append assigns the next sequence number, stamps the entry and writes
	// it durably.
	Append(e *Entry) error

	// Replay folds the whole log into a State. Calling it twice yields
	// identical state.
	Replay() (*State, error)

	// Close releases the underlying resources.
	Close() error
}

// Ensure implementations satisfy the interface.
var (
	_ Interface = (*Log)(nil)
	_ Interface = (*MemoryLedger)(nil)
)
