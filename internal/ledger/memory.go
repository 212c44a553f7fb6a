package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger implements Interface in memory, for tests and paper runs that
// do not need durability.
type MemoryLedger struct {
	mu          sync.Mutex
	entries     []Entry
	appendError error
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// FailAppendsWith makes subsequent Append calls return err. Pass nil to
// restore normal behavior.
func (m *MemoryLedger) FailAppendsWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendError = err
}

// Append stores the entry in memory.
func (m *MemoryLedger) Append(e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendError != nil {
		return m.appendError
	}
	e.Seq = uint64(len(m.entries) + 1)
	if e.EntryID == "" {
		e.EntryID = uuid.New().String()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	// Deep-copy snapshots so later caller mutations cannot rewrite history.
	stored := *e
	if e.Package != nil {
		pkg := *e.Package
		stored.Package = &pkg
	}
	if e.Hedge != nil {
		stored.Hedge = e.Hedge.Copy()
	}
	m.entries = append(m.entries, stored)
	return nil
}

// Replay folds the stored entries into a State.
func (m *MemoryLedger) Replay() (*State, error) {
	m.mu.Lock()
	entries := make([]Entry, len(m.entries))
	copy(entries, m.entries)
	m.mu.Unlock()
	return fold(entries)
}

// Entries returns a copy of the stored entries, for test assertions.
func (m *MemoryLedger) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]Entry, len(m.entries))
	copy(entries, m.entries)
	return entries
}

// Close is a no-op.
func (m *MemoryLedger) Close() error { return nil }
