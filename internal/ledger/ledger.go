package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/achavala/pairhedge/internal/models"
)

// Log is the file-backed ledger: one JSON entry per line, append-only, fsynced
// on every append.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	nextSeq uint64
}

// Open opens (or creates) the log at path and validates any existing
// content. A file that cannot be fully parsed returns ErrCorrupt.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}

	l := &Log{file: f, path: path, nextSeq: 1}

	entries, err := l.readAll()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if n := len(entries); n > 0 {
		l.nextSeq = entries[n-1].Seq + 1
	}
	return l, nil
}

// Append writes the entry durably and assigns its sequence number. The caller
// must not treat the transition as committed until Append returns nil.
func (l *Log) Append(e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Seq = l.nextSeq
	if e.EntryID == "" {
		e.EntryID = uuid.New().String()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling ledger entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("appending ledger entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing ledger: %w", err)
	}

	l.nextSeq++
	return nil
}

// Replay folds the full log into a State.
func (l *Log) Replay() (*State, error) {
	l.mu.Lock()
	entries, err := l.readAll()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return fold(entries)
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// readAll parses every line of the log. Any malformed line or sequence gap
// makes the whole log corrupt; partial trust in a transition log is no trust.
func (l *Log) readAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading ledger %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupt, line, err)
		}
		if want := uint64(len(entries) + 1); e.Seq != want {
			return nil, fmt.Errorf("%w: line %d: sequence %d, want %d", ErrCorrupt, line, e.Seq, want)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return entries, nil
}

// fold is the replay fold: last snapshot wins per package and per symbol.
func fold(entries []Entry) (*State, error) {
	st := &State{
		Packages:  make(map[uint64]*models.Package),
		Hedges:    make(map[string]*models.HedgeState),
		LastEntry: make(map[uint64]Entry),
	}
	for _, e := range entries {
		if e.Package != nil {
			pkg := *e.Package
			st.Packages[pkg.ID] = &pkg
			st.LastEntry[pkg.ID] = e
			if pkg.ID > st.MaxPackageID {
				st.MaxPackageID = pkg.ID
			}
		}
		if e.Hedge != nil {
			st.Hedges[e.Hedge.Symbol] = e.Hedge.Copy()
		}
	}
	return st, nil
}
