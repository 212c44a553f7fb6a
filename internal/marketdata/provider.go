// Package marketdata defines the quote/Greeks collaborator surface. The
// engine queries one snapshot per symbol per bar before trigger and hedge
// evaluation; it never computes theoretical prices itself.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LegGreeks carries the per-contract mark and Greeks for one option symbol.
type LegGreeks struct {
	Mark  float64
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	IV    float64
}

// Snapshot is the per-bar market context for one symbol.
type Snapshot struct {
	Symbol         string
	Bar            int64
	Time           time.Time
	UnderlyingMark float64
	// Legs maps option symbol to its latest Greeks.
	Legs map[string]LegGreeks
	// GEXSign is the sign of aggregate gamma exposure: +1, -1 or 0.
	GEXSign int
	// Regime is the regime classifier's current class for the symbol.
	Regime string
}

// LegMark returns the mark for an option symbol and whether it was present.
func (s *Snapshot) LegMark(optionSymbol string) (float64, bool) {
	g, ok := s.Legs[optionSymbol]
	return g.Mark, ok
}

// Provider supplies per-bar snapshots.
type Provider interface {
	GetSnapshot(ctx context.Context, symbol string, bar int64) (*Snapshot, error)
}

// StaticProvider serves snapshots set by tests or a paper-mode seeder.
type StaticProvider struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewStaticProvider creates an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{snapshots: make(map[string]*Snapshot)}
}

// SetSnapshot installs the snapshot returned for a symbol.
func (p *StaticProvider) SetSnapshot(snap *Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[snap.Symbol] = snap
}

// GetSnapshot returns the installed snapshot with the requested bar stamped.
func (p *StaticProvider) GetSnapshot(_ context.Context, symbol string, bar int64) (*Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.snapshots[symbol]
	if !ok {
		return nil, fmt.Errorf("marketdata: no snapshot for %s", symbol)
	}
	out := *snap
	out.Bar = bar
	if out.Time.IsZero() {
		out.Time = time.Now().UTC()
	}
	return &out, nil
}

// Ensure StaticProvider implements Provider at compile time.
var _ Provider = (*StaticProvider)(nil)
