package models

// OrphanHedge tracks hedge shares whose originating package has closed. The
// shares sit in the symbol-level bucket until reconciled or force-unwound.
type OrphanHedge struct {
	PackageID uint64 `json:"package_id"`
	Shares    int    `json:"shares"`
	ClosedBar int64  `json:"closed_bar"`
}

// HedgeState is the per-symbol delta-hedging state. It is mutated only by the
// hedge manager, inside the owning symbol's actor.
type HedgeState struct {
	Symbol        string        `json:"symbol"`
	NetDelta      float64       `json:"net_delta"`
	HedgeShares   int           `json:"hedge_shares"`
	NotionalToday float64       `json:"notional_today"`
	TradesToday   int           `json:"trades_today"`
	LastHedgeBar  int64         `json:"last_hedge_bar"`
	Orphans       []OrphanHedge `json:"orphans,omitempty"`
	// Attribution maps package id to the hedge shares attributed to it.
	Attribution map[uint64]int `json:"attribution,omitempty"`
}

// NewHedgeState creates an empty hedge state for a symbol.
func NewHedgeState(symbol string) *HedgeState {
	return &HedgeState{
		Symbol:      symbol,
		Attribution: make(map[uint64]int),
	}
}

// ResetDay clears the session counters. Called at the start of each trading
// session; hedge inventory and orphan buckets carry across sessions.
func (h *HedgeState) ResetDay() {
	h.NotionalToday = 0
	h.TradesToday = 0
}

// Orphan moves the shares attributed to a closed package into the
// symbol-level orphan bucket.
func (h *HedgeState) Orphan(packageID uint64, bar int64) {
	shares, ok := h.Attribution[packageID]
	if !ok || shares == 0 {
		delete(h.Attribution, packageID)
		return
	}
	delete(h.Attribution, packageID)
	h.Orphans = append(h.Orphans, OrphanHedge{
		PackageID: packageID,
		Shares:    shares,
		ClosedBar: bar,
	})
}

// Copy returns a deep copy, used when snapshotting state into the ledger.
func (h *HedgeState) Copy() *HedgeState {
	if h == nil {
		return nil
	}
	c := *h
	c.Orphans = append([]OrphanHedge(nil), h.Orphans...)
	c.Attribution = make(map[uint64]int, len(h.Attribution))
	for k, v := range h.Attribution {
		c.Attribution[k] = v
	}
	return &c
}
