// Package broker defines the brokerage collaborator surface. The engine
// consumes fills and position snapshots as already-resolved inputs and emits
// order requests as opaque commands; connectivity lives outside this module.
package broker

import (
	"context"

	"github.com/achavala/pairhedge/internal/models"
)

// OrderStatus is the broker-reported state of an order.
type OrderStatus string

const (
	// OrderPending means the order is working.
	OrderPending OrderStatus = "pending"
	// OrderFilled means the order filled completely.
	OrderFilled OrderStatus = "filled"
	// OrderRejected means the broker rejected the order.
	OrderRejected OrderStatus = "rejected"
)

// OrderResponse is the broker's acknowledgment of a submitted order.
type OrderResponse struct {
	OrderID   string
	Status    OrderStatus
	FillPrice float64
}

// PositionItem is one broker-reported position. OptionSymbol is empty for
// underlying share positions.
type PositionItem struct {
	Symbol       string
	OptionSymbol string
	Quantity     float64
	CostBasis    float64
}

// IsOption reports whether the item is an option leg rather than shares.
func (p PositionItem) IsOption() bool { return p.OptionSymbol != "" }

// Broker defines the interface for interacting with the brokerage
// collaborator. All calls carry a context; a deadline expiry is a transient
// failure, not a terminal error.
type Broker interface {
	// SubmitCloseOrder requests a close of both legs of the package as a
	// single unit. The tag is an idempotency marker echoed in fill events.
	SubmitCloseOrder(ctx context.Context, pkg *models.Package, tag string) (*OrderResponse, error)

	// SubmitLegCloseOrder requests a close of a single leg, used only when
	// the broken-leg policy is set to flatten.
	SubmitLegCloseOrder(ctx context.Context, symbol string, leg *models.Leg, tag string) (*OrderResponse, error)

	// SubmitHedgeOrder trades shares of the underlying: positive buys,
	// negative sells.
	SubmitHedgeOrder(ctx context.Context, symbol string, shares int, tag string) (*OrderResponse, error)

	// GetOrderStatus reports the current state of a previously submitted
	// order.
	GetOrderStatus(ctx context.Context, orderID string) (*OrderResponse, error)

	// GetPositions returns the broker's authoritative position snapshot.
	GetPositions(ctx context.Context) ([]PositionItem, error)
}
