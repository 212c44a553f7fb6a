package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/achavala/pairhedge/internal/models"
)

// PaperBroker is an in-memory Broker for paper mode and tests. Orders fill
// immediately unless error injection is configured.
type PaperBroker struct {
	mu        sync.Mutex
	nextOrder int
	orders    map[string]*OrderResponse
	positions []PositionItem

	// Error injection for tests: errors are consumed in FIFO order per call
	// site.
	closeErrs []error
	hedgeErrs []error

	// CloseOrders and HedgeOrders record every accepted submission.
	CloseOrders []CloseOrderRecord
	HedgeOrders []HedgeOrderRecord
}

// CloseOrderRecord captures one accepted close submission.
type CloseOrderRecord struct {
	PackageID uint64
	Symbol    string
	Tag       string
	LegOnly   bool
}

// HedgeOrderRecord captures one accepted hedge submission.
type HedgeOrderRecord struct {
	Symbol string
	Shares int
	Tag    string
}

// NewPaperBroker creates an empty paper broker.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{orders: make(map[string]*OrderResponse)}
}

// SetPositions replaces the broker-reported position snapshot.
func (p *PaperBroker) SetPositions(items []PositionItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions = append([]PositionItem(nil), items...)
}

// FailNextClose queues errors returned by subsequent SubmitCloseOrder calls.
func (p *PaperBroker) FailNextClose(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeErrs = append(p.closeErrs, errs...)
}

// FailNextHedge queues errors returned by subsequent SubmitHedgeOrder calls.
func (p *PaperBroker) FailNextHedge(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hedgeErrs = append(p.hedgeErrs, errs...)
}

func (p *PaperBroker) newOrder(status OrderStatus, fillPrice float64) *OrderResponse {
	p.nextOrder++
	resp := &OrderResponse{
		OrderID:   fmt.Sprintf("paper-%d", p.nextOrder),
		Status:    status,
		FillPrice: fillPrice,
	}
	p.orders[resp.OrderID] = resp
	return resp
}

// SubmitCloseOrder accepts a close for the whole package.
func (p *PaperBroker) SubmitCloseOrder(_ context.Context, pkg *models.Package, tag string) (*OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.closeErrs) > 0 {
		err := p.closeErrs[0]
		p.closeErrs = p.closeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	p.CloseOrders = append(p.CloseOrders, CloseOrderRecord{
		PackageID: pkg.ID,
		Symbol:    pkg.Symbol,
		Tag:       tag,
	})
	return p.newOrder(OrderFilled, pkg.Current.Mark), nil
}

// SubmitLegCloseOrder accepts a close for a single leg.
func (p *PaperBroker) SubmitLegCloseOrder(_ context.Context, symbol string, leg *models.Leg, tag string) (*OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseOrders = append(p.CloseOrders, CloseOrderRecord{
		Symbol:  symbol,
		Tag:     tag,
		LegOnly: true,
	})
	return p.newOrder(OrderFilled, leg.AvgFillPrice), nil
}

// SubmitHedgeOrder accepts an underlying-share order.
func (p *PaperBroker) SubmitHedgeOrder(_ context.Context, symbol string, shares int, tag string) (*OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.hedgeErrs) > 0 {
		err := p.hedgeErrs[0]
		p.hedgeErrs = p.hedgeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	p.HedgeOrders = append(p.HedgeOrders, HedgeOrderRecord{Symbol: symbol, Shares: shares, Tag: tag})
	return p.newOrder(OrderFilled, 0), nil
}

// GetOrderStatus returns a previously issued order.
func (p *PaperBroker) GetOrderStatus(_ context.Context, orderID string) (*OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	resp, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	out := *resp
	return &out, nil
}

// SetOrderStatus overrides a recorded order's status, for tests.
func (p *PaperBroker) SetOrderStatus(orderID string, status OrderStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if resp, ok := p.orders[orderID]; ok {
		resp.Status = status
	}
}

// GetPositions returns the configured snapshot.
func (p *PaperBroker) GetPositions(_ context.Context) ([]PositionItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PositionItem(nil), p.positions...), nil
}

// Ensure PaperBroker implements Broker at compile time.
var _ Broker = (*PaperBroker)(nil)
