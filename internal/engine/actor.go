package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/achavala/pairhedge/internal/exitrules"
	"github.com/achavala/pairhedge/internal/hedge"
	"github.com/achavala/pairhedge/internal/lifecycle"
	"github.com/achavala/pairhedge/internal/marketdata"
	"github.com/achavala/pairhedge/internal/models"
)

// event is a unit of work delivered to a symbol actor. All events for one
// symbol flow through a single channel, so the actor processes them strictly
// in arrival order and the lifecycle and hedge managers never see concurrent
// calls.
type event interface{ isEvent() }

type fillEvent struct {
	PackageID uint64
	LegID     int
	Price     float64
	Partial   bool
}

type rejectEvent struct {
	PackageID uint64
	LegID     int
	Reason    string
}

type closeFillEvent struct {
	PackageID uint64
	CloseMark float64
}

type closeFailureEvent struct {
	PackageID uint64
	Reason    string
}

// entryResult carries the outcome of an entry request back to the caller.
type entryResult struct {
	Pkg *models.Package
	Err error
}

type entryRequest struct {
	Strategy models.StrategyTag
	Specs    [2]models.LegSpec
	Reply    chan entryResult
}

type barTick struct {
	Bar int64
}

type sessionStart struct{}

func (fillEvent) isEvent()         {}
func (rejectEvent) isEvent()       {}
func (closeFillEvent) isEvent()    {}
func (closeFailureEvent) isEvent() {}
func (entryRequest) isEvent()      {}
func (barTick) isEvent()           {}
func (sessionStart) isEvent()      {}

// symbolActor owns all state for one underlying symbol. Everything it touches
// is confined to its goroutine.
type symbolActor struct {
	symbol    string
	events    chan event
	lifecycle *lifecycle.Manager
	hedge     *hedge.Manager
	exits     *exitrules.Evaluator
	provider  marketdata.Provider
	logger    *logrus.Entry

	bar int64
}

func newSymbolActor(
	symbol string,
	queueDepth int,
	lc *lifecycle.Manager,
	hm *hedge.Manager,
	exits *exitrules.Evaluator,
	provider marketdata.Provider,
	logger *logrus.Logger,
) *symbolActor {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &symbolActor{
		symbol:    symbol,
		events:    make(chan event, queueDepth),
		lifecycle: lc,
		hedge:     hm,
		exits:     exits,
		provider:  provider,
		logger:    logger.WithField("symbol", symbol),
	}
}

// run drains the event channel until the context ends. Event handling errors
// are logged, not fatal: one bad event must not stop the symbol's loop.
func (a *symbolActor) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.events:
			if err := a.handleEvent(ctx, ev); err != nil {
				a.logger.WithError(err).Error("event handling failed")
			}
		}
	}
}

// enqueue delivers an event to the actor, honoring context cancellation.
func (a *symbolActor) enqueue(ctx context.Context, ev event) error {
	select {
	case a.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleEvent dispatches one event. Exposed to tests so actor behavior can be
// exercised synchronously without the goroutine.
func (a *symbolActor) handleEvent(ctx context.Context, ev event) error {
	switch e := ev.(type) {
	case entryRequest:
		pkg, err := a.lifecycle.CreatePackage(e.Strategy, e.Specs)
		if e.Reply != nil {
			e.Reply <- entryResult{Pkg: pkg, Err: err}
		}
		return err
	case fillEvent:
		return a.lifecycle.ApplyFill(e.PackageID, e.LegID, e.Price, e.Partial)
	case rejectEvent:
		return a.lifecycle.ApplyReject(ctx, e.PackageID, e.LegID, e.Reason)
	case closeFillEvent:
		pkg, err := a.lifecycle.ApplyCloseFill(e.PackageID, e.CloseMark)
		if err != nil {
			return err
		}
		return a.hedge.OnPackageClosed(pkg.ID, a.bar)
	case closeFailureEvent:
		return a.lifecycle.ApplyCloseFailure(ctx, e.PackageID, e.Reason)
	case barTick:
		return a.handleBar(ctx, e.Bar)
	case sessionStart:
		return a.hedge.ResetSession()
	default:
		a.logger.Warnf("dropping unknown event %T", ev)
		return nil
	}
}

// handleBar runs the per-bar pipeline: refresh marks from the snapshot,
// evaluate exit rules on open packages, then rebalance the hedge.
func (a *symbolActor) handleBar(ctx context.Context, bar int64) error {
	a.bar = bar

	snap, err := a.provider.GetSnapshot(ctx, a.symbol, bar)
	if err != nil {
		a.logger.WithError(err).WithField("bar", bar).Warn("snapshot unavailable, skipping bar")
		return nil
	}

	if err := a.lifecycle.RefreshMarks(snap); err != nil {
		return err
	}

	for _, pkg := range a.lifecycle.OpenPackages() {
		reason, fired := a.exits.Evaluate(pkg)
		if !fired {
			continue
		}
		if err := a.lifecycle.RequestClose(ctx, pkg.ID, reason); err != nil {
			a.logger.WithError(err).WithField("package_id", pkg.ID).Error("close request failed")
		}
	}

	return a.hedge.EvaluateBar(ctx, bar, snap, a.lifecycle.LivePackages())
}
