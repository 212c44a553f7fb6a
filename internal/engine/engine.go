// Package engine wires the per-symbol actors together and drives the bar
// clock. Each configured symbol gets one actor goroutine; cross-symbol work
// never shares mutable state, only the append-only ledger and the id
// allocator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/achavala/pairhedge/internal/alert"
	"github.com/achavala/pairhedge/internal/broker"
	"github.com/achavala/pairhedge/internal/config"
	"github.com/achavala/pairhedge/internal/exitrules"
	"github.com/achavala/pairhedge/internal/hedge"
	"github.com/achavala/pairhedge/internal/ledger"
	"github.com/achavala/pairhedge/internal/lifecycle"
	"github.com/achavala/pairhedge/internal/marketdata"
	"github.com/achavala/pairhedge/internal/models"
	"github.com/achavala/pairhedge/internal/reconcile"
)

// ErrUnknownSymbol is returned when an event targets a symbol the engine was
// not configured to trade.
var ErrUnknownSymbol = errors.New("engine: unknown symbol")

// Engine runs one actor per configured symbol plus the shared bar scheduler.
type Engine struct {
	cfg    *config.Config
	ids    *lifecycle.IDAllocator
	actors map[string]*symbolActor
	recon  *reconcile.Engine
	logger *logrus.Entry
}

// New builds the engine and its per-symbol actors from configuration.
func New(
	cfg *config.Config,
	led ledger.Interface,
	brk broker.Broker,
	provider marketdata.Provider,
	alerts *alert.Bus,
	recon *reconcile.Engine,
	logger *logrus.Logger,
) *Engine {
	ids := lifecycle.NewIDAllocator(0)
	initial, max := cfg.CloseBackoff()
	exits := exitrules.NewEvaluator(cfg.Strategies)

	actors := make(map[string]*symbolActor, len(cfg.Engine.Symbols))
	for _, symbol := range cfg.Engine.Symbols {
		lc := lifecycle.NewManager(lifecycle.Config{
			Symbol:             symbol,
			MaxCloseRetries:    cfg.Broker.MaxCloseRetries,
			InitialBackoff:     initial,
			MaxBackoff:         max,
			BrokerTimeout:      cfg.BrokerTimeout(),
			ContractMultiplier: cfg.Hedge.ContractMultiplier,
			BrokenLegPolicy:    cfg.Broker.BrokenLegPolicy,
		}, ids, led, brk, alerts, logger)
		hm := hedge.NewManager(symbol, cfg.Hedge, cfg.BrokerTimeout(), led, brk, alerts, logger)
		actors[symbol] = newSymbolActor(symbol, cfg.Engine.QueueDepth, lc, hm, exits, provider, logger)
	}

	return &Engine{
		cfg:    cfg,
		ids:    ids,
		actors: actors,
		recon:  recon,
		logger: logger.WithField("component", "engine"),
	}
}

// Managers returns the lifecycle manager per symbol, used by recovery.
func (e *Engine) Managers() map[string]*lifecycle.Manager {
	managers := make(map[string]*lifecycle.Manager, len(e.actors))
	for symbol, actor := range e.actors {
		managers[symbol] = actor.lifecycle
	}
	return managers
}

// Recover replays the ledger, resolves in-flight exits, and seeds every actor
// before trading starts. Must be called before Run.
func (e *Engine) Recover(ctx context.Context) error {
	state, err := e.recon.Recover(ctx, e.Managers())
	if err != nil {
		return err
	}

	e.ids.AdvanceTo(state.MaxPackageID)
	for symbol, actor := range e.actors {
		if hs, ok := state.Hedges[symbol]; ok {
			actor.hedge.Seed(hs)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"packages":       len(state.Packages),
		"max_package_id": state.MaxPackageID,
	}).Info("recovery complete")
	return nil
}

// Run starts the actors and the bar scheduler and blocks until the context is
// canceled or an actor fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, actor := range e.actors {
		a := actor
		g.Go(func() error { return a.run(ctx) })
	}
	g.Go(func() error { return e.runScheduler(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// runScheduler broadcasts bar ticks to every actor on the configured
// interval. Bars are numbered monotonically from process start; the first
// bar of every session is preceded by a session reset.
func (e *Engine) runScheduler(ctx context.Context) error {
	interval := e.cfg.BarInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var bar int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if bar%int64(e.cfg.Engine.BarsPerSession) == 0 {
				if bar > 0 {
					e.auditSession(ctx)
				}
				for _, actor := range e.actors {
					if err := actor.enqueue(ctx, sessionStart{}); err != nil {
						return err
					}
				}
			}
			for _, actor := range e.actors {
				if err := actor.enqueue(ctx, barTick{Bar: bar}); err != nil {
					return err
				}
			}
			bar++
		}
	}
}

// auditSession runs the end-of-session reconciliation audit off the
// scheduler goroutine. Audit failures are logged; they never stop trading.
func (e *Engine) auditSession(ctx context.Context) {
	go func() {
		if _, err := e.recon.Run(ctx); err != nil {
			e.logger.WithError(err).Error("session reconciliation failed")
		}
	}()
}

// SubmitEntry routes an entry request to the symbol's actor and waits for the
// validation result.
func (e *Engine) SubmitEntry(ctx context.Context, symbol string, strategy models.StrategyTag, specs [2]models.LegSpec) (*models.Package, error) {
	actor, ok := e.actors[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	reply := make(chan entryResult, 1)
	if err := actor.enqueue(ctx, entryRequest{Strategy: strategy, Specs: specs, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.Pkg, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnFill delivers a leg fill event from the broker stream.
func (e *Engine) OnFill(ctx context.Context, symbol string, packageID uint64, legID int, price float64, partial bool) error {
	return e.route(ctx, symbol, fillEvent{PackageID: packageID, LegID: legID, Price: price, Partial: partial})
}

// OnReject delivers a leg rejection event from the broker stream.
func (e *Engine) OnReject(ctx context.Context, symbol string, packageID uint64, legID int, reason string) error {
	return e.route(ctx, symbol, rejectEvent{PackageID: packageID, LegID: legID, Reason: reason})
}

// OnCloseFill delivers a close-order fill event from the broker stream.
func (e *Engine) OnCloseFill(ctx context.Context, symbol string, packageID uint64, closeMark float64) error {
	return e.route(ctx, symbol, closeFillEvent{PackageID: packageID, CloseMark: closeMark})
}

// OnCloseFailure delivers a close-order failure or rejection event.
func (e *Engine) OnCloseFailure(ctx context.Context, symbol string, packageID uint64, reason string) error {
	return e.route(ctx, symbol, closeFailureEvent{PackageID: packageID, Reason: reason})
}

func (e *Engine) route(ctx context.Context, symbol string, ev event) error {
	actor, ok := e.actors[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return actor.enqueue(ctx, ev)
}
