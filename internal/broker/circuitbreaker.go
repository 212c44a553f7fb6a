package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/achavala/pairhedge/internal/models"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so a
// failing brokerage does not absorb every symbol actor into retry loops.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(b Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with
// custom settings.
func NewCircuitBreakerBrokerWithSettings(b Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}
	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	b Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(b) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// SubmitCloseOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) SubmitCloseOrder(ctx context.Context, pkg *models.Package, tag string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.SubmitCloseOrder(ctx, pkg, tag)
	})
}

// SubmitLegCloseOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) SubmitLegCloseOrder(ctx context.Context, symbol string, leg *models.Leg, tag string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.SubmitLegCloseOrder(ctx, symbol, leg, tag)
	})
}

// SubmitHedgeOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) SubmitHedgeOrder(ctx context.Context, symbol string, shares int, tag string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.SubmitHedgeOrder(ctx, symbol, shares, tag)
	})
}

// GetOrderStatus wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatus(ctx, orderID)
	})
}

// GetPositions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) {
		return b.GetPositions(ctx)
	})
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)
