// Package alert publishes operator-facing alert conditions on a process-local
// event bus. Alerts are surfaced, never acted on automatically.
package alert

import (
	evbus "github.com/asaskevich/EventBus"
	"github.com/sirupsen/logrus"
)

// Alert topics.
const (
	TopicHedgeBudgetExhausted = "alert:hedge_budget_exhausted"
	TopicOrphanHedgeUnwound   = "alert:orphan_hedge_unwound"
	TopicNeedsReview          = "alert:needs_review"
	TopicPackageBroken        = "alert:package_broken"
	TopicReconMismatch        = "alert:reconciliation_mismatch"
)

// Bus wraps the event bus with typed publish helpers.
type Bus struct {
	bus evbus.Bus
}

// NewBus creates an alert bus.
func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

// Publish emits a message on the given topic.
func (b *Bus) Publish(topic, symbol, message string) {
	b.bus.Publish(topic, symbol, message)
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, fn func(symbol, message string)) error {
	return b.bus.Subscribe(topic, fn)
}

// SubscribeLogger logs every alert topic at warn level. Used as the default
// sink in the engine binary.
func (b *Bus) SubscribeLogger(logger *logrus.Logger) {
	topics := []string{
		TopicHedgeBudgetExhausted,
		TopicOrphanHedgeUnwound,
		TopicNeedsReview,
		TopicPackageBroken,
		TopicReconMismatch,
	}
	for _, topic := range topics {
		t := topic
		if err := b.bus.Subscribe(t, func(symbol, message string) {
			logger.WithFields(logrus.Fields{
				"topic":  t,
				"symbol": symbol,
			}).Warn(message)
		}); err != nil {
			logger.WithError(err).WithField("topic", t).Error("failed to subscribe alert logger")
		}
	}
}
