package broker

import (
	"context"
	"errors"
	"strings"
)

// ErrUnknownOrder is returned by GetOrderStatus for an order id the broker
// has no record of.
var ErrUnknownOrder = errors.New("broker: unknown order")

// IsTransient reports whether an error is worth retrying with backoff.
// Timeouts, throttling and gateway failures are transient; everything else
// (rejections, validation errors) is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
