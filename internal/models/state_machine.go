// Package models provides the data structures and state management for
// multi-leg option packages and their hedges.
package models

import "fmt"

// PackageState represents the lifecycle state of a multi-leg package.
type PackageState string

const (
	// StatePendingEntry means entry orders were submitted, no leg filled yet.
	StatePendingEntry PackageState = "pending_entry"
	// StatePartiallyFilled means at least one leg filled, the other is pending.
	StatePartiallyFilled PackageState = "partially_filled"
	// StateOpen means both legs filled; the package is tradable.
	StateOpen PackageState = "open"
	// StateExitTriggered means an exit rule fired and a close is being prepared.
	StateExitTriggered PackageState = "exit_triggered"
	// StateClosing means a close order is working at the broker.
	StateClosing PackageState = "closing"
	// StateClosed means the close filled; terminal.
	StateClosed PackageState = "closed"
	// StateBroken means a leg was rejected while the sibling filled or was
	// pending. The sole legitimate asymmetric state; terminal for automation.
	StateBroken PackageState = "broken"
	// StateNeedsReview means the close retry budget was exhausted; terminal
	// for automation, requires operator action.
	StateNeedsReview PackageState = "needs_review"
)

// Transition conditions. Every state change names the condition that drove it
// so transitions can be validated against the table below.
const (
	ConditionLegFilled      = "leg_filled"
	ConditionAllLegsFilled  = "all_legs_filled"
	ConditionLegRejected    = "leg_rejected"
	ConditionExitRuleFired  = "exit_rule_fired"
	ConditionCloseSubmitted = "close_submitted"
	ConditionCloseRetry     = "close_retry"
	ConditionCloseFilled    = "close_filled"
	ConditionRetryExhausted = "retry_exhausted"
)

// StateTransition defines a valid state transition.
type StateTransition struct {
	From      PackageState
	To        PackageState
	Condition string
}

// ValidTransitions is the closed set of legal package transitions.
var ValidTransitions = []StateTransition{
	// Entry path
	{StatePendingEntry, StatePartiallyFilled, ConditionLegFilled},
	{StatePendingEntry, StateOpen, ConditionAllLegsFilled},
	{StatePartiallyFilled, StateOpen, ConditionAllLegsFilled},

	// Rejection of either leg breaks the package
	{StatePendingEntry, StateBroken, ConditionLegRejected},
	{StatePartiallyFilled, StateBroken, ConditionLegRejected},

	// Exit path
	{StateOpen, StateExitTriggered, ConditionExitRuleFired},
	{StateExitTriggered, StateClosing, ConditionCloseSubmitted},
	{StateClosing, StateClosing, ConditionCloseRetry},
	{StateClosing, StateClosed, ConditionCloseFilled},
	{StateClosing, StateNeedsReview, ConditionRetryExhausted},
	// Submission itself can exhaust the retry budget before the broker ever
	// accepts the close.
	{StateExitTriggered, StateNeedsReview, ConditionRetryExhausted},
}

// IsTerminal reports whether automated handling is finished for the state.
func (s PackageState) IsTerminal() bool {
	switch s {
	case StateClosed, StateNeedsReview, StateBroken:
		return true
	default:
		return false
	}
}

// IsPendingExit reports whether a close is in flight for the state.
func (s PackageState) IsPendingExit() bool {
	return s == StateExitTriggered || s == StateClosing
}

// validTransition checks the transition table for from -> to under condition.
func validTransition(from, to PackageState, condition string) bool {
	for _, tr := range ValidTransitions {
		if tr.From == from && tr.To == to && tr.Condition == condition {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected state transition.
type TransitionError struct {
	PackageID uint64
	From      PackageState
	To        PackageState
	Condition string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("package %d: invalid transition from %s to %s with condition %q",
		e.PackageID, e.From, e.To, e.Condition)
}
