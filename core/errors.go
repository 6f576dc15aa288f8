package core

import (
	"errors"
	"fmt"
)

// Error taxonomy for pipeline stages. Handlers branch on these with
// errors.Is: transient errors are nacked and retried, malformed events go
// straight to the DLQ, rule evaluation errors are isolated per rule, and
// delivery errors follow the notification retry policy.
var (
	// ErrTransientIO indicates the log or store was unavailable; the message
	// is retried and never dropped
	ErrTransientIO = errors.New("transient io error")

	// ErrMalformedEvent indicates a schema violation; the event is routed to
	// the DLQ and never retried
	ErrMalformedEvent = errors.New("malformed event")

	// ErrRuleEvaluation indicates a bug in one rule's condition; the rule is
	// isolated so it cannot halt the pipeline
	ErrRuleEvaluation = errors.New("rule evaluation error")

	// ErrDelivery indicates a channel-specific notification failure
	ErrDelivery = errors.New("delivery error")

	// ErrVersionConflict indicates an optimistic-concurrency write lost the
	// race; callers re-read and retry a bounded number of times
	ErrVersionConflict = errors.New("version conflict")
)

// TransientIOError wraps err as a retriable infrastructure failure
func TransientIOError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransientIO, op, err)
}

// IsTransient reports whether err is a retriable infrastructure failure
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

// MalformedEventError wraps a schema validation failure with its cause
func MalformedEventError(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, reason)
}

// RuleEvaluationError wraps a per-rule evaluation failure
func RuleEvaluationError(ruleID string, err error) error {
	return fmt.Errorf("%w: rule %s: %v", ErrRuleEvaluation, ruleID, err)
}

// DeliveryError wraps a channel send failure
func DeliveryError(channel string, err error) error {
	return fmt.Errorf("%w: channel %s: %v", ErrDelivery, channel, err)
}
