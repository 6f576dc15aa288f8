package core

import "time"

// Severity classifies events and alerts by impact.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// String returns the string representation
func (s Severity) String() string {
	return string(s)
}

// IsValid checks if the severity is a known level
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	default:
		return false
	}
}

// Rank returns a numeric ordering for severity comparison, higher is worse.
// Unknown severities rank below info so filters never promote them.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// AlertStatus represents the status of an alert instance
type AlertStatus string

const (
	// AlertStatusOpen indicates a newly created, unhandled alert
	AlertStatusOpen AlertStatus = "open"
	// AlertStatusAcknowledged indicates an operator has taken ownership
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	// AlertStatusEscalated indicates the SLA deadline passed without acknowledgment
	AlertStatusEscalated AlertStatus = "escalated"
	// AlertStatusResolved is terminal: the underlying issue was handled
	AlertStatusResolved AlertStatus = "resolved"
	// AlertStatusFalsePositive is terminal: the alert was dismissed as noise
	AlertStatusFalsePositive AlertStatus = "false_positive"
	// AlertStatusSuppressed indicates notifications are muted until a deadline
	AlertStatusSuppressed AlertStatus = "suppressed"
)

// String returns the string representation
func (s AlertStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusOpen, AlertStatusAcknowledged, AlertStatusEscalated,
		AlertStatusResolved, AlertStatusFalsePositive, AlertStatusSuppressed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status permits no further transitions
func (s AlertStatus) IsTerminal() bool {
	return s == AlertStatusResolved || s == AlertStatusFalsePositive
}

// IsLive reports whether the alert occupies its hash slot for deduplication.
// Exactly one live alert may exist per alert hash at a time.
func (s AlertStatus) IsLive() bool {
	switch s {
	case AlertStatusOpen, AlertStatusAcknowledged, AlertStatusEscalated:
		return true
	default:
		return false
	}
}

// NotificationStatus tracks a notification message through delivery
type NotificationStatus string

const (
	NotificationPending      NotificationStatus = "pending"
	NotificationDelivered    NotificationStatus = "delivered"
	NotificationFailed       NotificationStatus = "failed"
	NotificationDeadLettered NotificationStatus = "dead_lettered"
)

// Well-known stream names
const (
	// StreamEvents is the default destination for all ingested events
	StreamEvents = "security.events"
	// StreamHighPriority carries events fast-tracked by the router
	StreamHighPriority = "security.alerts"
)

// DLQSuffix is appended to a stream name to form its dead-letter stream
const DLQSuffix = ".dlq"

// Processing limits
const (
	// MaxRelatedEventIDs caps the event id list on an alert to bound row growth
	// for frequently-merged alerts (FIFO eviction beyond the cap)
	MaxRelatedEventIDs = 1000

	// MaxWindowMembers caps the members tracked per rule window
	MaxWindowMembers = 5000

	// HTTPClientTimeout bounds outbound webhook calls
	HTTPClientTimeout = 10 * time.Second
)
