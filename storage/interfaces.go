// Package storage persists alerts, detection rules and notification audit
// rows. The engine talks to the interfaces here; SQLiteStorage is the
// durable implementation and MemoryStorage backs tests.
package storage

import (
	"context"
	"time"

	"sentinel/core"
)

// AlertStore persists alert instances. Updates are guarded by the alert's
// version: a write that loses the race returns core.ErrVersionConflict and
// the caller re-reads and retries.
type AlertStore interface {
	// InsertAlert creates a new alert row; a live alert already holding the
	// same hash fails with ErrDuplicateLiveHash
	InsertAlert(ctx context.Context, alert *core.AlertInstance) error

	// GetAlert fetches one alert by id
	GetAlert(ctx context.Context, alertID string) (*core.AlertInstance, error)

	// FindLiveByHash returns the live (open/acknowledged/escalated) alert for
	// a hash, or ErrNotFound when no live instance holds the slot
	FindLiveByHash(ctx context.Context, alertHash string) (*core.AlertInstance, error)

	// FindLatestByHash returns the most recently seen alert for a hash
	// regardless of status, or ErrNotFound when the hash has never alerted
	FindLatestByHash(ctx context.Context, alertHash string) (*core.AlertInstance, error)

	// UpdateAlertCAS writes the alert if the stored version equals
	// expectedVersion, incrementing the version on success
	UpdateAlertCAS(ctx context.Context, alert *core.AlertInstance, expectedVersion uint64) error

	// ListAlerts returns alerts for a tenant, optionally filtered by status,
	// newest first
	ListAlerts(ctx context.Context, tenantID string, status core.AlertStatus, limit int) ([]*core.AlertInstance, error)

	// DueForEscalation returns unacknowledged alerts whose SLA deadline has
	// passed
	DueForEscalation(ctx context.Context, now time.Time, limit int) ([]*core.AlertInstance, error)

	// SuppressionsToRevert returns suppressed alerts whose deadline has
	// elapsed
	SuppressionsToRevert(ctx context.Context, now time.Time, limit int) ([]*core.AlertInstance, error)
}

// RuleStore persists detection rules
type RuleStore interface {
	// UpsertRule inserts or replaces a rule definition
	UpsertRule(ctx context.Context, rule *core.DetectionRule) error

	// GetRule fetches one rule by id
	GetRule(ctx context.Context, ruleID string) (*core.DetectionRule, error)

	// LoadEnabled returns all enabled rules
	LoadEnabled(ctx context.Context) ([]*core.DetectionRule, error)

	// SetEnabled flips a rule's enabled flag; used by failure isolation
	SetEnabled(ctx context.Context, ruleID string, enabled bool) error

	// IncrementFalsePositive bumps the rule's false-positive counter when an
	// operator dismisses one of its alerts
	IncrementFalsePositive(ctx context.Context, ruleID string) error
}

// NotificationStore keeps the delivery audit trail
type NotificationStore interface {
	// InsertNotification records a newly enqueued message
	InsertNotification(ctx context.Context, msg *core.NotificationMessage) error

	// UpdateNotification records a delivery attempt outcome
	UpdateNotification(ctx context.Context, msg *core.NotificationMessage) error

	// ListNotifications returns the delivery history for one alert
	ListNotifications(ctx context.Context, alertID string) ([]*core.NotificationMessage, error)
}

// Storage bundles the three stores behind one handle
type Storage interface {
	AlertStore
	RuleStore
	NotificationStore

	// Close releases the underlying resources
	Close() error
}
