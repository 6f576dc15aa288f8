package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"sentinel/core"
)

// MemoryStorage is an in-process Storage used by tests and single-node
// experiments. It enforces the same live-hash uniqueness and version checks
// as the SQLite implementation.
type MemoryStorage struct {
	mu            sync.Mutex
	alerts        map[string]*core.AlertInstance
	rules         map[string]*core.DetectionRule
	notifications map[string][]*core.NotificationMessage
}

// NewMemoryStorage creates an empty memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		alerts:        make(map[string]*core.AlertInstance),
		rules:         make(map[string]*core.DetectionRule),
		notifications: make(map[string][]*core.NotificationMessage),
	}
}

// Close is a no-op
func (m *MemoryStorage) Close() error { return nil }

// InsertAlert creates a new alert
func (m *MemoryStorage) InsertAlert(ctx context.Context, alert *core.AlertInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alert.Status.IsLive() {
		for _, existing := range m.alerts {
			if existing.AlertHash == alert.AlertHash && existing.Status.IsLive() {
				return ErrDuplicateLiveHash
			}
		}
	}
	m.alerts[alert.AlertID] = cloneAlert(alert)
	return nil
}

// GetAlert fetches one alert by id
func (m *MemoryStorage) GetAlert(ctx context.Context, alertID string) (*core.AlertInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[alertID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAlert(alert), nil
}

// FindLiveByHash returns the live alert holding the hash slot
func (m *MemoryStorage) FindLiveByHash(ctx context.Context, alertHash string) (*core.AlertInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, alert := range m.alerts {
		if alert.AlertHash == alertHash && alert.Status.IsLive() {
			return cloneAlert(alert), nil
		}
	}
	return nil, ErrNotFound
}

// FindLatestByHash returns the most recently seen alert for the hash in any
// status
func (m *MemoryStorage) FindLatestByHash(ctx context.Context, alertHash string) (*core.AlertInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *core.AlertInstance
	for _, alert := range m.alerts {
		if alert.AlertHash != alertHash {
			continue
		}
		if latest == nil ||
			alert.LastSeenAt.After(latest.LastSeenAt) ||
			(alert.LastSeenAt.Equal(latest.LastSeenAt) && alert.CreatedAt.After(latest.CreatedAt)) {
			latest = alert
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneAlert(latest), nil
}

// UpdateAlertCAS writes the alert if the stored version matches
func (m *MemoryStorage) UpdateAlertCAS(ctx context.Context, alert *core.AlertInstance, expectedVersion uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.alerts[alert.AlertID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != expectedVersion {
		return core.ErrVersionConflict
	}

	updated := cloneAlert(alert)
	updated.Version = expectedVersion + 1
	m.alerts[alert.AlertID] = updated
	alert.Version = updated.Version
	return nil
}

// ListAlerts returns alerts for a tenant, newest first
func (m *MemoryStorage) ListAlerts(ctx context.Context, tenantID string, status core.AlertStatus, limit int) ([]*core.AlertInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var alerts []*core.AlertInstance
	for _, alert := range m.alerts {
		if alert.TenantID != tenantID {
			continue
		}
		if status != "" && alert.Status != status {
			continue
		}
		alerts = append(alerts, cloneAlert(alert))
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

// DueForEscalation returns unacknowledged alerts past their SLA deadline
func (m *MemoryStorage) DueForEscalation(ctx context.Context, now time.Time, limit int) ([]*core.AlertInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var due []*core.AlertInstance
	for _, alert := range m.alerts {
		if alert.Status != core.AlertStatusOpen && alert.Status != core.AlertStatusEscalated {
			continue
		}
		if alert.SLADeadlineAt.IsZero() || alert.SLADeadlineAt.After(now) {
			continue
		}
		due = append(due, cloneAlert(alert))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].SLADeadlineAt.Before(due[j].SLADeadlineAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// SuppressionsToRevert returns suppressed alerts whose deadline elapsed
func (m *MemoryStorage) SuppressionsToRevert(ctx context.Context, now time.Time, limit int) ([]*core.AlertInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var due []*core.AlertInstance
	for _, alert := range m.alerts {
		if alert.Status != core.AlertStatusSuppressed {
			continue
		}
		if alert.SuppressedUntil.IsZero() || alert.SuppressedUntil.After(now) {
			continue
		}
		due = append(due, cloneAlert(alert))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].SuppressedUntil.Before(due[j].SuppressedUntil) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// UpsertRule inserts or replaces a rule
func (m *MemoryStorage) UpsertRule(ctx context.Context, rule *core.DetectionRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned := *rule
	m.rules[rule.ID] = &cloned
	return nil
}

// GetRule fetches one rule by id
func (m *MemoryStorage) GetRule(ctx context.Context, ruleID string) (*core.DetectionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[ruleID]
	if !ok {
		return nil, ErrNotFound
	}
	cloned := *rule
	return &cloned, nil
}

// LoadEnabled returns all enabled rules
func (m *MemoryStorage) LoadEnabled(ctx context.Context) ([]*core.DetectionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rules []*core.DetectionRule
	for _, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		cloned := *rule
		rules = append(rules, &cloned)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// SetEnabled flips a rule's enabled flag
func (m *MemoryStorage) SetEnabled(ctx context.Context, ruleID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[ruleID]
	if !ok {
		return ErrNotFound
	}
	rule.Enabled = enabled
	return nil
}

// IncrementFalsePositive bumps the rule's false-positive counter
func (m *MemoryStorage) IncrementFalsePositive(ctx context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[ruleID]
	if !ok {
		return ErrNotFound
	}
	rule.FalsePositiveCount++
	return nil
}

// InsertNotification records a newly enqueued message
func (m *MemoryStorage) InsertNotification(ctx context.Context, msg *core.NotificationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned := *msg
	m.notifications[msg.AlertID] = append(m.notifications[msg.AlertID], &cloned)
	return nil
}

// UpdateNotification records a delivery attempt outcome
func (m *MemoryStorage) UpdateNotification(ctx context.Context, msg *core.NotificationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.notifications[msg.AlertID] {
		if existing.MessageID == msg.MessageID {
			existing.Attempt = msg.Attempt
			existing.NextAttemptAt = msg.NextAttemptAt
			existing.Status = msg.Status
			existing.LastError = msg.LastError
			return nil
		}
	}
	return ErrNotFound
}

// ListNotifications returns the delivery history for one alert
func (m *MemoryStorage) ListNotifications(ctx context.Context, alertID string) ([]*core.NotificationMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]*core.NotificationMessage, 0, len(m.notifications[alertID]))
	for _, msg := range m.notifications[alertID] {
		cloned := *msg
		msgs = append(msgs, &cloned)
	}
	return msgs, nil
}

func cloneAlert(a *core.AlertInstance) *core.AlertInstance {
	cloned := *a
	cloned.RelatedEventIDs = append([]string(nil), a.RelatedEventIDs...)
	return &cloned
}
