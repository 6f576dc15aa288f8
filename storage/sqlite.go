package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"sentinel/core"
)

// SQLiteStorage is the durable Storage implementation. WAL mode keeps the
// read API responsive while consumers write; the partial unique index on
// live alert hashes enforces at-most-one-live at the schema level, so a
// racing duplicate insert fails instead of silently creating a second
// instance.
type SQLiteStorage struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS alerts (
	alert_id          TEXT PRIMARY KEY,
	rule_id           TEXT NOT NULL,
	tenant_id         TEXT NOT NULL,
	alert_hash        TEXT NOT NULL,
	severity          TEXT NOT NULL,
	confidence_score  REAL NOT NULL,
	risk_score        INTEGER NOT NULL,
	status            TEXT NOT NULL,
	escalation_level  INTEGER NOT NULL DEFAULT 0,
	related_event_ids TEXT NOT NULL DEFAULT '[]',
	occurrence_count  INTEGER NOT NULL DEFAULT 1,
	first_seen_at     INTEGER NOT NULL,
	last_seen_at      INTEGER NOT NULL,
	sla_deadline_at   INTEGER NOT NULL DEFAULT 0,
	assigned_to       TEXT NOT NULL DEFAULT '',
	suppressed_until  INTEGER NOT NULL DEFAULT 0,
	prior_status      TEXT NOT NULL DEFAULT '',
	version           INTEGER NOT NULL DEFAULT 1,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_live_hash
	ON alerts(alert_hash)
	WHERE status IN ('open', 'acknowledged', 'escalated');

CREATE INDEX IF NOT EXISTS idx_alerts_tenant_status ON alerts(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_alerts_sla ON alerts(status, sla_deadline_at);
CREATE INDEX IF NOT EXISTS idx_alerts_suppressed ON alerts(status, suppressed_until);

CREATE TABLE IF NOT EXISTS rules (
	rule_id              TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL DEFAULT '',
	enabled              INTEGER NOT NULL DEFAULT 1,
	false_positive_count INTEGER NOT NULL DEFAULT 0,
	definition           TEXT NOT NULL,
	updated_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	message_id      TEXT PRIMARY KEY,
	alert_id        TEXT NOT NULL,
	channel         TEXT NOT NULL,
	recipient       TEXT NOT NULL,
	priority        TEXT NOT NULL,
	rendered_body   TEXT NOT NULL,
	attempt         INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 3,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_alert ON notifications(alert_id);
`

// NewSQLiteStorage opens (creating if necessary) the database at path and
// applies the schema. Pass ":memory:" for an ephemeral database in tests.
func NewSQLiteStorage(path string, logger *zap.SugaredLogger) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent consumers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Infow("SQLite storage ready", "path", path)
	return &SQLiteStorage{db: db, logger: logger}, nil
}

// Close closes the database
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- alerts ---

const alertColumns = `alert_id, rule_id, tenant_id, alert_hash, severity, confidence_score,
	risk_score, status, escalation_level, related_event_ids, occurrence_count,
	first_seen_at, last_seen_at, sla_deadline_at, assigned_to, suppressed_until,
	prior_status, version, created_at, updated_at`

// InsertAlert creates a new alert row
func (s *SQLiteStorage) InsertAlert(ctx context.Context, alert *core.AlertInstance) error {
	eventIDs, err := json.Marshal(alert.RelatedEventIDs)
	if err != nil {
		return fmt.Errorf("failed to encode related event ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.AlertID, alert.RuleID, alert.TenantID, alert.AlertHash,
		string(alert.Severity), alert.ConfidenceScore, alert.RiskScore,
		string(alert.Status), alert.EscalationLevel, string(eventIDs),
		alert.OccurrenceCount, toNS(alert.FirstSeenAt), toNS(alert.LastSeenAt),
		toNS(alert.SLADeadlineAt), alert.AssignedTo, toNS(alert.SuppressedUntil),
		string(alert.PriorStatus), alert.Version, toNS(alert.CreatedAt), toNS(alert.UpdatedAt))
	if err != nil {
		if isLiveHashConflict(err) {
			return ErrDuplicateLiveHash
		}
		return core.TransientIOError("insert alert", err)
	}
	return nil
}

// GetAlert fetches one alert by id
func (s *SQLiteStorage) GetAlert(ctx context.Context, alertID string) (*core.AlertInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`, alertID)
	return scanAlert(row)
}

// FindLiveByHash returns the live alert holding the hash slot
func (s *SQLiteStorage) FindLiveByHash(ctx context.Context, alertHash string) (*core.AlertInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE alert_hash = ? AND status IN ('open', 'acknowledged', 'escalated')`, alertHash)
	return scanAlert(row)
}

// FindLatestByHash returns the most recently seen alert for the hash in any
// status
func (s *SQLiteStorage) FindLatestByHash(ctx context.Context, alertHash string) (*core.AlertInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE alert_hash = ?
		ORDER BY last_seen_at DESC, created_at DESC LIMIT 1`, alertHash)
	return scanAlert(row)
}

// UpdateAlertCAS writes the alert if the stored version matches
func (s *SQLiteStorage) UpdateAlertCAS(ctx context.Context, alert *core.AlertInstance, expectedVersion uint64) error {
	eventIDs, err := json.Marshal(alert.RelatedEventIDs)
	if err != nil {
		return fmt.Errorf("failed to encode related event ids: %w", err)
	}

	newVersion := expectedVersion + 1
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET
		severity = ?, confidence_score = ?, risk_score = ?, status = ?,
		escalation_level = ?, related_event_ids = ?, occurrence_count = ?,
		last_seen_at = ?, sla_deadline_at = ?, assigned_to = ?,
		suppressed_until = ?, prior_status = ?, version = ?, updated_at = ?
		WHERE alert_id = ? AND version = ?`,
		string(alert.Severity), alert.ConfidenceScore, alert.RiskScore,
		string(alert.Status), alert.EscalationLevel, string(eventIDs),
		alert.OccurrenceCount, toNS(alert.LastSeenAt), toNS(alert.SLADeadlineAt),
		alert.AssignedTo, toNS(alert.SuppressedUntil), string(alert.PriorStatus),
		newVersion, toNS(alert.UpdatedAt),
		alert.AlertID, expectedVersion)
	if err != nil {
		return core.TransientIOError("update alert", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return core.TransientIOError("update alert", err)
	}
	if affected == 0 {
		return core.ErrVersionConflict
	}

	alert.Version = newVersion
	return nil
}

// ListAlerts returns alerts for a tenant, newest first
func (s *SQLiteStorage) ListAlerts(ctx context.Context, tenantID string, status core.AlertStatus, limit int) ([]*core.AlertInstance, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.TransientIOError("list alerts", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// DueForEscalation returns unacknowledged alerts past their SLA deadline
func (s *SQLiteStorage) DueForEscalation(ctx context.Context, now time.Time, limit int) ([]*core.AlertInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE status IN ('open', 'escalated') AND sla_deadline_at > 0 AND sla_deadline_at <= ?
		ORDER BY sla_deadline_at ASC LIMIT ?`, toNS(now), limit)
	if err != nil {
		return nil, core.TransientIOError("due for escalation", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// SuppressionsToRevert returns suppressed alerts whose deadline elapsed
func (s *SQLiteStorage) SuppressionsToRevert(ctx context.Context, now time.Time, limit int) ([]*core.AlertInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE status = 'suppressed' AND suppressed_until > 0 AND suppressed_until <= ?
		ORDER BY suppressed_until ASC LIMIT ?`, toNS(now), limit)
	if err != nil {
		return nil, core.TransientIOError("suppressions to revert", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// --- rules ---

// UpsertRule inserts or replaces a rule definition
func (s *SQLiteStorage) UpsertRule(ctx context.Context, rule *core.DetectionRule) error {
	definition, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule %s: %w", rule.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO rules
		(rule_id, tenant_id, enabled, false_positive_count, definition, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
		tenant_id = excluded.tenant_id, enabled = excluded.enabled,
		false_positive_count = excluded.false_positive_count,
		definition = excluded.definition, updated_at = excluded.updated_at`,
		rule.ID, rule.TenantID, boolInt(rule.Enabled), rule.FalsePositiveCount,
		string(definition), time.Now().UnixNano())
	if err != nil {
		return core.TransientIOError("upsert rule", err)
	}
	return nil
}

// GetRule fetches one rule by id
func (s *SQLiteStorage) GetRule(ctx context.Context, ruleID string) (*core.DetectionRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT definition, enabled, false_positive_count FROM rules WHERE rule_id = ?`, ruleID)
	return scanRule(row)
}

// LoadEnabled returns all enabled rules
func (s *SQLiteStorage) LoadEnabled(ctx context.Context) ([]*core.DetectionRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition, enabled, false_positive_count FROM rules WHERE enabled = 1`)
	if err != nil {
		return nil, core.TransientIOError("load rules", err)
	}
	defer rows.Close()

	var rules []*core.DetectionRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SetEnabled flips a rule's enabled flag
func (s *SQLiteStorage) SetEnabled(ctx context.Context, ruleID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET enabled = ?, updated_at = ? WHERE rule_id = ?`,
		boolInt(enabled), time.Now().UnixNano(), ruleID)
	if err != nil {
		return core.TransientIOError("set rule enabled", err)
	}
	return requireAffected(res)
}

// IncrementFalsePositive bumps the rule's false-positive counter
func (s *SQLiteStorage) IncrementFalsePositive(ctx context.Context, ruleID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET false_positive_count = false_positive_count + 1, updated_at = ? WHERE rule_id = ?`,
		time.Now().UnixNano(), ruleID)
	if err != nil {
		return core.TransientIOError("increment false positive", err)
	}
	return requireAffected(res)
}

// --- notifications ---

// InsertNotification records a newly enqueued message
func (s *SQLiteStorage) InsertNotification(ctx context.Context, msg *core.NotificationMessage) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO notifications
		(message_id, alert_id, channel, recipient, priority, rendered_body,
		attempt, max_attempts, next_attempt_at, status, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.AlertID, msg.Channel, msg.Recipient,
		string(msg.Priority), msg.RenderedBody, msg.Attempt, msg.MaxAttempts,
		toNS(msg.NextAttemptAt), string(msg.Status), msg.LastError, toNS(msg.CreatedAt))
	if err != nil {
		return core.TransientIOError("insert notification", err)
	}
	return nil
}

// UpdateNotification records a delivery attempt outcome
func (s *SQLiteStorage) UpdateNotification(ctx context.Context, msg *core.NotificationMessage) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET
		attempt = ?, next_attempt_at = ?, status = ?, last_error = ?
		WHERE message_id = ?`,
		msg.Attempt, toNS(msg.NextAttemptAt), string(msg.Status), msg.LastError, msg.MessageID)
	if err != nil {
		return core.TransientIOError("update notification", err)
	}
	return requireAffected(res)
}

// ListNotifications returns the delivery history for one alert
func (s *SQLiteStorage) ListNotifications(ctx context.Context, alertID string) ([]*core.NotificationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		message_id, alert_id, channel, recipient, priority, rendered_body,
		attempt, max_attempts, next_attempt_at, status, last_error, created_at
		FROM notifications WHERE alert_id = ? ORDER BY created_at ASC`, alertID)
	if err != nil {
		return nil, core.TransientIOError("list notifications", err)
	}
	defer rows.Close()

	var msgs []*core.NotificationMessage
	for rows.Next() {
		var msg core.NotificationMessage
		var priority, status string
		var nextAttempt, created int64
		if err := rows.Scan(&msg.MessageID, &msg.AlertID, &msg.Channel, &msg.Recipient,
			&priority, &msg.RenderedBody, &msg.Attempt, &msg.MaxAttempts,
			&nextAttempt, &status, &msg.LastError, &created); err != nil {
			return nil, core.TransientIOError("scan notification", err)
		}
		msg.Priority = core.Severity(priority)
		msg.Status = core.NotificationStatus(status)
		msg.NextAttemptAt = fromNS(nextAttempt)
		msg.CreatedAt = fromNS(created)
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*core.AlertInstance, error) {
	var a core.AlertInstance
	var severity, status, priorStatus, eventIDs string
	var firstSeen, lastSeen, slaDeadline, suppressedUntil, created, updated int64

	err := row.Scan(&a.AlertID, &a.RuleID, &a.TenantID, &a.AlertHash, &severity,
		&a.ConfidenceScore, &a.RiskScore, &status, &a.EscalationLevel, &eventIDs,
		&a.OccurrenceCount, &firstSeen, &lastSeen, &slaDeadline, &a.AssignedTo,
		&suppressedUntil, &priorStatus, &a.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, core.TransientIOError("scan alert", err)
	}

	a.Severity = core.Severity(severity)
	a.Status = core.AlertStatus(status)
	a.PriorStatus = core.AlertStatus(priorStatus)
	a.FirstSeenAt = fromNS(firstSeen)
	a.LastSeenAt = fromNS(lastSeen)
	a.SLADeadlineAt = fromNS(slaDeadline)
	a.SuppressedUntil = fromNS(suppressedUntil)
	a.CreatedAt = fromNS(created)
	a.UpdatedAt = fromNS(updated)

	if err := json.Unmarshal([]byte(eventIDs), &a.RelatedEventIDs); err != nil {
		return nil, fmt.Errorf("failed to decode related event ids for %s: %w", a.AlertID, err)
	}
	return &a, nil
}

func scanAlerts(rows *sql.Rows) ([]*core.AlertInstance, error) {
	var alerts []*core.AlertInstance
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func scanRule(row rowScanner) (*core.DetectionRule, error) {
	var definition string
	var enabled, fpCount int
	err := row.Scan(&definition, &enabled, &fpCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, core.TransientIOError("scan rule", err)
	}

	var rule core.DetectionRule
	if err := json.Unmarshal([]byte(definition), &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule definition: %w", err)
	}
	// the columns are authoritative over the stored JSON
	rule.Enabled = enabled == 1
	rule.FalsePositiveCount = fpCount
	return &rule, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return core.TransientIOError("rows affected", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func isLiveHashConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "idx_alerts_live_hash")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNS(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
