package core

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// SecurityEvent is one observed fact from a producer. Events are immutable
// after ingestion; alerts reference them by id and never mutate them.
type SecurityEvent struct {
	EventID            string                 `json:"event_id" msgpack:"event_id"`
	TenantID           string                 `json:"tenant_id" msgpack:"tenant_id"`
	AssetID            string                 `json:"asset_id,omitempty" msgpack:"asset_id,omitempty"`
	EventType          string                 `json:"event_type" msgpack:"event_type"`
	Severity           Severity               `json:"severity" msgpack:"severity"`
	Confidence         float64                `json:"confidence" msgpack:"confidence"`
	Source             string                 `json:"source" msgpack:"source"`
	OccurredAt         time.Time              `json:"occurred_at" msgpack:"occurred_at"`
	ReceivedAt         time.Time              `json:"received_at" msgpack:"received_at"`
	CorrelationID      string                 `json:"correlation_id,omitempty" msgpack:"correlation_id,omitempty"`
	Payload            map[string]interface{} `json:"payload,omitempty" msgpack:"payload,omitempty"`
	NormalizedFeatures map[string]float64     `json:"normalized_features,omitempty" msgpack:"normalized_features,omitempty"`
}

// NewSecurityEvent creates an event with a generated UUID and receipt time
func NewSecurityEvent(tenantID, eventType string, severity Severity) *SecurityEvent {
	return &SecurityEvent{
		EventID:    uuid.New().String(),
		TenantID:   tenantID,
		EventType:  eventType,
		Severity:   severity,
		ReceivedAt: time.Now().UTC(),
		Payload:    make(map[string]interface{}),
	}
}

// Field extracts a named field from the event as a string. Top-level fields
// are checked first, then payload entries, then normalized features. Group-by
// and routing predicates resolve fields through this single path.
func (e *SecurityEvent) Field(name string) (string, bool) {
	switch name {
	case "event_id":
		return e.EventID, true
	case "tenant_id":
		return e.TenantID, true
	case "asset_id":
		return e.AssetID, e.AssetID != ""
	case "event_type":
		return e.EventType, true
	case "severity":
		return string(e.Severity), true
	case "source":
		return e.Source, true
	case "correlation_id":
		return e.CorrelationID, e.CorrelationID != ""
	}

	if e.Payload != nil {
		if val, ok := e.Payload[name]; ok {
			if str, ok := val.(string); ok {
				return str, true
			}
			return fmt.Sprintf("%v", val), true
		}
	}

	if e.NormalizedFeatures != nil {
		if val, ok := e.NormalizedFeatures[name]; ok {
			return fmt.Sprintf("%g", val), true
		}
	}

	return "", false
}

// AlertInstance is the engine's primary output. At most one live
// (open/acknowledged/escalated) instance exists per AlertHash; repeat matches
// inside the suppression window merge into it instead of creating a new row.
type AlertInstance struct {
	AlertID         string      `json:"alert_id"`
	RuleID          string      `json:"rule_id"`
	TenantID        string      `json:"tenant_id"`
	AlertHash       string      `json:"alert_hash"`
	Severity        Severity    `json:"severity"`
	ConfidenceScore float64     `json:"confidence_score"`
	RiskScore       int         `json:"risk_score"`
	Status          AlertStatus `json:"status"`
	EscalationLevel int         `json:"escalation_level"`
	RelatedEventIDs []string    `json:"related_event_ids"`
	OccurrenceCount int         `json:"occurrence_count"`
	FirstSeenAt     time.Time   `json:"first_seen_at"`
	LastSeenAt      time.Time   `json:"last_seen_at"`
	SLADeadlineAt   time.Time   `json:"sla_deadline_at"`
	AssignedTo      string      `json:"assigned_to,omitempty"`

	// SuppressedUntil and PriorStatus are set only while Status is suppressed;
	// the machine reverts to PriorStatus when the deadline elapses.
	SuppressedUntil time.Time   `json:"suppressed_until,omitempty"`
	PriorStatus     AlertStatus `json:"prior_status,omitempty"`

	// Version guards read-merge-write cycles; every store update that passes
	// the version check increments it.
	Version uint64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppendEventIDs appends ids not already present, evicting from the front
// once the cap is exceeded
func (a *AlertInstance) AppendEventIDs(ids ...string) {
	seen := make(map[string]struct{}, len(a.RelatedEventIDs))
	for _, id := range a.RelatedEventIDs {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		a.RelatedEventIDs = append(a.RelatedEventIDs, id)
	}
	if len(a.RelatedEventIDs) > MaxRelatedEventIDs {
		a.RelatedEventIDs = a.RelatedEventIDs[len(a.RelatedEventIDs)-MaxRelatedEventIDs:]
	}
}

// ComputeRiskScore maps severity and confidence onto a 0-100 risk score
func ComputeRiskScore(severity Severity, confidence float64) int {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	score := int(math.Round(float64(severity.Rank()) * 20 * confidence))
	if score > 100 {
		score = 100
	}
	return score
}

// EscalationStep is one rung of an escalation policy
type EscalationStep struct {
	Delay      time.Duration `json:"delay"`
	Recipients []string      `json:"recipients"`
	Channels   []string      `json:"channels"`
}

// EscalationPolicy is an ordered list of steps attached to a rule or used as
// a tenant default. Once the last step is reached the alert re-notifies on
// RepeatInterval until acknowledged.
type EscalationPolicy struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id,omitempty"`
	Steps          []EscalationStep `json:"steps"`
	RepeatInterval time.Duration    `json:"repeat_interval"`
}

// Step returns the step for the given escalation level and whether it exists
func (p *EscalationPolicy) Step(level int) (EscalationStep, bool) {
	if p == nil || level < 0 || level >= len(p.Steps) {
		return EscalationStep{}, false
	}
	return p.Steps[level], true
}

// LastStep returns the final policy step, used for repeat notification once
// the policy is exhausted
func (p *EscalationPolicy) LastStep() (EscalationStep, bool) {
	if p == nil || len(p.Steps) == 0 {
		return EscalationStep{}, false
	}
	return p.Steps[len(p.Steps)-1], true
}

// NotificationMessage is one deliverable unit produced by the dispatcher
type NotificationMessage struct {
	MessageID     string             `json:"message_id"`
	AlertID       string             `json:"alert_id"`
	Channel       string             `json:"channel"`
	Recipient     string             `json:"recipient"`
	Priority      Severity           `json:"priority"`
	RenderedBody  string             `json:"rendered_body"`
	Attempt       int                `json:"attempt"`
	MaxAttempts   int                `json:"max_attempts"`
	NextAttemptAt time.Time          `json:"next_attempt_at"`
	Status        NotificationStatus `json:"status"`
	LastError     string             `json:"last_error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}
