// Package dedup collapses repeat rule firings into a single live alert
// instance per alert hash. Creation and merge both run under optimistic
// concurrency, so two consumers firing the same hash on different
// partitions converge instead of double-alerting.
package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/detect"
	"sentinel/metrics"
	"sentinel/storage"
)

// mergeRetries bounds the create/merge race loop
const mergeRetries = 5

// Deduplicator turns detection candidates into alert instances
type Deduplicator struct {
	alerts        storage.AlertStore
	defaultPolicy *core.EscalationPolicy
	logger        *zap.SugaredLogger

	// nowFn is swapped in tests
	nowFn func() time.Time
}

// NewDeduplicator creates a deduplicator. defaultPolicy applies to rules
// without their own escalation policy.
func NewDeduplicator(alerts storage.AlertStore, defaultPolicy *core.EscalationPolicy, logger *zap.SugaredLogger) *Deduplicator {
	return &Deduplicator{
		alerts:        alerts,
		defaultPolicy: defaultPolicy,
		logger:        logger,
		nowFn:         func() time.Time { return time.Now().UTC() },
	}
}

// Merge resolves a candidate against the live alert slot for its hash:
// either a new open alert is created or the existing live instance absorbs
// the firing. The returned bool is true when a new instance was created.
// When the slot's previous holder resolved inside the rule's suppression
// window, the firing is dropped and the terminal instance returned.
//
// Races resolve by retrying: a duplicate-hash insert means another consumer
// created the instance first (re-read and merge), a version conflict means
// another consumer merged first (re-read and merge again).
func (d *Deduplicator) Merge(ctx context.Context, candidate *detect.Candidate) (*core.AlertInstance, bool, error) {
	for attempt := 0; attempt < mergeRetries; attempt++ {
		existing, err := d.alerts.FindLiveByHash(ctx, candidate.AlertHash)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if prior, suppressed, supErr := d.suppressedBy(ctx, candidate); supErr != nil {
				return nil, false, supErr
			} else if suppressed {
				return prior, false, nil
			}
			alert := d.newAlert(candidate)
			if insertErr := d.alerts.InsertAlert(ctx, alert); insertErr != nil {
				if errors.Is(insertErr, storage.ErrDuplicateLiveHash) {
					metrics.DedupConflicts.Inc()
					continue
				}
				return nil, false, insertErr
			}
			metrics.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()
			d.logger.Infow("Alert created",
				"alert_id", alert.AlertID, "rule_id", alert.RuleID,
				"tenant_id", alert.TenantID, "severity", alert.Severity,
				"risk_score", alert.RiskScore)
			return alert, true, nil

		case err != nil:
			return nil, false, err

		default:
			merged, mergeErr := d.mergeInto(ctx, existing, candidate)
			if mergeErr != nil {
				if errors.Is(mergeErr, core.ErrVersionConflict) {
					metrics.DedupConflicts.Inc()
					continue
				}
				return nil, false, mergeErr
			}
			metrics.AlertsMerged.Inc()
			return merged, false, nil
		}
	}

	return nil, false, core.TransientIOError("dedup merge",
		errors.New("merge retries exhausted for hash "+candidate.AlertHash))
}

// suppressedBy reports whether re-creation for the candidate's hash is held
// back by the rule's suppression window: the latest alert for the hash is
// terminal and was last seen inside the window. A hash that never alerted
// is never suppressed.
func (d *Deduplicator) suppressedBy(ctx context.Context, candidate *detect.Candidate) (*core.AlertInstance, bool, error) {
	window := candidate.Rule.SuppressionWindow
	if window <= 0 {
		return nil, false, nil
	}

	prior, err := d.alerts.FindLatestByHash(ctx, candidate.AlertHash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !prior.Status.IsTerminal() || !d.nowFn().Before(prior.LastSeenAt.Add(window)) {
		return nil, false, nil
	}

	metrics.AlertsSuppressed.Inc()
	d.logger.Debugw("Firing suppressed",
		"alert_id", prior.AlertID, "rule_id", candidate.Rule.ID,
		"alert_hash", candidate.AlertHash, "window", window)
	return prior, true, nil
}

// newAlert builds the open alert instance for a first firing. The SLA
// deadline comes from the first escalation step so the timer service can
// scan for it without consulting the policy.
func (d *Deduplicator) newAlert(candidate *detect.Candidate) *core.AlertInstance {
	now := d.nowFn()
	alert := &core.AlertInstance{
		AlertID:         uuid.New().String(),
		RuleID:          candidate.Rule.ID,
		TenantID:        candidate.TenantID,
		AlertHash:       candidate.AlertHash,
		Severity:        candidate.Severity,
		ConfidenceScore: candidate.Confidence,
		RiskScore:       core.ComputeRiskScore(candidate.Severity, candidate.Confidence),
		Status:          core.AlertStatusOpen,
		OccurrenceCount: 1,
		FirstSeenAt:     candidate.ObservedAt,
		LastSeenAt:      candidate.ObservedAt,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	alert.AppendEventIDs(candidate.TriggeringEventIDs...)

	if step, ok := d.policyFor(candidate.Rule).Step(0); ok {
		alert.SLADeadlineAt = now.Add(step.Delay)
	}
	return alert
}

// mergeInto absorbs the firing into the live instance: the occurrence count
// grows, the new event ids attach, last-seen moves forward but never back,
// and a hotter candidate raises severity and risk.
func (d *Deduplicator) mergeInto(ctx context.Context, alert *core.AlertInstance, candidate *detect.Candidate) (*core.AlertInstance, error) {
	alert.OccurrenceCount++
	alert.AppendEventIDs(candidate.TriggeringEventIDs...)
	if candidate.ObservedAt.After(alert.LastSeenAt) {
		alert.LastSeenAt = candidate.ObservedAt
	}
	if candidate.Severity.Rank() > alert.Severity.Rank() {
		alert.Severity = candidate.Severity
	}
	if candidate.Confidence > alert.ConfidenceScore {
		alert.ConfidenceScore = candidate.Confidence
	}
	alert.RiskScore = core.ComputeRiskScore(alert.Severity, alert.ConfidenceScore)
	alert.UpdatedAt = d.nowFn()

	if err := d.alerts.UpdateAlertCAS(ctx, alert, alert.Version); err != nil {
		return nil, err
	}

	d.logger.Debugw("Alert merged",
		"alert_id", alert.AlertID, "occurrences", alert.OccurrenceCount,
		"events", len(alert.RelatedEventIDs))
	return alert, nil
}

// PolicyFor resolves the escalation policy for a rule, falling back to the
// engine default
func (d *Deduplicator) PolicyFor(rule *core.DetectionRule) *core.EscalationPolicy {
	return d.policyFor(rule)
}

func (d *Deduplicator) policyFor(rule *core.DetectionRule) *core.EscalationPolicy {
	if rule != nil && rule.Policy != nil && len(rule.Policy.Steps) > 0 {
		return rule.Policy
	}
	return d.defaultPolicy
}
