// Package escalate drives the alert lifecycle: operator transitions on one
// side, the SLA deadline scanner on the other. All writes go through the
// version check so operator actions and the scanner never clobber each
// other.
package escalate

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/storage"
)

// opRetries bounds the re-read loop when an operator action races the
// scanner or a merge
const opRetries = 3

// Service exposes the operator-facing lifecycle operations
type Service struct {
	alerts storage.AlertStore
	rules  storage.RuleStore
	logger *zap.SugaredLogger

	nowFn func() time.Time
}

// NewService creates the lifecycle service
func NewService(alerts storage.AlertStore, rules storage.RuleStore, logger *zap.SugaredLogger) *Service {
	return &Service{
		alerts: alerts,
		rules:  rules,
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Acknowledge marks the alert as owned by an operator. Acknowledgment stops
// the escalation clock: the SLA deadline is cleared so the scanner skips
// the alert from now on.
func (s *Service) Acknowledge(ctx context.Context, alertID, userID string) (*core.AlertInstance, error) {
	return s.transition(ctx, alertID, func(alert *core.AlertInstance) error {
		if err := alert.TransitionTo(core.AlertStatusAcknowledged, userID); err != nil {
			return err
		}
		alert.SLADeadlineAt = time.Time{}
		return nil
	})
}

// Resolve closes the alert; the hash slot frees for future firings
func (s *Service) Resolve(ctx context.Context, alertID, userID string) (*core.AlertInstance, error) {
	return s.transition(ctx, alertID, func(alert *core.AlertInstance) error {
		return alert.TransitionTo(core.AlertStatusResolved, userID)
	})
}

// FalsePositive dismisses the alert and feeds the rule's false-positive
// counter, the input to rule tuning
func (s *Service) FalsePositive(ctx context.Context, alertID, userID string) (*core.AlertInstance, error) {
	alert, err := s.transition(ctx, alertID, func(alert *core.AlertInstance) error {
		return alert.TransitionTo(core.AlertStatusFalsePositive, userID)
	})
	if err != nil {
		return nil, err
	}

	if fpErr := s.rules.IncrementFalsePositive(ctx, alert.RuleID); fpErr != nil && !errors.Is(fpErr, storage.ErrNotFound) {
		s.logger.Warnw("Failed to record false positive on rule",
			"rule_id", alert.RuleID, "error", fpErr)
	}
	return alert, nil
}

// Suppress mutes the alert until the given deadline; the scanner reverts it
// to its prior state when the deadline elapses
func (s *Service) Suppress(ctx context.Context, alertID string, until time.Time, userID string) (*core.AlertInstance, error) {
	if !until.After(s.nowFn()) {
		return nil, errors.New("suppression deadline must be in the future")
	}
	return s.transition(ctx, alertID, func(alert *core.AlertInstance) error {
		return alert.Suppress(until, userID)
	})
}

// transition applies a mutation under the version check, re-reading on
// conflict
func (s *Service) transition(ctx context.Context, alertID string, mutate func(*core.AlertInstance) error) (*core.AlertInstance, error) {
	for attempt := 0; attempt < opRetries; attempt++ {
		alert, err := s.alerts.GetAlert(ctx, alertID)
		if err != nil {
			return nil, err
		}

		prior := alert.Status
		if err := mutate(alert); err != nil {
			return nil, err
		}
		alert.UpdatedAt = s.nowFn()

		if err := s.alerts.UpdateAlertCAS(ctx, alert, alert.Version); err != nil {
			if errors.Is(err, core.ErrVersionConflict) {
				continue
			}
			return nil, err
		}

		s.logger.Infow("Alert transitioned",
			"alert_id", alert.AlertID, "from", prior, "to", alert.Status,
			"user", alert.AssignedTo)
		return alert, nil
	}
	return nil, core.TransientIOError("alert transition",
		errors.New("retries exhausted for "+alertID))
}
