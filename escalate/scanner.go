package escalate

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/storage"
	"sentinel/util/goroutine"
)

// PolicyResolver maps a rule to its escalation policy
type PolicyResolver interface {
	PolicyFor(rule *core.DetectionRule) *core.EscalationPolicy
}

// Notifier receives escalation firings; the dispatcher implements it
type Notifier interface {
	NotifyAlert(ctx context.Context, alert *core.AlertInstance, step core.EscalationStep) error
}

// Scanner ticks over the persisted deadlines. Deadlines live on the alert
// rows, so a restart picks up exactly where the previous process stopped;
// no in-memory timers to lose.
type Scanner struct {
	alerts   storage.AlertStore
	rules    storage.RuleStore
	policies PolicyResolver
	notifier Notifier
	interval time.Duration
	batch    int
	logger   *zap.SugaredLogger

	nowFn func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScanner creates a deadline scanner
func NewScanner(alerts storage.AlertStore, rules storage.RuleStore, policies PolicyResolver, notifier Notifier, interval time.Duration, logger *zap.SugaredLogger) *Scanner {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scanner{
		alerts:   alerts,
		rules:    rules,
		policies: policies,
		notifier: notifier,
		interval: interval,
		batch:    200,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the scan loop
func (s *Scanner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer goroutine.Recover("escalation-scanner", s.logger)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()
}

// Stop stops the scan loop
func (s *Scanner) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// tick runs one pass over due escalations and expired suppressions
func (s *Scanner) tick(ctx context.Context) {
	now := s.nowFn()

	due, err := s.alerts.DueForEscalation(ctx, now, s.batch)
	if err != nil {
		s.logger.Warnw("Escalation scan failed", "error", err)
	} else {
		for _, alert := range due {
			if err := s.escalate(ctx, alert, now); err != nil {
				s.logger.Warnw("Escalation failed", "alert_id", alert.AlertID, "error", err)
			}
		}
	}

	expired, err := s.alerts.SuppressionsToRevert(ctx, now, s.batch)
	if err != nil {
		s.logger.Warnw("Suppression scan failed", "error", err)
		return
	}
	for _, alert := range expired {
		if err := s.revertSuppression(ctx, alert); err != nil {
			s.logger.Warnw("Suppression revert failed", "alert_id", alert.AlertID, "error", err)
		}
	}
}

// escalate advances one alert whose SLA deadline passed: either the next
// policy step, or a repeat notification at the last step once the policy is
// exhausted
func (s *Scanner) escalate(ctx context.Context, alert *core.AlertInstance, now time.Time) error {
	policy := s.policies.PolicyFor(s.ruleOf(ctx, alert))

	var step core.EscalationStep
	nextLevel := alert.EscalationLevel + 1
	if next, ok := policy.Step(nextLevel); ok {
		alert.EscalationLevel = nextLevel
		alert.SLADeadlineAt = now.Add(next.Delay)
		step = next
	} else {
		// policy exhausted: stay at the last step and re-notify on the
		// repeat interval until someone acknowledges
		last, ok := policy.LastStep()
		if !ok || policy.RepeatInterval <= 0 {
			alert.SLADeadlineAt = time.Time{}
			alert.UpdatedAt = now
			return s.alerts.UpdateAlertCAS(ctx, alert, alert.Version)
		}
		alert.SLADeadlineAt = now.Add(policy.RepeatInterval)
		step = last
	}

	if alert.Status == core.AlertStatusOpen {
		if err := alert.TransitionTo(core.AlertStatusEscalated, ""); err != nil {
			return err
		}
	}
	alert.UpdatedAt = now

	if err := s.alerts.UpdateAlertCAS(ctx, alert, alert.Version); err != nil {
		// an operator or merge won the race; the next tick re-reads
		if errors.Is(err, core.ErrVersionConflict) {
			return nil
		}
		return err
	}

	metrics.Escalations.WithLabelValues(strconv.Itoa(alert.EscalationLevel)).Inc()
	s.logger.Infow("Alert escalated",
		"alert_id", alert.AlertID, "level", alert.EscalationLevel,
		"next_deadline", alert.SLADeadlineAt)

	if s.notifier != nil {
		if err := s.notifier.NotifyAlert(ctx, alert, step); err != nil {
			s.logger.Warnw("Escalation notification failed",
				"alert_id", alert.AlertID, "error", err)
		}
	}
	return nil
}

// revertSuppression returns an expired suppression to its prior state
func (s *Scanner) revertSuppression(ctx context.Context, alert *core.AlertInstance) error {
	prior := alert.PriorStatus
	if err := alert.Unsuppress(); err != nil {
		return err
	}
	alert.UpdatedAt = s.nowFn()

	if err := s.alerts.UpdateAlertCAS(ctx, alert, alert.Version); err != nil {
		if errors.Is(err, core.ErrVersionConflict) {
			return nil
		}
		return err
	}

	s.logger.Infow("Suppression expired",
		"alert_id", alert.AlertID, "reverted_to", prior)
	return nil
}

func (s *Scanner) ruleOf(ctx context.Context, alert *core.AlertInstance) *core.DetectionRule {
	rule, err := s.rules.GetRule(ctx, alert.RuleID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warnw("Rule lookup failed during escalation",
				"rule_id", alert.RuleID, "error", err)
		}
		return nil
	}
	return rule
}
