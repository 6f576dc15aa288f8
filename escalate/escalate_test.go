package escalate

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/storage"
)

var testPolicy = &core.EscalationPolicy{
	ID: "default",
	Steps: []core.EscalationStep{
		{Delay: 30 * time.Minute, Recipients: []string{"oncall"}, Channels: []string{"webhook"}},
		{Delay: 15 * time.Minute, Recipients: []string{"lead"}, Channels: []string{"webhook", "email"}},
	},
	RepeatInterval: time.Hour,
}

type staticResolver struct{ policy *core.EscalationPolicy }

func (r staticResolver) PolicyFor(*core.DetectionRule) *core.EscalationPolicy { return r.policy }

type recordingNotifier struct {
	alerts []*core.AlertInstance
	steps  []core.EscalationStep
}

func (n *recordingNotifier) NotifyAlert(_ context.Context, alert *core.AlertInstance, step core.EscalationStep) error {
	n.alerts = append(n.alerts, alert)
	n.steps = append(n.steps, step)
	return nil
}

func seedAlert(t *testing.T, store storage.AlertStore, status core.AlertStatus, level int, deadline time.Time) *core.AlertInstance {
	t.Helper()
	now := time.Now().UTC()
	alert := &core.AlertInstance{
		AlertID:         uuid.New().String(),
		RuleID:          "rule-1",
		TenantID:        "tenant-1",
		AlertHash:       uuid.New().String(),
		Severity:        core.SeverityHigh,
		ConfidenceScore: 0.9,
		RiskScore:       72,
		Status:          status,
		EscalationLevel: level,
		OccurrenceCount: 1,
		FirstSeenAt:     now,
		LastSeenAt:      now,
		SLADeadlineAt:   deadline,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, store.InsertAlert(context.Background(), alert))
	return alert
}

func newScannerFixture(t *testing.T) (*Scanner, *storage.MemoryStorage, *recordingNotifier) {
	t.Helper()
	store := storage.NewMemoryStorage()
	notifier := &recordingNotifier{}
	scanner := NewScanner(store, store, staticResolver{testPolicy}, notifier, time.Second, zap.NewNop().Sugar())
	return scanner, store, notifier
}

func TestEscalatesAfterDeadline(t *testing.T) {
	scanner, store, notifier := newScannerFixture(t)
	t0 := time.Now().UTC()

	alert := seedAlert(t, store, core.AlertStatusOpen, 0, t0.Add(30*time.Minute))

	// just before the deadline nothing happens
	scanner.nowFn = func() time.Time { return t0.Add(29 * time.Minute) }
	scanner.tick(context.Background())
	got, err := store.GetAlert(context.Background(), alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusOpen, got.Status)

	// past the deadline the alert escalates to step 1
	now := t0.Add(31 * time.Minute)
	scanner.nowFn = func() time.Time { return now }
	scanner.tick(context.Background())

	got, err = store.GetAlert(context.Background(), alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusEscalated, got.Status)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.True(t, got.SLADeadlineAt.Equal(now.Add(15*time.Minute)))

	require.Len(t, notifier.steps, 1)
	assert.Equal(t, []string{"lead"}, notifier.steps[0].Recipients)
}

func TestAcknowledgedAlertDoesNotEscalate(t *testing.T) {
	scanner, store, notifier := newScannerFixture(t)
	service := NewService(store, store, zap.NewNop().Sugar())
	t0 := time.Now().UTC()

	alert := seedAlert(t, store, core.AlertStatusOpen, 0, t0.Add(30*time.Minute))

	// acknowledged at t0+10m, so the deadline clears
	_, err := service.Acknowledge(context.Background(), alert.AlertID, "analyst")
	require.NoError(t, err)

	scanner.nowFn = func() time.Time { return t0.Add(31 * time.Minute) }
	scanner.tick(context.Background())

	got, err := store.GetAlert(context.Background(), alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusAcknowledged, got.Status)
	assert.Equal(t, 0, got.EscalationLevel)
	assert.Empty(t, notifier.steps)
}

func TestRepeatNotifyAtLastStep(t *testing.T) {
	scanner, store, notifier := newScannerFixture(t)
	t0 := time.Now().UTC()

	// already at the final step with an expired deadline
	alert := seedAlert(t, store, core.AlertStatusEscalated, 1, t0.Add(-time.Minute))

	scanner.nowFn = func() time.Time { return t0 }
	scanner.tick(context.Background())

	got, err := store.GetAlert(context.Background(), alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationLevel, "level does not advance past the last step")
	assert.True(t, got.SLADeadlineAt.Equal(t0.Add(time.Hour)), "next deadline is the repeat interval")

	require.Len(t, notifier.steps, 1)
	assert.Equal(t, []string{"lead"}, notifier.steps[0].Recipients)
}

func TestSuppressionAutoRevert(t *testing.T) {
	scanner, store, _ := newScannerFixture(t)
	service := NewService(store, store, zap.NewNop().Sugar())
	t0 := time.Now().UTC()

	alert := seedAlert(t, store, core.AlertStatusOpen, 0, t0.Add(time.Hour))
	_, err := service.Suppress(context.Background(), alert.AlertID, t0.Add(10*time.Minute), "analyst")
	require.NoError(t, err)

	// before the suppression deadline nothing reverts
	scanner.nowFn = func() time.Time { return t0.Add(5 * time.Minute) }
	scanner.tick(context.Background())
	got, err := store.GetAlert(context.Background(), alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusSuppressed, got.Status)

	scanner.nowFn = func() time.Time { return t0.Add(11 * time.Minute) }
	scanner.tick(context.Background())

	got, err = store.GetAlert(context.Background(), alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusOpen, got.Status, "suppression reverts to the prior state")
	assert.True(t, got.SuppressedUntil.IsZero())
	assert.Empty(t, got.PriorStatus)
}

func TestFalsePositiveFeedsRuleCounter(t *testing.T) {
	store := storage.NewMemoryStorage()
	service := NewService(store, store, zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, store.UpsertRule(ctx, &core.DetectionRule{
		ID:       "rule-1",
		RuleType: core.RuleThreshold,
		Condition: core.Condition{Threshold: &core.ThresholdCondition{
			EventType: "x", Window: time.Minute, Count: 1,
		}},
		Severity: core.SeverityLow,
		Enabled:  true,
	}))
	alert := seedAlert(t, store, core.AlertStatusOpen, 0, time.Now().UTC().Add(time.Hour))

	got, err := service.FalsePositive(ctx, alert.AlertID, "analyst")
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusFalsePositive, got.Status)

	rule, err := store.GetRule(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rule.FalsePositiveCount)
}

func TestInvalidTransitionRejected(t *testing.T) {
	store := storage.NewMemoryStorage()
	service := NewService(store, store, zap.NewNop().Sugar())
	ctx := context.Background()

	alert := seedAlert(t, store, core.AlertStatusResolved, 0, time.Time{})

	_, err := service.Resolve(ctx, alert.AlertID, "analyst")
	assert.Error(t, err, "terminal alerts permit no transitions")

	_, err = service.Acknowledge(ctx, "missing", "analyst")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
