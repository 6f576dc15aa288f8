package detect

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/state"
	"sentinel/storage"
)

func newTestEngine(t *testing.T, scorer Scorer, rules ...*core.DetectionRule) (*Engine, *storage.MemoryStorage) {
	t.Helper()
	logger := zap.NewNop().Sugar()

	store := storage.NewMemoryStorage()
	ctx := context.Background()
	for _, rule := range rules {
		require.NoError(t, store.UpsertRule(ctx, rule))
	}

	loader := NewLoader(store, time.Minute, logger)
	require.NoError(t, loader.Reload(ctx))

	windows := state.NewMemoryStore(logger)
	t.Cleanup(func() { windows.Close() })

	return NewEngine(loader, windows, scorer, store, DefaultEngineConfig(), logger), store
}

func thresholdRule(count int, window time.Duration) *core.DetectionRule {
	return &core.DetectionRule{
		ID:       "rule-threshold",
		RuleType: core.RuleThreshold,
		Name:     "failed logins",
		Condition: core.Condition{Threshold: &core.ThresholdCondition{
			EventType: "auth.login_failed",
			Window:    window,
			Count:     count,
		}},
		Severity:      core.SeverityHigh,
		Enabled:       true,
		GroupByFields: []string{"tenant_id", "src_ip"},
	}
}

func evt(id, eventType string, at time.Time) *core.SecurityEvent {
	return &core.SecurityEvent{
		EventID:    id,
		TenantID:   "tenant-1",
		EventType:  eventType,
		Severity:   core.SeverityMedium,
		Confidence: 0.9,
		OccurredAt: at,
		ReceivedAt: at,
		Payload:    map[string]interface{}{"src_ip": "10.0.0.7"},
	}
}

func TestThresholdFiresAtExactCount(t *testing.T) {
	engine, _ := newTestEngine(t, nil, thresholdRule(10, 10*time.Minute))
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 9; i++ {
		candidates, err := engine.HandleEvent(ctx, evt(fmt.Sprintf("ev-%d", i), "auth.login_failed", base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		assert.Empty(t, candidates, "event %d must not fire", i)
	}

	candidates, err := engine.HandleEvent(ctx, evt("ev-9", "auth.login_failed", base.Add(9*time.Second)))
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, "rule-threshold", c.Rule.ID)
	assert.Len(t, c.TriggeringEventIDs, 10)
	assert.Equal(t, core.SeverityHigh, c.Severity)
	assert.Equal(t, map[string]string{"tenant_id": "tenant-1", "src_ip": "10.0.0.7"}, c.GroupKey)
	assert.Equal(t, core.AlertHash("rule-threshold", c.GroupKey), c.AlertHash)

	// members survive the firing: the 11th event fires again so the dedup
	// layer can merge it into the live alert
	candidates, err = engine.HandleEvent(ctx, evt("ev-10", "auth.login_failed", base.Add(10*time.Second)))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Len(t, candidates[0].TriggeringEventIDs, 11)
	assert.Equal(t, c.AlertHash, candidates[0].AlertHash, "repeat firing targets the same alert slot")
}

func TestThresholdWindowSlides(t *testing.T) {
	engine, _ := newTestEngine(t, nil, thresholdRule(3, time.Minute))
	ctx := context.Background()
	base := time.Now().UTC()

	// two events, then a long gap: the early members fall out of the window
	for i, offset := range []time.Duration{0, time.Second, 2 * time.Minute, 2*time.Minute + time.Second} {
		candidates, err := engine.HandleEvent(ctx, evt(fmt.Sprintf("ev-%d", i), "auth.login_failed", base.Add(offset)))
		require.NoError(t, err)
		assert.Empty(t, candidates)
	}

	candidates, err := engine.HandleEvent(ctx, evt("ev-final", "auth.login_failed", base.Add(2*time.Minute+2*time.Second)))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Len(t, candidates[0].TriggeringEventIDs, 3)
}

func TestThresholdRedeliveryIsIdempotent(t *testing.T) {
	engine, _ := newTestEngine(t, nil, thresholdRule(3, time.Minute))
	ctx := context.Background()
	base := time.Now().UTC()

	// the same event delivered twice counts once
	for i := 0; i < 2; i++ {
		candidates, err := engine.HandleEvent(ctx, evt("ev-0", "auth.login_failed", base))
		require.NoError(t, err)
		assert.Empty(t, candidates)
	}
	candidates, err := engine.HandleEvent(ctx, evt("ev-1", "auth.login_failed", base.Add(time.Second)))
	require.NoError(t, err)
	assert.Empty(t, candidates, "duplicate delivery must not advance the count")

	candidates, err = engine.HandleEvent(ctx, evt("ev-2", "auth.login_failed", base.Add(2*time.Second)))
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestThresholdGroupKeysIsolate(t *testing.T) {
	engine, _ := newTestEngine(t, nil, thresholdRule(2, time.Minute))
	ctx := context.Background()
	base := time.Now().UTC()

	a := evt("ev-a", "auth.login_failed", base)
	b := evt("ev-b", "auth.login_failed", base.Add(time.Second))
	b.Payload["src_ip"] = "10.0.0.8"

	for _, event := range []*core.SecurityEvent{a, b} {
		candidates, err := engine.HandleEvent(ctx, event)
		require.NoError(t, err)
		assert.Empty(t, candidates, "different source ips accumulate separately")
	}
}

func patternRule(types []string, window time.Duration) *core.DetectionRule {
	return &core.DetectionRule{
		ID:            "rule-pattern",
		RuleType:      core.RulePattern,
		Name:          "kill chain",
		Condition:     core.Condition{Pattern: &core.PatternCondition{EventTypes: types, Window: window}},
		Severity:      core.SeverityCritical,
		Enabled:       true,
		GroupByFields: []string{"tenant_id"},
	}
}

func TestPatternFiresInOrder(t *testing.T) {
	engine, _ := newTestEngine(t, nil, patternRule([]string{"recon.scan", "auth.brute_force", "exec.shell"}, 10*time.Minute))
	ctx := context.Background()
	base := time.Now().UTC()

	for i, eventType := range []string{"recon.scan", "auth.brute_force"} {
		candidates, err := engine.HandleEvent(ctx, evt(fmt.Sprintf("ev-%d", i), eventType, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		assert.Empty(t, candidates)
	}

	candidates, err := engine.HandleEvent(ctx, evt("ev-2", "exec.shell", base.Add(2*time.Second)))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, []string{"ev-0", "ev-1", "ev-2"}, candidates[0].TriggeringEventIDs)

	// the matched sequence was consumed; a lone trailing shell does not re-fire
	candidates, err = engine.HandleEvent(ctx, evt("ev-3", "exec.shell", base.Add(3*time.Second)))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestPatternOrderViolationDoesNotFire(t *testing.T) {
	engine, _ := newTestEngine(t, nil, patternRule([]string{"recon.scan", "auth.brute_force", "exec.shell"}, 10*time.Minute))
	ctx := context.Background()
	base := time.Now().UTC()

	// all three types present but the shell came before the brute force
	for i, eventType := range []string{"recon.scan", "exec.shell", "auth.brute_force"} {
		candidates, err := engine.HandleEvent(ctx, evt(fmt.Sprintf("ev-%d", i), eventType, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		assert.Empty(t, candidates)
	}
}

func correlationRule() *core.DetectionRule {
	return &core.DetectionRule{
		ID:       "rule-correlation",
		RuleType: core.RuleCorrelation,
		Name:     "exfil after brute force",
		Condition: core.Condition{Correlation: &core.CorrelationCondition{
			SubConditions: []core.SubCondition{
				{EventType: "auth.login_failed", MinCount: 2},
				{EventType: "net.data_transfer", MinVolume: 1.5, VolumeFeature: "bytes_out"},
			},
			Window:      10 * time.Minute,
			CorrelateBy: []string{"tenant_id"},
		}},
		Severity: core.SeverityCritical,
		Enabled:  true,
	}
}

func TestCorrelationRequiresAllLegs(t *testing.T) {
	engine, _ := newTestEngine(t, nil, correlationRule())
	ctx := context.Background()
	base := time.Now().UTC()

	transfer := func(id string, at time.Time, bytes float64) *core.SecurityEvent {
		e := evt(id, "net.data_transfer", at)
		e.NormalizedFeatures = map[string]float64{"bytes_out": bytes}
		return e
	}

	sequence := []*core.SecurityEvent{
		evt("ev-0", "auth.login_failed", base),
		evt("ev-1", "auth.login_failed", base.Add(time.Second)),
		transfer("ev-2", base.Add(2*time.Second), 0.8),
	}
	for _, event := range sequence {
		candidates, err := engine.HandleEvent(ctx, event)
		require.NoError(t, err)
		assert.Empty(t, candidates, "volume leg not yet satisfied")
	}

	candidates, err := engine.HandleEvent(ctx, transfer("ev-3", base.Add(3*time.Second), 0.9))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Len(t, candidates[0].TriggeringEventIDs, 4)
}

func TestAnomalyScoring(t *testing.T) {
	rule := &core.DetectionRule{
		ID:       "rule-anomaly",
		RuleType: core.RuleAnomaly,
		Name:     "odd session",
		Condition: core.Condition{Anomaly: &core.AnomalyCondition{
			FeatureKeys:    []string{"bytes_out", "hour_of_day"},
			ScoreThreshold: 0.8,
		}},
		Severity:      core.SeverityMedium,
		Enabled:       true,
		GroupByFields: []string{"tenant_id", "asset_id"},
	}
	engine, _ := newTestEngine(t, MeanScorer{}, rule)
	ctx := context.Background()

	quiet := evt("ev-0", "session.summary", time.Now().UTC())
	quiet.NormalizedFeatures = map[string]float64{"bytes_out": 0.3, "hour_of_day": 0.4}
	candidates, err := engine.HandleEvent(ctx, quiet)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	loud := evt("ev-1", "session.summary", time.Now().UTC())
	loud.NormalizedFeatures = map[string]float64{"bytes_out": 0.95, "hour_of_day": 0.85}
	candidates, err = engine.HandleEvent(ctx, loud)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, []string{"ev-1"}, candidates[0].TriggeringEventIDs)
}

type failingScorer struct{}

func (failingScorer) Score(context.Context, map[string]float64) (float64, error) {
	return 0, fmt.Errorf("model endpoint down")
}

func TestFaultyRuleAutoDisables(t *testing.T) {
	rule := &core.DetectionRule{
		ID:       "rule-broken",
		RuleType: core.RuleAnomaly,
		Name:     "broken scorer",
		Condition: core.Condition{Anomaly: &core.AnomalyCondition{
			FeatureKeys:    []string{"bytes_out"},
			ScoreThreshold: 0.5,
		}},
		Severity: core.SeverityLow,
		Enabled:  true,
	}
	engine, store := newTestEngine(t, failingScorer{}, rule)
	ctx := context.Background()

	limit := DefaultEngineConfig().MaxConsecutiveFailures
	for i := 0; i < limit-1; i++ {
		event := evt(fmt.Sprintf("ev-%d", i), "session.summary", time.Now().UTC())
		event.NormalizedFeatures = map[string]float64{"bytes_out": 0.9}
		candidates, err := engine.HandleEvent(ctx, event)
		require.NoError(t, err, "rule errors are isolated, not propagated")
		assert.Empty(t, candidates)
	}

	// the failure that trips the limit raises an operational alert
	event := evt("ev-last", "session.summary", time.Now().UTC())
	event.NormalizedFeatures = map[string]float64{"bytes_out": 0.9}
	candidates, err := engine.HandleEvent(ctx, event)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "ops.rule_auto_disabled", candidates[0].Rule.ID)
	assert.Equal(t, map[string]string{"rule_id": "rule-broken"}, candidates[0].GroupKey)
	assert.Equal(t, core.SeverityHigh, candidates[0].Severity)

	stored, err := store.GetRule(ctx, "rule-broken")
	require.NoError(t, err)
	assert.False(t, stored.Enabled, "rule disables itself after consecutive failures")
	assert.Empty(t, engine.loader.Rules(), "disabled rule leaves the snapshot immediately")
}

func TestTenantScopedRule(t *testing.T) {
	rule := thresholdRule(1, time.Minute)
	rule.TenantID = "tenant-2"
	engine, _ := newTestEngine(t, nil, rule)
	ctx := context.Background()

	// tenant-1 traffic never reaches a tenant-2 rule
	candidates, err := engine.HandleEvent(ctx, evt("ev-0", "auth.login_failed", time.Now().UTC()))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}
