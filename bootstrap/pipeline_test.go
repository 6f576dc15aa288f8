package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/dedup"
	"sentinel/detect"
	"sentinel/eventlog"
	"sentinel/metrics"
	"sentinel/route"
	"sentinel/state"
	"sentinel/storage"
)

func newTestPipeline(t *testing.T) (*Pipeline, *eventlog.MemoryLog, *storage.MemoryStorage) {
	t.Helper()
	logger := zap.NewNop().Sugar()

	log := eventlog.NewMemoryLog(eventlog.Options{Partitions: 2}, logger)
	t.Cleanup(func() { log.Close() })

	store := storage.NewMemoryStorage()
	require.NoError(t, store.UpsertRule(context.Background(), &core.DetectionRule{
		ID:       "rule-1",
		RuleType: core.RuleThreshold,
		Name:     "failed logins",
		Condition: core.Condition{Threshold: &core.ThresholdCondition{
			EventType: "auth.login_failed",
			Window:    10 * time.Minute,
			Count:     2,
		}},
		Severity:      core.SeverityHigh,
		Enabled:       true,
		GroupByFields: []string{"tenant_id"},
	}))

	loader := detect.NewLoader(store, time.Minute, logger)
	require.NoError(t, loader.Reload(context.Background()))

	windows := state.NewMemoryStore(logger)
	t.Cleanup(func() { windows.Close() })
	engine := detect.NewEngine(loader, windows, nil, store, detect.DefaultEngineConfig(), logger)

	deduper := dedup.NewDeduplicator(store, &core.EscalationPolicy{
		ID:    "default",
		Steps: []core.EscalationStep{{Delay: 30 * time.Minute, Channels: []string{"webhook"}}},
	}, logger)

	router, err := route.NewRouter(route.Table{}, core.StreamEvents, logger)
	require.NoError(t, err)

	return NewPipeline(log, router, engine, deduper, nil, logger), log, store
}

func rawEvent(id string, occurredAt time.Time) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"event_id":    id,
		"tenant_id":   "tenant-1",
		"event_type":  "auth.login_failed",
		"severity":    "medium",
		"confidence":  0.9,
		"occurred_at": occurredAt.Format(time.RFC3339),
	})
	return raw
}

func drainAndDetect(t *testing.T, p *Pipeline, log *eventlog.MemoryLog) {
	t.Helper()
	ctx := context.Background()
	for partition := 0; partition < log.Partitions(core.StreamEvents); partition++ {
		records, err := log.Fetch(ctx, core.StreamEvents, detectGroup, partition, 100)
		require.NoError(t, err)
		for _, rec := range records {
			require.NoError(t, p.DetectHandler(ctx, rec))
			require.NoError(t, log.Ack(ctx, rec.Stream, detectGroup, rec.Partition, rec.Offset))
		}
	}
}

func TestIngestToAlert(t *testing.T) {
	p, log, store := newTestPipeline(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 2; i++ {
		event, err := p.Ingest(ctx, rawEvent(fmt.Sprintf("ev-%d", i), base.Add(time.Duration(i)*time.Second)), "test")
		require.NoError(t, err)
		assert.Equal(t, "test", event.Source)
	}

	drainAndDetect(t, p, log)

	alerts, err := store.ListAlerts(ctx, "tenant-1", core.AlertStatusOpen, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "rule-1", alerts[0].RuleID)
	assert.Len(t, alerts[0].RelatedEventIDs, 2)
	assert.False(t, alerts[0].SLADeadlineAt.IsZero())
}

func TestIngestMalformedGoesToDLQ(t *testing.T) {
	p, log, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Ingest(ctx, []byte(`{"tenant_id": "tenant-1"}`), "test")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMalformedEvent)

	dlq := eventlog.DLQName(core.StreamEvents)
	records, fetchErr := log.Fetch(ctx, dlq, "inspector", 0, 10)
	require.NoError(t, fetchErr)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"tenant_id": "tenant-1"}`, string(records[0].Payload))
}

func TestIngestCountsPublishOnce(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	counter := metrics.EventsPublished.WithLabelValues(core.StreamEvents)
	before := testutil.ToFloat64(counter)

	_, err := p.Ingest(ctx, rawEvent("ev-0", time.Now().UTC()), "test")
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestRepeatFiringMergesNotDuplicates(t *testing.T) {
	p, log, store := newTestPipeline(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// the threshold is met on the second event and every event after it
	// fires again, so four events produce three firings on one alert
	for i := 0; i < 4; i++ {
		_, err := p.Ingest(ctx, rawEvent(fmt.Sprintf("ev-%d", i), base.Add(time.Duration(i)*time.Second)), "test")
		require.NoError(t, err)
	}
	drainAndDetect(t, p, log)

	alerts, err := store.ListAlerts(ctx, "tenant-1", core.AlertStatusOpen, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1, "repeat firings merge into the live alert")
	assert.Equal(t, 3, alerts[0].OccurrenceCount)
	assert.Len(t, alerts[0].RelatedEventIDs, 4)
}
