package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEventJSON(t *testing.T, overrides map[string]interface{}) []byte {
	t.Helper()
	doc := map[string]interface{}{
		"event_id":    "ev-1",
		"tenant_id":   "tenant-1",
		"event_type":  "auth.login_failed",
		"severity":    "high",
		"confidence":  0.9,
		"source":      "edge-fw",
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range overrides {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func TestDecodeEventValid(t *testing.T) {
	event, err := DecodeEvent(validEventJSON(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "ev-1", event.EventID)
	assert.Equal(t, SeverityHigh, event.Severity)
	assert.Equal(t, 0.9, event.Confidence)
	assert.False(t, event.ReceivedAt.IsZero(), "received_at defaults to occurred_at")
}

func TestDecodeEventRejectsSchemaViolations(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"missing tenant":       {"tenant_id": nil},
		"missing event type":   {"event_type": nil},
		"missing severity":     {"severity": nil},
		"missing occurred_at":  {"occurred_at": nil},
		"unknown severity":     {"severity": "urgent"},
		"confidence too large": {"confidence": 1.5},
		"confidence negative":  {"confidence": -0.1},
	}
	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent(validEventJSON(t, overrides))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}

	_, err := DecodeEvent([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestDecodeEventDerivesStableID(t *testing.T) {
	raw := validEventJSON(t, map[string]interface{}{"event_id": nil})

	first, err := DecodeEvent(raw)
	require.NoError(t, err)
	second, err := DecodeEvent(raw)
	require.NoError(t, err)

	assert.NotEmpty(t, first.EventID)
	assert.Equal(t, first.EventID, second.EventID,
		"a producer retry of the identical document maps to the same id")
}

func TestBinaryRoundTrip(t *testing.T) {
	event, err := DecodeEvent(validEventJSON(t, map[string]interface{}{
		"payload":             map[string]interface{}{"src_ip": "10.0.0.7"},
		"normalized_features": map[string]float64{"bytes_out": 0.42},
	}))
	require.NoError(t, err)

	data, err := MarshalEventBinary(event)
	require.NoError(t, err)

	decoded, err := UnmarshalEventBinary(data)
	require.NoError(t, err)
	assert.Equal(t, event.EventID, decoded.EventID)
	assert.Equal(t, event.Severity, decoded.Severity)
	assert.Equal(t, "10.0.0.7", decoded.Payload["src_ip"])
	assert.Equal(t, 0.42, decoded.NormalizedFeatures["bytes_out"])

	_, err = UnmarshalEventBinary([]byte("garbage"))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestFieldResolution(t *testing.T) {
	event := &SecurityEvent{
		EventID:            "ev-1",
		TenantID:           "tenant-1",
		EventType:          "auth.login_failed",
		Severity:           SeverityLow,
		Payload:            map[string]interface{}{"src_ip": "10.0.0.7", "attempts": 3},
		NormalizedFeatures: map[string]float64{"bytes_out": 0.5},
	}

	cases := []struct {
		field string
		want  string
		ok    bool
	}{
		{"tenant_id", "tenant-1", true},
		{"event_type", "auth.login_failed", true},
		{"severity", "low", true},
		{"src_ip", "10.0.0.7", true},
		{"attempts", "3", true},
		{"bytes_out", "0.5", true},
		{"asset_id", "", false},
		{"missing", "", false},
	}
	for _, tc := range cases {
		got, ok := event.Field(tc.field)
		assert.Equal(t, tc.ok, ok, tc.field)
		assert.Equal(t, tc.want, got, tc.field)
	}
}
