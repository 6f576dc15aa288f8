package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleJSONSelectsVariant(t *testing.T) {
	doc := `{
		"id": "rule-1",
		"rule_type": "threshold",
		"name": "failed logins",
		"condition": {"event_type": "auth.login_failed", "window": 600000000000, "count": 10},
		"severity": "high",
		"enabled": true,
		"group_by_fields": ["tenant_id", "src_ip"]
	}`

	var rule DetectionRule
	require.NoError(t, json.Unmarshal([]byte(doc), &rule))
	require.NotNil(t, rule.Condition.Threshold)
	assert.Nil(t, rule.Condition.Pattern)
	assert.Equal(t, "auth.login_failed", rule.Condition.Threshold.EventType)
	assert.Equal(t, 10*time.Minute, rule.Condition.Threshold.Window)
	assert.Equal(t, 10, rule.Condition.Threshold.Count)
}

func TestRuleJSONRejectsUnknownType(t *testing.T) {
	doc := `{"id": "rule-1", "rule_type": "regex", "condition": {}}`
	var rule DetectionRule
	assert.Error(t, json.Unmarshal([]byte(doc), &rule))

	missing := `{"id": "rule-1", "rule_type": "threshold"}`
	assert.Error(t, json.Unmarshal([]byte(missing), &rule))
}

func TestRuleJSONRoundTrip(t *testing.T) {
	rule := DetectionRule{
		ID:       "rule-1",
		RuleType: RuleCorrelation,
		Name:     "exfil",
		Condition: Condition{Correlation: &CorrelationCondition{
			SubConditions: []SubCondition{
				{EventType: "auth.login_failed", MinCount: 3},
				{EventType: "net.data_transfer", MinVolume: 2.5, VolumeFeature: "bytes_out"},
			},
			Window:      15 * time.Minute,
			CorrelateBy: []string{"tenant_id", "asset_id"},
		}},
		Severity: SeverityCritical,
		Enabled:  true,
	}

	raw, err := json.Marshal(rule)
	require.NoError(t, err)

	var decoded DetectionRule
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NotNil(t, decoded.Condition.Correlation)
	assert.Equal(t, rule.Condition.Correlation, decoded.Condition.Correlation)
	assert.Equal(t, rule.Severity, decoded.Severity)
}

func TestRuleValidate(t *testing.T) {
	valid := &DetectionRule{
		ID:       "rule-1",
		RuleType: RulePattern,
		Condition: Condition{Pattern: &PatternCondition{
			EventTypes: []string{"a", "b"},
			Window:     time.Minute,
		}},
		Severity: SeverityLow,
	}
	assert.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*DetectionRule)
	}{
		{"empty id", func(r *DetectionRule) { r.ID = "" }},
		{"bad severity", func(r *DetectionRule) { r.Severity = "urgent" }},
		{"single pattern step", func(r *DetectionRule) { r.Condition.Pattern.EventTypes = []string{"a"} }},
		{"zero window", func(r *DetectionRule) { r.Condition.Pattern.Window = 0 }},
		{"missing condition", func(r *DetectionRule) { r.Condition.Pattern = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := *valid
			cond := *valid.Condition.Pattern
			rule.Condition = Condition{Pattern: &cond}
			tc.mutate(&rule)
			assert.Error(t, rule.Validate())
		})
	}
}

func TestRuleValidateCorrelationLegs(t *testing.T) {
	rule := &DetectionRule{
		ID:       "rule-1",
		RuleType: RuleCorrelation,
		Condition: Condition{Correlation: &CorrelationCondition{
			SubConditions: []SubCondition{
				{EventType: "a", MinCount: 1},
				{EventType: "b", MinVolume: 2},
			},
			Window: time.Minute,
		}},
		Severity: SeverityLow,
	}
	// min_volume without volume_feature
	assert.Error(t, rule.Validate())

	rule.Condition.Correlation.SubConditions[1].VolumeFeature = "bytes_out"
	assert.NoError(t, rule.Validate())
}

func TestGroupKeyFields(t *testing.T) {
	rule := &DetectionRule{
		RuleType:      RuleCorrelation,
		GroupByFields: []string{"tenant_id"},
		Condition: Condition{Correlation: &CorrelationCondition{
			CorrelateBy: []string{"tenant_id", "asset_id"},
		}},
	}
	assert.Equal(t, []string{"tenant_id", "asset_id"}, rule.GroupKeyFields(),
		"correlate_by overrides rule-level grouping")

	rule.Condition.Correlation.CorrelateBy = nil
	assert.Equal(t, []string{"tenant_id"}, rule.GroupKeyFields())
}

func TestAlertHashDeterministic(t *testing.T) {
	a := AlertHash("rule-1", map[string]string{"tenant_id": "t1", "src_ip": "10.0.0.7"})
	b := AlertHash("rule-1", map[string]string{"src_ip": "10.0.0.7", "tenant_id": "t1"})
	assert.Equal(t, a, b, "hash is independent of map order")
	assert.Len(t, a, 64)

	c := AlertHash("rule-2", map[string]string{"tenant_id": "t1", "src_ip": "10.0.0.7"})
	assert.NotEqual(t, a, c)

	d := AlertHash("rule-1", map[string]string{"tenant_id": "t1", "src_ip": "10.0.0.8"})
	assert.NotEqual(t, a, d)
}

func TestGroupKeyMissingFields(t *testing.T) {
	event := &SecurityEvent{TenantID: "t1", EventType: "x", Severity: SeverityLow}
	key := GroupKey(event, []string{"tenant_id", "src_ip"})
	assert.Equal(t, map[string]string{"tenant_id": "t1", "src_ip": ""}, key,
		"missing fields map to empty values for a stable key")
}
