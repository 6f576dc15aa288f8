package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// RuleType discriminates the tagged condition variant of a detection rule
type RuleType string

const (
	RuleThreshold   RuleType = "threshold"
	RulePattern     RuleType = "pattern"
	RuleCorrelation RuleType = "correlation"
	RuleAnomaly     RuleType = "anomaly"
)

// IsValid checks if the rule type is known
func (t RuleType) IsValid() bool {
	switch t {
	case RuleThreshold, RulePattern, RuleCorrelation, RuleAnomaly:
		return true
	default:
		return false
	}
}

// ThresholdCondition fires when matching events in the window reach Count
type ThresholdCondition struct {
	EventType string        `json:"event_type"`
	Window    time.Duration `json:"window"`
	Count     int           `json:"count"`
}

// PatternCondition fires when all event types are observed in order within
// the window for the same group key
type PatternCondition struct {
	EventTypes []string      `json:"event_types"`
	Window     time.Duration `json:"window"`
}

// SubCondition is one leg of a correlation rule. MinVolume, when set, sums
// the named numeric feature across matching events instead of counting them.
type SubCondition struct {
	EventType     string  `json:"event_type"`
	MinCount      int     `json:"min_count,omitempty"`
	MinVolume     float64 `json:"min_volume,omitempty"`
	VolumeFeature string  `json:"volume_feature,omitempty"`
}

// CorrelationCondition fires when every sub-condition holds simultaneously
// within the window for the same correlation key
type CorrelationCondition struct {
	SubConditions []SubCondition `json:"sub_conditions"`
	Window        time.Duration  `json:"window"`
	CorrelateBy   []string       `json:"correlate_by,omitempty"`
}

// AnomalyCondition forwards the named features to an external scorer and
// fires when the returned score reaches ScoreThreshold
type AnomalyCondition struct {
	FeatureKeys    []string `json:"feature_keys"`
	ScoreThreshold float64  `json:"score_threshold"`
}

// Condition is the tagged-variant payload of a rule; exactly one member is
// non-nil, selected by the rule's RuleType.
type Condition struct {
	Threshold   *ThresholdCondition   `json:"-"`
	Pattern     *PatternCondition     `json:"-"`
	Correlation *CorrelationCondition `json:"-"`
	Anomaly     *AnomalyCondition     `json:"-"`
}

// DetectionRule is a tenant-scoped, versioned rule definition. Rules are
// read-only to the engine; a nil TenantID means a global template.
type DetectionRule struct {
	ID                 string            `json:"id"`
	TenantID           string            `json:"tenant_id,omitempty"`
	RuleType           RuleType          `json:"rule_type"`
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Condition          Condition         `json:"condition"`
	Severity           Severity          `json:"severity"`
	Enabled            bool              `json:"enabled"`
	SuppressionWindow  time.Duration     `json:"suppression_window"`
	GroupByFields      []string          `json:"group_by_fields"`
	Policy             *EscalationPolicy `json:"policy,omitempty"`
	FalsePositiveCount int               `json:"false_positive_count"`
	Version            int               `json:"version"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// ruleJSON carries the raw condition across (un)marshalling so the variant
// can be selected by rule_type
type ruleJSON struct {
	ID                 string            `json:"id"`
	TenantID           string            `json:"tenant_id,omitempty"`
	RuleType           RuleType          `json:"rule_type"`
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Condition          json.RawMessage   `json:"condition"`
	Severity           Severity          `json:"severity"`
	Enabled            bool              `json:"enabled"`
	SuppressionWindow  time.Duration     `json:"suppression_window"`
	GroupByFields      []string          `json:"group_by_fields"`
	Policy             *EscalationPolicy `json:"policy,omitempty"`
	FalsePositiveCount int               `json:"false_positive_count"`
	Version            int               `json:"version"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// UnmarshalJSON decodes the condition into the variant named by rule_type.
// Unknown rule types are rejected rather than kept as opaque maps so each
// evaluator works against a concrete payload.
func (r *DetectionRule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.ID = raw.ID
	r.TenantID = raw.TenantID
	r.RuleType = raw.RuleType
	r.Name = raw.Name
	r.Description = raw.Description
	r.Severity = raw.Severity
	r.Enabled = raw.Enabled
	r.SuppressionWindow = raw.SuppressionWindow
	r.GroupByFields = raw.GroupByFields
	r.Policy = raw.Policy
	r.FalsePositiveCount = raw.FalsePositiveCount
	r.Version = raw.Version
	r.CreatedAt = raw.CreatedAt
	r.UpdatedAt = raw.UpdatedAt

	if len(raw.Condition) == 0 {
		return fmt.Errorf("rule %s: condition is required", raw.ID)
	}

	switch raw.RuleType {
	case RuleThreshold:
		var c ThresholdCondition
		if err := json.Unmarshal(raw.Condition, &c); err != nil {
			return fmt.Errorf("rule %s: invalid threshold condition: %w", raw.ID, err)
		}
		r.Condition = Condition{Threshold: &c}
	case RulePattern:
		var c PatternCondition
		if err := json.Unmarshal(raw.Condition, &c); err != nil {
			return fmt.Errorf("rule %s: invalid pattern condition: %w", raw.ID, err)
		}
		r.Condition = Condition{Pattern: &c}
	case RuleCorrelation:
		var c CorrelationCondition
		if err := json.Unmarshal(raw.Condition, &c); err != nil {
			return fmt.Errorf("rule %s: invalid correlation condition: %w", raw.ID, err)
		}
		r.Condition = Condition{Correlation: &c}
	case RuleAnomaly:
		var c AnomalyCondition
		if err := json.Unmarshal(raw.Condition, &c); err != nil {
			return fmt.Errorf("rule %s: invalid anomaly condition: %w", raw.ID, err)
		}
		r.Condition = Condition{Anomaly: &c}
	default:
		return fmt.Errorf("rule %s: unknown rule type %q", raw.ID, raw.RuleType)
	}

	return nil
}

// MarshalJSON emits the active condition variant as a single condition object
func (r DetectionRule) MarshalJSON() ([]byte, error) {
	var cond interface{}
	switch r.RuleType {
	case RuleThreshold:
		cond = r.Condition.Threshold
	case RulePattern:
		cond = r.Condition.Pattern
	case RuleCorrelation:
		cond = r.Condition.Correlation
	case RuleAnomaly:
		cond = r.Condition.Anomaly
	default:
		return nil, fmt.Errorf("rule %s: unknown rule type %q", r.ID, r.RuleType)
	}

	raw, err := json.Marshal(cond)
	if err != nil {
		return nil, err
	}

	return json.Marshal(ruleJSON{
		ID:                 r.ID,
		TenantID:           r.TenantID,
		RuleType:           r.RuleType,
		Name:               r.Name,
		Description:        r.Description,
		Condition:          raw,
		Severity:           r.Severity,
		Enabled:            r.Enabled,
		SuppressionWindow:  r.SuppressionWindow,
		GroupByFields:      r.GroupByFields,
		Policy:             r.Policy,
		FalsePositiveCount: r.FalsePositiveCount,
		Version:            r.Version,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	})
}

// Validate checks that the rule carries exactly the condition its type
// requires and that the condition is internally coherent
func (r *DetectionRule) Validate() error {
	if r == nil {
		return fmt.Errorf("cannot validate nil rule")
	}
	if r.ID == "" {
		return fmt.Errorf("rule id cannot be empty")
	}
	if !r.RuleType.IsValid() {
		return fmt.Errorf("rule %s: unknown rule type %q", r.ID, r.RuleType)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
	}

	switch r.RuleType {
	case RuleThreshold:
		c := r.Condition.Threshold
		if c == nil {
			return fmt.Errorf("rule %s: threshold condition missing", r.ID)
		}
		if c.EventType == "" || c.Count < 1 || c.Window <= 0 {
			return fmt.Errorf("rule %s: threshold condition requires event_type, count >= 1 and a positive window", r.ID)
		}
	case RulePattern:
		c := r.Condition.Pattern
		if c == nil {
			return fmt.Errorf("rule %s: pattern condition missing", r.ID)
		}
		if len(c.EventTypes) < 2 || c.Window <= 0 {
			return fmt.Errorf("rule %s: pattern condition requires at least two event types and a positive window", r.ID)
		}
	case RuleCorrelation:
		c := r.Condition.Correlation
		if c == nil {
			return fmt.Errorf("rule %s: correlation condition missing", r.ID)
		}
		if len(c.SubConditions) < 2 || c.Window <= 0 {
			return fmt.Errorf("rule %s: correlation condition requires at least two sub-conditions and a positive window", r.ID)
		}
		for i, sub := range c.SubConditions {
			if sub.EventType == "" {
				return fmt.Errorf("rule %s: sub-condition %d missing event_type", r.ID, i)
			}
			if sub.MinCount <= 0 && sub.MinVolume <= 0 {
				return fmt.Errorf("rule %s: sub-condition %d requires min_count or min_volume", r.ID, i)
			}
			if sub.MinVolume > 0 && sub.VolumeFeature == "" {
				return fmt.Errorf("rule %s: sub-condition %d uses min_volume without volume_feature", r.ID, i)
			}
		}
	case RuleAnomaly:
		c := r.Condition.Anomaly
		if c == nil {
			return fmt.Errorf("rule %s: anomaly condition missing", r.ID)
		}
		if len(c.FeatureKeys) == 0 || c.ScoreThreshold <= 0 {
			return fmt.Errorf("rule %s: anomaly condition requires feature_keys and a positive score_threshold", r.ID)
		}
	}

	return nil
}

// Window returns the sliding-window length for stateful rule types; anomaly
// rules are stateless and return zero
func (r *DetectionRule) Window() time.Duration {
	switch r.RuleType {
	case RuleThreshold:
		if r.Condition.Threshold != nil {
			return r.Condition.Threshold.Window
		}
	case RulePattern:
		if r.Condition.Pattern != nil {
			return r.Condition.Pattern.Window
		}
	case RuleCorrelation:
		if r.Condition.Correlation != nil {
			return r.Condition.Correlation.Window
		}
	}
	return 0
}

// GroupKeyFields returns the event fields forming the correlation key.
// Correlation rules may override the rule-level grouping with correlate_by.
func (r *DetectionRule) GroupKeyFields() []string {
	if r.RuleType == RuleCorrelation && r.Condition.Correlation != nil && len(r.Condition.Correlation.CorrelateBy) > 0 {
		return r.Condition.Correlation.CorrelateBy
	}
	return r.GroupByFields
}
