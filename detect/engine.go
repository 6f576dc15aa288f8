package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/state"
	"sentinel/storage"
)

// Candidate is a rule firing before deduplication: the dedup layer decides
// whether it becomes a new alert instance or merges into a live one.
type Candidate struct {
	Rule               *core.DetectionRule
	TenantID           string
	GroupKey           map[string]string
	AlertHash          string
	TriggeringEventIDs []string
	Severity           core.Severity
	Confidence         float64
	ObservedAt         time.Time
}

// EngineConfig tunes the evaluation engine
type EngineConfig struct {
	// MaxConsecutiveFailures disables a rule after this many evaluation
	// errors in a row
	MaxConsecutiveFailures int
	// SeenCacheSize bounds the redelivery fast-path cache
	SeenCacheSize int
	// SeenCacheTTL bounds how long an evaluated (rule, event) pair is
	// remembered
	SeenCacheTTL time.Duration
}

// DefaultEngineConfig returns the production defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConsecutiveFailures: 5,
		SeenCacheSize:          100_000,
		SeenCacheTTL:           10 * time.Minute,
	}
}

// Engine evaluates every enabled rule against each event. A failing rule is
// isolated: its errors never stop the other rules, and after enough
// consecutive failures the rule disables itself.
type Engine struct {
	loader  *Loader
	windows *windowStore
	scorer  Scorer
	rules   storage.RuleStore
	cfg     EngineConfig
	logger  *zap.SugaredLogger

	// seen short-circuits re-evaluation of a (rule, event) pair on
	// redelivery; window membership stays the true idempotence guard, this
	// only skips the state-store round trip
	seen *expirable.LRU[string, struct{}]

	mu       sync.Mutex
	failures map[string]int
}

// NewEngine creates an evaluation engine
func NewEngine(loader *Loader, windows state.Store, scorer Scorer, rules storage.RuleStore, cfg EngineConfig, logger *zap.SugaredLogger) *Engine {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = 100_000
	}
	if cfg.SeenCacheTTL <= 0 {
		cfg.SeenCacheTTL = 10 * time.Minute
	}
	if scorer == nil {
		scorer = MeanScorer{}
	}
	return &Engine{
		loader:   loader,
		windows:  &windowStore{store: windows},
		scorer:   scorer,
		rules:    rules,
		cfg:      cfg,
		logger:   logger,
		seen:     expirable.NewLRU[string, struct{}](cfg.SeenCacheSize, nil, cfg.SeenCacheTTL),
		failures: make(map[string]int),
	}
}

// HandleEvent evaluates all applicable rules against one event and returns
// the candidates that fired. A transient state-store failure aborts the
// whole evaluation so the message is redelivered; per-rule logic errors are
// swallowed after isolation bookkeeping.
func (e *Engine) HandleEvent(ctx context.Context, event *core.SecurityEvent) ([]*Candidate, error) {
	started := time.Now()
	defer func() {
		metrics.RuleEvaluationDuration.Observe(time.Since(started).Seconds())
	}()

	var candidates []*Candidate
	for _, rule := range e.loader.Rules() {
		if rule.TenantID != "" && rule.TenantID != event.TenantID {
			continue
		}

		candidate, err := e.evaluateRule(ctx, rule, event)
		switch {
		case err == nil:
			e.clearFailures(rule.ID)
			outcome := "no_match"
			if candidate != nil {
				outcome = "match"
				candidates = append(candidates, candidate)
			}
			metrics.RuleEvaluations.WithLabelValues(string(rule.RuleType), outcome).Inc()

		case core.IsTransient(err):
			// infrastructure, not the rule; redeliver the event
			return nil, err

		default:
			metrics.RuleEvaluations.WithLabelValues(string(rule.RuleType), "error").Inc()
			if ops := e.recordFailure(ctx, rule, core.RuleEvaluationError(rule.ID, err)); ops != nil {
				candidates = append(candidates, ops)
			}
		}
	}
	return candidates, nil
}

// evaluateRule runs one rule against one event
func (e *Engine) evaluateRule(ctx context.Context, rule *core.DetectionRule, event *core.SecurityEvent) (*Candidate, error) {
	if !e.applies(rule, event) {
		return nil, nil
	}

	seenKey := rule.ID + "|" + event.EventID
	if rule.RuleType != core.RuleAnomaly {
		if _, dup := e.seen.Get(seenKey); dup {
			return nil, nil
		}
	}

	groupKey := core.GroupKey(event, rule.GroupKeyFields())
	alertHash := core.AlertHash(rule.ID, groupKey)

	var fired *firing
	var err error
	if rule.RuleType == core.RuleAnomaly {
		fired, err = e.scoreAnomaly(ctx, rule, event)
	} else {
		member := windowMember{
			EventID:    event.EventID,
			EventType:  event.EventType,
			OccurredAt: event.OccurredAt,
			Confidence: event.Confidence,
			Features:   volumeFeatures(rule, event),
		}
		fired, err = e.windows.update(ctx, rule, alertHash, member)
	}
	if err != nil {
		return nil, err
	}

	e.seen.Add(seenKey, struct{}{})
	if fired == nil {
		return nil, nil
	}

	confidence := fired.confidence
	if confidence == 0 {
		confidence = 1
	}

	return &Candidate{
		Rule:               rule,
		TenantID:           event.TenantID,
		GroupKey:           groupKey,
		AlertHash:          alertHash,
		TriggeringEventIDs: fired.eventIDs,
		Severity:           rule.Severity,
		Confidence:         confidence,
		ObservedAt:         event.OccurredAt,
	}, nil
}

// applies filters events that can never advance the rule's condition, so
// unrelated traffic does not touch window state
func (e *Engine) applies(rule *core.DetectionRule, event *core.SecurityEvent) bool {
	switch rule.RuleType {
	case core.RuleThreshold:
		return event.EventType == rule.Condition.Threshold.EventType
	case core.RulePattern:
		for _, t := range rule.Condition.Pattern.EventTypes {
			if event.EventType == t {
				return true
			}
		}
		return false
	case core.RuleCorrelation:
		for _, sub := range rule.Condition.Correlation.SubConditions {
			if event.EventType == sub.EventType {
				return true
			}
		}
		return false
	case core.RuleAnomaly:
		return len(event.NormalizedFeatures) > 0
	default:
		return false
	}
}

// scoreAnomaly runs the stateless anomaly path: select the rule's features
// from the event and compare the score against the threshold
func (e *Engine) scoreAnomaly(ctx context.Context, rule *core.DetectionRule, event *core.SecurityEvent) (*firing, error) {
	cond := rule.Condition.Anomaly
	features := make(map[string]float64, len(cond.FeatureKeys))
	for _, key := range cond.FeatureKeys {
		value, ok := event.NormalizedFeatures[key]
		if !ok {
			// an event without the rule's features is out of scope, not an error
			return nil, nil
		}
		features[key] = value
	}

	score, err := e.scorer.Score(ctx, features)
	if err != nil {
		return nil, fmt.Errorf("scorer: %w", err)
	}
	if score < cond.ScoreThreshold {
		return nil, nil
	}

	confidence := event.Confidence
	if confidence == 0 {
		confidence = score
	}
	return &firing{eventIDs: []string{event.EventID}, confidence: confidence}, nil
}

// volumeFeatures extracts the numeric features a correlation rule sums, so
// window members stay small
func volumeFeatures(rule *core.DetectionRule, event *core.SecurityEvent) map[string]float64 {
	if rule.RuleType != core.RuleCorrelation || len(event.NormalizedFeatures) == 0 {
		return nil
	}
	var features map[string]float64
	for _, sub := range rule.Condition.Correlation.SubConditions {
		if sub.VolumeFeature == "" {
			continue
		}
		if value, ok := event.NormalizedFeatures[sub.VolumeFeature]; ok {
			if features == nil {
				features = make(map[string]float64)
			}
			features[sub.VolumeFeature] = value
		}
	}
	return features
}

func (e *Engine) clearFailures(ruleID string) {
	e.mu.Lock()
	delete(e.failures, ruleID)
	e.mu.Unlock()
}

// opsRuleAutoDisabled identifies the synthetic alert raised when a rule
// disables itself, so operators hear about it through the normal alert flow
// instead of only a log line
var opsRuleAutoDisabled = &core.DetectionRule{
	ID:       "ops.rule_auto_disabled",
	Name:     "detection rule auto-disabled",
	Severity: core.SeverityHigh,
}

// recordFailure tracks consecutive evaluation errors and disables the rule
// once the limit is hit, returning the operational candidate for the
// disablement. Disabling is itself best-effort: a store failure here just
// leaves the rule for the next trip over the limit.
func (e *Engine) recordFailure(ctx context.Context, rule *core.DetectionRule, err error) *Candidate {
	e.mu.Lock()
	e.failures[rule.ID]++
	count := e.failures[rule.ID]
	e.mu.Unlock()

	e.logger.Warnw("Rule evaluation failed",
		"rule_id", rule.ID, "consecutive_failures", count, "error", err)

	if count < e.cfg.MaxConsecutiveFailures {
		return nil
	}

	if disableErr := e.rules.SetEnabled(ctx, rule.ID, false); disableErr != nil {
		e.logger.Errorw("Failed to disable faulty rule", "rule_id", rule.ID, "error", disableErr)
		return nil
	}

	metrics.RulesAutoDisabled.Inc()
	e.clearFailures(rule.ID)
	e.logger.Errorw("Rule disabled after consecutive evaluation failures",
		"rule_id", rule.ID, "failures", count)

	// drop it from the snapshot immediately rather than waiting a poll cycle
	if reloadErr := e.loader.Reload(ctx); reloadErr != nil {
		e.logger.Warnw("Rule reload after disable failed", "error", reloadErr)
	}

	groupKey := map[string]string{"rule_id": rule.ID}
	return &Candidate{
		Rule:       opsRuleAutoDisabled,
		TenantID:   rule.TenantID,
		GroupKey:   groupKey,
		AlertHash:  core.AlertHash(opsRuleAutoDisabled.ID, groupKey),
		Severity:   opsRuleAutoDisabled.Severity,
		Confidence: 1,
		ObservedAt: time.Now().UTC(),
	}
}
