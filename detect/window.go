// Package detect evaluates detection rules against the event flow. Window
// state lives in the shared state store keyed by rule and group so consumers
// on different partitions converge on the same windows; all updates go
// through compare-and-swap with bounded retries.
package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/state"
)

// casRetries bounds the read-modify-write loop on a contended window
const casRetries = 5

// windowMember is one event admitted to a rule window. Membership is keyed
// by event id, so a redelivered event never counts twice.
type windowMember struct {
	EventID    string             `json:"id"`
	EventType  string             `json:"t"`
	OccurredAt time.Time          `json:"at"`
	Confidence float64            `json:"c,omitempty"`
	Features   map[string]float64 `json:"f,omitempty"`
}

// windowState is the persisted window for one (rule, group key) pair
type windowState struct {
	Members []windowMember `json:"m"`
}

func windowKey(ruleID, groupHash string) string {
	return fmt.Sprintf("win:%s:%s", ruleID, groupHash)
}

// windowStore wraps the state store with the window codec and CAS loop
type windowStore struct {
	store state.Store
}

// firing is a successful evaluation: the member ids that satisfied the
// condition and the highest confidence among them
type firing struct {
	eventIDs   []string
	confidence float64
}

// update admits the event into the rule's window and evaluates the
// condition. It returns nil when the condition did not fire. Threshold and
// correlation windows keep their members across a firing, so every further
// match re-fires and the dedup layer merges it into the live alert; a
// matched pattern sequence is consumed and its window cleared.
func (ws *windowStore) update(ctx context.Context, rule *core.DetectionRule, groupHash string, member windowMember) (*firing, error) {
	key := windowKey(rule.ID, groupHash)
	window := rule.Window()
	// the key must outlive the sliding window so a slow stream cannot lose
	// members to TTL expiry mid-window
	ttl := 2 * window

	for attempt := 0; attempt < casRetries; attempt++ {
		entry, exists, err := ws.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		var st windowState
		var version uint64
		if exists {
			if err := json.Unmarshal(entry.Value, &st); err != nil {
				return nil, fmt.Errorf("corrupt window state %s: %w", key, err)
			}
			version = entry.Version
		}

		changed := prune(&st, member.OccurredAt.Add(-window))
		if admit(&st, member) {
			changed = true
		}

		fired := evaluate(rule, &st)
		if fired != nil && rule.RuleType == core.RulePattern {
			st.Members = nil
			changed = true
		}

		if !changed {
			return nil, nil
		}

		payload, err := json.Marshal(&st)
		if err != nil {
			return nil, fmt.Errorf("failed to encode window state %s: %w", key, err)
		}

		if _, err := ws.store.CompareAndSwap(ctx, key, payload, version, ttl); err != nil {
			if errors.Is(err, state.ErrConflict) {
				continue
			}
			return nil, err
		}

		metrics.WindowMembers.WithLabelValues(string(rule.RuleType)).Set(float64(len(st.Members)))
		return fired, nil
	}

	return nil, core.TransientIOError("window update", fmt.Errorf("cas retries exhausted for %s", key))
}

// prune drops members that fell out of the sliding window
func prune(st *windowState, cutoff time.Time) bool {
	kept := st.Members[:0]
	for _, m := range st.Members {
		if !m.OccurredAt.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	changed := len(kept) != len(st.Members)
	st.Members = kept
	return changed
}

// admit appends the member unless its event id is already present, evicting
// the oldest member once the cap is reached
func admit(st *windowState, member windowMember) bool {
	for _, m := range st.Members {
		if m.EventID == member.EventID {
			return false
		}
	}
	st.Members = append(st.Members, member)
	if len(st.Members) > core.MaxWindowMembers {
		sortMembers(st.Members)
		st.Members = st.Members[len(st.Members)-core.MaxWindowMembers:]
	}
	return true
}

// sortMembers orders by occurrence time, breaking ties on event id so the
// order is deterministic across consumers
func sortMembers(members []windowMember) {
	sort.Slice(members, func(i, j int) bool {
		if !members[i].OccurredAt.Equal(members[j].OccurredAt) {
			return members[i].OccurredAt.Before(members[j].OccurredAt)
		}
		return members[i].EventID < members[j].EventID
	})
}

// evaluate checks the rule condition against the current window
func evaluate(rule *core.DetectionRule, st *windowState) *firing {
	switch rule.RuleType {
	case core.RuleThreshold:
		return evaluateThreshold(rule.Condition.Threshold, st)
	case core.RulePattern:
		return evaluatePattern(rule.Condition.Pattern, st)
	case core.RuleCorrelation:
		return evaluateCorrelation(rule.Condition.Correlation, st)
	default:
		return nil
	}
}

func evaluateThreshold(cond *core.ThresholdCondition, st *windowState) *firing {
	count := 0
	for _, m := range st.Members {
		if m.EventType == cond.EventType {
			count++
		}
	}
	if count < cond.Count {
		return nil
	}
	return collect(st.Members, func(m windowMember) bool { return m.EventType == cond.EventType })
}

// evaluatePattern requires every event type to appear in the declared order.
// Members are sorted by occurrence time with event id as the tie-break, so
// simultaneous events resolve the same way everywhere.
func evaluatePattern(cond *core.PatternCondition, st *windowState) *firing {
	ordered := make([]windowMember, len(st.Members))
	copy(ordered, st.Members)
	sortMembers(ordered)

	matched := make([]windowMember, 0, len(cond.EventTypes))
	next := 0
	for _, m := range ordered {
		if next >= len(cond.EventTypes) {
			break
		}
		if m.EventType == cond.EventTypes[next] {
			matched = append(matched, m)
			next++
		}
	}
	if next < len(cond.EventTypes) {
		return nil
	}

	f := &firing{}
	for _, m := range matched {
		f.eventIDs = append(f.eventIDs, m.EventID)
		if m.Confidence > f.confidence {
			f.confidence = m.Confidence
		}
	}
	return f
}

// evaluateCorrelation requires every sub-condition to hold at once: counts
// reach min_count and, where set, the summed volume feature reaches
// min_volume
func evaluateCorrelation(cond *core.CorrelationCondition, st *windowState) *firing {
	for _, sub := range cond.SubConditions {
		count := 0
		volume := 0.0
		for _, m := range st.Members {
			if m.EventType != sub.EventType {
				continue
			}
			count++
			if sub.VolumeFeature != "" {
				volume += m.Features[sub.VolumeFeature]
			}
		}
		if sub.MinCount > 0 && count < sub.MinCount {
			return nil
		}
		if sub.MinVolume > 0 && volume < sub.MinVolume {
			return nil
		}
	}

	types := make(map[string]struct{}, len(cond.SubConditions))
	for _, sub := range cond.SubConditions {
		types[sub.EventType] = struct{}{}
	}
	return collect(st.Members, func(m windowMember) bool {
		_, ok := types[m.EventType]
		return ok
	})
}

func collect(members []windowMember, match func(windowMember) bool) *firing {
	f := &firing{}
	for _, m := range members {
		if !match(m) {
			continue
		}
		f.eventIDs = append(f.eventIDs, m.EventID)
		if m.Confidence > f.confidence {
			f.confidence = m.Confidence
		}
	}
	return f
}
