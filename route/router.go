// Package route classifies inbound events onto destination streams using an
// ordered table of declarative predicates. Routing is pure: the caller
// publishes to the returned streams.
package route

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sentinel/core"
	"sentinel/metrics"
)

// Operators supported by routing terms
const (
	OpEquals          = "equals"
	OpNotEquals       = "not_equals"
	OpContains        = "contains"
	OpPrefix          = "prefix"
	OpIn              = "in"
	OpSeverityAtLeast = "severity_at_least"
)

// Term is one predicate over an event field; all terms of a rule must match
type Term struct {
	Field  string   `yaml:"field"`
	Op     string   `yaml:"op"`
	Value  string   `yaml:"value,omitempty"`
	Values []string `yaml:"values,omitempty"`
}

// Rule maps a conjunction of terms to one or more destination streams
type Rule struct {
	Name    string   `yaml:"name"`
	Match   []Term   `yaml:"match"`
	Streams []string `yaml:"streams"`
}

// Table is the declarative routing configuration
type Table struct {
	Rules []Rule `yaml:"rules"`
}

// Router applies the table in order. Every event reaches the default stream
// regardless of matches; matched rules add destinations (fan-out).
type Router struct {
	table         Table
	defaultStream string
	logger        *zap.SugaredLogger
}

// NewRouter creates a router over a validated table
func NewRouter(table Table, defaultStream string, logger *zap.SugaredLogger) (*Router, error) {
	if defaultStream == "" {
		defaultStream = core.StreamEvents
	}
	for i, rule := range table.Rules {
		if len(rule.Streams) == 0 {
			return nil, fmt.Errorf("routing rule %d (%s): no destination streams", i, rule.Name)
		}
		for _, term := range rule.Match {
			if err := validateTerm(term); err != nil {
				return nil, fmt.Errorf("routing rule %d (%s): %w", i, rule.Name, err)
			}
		}
	}
	return &Router{table: table, defaultStream: defaultStream, logger: logger}, nil
}

// LoadTable parses a YAML routing table
func LoadTable(data []byte) (Table, error) {
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return Table{}, fmt.Errorf("failed to parse routing table: %w", err)
	}
	return table, nil
}

// Route returns the destination streams for an event. The default stream is
// always first; an event is never dropped.
func (r *Router) Route(event *core.SecurityEvent) []string {
	destinations := []string{r.defaultStream}
	seen := map[string]struct{}{r.defaultStream: {}}

	for _, rule := range r.table.Rules {
		if !r.matches(rule, event) {
			continue
		}
		for _, stream := range rule.Streams {
			if _, dup := seen[stream]; dup {
				continue
			}
			seen[stream] = struct{}{}
			destinations = append(destinations, stream)
		}
	}

	for _, stream := range destinations {
		metrics.EventsRouted.WithLabelValues(stream).Inc()
	}
	return destinations
}

func (r *Router) matches(rule Rule, event *core.SecurityEvent) bool {
	for _, term := range rule.Match {
		if !matchTerm(term, event) {
			return false
		}
	}
	return len(rule.Match) > 0
}

func matchTerm(term Term, event *core.SecurityEvent) bool {
	value, ok := event.Field(term.Field)
	if !ok {
		return false
	}

	switch term.Op {
	case OpEquals:
		return value == term.Value
	case OpNotEquals:
		return value != term.Value
	case OpContains:
		return strings.Contains(value, term.Value)
	case OpPrefix:
		return strings.HasPrefix(value, term.Value)
	case OpIn:
		for _, candidate := range term.Values {
			if value == candidate {
				return true
			}
		}
		return false
	case OpSeverityAtLeast:
		return core.Severity(value).Rank() >= core.Severity(term.Value).Rank()
	default:
		return false
	}
}

func validateTerm(term Term) error {
	if term.Field == "" {
		return fmt.Errorf("term missing field")
	}
	switch term.Op {
	case OpEquals, OpNotEquals, OpContains, OpPrefix:
		if term.Value == "" {
			return fmt.Errorf("operator %s requires value", term.Op)
		}
	case OpIn:
		if len(term.Values) == 0 {
			return fmt.Errorf("operator in requires values")
		}
	case OpSeverityAtLeast:
		if !core.Severity(term.Value).IsValid() {
			return fmt.Errorf("operator severity_at_least requires a valid severity, got %q", term.Value)
		}
	default:
		return fmt.Errorf("unknown operator %q", term.Op)
	}
	return nil
}
