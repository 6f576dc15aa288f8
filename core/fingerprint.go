package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// AlertHash computes the deterministic deduplication key for a rule firing:
// SHA-256 over the rule id and the sorted group-key field/value pairs.
// Sorting makes the hash independent of map iteration order, so consumers on
// different partitions derive the same key for the same firing.
func AlertHash(ruleID string, groupKey map[string]string) string {
	parts := make([]string, 0, len(groupKey)+1)
	parts = append(parts, ruleID)

	fields := make([]string, 0, len(groupKey))
	for field := range groupKey {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		parts = append(parts, field+"="+groupKey[field])
	}

	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h.Sum(nil))
}

// GroupKey extracts the named fields from an event. Missing fields map to an
// empty value so the key stays stable across events with sparse payloads.
func GroupKey(event *SecurityEvent, fields []string) map[string]string {
	key := make(map[string]string, len(fields))
	for _, field := range fields {
		value, _ := event.Field(field)
		key[field] = value
	}
	return key
}
