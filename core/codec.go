package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/xeipuuv/gojsonschema"
)

// eventSchema is the wire contract for inbound events. Validation failures
// are MalformedEventError and route the raw payload to the DLQ.
const eventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["tenant_id", "event_type", "severity", "occurred_at"],
  "properties": {
    "event_id": {"type": "string"},
    "tenant_id": {"type": "string", "minLength": 1},
    "asset_id": {"type": "string"},
    "event_type": {"type": "string", "minLength": 1},
    "severity": {"type": "string", "enum": ["critical", "high", "medium", "low", "info"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "source": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"},
    "received_at": {"type": "string", "format": "date-time"},
    "correlation_id": {"type": "string"},
    "payload": {"type": "object"},
    "normalized_features": {
      "type": "object",
      "additionalProperties": {"type": "number"}
    }
  }
}`

// compiled once at init; the schema is a string constant so failure here is
// a programming error
var compiledEventSchema = gojsonschema.NewStringLoader(eventSchema)

// DecodeEvent validates raw JSON against the event schema and unmarshals it.
// A missing event id is assigned here so producers without stable ids still
// get idempotent window membership downstream.
func DecodeEvent(data []byte) (*SecurityEvent, error) {
	result, err := gojsonschema.Validate(compiledEventSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, MalformedEventError(fmt.Sprintf("schema check failed: %v", err))
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return nil, MalformedEventError(strings.Join(reasons, "; "))
	}

	var event SecurityEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, MalformedEventError(fmt.Sprintf("unmarshal failed: %v", err))
	}

	if event.EventID == "" {
		event.EventID = deriveEventID(data)
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = event.OccurredAt
	}

	return &event, nil
}

// EncodeEvent serializes an event to its JSON wire form
func EncodeEvent(event *SecurityEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", event.EventID, err)
	}
	return data, nil
}

// MarshalEventBinary encodes an event in the compact msgpack form used for
// log records
func MarshalEventBinary(event *SecurityEvent) ([]byte, error) {
	data, err := msgpack.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", event.EventID, err)
	}
	return data, nil
}

// UnmarshalEventBinary decodes a msgpack log record back into an event
func UnmarshalEventBinary(data []byte) (*SecurityEvent, error) {
	var event SecurityEvent
	if err := msgpack.Unmarshal(data, &event); err != nil {
		return nil, MalformedEventError(fmt.Sprintf("msgpack unmarshal failed: %v", err))
	}
	return &event, nil
}

// deriveEventID builds a stable id from the raw payload so a producer retry
// of the identical document maps to the same window member
func deriveEventID(data []byte) string {
	return "derived-" + AlertHash("event", map[string]string{"raw": string(data)})[:32]
}
