// Package telemetry models the records pushed by the Lambda Telemetry
// API and their emission form for the OpenObserve ingestion endpoint.
package telemetry

import (
	"encoding/json"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is one element of the JSON array the Lambda runtime posts to
// the receiver. Record is kept opaque: a string for function/extension
// log lines, an object for platform.* events.
// https://docs.aws.amazon.com/lambda/latest/dg/telemetry-api.html#telemetry-api-messages
type Event struct {
	Time      string          `json:"time"`
	Type      string          `json:"type"`
	Record    json.RawMessage `json:"record"`
	RequestID string          `json:"requestId,omitempty"`
}

// TypeFunction and friends are the event types this extension
// subscribes to. platform.* types are passed through without further
// classification.
const (
	TypeFunction            = "function"
	TypeExtension           = "extension"
	TypePlatformRuntimeDone = "platform.runtimeDone"
)

// Record is an Event normalized for emission: the ISO-8601 time field
// becomes integer microseconds since the Unix epoch. Records are
// immutable once built.
type Record struct {
	TimestampMicros int64
	Type            string
	Record          json.RawMessage
	RequestID       string
}

type wireRecord struct {
	Timestamp int64           `json:"_timestamp"`
	Type      string          `json:"type"`
	Record    json.RawMessage `json:"record"`
	RequestID string          `json:"requestId,omitempty"`
}

// MarshalJSON emits the sink form, with _timestamp replacing time.
func (r Record) MarshalJSON() ([]byte, error) {
	return jsonFast.Marshal(wireRecord{
		Timestamp: r.TimestampMicros,
		Type:      r.Type,
		Record:    r.Record,
		RequestID: r.RequestID,
	})
}

// Encode serializes the record once, at enqueue time. The buffer keeps
// the bytes so flushes concatenate instead of re-marshaling.
func (r Record) Encode() ([]byte, error) {
	return jsonFast.Marshal(r)
}

// FromEvent builds a Record from an incoming Event. Unparseable time
// values fall back to now; the second return reports that substitution
// so the caller can count it.
func FromEvent(ev Event, now time.Time) (Record, bool) {
	substituted := false
	ts, err := time.Parse(time.RFC3339Nano, ev.Time)
	if err != nil {
		ts = now
		substituted = true
	}

	return Record{
		TimestampMicros: ts.UnixMicro(),
		Type:            ev.Type,
		Record:          ev.Record,
		RequestID:       ev.RequestID,
	}, substituted
}
