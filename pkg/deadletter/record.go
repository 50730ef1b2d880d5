// Package deadletter preserves events consumers could not process.
//
// A Router appends a dead-letter record, keyed by the origin coordinates, to
// the dead-letter topic and optionally archives it in PostgreSQL so it
// outlives the topic's retention. Operators inspect records with Subscribe or
// the Archive and re-publish corrected events with a Replayer.
package deadletter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgeflare/carebus/pkg/event"
)

// EventType is the type of dead-letter events.
const EventType = "carebus.deadletter"

// Headers set on dead-letter events, besides the origin headers.
const (
	HeaderOriginTopic     = "origin-topic"
	HeaderOriginPartition = "origin-partition"
	HeaderOriginOffset    = "origin-offset"
	HeaderErrorClass      = "error-class"
)

// Record is the payload of a dead-letter event. It carries the failed event
// verbatim along with why and where it failed. A payload that is not valid
// JSON is kept byte for byte in RawPayload and Payload is left empty.
type Record struct {
	OriginTopic     string          `json:"originTopic"`
	OriginPartition int32           `json:"originPartition"`
	OriginOffset    int64           `json:"originOffset"`
	Key             []byte          `json:"key,omitempty"`
	EventID         string          `json:"eventId,omitempty"`
	EventType       string          `json:"eventType"`
	SchemaVersion   int             `json:"schemaVersion"`
	Timestamp       time.Time       `json:"timestamp"`
	Headers         event.Headers   `json:"headers,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	RawPayload      []byte          `json:"rawPayload,omitempty"`
	Group           string          `json:"group,omitempty"`
	Attempts        int             `json:"attempts"`
	ErrorClass      string          `json:"errorClass"`
	Error           string          `json:"error"`
	FirstFailedAt   time.Time       `json:"firstFailedAt"`
	LastFailedAt    time.Time       `json:"lastFailedAt"`
	FailedAt        time.Time       `json:"failedAt"`
}

// OriginalPayload returns the failed event's payload as it was consumed.
func (r Record) OriginalPayload() []byte {
	if len(r.RawPayload) > 0 {
		return r.RawPayload
	}
	return r.Payload
}

// ID is the origin coordinates, which identify a dead-letter record across
// redeliveries of the same event.
func (r Record) ID() string {
	return fmt.Sprintf("%s/%d/%d", r.OriginTopic, r.OriginPartition, r.OriginOffset)
}

// Decode reads the dead-letter record carried by rec.
func Decode(rec event.Record) (Record, error) {
	if rec.Type != "" && rec.Type != EventType {
		return Record{}, fmt.Errorf("deadletter: %s carries %q, not a dead-letter record", rec.Coordinates(), rec.Type)
	}
	var r Record
	if err := rec.Decode(&r); err != nil {
		return Record{}, fmt.Errorf("deadletter: decode %s: %w", rec.Coordinates(), err)
	}
	return r, nil
}
