// Package event defines the domain event carried by the backbone and the record
// a consumer receives once the event is appended to a partition.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Well-known header keys.
const (
	HeaderEventID       = "event-id"
	HeaderEventType     = "event-type"
	HeaderSchemaVersion = "schema-version"
	HeaderOrigin        = "origin-service"
	HeaderTraceID       = "trace-id"
	HeaderRetryCount    = "retry-count"
	HeaderReplayedFrom  = "replayed-from"
)

// Headers carries string metadata alongside an event.
type Headers map[string]string

// Clone returns a copy that can be mutated independently.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Event is a single domain occurrence owned by the entity identified by Key.
type Event struct {
	Key           []byte
	Type          string
	SchemaVersion int
	Payload       json.RawMessage
	// Timestamp is producer-supplied, or zero when the topic orders by broker
	// append time. Records always carry the effective timestamp.
	Timestamp time.Time
	Headers   Headers
}

// Record is an event appended to a topic partition.
type Record struct {
	Event
	Topic     string
	Partition int32
	Offset    int64
}

// ID returns the event id header, falling back to the record coordinates.
func (r Record) ID() string {
	if id := r.Headers[HeaderEventID]; id != "" {
		return id
	}
	return r.Coordinates()
}

// Coordinates returns topic/partition/offset, which uniquely identifies a record.
func (r Record) Coordinates() string {
	return fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event: empty payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// RetryCount returns the retry-count header as an int.
func (e Event) RetryCount() int {
	n, _ := strconv.Atoi(e.Headers[HeaderRetryCount])
	return n
}

// InjectTrace writes the W3C trace context of ctx into h.
func InjectTrace(ctx context.Context, h Headers) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(h))
}

// ExtractTrace returns ctx enriched with the trace context carried by h.
func ExtractTrace(ctx context.Context, h Headers) context.Context {
	if len(h) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(h))
}
