package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"maps"

	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/errdefs"
	"github.com/edgeflare/carebus/pkg/event"
	"github.com/edgeflare/carebus/pkg/producer"
)

// Publisher is the producer surface a Replayer needs.
type Publisher interface {
	Publish(ctx context.Context, topicName string, key []byte, eventType string, payload []byte, schemaVersion int, opts ...producer.PublishOption) (event.Record, error)
}

// Resolver marks archived records as handled.
type Resolver interface {
	MarkResolved(ctx context.Context, id, operator string) error
}

// Replayer re-publishes dead-lettered events onto their origin topic.
type Replayer struct {
	publisher Publisher
	resolver  Resolver
	operator  string
	logger    *zap.Logger
}

// NewReplayer returns a Replayer. resolver may be nil; otherwise replayed
// records are marked resolved by operator.
func NewReplayer(p Publisher, resolver Resolver, operator string, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if operator == "" {
		operator = "replay"
	}
	return &Replayer{publisher: p, resolver: resolver, operator: operator, logger: logger}
}

// reserved headers are regenerated by the producer on replay.
var reserved = []string{
	event.HeaderEventID, event.HeaderEventType, event.HeaderSchemaVersion,
	event.HeaderOrigin, event.HeaderRetryCount, event.HeaderReplayedFrom,
	"traceparent", "tracestate", event.HeaderTraceID,
}

// Resubmit publishes r as a new event on its origin topic through the normal
// producer path, so the corrected payload is fully validated. A nil corrected
// payload replays the original. The new event carries a replayed-from header
// naming the origin coordinates.
func (rp *Replayer) Resubmit(ctx context.Context, r Record, corrected json.RawMessage) (event.Record, error) {
	if r.OriginTopic == "" {
		return event.Record{}, errdefs.Validationf("originTopic", "dead-letter record has no origin")
	}
	payload := json.RawMessage(r.OriginalPayload())
	if corrected != nil {
		payload = corrected
	}

	headers := maps.Clone(map[string]string(r.Headers))
	if headers == nil {
		headers = map[string]string{}
	}
	for _, k := range reserved {
		delete(headers, k)
	}
	headers[event.HeaderReplayedFrom] = r.ID()

	rec, err := rp.publisher.Publish(ctx, r.OriginTopic, r.Key, r.EventType, payload, r.SchemaVersion,
		producer.WithHeaders(headers))
	if err != nil {
		return event.Record{}, err
	}
	rp.logger.Info("replayed", zap.String("from", r.ID()), zap.String("to", rec.Coordinates()))

	if rp.resolver != nil {
		if err := rp.resolver.MarkResolved(ctx, r.ID(), rp.operator); err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAlreadyResolved) {
			return rec, err
		}
	}
	return rec, nil
}
