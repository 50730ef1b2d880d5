package priority

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/edgeflare/carebus/pkg/event"
)

// Mirror copies an appended emergency record to a channel independent of the
// backbone.
type Mirror interface {
	Mirror(ctx context.Context, rec event.Record) error
	Close() error
}

// MirrorFunc adapts a function to Mirror.
type MirrorFunc func(ctx context.Context, rec event.Record) error

func (f MirrorFunc) Mirror(ctx context.Context, rec event.Record) error { return f(ctx, rec) }

func (MirrorFunc) Close() error { return nil }

// Message is the JSON envelope published on mirror channels.
type Message struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	SchemaVersion int               `json:"schemaVersion"`
	Topic         string            `json:"topic"`
	Partition     int32             `json:"partition"`
	Offset        int64             `json:"offset"`
	Key           string            `json:"key,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

// Encode builds the mirror envelope of rec.
func Encode(rec event.Record) ([]byte, error) {
	return json.Marshal(Message{
		ID:            rec.ID(),
		Type:          rec.Type,
		SchemaVersion: rec.SchemaVersion,
		Topic:         rec.Topic,
		Partition:     rec.Partition,
		Offset:        rec.Offset,
		Key:           string(rec.Key),
		Timestamp:     rec.Timestamp,
		Headers:       rec.Headers,
		Payload:       rec.Payload,
	})
}

// Fanout mirrors to every configured mirror. All mirrors are attempted; the
// errors are joined.
type Fanout []Mirror

func (f Fanout) Mirror(ctx context.Context, rec event.Record) error {
	var errs []error
	for _, m := range f {
		if err := m.Mirror(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, m := range f {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}
