package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/broker"
	"github.com/edgeflare/carebus/pkg/consumer"
	"github.com/edgeflare/carebus/pkg/errdefs"
	"github.com/edgeflare/carebus/pkg/event"
	"github.com/edgeflare/carebus/pkg/metrics"
	"github.com/edgeflare/carebus/pkg/partition"
	"github.com/edgeflare/carebus/pkg/retry"
	"github.com/edgeflare/carebus/pkg/topic"
)

// ErrEscalated is wrapped by Send when a record could not be preserved and an
// alert was raised instead.
var ErrEscalated = errors.New("dead-letter routing escalated")

// Alert describes a record the router failed to preserve.
type Alert struct {
	Reason string
	Record event.Record
	Err    error
}

// Alerter raises a fatal operational alert.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, a Alert) error

func (f AlerterFunc) Alert(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogAlerter logs alerts at error level.
type LogAlerter struct {
	Logger *zap.Logger
}

func (l LogAlerter) Alert(_ context.Context, a Alert) error {
	l.Logger.Error("FATAL: dead-letter escalation",
		zap.String("reason", a.Reason),
		zap.String("origin", a.Record.Coordinates()),
		zap.String("eventID", a.Record.ID()),
		zap.Error(a.Err))
	return nil
}

// Archiver stores dead-letter records outside the topic.
type Archiver interface {
	Put(ctx context.Context, r Record) error
}

// Config configures a Router.
type Config struct {
	Topic string       `mapstructure:"topic"`
	Retry retry.Policy `mapstructure:"retry"`
}

// DefaultConfig appends to the catalog's dead-letter topic with the default
// retry policy.
func DefaultConfig() Config {
	return Config{Topic: topic.DeadLetter, Retry: retry.DefaultPolicy()}
}

// Option customizes a Router.
type Option func(*Router)

// WithLogger sets the logger. It also backs the default LogAlerter.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithAlerter replaces the LogAlerter raised on escalation.
func WithAlerter(a Alerter) Option {
	return func(r *Router) { r.alerter = a }
}

// WithArchive also stores every record in a.
func WithArchive(a Archiver) Option {
	return func(r *Router) { r.archive = a }
}

// WithClock sets the clock stamping FailedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// Router implements consumer.DeadLetterRouter.
type Router struct {
	producer    broker.Producer
	spec        topic.Spec
	partitioner *partition.Partitioner
	policy      retry.Policy
	archive     Archiver
	alerter     Alerter
	logger      *zap.Logger
	now         func() time.Time
}

// NewRouter returns a Router appending to cfg.Topic, which must be a
// dead-letter topic in catalog.
func NewRouter(p broker.Producer, catalog *topic.Catalog, cfg Config, opts ...Option) (*Router, error) {
	spec, err := catalog.Get(cfg.Topic)
	if err != nil {
		return nil, errdefs.Validationf("deadLetter.topic", "%q: %v", cfg.Topic, err)
	}
	if spec.Class != topic.ClassDeadLetter {
		return nil, errdefs.Validationf("deadLetter.topic", "%q has class %s, not %s", cfg.Topic, spec.Class, topic.ClassDeadLetter)
	}
	r := &Router{
		producer:    p,
		spec:        spec,
		partitioner: partition.New(),
		policy:      cfg.Retry,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.alerter == nil {
		r.alerter = LogAlerter{Logger: r.logger}
	}
	return r, nil
}

// Topic returns the dead-letter topic name.
func (r *Router) Topic() string { return r.spec.Name }

// NewRecord builds the dead-letter record of rec. Failure times default to
// the router's clock when f leaves them unset.
func (r *Router) NewRecord(rec event.Record, f consumer.Failure) Record {
	now := r.now().UTC()
	dl := Record{
		OriginTopic:     rec.Topic,
		OriginPartition: rec.Partition,
		OriginOffset:    rec.Offset,
		Key:             rec.Key,
		EventID:         rec.Headers[event.HeaderEventID],
		EventType:       rec.Type,
		SchemaVersion:   rec.SchemaVersion,
		Timestamp:       rec.Timestamp,
		Headers:         rec.Headers,
		Group:           f.Group,
		Attempts:        f.Attempts,
		ErrorClass:      errdefs.Class(f.Err),
		FirstFailedAt:   f.FirstFailedAt.UTC(),
		LastFailedAt:    f.LastFailedAt.UTC(),
		FailedAt:        now,
	}
	switch {
	case len(rec.Payload) == 0:
	case json.Valid(rec.Payload):
		dl.Payload = rec.Payload
	default:
		dl.RawPayload = rec.Payload
	}
	if f.FirstFailedAt.IsZero() {
		dl.FirstFailedAt = now
	}
	if f.LastFailedAt.IsZero() {
		dl.LastFailedAt = now
	}
	if f.Err != nil {
		dl.Error = f.Err.Error()
	}
	return dl
}

// Send preserves rec after the failure f. If the record cannot be appended,
// or archived when an archive is configured, within the retry budget, an
// alert is raised and the returned error wraps ErrEscalated.
func (r *Router) Send(ctx context.Context, rec event.Record, f consumer.Failure) error {
	dl := r.NewRecord(rec, f)
	payload, err := json.Marshal(dl)
	if err != nil {
		return r.escalate(ctx, rec, "encode", err)
	}

	key := []byte(dl.ID())
	part, err := r.partitioner.ForSpec(r.spec, key)
	if err != nil {
		return r.escalate(ctx, rec, "partition", err)
	}

	headers := rec.Headers.Clone()
	headers[event.HeaderEventType] = EventType
	headers[event.HeaderSchemaVersion] = "1"
	headers[event.HeaderRetryCount] = strconv.Itoa(f.Attempts)
	headers[HeaderOriginTopic] = rec.Topic
	headers[HeaderOriginPartition] = strconv.Itoa(int(rec.Partition))
	headers[HeaderOriginOffset] = strconv.FormatInt(rec.Offset, 10)
	headers[HeaderErrorClass] = dl.ErrorClass

	ev := event.Event{
		Key:           key,
		Type:          EventType,
		SchemaVersion: 1,
		Payload:       payload,
		Timestamp:     dl.FailedAt,
		Headers:       headers,
	}

	notify := retry.WithNotify(func(err error, attempt int, next time.Duration) {
		r.logger.Warn("dead-letter write failed, retrying", zap.String("origin", dl.ID()),
			zap.Int("attempt", attempt), zap.Duration("retryIn", next), zap.Error(err))
	})

	var appended event.Record
	if _, err := retry.Do(ctx, r.policy, func(ctx context.Context, _ int) error {
		var err error
		appended, err = r.producer.Produce(ctx, r.spec.Name, part, ev)
		return err
	}, notify); err != nil {
		return r.escalate(ctx, rec, "append", err)
	}

	if r.archive != nil {
		if _, err := retry.Do(ctx, r.policy, func(ctx context.Context, _ int) error {
			return r.archive.Put(ctx, dl)
		}, notify); err != nil {
			return r.escalate(ctx, rec, "archive", err)
		}
	}

	r.logger.Info("dead-lettered", zap.String("origin", dl.ID()), zap.String("errorClass", dl.ErrorClass),
		zap.String("group", dl.Group), zap.Int("attempts", dl.Attempts), zap.Int32("partition", appended.Partition), zap.Int64("offset", appended.Offset))
	return nil
}

func (r *Router) escalate(ctx context.Context, rec event.Record, reason string, err error) error {
	metrics.Escalations.WithLabelValues(reason).Inc()
	if aerr := r.alerter.Alert(ctx, Alert{Reason: reason, Record: rec, Err: err}); aerr != nil {
		r.logger.Error("alerter failed", zap.Error(aerr))
	}
	return fmt.Errorf("%w: %s %s: %w", ErrEscalated, reason, rec.Coordinates(), err)
}
