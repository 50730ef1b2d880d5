// Package producer publishes domain events onto catalog topics.
//
// A publish is validated before anything is sent: the topic must be in the
// catalog, the payload must conform to its registered schema and keyed topics
// must receive a key. Transient broker failures are retried within the
// configured budget; once Publish returns an error the event must be treated
// as not written.
package producer

import (
	"context"
	"errors"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/broker"
	"github.com/edgeflare/carebus/pkg/errdefs"
	"github.com/edgeflare/carebus/pkg/event"
	"github.com/edgeflare/carebus/pkg/metrics"
	"github.com/edgeflare/carebus/pkg/partition"
	"github.com/edgeflare/carebus/pkg/priority"
	"github.com/edgeflare/carebus/pkg/retry"
	"github.com/edgeflare/carebus/pkg/topic"
)

const tracerName = "github.com/edgeflare/carebus/pkg/producer"

// Validator checks a payload against a registered schema version.
type Validator interface {
	Validate(ctx context.Context, eventType string, version int, payload []byte) error
}

// Config configures a Producer.
type Config struct {
	// Service is written to the origin-service header.
	Service string `mapstructure:"service"`
	// Timeout bounds a whole publish, retries included.
	Timeout time.Duration `mapstructure:"timeout"`
	Retry   retry.Policy  `mapstructure:"retry"`
}

// DefaultConfig publishes as the carebus service with a ten second budget.
func DefaultConfig() Config {
	return Config{
		Service: "carebus",
		Timeout: 10 * time.Second,
		Retry:   retry.DefaultPolicy(),
	}
}

// Option customizes a Producer.
type Option func(*Producer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Producer) { p.logger = logger }
}

// WithMirror sets the independent channel emergency records are copied to.
func WithMirror(m priority.Mirror) Option {
	return func(p *Producer) { p.mirror = m }
}

// WithClock overrides the clock used for producer-ordered timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Producer) { p.now = now }
}

// Producer is safe for concurrent use.
type Producer struct {
	broker      broker.Producer
	catalog     *topic.Catalog
	schemas     Validator
	partitioner *partition.Partitioner
	mirror      priority.Mirror
	cfg         Config
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// New returns a Producer writing through b.
func New(b broker.Producer, catalog *topic.Catalog, schemas Validator, cfg Config, opts ...Option) *Producer {
	p := &Producer{
		broker:      b,
		catalog:     catalog,
		schemas:     schemas,
		partitioner: partition.New(),
		cfg:         cfg,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type publishOptions struct {
	headers   event.Headers
	eventID   string
	timestamp time.Time
}

// PublishOption customizes a single publish.
type PublishOption func(*publishOptions)

// WithHeaders adds headers. Reserved headers set by the producer win.
func WithHeaders(h map[string]string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = event.Headers{}
		}
		maps.Copy(o.headers, h)
	}
}

// WithEventID sets the event id instead of generating one.
func WithEventID(id string) PublishOption {
	return func(o *publishOptions) { o.eventID = id }
}

// WithTimestamp sets the event time on producer-ordered topics. It is ignored
// on append-ordered topics.
func WithTimestamp(t time.Time) PublishOption {
	return func(o *publishOptions) { o.timestamp = t }
}

// Publish validates and appends an event, returning the appended record once
// the broker acknowledged it durably.
func (p *Producer) Publish(ctx context.Context, topicName string, key []byte, eventType string, payload []byte, schemaVersion int, opts ...PublishOption) (event.Record, error) {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	spec, err := p.check(ctx, topicName, key, eventType, payload, schemaVersion)
	if err != nil {
		metrics.PublishFailures.WithLabelValues(topicName, errdefs.Class(err)).Inc()
		return event.Record{}, err
	}

	part, err := p.partitioner.ForSpec(spec, key)
	if err != nil {
		return event.Record{}, err
	}

	ctx, span := p.tracer.Start(ctx, "publish "+topicName,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topicName),
			attribute.Int("messaging.destination.partition.id", int(part)),
			attribute.String("carebus.event_type", eventType),
		))
	defer span.End()

	ev := p.build(ctx, spec, key, eventType, payload, schemaVersion, o)

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	var rec event.Record
	attempts, err := retry.Do(ctx, p.cfg.Retry, func(ctx context.Context, attempt int) error {
		var err error
		rec, err = p.broker.Produce(ctx, topicName, part, ev)
		return err
	},
		retry.WithRetryable(broker.IsTransient),
		retry.WithNotify(func(err error, attempt int, next time.Duration) {
			p.logger.Warn("publish attempt failed",
				zap.String("topic", topicName), zap.Int32("partition", part),
				zap.Int("attempt", attempt), zap.Duration("retryIn", next), zap.Error(err))
		}),
	)
	metrics.PublishDuration.WithLabelValues(topicName).Observe(time.Since(start).Seconds())

	if err != nil {
		if !errdefs.IsUnavailable(err) {
			err = &errdefs.PublishFailedError{Topic: topicName, Attempts: attempts, Err: err}
		}
		metrics.PublishFailures.WithLabelValues(topicName, errdefs.Class(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		p.logger.Error("publish failed", zap.String("topic", topicName), zap.Int32("partition", part),
			zap.Int("attempts", attempts), zap.Error(err))
		return event.Record{}, err
	}

	metrics.Published.WithLabelValues(topicName).Inc()
	span.SetAttributes(attribute.Int64("messaging.kafka.offset", rec.Offset))
	p.logger.Debug("published", zap.String("topic", topicName), zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset), zap.Int("keyLen", len(key)))

	if spec.Class == topic.ClassEmergency {
		p.mirrorRecord(ctx, rec)
	}
	return rec, nil
}

func (p *Producer) check(ctx context.Context, topicName string, key []byte, eventType string, payload []byte, schemaVersion int) (topic.Spec, error) {
	spec, err := p.catalog.Get(topicName)
	if errors.Is(err, topic.ErrUnknownTopic) {
		return topic.Spec{}, errdefs.Validationf("topic", "%q is not in the catalog", topicName)
	}
	if err != nil {
		return topic.Spec{}, err
	}
	if eventType == "" {
		return topic.Spec{}, errdefs.Validationf("eventType", "must not be empty")
	}
	if schemaVersion < 1 {
		return topic.Spec{}, errdefs.Validationf("schemaVersion", "must be >= 1, got %d", schemaVersion)
	}
	if spec.RequiresKey() && len(key) == 0 {
		return topic.Spec{}, &errdefs.MissingKeyError{Topic: topicName}
	}
	if err := p.schemas.Validate(ctx, eventType, schemaVersion, payload); err != nil {
		return topic.Spec{}, err
	}
	return spec, nil
}

func (p *Producer) build(ctx context.Context, spec topic.Spec, key []byte, eventType string, payload []byte, schemaVersion int, o publishOptions) event.Event {
	headers := o.headers.Clone()
	id := o.eventID
	if id == "" {
		id = uuid.NewString()
	}
	headers[event.HeaderEventID] = id
	headers[event.HeaderEventType] = eventType
	headers[event.HeaderSchemaVersion] = strconv.Itoa(schemaVersion)
	headers[event.HeaderOrigin] = p.cfg.Service
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		headers[event.HeaderTraceID] = sc.TraceID().String()
	}
	event.InjectTrace(ctx, headers)

	ev := event.Event{
		Key:           key,
		Type:          eventType,
		SchemaVersion: schemaVersion,
		Payload:       payload,
		Headers:       headers,
	}
	if !spec.AppendTimeOrdered() {
		ev.Timestamp = o.timestamp
		if ev.Timestamp.IsZero() {
			ev.Timestamp = p.now()
		}
	}
	return ev
}

// mirrorRecord copies an emergency record to the priority mirror. Failures are
// logged and counted; the primary append already succeeded.
func (p *Producer) mirrorRecord(ctx context.Context, rec event.Record) {
	if p.mirror == nil {
		return
	}
	if err := p.mirror.Mirror(ctx, rec); err != nil {
		metrics.MirrorErrors.WithLabelValues("priority").Inc()
		p.logger.Error("priority mirror failed", zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition), zap.Int64("offset", rec.Offset), zap.Error(err))
	}
}
