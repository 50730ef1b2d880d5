// Package consumer reads catalog topics as a member of a consumer group.
//
// Processing is at-least-once: offsets are committed only after every record
// before them in the partition was handled, so a crash redelivers the tail of
// the last batch. A failing record is retried locally, then handed to the
// dead-letter router and skipped, so one poison event never stalls a
// partition. If the router itself gives up, the batch stops uncommitted and
// Run returns the error.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/broker"
	"github.com/edgeflare/carebus/pkg/errdefs"
	"github.com/edgeflare/carebus/pkg/event"
	"github.com/edgeflare/carebus/pkg/metrics"
	"github.com/edgeflare/carebus/pkg/retry"
)

const tracerName = "github.com/edgeflare/carebus/pkg/consumer"

// Handler processes one record. A nil return marks it processed.
type Handler func(ctx context.Context, rec event.Record) error

// Failure describes why and when a record exhausted its processing attempts.
type Failure struct {
	Group         string
	Attempts      int
	FirstFailedAt time.Time
	LastFailedAt  time.Time
	Err           error
}

// DeadLetterRouter preserves a record whose processing failed.
type DeadLetterRouter interface {
	Send(ctx context.Context, rec event.Record, f Failure) error
}

// SubscriptionGuard vets a group's subscription before it joins.
type SubscriptionGuard interface {
	Check(group string, topics []string) error
}

// Config configures a Consumer.
type Config struct {
	Group     string       `mapstructure:"group"`
	Topics    []string     `mapstructure:"topics"`
	BatchSize int          `mapstructure:"batchSize"`
	Retry     retry.Policy `mapstructure:"retry"`
}

// DefaultConfig returns batches of 100 records and the default retry policy.
func DefaultConfig() Config {
	return Config{BatchSize: 100, Retry: retry.DefaultPolicy()}
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger; the group id is added to every entry.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) { c.logger = logger }
}

// WithDeadLetter routes records that exhausted their retries.
func WithDeadLetter(r DeadLetterRouter) Option {
	return func(c *Consumer) { c.deadLetter = r }
}

// WithDeduper skips records already processed by this group.
func WithDeduper(d Deduper) Option {
	return func(c *Consumer) { c.deduper = d }
}

// WithGuard rejects subscriptions the guard refuses.
func WithGuard(g SubscriptionGuard) Option {
	return func(c *Consumer) { c.guard = g }
}

// Consumer is one group member. Poll, Commit and Run must not be called
// concurrently.
type Consumer struct {
	cfg        Config
	member     broker.Member
	deadLetter DeadLetterRouter
	deduper    Deduper
	guard      SubscriptionGuard
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New joins cfg.Group on the broker.
func New(ctx context.Context, b broker.Grouper, cfg Config, opts ...Option) (*Consumer, error) {
	c := &Consumer{cfg: cfg, logger: zap.NewNop(), tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.Group == "" {
		return nil, errdefs.Validationf("group", "must not be empty")
	}
	if len(cfg.Topics) == 0 {
		return nil, errdefs.Validationf("topics", "group %q subscribes to no topic", cfg.Group)
	}
	if c.cfg.BatchSize <= 0 {
		c.cfg.BatchSize = DefaultConfig().BatchSize
	}
	if c.guard != nil {
		if err := c.guard.Check(cfg.Group, cfg.Topics); err != nil {
			return nil, err
		}
	}

	m, err := b.JoinGroup(ctx, cfg.Group, cfg.Topics)
	if err != nil {
		return nil, fmt.Errorf("join group %q: %w", cfg.Group, err)
	}
	c.member = m
	c.logger = c.logger.With(zap.String("group", cfg.Group))
	c.logger.Info("joined group", zap.Strings("topics", cfg.Topics))
	return c, nil
}

// Group returns the group id.
func (c *Consumer) Group() string { return c.cfg.Group }

// Assignment returns the partitions currently owned by this member.
func (c *Consumer) Assignment() map[string][]int32 { return c.member.Assignment() }

// Poll returns the next batch, blocking until records arrive or ctx is done.
func (c *Consumer) Poll(ctx context.Context) ([]event.Record, error) {
	return c.member.Poll(ctx, c.cfg.BatchSize)
}

// Commit stores next-offsets for owned partitions.
func (c *Consumer) Commit(ctx context.Context, offsets []broker.Offset) error {
	return c.member.Commit(ctx, offsets)
}

// Run polls and handles batches until ctx is canceled or a batch cannot be
// completed. On cancellation a batch already polled is finished and committed,
// and Run returns nil. After an error the consumer must be closed; a new
// member resumes from the last commit.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		batch, err := c.Poll(ctx)
		if len(batch) > 0 {
			if err := c.Process(context.WithoutCancel(ctx), batch, handler); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
	}
}

type partitionKey struct {
	topic     string
	partition int32
}

// Process handles batch in order and commits every record handled. It stops
// at the first record that could neither be processed nor dead-lettered; that
// record and everything after it stay uncommitted.
func (c *Consumer) Process(ctx context.Context, batch []event.Record, handler Handler) error {
	next := make(map[partitionKey]int64)
	var order []partitionKey

	var stopErr error
	for _, rec := range batch {
		if err := c.handle(ctx, rec, handler); err != nil {
			stopErr = err
			break
		}
		k := partitionKey{rec.Topic, rec.Partition}
		if _, ok := next[k]; !ok {
			order = append(order, k)
		}
		next[k] = rec.Offset + 1
	}

	if len(order) > 0 {
		offsets := make([]broker.Offset, 0, len(order))
		for _, k := range order {
			offsets = append(offsets, broker.Offset{Topic: k.topic, Partition: k.partition, Offset: next[k]})
		}
		if err := c.Commit(ctx, offsets); err != nil {
			return errors.Join(stopErr, fmt.Errorf("commit: %w", err))
		}
	}
	return stopErr
}

func (c *Consumer) dedupeKey(rec event.Record) string {
	return c.cfg.Group + "/" + rec.ID()
}

func (c *Consumer) handle(ctx context.Context, rec event.Record, handler Handler) error {
	log := c.logger.With(zap.String("topic", rec.Topic), zap.Int32("partition", rec.Partition), zap.Int64("offset", rec.Offset))

	key := c.dedupeKey(rec)
	if c.deduper != nil {
		seen, err := c.deduper.Seen(ctx, key)
		if err != nil {
			log.Warn("dedupe lookup failed, processing anyway", zap.Error(err))
		}
		if seen {
			metrics.Duplicates.WithLabelValues(c.cfg.Group, rec.Topic).Inc()
			log.Debug("skipping duplicate", zap.String("eventID", rec.ID()))
			return nil
		}
	}

	ctx, span := c.tracer.Start(event.ExtractTrace(ctx, rec.Headers), "process "+rec.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", rec.Topic),
			attribute.Int("messaging.destination.partition.id", int(rec.Partition)),
			attribute.Int64("messaging.kafka.offset", rec.Offset),
			attribute.String("messaging.consumer.group.name", c.cfg.Group),
		))
	defer span.End()

	start := time.Now()
	var firstFailed, lastFailed time.Time
	attempts, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context, _ int) error {
		err := handler(ctx, rec)
		if err != nil {
			lastFailed = time.Now().UTC()
			if firstFailed.IsZero() {
				firstFailed = lastFailed
			}
		}
		return err
	},
		retry.WithRetryable(func(err error) bool { return !errdefs.IsPermanent(err) }),
		retry.WithNotify(func(err error, attempt int, next time.Duration) {
			log.Warn("handler failed, retrying", zap.Int("attempt", attempt), zap.Duration("retryIn", next), zap.Error(err))
		}),
	)
	metrics.ProcessingDuration.WithLabelValues(c.cfg.Group, rec.Topic).Observe(time.Since(start).Seconds())

	if err != nil {
		perr := &errdefs.ProcessingError{Topic: rec.Topic, Partition: rec.Partition, Offset: rec.Offset, Err: err}
		span.RecordError(perr)
		span.SetStatus(codes.Error, "processing failed")
		if c.deadLetter == nil {
			log.Error("processing failed and no dead-letter router is configured", zap.Int("attempts", attempts), zap.Error(err))
			return perr
		}
		f := Failure{Group: c.cfg.Group, Attempts: attempts, FirstFailedAt: firstFailed, LastFailedAt: lastFailed, Err: perr}
		if err := c.deadLetter.Send(ctx, rec, f); err != nil {
			log.Error("dead-letter routing failed, stopping batch", zap.Error(err))
			return err
		}
		metrics.DeadLettered.WithLabelValues(rec.Topic).Inc()
		log.Warn("routed to dead letter", zap.Int("attempts", attempts), zap.Error(err))
	}

	metrics.Consumed.WithLabelValues(c.cfg.Group, rec.Topic).Inc()
	if c.deduper != nil {
		if err := c.deduper.Mark(ctx, key); err != nil {
			log.Warn("dedupe mark failed", zap.Error(err))
		}
	}
	return nil
}

// Close leaves the group, releasing partition ownership.
func (c *Consumer) Close() error {
	err := c.member.Close()
	c.logger.Info("left group")
	return err
}
