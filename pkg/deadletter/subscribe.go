package deadletter

import (
	"context"

	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/broker"
	"github.com/edgeflare/carebus/pkg/consumer"
	"github.com/edgeflare/carebus/pkg/event"
)

// Entry is a decoded dead-letter record and where it sits on the
// dead-letter topic.
type Entry struct {
	Record
	Source event.Record
}

// Subscription reads the dead-letter topic as a consumer group.
type Subscription struct {
	c      *consumer.Consumer
	logger *zap.Logger
}

// Subscribe joins group on the dead-letter topic. Records that fail to decode
// are logged and skipped.
func Subscribe(ctx context.Context, b broker.Grouper, group, topicName string, logger *zap.Logger) (*Subscription, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := consumer.DefaultConfig()
	cfg.Group = group
	cfg.Topics = []string{topicName}
	c, err := consumer.New(ctx, b, cfg, consumer.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return &Subscription{c: c, logger: logger}, nil
}

func (s *Subscription) decode(recs []event.Record) []Entry {
	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		dl, err := Decode(rec)
		if err != nil {
			s.logger.Warn("skipping undecodable dead-letter record", zap.String("at", rec.Coordinates()), zap.Error(err))
			continue
		}
		out = append(out, Entry{Record: dl, Source: rec})
	}
	return out
}

// Poll returns the next decoded entries without committing them.
func (s *Subscription) Poll(ctx context.Context) ([]Entry, error) {
	recs, err := s.c.Poll(ctx)
	if err != nil {
		return nil, err
	}
	return s.decode(recs), nil
}

// Commit marks entries up to and including the given ones as read.
func (s *Subscription) Commit(ctx context.Context, entries []Entry) error {
	next := make(map[partitionKey]int64)
	for _, e := range entries {
		k := partitionKey{e.Source.Topic, e.Source.Partition}
		if e.Source.Offset+1 > next[k] {
			next[k] = e.Source.Offset + 1
		}
	}
	offsets := make([]broker.Offset, 0, len(next))
	for k, off := range next {
		offsets = append(offsets, broker.Offset{Topic: k.topic, Partition: k.partition, Offset: off})
	}
	return s.c.Commit(ctx, offsets)
}

type partitionKey struct {
	topic     string
	partition int32
}

// Run hands every entry to fn with the consumer's at-least-once semantics.
func (s *Subscription) Run(ctx context.Context, fn func(ctx context.Context, e Entry) error) error {
	return s.c.Run(ctx, func(ctx context.Context, rec event.Record) error {
		dl, err := Decode(rec)
		if err != nil {
			s.logger.Warn("skipping undecodable dead-letter record", zap.String("at", rec.Coordinates()), zap.Error(err))
			return nil
		}
		return fn(ctx, Entry{Record: dl, Source: rec})
	})
}

func (s *Subscription) Close() error { return s.c.Close() }
