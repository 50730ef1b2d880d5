// Package memory is an in-process broker: partitioned append-only logs with
// compaction and retention expiry, plus a consumer-group coordinator that
// assigns partitions exclusively and rebalances on membership changes.
//
// It backs the tests and the `--broker=memory` mode of the CLI.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/broker"
	"github.com/edgeflare/carebus/pkg/event"
	"github.com/edgeflare/carebus/pkg/topic"
)

// Option configures a Broker.
type Option func(*Broker)

// WithClock replaces time.Now, for deterministic timestamps and retention.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

type partitionLog struct {
	records []event.Record
	start   int64
	next    int64
}

// fetch returns up to max records at or after offset from.
func (p *partitionLog) fetch(from int64, max int) []event.Record {
	i := sort.Search(len(p.records), func(i int) bool { return p.records[i].Offset >= from })
	end := i + max
	if end > len(p.records) {
		end = len(p.records)
	}
	if i >= end {
		return nil
	}
	out := make([]event.Record, end-i)
	copy(out, p.records[i:end])
	return out
}

type topicLog struct {
	spec       topic.Spec
	partitions []*partitionLog
}

// Broker implements broker.Broker in memory. It is safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	now     func() time.Time
	logger  *zap.Logger
	topics  map[string]*topicLog
	groups  map[string]*group
	changed chan struct{}
	faults  []error
	closed  bool
}

var _ broker.Broker = (*Broker)(nil)

// New returns an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		now:     time.Now,
		logger:  zap.NewNop(),
		topics:  make(map[string]*topicLog),
		groups:  make(map[string]*group),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// notifyLocked wakes every blocked Poll.
func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// InjectProduceErrors makes the next len(errs) Produce calls fail with errs in
// order.
func (b *Broker) InjectProduceErrors(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, errs...)
}

// Produce implements broker.Producer. Topics with append ordering, and events
// without a timestamp, are stamped with the broker clock.
func (b *Broker) Produce(ctx context.Context, name string, partition int32, ev event.Event) (event.Record, error) {
	if err := ctx.Err(); err != nil {
		return event.Record{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return event.Record{}, broker.ErrClosed
	}
	if len(b.faults) > 0 {
		err := b.faults[0]
		b.faults = b.faults[1:]
		return event.Record{}, err
	}

	t, ok := b.topics[name]
	if !ok {
		return event.Record{}, fmt.Errorf("%w: %s", broker.ErrTopicNotFound, name)
	}
	if partition < 0 || int(partition) >= len(t.partitions) {
		return event.Record{}, fmt.Errorf("%w: %s/%d", broker.ErrPartitionOutOfRange, name, partition)
	}

	p := t.partitions[partition]
	rec := event.Record{Event: ev, Topic: name, Partition: partition, Offset: p.next}
	if t.spec.AppendTimeOrdered() || rec.Timestamp.IsZero() {
		rec.Timestamp = b.now()
	}
	rec.Key = append([]byte(nil), ev.Key...)
	rec.Payload = append([]byte(nil), ev.Payload...)
	rec.Headers = ev.Headers.Clone()

	p.records = append(p.records, rec)
	p.next++
	b.notifyLocked()
	return rec, nil
}

// Records returns a snapshot of the retained records of a partition.
func (b *Broker) Records(name string, partition int32) ([]event.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrTopicNotFound, name)
	}
	if partition < 0 || int(partition) >= len(t.partitions) {
		return nil, broker.ErrPartitionOutOfRange
	}
	p := t.partitions[partition]
	return p.fetch(p.start, len(p.records)), nil
}

// Compact removes, on compact topics, every record superseded by a later
// record with the same key. Offsets of survivors are unchanged. It returns the
// number of records removed.
func (b *Broker) Compact() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for _, t := range b.topics {
		if !t.spec.Compacted() {
			continue
		}
		for _, p := range t.partitions {
			latest := make(map[string]int64, len(p.records))
			for _, r := range p.records {
				latest[string(r.Key)] = r.Offset
			}
			kept := p.records[:0]
			for _, r := range p.records {
				if latest[string(r.Key)] == r.Offset {
					kept = append(kept, r)
				}
			}
			removed += len(p.records) - len(kept)
			p.records = kept
		}
	}
	return removed
}

// ExpireRetention removes records older than their topic's retention on delete
// topics and advances the log start offset. It returns the number removed.
func (b *Broker) ExpireRetention() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for _, t := range b.topics {
		if t.spec.Compacted() || t.spec.Retention <= 0 {
			continue
		}
		cutoff := now.Add(-t.spec.Retention)
		for _, p := range t.partitions {
			i := 0
			for i < len(p.records) && p.records[i].Timestamp.Before(cutoff) {
				i++
			}
			if i == 0 {
				continue
			}
			removed += i
			p.records = append([]event.Record(nil), p.records[i:]...)
			if len(p.records) > 0 {
				p.start = p.records[0].Offset
			} else {
				p.start = p.next
			}
		}
	}
	return removed
}

// Run compacts and expires records every interval until ctx is done.
func (b *Broker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			compacted, expired := b.Compact(), b.ExpireRetention()
			if compacted+expired > 0 {
				b.logger.Debug("log maintenance", zap.Int("compacted", compacted), zap.Int("expired", expired))
			}
		}
	}
}

// Close stops the broker. Blocked polls return broker.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, g := range b.groups {
		for _, m := range g.members {
			m.closed = true
		}
	}
	b.notifyLocked()
	return nil
}
