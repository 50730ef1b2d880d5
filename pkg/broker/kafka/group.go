package kafka

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/broker"
	"github.com/edgeflare/carebus/pkg/event"
)

// JoinGroup starts a sarama consumer group session loop for topics. Records
// from claimed partitions are buffered for Poll; offsets are only committed
// through Commit.
func (c *Client) JoinGroup(ctx context.Context, group string, topics []string) (broker.Member, error) {
	if c.newGroup == nil {
		return nil, errors.New("kafka: consumer groups not configured")
	}
	cg, err := c.newGroup(group)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", c.classify(err))
	}
	return startMember(cg, group, topics, c.config.RebalanceTimeout, c.logger), nil
}

// stamped is a buffered record tagged with the session that fetched it.
type stamped struct {
	generation int32
	rec        event.Record
}

type member struct {
	group   string
	topics  []string
	cg      sarama.ConsumerGroup
	logger  *zap.Logger
	records chan stamped
	cancel  context.CancelFunc
	closing context.Context
	done    chan struct{}
	// releaseTimeout bounds the wait in Cleanup for the in-flight batch.
	releaseTimeout time.Duration

	mu         sync.Mutex
	sess       sarama.ConsumerGroupSession
	generation int32
	// batch is closed once the records returned by the last Poll are done,
	// signalled by the next Poll or by Close.
	batch chan struct{}

	closeOnce sync.Once
}

func startMember(cg sarama.ConsumerGroup, group string, topics []string, releaseTimeout time.Duration, logger *zap.Logger) *member {
	ctx, cancel := context.WithCancel(context.Background())
	if releaseTimeout <= 0 {
		releaseTimeout = DefaultConfig().RebalanceTimeout
	}
	m := &member{
		group:          group,
		topics:         topics,
		cg:             cg,
		logger:         logger.With(zap.String("group", group)),
		records:        make(chan stamped, 256),
		cancel:         cancel,
		closing:        ctx,
		done:           make(chan struct{}),
		releaseTimeout: releaseTimeout,
		generation:     -1,
	}
	go m.loop(ctx)
	return m
}

// loop re-enters Consume after every rebalance until the member is closed.
func (m *member) loop(ctx context.Context) {
	defer close(m.done)
	for {
		if err := m.cg.Consume(ctx, m.topics, m); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			m.logger.Error("consumer group session failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Setup implements sarama.ConsumerGroupHandler.
func (m *member) Setup(sess sarama.ConsumerGroupSession) error {
	m.mu.Lock()
	m.sess = sess
	m.generation = sess.GenerationID()
	m.mu.Unlock()
	m.logger.Info("partitions assigned", zap.Any("claims", sess.Claims()), zap.Int32("generation", sess.GenerationID()))
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler. It discards records the
// session buffered but Poll never returned, then holds the rebalance until the
// batch in flight is done, so the session's claims stay committable and no
// other member starts on them meanwhile.
func (m *member) Cleanup(sess sarama.ConsumerGroupSession) error {
	m.mu.Lock()
	if m.sess == sess {
		m.generation = -1
	}
	batch := m.batch
	m.mu.Unlock()
	dropped := m.drain()
	if batch != nil {
		timer := time.NewTimer(m.releaseTimeout)
		select {
		case <-batch:
		case <-m.closing.Done():
		case <-timer.C:
			m.logger.Warn("in-flight batch outlived the rebalance timeout, releasing partitions",
				zap.Int32("generation", sess.GenerationID()), zap.Duration("timeout", m.releaseTimeout))
		}
		timer.Stop()
	}

	m.mu.Lock()
	if m.sess == sess {
		m.sess = nil
	}
	m.mu.Unlock()
	m.logger.Info("partitions revoked", zap.Int32("generation", sess.GenerationID()), zap.Int("discarded", dropped))
	return nil
}

func (m *member) drain() int {
	n := 0
	for {
		select {
		case <-m.records:
			n++
		default:
			return n
		}
	}
}

// ConsumeClaim implements sarama.ConsumerGroupHandler.
func (m *member) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	gen := sess.GenerationID()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case m.records <- stamped{generation: gen, rec: fromConsumerMessage(msg)}:
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

// current reports whether r was fetched by the live session.
func (m *member) current(r stamped) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil && r.generation == m.generation
}

// Poll implements broker.Member. Calling it again signals that the records it
// returned before were handled. Records fetched by an earlier session are
// dropped; the partition's current owner reads them from the committed offset.
func (m *member) Poll(ctx context.Context, max int) ([]event.Record, error) {
	if max <= 0 {
		max = 1
	}
	m.finishBatch()

	var out []event.Record
	for len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, broker.ErrClosed
		case r := <-m.records:
			if m.current(r) {
				out = append(out, r.rec)
			}
		}
	}
	for len(out) < max {
		select {
		case r := <-m.records:
			if m.current(r) {
				out = append(out, r.rec)
			}
		default:
			return m.startBatch(out), nil
		}
	}
	return m.startBatch(out), nil
}

func (m *member) startBatch(out []event.Record) []event.Record {
	m.mu.Lock()
	m.batch = make(chan struct{})
	m.mu.Unlock()
	return out
}

func (m *member) finishBatch() {
	m.mu.Lock()
	if m.batch != nil {
		close(m.batch)
		m.batch = nil
	}
	m.mu.Unlock()
}

// Commit implements broker.Member. Offsets of partitions the session does not
// claim, revoked by a rebalance, are skipped. Offsets for topics the member
// never subscribed to fail the whole commit with broker.ErrNotAssigned.
func (m *member) Commit(ctx context.Context, offsets []broker.Offset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, o := range offsets {
		if !slices.Contains(m.topics, o.Topic) {
			return fmt.Errorf("%w: %s/%d", broker.ErrNotAssigned, o.Topic, o.Partition)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return broker.ErrNotAssigned
	}
	claims := m.sess.Claims()
	marked := 0
	for _, o := range offsets {
		if !slices.Contains(claims[o.Topic], o.Partition) {
			m.logger.Debug("skipping commit of revoked partition", zap.String("topic", o.Topic), zap.Int32("partition", o.Partition))
			continue
		}
		m.sess.MarkOffset(o.Topic, o.Partition, o.Offset, "")
		marked++
	}
	if marked > 0 {
		m.sess.Commit()
	}
	return nil
}

func (m *member) Assignment() map[string][]int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]int32)
	if m.sess == nil {
		return out
	}
	for t, parts := range m.sess.Claims() {
		out[t] = append([]int32(nil), parts...)
	}
	return out
}

// Close leaves the group. Offsets not passed to Commit are not committed.
func (m *member) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.finishBatch()
		m.cancel()
		err = m.cg.Close()
		<-m.done
	})
	return err
}
