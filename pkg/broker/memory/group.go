package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/broker"
	"github.com/edgeflare/carebus/pkg/event"
)

type tp struct {
	topic     string
	partition int32
}

// group tracks, per partition, the member the latest rebalance assigned it to
// (target) and the member that may currently read and commit it (holder).
// Ownership moves from holder to target only once the holder has no
// delivered batch outstanding on the partition, so two members never process
// the same partition at once.
type group struct {
	id         string
	committed  map[tp]int64
	members    map[string]*member
	target     map[tp]*member
	holder     map[tp]*member
	generation int
	joins      int
}

type member struct {
	b        *Broker
	g        *group
	id       string
	seq      int
	topics   []string
	assigned []tp
	// positions has an entry for every partition the member holds.
	positions map[tp]int64
	// delivered marks partitions with records returned by the last Poll.
	delivered map[tp]bool
	cursor    int
	closed    bool
}

// JoinGroup implements broker.Grouper. Joining triggers a rebalance of the
// group; a member resumes each partition it gains at the committed offset once
// the previous owner has released it.
func (b *Broker) JoinGroup(ctx context.Context, groupID string, topics []string) (broker.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if groupID == "" {
		return nil, fmt.Errorf("memory: empty group id")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, broker.ErrClosed
	}
	for _, name := range topics {
		if _, ok := b.topics[name]; !ok {
			return nil, fmt.Errorf("%w: %s", broker.ErrTopicNotFound, name)
		}
	}

	g, ok := b.groups[groupID]
	if !ok {
		g = &group{
			id:        groupID,
			committed: make(map[tp]int64),
			members:   make(map[string]*member),
			target:    make(map[tp]*member),
			holder:    make(map[tp]*member),
		}
		b.groups[groupID] = g
	}
	g.joins++
	m := &member{
		b:         b,
		g:         g,
		id:        groupID + "-" + uuid.NewString(),
		seq:       g.joins,
		topics:    append([]string(nil), topics...),
		positions: make(map[tp]int64),
		delivered: make(map[tp]bool),
	}
	g.members[m.id] = m
	b.rebalanceLocked(g)
	return m, nil
}

// rebalanceLocked range-assigns every subscribed topic's partitions across the
// members subscribed to it, oldest member first, then hands over whatever
// partitions can move right away.
func (b *Broker) rebalanceLocked(g *group) {
	g.generation++

	members := make([]*member, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })
	subscribers := make(map[string][]*member)
	for _, m := range members {
		for _, name := range m.topics {
			subscribers[name] = append(subscribers[name], m)
		}
	}

	g.target = make(map[tp]*member)
	for name, subs := range subscribers {
		t, ok := b.topics[name]
		if !ok {
			continue
		}
		n := len(t.partitions)
		per, extra := n/len(subs), n%len(subs)
		next := 0
		for i, m := range subs {
			count := per
			if i < extra {
				count++
			}
			for j := 0; j < count; j++ {
				g.target[tp{topic: name, partition: int32(next)}] = m
				next++
			}
		}
	}

	b.logger.Debug("group rebalanced",
		zap.String("group", g.id),
		zap.Int("generation", g.generation),
		zap.Int("members", len(g.members)))
	b.settleLocked(g)
}

// settleLocked moves every partition whose holder differs from its target,
// unless the holder still has a delivered batch on it. The new holder resumes
// at the committed offset. A partition keeping its holder keeps its position.
func (b *Broker) settleLocked(g *group) {
	pending := 0
	for a, h := range g.holder {
		if g.target[a] == h {
			continue
		}
		if !h.closed && h.delivered[a] {
			pending++
			continue
		}
		delete(h.positions, a)
		delete(h.delivered, a)
		delete(g.holder, a)
	}
	for a, t := range g.target {
		if _, held := g.holder[a]; held {
			continue
		}
		g.holder[a] = t
		t.positions[a] = b.resumeOffsetLocked(g, a)
	}

	for _, m := range g.members {
		m.assigned = m.assigned[:0]
		for a := range m.positions {
			if g.target[a] == m {
				m.assigned = append(m.assigned, a)
			}
		}
		sort.Slice(m.assigned, func(i, j int) bool {
			if m.assigned[i].topic != m.assigned[j].topic {
				return m.assigned[i].topic < m.assigned[j].topic
			}
			return m.assigned[i].partition < m.assigned[j].partition
		})
		if len(m.assigned) > 0 {
			m.cursor %= len(m.assigned)
		} else {
			m.cursor = 0
		}
	}
	if pending > 0 {
		b.logger.Debug("partitions awaiting release",
			zap.String("group", g.id),
			zap.Int("generation", g.generation),
			zap.Int("pending", pending))
	}
	b.notifyLocked()
}

// pendingLocked reports whether a partition is still held by a member other
// than its target.
func (g *group) pendingLocked() bool {
	for a, h := range g.holder {
		if g.target[a] != h {
			return true
		}
	}
	return false
}

// releaseLocked ends the member's previous batch. Partitions revoked from it
// while that batch was in flight go to their new owners.
func (m *member) releaseLocked() {
	if len(m.delivered) == 0 {
		return
	}
	revoked := false
	for a := range m.delivered {
		if m.g.target[a] != m {
			revoked = true
		}
	}
	clear(m.delivered)
	if revoked {
		m.b.settleLocked(m.g)
	}
}

// resumeOffsetLocked is the committed offset, or the log start when nothing was
// committed or the committed record has expired.
func (b *Broker) resumeOffsetLocked(g *group, a tp) int64 {
	p := b.topics[a.topic].partitions[a.partition]
	off, ok := g.committed[a]
	if !ok || off < p.start {
		return p.start
	}
	return off
}

// Poll implements broker.Member. Calling it again signals that the records it
// returned before were handled, releasing partitions revoked meanwhile.
func (m *member) Poll(ctx context.Context, max int) ([]event.Record, error) {
	if max <= 0 {
		max = 1
	}
	m.b.mu.Lock()
	if !m.closed {
		m.releaseLocked()
	}
	m.b.mu.Unlock()
	for {
		m.b.mu.Lock()
		if m.closed {
			m.b.mu.Unlock()
			return nil, broker.ErrClosed
		}
		recs := m.fetchLocked(max)
		wait := m.b.changed
		m.b.mu.Unlock()

		if len(recs) > 0 {
			return recs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// fetchLocked reads from owned partitions starting at a rotating cursor so a
// busy partition cannot starve the others.
func (m *member) fetchLocked(max int) []event.Record {
	var out []event.Record
	n := len(m.assigned)
	for i := 0; i < n && len(out) < max; i++ {
		a := m.assigned[(m.cursor+i)%n]
		p := m.b.topics[a.topic].partitions[a.partition]
		pos := m.positions[a]
		if pos < p.start {
			pos = p.start
		}
		recs := p.fetch(pos, max-len(out))
		if len(recs) == 0 {
			m.positions[a] = pos
			continue
		}
		m.positions[a] = recs[len(recs)-1].Offset + 1
		m.delivered[a] = true
		out = append(out, recs...)
	}
	if n > 0 {
		m.cursor = (m.cursor + 1) % n
	}
	return out
}

// Commit implements broker.Member. Offsets of partitions the member no longer
// holds are skipped; their new owner resumes at the last commit made while
// they were held. Partitions of topics the member never subscribed to fail
// the whole commit with broker.ErrNotAssigned.
func (m *member) Commit(ctx context.Context, offsets []broker.Offset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.b.mu.Lock()
	defer m.b.mu.Unlock()

	if m.closed {
		return broker.ErrClosed
	}
	for _, o := range offsets {
		t, ok := m.b.topics[o.Topic]
		if !contains(m.topics, o.Topic) || !ok || o.Partition < 0 || int(o.Partition) >= len(t.partitions) {
			return fmt.Errorf("%w: %s/%d", broker.ErrNotAssigned, o.Topic, o.Partition)
		}
	}
	for _, o := range offsets {
		a := tp{topic: o.Topic, partition: o.Partition}
		if m.g.holder[a] != m {
			m.b.logger.Debug("skipping commit of released partition",
				zap.String("member", m.id), zap.String("topic", o.Topic), zap.Int32("partition", o.Partition))
			continue
		}
		m.g.committed[a] = o.Offset
	}
	return nil
}

func (m *member) Assignment() map[string][]int32 {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	out := make(map[string][]int32)
	for _, a := range m.assigned {
		out[a.topic] = append(out[a.topic], a.partition)
	}
	return out
}

func (m *member) Close() error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	delete(m.g.members, m.id)
	if !m.b.closed {
		m.b.rebalanceLocked(m.g)
	}
	return nil
}
