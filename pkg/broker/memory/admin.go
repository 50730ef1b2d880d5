package memory

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/broker"
	"github.com/edgeflare/carebus/pkg/errdefs"
	"github.com/edgeflare/carebus/pkg/topic"
)

func (b *Broker) Topics(ctx context.Context) (map[string]topic.Spec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]topic.Spec, len(b.topics))
	for name, t := range b.topics {
		out[name] = t.spec
	}
	return out, nil
}

func (b *Broker) CreateTopic(ctx context.Context, spec topic.Spec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[spec.Name]; ok {
		return fmt.Errorf("%w: %s", broker.ErrTopicExists, spec.Name)
	}
	t := &topicLog{spec: spec.Normalized()}
	for i := int32(0); i < spec.Partitions; i++ {
		t.partitions = append(t.partitions, &partitionLog{})
	}
	b.topics[spec.Name] = t
	b.logger.Info("created topic", zap.String("topic", spec.Name), zap.Int32("partitions", spec.Partitions))
	return nil
}

// AddPartitions grows a topic. Groups subscribed to it rebalance so the new
// partitions get an owner.
func (b *Broker) AddPartitions(ctx context.Context, name string, total int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrTopicNotFound, name)
	}
	if int(total) <= len(t.partitions) {
		return errdefs.Validationf("partitions", "topic %q already has %d partitions", name, len(t.partitions))
	}
	for int32(len(t.partitions)) < total {
		t.partitions = append(t.partitions, &partitionLog{})
	}
	t.spec.Partitions = total

	for _, g := range b.groups {
		for _, m := range g.members {
			if contains(m.topics, name) {
				b.rebalanceLocked(g)
				break
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (b *Broker) UpdateConfig(ctx context.Context, spec topic.Spec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[spec.Name]
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrTopicNotFound, spec.Name)
	}
	spec = spec.Normalized()
	t.spec.Retention = spec.Retention
	t.spec.Ordering = spec.Ordering
	return nil
}

// DescribeTopic reports synthetic placement: replicas are broker ids 1..RF and
// leadership rotates with the partition id. All replicas are in sync.
func (b *Broker) DescribeTopic(ctx context.Context, name string) (broker.TopicDescription, error) {
	if err := ctx.Err(); err != nil {
		return broker.TopicDescription{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return broker.TopicDescription{}, fmt.Errorf("%w: %s", broker.ErrTopicNotFound, name)
	}

	rf := int32(t.spec.ReplicationFactor)
	replicas := make([]int32, rf)
	for i := range replicas {
		replicas[i] = int32(i) + 1
	}
	desc := broker.TopicDescription{Spec: t.spec}
	for i, p := range t.partitions {
		desc.Partitions = append(desc.Partitions, broker.PartitionInfo{
			ID:            int32(i),
			Leader:        replicas[int32(i)%rf],
			Replicas:      append([]int32(nil), replicas...),
			ISR:           append([]int32(nil), replicas...),
			StartOffset:   p.start,
			HighWatermark: p.next,
		})
	}
	return desc, nil
}

func (b *Broker) ListGroups(ctx context.Context) ([]broker.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Group, 0, len(b.groups))
	for id, g := range b.groups {
		state := "Empty"
		switch {
		case len(g.members) == 0:
		case g.pendingLocked():
			state = "PreparingRebalance"
		default:
			state = "Stable"
		}
		out = append(out, broker.Group{ID: id, State: state, Members: len(g.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GroupLag covers every partition of the topics the group subscribes to or
// has committed on.
func (b *Broker) GroupLag(ctx context.Context, groupID string) ([]broker.PartitionLag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrGroupNotFound, groupID)
	}

	topics := make(map[string]bool)
	for a := range g.committed {
		topics[a.topic] = true
	}
	for _, m := range g.members {
		for _, name := range m.topics {
			topics[name] = true
		}
	}

	var out []broker.PartitionLag
	for name := range topics {
		t, ok := b.topics[name]
		if !ok {
			continue
		}
		for i, p := range t.partitions {
			committed, ok := g.committed[tp{topic: name, partition: int32(i)}]
			from := committed
			if !ok {
				committed = -1
				from = p.start
			}
			if from < p.start {
				from = p.start
			}
			out = append(out, broker.PartitionLag{
				Topic:         name,
				Partition:     int32(i),
				Committed:     committed,
				HighWatermark: p.next,
				Lag:           p.next - from,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out, nil
}
