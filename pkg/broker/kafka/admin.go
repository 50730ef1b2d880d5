package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/broker"
	"github.com/edgeflare/carebus/pkg/topic"
)

// Topics lists topics on the cluster, broker-internal ones excluded.
func (c *Client) Topics(ctx context.Context) (map[string]topic.Spec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	details, err := c.admin.ListTopics()
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", c.classify(err))
	}
	out := make(map[string]topic.Spec, len(details))
	for name, d := range details {
		if strings.HasPrefix(name, "__") {
			continue
		}
		out[name] = specFromDetail(name, d)
	}
	return out, nil
}

func (c *Client) CreateTopic(ctx context.Context, spec topic.Spec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	err := c.admin.CreateTopic(spec.Name, detailFromSpec(spec), false)
	if err != nil {
		if isTopicError(err, sarama.ErrTopicAlreadyExists) {
			return fmt.Errorf("%w: %s", broker.ErrTopicExists, spec.Name)
		}
		return fmt.Errorf("failed to create topic: %w", c.classify(err))
	}
	c.logger.Info("topic created",
		zap.String("topic", spec.Name),
		zap.Int32("partitions", spec.Partitions),
		zap.Int16("replicationFactor", spec.ReplicationFactor))
	return nil
}

func (c *Client) AddPartitions(ctx context.Context, name string, total int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.admin.CreatePartitions(name, total, nil, false); err != nil {
		return fmt.Errorf("failed to add partitions: %w", c.classify(err))
	}
	c.logger.Info("partitions added", zap.String("topic", name), zap.Int32("total", total))
	return nil
}

func (c *Client) UpdateConfig(ctx context.Context, spec topic.Spec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries := make(map[string]sarama.IncrementalAlterConfigsEntry)
	for k, v := range configFromSpec(spec) {
		entries[k] = sarama.IncrementalAlterConfigsEntry{
			Operation: sarama.IncrementalAlterConfigsOperationSet,
			Value:     stringPtr(v),
		}
	}
	if err := c.admin.IncrementalAlterConfig(sarama.TopicResource, spec.Name, entries, false); err != nil {
		return fmt.Errorf("failed to update topic config: %w", c.classify(err))
	}
	c.logger.Info("topic config updated", zap.String("topic", spec.Name))
	return nil
}

func (c *Client) DescribeTopic(ctx context.Context, name string) (broker.TopicDescription, error) {
	if err := ctx.Err(); err != nil {
		return broker.TopicDescription{}, err
	}
	metas, err := c.admin.DescribeTopics([]string{name})
	if err != nil {
		return broker.TopicDescription{}, fmt.Errorf("failed to describe topic: %w", c.classify(err))
	}
	if len(metas) == 0 || errors.Is(metas[0].Err, sarama.ErrUnknownTopicOrPartition) {
		return broker.TopicDescription{}, fmt.Errorf("%w: %s", broker.ErrTopicNotFound, name)
	}
	meta := metas[0]

	entries, err := c.admin.DescribeConfig(sarama.ConfigResource{Type: sarama.TopicResource, Name: name})
	if err != nil {
		return broker.TopicDescription{}, fmt.Errorf("failed to describe topic config: %w", c.classify(err))
	}
	detail := sarama.TopicDetail{
		NumPartitions: int32(len(meta.Partitions)),
		ConfigEntries: make(map[string]*string, len(entries)),
	}
	for _, e := range entries {
		detail.ConfigEntries[e.Name] = stringPtr(e.Value)
	}
	if len(meta.Partitions) > 0 {
		detail.ReplicationFactor = int16(len(meta.Partitions[0].Replicas))
	}

	desc := broker.TopicDescription{Spec: specFromDetail(name, detail)}
	for _, p := range meta.Partitions {
		info := broker.PartitionInfo{
			ID:       p.ID,
			Leader:   p.Leader,
			Replicas: p.Replicas,
			ISR:      p.Isr,
		}
		if c.offsets != nil {
			if info.StartOffset, err = c.offsets.GetOffset(name, p.ID, sarama.OffsetOldest); err != nil {
				return broker.TopicDescription{}, c.classify(err)
			}
			if info.HighWatermark, err = c.offsets.GetOffset(name, p.ID, sarama.OffsetNewest); err != nil {
				return broker.TopicDescription{}, c.classify(err)
			}
		}
		desc.Partitions = append(desc.Partitions, info)
	}
	sort.Slice(desc.Partitions, func(i, j int) bool { return desc.Partitions[i].ID < desc.Partitions[j].ID })
	return desc, nil
}

func (c *Client) ListGroups(ctx context.Context) ([]broker.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	listed, err := c.admin.ListConsumerGroups()
	if err != nil {
		return nil, fmt.Errorf("failed to list consumer groups: %w", c.classify(err))
	}
	ids := make([]string, 0, len(listed))
	for id := range listed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	descs, err := c.admin.DescribeConsumerGroups(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to describe consumer groups: %w", c.classify(err))
	}
	out := make([]broker.Group, 0, len(descs))
	for _, d := range descs {
		out = append(out, broker.Group{ID: d.GroupId, State: d.State, Members: len(d.Members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GroupLag reports lag on every partition the group has committed on.
func (c *Client) GroupLag(ctx context.Context, group string) ([]broker.PartitionLag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.admin.ListConsumerGroupOffsets(group, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list group offsets: %w", c.classify(err))
	}
	if resp.Err != sarama.ErrNoError {
		return nil, fmt.Errorf("failed to list group offsets: %w", resp.Err)
	}
	if len(resp.Blocks) == 0 {
		return nil, fmt.Errorf("%w: %s", broker.ErrGroupNotFound, group)
	}

	var out []broker.PartitionLag
	for name, parts := range resp.Blocks {
		for p, block := range parts {
			hw, err := c.offsets.GetOffset(name, p, sarama.OffsetNewest)
			if err != nil {
				return nil, c.classify(err)
			}
			from := block.Offset
			if from < 0 {
				if from, err = c.offsets.GetOffset(name, p, sarama.OffsetOldest); err != nil {
					return nil, c.classify(err)
				}
			}
			out = append(out, broker.PartitionLag{
				Topic:         name,
				Partition:     p,
				Committed:     block.Offset,
				HighWatermark: hw,
				Lag:           hw - from,
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

func isTopicError(err error, code sarama.KError) bool {
	var terr *sarama.TopicError
	if errors.As(err, &terr) {
		return terr.Err == code
	}
	return errors.Is(err, code)
}
