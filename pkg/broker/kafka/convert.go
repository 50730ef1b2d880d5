package kafka

import (
	"sort"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"github.com/edgeflare/carebus/pkg/event"
	"github.com/edgeflare/carebus/pkg/topic"
)

// Kafka topic config keys.
const (
	configCleanupPolicy = "cleanup.policy"
	configRetentionMS   = "retention.ms"
	configTimestampType = "message.timestamp.type"
	configMinInSync     = "min.insync.replicas"

	timestampCreate = "CreateTime"
	timestampAppend = "LogAppendTime"
)

func toProducerMessage(topicName string, partition int32, ev event.Event) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{
		Topic:     topicName,
		Partition: partition,
		Value:     sarama.ByteEncoder(ev.Payload),
		Timestamp: ev.Timestamp,
	}
	if len(ev.Key) > 0 {
		msg.Key = sarama.ByteEncoder(ev.Key)
	}
	keys := make([]string, 0, len(ev.Headers))
	for k := range ev.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(ev.Headers[k])})
	}
	return msg
}

func fromConsumerMessage(msg *sarama.ConsumerMessage) event.Record {
	headers := make(event.Headers, len(msg.Headers))
	for _, h := range msg.Headers {
		if h == nil {
			continue
		}
		headers[string(h.Key)] = string(h.Value)
	}
	version, _ := strconv.Atoi(headers[event.HeaderSchemaVersion])
	return event.Record{
		Event: event.Event{
			Key:           msg.Key,
			Type:          headers[event.HeaderEventType],
			SchemaVersion: version,
			Payload:       msg.Value,
			Timestamp:     msg.Timestamp,
			Headers:       headers,
		},
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
}

func stringPtr(s string) *string {
	return &s
}

// configFromSpec returns the topic config entries carebus manages.
func configFromSpec(spec topic.Spec) map[string]string {
	spec = spec.Normalized()
	entries := map[string]string{
		configCleanupPolicy: string(spec.CleanupPolicy),
		configMinInSync:     strconv.Itoa(int(spec.MinInSync())),
		configTimestampType: timestampCreate,
	}
	if spec.AppendTimeOrdered() {
		entries[configTimestampType] = timestampAppend
	}
	if !spec.Compacted() {
		entries[configRetentionMS] = strconv.FormatInt(spec.Retention.Milliseconds(), 10)
	}
	return entries
}

func detailFromSpec(spec topic.Spec) *sarama.TopicDetail {
	entries := make(map[string]*string)
	for k, v := range configFromSpec(spec) {
		entries[k] = stringPtr(v)
	}
	return &sarama.TopicDetail{
		NumPartitions:     spec.Partitions,
		ReplicationFactor: spec.ReplicationFactor,
		ConfigEntries:     entries,
	}
}

// specFromDetail rebuilds a spec from cluster state. Class and description
// are not stored on the cluster; key presence is assumed for compact topics.
func specFromDetail(name string, d sarama.TopicDetail) topic.Spec {
	get := func(k string) string {
		if v, ok := d.ConfigEntries[k]; ok && v != nil {
			return *v
		}
		return ""
	}

	spec := topic.Spec{
		Name:              name,
		Partitions:        d.NumPartitions,
		ReplicationFactor: d.ReplicationFactor,
		CleanupPolicy:     topic.CleanupDelete,
		Ordering:          topic.OrderingProducer,
	}
	if get(configCleanupPolicy) == string(topic.CleanupCompact) {
		spec.CleanupPolicy = topic.CleanupCompact
		spec.KeyRequired = true
	}
	if ms, err := strconv.ParseInt(get(configRetentionMS), 10, 64); err == nil && ms > 0 && !spec.Compacted() {
		spec.Retention = time.Duration(ms) * time.Millisecond
	}
	if get(configTimestampType) == timestampAppend {
		spec.Ordering = topic.OrderingAppend
	}
	return spec
}
