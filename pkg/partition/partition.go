// Package partition maps entity keys to partitions.
//
// Keyed events use sarama's hash partitioner (FNV-1a of the key modulo the
// partition count) so services producing through sarama directly agree with
// carebus on placement. Keyless events rotate round-robin per topic and give up
// any ordering guarantee.
package partition

import (
	"sync"

	"github.com/IBM/sarama"

	"github.com/edgeflare/carebus/pkg/errdefs"
	"github.com/edgeflare/carebus/pkg/topic"
)

// Partitioner is safe for concurrent use.
type Partitioner struct {
	mu         sync.Mutex
	hash       map[string]sarama.Partitioner
	roundRobin map[string]sarama.Partitioner
}

// New returns an empty Partitioner.
func New() *Partitioner {
	return &Partitioner{
		hash:       make(map[string]sarama.Partitioner),
		roundRobin: make(map[string]sarama.Partitioner),
	}
}

// PartitionFor returns the partition of key on a topic with the given
// partition count. The result is stable for a fixed count.
func (p *Partitioner) PartitionFor(topicName string, key []byte, partitions int32) (int32, error) {
	if partitions <= 0 {
		return 0, errdefs.Validationf("partitions", "topic %q has %d partitions", topicName, partitions)
	}
	if partitions == 1 {
		return 0, nil
	}

	msg := &sarama.ProducerMessage{Topic: topicName}
	var part sarama.Partitioner
	p.mu.Lock()
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
		part = p.get(p.hash, topicName, sarama.NewHashPartitioner)
	} else {
		part = p.get(p.roundRobin, topicName, sarama.NewRoundRobinPartitioner)
	}
	n, err := part.Partition(msg, partitions)
	p.mu.Unlock()
	return n, err
}

// ForSpec is PartitionFor using the partition count of spec.
func (p *Partitioner) ForSpec(spec topic.Spec, key []byte) (int32, error) {
	return p.PartitionFor(spec.Name, key, spec.Partitions)
}

func (p *Partitioner) get(m map[string]sarama.Partitioner, name string, ctor sarama.PartitionerConstructor) sarama.Partitioner {
	part, ok := m[name]
	if !ok {
		part = ctor(name)
		m[name] = part
	}
	return part
}
