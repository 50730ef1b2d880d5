// Package broker defines the contract carebus needs from the backbone runtime:
// appending to partitioned logs, group membership with committed offsets and
// topic administration. Implementations live in the memory and kafka
// subpackages.
package broker

import (
	"context"
	"errors"
	"net"

	"github.com/edgeflare/carebus/pkg/event"
	"github.com/edgeflare/carebus/pkg/topic"
)

var (
	ErrTopicNotFound       = errors.New("topic not found")
	ErrTopicExists         = errors.New("topic already exists")
	ErrPartitionOutOfRange = errors.New("partition out of range")
	ErrNotAssigned         = errors.New("partition not assigned to this member")
	ErrGroupNotFound       = errors.New("consumer group not found")
	ErrClosed              = errors.New("broker client closed")
)

// Producer appends events to topic partitions.
type Producer interface {
	// Produce appends ev to the partition and returns the appended record,
	// carrying the offset and the effective timestamp. It returns only once
	// the write is durable per the broker's acknowledgement policy.
	Produce(ctx context.Context, topicName string, partition int32, ev event.Event) (event.Record, error)
}

// Offset is the next offset a group will read on a partition.
type Offset struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Member is one consumer in a group. Within a group, a partition is owned by
// at most one member at a time.
type Member interface {
	// Poll returns up to max records from the owned partitions, blocking until
	// at least one is available or ctx is done.
	Poll(ctx context.Context, max int) ([]event.Record, error)
	// Commit stores next-offsets for owned partitions.
	Commit(ctx context.Context, offsets []Offset) error
	// Assignment returns the currently owned partitions per topic.
	Assignment() map[string][]int32
	// Close leaves the group and releases partition ownership.
	Close() error
}

// Grouper joins consumer groups.
type Grouper interface {
	JoinGroup(ctx context.Context, group string, topics []string) (Member, error)
}

// PartitionInfo describes the placement of one partition.
type PartitionInfo struct {
	ID            int32   `json:"id"`
	Leader        int32   `json:"leader"`
	Replicas      []int32 `json:"replicas"`
	ISR           []int32 `json:"isr"`
	StartOffset   int64   `json:"startOffset"`
	HighWatermark int64   `json:"highWatermark"`
}

// TopicDescription is a topic's configuration and partition placement.
type TopicDescription struct {
	Spec       topic.Spec      `json:"spec"`
	Partitions []PartitionInfo `json:"partitions"`
}

// Group summarizes a consumer group.
type Group struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Members int    `json:"members"`
}

// PartitionLag is how far a group trails a partition. Committed is -1 when the
// group has never committed on the partition.
type PartitionLag struct {
	Topic         string `json:"topic"`
	Partition     int32  `json:"partition"`
	Committed     int64  `json:"committed"`
	HighWatermark int64  `json:"highWatermark"`
	Lag           int64  `json:"lag"`
}

// Admin manages topics and inspects groups.
type Admin interface {
	topic.Cluster
	DescribeTopic(ctx context.Context, name string) (TopicDescription, error)
	ListGroups(ctx context.Context) ([]Group, error)
	GroupLag(ctx context.Context, group string) ([]PartitionLag, error)
}

// Broker is the full backbone contract.
type Broker interface {
	Producer
	Grouper
	Admin
	Close() error
}

// TransientError marks a failure that may succeed when retried, such as a
// timeout or a leader election in progress.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. It returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying: explicitly marked
// transient, a per-attempt deadline, or a network timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
