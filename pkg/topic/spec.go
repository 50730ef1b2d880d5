// Package topic holds the topic catalog: definitions of every topic on the
// backbone and the provisioning that reconciles a cluster with them.
package topic

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/edgeflare/carebus/pkg/errdefs"
)

// CleanupPolicy decides how a topic sheds old records.
type CleanupPolicy string

const (
	// CleanupCompact retains the latest record per key indefinitely. The topic is
	// a materialized "current state" log.
	CleanupCompact CleanupPolicy = "compact"
	// CleanupDelete retains records for a time window. The topic is a pure
	// event stream.
	CleanupDelete CleanupPolicy = "delete"
)

// Ordering selects which clock stamps appended records.
type Ordering string

const (
	// OrderingProducer keeps the producer-supplied timestamp (Kafka CreateTime).
	OrderingProducer Ordering = "producer"
	// OrderingAppend uses the broker append time (Kafka LogAppendTime) so clock
	// skew across producing nodes cannot reorder events.
	OrderingAppend Ordering = "append"
)

// Class is the informative data class that drives the retention choice.
type Class string

const (
	ClassEntityState Class = "entity-state"
	ClassAudit       Class = "audit"
	ClassTransient   Class = "transient"
	ClassEmergency   Class = "emergency"
	ClassDeadLetter  Class = "dead-letter"
)

const maxNameLength = 249

var validName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Spec is the definition of a topic.
type Spec struct {
	Name              string        `mapstructure:"name" json:"name"`
	Partitions        int32         `mapstructure:"partitions" json:"partitions"`
	ReplicationFactor int16         `mapstructure:"replicationFactor" json:"replicationFactor"`
	CleanupPolicy     CleanupPolicy `mapstructure:"cleanupPolicy" json:"cleanupPolicy"`
	// Retention applies to delete topics only; compact topics retain by key.
	Retention time.Duration `mapstructure:"retention" json:"retention"`
	Ordering  Ordering      `mapstructure:"ordering" json:"ordering"`
	Class     Class         `mapstructure:"class" json:"class,omitempty"`
	// KeyRequired guarantees every event carries an entity key. Mandatory for
	// compact topics.
	KeyRequired bool   `mapstructure:"keyRequired" json:"keyRequired"`
	Description string `mapstructure:"description" json:"description,omitempty"`
}

// Normalized returns a copy with defaults applied.
func (s Spec) Normalized() Spec {
	if s.Ordering == "" {
		s.Ordering = OrderingProducer
	}
	if s.CleanupPolicy == CleanupCompact {
		s.Retention = 0
	}
	return s
}

// Compacted reports whether the topic retains the latest record per key.
func (s Spec) Compacted() bool { return s.CleanupPolicy == CleanupCompact }

// AppendTimeOrdered reports whether the broker assigns record timestamps.
func (s Spec) AppendTimeOrdered() bool { return s.Ordering == OrderingAppend }

// RequiresKey reports whether publishing a keyless event must be rejected.
func (s Spec) RequiresKey() bool { return s.KeyRequired || s.Compacted() }

// MinInSync is the replica quorum that must acknowledge a write: a majority of
// the replication factor.
func (s Spec) MinInSync() int16 {
	if s.ReplicationFactor <= 1 {
		return 1
	}
	return s.ReplicationFactor/2 + 1
}

// Validate checks the spec without consulting any other definition.
func (s Spec) Validate() error {
	switch {
	case s.Name == "":
		return errdefs.Validationf("name", "must not be empty")
	case len(s.Name) > maxNameLength:
		return errdefs.Validationf("name", "longer than %d characters", maxNameLength)
	case s.Name == "." || s.Name == "..":
		return errdefs.Validationf("name", "%q is reserved", s.Name)
	case strings.HasPrefix(s.Name, "__"):
		return errdefs.Validationf("name", "%q is reserved for broker-internal topics", s.Name)
	case !validName.MatchString(s.Name):
		return errdefs.Validationf("name", "%q contains characters outside [a-zA-Z0-9._-]", s.Name)
	case s.Partitions < 1:
		return errdefs.Validationf("partitions", "must be >= 1, got %d", s.Partitions)
	case s.ReplicationFactor < 1:
		return errdefs.Validationf("replicationFactor", "must be >= 1, got %d", s.ReplicationFactor)
	}

	switch s.CleanupPolicy {
	case CleanupCompact:
		if !s.KeyRequired {
			return errdefs.Validationf("keyRequired", "compact topic %q must guarantee key presence", s.Name)
		}
	case CleanupDelete:
		if s.Retention <= 0 {
			return errdefs.Validationf("retention", "delete topic %q needs a positive retention", s.Name)
		}
	default:
		return errdefs.Validationf("cleanupPolicy", "unknown policy %q", s.CleanupPolicy)
	}

	switch s.Ordering {
	case "", OrderingProducer, OrderingAppend:
	default:
		return errdefs.Validationf("ordering", "unknown ordering %q", s.Ordering)
	}

	switch s.Class {
	case ClassEmergency:
		if s.Ordering != OrderingAppend {
			return errdefs.Validationf("ordering", "emergency topic %q must use broker append time", s.Name)
		}
		if s.CleanupPolicy != CleanupDelete {
			return errdefs.Validationf("cleanupPolicy", "emergency topic %q must use delete", s.Name)
		}
	case ClassDeadLetter, ClassAudit:
		if s.CleanupPolicy != CleanupDelete {
			return errdefs.Validationf("cleanupPolicy", "%s topic %q must never be compacted", s.Class, s.Name)
		}
	}
	return nil
}

// Diff lists human-readable differences between s and other, and whether any
// of them is an incompatible change (partition decrease or cleanup change).
func (s Spec) Diff(other Spec) (reasons []string, incompatible bool) {
	a, b := s.Normalized(), other.Normalized()
	if a.CleanupPolicy != b.CleanupPolicy {
		reasons = append(reasons, fmt.Sprintf("cleanup policy %s -> %s", a.CleanupPolicy, b.CleanupPolicy))
		incompatible = true
	}
	if b.Partitions < a.Partitions {
		reasons = append(reasons, fmt.Sprintf("partition count cannot shrink %d -> %d", a.Partitions, b.Partitions))
		incompatible = true
	} else if b.Partitions > a.Partitions {
		reasons = append(reasons, fmt.Sprintf("partitions %d -> %d", a.Partitions, b.Partitions))
	}
	if a.ReplicationFactor != b.ReplicationFactor {
		reasons = append(reasons, fmt.Sprintf("replication factor %d -> %d", a.ReplicationFactor, b.ReplicationFactor))
	}
	if a.Retention != b.Retention {
		reasons = append(reasons, fmt.Sprintf("retention %s -> %s", a.Retention, b.Retention))
	}
	if a.Ordering != b.Ordering {
		reasons = append(reasons, fmt.Sprintf("ordering %s -> %s", a.Ordering, b.Ordering))
	}
	if a.KeyRequired != b.KeyRequired {
		reasons = append(reasons, fmt.Sprintf("key required %t -> %t", a.KeyRequired, b.KeyRequired))
	}
	return reasons, incompatible
}
