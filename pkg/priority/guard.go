// Package priority keeps the emergency path isolated from bulk traffic.
//
// Emergency topics are consumed only by groups dedicated to them, so a slow
// analytics consumer can never delay an alert. After the primary append, the
// producer copies each emergency event to an independent Mirror (NATS JetStream
// or MQTT) as a second delivery channel.
package priority

import (
	"errors"
	"slices"

	"github.com/edgeflare/carebus/pkg/errdefs"
	"github.com/edgeflare/carebus/pkg/topic"
)

// Guard validates consumer group subscriptions against the catalog.
type Guard struct {
	catalog    *topic.Catalog
	bulkGroups []string
}

// NewGuard returns a Guard. bulkGroups names groups registered for bulk
// processing, such as analytics, which may never read emergency topics.
func NewGuard(catalog *topic.Catalog, bulkGroups ...string) *Guard {
	return &Guard{catalog: catalog, bulkGroups: bulkGroups}
}

// Check returns a ValidationError if group mixes emergency and other topics,
// or is a bulk group subscribing to an emergency topic.
func (g *Guard) Check(group string, topics []string) error {
	if group == "" {
		return errdefs.Validationf("group", "must not be empty")
	}
	if len(topics) == 0 {
		return errdefs.Validationf("topics", "group %q subscribes to no topic", group)
	}

	var emergency, other []string
	for _, name := range topics {
		spec, err := g.catalog.Get(name)
		if errors.Is(err, topic.ErrUnknownTopic) {
			return errdefs.Validationf("topics", "unknown topic %q", name)
		}
		if err != nil {
			return err
		}
		if spec.Class == topic.ClassEmergency {
			emergency = append(emergency, name)
		} else {
			other = append(other, name)
		}
	}
	if len(emergency) == 0 {
		return nil
	}
	if len(other) > 0 {
		return errdefs.Validationf("topics",
			"group %q mixes emergency topics %v with %v; emergency groups must be dedicated", group, emergency, other)
	}
	if slices.Contains(g.bulkGroups, group) {
		return errdefs.Validationf("group", "bulk group %q may not consume emergency topics", group)
	}
	return nil
}

// IsEmergency reports whether name is an emergency topic.
func (g *Guard) IsEmergency(name string) bool {
	spec, err := g.catalog.Get(name)
	return err == nil && spec.Class == topic.ClassEmergency
}
