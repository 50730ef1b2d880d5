// Package inspect answers operator questions about the backbone: which topics
// exist and how they are placed, which consumer groups run and how far they
// trail, and which schemas are registered.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/broker"
	"github.com/edgeflare/carebus/pkg/errdefs"
	"github.com/edgeflare/carebus/pkg/schema"
	"github.com/edgeflare/carebus/pkg/topic"
)

// TopicStatus is a topic as the catalog defines it and as the cluster has it.
type TopicStatus struct {
	Spec topic.Spec `json:"spec"`
	// Managed is true for topics defined in the catalog.
	Managed bool `json:"managed"`
	// Provisioned is true when the topic exists on the cluster.
	Provisioned bool `json:"provisioned"`
	// Drift lists differences between the catalog and the cluster.
	Drift []string `json:"drift,omitempty"`
}

// GroupLag is a group's lag per partition and in total.
type GroupLag struct {
	Group      string                `json:"group"`
	Total      int64                 `json:"total"`
	Partitions []broker.PartitionLag `json:"partitions"`
}

// Service reads cluster, catalog and registry state. It never mutates the
// cluster; schema registration is its only write.
type Service struct {
	admin    broker.Admin
	catalog  *topic.Catalog
	registry *schema.Registry
	logger   *zap.Logger
}

// NewService returns a Service. registry may be nil when no schema store is
// configured.
func NewService(admin broker.Admin, catalog *topic.Catalog, registry *schema.Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{admin: admin, catalog: catalog, registry: registry, logger: logger}
}

// ListTopics merges catalog topics with cluster topics, sorted by name.
// Drift is what provisioning would change. Cluster topics missing from the
// catalog are reported as unmanaged.
func (s *Service) ListTopics(ctx context.Context) ([]TopicStatus, error) {
	existing, err := s.admin.Topics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cluster topics: %w", err)
	}

	byName := make(map[string]*TopicStatus)
	var out []*TopicStatus
	for _, a := range topic.Plan(s.catalog.List(), existing) {
		st, ok := byName[a.Spec.Name]
		if !ok {
			st = &TopicStatus{Spec: a.Spec, Managed: true, Provisioned: a.Kind != topic.ActionCreate}
			byName[a.Spec.Name] = st
			out = append(out, st)
		}
		if a.Kind != topic.ActionNone && a.Kind != topic.ActionCreate {
			st.Drift = append(st.Drift, a.Reasons...)
		}
	}
	for name, have := range existing {
		if _, ok := byName[name]; !ok {
			out = append(out, &TopicStatus{Spec: have, Provisioned: true})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Name < out[j].Spec.Name })
	res := make([]TopicStatus, len(out))
	for i, st := range out {
		res[i] = *st
		res[i].Drift = slices.Compact(res[i].Drift)
	}
	return res, nil
}

// DescribeTopic returns the topic's configuration and partition placement.
func (s *Service) DescribeTopic(ctx context.Context, name string) (broker.TopicDescription, error) {
	return s.admin.DescribeTopic(ctx, name)
}

// ListGroups returns the consumer groups known to the cluster.
func (s *Service) ListGroups(ctx context.Context) ([]broker.Group, error) {
	return s.admin.ListGroups(ctx)
}

// GroupLag returns the lag of group, partitions sorted by topic then id.
func (s *Service) GroupLag(ctx context.Context, group string) (GroupLag, error) {
	parts, err := s.admin.GroupLag(ctx, group)
	if err != nil {
		return GroupLag{}, err
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].Topic != parts[j].Topic {
			return parts[i].Topic < parts[j].Topic
		}
		return parts[i].Partition < parts[j].Partition
	})
	lag := GroupLag{Group: group, Partitions: parts}
	for _, p := range parts {
		lag.Total += p.Lag
	}
	return lag, nil
}

// ErrNoRegistry is returned by schema operations when no registry is
// configured.
var ErrNoRegistry = errors.New("schema registry not configured")

// Schemas returns every version of eventType, or schema.ErrNotFound.
func (s *Service) Schemas(ctx context.Context, eventType string) ([]schema.Version, error) {
	if s.registry == nil {
		return nil, ErrNoRegistry
	}
	vs, err := s.registry.List(ctx, eventType)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, fmt.Errorf("%w: %s", schema.ErrNotFound, eventType)
	}
	return vs, nil
}

// RegisterSchema registers sc as the next version of eventType.
func (s *Service) RegisterSchema(ctx context.Context, eventType string, sc schema.Schema) (int, error) {
	if s.registry == nil {
		return 0, ErrNoRegistry
	}
	v, err := s.registry.Register(ctx, eventType, sc)
	if err != nil {
		return 0, err
	}
	s.logger.Info("schema registered", zap.String("event_type", eventType), zap.Int("version", v))
	return v, nil
}

// Validate checks payload against a registered version.
func (s *Service) Validate(ctx context.Context, eventType string, version int, payload []byte) error {
	if s.registry == nil {
		return ErrNoRegistry
	}
	if version < 1 {
		return errdefs.Validationf("version", "must be at least 1, got %d", version)
	}
	return s.registry.Validate(ctx, eventType, version, payload)
}

// Health checks that the cluster answers within timeout.
func (s *Service) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := s.admin.Topics(ctx); err != nil {
		return fmt.Errorf("cluster unreachable: %w", err)
	}
	return nil
}
