package topic

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/errdefs"
)

// Cluster is the subset of broker administration that provisioning needs.
type Cluster interface {
	// Topics returns the topics present on the cluster, internal ones excluded.
	Topics(ctx context.Context) (map[string]Spec, error)
	CreateTopic(ctx context.Context, spec Spec) error
	// AddPartitions grows name to total partitions.
	AddPartitions(ctx context.Context, name string, total int32) error
	// UpdateConfig applies retention and ordering of spec to an existing topic.
	UpdateConfig(ctx context.Context, spec Spec) error
}

// ActionKind is what provisioning does for a topic.
type ActionKind string

const (
	ActionNone          ActionKind = "none"
	ActionCreate        ActionKind = "create"
	ActionAddPartitions ActionKind = "add-partitions"
	ActionUpdateConfig  ActionKind = "update-config"
	ActionConflict      ActionKind = "conflict"
)

// Action is one planned provisioning step.
type Action struct {
	Kind    ActionKind
	Spec    Spec
	Current *Spec
	Reasons []string
}

// Plan compares desired specs with what exists and returns one action per
// desired topic, plus follow-up config updates when a topic both grows and
// drifts. Actions are sorted by topic name.
func Plan(desired []Spec, existing map[string]Spec) []Action {
	var actions []Action
	for _, want := range desired {
		want = want.Normalized()
		have, ok := existing[want.Name]
		if !ok {
			actions = append(actions, Action{Kind: ActionCreate, Spec: want})
			continue
		}
		have = have.Normalized()
		cur := have

		reasons, incompatible := have.Diff(want)
		switch {
		case len(reasons) == 0:
			actions = append(actions, Action{Kind: ActionNone, Spec: want, Current: &cur})
		case incompatible || have.ReplicationFactor != want.ReplicationFactor:
			actions = append(actions, Action{Kind: ActionConflict, Spec: want, Current: &cur, Reasons: reasons})
		case want.Partitions == have.Partitions && !configDrift(have, want):
			// Only catalog-level fields differ; nothing to change on the cluster.
			actions = append(actions, Action{Kind: ActionNone, Spec: want, Current: &cur})
		default:
			if want.Partitions > have.Partitions {
				actions = append(actions, Action{
					Kind: ActionAddPartitions, Spec: want, Current: &cur,
					Reasons: []string{fmt.Sprintf("partitions %d -> %d", have.Partitions, want.Partitions)},
				})
			}
			if configDrift(have, want) {
				actions = append(actions, Action{Kind: ActionUpdateConfig, Spec: want, Current: &cur, Reasons: reasons})
			}
		}
	}
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Spec.Name < actions[j].Spec.Name })
	return actions
}

func configDrift(have, want Spec) bool {
	return have.Retention != want.Retention || have.Ordering != want.Ordering
}

// Apply provisions specs on cluster. Running it twice is a no-op the second
// time. Conflicting topics are left untouched and reported together as a
// ConflictError after every other action has been applied.
func Apply(ctx context.Context, cluster Cluster, specs []Spec, logger *zap.Logger) ([]Action, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}

	existing, err := cluster.Topics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}

	actions := Plan(specs, existing)
	var conflicts []Action
	for _, a := range actions {
		log := logger.With(zap.String("topic", a.Spec.Name), zap.String("action", string(a.Kind)))
		switch a.Kind {
		case ActionCreate:
			err = cluster.CreateTopic(ctx, a.Spec)
		case ActionAddPartitions:
			err = cluster.AddPartitions(ctx, a.Spec.Name, a.Spec.Partitions)
		case ActionUpdateConfig:
			err = cluster.UpdateConfig(ctx, a.Spec)
		case ActionConflict:
			log.Warn("topic definition conflicts with cluster", zap.Strings("reasons", a.Reasons))
			conflicts = append(conflicts, a)
			continue
		default:
			continue
		}
		if err != nil {
			return actions, fmt.Errorf("%s %s: %w", a.Kind, a.Spec.Name, err)
		}
		log.Info("provisioned topic", zap.Strings("reasons", a.Reasons))
	}

	if len(conflicts) > 0 {
		first := conflicts[0]
		reasons := append([]string(nil), first.Reasons...)
		for _, c := range conflicts[1:] {
			reasons = append(reasons, fmt.Sprintf("%s: %v", c.Spec.Name, c.Reasons))
		}
		return actions, &errdefs.ConflictError{Topic: first.Spec.Name, Reasons: reasons}
	}
	return actions, nil
}
