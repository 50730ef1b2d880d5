package topic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflare/carebus/pkg/errdefs"
)

type fakeCluster struct {
	topics map[string]Spec
	calls  []string
}

func (f *fakeCluster) Topics(context.Context) (map[string]Spec, error) {
	out := make(map[string]Spec, len(f.topics))
	for k, v := range f.topics {
		out[k] = v
	}
	return out, nil
}

func (f *fakeCluster) CreateTopic(_ context.Context, s Spec) error {
	f.calls = append(f.calls, "create "+s.Name)
	f.topics[s.Name] = s
	return nil
}

func (f *fakeCluster) AddPartitions(_ context.Context, name string, total int32) error {
	f.calls = append(f.calls, "partitions "+name)
	s := f.topics[name]
	s.Partitions = total
	f.topics[name] = s
	return nil
}

func (f *fakeCluster) UpdateConfig(_ context.Context, s Spec) error {
	f.calls = append(f.calls, "config "+s.Name)
	cur := f.topics[s.Name]
	cur.Retention = s.Retention
	cur.Ordering = s.Ordering
	f.topics[s.Name] = cur
	return nil
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cluster := &fakeCluster{topics: map[string]Spec{}}

	_, err := Apply(ctx, cluster, DefaultSpecs(), nil)
	require.NoError(t, err)
	assert.Len(t, cluster.calls, len(DefaultSpecs()))

	cluster.calls = nil
	actions, err := Apply(ctx, cluster, DefaultSpecs(), nil)
	require.NoError(t, err)
	assert.Empty(t, cluster.calls)
	for _, a := range actions {
		assert.Equal(t, ActionNone, a.Kind, a.Spec.Name)
	}
}

func TestPlan(t *testing.T) {
	base := validDelete()

	grown := base
	grown.Partitions = 12
	grown.Retention = 14 * day

	shrunk := base
	shrunk.Partitions = 1

	rf := base
	rf.ReplicationFactor = 5

	testCases := []struct {
		name    string
		desired Spec
		want    []ActionKind
	}{
		{name: "unchanged", desired: base, want: []ActionKind{ActionNone}},
		{name: "grow and retention", desired: grown, want: []ActionKind{ActionAddPartitions, ActionUpdateConfig}},
		{name: "shrink", desired: shrunk, want: []ActionKind{ActionConflict}},
		{name: "replication change", desired: rf, want: []ActionKind{ActionConflict}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			actions := Plan([]Spec{tc.desired}, map[string]Spec{base.Name: base})
			var kinds []ActionKind
			for _, a := range actions {
				kinds = append(kinds, a.Kind)
			}
			assert.Equal(t, tc.want, kinds)
		})
	}
}

func TestApplyReportsConflicts(t *testing.T) {
	base := validDelete()
	cluster := &fakeCluster{topics: map[string]Spec{base.Name: base}}

	shrunk := base
	shrunk.Partitions = 2
	other := Spec{Name: "auth.events", Partitions: 3, ReplicationFactor: 3, CleanupPolicy: CleanupDelete, Retention: 3 * day}

	_, err := Apply(context.Background(), cluster, []Spec{shrunk, other}, nil)
	assert.True(t, errdefs.IsConflict(err))
	assert.Equal(t, []string{"create auth.events"}, cluster.calls)
	assert.Equal(t, int32(6), cluster.topics[base.Name].Partitions)
}
