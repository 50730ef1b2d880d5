package topic

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/edgeflare/carebus/pkg/errdefs"
)

func validDelete() Spec {
	return Spec{
		Name:              "notification.events",
		Partitions:        6,
		ReplicationFactor: 3,
		CleanupPolicy:     CleanupDelete,
		Retention:         7 * day,
	}
}

func TestSpecValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Spec)
		field  string
	}{
		{name: "valid", mutate: func(*Spec) {}},
		{name: "empty name", mutate: func(s *Spec) { s.Name = "" }, field: "name"},
		{name: "too long", mutate: func(s *Spec) { s.Name = strings.Repeat("a", 250) }, field: "name"},
		{name: "dot", mutate: func(s *Spec) { s.Name = "." }, field: "name"},
		{name: "internal", mutate: func(s *Spec) { s.Name = "__consumer_offsets" }, field: "name"},
		{name: "bad chars", mutate: func(s *Spec) { s.Name = "patient state" }, field: "name"},
		{name: "zero partitions", mutate: func(s *Spec) { s.Partitions = 0 }, field: "partitions"},
		{name: "zero replication", mutate: func(s *Spec) { s.ReplicationFactor = 0 }, field: "replicationFactor"},
		{name: "delete without retention", mutate: func(s *Spec) { s.Retention = 0 }, field: "retention"},
		{name: "unknown policy", mutate: func(s *Spec) { s.CleanupPolicy = "archive" }, field: "cleanupPolicy"},
		{name: "unknown ordering", mutate: func(s *Spec) { s.Ordering = "wallclock" }, field: "ordering"},
		{name: "compact without key", mutate: func(s *Spec) { s.CleanupPolicy = CleanupCompact }, field: "keyRequired"},
		{name: "compact with key", mutate: func(s *Spec) { s.CleanupPolicy = CleanupCompact; s.KeyRequired = true }},
		{name: "emergency producer time", mutate: func(s *Spec) { s.Class = ClassEmergency }, field: "ordering"},
		{
			name: "compacted dead letter",
			mutate: func(s *Spec) {
				s.Class = ClassDeadLetter
				s.CleanupPolicy = CleanupCompact
				s.KeyRequired = true
			},
			field: "cleanupPolicy",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := validDelete()
			tc.mutate(&s)
			err := s.Validate()
			if tc.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *errdefs.ValidationError
			if assert.ErrorAs(t, err, &verr) {
				assert.Equal(t, tc.field, verr.Field)
			}
		})
	}
}

func TestSpecDiff(t *testing.T) {
	base := validDelete()

	reasons, incompatible := base.Diff(base)
	assert.Empty(t, reasons)
	assert.False(t, incompatible)

	grown := base
	grown.Partitions = 12
	reasons, incompatible = base.Diff(grown)
	assert.Len(t, reasons, 1)
	assert.False(t, incompatible)

	reasons, incompatible = grown.Diff(base)
	assert.Len(t, reasons, 1)
	assert.True(t, incompatible)

	compacted := base
	compacted.CleanupPolicy = CleanupCompact
	compacted.KeyRequired = true
	reasons, incompatible = base.Diff(compacted)
	assert.True(t, incompatible)
	assert.GreaterOrEqual(t, len(reasons), 2)
}

func TestSpecDerived(t *testing.T) {
	s := Spec{Name: "x", CleanupPolicy: CleanupCompact, Retention: time.Hour}
	n := s.Normalized()
	assert.Equal(t, OrderingProducer, n.Ordering)
	assert.Zero(t, n.Retention)
	assert.True(t, n.RequiresKey())

	for rf, want := range map[int16]int16{1: 1, 2: 2, 3: 2, 5: 3} {
		assert.Equal(t, want, Spec{ReplicationFactor: rf}.MinInSync(), "rf=%d", rf)
	}
}
