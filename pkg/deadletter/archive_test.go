package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflare/carebus/internal/testutil/pgtest"
	"github.com/edgeflare/carebus/pkg/topic"
)

func TestArchive(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Pool(ctx, t)
	pgtest.Exec(ctx, t, pool, "DROP TABLE IF EXISTS carebus_deadletters")

	a, err := NewArchive(ctx, pool, WithNotifyChannel("carebus_deadletter"))
	require.NoError(t, err)

	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := Record{
		OriginTopic: topic.PharmacyState, OriginPartition: 2, OriginOffset: 40,
		EventID: "evt-40", EventType: "prescription.updated", SchemaVersion: 1,
		Payload: []byte(`{"drug":"heparin"}`), Group: "pharmacy-dispense", Attempts: 5, ErrorClass: "processing",
		Error: "dose exceeds ward limit", FirstFailedAt: failedAt.Add(-time.Second), LastFailedAt: failedAt, FailedAt: failedAt,
	}
	second := first
	second.OriginTopic, second.OriginOffset, second.FailedAt = topic.LabState, 7, failedAt.Add(time.Minute)
	second.Group, second.Payload, second.RawPayload = "lab-sync", nil, []byte("K+\x00 4.1")

	require.NoError(t, a.Put(ctx, first))
	require.NoError(t, a.Put(ctx, first), "archiving a redelivered record is a no-op")
	require.NoError(t, a.Put(ctx, second))

	all, err := a.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID(), all[0].ID())
	assert.JSONEq(t, `{"drug":"heparin"}`, string(all[0].Payload))

	assert.Equal(t, "pharmacy-dispense", all[0].Group)
	assert.Equal(t, first.FirstFailedAt, all[0].FirstFailedAt.UTC())
	assert.Equal(t, first.LastFailedAt, all[0].LastFailedAt.UTC())

	lab, err := a.List(ctx, Filter{Topic: topic.LabState})
	require.NoError(t, err)
	require.Len(t, lab, 1)
	assert.Equal(t, []byte("K+\x00 4.1"), lab[0].OriginalPayload(), "non-JSON payloads survive byte for byte")

	byGroup, err := a.List(ctx, Filter{Group: "lab-sync"})
	require.NoError(t, err)
	require.Len(t, byGroup, 1)
	assert.Equal(t, second.ID(), byGroup[0].ID())

	var window struct{ First, Last time.Time }
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT first_failed_at, last_failed_at FROM carebus_deadletters WHERE id = $1`, first.ID()).
		Scan(&window.First, &window.Last))
	assert.True(t, window.First.Equal(first.FirstFailedAt))
	assert.True(t, window.Last.Equal(first.LastFailedAt))

	require.NoError(t, a.MarkResolved(ctx, first.ID(), "nurse.lee"))
	assert.True(t, errors.Is(a.MarkResolved(ctx, first.ID(), "nurse.lee"), ErrAlreadyResolved))
	assert.ErrorIs(t, a.MarkResolved(ctx, "nope/0/0", "nurse.lee"), ErrNotFound)

	open, err := a.List(ctx, Filter{Unresolved: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID(), open[0].ID())

	got, err := a.Get(ctx, first.ID())
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, "nurse.lee", got.ResolvedBy)
}
