package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflare/carebus/pkg/broker/memory"
	"github.com/edgeflare/carebus/pkg/errdefs"
	"github.com/edgeflare/carebus/pkg/event"
	"github.com/edgeflare/carebus/pkg/partition"
	"github.com/edgeflare/carebus/pkg/priority"
	"github.com/edgeflare/carebus/pkg/retry"
	"github.com/edgeflare/carebus/pkg/topic"
)

var fastRetry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}

func newBroker(t *testing.T) *memory.Broker {
	t.Helper()
	b := memory.New()
	_, err := topic.Apply(context.Background(), b, topic.DefaultSpecs(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func produce(t *testing.T, b *memory.Broker, name string, n, from int) {
	t.Helper()
	spec := topic.Default().MustGet(name)
	p := partition.New()
	for i := from; i < from+n; i++ {
		key := []byte(fmt.Sprintf("patient-%d", i%4))
		part, err := p.ForSpec(spec, key)
		require.NoError(t, err)
		_, err = b.Produce(context.Background(), name, part, event.Event{
			Key:     key,
			Type:    "patient.updated",
			Payload: []byte(fmt.Sprintf(`{"seq":%d}`, i)),
			Headers: event.Headers{event.HeaderEventID: fmt.Sprintf("evt-%d", i)},
		})
		require.NoError(t, err)
	}
}

func config(group string, topics ...string) Config {
	cfg := DefaultConfig()
	cfg.Group = group
	cfg.Topics = topics
	cfg.Retry = fastRetry
	return cfg
}

func totalLag(t *testing.T, b *memory.Broker, group string) int64 {
	t.Helper()
	lags, err := b.GroupLag(context.Background(), group)
	require.NoError(t, err)
	var total int64
	for _, l := range lags {
		total += l.Lag
	}
	return total
}

type routed struct {
	rec event.Record
	Failure
}

type fakeRouter struct {
	mu   sync.Mutex
	sent []routed
	err  error
}

func (f *fakeRouter) Send(_ context.Context, rec event.Record, fl Failure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, routed{rec, fl})
	return nil
}

// runUntil runs c until n records were handled by fn.
func runUntil(t *testing.T, c *Consumer, n int, fn Handler) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var (
		mu      sync.Mutex
		handled int
	)
	return c.Run(ctx, func(ctx context.Context, rec event.Record) error {
		err := fn(ctx, rec)
		if err == nil {
			mu.Lock()
			handled++
			if handled >= n {
				cancel()
			}
			mu.Unlock()
		}
		return err
	})
}

func TestRunCommitsAndResumes(t *testing.T) {
	b := newBroker(t)
	produce(t, b, topic.PatientState, 10, 0)

	c, err := New(context.Background(), b, config("ward-board", topic.PatientState))
	require.NoError(t, err)

	seen := map[string]bool{}
	require.NoError(t, runUntil(t, c, 10, func(_ context.Context, rec event.Record) error {
		seen[rec.ID()] = true
		return nil
	}))
	require.NoError(t, c.Close())
	assert.Len(t, seen, 10)
	assert.Zero(t, totalLag(t, b, "ward-board"), "processed records are committed")

	produce(t, b, topic.PatientState, 2, 10)
	c, err = New(context.Background(), b, config("ward-board", topic.PatientState))
	require.NoError(t, err)
	defer c.Close()

	var resumed []string
	require.NoError(t, runUntil(t, c, 2, func(_ context.Context, rec event.Record) error {
		resumed = append(resumed, rec.ID())
		return nil
	}))
	assert.ElementsMatch(t, []string{"evt-10", "evt-11"}, resumed, "restart resumes at the committed offset")
}

func TestPoisonEventIsDeadLetteredWithoutStall(t *testing.T) {
	b := newBroker(t)
	produce(t, b, topic.PatientState, 8, 0)

	router := &fakeRouter{}
	c, err := New(context.Background(), b, config("billing", topic.PatientState), WithDeadLetter(router))
	require.NoError(t, err)
	defer c.Close()

	calls := map[string]int{}
	require.NoError(t, runUntil(t, c, 7, func(_ context.Context, rec event.Record) error {
		calls[rec.ID()]++
		if rec.ID() == "evt-3" {
			return errors.New("malformed dosage")
		}
		return nil
	}))

	require.Len(t, router.sent, 1)
	assert.Equal(t, "evt-3", router.sent[0].rec.ID())
	assert.Equal(t, fastRetry.MaxAttempts, router.sent[0].Attempts)
	assert.Equal(t, "billing", router.sent[0].Group)
	assert.True(t, router.sent[0].LastFailedAt.After(router.sent[0].FirstFailedAt), "window spans the retries")
	var perr *errdefs.ProcessingError
	assert.ErrorAs(t, router.sent[0].Err, &perr)
	assert.Equal(t, fastRetry.MaxAttempts, calls["evt-3"])
	assert.Len(t, calls, 8)
	assert.Zero(t, totalLag(t, b, "billing"), "the partition advances past the poison event")
}

func TestPermanentErrorSkipsLocalRetries(t *testing.T) {
	b := newBroker(t)
	produce(t, b, topic.PatientState, 1, 0)

	router := &fakeRouter{}
	c, err := New(context.Background(), b, config("pharmacy", topic.PatientState), WithDeadLetter(router))
	require.NoError(t, err)
	defer c.Close()

	batch, err := c.Poll(context.Background())
	require.NoError(t, err)
	calls := 0
	require.NoError(t, c.Process(context.Background(), batch, func(context.Context, event.Record) error {
		calls++
		return errdefs.Validationf("payload", "unknown ward")
	}))
	assert.Equal(t, 1, calls)
	require.Len(t, router.sent, 1)
	assert.Equal(t, 1, router.sent[0].Attempts)
	assert.False(t, router.sent[0].FirstFailedAt.IsZero())
	assert.Equal(t, router.sent[0].FirstFailedAt, router.sent[0].LastFailedAt)
}

func TestEscalationStopsBatchUncommitted(t *testing.T) {
	b := newBroker(t)
	// One partition topic keeps the batch order deterministic.
	produceSingle := func(i int) {
		_, err := b.Produce(context.Background(), topic.EmergencyAlerts, 0, event.Event{
			Key:     []byte("bed-1"),
			Payload: []byte(`{}`),
			Headers: event.Headers{event.HeaderEventID: fmt.Sprintf("alert-%d", i)},
		})
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		produceSingle(i)
	}

	router := &fakeRouter{err: errors.New("dead-letter topic unavailable")}
	c, err := New(context.Background(), b, config("rapid-response", topic.EmergencyAlerts), WithDeadLetter(router))
	require.NoError(t, err)

	var handled []string
	err = c.Run(context.Background(), func(_ context.Context, rec event.Record) error {
		if rec.ID() == "alert-2" {
			return errors.New("pager gateway rejected alert")
		}
		handled = append(handled, rec.ID())
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, []string{"alert-0", "alert-1"}, handled)

	lags, err := b.GroupLag(context.Background(), "rapid-response")
	require.NoError(t, err)
	require.Len(t, lags, 1)
	assert.Equal(t, int64(2), lags[0].Committed, "nothing at or after the failed record is committed")
	require.NoError(t, c.Close())

	// A new member resumes at the failed record.
	router.err = nil
	c, err = New(context.Background(), b, config("rapid-response", topic.EmergencyAlerts), WithDeadLetter(router))
	require.NoError(t, err)
	defer c.Close()
	batch, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alert-2", batch[0].ID())
}

func TestDeduperSkipsRedelivery(t *testing.T) {
	b := newBroker(t)
	produce(t, b, topic.PatientState, 4, 0)

	d := NewMemoryDeduper(time.Hour, 0)
	c, err := New(context.Background(), b, config("lab", topic.PatientState), WithDeduper(d))
	require.NoError(t, err)
	defer c.Close()

	var batch []event.Record
	for len(batch) < 4 {
		recs, err := c.Poll(context.Background())
		require.NoError(t, err)
		batch = append(batch, recs...)
	}

	calls := 0
	handler := func(context.Context, event.Record) error { calls++; return nil }
	require.NoError(t, c.Process(context.Background(), batch, handler))
	require.NoError(t, c.Process(context.Background(), batch, handler))
	assert.Equal(t, 4, calls, "redelivered records are processed once")
	assert.Equal(t, 4, d.Len())
}

func TestNewValidates(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()

	_, err := New(ctx, b, config("", topic.PatientState))
	assert.True(t, errdefs.IsValidation(err))

	_, err = New(ctx, b, config("billing"))
	assert.True(t, errdefs.IsValidation(err))

	guard := priority.NewGuard(topic.Default(), "analytics")
	_, err = New(ctx, b, config("ward-board", topic.EmergencyAlerts, topic.PatientState), WithGuard(guard))
	assert.True(t, errdefs.IsValidation(err), "mixed emergency subscription is rejected")

	c, err := New(ctx, b, config("rapid-response", topic.EmergencyAlerts), WithGuard(guard))
	require.NoError(t, err)
	assert.Equal(t, map[string][]int32{topic.EmergencyAlerts: {0}}, c.Assignment())
	require.NoError(t, c.Close())
}

func TestGroupsAreIsolated(t *testing.T) {
	b := newBroker(t)
	produce(t, b, topic.PatientState, 6, 0)

	stuck, err := New(context.Background(), b, config("analytics", topic.PatientState))
	require.NoError(t, err)
	defer stuck.Close()
	batch, err := stuck.Poll(context.Background())
	require.NoError(t, err)
	require.Error(t, stuck.Process(context.Background(), batch[:1], func(context.Context, event.Record) error {
		return errors.New("warehouse offline")
	}))

	display, err := New(context.Background(), b, config("clinical-display", topic.PatientState))
	require.NoError(t, err)
	defer display.Close()
	require.NoError(t, runUntil(t, display, 6, func(context.Context, event.Record) error { return nil }))

	assert.Zero(t, totalLag(t, b, "clinical-display"))
	assert.Equal(t, int64(6), totalLag(t, b, "analytics"), "a failing group keeps its own lag only")
}

func TestMembershipChangesMidBatch(t *testing.T) {
	b := newBroker(t)
	spec := topic.Default().MustGet(topic.PatientState)
	p := partition.New()
	const total = 240
	for i := 0; i < total; i++ {
		key := []byte(fmt.Sprintf("patient-%d", i%24))
		part, err := p.ForSpec(spec, key)
		require.NoError(t, err)
		_, err = b.Produce(context.Background(), topic.PatientState, part, event.Event{
			Key:     key,
			Payload: []byte(fmt.Sprintf(`{"seq":%d}`, i)),
			Headers: event.Headers{event.HeaderEventID: fmt.Sprintf("evt-%d", i)},
		})
		require.NoError(t, err)
	}

	cfg := config("bed-board", topic.PatientState)
	cfg.BatchSize = 10

	ctx, cancelAll := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelAll()
	firstCtx, stopFirst := context.WithCancel(ctx)
	defer stopFirst()

	first, err := New(ctx, b, cfg)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		inFlight = map[int32]bool{}
		seqs     = map[string][]int{}
		handled  int
		overlaps []string
		wg       sync.WaitGroup
		runErrs  = make(chan error, 2)
	)
	var handler Handler
	handler = func(_ context.Context, rec event.Record) error {
		mu.Lock()
		if inFlight[rec.Partition] {
			overlaps = append(overlaps, rec.ID())
		}
		inFlight[rec.Partition] = true
		mu.Unlock()

		time.Sleep(100 * time.Microsecond)
		var body struct{ Seq int }
		assert.NoError(t, rec.Decode(&body))

		mu.Lock()
		defer mu.Unlock()
		inFlight[rec.Partition] = false
		seqs[string(rec.Key)] = append(seqs[string(rec.Key)], body.Seq)
		handled++
		switch handled {
		case 40:
			// A second member joins while the first is mid-batch.
			second, err := New(ctx, b, cfg)
			if !assert.NoError(t, err) {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer second.Close()
				runErrs <- second.Run(ctx, handler)
			}()
		case 140:
			// The first member leaves once its current batch is done.
			stopFirst()
		case total:
			cancelAll()
		}
		return nil
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer first.Close()
		runErrs <- first.Run(firstCtx, handler)
	}()
	wg.Wait()
	close(runErrs)
	for err := range runErrs {
		require.NoError(t, err)
	}

	assert.Empty(t, overlaps, "a partition is never processed by two members at once")
	assert.Equal(t, total, handled, "every event is processed exactly once across the handovers")
	for key, got := range seqs {
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1], got[i], "order of %s", key)
		}
	}
	assert.Zero(t, totalLag(t, b, "bed-board"))
}

func TestRunFinishesPolledBatchOnCancel(t *testing.T) {
	b := newBroker(t)
	produce(t, b, topic.EmergencyAlerts, 3, 0)

	c, err := New(context.Background(), b, config("rapid-response", topic.EmergencyAlerts))
	require.NoError(t, err)
	defer c.Close()

	// The broker hands out records it already has even to a canceled poll.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var handled []string
	require.NoError(t, c.Run(ctx, func(_ context.Context, rec event.Record) error {
		handled = append(handled, rec.ID())
		return nil
	}))
	assert.Equal(t, []string{"evt-0", "evt-1", "evt-2"}, handled)
	assert.Zero(t, totalLag(t, b, "rapid-response"), "the batch is committed before Run returns")
}
