package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func TestDo(t *testing.T) {
	errBoom := errors.New("boom")
	errFatal := errors.New("fatal")

	testCases := []struct {
		name      string
		policy    Policy
		failures  int
		err       error
		wantCalls int
		wantErr   error
	}{
		{name: "first try", policy: fastPolicy(3), failures: 0, wantCalls: 1},
		{name: "recovers", policy: fastPolicy(3), failures: 2, err: errBoom, wantCalls: 3},
		{name: "exhausted", policy: fastPolicy(3), failures: 10, err: errBoom, wantCalls: 3, wantErr: errBoom},
		{name: "non retryable", policy: fastPolicy(5), failures: 10, err: errFatal, wantCalls: 1, wantErr: errFatal},
		{name: "zero budget", policy: fastPolicy(0), failures: 10, err: errBoom, wantCalls: 1, wantErr: errBoom},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			var notified []int
			attempts, err := Do(context.Background(), tc.policy,
				func(_ context.Context, attempt int) error {
					calls++
					assert.Equal(t, calls, attempt)
					if calls <= tc.failures {
						return tc.err
					}
					return nil
				},
				WithRetryable(func(err error) bool { return !errors.Is(err, errFatal) }),
				WithNotify(func(_ error, attempt int, _ time.Duration) { notified = append(notified, attempt) }),
			)
			assert.Equal(t, tc.wantCalls, calls)
			assert.Equal(t, tc.wantCalls, attempts)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			for i, n := range notified {
				assert.Equal(t, i+1, n)
			}
		})
	}
}

func TestDoStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 100, InitialInterval: 50 * time.Millisecond}

	_, err := Do(ctx, p, func(context.Context, int) error {
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPerAttemptTimeout(t *testing.T) {
	p := fastPolicy(1)
	p.PerAttemptTimeout = 5 * time.Millisecond

	_, err := Do(context.Background(), p, func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
