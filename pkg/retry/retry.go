// Package retry provides the bounded retry policy shared by the producer, the
// consumer and the dead-letter router.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is an explicit, bounded retry budget with an exponential curve.
type Policy struct {
	// MaxAttempts includes the first attempt. Values < 1 are treated as 1.
	MaxAttempts         int           `mapstructure:"maxAttempts" json:"maxAttempts"`
	InitialInterval     time.Duration `mapstructure:"initialInterval" json:"initialInterval"`
	MaxInterval         time.Duration `mapstructure:"maxInterval" json:"maxInterval"`
	Multiplier          float64       `mapstructure:"multiplier" json:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomizationFactor" json:"randomizationFactor"`
	// PerAttemptTimeout bounds a single attempt when > 0.
	PerAttemptTimeout time.Duration `mapstructure:"perAttemptTimeout" json:"perAttemptTimeout"`
}

// DefaultPolicy returns 5 attempts starting at 100ms, doubling up to 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         5,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// Attempts returns the effective attempt budget.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// BackOff builds the backoff curve bounded by the attempt budget and ctx.
func (p Policy) BackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Attempts()-1)), ctx)
}

// Func is a retried operation. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

type options struct {
	retryable func(error) bool
	notify    func(err error, attempt int, next time.Duration)
}

// Option customizes Do.
type Option func(*options)

// WithRetryable limits retries to errors for which fn returns true. Other
// errors end the loop immediately.
func WithRetryable(fn func(error) bool) Option {
	return func(o *options) { o.retryable = fn }
}

// WithNotify is called after every failed attempt that will be retried.
func WithNotify(fn func(err error, attempt int, next time.Duration)) Option {
	return func(o *options) { o.notify = fn }
}

// Do runs fn until it succeeds, the budget is spent, a non-retryable error is
// returned or ctx is done. It returns the number of attempts made and the last
// error.
func Do(ctx context.Context, p Policy, fn Func, opts ...Option) (int, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	attempts := 0
	operation := func() error {
		attempts++
		actx := ctx
		if p.PerAttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, p.PerAttemptTimeout)
			defer cancel()
		}
		err := fn(actx, attempts)
		if err != nil && o.retryable != nil && !o.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if o.notify != nil {
		notify = func(err error, next time.Duration) { o.notify(err, attempts, next) }
	}

	err := backoff.RetryNotify(operation, p.BackOff(ctx), notify)
	return attempts, err
}
