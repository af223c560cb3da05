package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options configures Do
type Options struct {
	MaxRetries int
	BaseWait   time.Duration
	MaxWait    time.Duration
	Multiplier float64
	RetryIf    func(err error) bool
	Notify     func(err error, wait time.Duration)
}

// Option customizes Do
type Option func(*Options)

// WithMaxRetries sets how many times fn is retried after the first call
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithBaseWait sets the wait before the first retry
func WithBaseWait(d time.Duration) Option {
	return func(o *Options) { o.BaseWait = d }
}

// WithMaxWait caps the wait between retries
func WithMaxWait(d time.Duration) Option {
	return func(o *Options) { o.MaxWait = d }
}

// WithMultiplier sets the growth factor of the wait between retries
func WithMultiplier(m float64) Option {
	return func(o *Options) { o.Multiplier = m }
}

// WithRetryIf replaces IsRecoverable as the test for retryable errors
func WithRetryIf(fn func(err error) bool) Option {
	return func(o *Options) { o.RetryIf = fn }
}

// WithNotify registers a function called before each retry
func WithNotify(fn func(err error, wait time.Duration)) Option {
	return func(o *Options) { o.Notify = fn }
}

// Do calls fn until it succeeds, returns an error that is not retryable,
// runs out of retries or ctx is done. The last error from fn is returned;
// if ctx ends first its error is returned instead.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := &Options{
		MaxRetries: 3,
		BaseWait:   500 * time.Millisecond,
		MaxWait:    30 * time.Second,
		Multiplier: 2,
		RetryIf:    IsRecoverable,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MaxWait < o.BaseWait {
		o.MaxWait = o.BaseWait
	}

	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(o.BaseWait),
		backoff.WithMaxInterval(o.MaxWait),
		backoff.WithMultiplier(o.Multiplier),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(o.MaxRetries)), ctx)

	operation := func() error {
		err := fn()
		if err != nil && !o.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(operation, policy, o.Notify)
}
