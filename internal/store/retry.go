package store

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how a mutation is retried on transient store errors.
type RetryPolicy struct {
	Attempts uint64
	Base     time.Duration
	Max      time.Duration
	// OnRetry observes each transient failure; nil is allowed.
	OnRetry func(op string, attempt int, err error)
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts: 4,
	Base:     50 * time.Millisecond,
	Max:      time.Second,
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = DefaultRetryPolicy.Base
	}
	b := retry.NewExponential(base)
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	retries := uint64(0)
	if p.Attempts > 1 {
		retries = p.Attempts - 1
	}
	return retry.WithMaxRetries(retries, b)
}

// Retry runs fn until it succeeds, returns a non-transient error, the policy is
// exhausted or ctx is done. Only TransientError results are retried.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if policy.OnRetry != nil {
			policy.OnRetry(op, attempt, err)
		}
		return retry.RetryableError(err)
	})
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, policy, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
