package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds optimistic-concurrency retries. Once MaxAttempts
// compare-and-swap attempts have lost, ErrRetryableConflict is surfaced.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// retryOnConflict runs op until it succeeds, fails with something other
// than ErrVersionConflict, or the policy is exhausted.
func retryOnConflict[T any](ctx context.Context, p RetryPolicy, onConflict func(), op func() (T, error)) (T, error) {
	attempts := 0
	result, err := backoff.RetryWithData(func() (T, error) {
		attempts++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrVersionConflict) {
			if onConflict != nil {
				onConflict()
			}
			return v, err
		}
		return v, backoff.Permanent(err)
	}, p.backOff(ctx))

	if err != nil && errors.Is(err, ErrVersionConflict) {
		return result, fmt.Errorf("%w after %d attempts: %w", ErrRetryableConflict, attempts, err)
	}
	return result, err
}
