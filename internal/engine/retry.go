package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rendis/flowengine/pkg/schema"
)

// RetryPolicy bounds how an executor call is retried.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy is 3 attempts with 200ms initial and 2s max backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Initial: 200 * time.Millisecond, Max: 2 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// IsRetryableError classifies whether an error should be retried.
// Retryable: network errors, timeouts, collaborator outages.
// Non-retryable: validation and not-found errors, an open circuit, cancellation.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

// retry runs op under the policy. notify is called before each retry with the
// failed attempt's error. The returned error is the last attempt's, wrapped
// as RETRY_EXHAUSTED when every attempt failed on a retryable error.
func retry(ctx context.Context, policy RetryPolicy, op func() error, notify func(attempt int, err error, wait time.Duration)) error {
	attempt := 0
	var last error
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		last = err
		if !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy.backOff(ctx), func(err error, d time.Duration) {
		if notify != nil {
			notify(attempt, err, d)
		}
	})
	switch {
	case err == nil:
		return nil
	case last == nil || ctx.Err() != nil:
		return err
	case !IsRetryableError(last):
		return last
	}
	return schema.NewErrorf(schema.ErrCodeRetryExhausted, "gave up after %d attempts: %s", attempt, last.Error()).
		WithCause(last).WithDetails(map[string]any{"attempts": attempt})
}
