package providers

import (
	"context"
	"math"
	"time"
)

// BackoffFunc returns the wait before retry number attempt (1-based).
type BackoffFunc func(base time.Duration, attempt int) time.Duration

// LinearBackoff waits base, 2*base, 3*base, ...
func LinearBackoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt)
}

// ExponentialBackoff waits base, 2*base, 4*base, ...
func ExponentialBackoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}

// BaseProvider holds the retry policy shared by providers. Only stream
// creation is retried; a stream that fails part way is reported to the
// caller as is.
type BaseProvider struct {
	name        string
	maxAttempts int
	retryDelay  time.Duration
	backoff     BackoffFunc
}

// NewBaseProvider creates a base provider. maxAttempts counts the first try.
func NewBaseProvider(name string, maxAttempts int, retryDelay time.Duration, backoff BackoffFunc) BaseProvider {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	if backoff == nil {
		backoff = LinearBackoff
	}
	return BaseProvider{
		name:        name,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		backoff:     backoff,
	}
}

// Name returns the provider identifier used in logs and metrics.
func (b *BaseProvider) Name() string {
	return b.name
}

// Retry executes op until it succeeds, returns an error isRetryable rejects,
// or the attempts run out.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) || attempt == b.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.backoff(b.retryDelay, attempt)):
		}
	}
	return lastErr
}
