package engine

import (
	"time"

	"github.com/plancton/plancton/pkg/log"
)

// RetryPolicy controls how transient engine failures are retried. The
// delays grow as Delay·Backoff^i; after Tries-1 protected attempts one
// final unprotected attempt is made and its error propagates.
type RetryPolicy struct {
	Tries   int
	Delay   time.Duration
	Backoff int

	// Sleep is swappable for tests; nil means time.Sleep
	Sleep func(time.Duration)

	// OnRetry is invoked before each backoff sleep. The daemon uses it to
	// report a waiting status to telemetry.
	OnRetry func(op string, err error, delay time.Duration)
}

// DefaultRetryPolicy matches the engine client contract: five tries with
// delays of 3, 6, 12 and 24 seconds between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Tries: 5, Delay: 3 * time.Second, Backoff: 2}
}

// WithRetry runs op under the policy, retrying transient errors only.
// Permanent errors and not-found surface immediately.
func WithRetry[T any](p RetryPolicy, name string, op func() (T, error)) (T, error) {
	logger := log.WithComponent("engine")
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	delay := p.Delay
	for try := p.Tries; try > 1; try-- {
		v, err := op()
		if err == nil || !IsTransient(err) {
			return v, err
		}
		logger.Warn().
			Err(err).
			Str("call", name).
			Dur("retry_in", delay).
			Msg("Failed to reach engine, retrying")
		if p.OnRetry != nil {
			p.OnRetry(name, err, delay)
		}
		sleep(delay)
		delay *= time.Duration(p.Backoff)
	}
	logger.Error().Str("call", name).Int("tries", p.Tries).Msg("Retry budget exhausted, final attempt")
	return op()
}
