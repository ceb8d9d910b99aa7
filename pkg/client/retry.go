package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	calcRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calc_client_retries_total",
		Help: "Total number of retried calculator round trips",
	})

	calcRetryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calc_client_retry_exhausted_total",
		Help: "Total number of requests that exhausted retry attempts",
	})
)

// withRetry executes fn with exponential backoff on transport
// failures. It respects context cancellation and adds jitter to the
// backoff to prevent thundering herd.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	backoff := c.cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				c.logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return lastErr
		}
		if attempt >= c.cfg.MaxAttempts {
			break
		}

		calcRetriesTotal.Inc()

		// Add jitter (±20% randomness)
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))

		c.logger.Debug().
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Err(err).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff *= 2
	}

	calcRetryExhaustedTotal.Inc()
	c.logger.Warn().
		Int("max_attempts", c.cfg.MaxAttempts).
		Err(lastErr).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, c.cfg.MaxAttempts, lastErr)
}
