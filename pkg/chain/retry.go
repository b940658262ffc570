package chain

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Retry ladder for transient RPC failures: three attempts, exponential
// backoff from 5s capped at 60s, jitter ±25%.
const (
	retryAttempts       = 3
	retryInitialBackoff = 5 * time.Second
	retryMaxBackoff     = 60 * time.Second
)

// withRetry runs op up to retryAttempts times, sleeping between
// attempts. Decode faults and missing agents abort immediately; only
// transport-level failures are retried. Exhausted retries surface as
// ErrTransientChainFailure wrapping the last error.
func (g *Gateway) withRetry(ctx context.Context, what string, op func(ctx context.Context) error) error {
	var lastErr error
	backoff := g.backoffBase

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrProtocolMismatch) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %v", ErrTransientChainFailure, what, err)
		}
		lastErr = err

		if attempt < retryAttempts {
			if !g.sleep(ctx, jitterBackoff(backoff)) {
				break
			}
			backoff = min(backoff*2, g.backoffCap)
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %v",
		ErrTransientChainFailure, what, retryAttempts, lastErr)
}

// jitterBackoff spreads a backoff over [0.75d, 1.25d] so that workers
// retrying in lockstep do not hammer the RPC endpoint together.
func jitterBackoff(d time.Duration) time.Duration {
	quarter := int64(d / 4)
	if quarter <= 0 {
		return d
	}
	offset := time.Duration(rand.Int64N(2 * quarter))
	return d - d/4 + offset
}

// sleep waits for d or until ctx is cancelled. Returns false on
// cancellation.
func (g *Gateway) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
