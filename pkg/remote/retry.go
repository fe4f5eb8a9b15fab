package remote

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds the automatic retries of a client call
type RetryPolicy struct {
	// NetworkRetries is the number of retries after transient transport faults
	NetworkRetries int
	// NetworkBackoff is the fixed wait between network attempts
	NetworkBackoff time.Duration
	// ConflictRetries is the number of retries after concurrency faults
	ConflictRetries int
	// ConflictBackoff is the first wait between conflict attempts; it doubles each time
	ConflictBackoff time.Duration
	// Sleep waits for d or until ctx is done; nil uses a timer
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 3 retries at 5s for network faults and
// 3 retries from 10s doubling for conflicts
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		NetworkRetries:  3,
		NetworkBackoff:  5 * time.Second,
		ConflictRetries: 3,
		ConflictBackoff: 10 * time.Second,
	}
}

// RetryObserver is told about every retry, by fault kind
type RetryObserver interface {
	ObserveRetry(kind string)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withRetry runs fn until it succeeds, fails permanently, or the policy is exhausted.
// reconnect is called before each network retry.
func (c *Client) withRetry(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	var networkFails, conflictFails int
	conflictWait := c.policy.ConflictBackoff

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		kind := Classify(err)
		switch kind {
		case FaultNetwork:
			networkFails++
			if networkFails > c.policy.NetworkRetries {
				return nil, fmt.Errorf("%s: giving up after %d retries on network faults: %w", op, c.policy.NetworkRetries, err)
			}
			c.observeRetry(kind)
			c.logger.Warn().
				Err(err).
				Str("op", op).
				Int("attempt", networkFails).
				Dur("backoff", c.policy.NetworkBackoff).
				Msg("Transient network fault, reconnecting")
			if err := c.policy.sleep(ctx, c.policy.NetworkBackoff); err != nil {
				return nil, err
			}
			if err := c.reconnect(); err != nil {
				c.logger.Warn().Err(err).Str("op", op).Msg("Reconnect failed")
			}

		case FaultConflict:
			conflictFails++
			if conflictFails > c.policy.ConflictRetries {
				return nil, fmt.Errorf("%s: giving up after %d retries on conflicts: %w", op, c.policy.ConflictRetries, err)
			}
			c.observeRetry(kind)
			c.logger.Warn().
				Err(err).
				Str("op", op).
				Int("attempt", conflictFails).
				Dur("backoff", conflictWait).
				Msg("Concurrent update conflict, retrying")
			if err := c.policy.sleep(ctx, conflictWait); err != nil {
				return nil, err
			}
			conflictWait *= 2

		default:
			return nil, err
		}
	}
}

func (c *Client) observeRetry(kind FaultKind) {
	if c.observer != nil {
		c.observer.ObserveRetry(kind.String())
	}
}
