package executor

import (
	"context"
	"time"

	"tokenkeeper/internal/common/errors"
)

// Budget gates outbound requests against a shared ceiling. Wait blocks until
// the request fits the budget or the bound is exceeded; callers are queued,
// not rejected, up to that bound.
type Budget interface {
	Wait(ctx context.Context) error
}

// RateLimitClient is the slice of the Redis client the budget needs.
type RateLimitClient interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
}

// slidingWindowBudget counts requests in a Redis sliding window, so the
// ceiling holds across every process in the cluster.
type slidingWindowBudget struct {
	client       RateLimitClient
	key          string
	limit        int
	window       time.Duration
	maxWait      time.Duration
	pollInterval time.Duration
}

// NewSlidingWindowBudget creates a cluster-wide budget of limit requests per
// rolling window. Callers over budget wait up to maxWait before receiving a
// rate_limit error.
func NewSlidingWindowBudget(client RateLimitClient, limit int, window, maxWait time.Duration) Budget {
	poll := window / time.Duration(limit)
	if poll < 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}
	if poll > time.Second {
		poll = time.Second
	}

	return &slidingWindowBudget{
		client:       client,
		key:          "budget:upstream",
		limit:        limit,
		window:       window,
		maxWait:      maxWait,
		pollInterval: poll,
	}
}

func (b *slidingWindowBudget) Wait(ctx context.Context) error {
	deadline := time.Now().Add(b.maxWait)

	for {
		allowed, _, err := b.client.CheckRateLimit(ctx, b.key, b.limit, b.window)
		if err != nil {
			// A broken budget counter must not take the upstream path down
			// with it; admit the request and let the upstream 429 if needed
			return nil
		}
		if allowed {
			return nil
		}

		if !time.Now().Before(deadline) {
			return errors.RateLimitError("upstream request budget")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

// nopBudget admits everything; used when no coordination store is configured
// (single-process deployments and unit tests).
type nopBudget struct{}

// NewNopBudget returns a Budget that never blocks.
func NewNopBudget() Budget {
	return nopBudget{}
}

func (nopBudget) Wait(ctx context.Context) error {
	return ctx.Err()
}
