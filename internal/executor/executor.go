package executor

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"tokenkeeper/internal/common/logging"
)

// Config tunes the retry policy per error class.
type Config struct {
	// RateLimitedMaxAttempts bounds retries of upstream 429s
	RateLimitedMaxAttempts int
	// TransientMaxAttempts bounds retries of 5xx and network failures;
	// deliberately fewer than the 429 budget
	TransientMaxAttempts int
	// BaseDelay is the first 429 backoff step (doubles each attempt)
	BaseDelay time.Duration
	// MaxDelay caps every backoff step
	MaxDelay time.Duration
	// TransientBaseDelay is the first backoff step for transient failures
	TransientBaseDelay time.Duration
}

// DefaultConfig returns the retry policy used in production.
func DefaultConfig() Config {
	return Config{
		RateLimitedMaxAttempts: 5,
		TransientMaxAttempts:   3,
		BaseDelay:              2 * time.Second,
		MaxDelay:               60 * time.Second,
		TransientBaseDelay:     500 * time.Millisecond,
	}
}

// Delay computes the wait before retry number attempt (zero-based) of the
// given class. A Retry-After hint from the upstream overrides the computed
// 429 backoff. Pure, so backoff sequences are testable directly.
func (c Config) Delay(class Class, attempt int, retryAfter time.Duration) time.Duration {
	if class == ClassRateLimited && retryAfter > 0 {
		return retryAfter
	}

	base := c.BaseDelay
	if class == ClassTransient {
		base = c.TransientBaseDelay
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

func (c Config) maxAttempts(class Class) int {
	if class == ClassRateLimited {
		return c.RateLimitedMaxAttempts
	}
	return c.TransientMaxAttempts
}

// Executor runs outbound upstream calls under the shared budget, a circuit
// breaker, and the classified retry policy.
type Executor struct {
	budget  Budget
	breaker *gobreaker.CircuitBreaker
	config  Config
	logger  logging.Logger
}

// New creates an Executor. The circuit breaker only counts transient-class
// failures: a batch of invalid credentials says nothing about upstream
// health and must not open the circuit.
func New(budget Budget, config Config) *Executor {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 2,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			cls := Classify(err)
			return cls.Class != ClassTransient && cls.Class != ClassRateLimited
		},
	})

	return &Executor{
		budget:  budget,
		breaker: breaker,
		config:  config,
		logger:  logging.GetGlobalLogger(),
	}
}

// Execute runs fn under the budget and retry policy. Each attempt waits for
// budget first, so retries also count against the shared ceiling.
// Non-retryable classifications stop the loop immediately; exhausting the
// attempt budget returns the last error.
func (e *Executor) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := e.budget.Wait(ctx); err != nil {
			return err
		}

		_, err := e.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			return nil
		}

		var cls Classification
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// An open circuit is handled like any other transient outage
			cls = Classification{Class: ClassTransient, Retryable: true}
		} else {
			cls = Classify(err)
		}
		lastErr = err

		if !cls.Retryable {
			return err
		}

		if attempt+1 >= e.config.maxAttempts(cls.Class) {
			e.logger.Warn("Retries exhausted for upstream operation",
				logging.String("operation", operation),
				logging.String("class", cls.Class.String()),
				logging.Int("attempts", attempt+1),
				logging.Err(lastErr))
			return lastErr
		}

		delay := e.config.Delay(cls.Class, attempt, RetryAfterHint(err))

		e.logger.Debug("Retrying upstream operation",
			logging.String("operation", operation),
			logging.String("class", cls.Class.String()),
			logging.Int("attempt", attempt+1),
			logging.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
