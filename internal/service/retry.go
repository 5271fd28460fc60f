package service

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/gateway"
)

// Decision is what to do after one gateway attempt
type Decision int

const (
	DecisionDone Decision = iota
	DecisionRetry
	DecisionGiveUp
)

// RetryPolicy bounds in-place retries of a gateway call. The wait before the
// next attempt grows linearly: attempt x Backoff.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Decide is a pure function of the result and the 1-based attempt number
func (p RetryPolicy) Decide(result gateway.Result, attempt int) (Decision, time.Duration) {
	switch {
	case result.OK():
		return DecisionDone, 0
	case result.Outcome == gateway.OutcomeTransient && attempt < p.MaxAttempts:
		return DecisionRetry, time.Duration(attempt) * p.Backoff
	default:
		return DecisionGiveUp, 0
	}
}

type sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// callWithRetry runs call until it succeeds or the policy gives up. A transient
// failure that exhausts the policy comes back as permanent.
func callWithRetry(ctx context.Context, policy RetryPolicy, sleep sleeper, call func(attempt int) gateway.Result) (gateway.Result, int) {
	attempt := 1
	for {
		result := call(attempt)

		decision, wait := policy.Decide(result, attempt)
		switch decision {
		case DecisionDone:
			return result, attempt
		case DecisionGiveUp:
			if result.Outcome == gateway.OutcomeTransient {
				return gateway.Permanent(fmt.Errorf("gave up after %d attempts: %w", attempt, result.Err)), attempt
			}
			return result, attempt
		}

		if err := sleep(ctx, wait); err != nil {
			return result, attempt
		}
		attempt++
	}
}
