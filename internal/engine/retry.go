package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/durable/pkg/schema"
)

// IsRetryableError classifies whether a failed step attempt may be retried.
// Cancellation, replay divergence and caller mistakes never are; everything
// else is left to the step's retry policy to bound.
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

	var de *schema.DurableError
	if errors.As(err, &de) {
		switch de.Code {
		case schema.ErrCodeValidation,
			schema.ErrCodeCancelled,
			schema.ErrCodeNondeterministic,
			schema.ErrCodeStepInterrupted,
			schema.ErrCodeNotFound,
			schema.ErrCodeConflict:
			return false
		}
	}
	return true
}

// ComputeBackoff calculates the delay before retry attempt number attempt (0-based).
// Supports none, constant, linear, and exponential backoff with optional MaxDelay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay <= 0 {
		return 0
	}

	base := policy.Delay
	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
				break
			}
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // "none", "constant" or empty
		delay = base
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}
