package common

import "time"

// RetryableError wraps an error with retry-specific metadata.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Backoff returns the delay before retry number attempt (0-based):
// initial × multiplier^attempt, capped at max.
func Backoff(initial, maxDelay time.Duration, multiplier float64, attempt int) time.Duration {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(initial)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
		if maxDelay > 0 && time.Duration(delay) >= maxDelay {
			return maxDelay
		}
	}
	return time.Duration(delay)
}
