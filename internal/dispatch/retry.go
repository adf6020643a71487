package dispatch

import "time"

// RetryPolicy decides whether and when a failed task runs again.
type RetryPolicy struct {
	// MaxAttempts counts the first run. Defaults to 3.
	MaxAttempts int
	// BaseDelay is the wait after the first failure. Defaults to 500ms.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Defaults to 10s.
	MaxDelay time.Duration
	// Retryable reports whether an error is transient. Nil retries nothing.
	Retryable func(error) bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Retryable == nil {
		p.Retryable = func(error) bool { return false }
	}
	return p
}

// Delay returns the wait after the given failed attempt: BaseDelay doubled
// per attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
