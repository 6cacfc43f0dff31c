package pipeline

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds automatic re-queues of failed events.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	jitter     func() float64
}

func NewRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
		jitter:     func() float64 { return rand.Float64()*0.5 + 0.5 }, // 50% jitter
	}
}

// Exhausted reports whether retryCount failed attempts use up the budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// Backoff is the wait before the next attempt after retryCount failures:
// exponential in retryCount, jittered, capped at MaxDelay.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(retryCount-1))
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	jitter := 1.0
	if p.jitter != nil {
		jitter = p.jitter()
	}
	return time.Duration(backoff * jitter)
}
