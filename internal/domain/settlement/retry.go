package settlement

import "time"

// Default retry configuration
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Minute

	maxBackoffExponent = 20
)

// RetryPolicy is the backoff schedule shared by settlements and items.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
	}
}

// NextRetryAt returns now + BaseDelay * 2^retryCount.
// retryCount is the count after the failure has been recorded.
func (p RetryPolicy) NextRetryAt(now time.Time, retryCount int) time.Time {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxBackoffExponent {
		retryCount = maxBackoffExponent
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return now.Add(base * time.Duration(1<<uint(retryCount)))
}

// Exhausted reports whether retryCount is past the retry budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount > p.MaxRetries
}
