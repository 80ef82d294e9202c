package resilience

import (
	"time"
)

// FromPolicy converts the retry_policy configuration block to a RetryConfig.
// maxRetries counts retries after the first attempt.
func FromPolicy(maxRetries, baseDelayMs, maxDelayMs int, exponential bool, jitterFactor float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries >= 0 {
		cfg.MaxAttempts = maxRetries + 1
	}
	if baseDelayMs > 0 {
		cfg.InitialBackoff = time.Duration(baseDelayMs) * time.Millisecond
	}
	if maxDelayMs > 0 {
		cfg.MaxBackoff = time.Duration(maxDelayMs) * time.Millisecond
	}
	if !exponential {
		cfg.Multiplier = 1.0
	}
	if jitterFactor >= 0 {
		cfg.JitterFraction = jitterFactor
	}
	return cfg
}
