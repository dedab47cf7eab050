package flow

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// defaultRetryConfig applies when a node has no retryConfig of its own.
var defaultRetryConfig = RetryConfig{
	MaxAttempts:       3,
	Delay:             Millis(time.Second),
	BackoffMultiplier: 2,
	MaxDelay:          Millis(30 * time.Second),
	Jitter:            true,
}

// retryConfigFor resolves the effective retry config for a node.
func retryConfigFor(node *Node) RetryConfig {
	if node != nil && node.RetryConfig != nil {
		return *node.RetryConfig
	}
	return defaultRetryConfig
}

// isRetryable decides whether a failure should be retried:
//
//  1. nonRetryableErrors wins: any listed substring of the message blocks
//     the retry.
//  2. retryableErrors, when non-empty, must match; when empty, TRANSIENT
//     and DEPENDENCY classifications retry.
//  3. attempts must still be below maxAttempts.
func isRetryable(cfg RetryConfig, err error, failureType FailureType, attempts int) bool {
	if attempts >= cfg.MaxAttempts {
		return false
	}

	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}
	for _, blocked := range cfg.NonRetryableErrors {
		if blocked != "" && strings.Contains(msg, strings.ToLower(blocked)) {
			return false
		}
	}

	if len(cfg.RetryableErrors) > 0 {
		for _, allowed := range cfg.RetryableErrors {
			if allowed != "" && strings.Contains(msg, strings.ToLower(allowed)) {
				return true
			}
		}
		return false
	}
	return failureType == FailureTransient || failureType == FailureDependency
}

// computeRetryDelay returns delay * multiplier^(attempts-1), capped at
// maxDelay. With jitter, a uniform random offset in +-25% of the computed
// delay is added, clamped at zero.
//
// attempts is the number of attempts already made (>= 1 when a retry is
// being scheduled).
func computeRetryDelay(cfg RetryConfig, attempts int, rng *rand.Rand) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(cfg.Delay.Duration()) * math.Pow(multiplier, float64(attempts-1))
	if max := float64(cfg.MaxDelay.Duration()); cfg.MaxDelay > 0 && delay > max {
		delay = max
	}

	if cfg.Jitter && delay > 0 {
		// Uniform in [-0.25, +0.25] of the computed delay.
		var unit float64
		if rng != nil {
			unit = rng.Float64()
		} else {
			unit = rand.Float64() // #nosec G404 -- retry jitter, not security
		}
		delay += delay * (unit*0.5 - 0.25)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
