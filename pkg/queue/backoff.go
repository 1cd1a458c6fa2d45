package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryPolicy bounds retries and shapes the backoff curve.
type RetryPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultRetryPolicy: base 1s doubling per attempt, capped at 60s, with up
// to 250ms of jitter and three attempts before the job goes DEAD.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseMs: 1000, MaxMs: 60000, MaxJitterMs: 250, MaxAttempts: 3}
}

// ComputeBackoff returns the requeue delay after a failed attempt.
// attempt is the attempt that just failed, 1-based.
func ComputeBackoff(policy RetryPolicy, jobID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 1 {
		exp := attempt - 1
		if exp > 30 {
			// Avoid overflow, cap exponent
			exp = 30
		}
		factor = 1 << exp
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+computeJitter(policy, jobID, attempt)) * time.Millisecond
}

// computeJitter derives jitter from a PRF over the job identity so retry
// schedules are reproducible across processes.
func computeJitter(policy RetryPolicy, jobID string, attempt int) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", jobID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs))
}
