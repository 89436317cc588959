package isolation

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

// BackoffPolicy parameterizes exponential backoff with deterministic
// jitter.
type BackoffPolicy struct {
	PolicyID    string `yaml:"id"`
	BaseMs      int64  `yaml:"base_ms"`
	MaxMs       int64  `yaml:"max_ms"`
	MaxJitterMs int64  `yaml:"max_jitter_ms"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// DefaultBackoffPolicy suits peer calls.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{PolicyID: "default", BaseMs: 50, MaxMs: 2000, MaxJitterMs: 25, MaxAttempts: 4}
}

// ComputeBackoff returns the delay before attempt (0-based) for key.
func ComputeBackoff(policy BackoffPolicy, key string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		factor = 1 << min(attempt, 30)
	}
	delay := min(policy.BaseMs*factor, policy.MaxMs)
	return time.Duration(delay+deterministicJitter(policy, key, attempt)) * time.Millisecond
}

// deterministicJitter spreads retries of different keys without a random
// source, so a replayed run waits the same amounts.
func deterministicJitter(policy BackoffPolicy, key string, attempt int) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", policy.PolicyID, key, attempt)
	hash := sha256.Sum256([]byte(seed))
	return int64(binary.BigEndian.Uint64(hash[:8]) % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx ends. Only contracts.IsRetryable errors
// (ErrCircuitOpen, ErrBulkheadFull) are retried.
func Retry(ctx context.Context, policy BackoffPolicy, key string, fn func(context.Context) error) error {
	attempts := max(policy.MaxAttempts, 1)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil || !contracts.IsRetryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(ComputeBackoff(policy, key, attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %w)", ctx.Err(), err)
		}
	}
	return err
}
