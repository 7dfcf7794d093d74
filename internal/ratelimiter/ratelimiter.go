// Package ratelimiter throttles native servicing calls.
//
// Mount and unmount storms against the native imaging stack degrade the whole
// host: each mount spawns servicing processes and pins filter-driver state.
// A token bucket in front of those calls keeps a wide batch from issuing
// dozens of native mounts in the same instant while still allowing short
// bursts.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter wraps golang.org/x/time/rate with the policy used across the
// servicing layer: rate 0 means unlimited, and burst defaults sensibly.
//
// Thread safety: all methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing opsPerSecond sustained operations with the
// given burst capacity. opsPerSecond = 0 disables limiting entirely.
func New(opsPerSecond, burst uint) *RateLimiter {
	if opsPerSecond == 0 {
		// Effectively unlimited; rate.Inf has awkward Wait semantics with
		// finite bursts, so a very large finite rate is used instead.
		opsPerSecond = 1_000_000_000
		burst = opsPerSecond
	}
	if burst == 0 {
		burst = 1
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(opsPerSecond), int(burst)),
	}
}

// Allow reports whether one operation may proceed right now, consuming a
// token if so. Use when the caller prefers rejection over waiting.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled.
// This is the path native mount calls take: they would rather queue briefly
// than fail a batch target over throttling.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
