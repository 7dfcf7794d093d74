package ratelimiter

import (
	"context"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		opsPerSecond uint
		burst        uint
	}{
		{name: "standard rate", opsPerSecond: 10, burst: 20},
		{name: "unlimited (zero rate)", opsPerSecond: 0, burst: 0},
		{name: "rate with zero burst", opsPerSecond: 5, burst: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.opsPerSecond, tt.burst)
			if limiter == nil || limiter.limiter == nil {
				t.Fatal("New() returned an uninitialized limiter")
			}
		})
	}
}

func TestAllowEnforcesBurst(t *testing.T) {
	limiter := New(10, 10)

	for i := 0; i < 10; i++ {
		if !limiter.Allow() {
			t.Fatalf("operation %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow() {
		t.Fatal("operation should be throttled after burst exhausted")
	}

	// 10 ops/s replenishes one token every 100ms.
	time.Sleep(110 * time.Millisecond)
	if !limiter.Allow() {
		t.Fatal("operation should be allowed after token replenishment")
	}
}

func TestUnlimitedNeverThrottles(t *testing.T) {
	limiter := New(0, 0)

	for i := 0; i < 10_000; i++ {
		if !limiter.Allow() {
			t.Fatalf("unlimited limiter throttled operation %d", i)
		}
	}
}

func TestWaitHonorsContext(t *testing.T) {
	limiter := New(1, 1)

	// Drain the only token.
	if !limiter.Allow() {
		t.Fatal("first operation should be allowed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); err == nil {
		t.Fatal("Wait should fail when context expires before a token is available")
	}
}
