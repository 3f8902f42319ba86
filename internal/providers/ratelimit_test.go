package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(2)

	if !rl.TryConsume() || !rl.TryConsume() {
		t.Fatal("expected burst of 2 tokens")
	}
	if rl.TryConsume() {
		t.Fatal("expected bucket to be empty")
	}

	status := rl.Status()
	if status.TotalConsumed != 2 {
		t.Fatalf("expected 2 consumed, got %d", status.TotalConsumed)
	}
	if status.TimeUntilToken <= 0 {
		t.Fatal("expected positive time until next token")
	}
}

func TestRateLimiterWaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(0.01)
	rl.TryConsume()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRateLimiterRecord429Blocks(t *testing.T) {
	rl := NewRateLimiter(1000)
	rl.Record429(50 * time.Millisecond)

	if rl.TryConsume() {
		t.Fatal("expected limiter to block after 429")
	}

	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected to wait out Retry-After, waited %v", elapsed)
	}
}
