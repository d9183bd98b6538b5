package ingest

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"dossier/internal/faults"
)

func TestQuotaAllowsBurst(t *testing.T) {
	q := NewQuota(60)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		if err := q.Acquire(ctx, "test"); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
	}
}

func TestQuotaExhaustedPastMaxWait(t *testing.T) {
	q := NewQuota(1)
	q.maxWait = 10 * time.Millisecond

	ctx := context.Background()
	if err := q.Acquire(ctx, "test"); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	err := q.Acquire(ctx, "test")
	if err == nil {
		t.Fatal("Second acquire should exceed the wait ceiling")
	}
	if !faults.Is(err, faults.KindQuotaExceeded) {
		t.Errorf("Expected KindQuotaExceeded, got %v", err)
	}
}

func TestQuotaWaitsForShortStall(t *testing.T) {
	q := &Quota{limiter: rate.NewLimiter(rate.Limit(200), 1), maxWait: time.Second}

	ctx := context.Background()
	if err := q.Acquire(ctx, "test"); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	start := time.Now()
	if err := q.Acquire(ctx, "test"); err != nil {
		t.Fatalf("Second acquire should wait, not fail: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 2*time.Millisecond {
		t.Errorf("Expected a stall of ~5ms, waited %v", elapsed)
	}
}

func TestQuotaHonorsCancellation(t *testing.T) {
	q := &Quota{limiter: rate.NewLimiter(rate.Limit(2), 1), maxWait: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	if err := q.Acquire(ctx, "test"); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := q.Acquire(ctx, "test")
	if err == nil {
		t.Fatal("Acquire should fail once the context is cancelled")
	}
	if !faults.Is(err, faults.KindCancelled) {
		t.Errorf("Expected KindCancelled, got %v", err)
	}
}
