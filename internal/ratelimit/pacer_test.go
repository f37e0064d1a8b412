package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestPacerDelaysExcessCalls(t *testing.T) {
	ctx := context.Background()
	p := NewPacer(10) // 100ms spacing

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	// First call is immediate; the next two are spaced at 100ms each.
	if elapsed < 180*time.Millisecond {
		t.Fatalf("three calls at 10/s finished in %s, want >= ~200ms", elapsed)
	}
}

func TestPacerNeverRejects(t *testing.T) {
	ctx := context.Background()
	p := NewPacer(1000)
	for i := 0; i < 50; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("wait %d returned error: %v", i, err)
		}
	}
}

func TestPacerUnlimited(t *testing.T) {
	p := NewPacer(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("unlimited pacer should not delay")
	}
}

func TestPacerHonorsContext(t *testing.T) {
	p := NewPacer(1) // 1s spacing
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); err == nil {
		t.Fatalf("expected context error for second wait inside spacing window")
	}
}
