package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		want       int
	}{
		{"three retries", 3, 4},
		{"no retries", 0, 1},
		{"negative clamps", -2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.maxRetries, TransientConfig())
			if p.MaxAttempts != tt.want {
				t.Errorf("MaxAttempts = %d, want %d", p.MaxAttempts, tt.want)
			}
		})
	}
}

func TestPolicy_ShouldRetry(t *testing.T) {
	p := Policy{MaxAttempts: 3}

	tests := []struct {
		attempts int
		want     bool
	}{
		{1, true},
		{2, true},
		{3, false},
		{4, false},
	}

	for _, tt := range tests {
		if got := p.ShouldRetry(tt.attempts); got != tt.want {
			t.Errorf("ShouldRetry(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestExponential_NoJitter(t *testing.T) {
	backoff := Exponential(Config{
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{10, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_JitterBounds(t *testing.T) {
	backoff := Exponential(Config{
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2.0,
		Jitter:         0.2,
	})

	for i := 0; i < 100; i++ {
		d := backoff(2)
		if d < 1600*time.Millisecond || d > 2400*time.Millisecond {
			t.Fatalf("backoff(2) = %v, want within ±20%% of 2s", d)
		}
	}
}

func TestSleep_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep() did not return promptly after cancel")
	}
}

func TestPolicy_WaitUsesBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 2, Backoff: Constant(5 * time.Millisecond)}

	start := time.Now()
	if err := p.Wait(context.Background(), "test", 1); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("Wait() returned after %v, want >= 5ms", elapsed)
	}
}
