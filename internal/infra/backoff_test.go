package infra

import (
	"testing"
	"time"
)

func TestBackoff_Ceiling(t *testing.T) {
	b := DefaultBackoff
	b.Jitter = 0

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{-1, 1 * time.Second},
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second}, // 64s capped
		{100, 60 * time.Second},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.retryCount); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.retryCount, got, tt.want)
		}
	}
}

func TestBackoff_Jitter(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: 0.5}

	b.rand = func() float64 { return 0 }
	if got := b.Delay(2); got != 400*time.Millisecond {
		t.Errorf("no jitter drawn: got %s, want 400ms", got)
	}

	b.rand = func() float64 { return 1 }
	if got := b.Delay(2); got != 200*time.Millisecond {
		t.Errorf("full jitter: got %s, want 200ms", got)
	}

	// Real randomness stays inside [ceiling*(1-jitter), ceiling].
	b.rand = nil
	for i := 0; i < 100; i++ {
		got := b.Delay(10)
		if got < 500*time.Millisecond || got > time.Second {
			t.Fatalf("Delay(10) = %s, outside [500ms, 1s]", got)
		}
	}
}
