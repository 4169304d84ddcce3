package resilience

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{6, 160 * time.Second},
		{7, 5 * time.Minute},
		{1000, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, 5*time.Second, 5*time.Minute); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_NonDecreasing(t *testing.T) {
	t.Parallel()
	prev := time.Duration(0)
	for attempt := 1; attempt <= 200; attempt++ {
		d := Backoff(attempt, time.Second, 30*time.Second)
		if d < prev {
			t.Fatalf("Backoff(%d) = %v < previous %v", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("Backoff(%d) = %v exceeds cap", attempt, d)
		}
		prev = d
	}
}

func TestBackoff_NoCapDoesNotOverflow(t *testing.T) {
	t.Parallel()
	if d := Backoff(500, time.Second, 0); d <= 0 {
		t.Errorf("Backoff without cap overflowed to %v", d)
	}
	if d := Backoff(3, 0, time.Minute); d != 0 {
		t.Errorf("zero base = %v, want 0", d)
	}
}
