package retry_test

import (
	"testing"
	"time"

	"github.com/feedmill/ingest/retry"
)

func TestPolicy_DoublesEachAttempt(t *testing.T) {
	p := retry.Policy{BaseDelay: time.Second, MaxDelay: time.Hour}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},  // 1 * 2^0
		{1, 2 * time.Second},  // 1 * 2^1
		{2, 4 * time.Second},  // 1 * 2^2
		{3, 8 * time.Second},  // 1 * 2^3
		{4, 16 * time.Second}, // 1 * 2^4
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_CapsAtMaxDelay(t *testing.T) {
	p := retry.Policy{BaseDelay: time.Second, MaxDelay: 16 * time.Second}

	if got := p.Delay(4); got != 16*time.Second {
		t.Errorf("Delay(4) = %v, want %v", got, 16*time.Second)
	}
	if got := p.Delay(20); got != 16*time.Second {
		t.Errorf("Delay(20) = %v, want %v (capped at MaxDelay)", got, 16*time.Second)
	}
}

func TestPolicy_NegativeAttemptTreatedAsZero(t *testing.T) {
	p := retry.Policy{BaseDelay: time.Second, MaxDelay: time.Minute}

	if got := p.Delay(-3); got != time.Second {
		t.Errorf("Delay(-3) = %v, want %v", got, time.Second)
	}
}

func TestPolicy_JitterWithinBounds(t *testing.T) {
	p := retry.Policy{BaseDelay: time.Second, MaxDelay: 16 * time.Second, JitterFactor: 0.2}

	for attempt := 0; attempt <= 6; attempt++ {
		// Worst case: capped base times (1 + JitterFactor).
		upper := time.Duration(float64(16*time.Second) * 1.2)

		for range 100 {
			got := p.Delay(attempt)
			if got < 0 {
				t.Errorf("Delay(%d) = %v, should be >= 0", attempt, got)
			}
			if got > upper {
				t.Errorf("Delay(%d) = %v, should be <= %v", attempt, got, upper)
			}
		}
	}
}

func TestPolicy_JitterProducesVariance(t *testing.T) {
	p := retry.Policy{BaseDelay: time.Second, MaxDelay: time.Minute, JitterFactor: 0.2}

	seen := make(map[time.Duration]bool)
	for range 100 {
		seen[p.Delay(3)] = true
	}

	if len(seen) < 2 {
		t.Errorf("expected variance with jitter, got only %d distinct values", len(seen))
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := retry.Policy{MaxRetries: 5}

	if p.Exhausted(4) {
		t.Error("Exhausted(4) = true, want false with MaxRetries=5")
	}
	if !p.Exhausted(5) {
		t.Error("Exhausted(5) = false, want true with MaxRetries=5")
	}
}

func TestDefault_ReachesCapAsAttemptGrows(t *testing.T) {
	p := retry.Default()
	p.JitterFactor = 0 // deterministic

	if got := p.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want 1s", got)
	}
	if got := p.Delay(4); got != 16*time.Second {
		t.Errorf("Delay(4) = %v, want 16s", got)
	}
	if got := p.Delay(50); got != 16*time.Second {
		t.Errorf("Delay(50) = %v, want 16s (capped)", got)
	}
}

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := retry.NewConstant(5 * time.Millisecond)
	for attempt := 0; attempt <= 10; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Millisecond)
		}
	}
}
