package sync

import (
	"testing"
	"time"
)

func TestBackoffDelay_MonotonicAndCapped(t *testing.T) {
	p := DefaultBackoff()

	prev := time.Duration(0)
	for r := 0; r <= 12; r++ {
		d := p.Delay(r)
		if d < prev {
			t.Errorf("Delay(%d) = %v, less than Delay(%d) = %v", r, d, r-1, prev)
		}
		if d > p.Max {
			t.Errorf("Delay(%d) = %v, exceeds max %v", r, d, p.Max)
		}
		prev = d
	}

	if got := p.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want 1s", got)
	}
	if got := p.Delay(3); got != 8*time.Second {
		t.Errorf("Delay(3) = %v, want 8s", got)
	}
	if got := p.Delay(40); got != time.Minute {
		t.Errorf("Delay(40) = %v, want 1m", got)
	}
	if got := p.Delay(-2); got != time.Second {
		t.Errorf("Delay(-2) = %v, want 1s", got)
	}
}

func TestBackoffReady(t *testing.T) {
	p := DefaultBackoff()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	if !p.Ready(0, now, now) {
		t.Error("entry without failures should be ready")
	}
	if !p.Ready(3, time.Time{}, now) {
		t.Error("entry without a last attempt should be ready")
	}
	if p.Ready(2, now.Add(-3*time.Second), now) {
		t.Error("retry 2 after 3s should wait (delay 4s)")
	}
	if !p.Ready(2, now.Add(-4*time.Second), now) {
		t.Error("retry 2 after 4s should be ready")
	}
}
