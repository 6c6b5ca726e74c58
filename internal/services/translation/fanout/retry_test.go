package fanout

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
)

func TestRetryPolicyHonorsFloor(t *testing.T) {
	policy := newRetryPolicy(time.Millisecond, 4*time.Second)
	policy.atLeast(2 * time.Second)
	if next := policy.NextBackOff(); next != 2*time.Second {
		t.Fatalf("next = %v, want 2s", next)
	}
	if next := policy.NextBackOff(); next > 2*time.Millisecond*3/2 {
		t.Fatalf("next = %v, want floor cleared", next)
	}
}

func TestRetryPolicyCapsFloorAtMaxDelay(t *testing.T) {
	policy := newRetryPolicy(time.Millisecond, 4*time.Millisecond)
	policy.atLeast(2 * time.Second)
	if next := policy.NextBackOff(); next != 4*time.Millisecond {
		t.Fatalf("next = %v, want 4ms", next)
	}
}

func TestRetryPolicyStopsPastLease(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	policy := newRetryPolicy(time.Millisecond, time.Second).within(now.Add(100*time.Millisecond), 50*time.Millisecond)
	policy.clock = func() time.Time { return now }

	if !policy.fits(40 * time.Millisecond) {
		t.Fatal("40ms delay should fit a 100ms lease with a 50ms call budget")
	}
	if policy.fits(60 * time.Millisecond) {
		t.Fatal("60ms delay should not fit a 100ms lease with a 50ms call budget")
	}
	policy.atLeast(60 * time.Millisecond)
	if next := policy.NextBackOff(); next != backoff.Stop {
		t.Fatalf("next = %v, want stop", next)
	}
}

func TestRetryPolicyStaysWithinJitterBounds(t *testing.T) {
	policy := newRetryPolicy(100*time.Millisecond, time.Second)
	for i := 0; i < 10; i++ {
		next := policy.NextBackOff()
		if next <= 0 || next > 1500*time.Millisecond {
			t.Fatalf("next[%d] = %v out of bounds", i, next)
		}
	}
	policy.atLeast(time.Hour)
	policy.Reset()
	if next := policy.NextBackOff(); next > 150*time.Millisecond {
		t.Fatalf("next after reset = %v, want near base", next)
	}
}
