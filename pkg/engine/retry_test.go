package engine

import (
	"testing"
	"time"

	"github.com/probelabs/visor/pkg/visor"
)

func TestNextRetry_ExponentialBackoff(t *testing.T) {
	t.Parallel()

	policy := &visor.RetryPolicy{Max: 4, Base: 10 * time.Millisecond, Cap: 80 * time.Millisecond}

	wantDelays := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for attempt := 1; attempt <= 3; attempt++ {
		d := NextRetry(policy, "flaky", attempt, visor.KindProviderTransient)
		if !d.Retry {
			t.Fatalf("attempt %d: expected retry", attempt)
		}
		if d.Delay != wantDelays[attempt-1] {
			t.Errorf("attempt %d: delay = %s, want %s", attempt, d.Delay, wantDelays[attempt-1])
		}
	}

	if d := NextRetry(policy, "flaky", 4, visor.KindProviderTransient); d.Retry {
		t.Error("attempt 4 of max 4: expected no retry")
	}
}

func TestNextRetry_CapApplies(t *testing.T) {
	t.Parallel()

	policy := &visor.RetryPolicy{Max: 10, Base: 50 * time.Millisecond, Cap: 80 * time.Millisecond}
	d := NextRetry(policy, "flaky", 5, visor.KindProviderTransient)
	if !d.Retry || d.Delay != 80*time.Millisecond {
		t.Errorf("delay = %s, want cap 80ms", d.Delay)
	}
}

// Backoff delays are non-decreasing up to the cap.
func TestNextRetry_NonDecreasingDelays(t *testing.T) {
	t.Parallel()

	policy := &visor.RetryPolicy{Max: 8, Base: 5 * time.Millisecond, Cap: 60 * time.Millisecond}
	var prev time.Duration
	for attempt := 1; attempt < 8; attempt++ {
		d := NextRetry(policy, "flaky", attempt, visor.KindProviderTransient)
		if d.Delay < prev {
			t.Errorf("attempt %d: delay %s decreased below %s", attempt, d.Delay, prev)
		}
		prev = d.Delay
	}
}

func TestNextRetry_DefaultRetryOnSet(t *testing.T) {
	t.Parallel()

	policy := &visor.RetryPolicy{Max: 3, Base: time.Millisecond}

	tests := []struct {
		kind visor.ErrorKind
		want bool
	}{
		{visor.KindProviderTimeout, true},
		{visor.KindProviderTransient, true},
		{visor.KindProviderFatal, false},
		{visor.KindExprRuntime, false},
	}
	for _, tt := range tests {
		if d := NextRetry(policy, "x", 1, tt.kind); d.Retry != tt.want {
			t.Errorf("kind %s: retry = %v, want %v", tt.kind, d.Retry, tt.want)
		}
	}
}

func TestNextRetry_ExplicitRetryOn(t *testing.T) {
	t.Parallel()

	policy := &visor.RetryPolicy{Max: 3, Base: time.Millisecond, RetryOn: []string{"provider/fatal"}}
	if d := NextRetry(policy, "x", 1, visor.KindProviderFatal); !d.Retry {
		t.Error("explicit retry_on entry should match the full kind")
	}
	if d := NextRetry(policy, "x", 1, visor.KindProviderTransient); d.Retry {
		t.Error("transient should not match a retry_on list that excludes it")
	}
}

func TestNextRetry_NilPolicy(t *testing.T) {
	t.Parallel()

	if d := NextRetry(nil, "x", 1, visor.KindProviderTransient); d.Retry {
		t.Error("nil policy must never retry")
	}
}

func TestNextRetry_JitterDeterministic(t *testing.T) {
	t.Parallel()

	policy := &visor.RetryPolicy{Max: 5, Base: 40 * time.Millisecond, Jitter: true}

	first := NextRetry(policy, "flaky", 2, visor.KindProviderTransient)
	second := NextRetry(policy, "flaky", 2, visor.KindProviderTransient)
	if first.Delay != second.Delay {
		t.Errorf("jitter not deterministic: %s vs %s", first.Delay, second.Delay)
	}

	raw := backoffDelay(policy, 2)
	lo := time.Duration(float64(raw) * 0.75)
	hi := time.Duration(float64(raw) * 1.25)
	if first.Delay < lo || first.Delay > hi {
		t.Errorf("jittered delay %s outside [%s, %s]", first.Delay, lo, hi)
	}

	other := NextRetry(policy, "other-check", 2, visor.KindProviderTransient)
	if other.Delay == first.Delay {
		t.Log("different check names produced the same jitter; allowed but unexpected")
	}
}

func TestBackoffDelay_Strategies(t *testing.T) {
	t.Parallel()

	base := 10 * time.Millisecond
	tests := []struct {
		strategy visor.BackoffStrategy
		attempt  int
		want     time.Duration
	}{
		{visor.BackoffConstant, 3, base},
		{visor.BackoffLinear, 3, 30 * time.Millisecond},
		{visor.BackoffExponential, 3, 40 * time.Millisecond},
	}
	for _, tt := range tests {
		policy := &visor.RetryPolicy{Base: base, Strategy: tt.strategy}
		if got := backoffDelay(policy, tt.attempt); got != tt.want {
			t.Errorf("%s attempt %d: delay = %s, want %s", tt.strategy, tt.attempt, got, tt.want)
		}
	}
}
