package engine

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/probelabs/visor/pkg/visor"
)

// RetryDecision is what the scheduler does after a failed iteration: retry
// after delay, or stop.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// NextRetry decides whether a failed attempt is retried and after what
// delay. The default curve is `base * 2^(attempt-1)` capped at Cap,
// with optional deterministic jitter seeded from (checkName, attempt).
func NextRetry(policy *visor.RetryPolicy, checkName string, attempt int, failureKind visor.ErrorKind) RetryDecision {
	if policy == nil {
		return RetryDecision{Retry: false}
	}
	if attempt >= policy.Max {
		return RetryDecision{Retry: false}
	}
	if !retryOnMatches(policy, failureKind) {
		return RetryDecision{Retry: false}
	}

	delay := backoffDelay(policy, attempt)
	if policy.Jitter {
		delay = applyJitter(delay, checkName, attempt)
	}
	if policy.Cap > 0 && delay > policy.Cap {
		delay = policy.Cap
	}
	return RetryDecision{Retry: true, Delay: delay}
}

func retryOnMatches(policy *visor.RetryPolicy, kind visor.ErrorKind) bool {
	retryOn := policy.RetryOn
	if len(retryOn) == 0 {
		retryOn = visor.DefaultRetryOn
	}
	for _, k := range retryOn {
		if kind.Matches(k) {
			return true
		}
	}
	return false
}

func backoffDelay(policy *visor.RetryPolicy, attempt int) time.Duration {
	base := policy.Base
	if base <= 0 {
		base = time.Second
	}
	strategy := policy.Strategy
	if strategy == "" {
		strategy = visor.BackoffExponential
	}
	switch strategy {
	case visor.BackoffConstant:
		return base
	case visor.BackoffLinear:
		return base * time.Duration(attempt)
	default: // exponential: base * 2^(attempt-1)
		multiplier := math.Pow(2, float64(attempt-1))
		return time.Duration(float64(base) * multiplier)
	}
}

// applyJitter perturbs delay by up to +/-25%, using a PCG source seeded
// deterministically from the check name and attempt number so retries
// of the same iteration are reproducible across test runs.
func applyJitter(delay time.Duration, checkName string, attempt int) time.Duration {
	seed := jitterSeed(checkName, attempt)
	src := rand.New(rand.NewPCG(seed, uint64(attempt)+1))
	// factor in [0.75, 1.25)
	factor := 0.75 + src.Float64()*0.5
	return time.Duration(float64(delay) * factor)
}

func jitterSeed(checkName string, attempt int) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	for _, r := range checkName {
		h ^= uint64(r)
		h *= 1099511628211 // FNV prime
	}
	h ^= uint64(attempt) * 2654435761
	return h
}
