package gateflow

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultRetryPolicy is applied to steps that do not declare their own retry block.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:       3,
	BackoffSeconds:    1,
	Strategy:          RetryStrategyExponential,
	MaxBackoffSeconds: 60,
	Jitter:            floatPtr(0.2),
}

type RetryDecision struct {
	Retry bool
	Delay time.Duration
	Class ErrorClass
}

func (d RetryDecision) GiveUp() bool {
	return !d.Retry
}

type RetryManager struct {
	defaults RetryPolicy
	mu       sync.Mutex
	random   func() float64
}

type RetryManagerOption func(*RetryManager)

// WithRetryRandom replaces the jitter source, mostly for tests.
func WithRetryRandom(random func() float64) RetryManagerOption {
	return func(m *RetryManager) {
		m.random = random
	}
}

func NewRetryManager(defaults RetryPolicy, opts ...RetryManagerOption) *RetryManager {
	m := &RetryManager{
		defaults: defaults,
		random:   rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Effective merges a step's retry block over the manager defaults.
func (m *RetryManager) Effective(step *StepDefinition) RetryPolicy {
	policy := m.defaults
	if step == nil || step.Retry == nil {
		return policy
	}

	r := step.Retry
	if r.MaxAttempts > 0 {
		policy.MaxAttempts = r.MaxAttempts
	}
	if r.BackoffSeconds > 0 {
		policy.BackoffSeconds = r.BackoffSeconds
	}
	if r.Strategy != "" {
		policy.Strategy = r.Strategy
	}
	if r.MaxBackoffSeconds > 0 {
		policy.MaxBackoffSeconds = r.MaxBackoffSeconds
	}
	if r.Jitter != nil {
		policy.Jitter = r.Jitter
	}

	return policy
}

// OnFailure decides what happens after attempt number step.Attempts failed with err.
func (m *RetryManager) OnFailure(step *StepExecution, policy RetryPolicy, err error) RetryDecision {
	class := ClassifyError(err)
	if class == ErrorFatal {
		return RetryDecision{Class: class}
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if step.Attempts >= maxAttempts {
		return RetryDecision{Class: class}
	}

	return RetryDecision{Retry: true, Delay: m.Backoff(policy, step.Attempts), Class: class}
}

// Backoff returns the delay before the attempt following retryAttempt (1-based).
func (m *RetryManager) Backoff(policy RetryPolicy, retryAttempt int) time.Duration {
	base := seconds(policy.BackoffSeconds)
	delay := CalculateRetryDelay(policy.Strategy, base, retryAttempt-1)

	if policy.Jitter != nil && *policy.Jitter > 0 {
		m.mu.Lock()
		r := m.random()
		m.mu.Unlock()
		delay = ApplyJitter(delay, *policy.Jitter, r)
	}
	if policy.MaxBackoffSeconds > 0 {
		if ceiling := seconds(policy.MaxBackoffSeconds); delay < 0 || delay > ceiling {
			delay = ceiling
		}
	}

	return delay
}

func CalculateRetryDelay(strategy RetryStrategy, baseDelay time.Duration, retryAttempt int) time.Duration {
	switch strategy {
	case RetryStrategyExponential:
		// Exponential backoff: baseDelay * 2^retryAttempt
		multiplier := math.Pow(2, float64(retryAttempt))
		return clampDuration(float64(baseDelay) * multiplier)

	case RetryStrategyLinear:
		// Linear backoff: baseDelay * (retryAttempt + 1)
		return clampDuration(float64(baseDelay) * float64(retryAttempt+1))

	case RetryStrategyFixed:
		fallthrough
	default:
		return baseDelay
	}
}

// ApplyJitter spreads delay uniformly over [delay*(1-fraction), delay*(1+fraction)]
// using r in [0, 1).
func ApplyJitter(delay time.Duration, fraction, r float64) time.Duration {
	if fraction <= 0 || delay <= 0 {
		return delay
	}
	factor := 1 - fraction + 2*fraction*r

	return clampDuration(float64(delay) * factor)
}

// clampDuration converts v to a Duration, saturating instead of wrapping.
func clampDuration(v float64) time.Duration {
	switch {
	case v >= math.MaxInt64:
		return math.MaxInt64
	case v <= 0:
		return 0
	default:
		return time.Duration(v)
	}
}

func seconds(v float64) time.Duration {
	return clampDuration(v * float64(time.Second))
}

func floatPtr(v float64) *float64 {
	return &v
}
