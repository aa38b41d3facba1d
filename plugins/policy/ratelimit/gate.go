package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rom8726/gateflow"
)

var _ gateflow.PolicyGate = (*RateLimitGate)(nil)

// RateLimitGate keeps a token bucket per definition step pair. A dispatch with an
// empty bucket is denied; tokens come back one per refill interval.
type RateLimitGate struct {
	next       gateflow.PolicyGate
	maxTokens  int
	refillRate time.Duration
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

type Option func(*RateLimitGate)

func WithClock(now func() time.Time) Option {
	return func(g *RateLimitGate) {
		g.now = now
	}
}

func WithNext(next gateflow.PolicyGate) Option {
	return func(g *RateLimitGate) {
		g.next = next
	}
}

func New(maxTokens int, refillRate time.Duration, opts ...Option) *RateLimitGate {
	g := &RateLimitGate{
		next:       gateflow.AllowAllGate{},
		maxTokens:  maxTokens,
		refillRate: refillRate,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

func (g *RateLimitGate) Decide(
	ctx context.Context,
	step *gateflow.StepDefinition,
	input json.RawMessage,
) gateflow.PolicyDecision {
	decision := g.next.Decide(ctx, step, input)
	if !decision.Allowed() {
		return decision
	}

	key := step.Activity + ":" + step.ID

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	b, ok := g.buckets[key]
	if !ok {
		b = &bucket{tokens: g.maxTokens, lastRefill: now}
		g.buckets[key] = b
	}

	if g.refillRate > 0 {
		if refill := int(now.Sub(b.lastRefill) / g.refillRate); refill > 0 {
			b.tokens = min(g.maxTokens, b.tokens+refill)
			b.lastRefill = b.lastRefill.Add(time.Duration(refill) * g.refillRate)
		}
	}

	if b.tokens <= 0 {
		return gateflow.Deny(step.ID, fmt.Sprintf("rate limit exceeded for %s", key))
	}
	b.tokens--

	return decision
}
