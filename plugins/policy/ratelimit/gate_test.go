package ratelimit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rom8726/gateflow"
)

func TestRateLimitGate(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g := New(2, time.Minute, WithClock(func() time.Time { return now }))

	step := &gateflow.StepDefinition{ID: "deploy", Activity: "kubectl"}
	ctx := context.Background()

	assert.True(t, g.Decide(ctx, step, nil).Allowed())
	assert.True(t, g.Decide(ctx, step, nil).Allowed())

	denied := g.Decide(ctx, step, nil)
	assert.Equal(t, gateflow.PolicyDeny, denied.Verdict)
	assert.Equal(t, "rate limit exceeded for kubectl:deploy", denied.Reason)

	other := &gateflow.StepDefinition{ID: "build", Activity: "make"}
	assert.True(t, g.Decide(ctx, other, nil).Allowed())

	now = now.Add(90 * time.Second)
	assert.True(t, g.Decide(ctx, step, nil).Allowed())
	assert.False(t, g.Decide(ctx, step, nil).Allowed())
}

func TestRateLimitGate_NextDenyKeepsTokens(t *testing.T) {
	calls := 0
	next := gateflow.PolicyGateFunc(func(_ context.Context, step *gateflow.StepDefinition, _ json.RawMessage) gateflow.PolicyDecision {
		calls++
		if calls == 1 {
			return gateflow.Deny(step.ID, "freeze")
		}

		return gateflow.Allow(step.ID)
	})
	g := New(1, time.Hour, WithNext(next))

	step := &gateflow.StepDefinition{ID: "deploy", Activity: "kubectl"}

	assert.Equal(t, "freeze", g.Decide(context.Background(), step, nil).Reason)
	assert.True(t, g.Decide(context.Background(), step, nil).Allowed())
	assert.False(t, g.Decide(context.Background(), step, nil).Allowed())
}
