package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/rom8726/gateflow"
)

var _ gateflow.PolicyGate = (*ValidationGate)(nil)

type ValidationRule func(data json.RawMessage) error

// ValidationGate denies a step whose resolved input breaks one of its rules and
// defers everything else to the wrapped gate.
type ValidationGate struct {
	next  gateflow.PolicyGate
	rules map[string][]ValidationRule
	mu    sync.RWMutex
}

func New(next gateflow.PolicyGate) *ValidationGate {
	if next == nil {
		next = gateflow.AllowAllGate{}
	}

	return &ValidationGate{
		next:  next,
		rules: make(map[string][]ValidationRule),
	}
}

func (g *ValidationGate) AddRule(stepID string, rule ValidationRule) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rules[stepID] = append(g.rules[stepID], rule)
}

func (g *ValidationGate) Decide(
	ctx context.Context,
	step *gateflow.StepDefinition,
	input json.RawMessage,
) gateflow.PolicyDecision {
	g.mu.RLock()
	rules := g.rules[step.ID]
	g.mu.RUnlock()

	for i, rule := range rules {
		if err := rule(input); err != nil {
			return gateflow.Deny(step.ID, fmt.Sprintf("validation rule %d failed for step %q: %v", i, step.ID, err))
		}
	}

	return g.next.Decide(ctx, step, input)
}

// Required fails when path is absent from the input.
func Required(path string) ValidationRule {
	return func(data json.RawMessage) error {
		if !gjson.GetBytes(data, path).Exists() {
			return fmt.Errorf("%s is required", path)
		}

		return nil
	}
}

// OneOf fails when the string at path is not one of values.
func OneOf(path string, values ...string) ValidationRule {
	return func(data json.RawMessage) error {
		got := gjson.GetBytes(data, path)
		for _, v := range values {
			if got.String() == v {
				return nil
			}
		}

		return fmt.Errorf("%s must be one of %v, got %q", path, values, got.String())
	}
}

// MaxNumber fails when the number at path is greater than limit.
func MaxNumber(path string, limit float64) ValidationRule {
	return func(data json.RawMessage) error {
		got := gjson.GetBytes(data, path)
		if got.Exists() && got.Float() > limit {
			return fmt.Errorf("%s must be at most %v, got %v", path, limit, got.Float())
		}

		return nil
	}
}
