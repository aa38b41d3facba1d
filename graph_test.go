package gateflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type activitySet map[string]bool

func (s activitySet) Has(name string) bool { return s[name] }

func definitionOf(steps ...*StepDefinition) *WorkflowDefinition {
	return &WorkflowDefinition{ID: "test", Version: 1, Steps: steps}
}

func requireRule(t *testing.T, err error, stepID, rule string) {
	t.Helper()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDefinitionInvalid)

	var defErr *DefinitionError
	require.True(t, errors.As(err, &defErr))
	assert.Equal(t, rule, defErr.Rule)
	assert.Equal(t, stepID, defErr.StepID)
}

func TestBuildGraph(t *testing.T) {
	t.Run("diamond", func(t *testing.T) {
		g, err := BuildGraph(definitionOf(
			&StepDefinition{ID: "d", Activity: "x", DependsOn: []string{"b", "c"}},
			&StepDefinition{ID: "a", Activity: "x"},
			&StepDefinition{ID: "b", Activity: "x", DependsOn: []string{"a"}},
			&StepDefinition{ID: "c", Activity: "x", DependsOn: []string{"a"}},
		), nil)
		require.NoError(t, err)

		assert.Equal(t, []string{"a", "b", "c", "d"}, g.Order())
		assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, g.Levels())
		assert.Equal(t, []string{"b", "c"}, g.Dependencies("d"))
		assert.Equal(t, []string{"b", "c"}, g.Dependents("a"))
		assert.True(t, g.IsAncestor("a", "d"))
		assert.False(t, g.IsAncestor("b", "c"))
		assert.False(t, g.IsAncestor("missing", "d"))
		assert.Equal(t, 4, g.Len())
	})

	t.Run("duplicate dependency is collapsed", func(t *testing.T) {
		g, err := BuildGraph(definitionOf(
			&StepDefinition{ID: "a", Activity: "x"},
			&StepDefinition{ID: "b", Activity: "x", DependsOn: []string{"a", "a"}},
		), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, g.Dependencies("b"))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := BuildGraph(definitionOf(), nil)
		requireRule(t, err, "", RuleEmptyDefinition)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := BuildGraph(definitionOf(&StepDefinition{Activity: "x"}), nil)
		requireRule(t, err, "", RuleMissingStepID)
	})

	t.Run("duplicate step", func(t *testing.T) {
		_, err := BuildGraph(definitionOf(
			&StepDefinition{ID: "a", Activity: "x"},
			&StepDefinition{ID: "a", Activity: "y"},
		), nil)
		requireRule(t, err, "a", RuleDuplicateStep)
	})

	t.Run("unknown dependency", func(t *testing.T) {
		_, err := BuildGraph(definitionOf(
			&StepDefinition{ID: "a", Activity: "x", DependsOn: []string{"ghost"}},
		), nil)
		requireRule(t, err, "a", RuleUnknownDependency)
		assert.Contains(t, err.Error(), `"ghost"`)
	})

	t.Run("cycle", func(t *testing.T) {
		_, err := BuildGraph(definitionOf(
			&StepDefinition{ID: "root", Activity: "x"},
			&StepDefinition{ID: "a", Activity: "x", DependsOn: []string{"root", "b"}},
			&StepDefinition{ID: "b", Activity: "x", DependsOn: []string{"a"}},
		), nil)
		requireRule(t, err, "a", RuleCycle)
	})

	t.Run("self dependency", func(t *testing.T) {
		_, err := BuildGraph(definitionOf(
			&StepDefinition{ID: "a", Activity: "x", DependsOn: []string{"a"}},
		), nil)
		requireRule(t, err, "a", RuleCycle)
	})

	t.Run("binding to a sibling", func(t *testing.T) {
		_, err := BuildGraph(definitionOf(
			&StepDefinition{ID: "a", Activity: "x"},
			&StepDefinition{ID: "b", Activity: "x"},
			&StepDefinition{ID: "c", Activity: "x", DependsOn: []string{"a"},
				Input: map[string]any{"v": "${b.output.value}"}},
		), nil)
		requireRule(t, err, "c", RuleBindingNotUpstream)
	})

	t.Run("binding to a transitive ancestor", func(t *testing.T) {
		_, err := BuildGraph(definitionOf(
			&StepDefinition{ID: "a", Activity: "x"},
			&StepDefinition{ID: "b", Activity: "x", DependsOn: []string{"a"}},
			&StepDefinition{ID: "c", Activity: "x", DependsOn: []string{"b"},
				Input: map[string]any{"nested": []any{"${a.output.value}"}}},
		), nil)
		require.NoError(t, err)
	})

	t.Run("malformed binding", func(t *testing.T) {
		_, err := BuildGraph(definitionOf(
			&StepDefinition{ID: "a", Activity: "x", Input: map[string]any{"v": "${a.result}"}},
		), nil)
		requireRule(t, err, "a", RuleInvalidBinding)
	})

	t.Run("invalid retry", func(t *testing.T) {
		jitter := 1.5
		_, err := BuildGraph(definitionOf(
			&StepDefinition{ID: "a", Activity: "x", Retry: &RetryPolicy{Jitter: &jitter}},
		), nil)
		requireRule(t, err, "a", RuleInvalidRetry)

		_, err = BuildGraph(definitionOf(
			&StepDefinition{ID: "a", Activity: "x", Retry: &RetryPolicy{Strategy: "random"}},
		), nil)
		requireRule(t, err, "a", RuleInvalidRetry)
	})

	t.Run("unknown activity", func(t *testing.T) {
		_, err := BuildGraph(definitionOf(
			&StepDefinition{ID: "a", Activity: "known"},
			&StepDefinition{ID: "b", Activity: "unknown", DependsOn: []string{"a"}},
		), activitySet{"known": true})
		requireRule(t, err, "b", RuleUnknownActivity)
	})
}
