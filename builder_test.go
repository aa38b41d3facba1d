package gateflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowBuilder(t *testing.T) {
	t.Run("simple workflow", func(t *testing.T) {
		wf, err := NewBuilder("test-workflow").
			Step("step1", "handler1").
			Step("step2", "handler2").
			Step("step3", "handler3").
			Build()

		require.NoError(t, err)
		assert.Equal(t, "test-workflow", wf.ID)
		assert.Equal(t, "test-workflow", wf.Name)
		assert.Equal(t, 1, wf.Version)
		require.Len(t, wf.Steps, 3)
		assert.Empty(t, wf.Steps[0].DependsOn)
		assert.Equal(t, []string{"step1"}, wf.Steps[1].DependsOn)
		assert.Equal(t, []string{"step2"}, wf.Steps[2].DependsOn)
	})

	t.Run("parallel and join", func(t *testing.T) {
		wf, err := NewBuilder("parallel-workflow").
			Step("init", "initialize_workflow").
			Parallel(
				Branch("validate", "validate_input"),
				Branch("permissions", "check_permissions"),
				Branch("resources", "verify_resources"),
			).
			Join("approve", "request_approval", WithStepApproval()).
			Then("execute", "execute_agent_task").
			Build()

		require.NoError(t, err)

		for _, id := range []string{"validate", "permissions", "resources"} {
			step, ok := wf.Step(id)
			require.True(t, ok)
			assert.Equal(t, []string{"init"}, step.DependsOn)
		}

		approve, _ := wf.Step("approve")
		assert.Equal(t, []string{"validate", "permissions", "resources"}, approve.DependsOn)
		assert.True(t, approve.RequiresApproval)

		execute, _ := wf.Step("execute")
		assert.Equal(t, []string{"approve"}, execute.DependsOn)
	})

	t.Run("explicit dependencies", func(t *testing.T) {
		wf, err := NewBuilder("fan-in").
			After(nil, "a", "extract_data").
			After(nil, "b", "extract_data").
			After([]string{"a", "b"}, "merge", "transform_data",
				WithStepInput(map[string]any{
					"left":  "${a.output.records}",
					"right": "${b.output.records}",
				})).
			Build()

		require.NoError(t, err)
		merge, _ := wf.Step("merge")
		assert.Equal(t, []string{"a", "b"}, merge.DependsOn)
	})

	t.Run("options", func(t *testing.T) {
		retry := RetryPolicy{MaxAttempts: 4, Strategy: RetryStrategyLinear}
		wf, err := NewBuilder("options",
			WithBuilderVersion(3),
			WithBuilderInput(map[string]any{"description": "x"}),
			WithBuilderFailOnReject()).
			Name("Options").
			Description("every option").
			Step("a", "x",
				WithStepRetry(retry),
				WithStepTimeout(2.5, true),
				WithStepDescription("first"),
				WithStepOptional()).
			Step("b", "y", WithStepMaxAttempts(7)).
			Build()

		require.NoError(t, err)
		assert.Equal(t, 3, wf.Version)
		assert.Equal(t, "Options", wf.Name)
		assert.Equal(t, "every option", wf.Description)
		assert.True(t, wf.FailOnReject)
		assert.Equal(t, "x", wf.Input["description"])

		a, _ := wf.Step("a")
		assert.Equal(t, &retry, a.Retry)
		assert.Equal(t, 2.5, a.TimeoutSeconds)
		assert.True(t, a.TimeoutFatal)
		assert.Equal(t, "first", a.Description)
		assert.False(t, a.IsCritical())

		b, _ := wf.Step("b")
		assert.Equal(t, 7, b.Retry.MaxAttempts)
		assert.True(t, b.IsCritical())
	})

	t.Run("duplicate step", func(t *testing.T) {
		_, err := NewBuilder("dup").
			Step("a", "x").
			Step("a", "y").
			Build()

		assert.ErrorIs(t, err, ErrDefinitionInvalid)
	})

	t.Run("binding to a non-ancestor", func(t *testing.T) {
		_, err := NewBuilder("bad-binding").
			After(nil, "a", "x").
			After(nil, "b", "x", WithStepInput(map[string]any{"v": "${a.output.value}"})).
			Build()

		assert.ErrorIs(t, err, ErrDefinitionInvalid)
	})

	t.Run("unknown activity", func(t *testing.T) {
		registry := NewActivityRegistry()
		registry.Register(NewActivity("known", nil))

		_, err := NewBuilder("activities", WithBuilderActivities(registry)).
			Step("a", "known").
			Step("b", "unknown").
			Build()

		assert.ErrorIs(t, err, ErrDefinitionInvalid)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := NewBuilder("").Step("a", "x").Build()
		require.Error(t, err)
	})

	t.Run("empty workflow", func(t *testing.T) {
		_, err := NewBuilder("empty").Build()
		assert.ErrorIs(t, err, ErrDefinitionInvalid)
	})
}
