package gateflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefinitionYAML(t *testing.T) {
	t.Run("steps mapping keeps document order", func(t *testing.T) {
		def, err := ParseDefinitionYAML([]byte(`
id: ordered
name: Ordered
input:
  description: hello
steps:
  zeta:
    activity: a
  alpha:
    activity: b
    dependsOn: [zeta]
    requiresApproval: true
    optional: true
    retry:
      maxAttempts: 5
      backoffSeconds: 0.5
      strategy: linear
      jitter: 0
    input:
      text: ${input.description}
      count: 3
`))
		require.NoError(t, err)

		assert.Equal(t, "ordered", def.ID)
		assert.Equal(t, 1, def.Version)
		assert.Equal(t, "hello", def.Input["description"])
		require.Len(t, def.Steps, 2)
		assert.Equal(t, "zeta", def.Steps[0].ID)

		alpha := def.Steps[1]
		assert.Equal(t, "alpha", alpha.ID)
		assert.Equal(t, []string{"zeta"}, alpha.DependsOn)
		assert.True(t, alpha.RequiresApproval)
		assert.False(t, alpha.IsCritical())
		require.NotNil(t, alpha.Retry)
		assert.Equal(t, 5, alpha.Retry.MaxAttempts)
		assert.Equal(t, 0.5, alpha.Retry.BackoffSeconds)
		assert.Equal(t, RetryStrategyLinear, alpha.Retry.Strategy)
		require.NotNil(t, alpha.Retry.Jitter)
		assert.Zero(t, *alpha.Retry.Jitter)
		assert.Equal(t, "${input.description}", alpha.Input["text"])
		assert.Equal(t, 3, alpha.Input["count"])
	})

	t.Run("bare step mapping", func(t *testing.T) {
		def, err := ParseDefinitionYAML([]byte(`
first:
  activity: a
second:
  activity: b
  dependsOn: [first]
`))
		require.NoError(t, err)
		require.Len(t, def.Steps, 2)
		assert.Equal(t, "first", def.Steps[0].ID)
		assert.Equal(t, "second", def.Steps[1].ID)
	})

	t.Run("legacy activities list is chained", func(t *testing.T) {
		def, err := ParseDefinitionYAML([]byte(`
id: legacy
activities:
  - activityName: check_policy
    args: [Task]
  - activityName: execute_agent_task
  - activityName: execute_agent_task
`))
		require.NoError(t, err)
		require.Len(t, def.Steps, 3)

		assert.Equal(t, "check_policy", def.Steps[0].ID)
		assert.Empty(t, def.Steps[0].DependsOn)
		assert.Equal(t, []any{"Task"}, def.Steps[0].Input["args"])

		assert.Equal(t, "execute_agent_task", def.Steps[1].ID)
		assert.Equal(t, []string{"check_policy"}, def.Steps[1].DependsOn)
		assert.Nil(t, def.Steps[1].Input)

		assert.Equal(t, "execute_agent_task-2", def.Steps[2].ID)
		assert.Equal(t, "execute_agent_task", def.Steps[2].Activity)
		assert.Equal(t, []string{"execute_agent_task"}, def.Steps[2].DependsOn)
	})

	t.Run("json document", func(t *testing.T) {
		def, err := ParseDefinitionYAML([]byte(`{"id":"json","steps":{"only":{"activity":"a"}}}`))
		require.NoError(t, err)
		require.Len(t, def.Steps, 1)
		assert.Equal(t, "only", def.Steps[0].ID)
	})

	t.Run("duplicate step id", func(t *testing.T) {
		_, err := ParseDefinitionYAML([]byte(`
id: dup
steps:
  a:
    activity: x
  a:
    activity: y
`))
		require.Error(t, err)
	})

	t.Run("empty document", func(t *testing.T) {
		_, err := ParseDefinitionYAML([]byte(""))
		assert.ErrorIs(t, err, ErrDefinitionInvalid)
	})

	t.Run("not a mapping", func(t *testing.T) {
		_, err := ParseDefinitionYAML([]byte("- a\n- b\n"))
		require.Error(t, err)
	})

	t.Run("steps must be a mapping", func(t *testing.T) {
		_, err := ParseDefinitionYAML([]byte("id: x\nsteps:\n  - activity: a\n"))
		require.Error(t, err)
	})
}

func TestLoadDefinitionReader(t *testing.T) {
	def, err := LoadDefinitionReader(strings.NewReader("id: reader\nsteps:\n  a:\n    activity: x\n"))
	require.NoError(t, err)
	assert.Equal(t, "reader", def.ID)
}

func TestLoadDefinitionDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte("steps:\n  s:\n    activity: x\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("id: named\nsteps:\n  s:\n    activity: x\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))

	defs, err := LoadDefinitionDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "named", defs[0].ID)
	assert.Equal(t, "b", defs[1].ID)

	_, err = LoadDefinitionDir(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestShippedWorkflowsAreValid(t *testing.T) {
	defs, err := LoadDefinitionDir("workflows")
	require.NoError(t, err)
	require.NotEmpty(t, defs)

	for _, def := range defs {
		t.Run(def.ID, func(t *testing.T) {
			_, err := BuildGraph(def, nil)
			require.NoError(t, err)
		})
	}
}
