package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rom8726/gateflow"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gateflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, StoreSQLite, cfg.Store.Type)
	assert.Equal(t, PolicyRules, cfg.Policy.Mode)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, gateflow.DefaultScheduleInterval, cfg.Schedule.Interval)
	assert.Equal(t, "sample", cfg.Schedule.Definition)
	assert.Equal(t, gateflow.DefaultPolicyRules(), cfg.Policy.Rules)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, gateflow.RetryStrategyExponential, policy.Strategy)
	require.NotNil(t, policy.Jitter)
	assert.InDelta(t, 0.2, *policy.Jitter, 1e-9)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
  read_timeout: 3s
store:
  type: redis
  redis:
    addr: "redis:6379"
    prefix: "wf"
policy:
  mode: rules
  rules:
    mode: deny-by-default
    default_deny_reason: "not on the allow list"
    rules:
      - name: builds
        effect: allow
        activities: ["make"]
  required_inputs:
    deploy: [description, target.env]
  rate_limit:
    max: 10
    refill: 2s
retry:
  max_attempts: 5
  strategy: linear
  jitter: 0
schedule:
  interval: 1m
  overlap: skip
logging:
  level: debug
  format: json
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, StoreRedis, cfg.Store.Type)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "wf", cfg.Store.Redis.Prefix)
	assert.Equal(t, gateflow.PolicyModeDenyByDefault, cfg.Policy.Rules.Mode)
	assert.Equal(t, "not on the allow list", cfg.Policy.Rules.DefaultDenyReason)
	require.Len(t, cfg.Policy.Rules.Rules, 1)
	assert.Equal(t, gateflow.EffectAllow, cfg.Policy.Rules.Rules[0].Effect)
	assert.Equal(t, []string{"make"}, cfg.Policy.Rules.Rules[0].Activities)
	assert.Equal(t, []string{"description", "target.env"}, cfg.Policy.RequiredInputs["deploy"])
	assert.Equal(t, 10, cfg.Policy.RateLimit.Max)
	assert.Equal(t, 2*time.Second, cfg.Policy.RateLimit.Refill)
	assert.Equal(t, time.Minute, cfg.Schedule.Interval)
	assert.Equal(t, "skip", cfg.Schedule.Overlap)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, gateflow.RetryStrategyLinear, policy.Strategy)
	assert.Nil(t, policy.Jitter)

	assert.NotNil(t, cfg.NewLogger())
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := writeConfig(t, "store:\n  type: memory\n")
	t.Setenv("GATEFLOW_STORE_TYPE", "postgres")
	t.Setenv("GATEFLOW_STORE_DSN", "postgres://gateflow@localhost/gateflow")
	t.Setenv("GATEFLOW_ENGINE_WORKERS", "2")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.Store.Type)
	assert.Equal(t, "postgres://gateflow@localhost/gateflow", cfg.Store.DSN)
	assert.Equal(t, 2, cfg.Engine.Workers)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"store", "store:\n  type: cassandra\n", "unsupported store.type"},
		{"http policy without url", "policy:\n  mode: http\n", "policy.url is required"},
		{"strategy", "retry:\n  strategy: random\n", "unsupported retry.strategy"},
		{"attempts", "retry:\n  max_attempts: 0\n", "retry.max_attempts"},
		{"overlap", "schedule:\n  overlap: queue\n", "unsupported schedule.overlap"},
		{"rate limit refill", "policy:\n  rate_limit:\n    max: 5\n    refill: 0s\n", "policy.rate_limit.refill"},
		{"audit sink", "audit:\n  sink: kafka\n", "unsupported audit.sink"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
