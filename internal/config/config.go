package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rom8726/gateflow"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	PolicyRules    = "rules"
	PolicyHTTP     = "http"
	PolicyAllowAll = "allow-all"
)

// Config holds the configuration for the gateflow binary.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		Metrics         bool          `mapstructure:"metrics"`
	} `mapstructure:"server"`
	Client struct {
		URL     string        `mapstructure:"url"`
		User    string        `mapstructure:"user"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"client"`
	Store struct {
		Type  string `mapstructure:"type"`
		DSN   string `mapstructure:"dsn"`
		Redis struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			Prefix   string `mapstructure:"prefix"`
		} `mapstructure:"redis"`
	} `mapstructure:"store"`
	Policy struct {
		Mode     string                 `mapstructure:"mode"`
		URL      string                 `mapstructure:"url"`
		Attempts int                    `mapstructure:"attempts"`
		Backoff  time.Duration          `mapstructure:"backoff"`
		Timeout  time.Duration          `mapstructure:"timeout"`
		Rules    gateflow.PolicyRuleSet `mapstructure:"rules"`
		// RequiredInputs maps a step id to gjson paths its resolved input must carry.
		RequiredInputs map[string][]string `mapstructure:"required_inputs"`
		RateLimit      struct {
			Max    int           `mapstructure:"max"`
			Refill time.Duration `mapstructure:"refill"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"policy"`
	Retry struct {
		MaxAttempts       int     `mapstructure:"max_attempts"`
		BackoffSeconds    float64 `mapstructure:"backoff_seconds"`
		Strategy          string  `mapstructure:"strategy"`
		MaxBackoffSeconds float64 `mapstructure:"max_backoff_seconds"`
		Jitter            float64 `mapstructure:"jitter"`
	} `mapstructure:"retry"`
	Engine struct {
		Workers             int           `mapstructure:"workers"`
		MailboxSize         int           `mapstructure:"mailbox_size"`
		AppendRetryInterval time.Duration `mapstructure:"append_retry_interval"`
		RecoveryConcurrency int           `mapstructure:"recovery_concurrency"`
	} `mapstructure:"engine"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Definitions struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"definitions"`
	Schedule struct {
		Definition string        `mapstructure:"definition"`
		Interval   time.Duration `mapstructure:"interval"`
		Overlap    string        `mapstructure:"overlap"`
	} `mapstructure:"schedule"`
	Audit struct {
		Sink   string `mapstructure:"sink"`
		Stream string `mapstructure:"stream"`
		MaxLen int64  `mapstructure:"max_len"`
	} `mapstructure:"audit"`
	Notifications struct {
		WebhookURL string `mapstructure:"webhook_url"`
	} `mapstructure:"notifications"`
	Telemetry struct {
		Enabled     bool          `mapstructure:"enabled"`
		ServiceName string        `mapstructure:"service_name"`
		// Endpoint is an OTLP/HTTP collector (host:port). Spans go to the debug log when empty.
		Endpoint    string        `mapstructure:"endpoint"`
		Insecure    bool          `mapstructure:"insecure"`
		ApprovalTTL time.Duration `mapstructure:"approval_ttl"`
	} `mapstructure:"telemetry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.metrics", true)

	v.SetDefault("client.url", "http://localhost:8080")
	v.SetDefault("client.user", "")
	v.SetDefault("client.timeout", 30*time.Second)

	v.SetDefault("store.type", StoreSQLite)
	v.SetDefault("store.dsn", "file:gateflow.db?_pragma=busy_timeout(5000)")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "gateflow")

	v.SetDefault("policy.mode", PolicyRules)
	v.SetDefault("policy.url", "")
	v.SetDefault("policy.attempts", 3)
	v.SetDefault("policy.backoff", 200*time.Millisecond)
	v.SetDefault("policy.timeout", 5*time.Second)
	v.SetDefault("policy.rate_limit.max", 0)
	v.SetDefault("policy.rate_limit.refill", time.Second)

	v.SetDefault("retry.max_attempts", gateflow.DefaultRetryPolicy.MaxAttempts)
	v.SetDefault("retry.backoff_seconds", gateflow.DefaultRetryPolicy.BackoffSeconds)
	v.SetDefault("retry.strategy", string(gateflow.DefaultRetryPolicy.Strategy))
	v.SetDefault("retry.max_backoff_seconds", gateflow.DefaultRetryPolicy.MaxBackoffSeconds)
	v.SetDefault("retry.jitter", *gateflow.DefaultRetryPolicy.Jitter)

	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.mailbox_size", 64)
	v.SetDefault("engine.append_retry_interval", time.Second)
	v.SetDefault("engine.recovery_concurrency", 8)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("definitions.dir", "workflows")

	v.SetDefault("schedule.definition", "sample")
	v.SetDefault("schedule.interval", gateflow.DefaultScheduleInterval)
	v.SetDefault("schedule.overlap", string(gateflow.OverlapAllowAll))

	v.SetDefault("audit.sink", "log")
	v.SetDefault("audit.stream", "gateflow:audit")
	v.SetDefault("audit.max_len", 10000)

	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "gateflow")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.approval_ttl", 24*time.Hour)
}

// LoadConfig reads path (or gateflow.yaml from . and ./config when path is empty)
// and applies GATEFLOW_* environment overrides. A missing default file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gateflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if !v.IsSet("policy.rules") {
		cfg.Policy.Rules = gateflow.DefaultPolicyRules()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreMemory, StoreSQLite, StoreRedis:
	case StorePostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported store.type %q", c.Store.Type)
	}

	switch c.Policy.Mode {
	case PolicyRules, PolicyAllowAll:
	case PolicyHTTP:
		if c.Policy.URL == "" {
			return errors.New("policy.url is required for the http policy mode")
		}
	default:
		return fmt.Errorf("unsupported policy.mode %q", c.Policy.Mode)
	}

	if c.Policy.RateLimit.Max < 0 {
		return errors.New("policy.rate_limit.max must not be negative")
	}
	if c.Policy.RateLimit.Max > 0 && c.Policy.RateLimit.Refill <= 0 {
		return errors.New("policy.rate_limit.refill must be positive")
	}

	switch gateflow.RetryStrategy(c.Retry.Strategy) {
	case gateflow.RetryStrategyFixed, gateflow.RetryStrategyLinear, gateflow.RetryStrategyExponential:
	default:
		return fmt.Errorf("unsupported retry.strategy %q", c.Retry.Strategy)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}

	switch gateflow.OverlapPolicy(c.Schedule.Overlap) {
	case gateflow.OverlapAllowAll, gateflow.OverlapSkip:
	default:
		return fmt.Errorf("unsupported schedule.overlap %q", c.Schedule.Overlap)
	}

	switch c.Audit.Sink {
	case "", "log", "none":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("audit.sink redis needs store.redis.addr")
		}
	default:
		return fmt.Errorf("unsupported audit.sink %q", c.Audit.Sink)
	}

	return nil
}

// RetryPolicy is the engine-wide default for steps without a retry block.
func (c *Config) RetryPolicy() gateflow.RetryPolicy {
	policy := gateflow.RetryPolicy{
		MaxAttempts:       c.Retry.MaxAttempts,
		BackoffSeconds:    c.Retry.BackoffSeconds,
		Strategy:          gateflow.RetryStrategy(c.Retry.Strategy),
		MaxBackoffSeconds: c.Retry.MaxBackoffSeconds,
	}
	if c.Retry.Jitter > 0 {
		jitter := c.Retry.Jitter
		policy.Jitter = &jitter
	}

	return policy
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
