package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/rom8726/gateflow"
	"github.com/rom8726/gateflow/activities"
	"github.com/rom8726/gateflow/api"
	"github.com/rom8726/gateflow/client"
	"github.com/rom8726/gateflow/internal/config"
	"github.com/rom8726/gateflow/plugins/api/failures"
	signalplugin "github.com/rom8726/gateflow/plugins/api/signal"
	"github.com/rom8726/gateflow/plugins/api/terminate"
	"github.com/rom8726/gateflow/plugins/engine/audit"
	"github.com/rom8726/gateflow/plugins/engine/metrics"
	"github.com/rom8726/gateflow/plugins/engine/notifications"
	"github.com/rom8726/gateflow/plugins/engine/telemetry"
	"github.com/rom8726/gateflow/plugins/policy/ratelimit"
	"github.com/rom8726/gateflow/plugins/policy/validate"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}

			ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, a.cfg, a.cfg.NewLogger())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      rt.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("[gateflow] api server starting", "addr", cfg.Server.Addr, "store", cfg.Store.Type)
		serverErrors <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("api server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("[gateflow] shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("[gateflow] api server shutdown", "error", err)
		_ = server.Close()
	}
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Error("[gateflow] runtime shutdown", "error", err)
	}

	logger.Info("[gateflow] stopped")

	return serveErr
}

// runtime is everything serve needs: a recovered engine behind an HTTP handler.
type runtime struct {
	engine   *gateflow.Engine
	monitor  *gateflow.ExecutionMonitor
	registry *prometheus.Registry
	handler  http.Handler
	closers  []func(ctx context.Context) error
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (rt *runtime, err error) {
	rt = &runtime{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	var redisClient redis.UniversalClient
	if cfg.Store.Type == config.StoreRedis || cfg.Audit.Sink == "redis" {
		redisClient, err = newRedisClient(ctx, cfg)
		if err != nil {
			return rt, err
		}
		rt.closers = append(rt.closers, func(context.Context) error { return redisClient.Close() })
	}

	store, err := rt.buildStore(ctx, cfg, redisClient)
	if err != nil {
		return rt, err
	}

	gate, err := buildPolicyGate(cfg, logger)
	if err != nil {
		return rt, err
	}

	rt.engine = gateflow.NewEngine(
		gateflow.WithEngineStore(store),
		gateflow.WithEngineLogger(logger),
		gateflow.WithEnginePolicyGate(gate),
		gateflow.WithEngineRetryDefaults(cfg.RetryPolicy()),
		gateflow.WithEngineWorkers(cfg.Engine.Workers),
		gateflow.WithEngineMailboxSize(cfg.Engine.MailboxSize),
		gateflow.WithEngineAppendRetryInterval(cfg.Engine.AppendRetryInterval),
		gateflow.WithEngineRecoveryConcurrency(cfg.Engine.RecoveryConcurrency),
	)
	rt.monitor = gateflow.NewMonitor(rt.engine)

	activities.RegisterAll(rt.engine, activities.WithLogger(logger))

	if err := rt.registerPlugins(ctx, cfg, logger, redisClient); err != nil {
		return rt, err
	}

	if err := rt.engine.RestoreDefinitions(ctx); err != nil {
		return rt, err
	}
	if err := registerDefinitionDir(ctx, rt.engine, cfg.Definitions.Dir, logger); err != nil {
		return rt, err
	}
	if err := rt.engine.Recover(ctx); err != nil {
		return rt, fmt.Errorf("recover executions: %w", err)
	}

	opts := []api.ServerOption{
		api.WithLogger(logger),
		api.WithPlugins(
			signalplugin.New(rt.engine, userFromHeader),
			terminate.New(rt.engine, userFromHeader),
			failures.New(rt.engine),
		),
	}
	if cfg.Server.Metrics {
		opts = append(opts, api.WithMetrics(rt.registry))
	}
	rt.handler = api.NewServer(rt.engine, rt.monitor, opts...).Mux()

	return rt, nil
}

// Close stops the engine first, then releases stores and exporters in reverse order.
func (rt *runtime) Close(ctx context.Context) error {
	if rt.engine != nil {
		rt.engine.Shutdown()
	}

	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil

	return errors.Join(errs...)
}

func newRedisClient(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.Redis.Addr,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		return nil, fmt.Errorf("connect redis %s: %w", cfg.Store.Redis.Addr, err)
	}

	return rdb, nil
}

func (rt *runtime) buildStore(
	ctx context.Context,
	cfg *config.Config,
	redisClient redis.UniversalClient,
) (gateflow.Store, error) {
	switch cfg.Store.Type {
	case config.StoreMemory:
		return gateflow.NewMemoryStore(), nil
	case config.StoreSQLite:
		store, err := gateflow.NewSQLiteStore(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func(context.Context) error { return store.Close() })

		return store, nil
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error {
			pool.Close()

			return nil
		})
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := gateflow.RunMigrations(ctx, pool); err != nil {
			return nil, err
		}

		return gateflow.NewStore(pool), nil
	case config.StoreRedis:
		return gateflow.NewRedisStore(redisClient, cfg.Store.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Store.Type)
	}
}

// buildPolicyGate composes the configured base gate with input validation and
// rate limiting. Validation runs first, then the base gate, then the rate limit.
func buildPolicyGate(cfg *config.Config, logger *slog.Logger) (gateflow.PolicyGate, error) {
	var gate gateflow.PolicyGate

	switch cfg.Policy.Mode {
	case config.PolicyAllowAll:
		gate = gateflow.AllowAllGate{}
	case config.PolicyRules:
		ruleGate, err := gateflow.NewRuleGate(cfg.Policy.Rules)
		if err != nil {
			return nil, fmt.Errorf("policy rules: %w", err)
		}
		gate = ruleGate
	case config.PolicyHTTP:
		gate = gateflow.NewHTTPPolicyGate(cfg.Policy.URL,
			gateflow.WithPolicyHTTPClient(&http.Client{Timeout: cfg.Policy.Timeout}),
			gateflow.WithPolicyAttempts(cfg.Policy.Attempts, cfg.Policy.Backoff),
			gateflow.WithPolicyLogger(logger),
		)
	default:
		return nil, fmt.Errorf("unsupported policy mode %q", cfg.Policy.Mode)
	}

	if cfg.Policy.RateLimit.Max > 0 {
		gate = ratelimit.New(cfg.Policy.RateLimit.Max, cfg.Policy.RateLimit.Refill, ratelimit.WithNext(gate))
	}

	if len(cfg.Policy.RequiredInputs) > 0 {
		validation := validate.New(gate)
		for stepID, paths := range cfg.Policy.RequiredInputs {
			for _, path := range paths {
				validation.AddRule(stepID, validate.Required(path))
			}
		}
		gate = validation
	}

	return gate, nil
}

func (rt *runtime) registerPlugins(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	redisClient redis.UniversalClient,
) error {
	pm := rt.engine.PluginManager()

	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		executionGauge(rt.monitor, "gateflow_executions_running", "Executions that have not finished.",
			func(stats *gateflow.SummaryStats) int { return stats.RunningExecutions }),
		executionGauge(rt.monitor, "gateflow_approvals_waiting", "Steps waiting for a human decision.",
			func(stats *gateflow.SummaryStats) int { return stats.WaitingApprovals }),
	)
	pm.Register(metrics.New(metrics.NewPrometheusCollector(rt.registry)))

	switch cfg.Audit.Sink {
	case "log", "":
		pm.Register(audit.New(audit.NewSlogWriter(logger.With("component", "audit"))))
	case "redis":
		pm.Register(audit.New(audit.NewRedisStreamWriter(redisClient, cfg.Audit.Stream, cfg.Audit.MaxLen)))
	}

	if cfg.Notifications.WebhookURL != "" {
		pm.Register(notifications.New(notifications.NewWebhookChannel(cfg.Notifications.WebhookURL, 5*time.Second)))
	} else {
		pm.Register(notifications.New(
			notifications.NewLogChannel(logger.With("component", "notifications")),
			notifications.WithTypes(
				notifications.NotificationTypeApprovalRequested,
				notifications.NotificationTypeExecutionFailed,
			),
		))
	}

	if cfg.Telemetry.Enabled {
		provider, err := newTracerProvider(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		rt.closers = append(rt.closers, provider.Shutdown)
		pm.Register(telemetry.New(provider.Tracer("github.com/rom8726/gateflow"),
			telemetry.WithApprovalTTL(cfg.Telemetry.ApprovalTTL)))
	}

	return nil
}

func executionGauge(
	monitor gateflow.Monitor,
	name, help string,
	pick func(stats *gateflow.SummaryStats) int,
) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		stats, err := monitor.GetSummaryStats(ctx)
		if err != nil {
			return 0
		}

		return float64(pick(stats))
	})
}

// registerDefinitionDir registers the shipped definitions. A missing directory is
// not an error; an invalid definition is.
func registerDefinitionDir(ctx context.Context, engine *gateflow.Engine, dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}

	defs, err := gateflow.LoadDefinitionDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("[gateflow] definitions dir not found", "dir", dir)

			return nil
		}

		return err
	}

	for _, def := range defs {
		if err := engine.RegisterDefinition(ctx, def); err != nil {
			return fmt.Errorf("register %s: %w", def.ID, err)
		}
	}

	return nil
}

func userFromHeader(r *http.Request) (string, error) {
	if user := r.Header.Get(client.UserHeader); user != "" {
		return user, nil
	}

	return "anonymous", nil
}
