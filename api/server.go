package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rom8726/gateflow"
)

type Server struct {
	engine   gateflow.IEngine
	monitor  gateflow.Monitor
	plugins  []Plugin
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

type ServerOption func(*Server)

func WithPlugins(plugins ...Plugin) ServerOption {
	return func(s *Server) {
		s.plugins = append(s.plugins, plugins...)
	}
}

// WithMetrics exposes the gatherer on GET /metrics.
func WithMetrics(gatherer prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(engine gateflow.IEngine, monitor gateflow.Monitor, opts ...ServerOption) *Server {
	s := &Server{
		engine:  engine,
		monitor: monitor,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	RegisterCoreRoutes(mux, s.engine, s.monitor)

	for _, plugin := range s.plugins {
		plugin.RegisterRoutes(mux)
		s.logger.Info("[gateflow] api plugin registered", "plugin", plugin.Name(), "description", plugin.Description())
	}

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}
