package gateflow

import (
	"log/slog"
	"time"
)

type EngineOption func(engine *Engine)

func WithEngineStore(store Store) EngineOption {
	return func(engine *Engine) {
		engine.store = store
	}
}

func WithEnginePluginManager(pluginManager *PluginManager) EngineOption {
	return func(e *Engine) {
		e.pluginManager = pluginManager
	}
}

func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithEnginePolicyGate(gate PolicyGate) EngineOption {
	return func(e *Engine) {
		e.policy = gate
	}
}

func WithEngineRetryManager(manager *RetryManager) EngineOption {
	return func(e *Engine) {
		e.retry = manager
	}
}

// WithEngineRetryDefaults sets the retry policy for steps without their own retry block.
func WithEngineRetryDefaults(policy RetryPolicy) EngineOption {
	return func(e *Engine) {
		e.retry = NewRetryManager(policy)
	}
}

func WithEngineActivityRegistry(registry *ActivityRegistry) EngineOption {
	return func(e *Engine) {
		e.activities = registry
	}
}

// WithEngineWorkers sets how many activity attempts may run at once.
func WithEngineWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithEngineMailboxSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.mailboxSize = n
		}
	}
}

// WithEngineAppendRetryInterval sets how long an execution waits before retrying a
// failed event append.
func WithEngineAppendRetryInterval(interval time.Duration) EngineOption {
	return func(e *Engine) {
		if interval > 0 {
			e.appendRetryInterval = interval
		}
	}
}

// WithEngineClock replaces the event timestamp source.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithEngineRecoveryConcurrency bounds how many executions Recover replays at once.
func WithEngineRecoveryConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.recoveryConcurrency = n
		}
	}
}
