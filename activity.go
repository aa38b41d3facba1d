package gateflow

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

// Activity is an externally registered unit of work referenced by name from step
// definitions.
type Activity interface {
	Execute(ctx context.Context, actCtx ActivityContext, input json.RawMessage) (json.RawMessage, error)
	Name() string
}

type ActivityContext interface {
	ExecutionID() string
	StepID() string
	Attempt() int
	// IdempotencyKey is stable across retries of the same step.
	IdempotencyKey() string
	GetInput(key string) (any, bool)
}

type ActivityFunc func(ctx context.Context, actCtx ActivityContext, input json.RawMessage) (json.RawMessage, error)

type funcActivity struct {
	name string
	fn   ActivityFunc
}

func NewActivity(name string, fn ActivityFunc) Activity {
	return &funcActivity{name: name, fn: fn}
}

func (a *funcActivity) Name() string { return a.name }

func (a *funcActivity) Execute(ctx context.Context, actCtx ActivityContext, input json.RawMessage) (json.RawMessage, error) {
	return a.fn(ctx, actCtx, input)
}

type noPanicActivity struct {
	activity Activity
}

func wrapProcessPanicActivity(activity Activity) *noPanicActivity {
	return &noPanicActivity{activity: activity}
}

func (a *noPanicActivity) Execute(
	ctx context.Context,
	actCtx ActivityContext,
	input json.RawMessage,
) (out json.RawMessage, errRes error) {
	defer func() {
		if r := recover(); r != nil {
			errRes = NonRetryable(fmt.Errorf("panic in activity %q: %v\n%s", a.Name(), r, debug.Stack()))
		}
	}()

	return a.activity.Execute(ctx, actCtx, input)
}

func (a *noPanicActivity) Name() string {
	return a.activity.Name()
}

// ActivityRegistry maps activity names to implementations. Definitions are checked
// against it when they are registered, so unknown names never reach dispatch.
type ActivityRegistry struct {
	mu         sync.RWMutex
	activities map[string]Activity
}

var _ ActivityLookup = (*ActivityRegistry)(nil)

func NewActivityRegistry() *ActivityRegistry {
	return &ActivityRegistry{activities: make(map[string]Activity)}
}

func (r *ActivityRegistry) Register(activity Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.activities[activity.Name()] = wrapProcessPanicActivity(activity)
}

func (r *ActivityRegistry) Get(name string) (Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	activity, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActivityNotFound, name)
	}

	return activity, nil
}

func (r *ActivityRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.activities[name]

	return ok
}

func (r *ActivityRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.activities))
	for name := range r.activities {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
