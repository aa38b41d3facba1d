package gateflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// JSONActivity adapts a map-in, map-out function to Activity.
type JSONActivity struct {
	name string
	fn   func(ctx context.Context, actCtx ActivityContext, data map[string]any) (map[string]any, error)
}

func NewJSONActivity(
	name string,
	fn func(ctx context.Context, actCtx ActivityContext, data map[string]any) (map[string]any, error),
) *JSONActivity {
	return &JSONActivity{
		name: name,
		fn:   fn,
	}
}

func (a *JSONActivity) Name() string {
	return a.name
}

func (a *JSONActivity) Execute(
	ctx context.Context,
	actCtx ActivityContext,
	input json.RawMessage,
) (json.RawMessage, error) {
	var data map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &data); err != nil {
			return nil, NonRetryable(fmt.Errorf("unmarshal input: %w", err))
		}
	}
	if data == nil {
		data = make(map[string]any)
	}

	result, err := a.fn(ctx, actCtx, data)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = make(map[string]any)
	}

	return json.Marshal(result)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}

	return data
}
