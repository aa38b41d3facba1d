package gateflow

import (
	"encoding/json"
	"fmt"
	"sync"
)

var _ ActivityContext = (*executionContext)(nil)

type executionContext struct {
	executionID string
	stepID      string
	attempt     int
	input       map[string]any
	once        sync.Once
	raw         json.RawMessage
}

func newExecutionContext(executionID, stepID string, attempt int, input json.RawMessage) *executionContext {
	return &executionContext{
		executionID: executionID,
		stepID:      stepID,
		attempt:     attempt,
		raw:         input,
	}
}

func (c *executionContext) ExecutionID() string {
	return c.executionID
}

func (c *executionContext) StepID() string {
	return c.stepID
}

func (c *executionContext) Attempt() int {
	return c.attempt
}

func (c *executionContext) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", c.executionID, c.stepID)
}

func (c *executionContext) GetInput(key string) (any, bool) {
	c.once.Do(func() {
		c.input = make(map[string]any)
		if len(c.raw) > 0 {
			_ = json.Unmarshal(c.raw, &c.input)
		}
	})
	val, ok := c.input[key]

	return val, ok
}
