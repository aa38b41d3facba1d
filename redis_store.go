package gateflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// appendScript appends events only when the list length matches the expected
// previous sequence number, so concurrent writers cannot interleave.
var appendScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])
if redis.call('LLEN', key) ~= expected then
  return redis.error_reply('SEQ_CONFLICT')
end
for i = 2, #ARGV do
  redis.call('RPUSH', key, ARGV[i])
end
if expected == 0 then
  redis.call('RPUSH', KEYS[2], KEYS[3])
end
return redis.call('LLEN', key)
`)

// RedisStore keeps one list of JSON events per execution.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gateflow"
	}

	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) eventsKey(executionID string) string {
	return fmt.Sprintf("%s:execution:%s:events", s.prefix, executionID)
}

func (s *RedisStore) executionsKey() string {
	return s.prefix + ":executions"
}

func (s *RedisStore) definitionsKey() string {
	return s.prefix + ":definitions"
}

func (s *RedisStore) Append(ctx context.Context, events ...Event) error {
	byExecution := make(map[string][]Event)
	var order []string
	for _, event := range events {
		if _, ok := byExecution[event.ExecutionID]; !ok {
			order = append(order, event.ExecutionID)
		}
		byExecution[event.ExecutionID] = append(byExecution[event.ExecutionID], event)
	}

	for _, executionID := range order {
		batch := byExecution[executionID]
		first := batch[0].Seq

		args := make([]any, 0, len(batch)+1)
		args = append(args, first-1)
		for i, event := range batch {
			if event.Seq != first+int64(i) {
				return fmt.Errorf("%w: execution %s has a gap at seq %d", ErrSequenceConflict, executionID, event.Seq)
			}
			data, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			args = append(args, data)
		}

		keys := []string{s.eventsKey(executionID), s.executionsKey(), executionID}
		if err := appendScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
			if strings.Contains(err.Error(), "SEQ_CONFLICT") {
				return fmt.Errorf("%w: execution %s expected seq %d", ErrSequenceConflict, executionID, first)
			}

			return fmt.Errorf("append events: %w", err)
		}
	}

	return nil
}

func (s *RedisStore) Load(ctx context.Context, executionID string) ([]Event, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEntityNotFound
	}

	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var event Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, event)
	}

	return events, nil
}

func (s *RedisStore) ListExecutions(ctx context.Context) ([]string, error) {
	ids, err := s.client.LRange(ctx, s.executionsKey(), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	return ids, nil
}

func (s *RedisStore) SaveDefinition(ctx context.Context, def *WorkflowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if err := s.client.HSet(ctx, s.definitionsKey(), def.ID, data).Err(); err != nil {
		return fmt.Errorf("save definition: %w", err)
	}

	return nil
}

func (s *RedisStore) LoadDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	raw, err := s.client.HGetAll(ctx, s.definitionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load definitions: %w", err)
	}

	defs := make([]*WorkflowDefinition, 0, len(raw))
	for _, item := range raw {
		var def WorkflowDefinition
		if err := json.Unmarshal([]byte(item), &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, &def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

	return defs, nil
}
