package gateflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

type MemoryStore struct {
	mu             sync.RWMutex
	events         map[string][]Event
	executionOrder []string
	definitions    map[string]*WorkflowDefinition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string][]Event),
		definitions: make(map[string]*WorkflowDefinition),
	}
}

func (s *MemoryStore) Append(_ context.Context, events ...Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]int64, 1)
	for _, event := range events {
		expected, ok := next[event.ExecutionID]
		if !ok {
			expected = int64(len(s.events[event.ExecutionID])) + 1
		}
		if event.Seq != expected {
			return fmt.Errorf("%w: execution %s expected seq %d, got %d",
				ErrSequenceConflict, event.ExecutionID, expected, event.Seq)
		}
		next[event.ExecutionID] = expected + 1
	}

	for _, event := range events {
		if event.Seq == 1 {
			s.executionOrder = append(s.executionOrder, event.ExecutionID)
		}
		event.Payload = append([]byte(nil), event.Payload...)
		s.events[event.ExecutionID] = append(s.events[event.ExecutionID], event)
	}

	return nil
}

func (s *MemoryStore) Load(_ context.Context, executionID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, ok := s.events[executionID]
	if !ok {
		return nil, ErrEntityNotFound
	}

	return append([]Event(nil), events...), nil
}

func (s *MemoryStore) ListExecutions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.executionOrder...), nil
}

func (s *MemoryStore) SaveDefinition(_ context.Context, def *WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *def
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	s.definitions[def.ID] = &copied

	return nil
}

func (s *MemoryStore) LoadDefinitions(_ context.Context) ([]*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]*WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		copied := *def
		defs = append(defs, &copied)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

	return defs, nil
}
