package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

// MemoryStore is an in-memory TraceStore for tests and ephemeral deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	traces map[string]*trace.DecisionTrace
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{traces: make(map[string]*trace.DecisionTrace)}
}

// Append stores the trace. Returns ErrDuplicateID if the decision_id is
// already present; exactly one concurrent append per ID succeeds.
func (s *MemoryStore) Append(ctx context.Context, t *trace.DecisionTrace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t == nil || t.DecisionID == "" {
		return fmt.Errorf("store: trace requires a decision id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, exists := s.traces[t.DecisionID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.DecisionID)
	}

	cp := *t
	s.traces[t.DecisionID] = &cp
	return nil
}

// Get returns the trace with the given decision_id.
func (s *MemoryStore) Get(ctx context.Context, decisionID string) (*trace.DecisionTrace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	t, ok := s.traces[decisionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, decisionID)
	}
	cp := *t
	return &cp, nil
}

// List returns matching traces ordered by timestamp, decision_id tiebreak.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*trace.DecisionTrace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	out := make([]*trace.DecisionTrace, 0, len(s.traces))
	for _, t := range s.traces {
		if f.Matches(t) {
			cp := *t
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].DecisionID < out[j].DecisionID
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Count returns the number of stored traces.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	return len(s.traces), nil
}

// Close marks the store closed. Subsequent calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ TraceStore = (*MemoryStore)(nil)
