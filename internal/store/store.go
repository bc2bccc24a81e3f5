// Package store persists decision traces. The store is append-only: a trace,
// once written, is never updated or deleted. Corrections arrive as new traces
// that reference the superseded decision_id.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

var (
	// ErrDuplicateID means a trace with the same decision_id already exists.
	// Exactly one of any set of concurrent appends with the same ID wins.
	ErrDuplicateID = errors.New("store: duplicate decision id")

	// ErrNotFound means no trace has the requested decision_id.
	ErrNotFound = errors.New("store: decision not found")

	// ErrClosed means the store has been shut down.
	ErrClosed = errors.New("store: closed")
)

// Filter narrows List results. Zero-value fields match everything.
type Filter struct {
	Customer     string
	Outcome      trace.Outcome
	DecisionType trace.DecisionType
	ExceedsOnly  bool
	Since        *time.Time
	Until        *time.Time
	Limit        int
}

// Matches reports whether t satisfies the filter.
func (f Filter) Matches(t *trace.DecisionTrace) bool {
	if f.Customer != "" && !strings.EqualFold(t.Request.Customer, f.Customer) {
		return false
	}
	if f.Outcome != "" {
		if t.Decision == nil || t.Decision.Outcome != f.Outcome {
			return false
		}
	}
	if f.DecisionType != "" && t.DecisionType != f.DecisionType {
		return false
	}
	if f.ExceedsOnly && !t.ExceedsLimit() {
		return false
	}
	if f.Since != nil && t.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !t.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}

// TraceStore is the append-only persistence contract.
//
// List returns traces ordered by timestamp ascending, decision_id as
// tiebreak, so replaying a result set is deterministic.
type TraceStore interface {
	Append(ctx context.Context, t *trace.DecisionTrace) error
	Get(ctx context.Context, decisionID string) (*trace.DecisionTrace, error)
	List(ctx context.Context, f Filter) ([]*trace.DecisionTrace, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
