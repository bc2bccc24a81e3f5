package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

const schema = `
CREATE TABLE IF NOT EXISTS decision_traces (
	decision_id   TEXT PRIMARY KEY,
	ts            TIMESTAMP NOT NULL,
	customer      TEXT NOT NULL,
	decision_type TEXT NOT NULL,
	outcome       TEXT NOT NULL DEFAULT '',
	exceeds_limit INTEGER NOT NULL DEFAULT 0,
	payload       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traces_customer ON decision_traces (customer COLLATE NOCASE);
CREATE INDEX IF NOT EXISTS idx_traces_ts ON decision_traces (ts);
`

// SQLiteStore is a durable TraceStore backed by a single SQLite file. The
// full trace is stored as a JSON payload; a handful of extracted columns
// serve filtering without deserializing every row.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if necessary) the database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.Info("trace store opened", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Append inserts the trace. The primary key on decision_id makes concurrent
// appends of the same ID resolve to exactly one winner.
func (s *SQLiteStore) Append(ctx context.Context, t *trace.DecisionTrace) error {
	if t == nil || t.DecisionID == "" {
		return fmt.Errorf("store: trace requires a decision id")
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding trace %s: %w", t.DecisionID, err)
	}

	outcome := ""
	if t.Decision != nil {
		outcome = string(t.Decision.Outcome)
	}
	exceeds := 0
	if t.ExceedsLimit() {
		exceeds = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decision_traces (decision_id, ts, customer, decision_type, outcome, exceeds_limit, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.DecisionID, t.Timestamp.UTC(), t.Request.Customer, string(t.DecisionType), outcome, exceeds, string(payload),
	)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s", ErrDuplicateID, t.DecisionID)
		}
		return fmt.Errorf("inserting trace %s: %w", t.DecisionID, err)
	}
	return nil
}

// Get returns the trace with the given decision_id.
func (s *SQLiteStore) Get(ctx context.Context, decisionID string) (*trace.DecisionTrace, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM decision_traces WHERE decision_id = ?`, decisionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, decisionID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying trace %s: %w", decisionID, err)
	}
	return decodeTrace(payload)
}

// List returns matching traces ordered by timestamp, decision_id tiebreak.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*trace.DecisionTrace, error) {
	var (
		where []string
		args  []any
	)
	if f.Customer != "" {
		where = append(where, "customer = ? COLLATE NOCASE")
		args = append(args, f.Customer)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if f.DecisionType != "" {
		where = append(where, "decision_type = ?")
		args = append(args, string(f.DecisionType))
	}
	if f.ExceedsOnly {
		where = append(where, "exceeds_limit = 1")
	}
	if f.Since != nil {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		where = append(where, "ts < ?")
		args = append(args, f.Until.UTC())
	}

	query := `SELECT payload FROM decision_traces`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts ASC, decision_id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}
	defer rows.Close()

	var out []*trace.DecisionTrace
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning trace row: %w", err)
		}
		t, err := decodeTrace(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Count returns the number of stored traces.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_traces`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting traces: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeTrace(payload string) (*trace.DecisionTrace, error) {
	var t trace.DecisionTrace
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return nil, fmt.Errorf("decoding trace payload: %w", err)
	}
	return &t, nil
}

var _ TraceStore = (*SQLiteStore)(nil)
