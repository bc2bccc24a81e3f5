// Package precedent maintains a similarity index over historical decision
// traces so new decisions can cite comparable past ones.
package precedent

import (
	"context"
	"fmt"
	"os"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

var tracer = otel.Tracer("decisiond.precedent")

const defaultCollection = "decision_precedents"

// Config holds precedent index settings.
type Config struct {
	// Path is the directory for persistent storage. Empty means in-memory.
	Path string `koanf:"path"`

	// Compress enables gzip compression for persisted data.
	Compress bool `koanf:"compress"`

	// Collection is the chromem collection name.
	Collection string `koanf:"collection"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = defaultCollection
	}
}

// Index is an embedded vector index over decision traces. Indexing is
// best-effort from the caller's point of view: a trace that fails to index is
// still a valid trace.
type Index struct {
	db         *chromem.DB
	collection string
	logger     *zap.Logger
}

// NewIndex creates a precedent index. With an empty path the index lives in
// memory and is rebuilt from the trace store at startup.
func NewIndex(cfg Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating index directory %s: %w", cfg.Path, err)
		}
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info("precedent index initialized",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
	)
	return &Index{db: db, collection: cfg.Collection, logger: logger}, nil
}

// Add indexes one trace.
func (i *Index) Add(ctx context.Context, t *trace.DecisionTrace) error {
	ctx, span := tracer.Start(ctx, "precedent.Add")
	defer span.End()
	span.SetAttributes(attribute.String("decision_id", t.DecisionID))

	collection, err := i.db.GetOrCreateCollection(i.collection, nil, embedTrace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("getting collection: %w", err)
	}

	outcome := ""
	if t.Decision != nil {
		outcome = string(t.Decision.Outcome)
	}

	doc := chromem.Document{
		ID:      t.DecisionID,
		Content: describeTrace(t),
		Metadata: map[string]string{
			"customer":  t.Request.Customer,
			"outcome":   outcome,
			"industry":  t.Industry(),
			"timestamp": t.Timestamp.UTC().Format(time.RFC3339),
		},
	}

	if err := collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("indexing trace %s: %w", t.DecisionID, err)
	}

	i.logger.Debug("indexed precedent", zap.String("decision_id", t.DecisionID))
	return nil
}

// Similar returns up to k past decisions comparable to t, most similar
// first. The trace itself is excluded from results.
func (i *Index) Similar(ctx context.Context, t *trace.DecisionTrace, k int) ([]trace.Precedent, error) {
	ctx, span := tracer.Start(ctx, "precedent.Similar")
	defer span.End()
	span.SetAttributes(
		attribute.String("decision_id", t.DecisionID),
		attribute.Int("k", k),
	)

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	collection := i.db.GetCollection(i.collection, embedTrace)
	if collection == nil {
		return []trace.Precedent{}, nil
	}

	// chromem requires nResults <= doc count. Ask for one extra so the trace
	// itself can be dropped from its own results.
	count := collection.Count()
	if count == 0 {
		return []trace.Precedent{}, nil
	}
	want := k + 1
	if want > count {
		want = count
	}

	results, err := collection.Query(ctx, describeTrace(t), want, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying precedents: %w", err)
	}

	precedents := make([]trace.Precedent, 0, len(results))
	for _, r := range results {
		if r.ID == t.DecisionID {
			continue
		}
		p := trace.Precedent{
			DecisionID: r.ID,
			Customer:   r.Metadata["customer"],
			Outcome:    r.Metadata["outcome"],
			Similarity: r.Similarity,
			WhySimilar: whySimilar(t, r.Metadata),
		}
		if ts, err := time.Parse(time.RFC3339, r.Metadata["timestamp"]); err == nil {
			p.Timestamp = ts
		}
		precedents = append(precedents, p)
		if len(precedents) == k {
			break
		}
	}

	span.SetAttributes(attribute.Int("results", len(precedents)))
	return precedents, nil
}

// describeTrace renders the trace as the text that gets embedded. Similar
// decisions produce similar descriptions, which is what the index ranks on.
func describeTrace(t *trace.DecisionTrace) string {
	outcome := "pending"
	if t.Decision != nil {
		outcome = string(t.Decision.Outcome)
	}
	desc := fmt.Sprintf("%s decision for %s in %s: requested %s, outcome %s, granted %s",
		t.DecisionType, t.Request.Customer, t.Industry(),
		t.Request.RequestedAction, outcome, t.FinalAction())
	if t.ExceedsLimit() {
		desc += ", exceeded standard policy limit"
	}
	if t.Request.Reason != "" {
		desc += ". Reason: " + t.Request.Reason
	}
	return desc
}

func whySimilar(t *trace.DecisionTrace, meta map[string]string) string {
	switch {
	case meta["customer"] == t.Request.Customer:
		return "same customer"
	case meta["industry"] != "" && meta["industry"] == t.Industry():
		return "same industry and decision type"
	default:
		return "similar request profile"
	}
}
