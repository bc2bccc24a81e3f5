// Package assembler builds complete decision traces. It runs the full
// pipeline for one decision: extract structured fields from the email thread,
// enrich with business context, evaluate the active policy version, detect
// exceptions, attach precedents, and append the finished trace to the store.
//
// Assembly is all-or-nothing: nothing is persisted until every required step
// has succeeded, so the store never holds a partial trace. Precedent lookup
// and indexing are the only best-effort steps.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/enrichment"
	"github.com/fyrsmithlabs/decisiond/internal/extraction"
	"github.com/fyrsmithlabs/decisiond/internal/policy"
	"github.com/fyrsmithlabs/decisiond/internal/precedent"
	"github.com/fyrsmithlabs/decisiond/internal/store"
	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

const instrumentationName = "github.com/fyrsmithlabs/decisiond/internal/assembler"

// ErrSupersededNotFound means the trace named in Supersedes does not exist.
var ErrSupersededNotFound = errors.New("assembler: superseded decision not found")

// IngestRequest carries one email thread into the pipeline.
type IngestRequest struct {
	EmailThread  string             `json:"email_thread"`
	Customer     string             `json:"customer"`
	DecisionType trace.DecisionType `json:"decision_type,omitempty"`
	Source       string             `json:"source,omitempty"`

	// Supersedes names an existing trace this decision corrects. The new
	// trace gets a fresh decision_id; the old trace is never touched.
	Supersedes string `json:"supersedes,omitempty"`
}

// StructuredRequest carries an already-structured decision into the
// pipeline, bypassing extraction. The workflow service uses this when an
// approval is resolved in-band rather than by email.
type StructuredRequest struct {
	Customer           string             `json:"customer"`
	DecisionType       trace.DecisionType `json:"decision_type,omitempty"`
	RequestedAction    string             `json:"requested_action"`
	FinalAction        string             `json:"final_action,omitempty"`
	Outcome            trace.Outcome      `json:"outcome"`
	RequestorEmail     string             `json:"requestor_email,omitempty"`
	RequestorName      string             `json:"requestor_name,omitempty"`
	DecisionMakerEmail string             `json:"decision_maker_email,omitempty"`
	DecisionMakerName  string             `json:"decision_maker_name,omitempty"`
	RequestedAt        *time.Time         `json:"requested_at,omitempty"`
	DecidedAt          *time.Time         `json:"decided_at,omitempty"`
	Reason             string             `json:"reason,omitempty"`
	Reasoning          string             `json:"reasoning,omitempty"`
	Source             string             `json:"source,omitempty"`
	Supersedes         string             `json:"supersedes,omitempty"`
}

// Service assembles and persists decision traces.
type Service interface {
	// Assemble runs the full pipeline on an email thread.
	Assemble(ctx context.Context, req *IngestRequest) (*trace.DecisionTrace, error)

	// Materialize runs the pipeline on pre-structured decision fields.
	Materialize(ctx context.Context, req *StructuredRequest) (*trace.DecisionTrace, error)

	// Close closes the service.
	Close() error
}

// Config configures the assembler.
type Config struct {
	// PendingSLA is how long a request may stay unanswered before the trace
	// carries a missing_outcome exception (default: 72h).
	PendingSLA time.Duration

	// PrecedentK is how many similar past decisions to attach (default: 3).
	PrecedentK int
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{
		PendingSLA: 72 * time.Hour,
		PrecedentK: 3,
	}
}

// service implements the Service interface.
type service struct {
	config    *Config
	extractor extraction.Engine
	gateway   enrichment.Gateway
	evaluator *policy.Evaluator
	traces    store.TraceStore
	index     *precedent.Index
	logger    *zap.Logger

	// Telemetry
	tracer          oteltrace.Tracer
	meter           metric.Meter
	assembleCounter metric.Int64Counter
	failureCounter  metric.Int64Counter

	mu     sync.RWMutex
	closed bool

	// now is swapped in tests.
	now func() time.Time
}

// NewService creates a new assembler. The precedent index is optional;
// without one traces are assembled with no precedents attached.
func NewService(cfg *Config, extractor extraction.Engine, gateway enrichment.Gateway, evaluator *policy.Evaluator, traces store.TraceStore, index *precedent.Index, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if extractor == nil {
		return nil, errors.New("extraction engine is required")
	}
	if gateway == nil {
		return nil, errors.New("enrichment gateway is required")
	}
	if evaluator == nil {
		return nil, errors.New("policy evaluator is required")
	}
	if traces == nil {
		return nil, errors.New("trace store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:    cfg,
		extractor: extractor,
		gateway:   gateway,
		evaluator: evaluator,
		traces:    traces,
		index:     index,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
		now:       time.Now,
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.assembleCounter, err = s.meter.Int64Counter(
		"decisiond.assembler.traces_total",
		metric.WithDescription("Total number of decision traces assembled"),
		metric.WithUnit("{trace}"),
	)
	if err != nil {
		s.logger.Warn("failed to create assemble counter", zap.Error(err))
	}

	s.failureCounter, err = s.meter.Int64Counter(
		"decisiond.assembler.failures_total",
		metric.WithDescription("Total number of assembly failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		s.logger.Warn("failed to create failure counter", zap.Error(err))
	}
}

// Assemble runs the full pipeline on an email thread.
func (s *service) Assemble(ctx context.Context, req *IngestRequest) (*trace.DecisionTrace, error) {
	ctx, span := s.tracer.Start(ctx, "assembler.assemble")
	defer span.End()

	span.SetAttributes(
		attribute.String("customer", req.Customer),
		attribute.String("decision_type", string(req.DecisionType)),
	)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req.Customer == "" {
		return nil, errors.New("customer is required")
	}
	decisionType := req.DecisionType
	if decisionType == "" {
		decisionType = trace.DecisionDiscountApproval
	}

	extracted, err := s.extractor.Extract(ctx, req.EmailThread, req.Customer, string(decisionType))
	if err != nil {
		s.recordFailure(ctx, span, "extraction", err)
		return nil, fmt.Errorf("extracting decision fields: %w", err)
	}

	t := &trace.DecisionTrace{
		DecisionID:   trace.NewDecisionID(),
		DecisionType: decisionType,
		Request: trace.DecisionRequest{
			Customer:        req.Customer,
			RequestedAction: trace.FormatPercent(*extracted.RequestedDiscount),
			RequestorEmail:  extracted.RequestorEmail,
			RequestorName:   extracted.RequestorName,
			RequestedAt:     extracted.RequestTimestamp,
			Reason:          extracted.Reason,
		},
		Source:   req.Source,
		RawEmail: req.EmailThread,
	}

	outcome := trace.Outcome(extracted.Outcome)
	if outcome != "" && outcome != trace.OutcomePending {
		dec := &trace.DecisionOutcome{
			Outcome:            outcome,
			DecisionMakerEmail: extracted.DecisionMakerEmail,
			DecisionMakerName:  extracted.DecisionMakerName,
			DecidedAt:          extracted.DecisionTimestamp,
			Reasoning:          extracted.Reasoning,
		}
		if extracted.FinalDiscount != nil {
			dec.FinalAction = trace.FormatPercent(*extracted.FinalDiscount)
		}
		t.Decision = dec
	}

	if req.Supersedes != "" {
		if err := s.resolveSupersedes(ctx, t, req.Supersedes); err != nil {
			s.recordFailure(ctx, span, "supersedes", err)
			return nil, err
		}
	}

	if err := s.finish(ctx, t); err != nil {
		s.recordFailure(ctx, span, "finish", err)
		return nil, err
	}

	s.assembleCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", "email")))
	span.SetAttributes(attribute.String("decision_id", t.DecisionID))
	return t, nil
}

// Materialize runs the pipeline on pre-structured decision fields.
func (s *service) Materialize(ctx context.Context, req *StructuredRequest) (*trace.DecisionTrace, error) {
	ctx, span := s.tracer.Start(ctx, "assembler.materialize")
	defer span.End()

	span.SetAttributes(attribute.String("customer", req.Customer))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req.Customer == "" {
		return nil, errors.New("customer is required")
	}
	if req.RequestedAction == "" {
		return nil, errors.New("requested action is required")
	}
	if req.Outcome != "" && !trace.ValidOutcome(string(req.Outcome)) {
		return nil, fmt.Errorf("unknown outcome %q", req.Outcome)
	}
	decisionType := req.DecisionType
	if decisionType == "" {
		decisionType = trace.DecisionDiscountApproval
	}

	t := &trace.DecisionTrace{
		DecisionID:   trace.NewDecisionID(),
		DecisionType: decisionType,
		Request: trace.DecisionRequest{
			Customer:        req.Customer,
			RequestedAction: req.RequestedAction,
			RequestorEmail:  req.RequestorEmail,
			RequestorName:   req.RequestorName,
			RequestedAt:     req.RequestedAt,
			Reason:          req.Reason,
		},
		Source: req.Source,
	}
	if req.Outcome != "" && req.Outcome != trace.OutcomePending {
		t.Decision = &trace.DecisionOutcome{
			Outcome:            req.Outcome,
			FinalAction:        req.FinalAction,
			DecisionMakerEmail: req.DecisionMakerEmail,
			DecisionMakerName:  req.DecisionMakerName,
			DecidedAt:          req.DecidedAt,
			Reasoning:          req.Reasoning,
		}
	}

	if req.Supersedes != "" {
		if err := s.resolveSupersedes(ctx, t, req.Supersedes); err != nil {
			s.recordFailure(ctx, span, "supersedes", err)
			return nil, err
		}
	}

	if err := s.finish(ctx, t); err != nil {
		s.recordFailure(ctx, span, "finish", err)
		return nil, err
	}

	s.assembleCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", "structured")))
	span.SetAttributes(attribute.String("decision_id", t.DecisionID))
	return t, nil
}

// finish runs the shared back half of the pipeline: enrichment, policy
// evaluation, exception detection, precedents, and the final append.
func (s *service) finish(ctx context.Context, t *trace.DecisionTrace) error {
	now := s.now().UTC()

	// The trace timestamp is when the decision happened, falling back to the
	// request time, then ingestion time.
	switch {
	case t.Decision != nil && t.Decision.DecidedAt != nil:
		t.Timestamp = t.Decision.DecidedAt.UTC()
	case t.Request.RequestedAt != nil:
		t.Timestamp = t.Request.RequestedAt.UTC()
	default:
		t.Timestamp = now
	}

	bundle, err := s.gateway.Fetch(ctx, t.Request.Customer)
	if err != nil {
		if !errors.Is(err, enrichment.ErrNotFound) {
			return fmt.Errorf("enriching %s: %w", t.Request.Customer, err)
		}
		bundle = enrichment.DefaultBundle(t.Request.Customer)
		s.logger.Warn("customer not found, using defaulted enrichment",
			zap.String("customer", t.Request.Customer),
		)
	}
	t.Evidence = bundle.Evidence()

	action, err := trace.ParsePercent(t.FinalAction())
	if err != nil {
		return fmt.Errorf("parsing action %q: %w", t.FinalAction(), err)
	}

	res, err := s.evaluator.Evaluate(action, t.Timestamp)
	if err != nil {
		return fmt.Errorf("evaluating policy: %w", err)
	}

	quality := policy.DataQuality{
		EnrichmentDefaulted: bundle.Defaulted,
		MissingOutcome:      t.Decision == nil && t.Request.RequestedAt != nil && now.Sub(t.Request.RequestedAt.UTC()) > s.config.PendingSLA,
	}
	t.Exceptions = policy.DetectExceptions(res, quality)

	t.Policy = &trace.PolicyInfo{
		Version:          res.PolicyVersionID,
		EffectiveFrom:    res.EffectiveFrom,
		EffectiveUntil:   res.EffectiveTo,
		StandardLimit:    res.StandardLimit,
		ExceedsLimit:     res.ExceedsLimit,
		Deviation:        res.Deviation,
		RequiredApproval: string(res.RequiredApproval),
		ExceptionMade:    len(t.Exceptions) > 0,
	}

	// Precedents are advisory; a lookup failure must not block the trace.
	if s.index != nil && s.config.PrecedentK > 0 {
		precedents, err := s.index.Similar(ctx, t, s.config.PrecedentK)
		if err != nil {
			s.logger.Warn("precedent lookup failed",
				zap.String("decision_id", t.DecisionID),
				zap.Error(err),
			)
		} else {
			t.Precedents = precedents
		}
	}
	if t.Exceptions == nil {
		t.Exceptions = []trace.ExceptionRecord{}
	}

	if err := s.traces.Append(ctx, t); err != nil {
		return fmt.Errorf("appending trace %s: %w", t.DecisionID, err)
	}

	if s.index != nil {
		if err := s.index.Add(ctx, t); err != nil {
			s.logger.Warn("precedent indexing failed",
				zap.String("decision_id", t.DecisionID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("assembled decision trace",
		zap.String("decision_id", t.DecisionID),
		zap.String("customer", t.Request.Customer),
		zap.String("policy_version", res.PolicyVersionID),
		zap.Bool("exceeds_limit", res.ExceedsLimit),
		zap.Int("exceptions", len(t.Exceptions)),
	)
	return nil
}

// resolveSupersedes validates the back-reference and stamps it on the trace.
func (s *service) resolveSupersedes(ctx context.Context, t *trace.DecisionTrace, supersedes string) error {
	if _, err := s.traces.Get(ctx, supersedes); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSupersededNotFound, supersedes)
		}
		return fmt.Errorf("resolving superseded trace %s: %w", supersedes, err)
	}
	t.Supersedes = supersedes
	return nil
}

func (s *service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("service is closed")
	}
	return nil
}

func (s *service) recordFailure(ctx context.Context, span oteltrace.Span, stage string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// Close closes the service.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
