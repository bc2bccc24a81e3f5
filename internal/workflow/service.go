// Package workflow drives in-band approval requests: a request is submitted
// before the decision is made, enriched and evaluated up front, routed to an
// approver when policy demands one, and materialized into a decision trace
// once resolved.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/assembler"
	"github.com/fyrsmithlabs/decisiond/internal/enrichment"
	"github.com/fyrsmithlabs/decisiond/internal/policy"
	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

const instrumentationName = "github.com/fyrsmithlabs/decisiond/internal/workflow"

// Status is a workflow state. States only move forward; a workflow never
// returns to an earlier state.
type Status string

const (
	StatusSubmitted        Status = "submitted"
	StatusEnriched         Status = "enriched"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
)

// statusRank orders states for the monotonicity check. Approved and rejected
// are terminal; archival into a decision trace sets DecisionID without
// changing status, so polls keep seeing the verdict.
var statusRank = map[Status]int{
	StatusSubmitted:        0,
	StatusEnriched:         1,
	StatusAwaitingApproval: 2,
	StatusApproved:         3,
	StatusRejected:         3,
}

var (
	// ErrNotFound means no workflow has the requested ID.
	ErrNotFound = errors.New("workflow: not found")

	// ErrInvalidTransition means the requested state change would move the
	// workflow backwards or skip a required state.
	ErrInvalidTransition = errors.New("workflow: invalid transition")
)

// Workflow is one in-flight approval request.
type Workflow struct {
	ID              string             `json:"workflow_id"`
	Customer        string             `json:"customer"`
	DecisionType    trace.DecisionType `json:"decision_type"`
	RequestedAction string             `json:"requested_action"`
	RequestorEmail  string             `json:"requestor_email,omitempty"`
	RequestorName   string             `json:"requestor_name,omitempty"`
	Reason          string             `json:"reason,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Evaluation is the policy result computed at submission time.
	Evaluation *policy.EvaluationResult `json:"evaluation,omitempty"`

	// Enrichment is the business context captured at submission time, so
	// approvers polling the workflow see the evidence behind the evaluation.
	Enrichment *enrichment.Bundle `json:"enrichment,omitempty"`

	// DecisionID is set once the resolved workflow has been archived as a
	// decision trace. The status stays at its terminal verdict.
	DecisionID string `json:"decision_id,omitempty"`
}

// SubmitRequest opens a new approval workflow.
type SubmitRequest struct {
	Customer        string             `json:"customer"`
	DecisionType    trace.DecisionType `json:"decision_type,omitempty"`
	RequestedAction string             `json:"requested_action"`
	RequestorEmail  string             `json:"requestor_email,omitempty"`
	RequestorName   string             `json:"requestor_name,omitempty"`
	Reason          string             `json:"reason,omitempty"`
}

// ResolveRequest records an approver's verdict.
type ResolveRequest struct {
	Approve            bool   `json:"approve"`
	FinalAction        string `json:"final_action,omitempty"`
	DecisionMakerEmail string `json:"decision_maker_email,omitempty"`
	DecisionMakerName  string `json:"decision_maker_name,omitempty"`
	Reasoning          string `json:"reasoning,omitempty"`
}

// Service manages approval workflows.
type Service interface {
	// Submit opens a workflow, enriches it, and evaluates policy. Requests
	// within the standard limit are auto-approved and materialized
	// immediately when auto-approval is enabled.
	Submit(ctx context.Context, req *SubmitRequest) (*Workflow, error)

	// Notify routes an enriched workflow that needs approval to the
	// configured notifier and parks it awaiting a verdict.
	Notify(ctx context.Context, workflowID string) (*Workflow, error)

	// Resolve records the approver's verdict and materializes the trace.
	Resolve(ctx context.Context, workflowID string, req *ResolveRequest) (*Workflow, error)

	// Get returns one workflow.
	Get(ctx context.Context, workflowID string) (*Workflow, error)

	// List returns all workflows, newest first.
	List(ctx context.Context) ([]*Workflow, error)

	// Close closes the service.
	Close() error
}

// Config configures the workflow service.
type Config struct {
	// AutoApprove materializes compliant requests without a human verdict
	// (default: true).
	AutoApprove bool
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{AutoApprove: true}
}

// service implements the Service interface.
type service struct {
	config    *Config
	gateway   enrichment.Gateway
	evaluator *policy.Evaluator
	asm       assembler.Service
	notifier  Notifier
	logger    *zap.Logger

	// Telemetry
	tracer        oteltrace.Tracer
	meter         metric.Meter
	submitCounter metric.Int64Counter

	mu        sync.RWMutex
	workflows map[string]*Workflow
	closed    bool

	now func() time.Time
}

// NewService creates a workflow service.
func NewService(cfg *Config, gateway enrichment.Gateway, evaluator *policy.Evaluator, asm assembler.Service, notifier Notifier, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if gateway == nil {
		return nil, errors.New("enrichment gateway is required")
	}
	if evaluator == nil {
		return nil, errors.New("policy evaluator is required")
	}
	if asm == nil {
		return nil, errors.New("assembler is required")
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:    cfg,
		gateway:   gateway,
		evaluator: evaluator,
		asm:       asm,
		notifier:  notifier,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
		workflows: make(map[string]*Workflow),
		now:       time.Now,
	}

	var err error
	s.submitCounter, err = s.meter.Int64Counter(
		"decisiond.workflow.submissions_total",
		metric.WithDescription("Total number of workflow submissions"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		logger.Warn("failed to create submit counter", zap.Error(err))
	}

	return s, nil
}

// Submit opens a workflow, enriches it, and evaluates policy.
func (s *service) Submit(ctx context.Context, req *SubmitRequest) (*Workflow, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.submit")
	defer span.End()

	span.SetAttributes(
		attribute.String("customer", req.Customer),
		attribute.String("requested_action", req.RequestedAction),
	)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req.Customer == "" {
		return nil, errors.New("customer is required")
	}
	if req.RequestedAction == "" {
		return nil, errors.New("requested action is required")
	}
	action, err := trace.ParsePercent(req.RequestedAction)
	if err != nil {
		return nil, fmt.Errorf("parsing requested action: %w", err)
	}
	decisionType := req.DecisionType
	if decisionType == "" {
		decisionType = trace.DecisionDiscountApproval
	}

	now := s.now().UTC()
	wf := &Workflow{
		ID:              "wf_" + uuid.New().String()[:8],
		Customer:        req.Customer,
		DecisionType:    decisionType,
		RequestedAction: req.RequestedAction,
		RequestorEmail:  req.RequestorEmail,
		RequestorName:   req.RequestorName,
		Reason:          req.Reason,
		Status:          StatusSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// The assembler re-fetches at materialization so the trace always
	// carries fresh evidence; this snapshot is what approvers see while
	// the request is pending.
	bundle, err := s.gateway.Fetch(ctx, req.Customer)
	if err != nil {
		if !errors.Is(err, enrichment.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("enriching workflow: %w", err)
		}
		bundle = enrichment.DefaultBundle(req.Customer)
	}
	wf.Enrichment = bundle

	res, err := s.evaluator.Evaluate(action, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("evaluating policy: %w", err)
	}
	wf.Evaluation = &res
	wf.Status = StatusEnriched
	wf.UpdatedAt = s.now().UTC()

	s.mu.Lock()
	s.workflows[wf.ID] = wf
	s.mu.Unlock()

	s.submitCounter.Add(ctx, 1)
	s.logger.Info("workflow submitted",
		zap.String("workflow_id", wf.ID),
		zap.String("customer", wf.Customer),
		zap.Bool("requires_approval", res.RequiresApproval()),
	)

	if !res.RequiresApproval() && s.config.AutoApprove {
		return s.autoApprove(ctx, wf)
	}
	return s.snapshot(wf.ID)
}

// autoApprove materializes a compliant request without a human verdict.
func (s *service) autoApprove(ctx context.Context, wf *Workflow) (*Workflow, error) {
	if err := s.advance(wf.ID, StatusApproved); err != nil {
		return nil, err
	}
	return s.materialize(ctx, wf.ID, &ResolveRequest{
		Approve:     true,
		FinalAction: wf.RequestedAction,
		Reasoning:   "within standard policy limit",
	})
}

// Notify routes an approval-requiring workflow to the notifier.
func (s *service) Notify(ctx context.Context, workflowID string) (*Workflow, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.notify")
	defer span.End()
	span.SetAttributes(attribute.String("workflow_id", workflowID))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	wf, err := s.snapshot(workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != StatusEnriched {
		return nil, fmt.Errorf("%w: cannot notify from %s", ErrInvalidTransition, wf.Status)
	}
	if wf.Evaluation == nil || !wf.Evaluation.RequiresApproval() {
		return nil, fmt.Errorf("%w: workflow does not require approval", ErrInvalidTransition)
	}

	if err := s.notifier.Notify(ctx, wf); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("notifying approver: %w", err)
	}

	if err := s.advance(workflowID, StatusAwaitingApproval); err != nil {
		return nil, err
	}
	return s.snapshot(workflowID)
}

// Resolve records the verdict and materializes the decision trace.
func (s *service) Resolve(ctx context.Context, workflowID string, req *ResolveRequest) (*Workflow, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.Bool("approve", req.Approve),
	)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	wf, err := s.snapshot(workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != StatusAwaitingApproval {
		return nil, fmt.Errorf("%w: cannot resolve from %s", ErrInvalidTransition, wf.Status)
	}

	verdict := StatusRejected
	if req.Approve {
		verdict = StatusApproved
	}
	if err := s.advance(workflowID, verdict); err != nil {
		return nil, err
	}

	return s.materialize(ctx, workflowID, req)
}

// materialize hands the resolved workflow to the assembler and records the
// resulting decision_id.
func (s *service) materialize(ctx context.Context, workflowID string, req *ResolveRequest) (*Workflow, error) {
	wf, err := s.snapshot(workflowID)
	if err != nil {
		return nil, err
	}

	outcome := trace.OutcomeRejected
	finalAction := ""
	if wf.Status == StatusApproved {
		finalAction = req.FinalAction
		if finalAction == "" {
			finalAction = wf.RequestedAction
		}
		if finalAction == wf.RequestedAction {
			outcome = trace.OutcomeApproved
		} else {
			outcome = trace.OutcomeModified
		}
	}

	decidedAt := s.now().UTC()
	createdAt := wf.CreatedAt
	t, err := s.asm.Materialize(ctx, &assembler.StructuredRequest{
		Customer:           wf.Customer,
		DecisionType:       wf.DecisionType,
		RequestedAction:    wf.RequestedAction,
		FinalAction:        finalAction,
		Outcome:            outcome,
		RequestorEmail:     wf.RequestorEmail,
		RequestorName:      wf.RequestorName,
		DecisionMakerEmail: req.DecisionMakerEmail,
		DecisionMakerName:  req.DecisionMakerName,
		RequestedAt:        &createdAt,
		DecidedAt:          &decidedAt,
		Reason:             wf.Reason,
		Reasoning:          req.Reasoning,
		Source:             "workflow",
	})
	if err != nil {
		return nil, fmt.Errorf("materializing workflow %s: %w", workflowID, err)
	}

	s.mu.Lock()
	if live, ok := s.workflows[workflowID]; ok {
		live.DecisionID = t.DecisionID
		live.UpdatedAt = s.now().UTC()
	}
	s.mu.Unlock()

	s.logger.Info("workflow materialized",
		zap.String("workflow_id", workflowID),
		zap.String("decision_id", t.DecisionID),
		zap.String("outcome", string(outcome)),
	)
	return s.snapshot(workflowID)
}

// advance moves the workflow forward, enforcing monotonicity.
func (s *service) advance(workflowID string, next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if statusRank[next] <= statusRank[wf.Status] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, wf.Status, next)
	}
	wf.Status = next
	wf.UpdatedAt = s.now().UTC()
	return nil
}

// Get returns one workflow.
func (s *service) Get(ctx context.Context, workflowID string) (*Workflow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.snapshot(workflowID)
}

// List returns all workflows, newest first.
func (s *service) List(ctx context.Context) ([]*Workflow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *service) snapshot(workflowID string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	cp := *wf
	return &cp, nil
}

func (s *service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("service is closed")
	}
	return nil
}

// Close closes the service.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
