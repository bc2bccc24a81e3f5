// Package assistant answers natural-language questions about recorded
// decisions. Intent classification is rule-based by default; a language model
// can be plugged in to improve it, with the rules as fallback.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/store"
	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

const instrumentationName = "github.com/fyrsmithlabs/decisiond/internal/assistant"

// Intents the assistant understands.
const (
	IntentApprovalRate = "approval_rate"
	IntentTopApprovers = "top_approvers"
	IntentExceptions   = "exceptions"
	IntentTopDiscounts = "top_discounts"
	IntentExplain      = "explain_decision"
	IntentHistory      = "customer_history"
	IntentUnknown      = "unknown"
)

// Answer is the assistant's response to one question.
type Answer struct {
	Question            string   `json:"question"`
	Intent              string   `json:"intent"`
	Answer              string   `json:"answer"`
	Confidence          float64  `json:"confidence"`
	SupportingDecisions []string `json:"supporting_decisions,omitempty"`

	// Degraded marks answers produced without enough data or from an
	// unrecognized question.
	Degraded bool `json:"degraded,omitempty"`
}

// Service answers questions about the decision history.
type Service interface {
	Query(ctx context.Context, question string) (*Answer, error)
	Patterns(ctx context.Context) (*PatternReport, error)
	Close() error
}

// service implements the Service interface.
type service struct {
	traces store.TraceStore
	model  llms.Model // optional
	logger *zap.Logger

	// Telemetry
	tracer       oteltrace.Tracer
	meter        metric.Meter
	queryCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates an assistant over the trace store. model may be nil;
// classification then relies on rules alone.
func NewService(traces store.TraceStore, model llms.Model, logger *zap.Logger) (Service, error) {
	if traces == nil {
		return nil, errors.New("trace store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		traces: traces,
		model:  model,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	s.queryCounter, err = s.meter.Int64Counter(
		"decisiond.assistant.queries_total",
		metric.WithDescription("Total number of assistant queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		logger.Warn("failed to create query counter", zap.Error(err))
	}

	return s, nil
}

var decisionIDRe = regexp.MustCompile(`dec_[0-9a-f]{12}`)

// Query answers one natural-language question.
func (s *service) Query(ctx context.Context, question string) (*Answer, error) {
	ctx, span := s.tracer.Start(ctx, "assistant.query")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(question) == "" {
		return nil, errors.New("question is required")
	}

	intent := s.classify(ctx, question)
	span.SetAttributes(attribute.String("intent", intent))
	s.queryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("intent", intent)))

	all, err := s.traces.List(ctx, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}

	if len(all) == 0 {
		return &Answer{
			Question:   question,
			Intent:     intent,
			Answer:     "No decisions have been recorded yet, so there is nothing to analyze.",
			Confidence: 1.0,
			Degraded:   true,
		}, nil
	}

	// Narrow to a customer or industry when the question names one.
	scoped, scope := scopeTraces(all, question)

	ans := &Answer{Question: question, Intent: intent}
	switch intent {
	case IntentExplain:
		s.answerExplain(ctx, question, ans)
	case IntentApprovalRate:
		answerApprovalRate(scoped, scope, ans)
	case IntentTopApprovers:
		answerTopApprovers(scoped, scope, ans)
	case IntentExceptions:
		answerExceptions(scoped, scope, ans)
	case IntentTopDiscounts:
		answerTopDiscounts(scoped, scope, ans)
	case IntentHistory:
		answerHistory(scoped, scope, ans)
	default:
		report := Analyze(scoped)
		ans.Answer = fmt.Sprintf(
			"I could not map that question to a known analysis. Across %d recorded decisions%s: %d approved, %d modified, %d rejected, %d pending.",
			report.TotalDecisions, scopeSuffix(scope), report.Approved, report.Modified, report.Rejected, report.Pending)
		ans.Confidence = 0.2
		ans.Degraded = true
	}
	return ans, nil
}

// Patterns returns the pattern report over all recorded decisions.
func (s *service) Patterns(ctx context.Context) (*PatternReport, error) {
	ctx, span := s.tracer.Start(ctx, "assistant.patterns")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	all, err := s.traces.List(ctx, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}
	return Analyze(all), nil
}

const classifyPrompt = `Classify the question into exactly one of these intents:
approval_rate, top_approvers, exceptions, top_discounts, explain_decision, customer_history, unknown.
Respond with the intent name only.

Question: %s`

// classify picks the intent, asking the model first when one is configured.
func (s *service) classify(ctx context.Context, question string) string {
	if s.model != nil {
		reply, err := llms.GenerateFromSinglePrompt(ctx, s.model, fmt.Sprintf(classifyPrompt, question),
			llms.WithTemperature(0), llms.WithMaxTokens(16))
		if err == nil {
			if intent := normalizeIntent(reply); intent != "" {
				return intent
			}
		} else {
			s.logger.Warn("llm intent classification failed, using rules", zap.Error(err))
		}
	}
	return classifyByRules(question)
}

func normalizeIntent(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case IntentApprovalRate, IntentTopApprovers, IntentExceptions,
		IntentTopDiscounts, IntentExplain, IntentHistory, IntentUnknown:
		return strings.ToLower(strings.TrimSpace(s))
	}
	return ""
}

func classifyByRules(question string) string {
	q := strings.ToLower(question)
	switch {
	case decisionIDRe.MatchString(q),
		strings.Contains(q, "why") && (strings.Contains(q, "approve") || strings.Contains(q, "reject") || strings.Contains(q, "decision")):
		return IntentExplain
	case strings.Contains(q, "approval rate"), strings.Contains(q, "how often"),
		strings.Contains(q, "what percentage"), strings.Contains(q, "what fraction"):
		return IntentApprovalRate
	case strings.Contains(q, "who approv"), strings.Contains(q, "top approver"),
		strings.Contains(q, "which approver"), strings.Contains(q, "who decide"):
		return IntentTopApprovers
	case strings.Contains(q, "exception"), strings.Contains(q, "exceed"),
		strings.Contains(q, "over the limit"), strings.Contains(q, "above policy"):
		return IntentExceptions
	case strings.Contains(q, "biggest"), strings.Contains(q, "largest"),
		strings.Contains(q, "highest discount"), strings.Contains(q, "top discount"):
		return IntentTopDiscounts
	case strings.Contains(q, "history"), strings.Contains(q, "past decisions"),
		strings.Contains(q, "previous"):
		return IntentHistory
	default:
		return IntentUnknown
	}
}

// scope names the subset of traces a question was narrowed to.
type scope struct {
	customer string
	industry string
}

func scopeSuffix(sc scope) string {
	switch {
	case sc.customer != "":
		return " for " + sc.customer
	case sc.industry != "":
		return " in " + sc.industry
	}
	return ""
}

// scopeTraces narrows traces to a customer or industry mentioned in the
// question, using the names that actually appear in the data.
func scopeTraces(all []*trace.DecisionTrace, question string) ([]*trace.DecisionTrace, scope) {
	q := strings.ToLower(question)

	for _, t := range all {
		name := t.Request.Customer
		if name != "" && strings.Contains(q, strings.ToLower(name)) {
			return filterTraces(all, func(t *trace.DecisionTrace) bool {
				return strings.EqualFold(t.Request.Customer, name)
			}), scope{customer: name}
		}
	}

	for _, t := range all {
		ind := t.Industry()
		if ind != "" && strings.Contains(q, strings.ToLower(strings.ReplaceAll(ind, "_", " "))) {
			return filterTraces(all, func(t *trace.DecisionTrace) bool {
				return t.Industry() == ind
			}), scope{industry: ind}
		}
	}

	return all, scope{}
}

func filterTraces(all []*trace.DecisionTrace, keep func(*trace.DecisionTrace) bool) []*trace.DecisionTrace {
	out := make([]*trace.DecisionTrace, 0, len(all))
	for _, t := range all {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s *service) answerExplain(ctx context.Context, question string, ans *Answer) {
	id := decisionIDRe.FindString(strings.ToLower(question))
	if id == "" {
		ans.Answer = "Name the decision to explain by its id (dec_ followed by 12 hex characters)."
		ans.Confidence = 0.3
		ans.Degraded = true
		return
	}

	t, err := s.traces.Get(ctx, id)
	if err != nil {
		ans.Answer = fmt.Sprintf("No decision with id %s is recorded.", id)
		ans.Confidence = 0.9
		ans.Degraded = true
		return
	}
	ans.Answer = Explain(t)
	ans.Confidence = 0.95
	ans.SupportingDecisions = []string{t.DecisionID}
}

func answerApprovalRate(traces []*trace.DecisionTrace, sc scope, ans *Answer) {
	report := Analyze(traces)
	decided := report.Approved + report.Modified + report.Rejected
	if decided == 0 {
		ans.Answer = fmt.Sprintf("No decided requests%s yet, only pending ones.", scopeSuffix(sc))
		ans.Confidence = 0.8
		ans.Degraded = true
		return
	}
	ans.Answer = fmt.Sprintf(
		"Of %d decided requests%s, %d were granted (%d as asked, %d modified) and %d rejected: an approval rate of %.0f%%.",
		decided, scopeSuffix(sc), report.Approved+report.Modified, report.Approved, report.Modified,
		report.Rejected, report.ApprovalRate*100)
	ans.Confidence = 0.9
	ans.SupportingDecisions = decisionIDs(traces, 10)
}

func answerTopApprovers(traces []*trace.DecisionTrace, sc scope, ans *Answer) {
	report := Analyze(traces)
	if len(report.TopApprovers) == 0 {
		ans.Answer = fmt.Sprintf("No recorded decisions%s name a decision maker.", scopeSuffix(sc))
		ans.Confidence = 0.8
		ans.Degraded = true
		return
	}
	var parts []string
	for i, a := range report.TopApprovers {
		if i == 3 {
			break
		}
		who := a.Name
		if who == "" {
			who = a.Email
		}
		parts = append(parts, fmt.Sprintf("%s (%d decisions, %d granted)", who, a.Decisions, a.Approvals))
	}
	ans.Answer = fmt.Sprintf("Most active decision makers%s: %s.", scopeSuffix(sc), strings.Join(parts, ", "))
	ans.Confidence = 0.9
	ans.SupportingDecisions = decisionIDs(traces, 10)
}

func answerExceptions(traces []*trace.DecisionTrace, sc scope, ans *Answer) {
	exceptional := filterTraces(traces, func(t *trace.DecisionTrace) bool { return t.ExceedsLimit() })
	if len(exceptional) == 0 {
		ans.Answer = fmt.Sprintf("No decisions%s exceeded the standard policy limit.", scopeSuffix(sc))
		ans.Confidence = 0.9
		return
	}

	report := Analyze(traces)
	ans.Answer = fmt.Sprintf(
		"%d of %d decisions%s exceeded the standard policy limit (%.0f%%).",
		len(exceptional), len(traces), scopeSuffix(sc), report.ExceptionRate*100)
	ans.Confidence = 0.9
	ans.SupportingDecisions = decisionIDs(exceptional, 10)
}

func answerTopDiscounts(traces []*trace.DecisionTrace, sc scope, ans *Answer) {
	type granted struct {
		t     *trace.DecisionTrace
		value float64
	}
	var ranked []granted
	for _, t := range traces {
		if t.Decision == nil || t.Decision.FinalAction == "" {
			continue
		}
		v, err := trace.ParsePercent(t.Decision.FinalAction)
		if err != nil || v == 0 {
			continue
		}
		ranked = append(ranked, granted{t: t, value: v})
	}
	if len(ranked) == 0 {
		ans.Answer = fmt.Sprintf("No granted discounts%s are recorded.", scopeSuffix(sc))
		ans.Confidence = 0.8
		ans.Degraded = true
		return
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].value > ranked[j].value })

	var parts []string
	for i, g := range ranked {
		if i == 3 {
			break
		}
		parts = append(parts, fmt.Sprintf("%s to %s (%s)",
			trace.FormatPercent(g.value), g.t.Request.Customer, g.t.DecisionID))
		ans.SupportingDecisions = append(ans.SupportingDecisions, g.t.DecisionID)
	}
	ans.Answer = fmt.Sprintf("Largest granted discounts%s: %s.", scopeSuffix(sc), strings.Join(parts, ", "))
	ans.Confidence = 0.9
}

func answerHistory(traces []*trace.DecisionTrace, sc scope, ans *Answer) {
	if sc.customer == "" && sc.industry == "" {
		ans.Answer = "Name a customer or industry to summarize history for."
		ans.Confidence = 0.3
		ans.Degraded = true
		return
	}
	report := Analyze(traces)
	ans.Answer = fmt.Sprintf(
		"%d decisions recorded%s: %d approved, %d modified, %d rejected, %d pending; %d exceeded the standard limit.",
		report.TotalDecisions, scopeSuffix(sc), report.Approved, report.Modified, report.Rejected, report.Pending,
		len(filterTraces(traces, func(t *trace.DecisionTrace) bool { return t.ExceedsLimit() })))
	ans.Confidence = 0.85
	ans.SupportingDecisions = decisionIDs(traces, 10)
}

func decisionIDs(traces []*trace.DecisionTrace, limit int) []string {
	out := make([]string, 0, len(traces))
	for _, t := range traces {
		out = append(out, t.DecisionID)
		if len(out) == limit {
			break
		}
	}
	return out
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
