package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

const (
	defaultMaxTokens = 1024
	defaultRateLimit = 50.0 / 60.0 // 50 requests per minute
	defaultBurst     = 5
	defaultTimeout   = 60 * time.Second
)

const extractionPrompt = `You are an expert at reading corporate email threads about %s decisions.

Extract the decision fields for customer %q from the thread below.

Respond ONLY with a JSON object containing these fields (omit any you cannot determine):
- "requested_discount": the discount percentage originally asked for (number)
- "final_discount": the discount percentage actually granted (number)
- "outcome": one of "approved", "rejected", "modified", "escalated", "pending"
- "requestor_email", "requestor_name": who asked
- "decision_maker_email", "decision_maker_name": who decided
- "request_timestamp", "decision_timestamp": RFC 3339 timestamps
- "reason": why the request was made (1 sentence)
- "reasoning": why the decision maker decided as they did (1-2 sentences)
- "notes": anything unusual about the thread
- "confidence": object mapping each extracted field name to 0.0-1.0

Email thread:
---
%s
---`

// LLMEngine extracts decision fields with a language model. Responses are
// validated against the outcome vocabulary and percentage bounds; a response
// that fails validation is an error, not a partial result.
type LLMEngine struct {
	model    llms.Model
	provider string
	limiter  *rate.Limiter
	logger   *zap.Logger

	maxTokens int
	timeout   time.Duration
}

// NewLLMEngine wraps a langchaingo model. provider is recorded on every
// result for audit purposes.
func NewLLMEngine(model llms.Model, provider string, logger *zap.Logger) (*LLMEngine, error) {
	if model == nil {
		return nil, fmt.Errorf("llm model is required")
	}
	if provider == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMEngine{
		model:     model,
		provider:  provider,
		limiter:   rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		logger:    logger,
		maxTokens: defaultMaxTokens,
		timeout:   defaultTimeout,
	}, nil
}

// Extract sends the thread to the model and validates the structured reply.
func (e *LLMEngine) Extract(ctx context.Context, emailText, customer, decisionType string) (*Result, error) {
	if strings.TrimSpace(emailText) == "" {
		return nil, &Error{Field: "email_thread", Reason: "empty thread"}
	}

	// HTTP handlers call Extract without a deadline, so bound the provider
	// round-trip here rather than trusting the caller's context.
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	prompt := fmt.Sprintf(extractionPrompt, decisionType, customer, emailText)

	start := time.Now()
	completion, err := llms.GenerateFromSinglePrompt(ctx, e.model, prompt,
		llms.WithTemperature(0.1),
		llms.WithMaxTokens(e.maxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("llm completion: %w", err)
	}

	e.logger.Debug("llm extraction completed",
		zap.String("provider", e.provider),
		zap.String("customer", customer),
		zap.Duration("duration", time.Since(start)),
	)

	result, err := parseResultJSON(completion)
	if err != nil {
		return nil, err
	}
	result.Provider = e.provider

	if err := Validate(result); err != nil {
		return nil, err
	}
	return result, nil
}

// rawResult mirrors the JSON the model is asked to produce. Timestamps come
// back as strings and numbers may arrive as strings, so parsing is lenient
// on shape and strict on values.
type rawResult struct {
	RequestedDiscount  *float64           `json:"requested_discount"`
	FinalDiscount      *float64           `json:"final_discount"`
	Outcome            string             `json:"outcome"`
	RequestorEmail     string             `json:"requestor_email"`
	RequestorName      string             `json:"requestor_name"`
	DecisionMakerEmail string             `json:"decision_maker_email"`
	DecisionMakerName  string             `json:"decision_maker_name"`
	RequestTimestamp   string             `json:"request_timestamp"`
	DecisionTimestamp  string             `json:"decision_timestamp"`
	Reason             string             `json:"reason"`
	Reasoning          string             `json:"reasoning"`
	Notes              string             `json:"notes"`
	Confidence         map[string]float64 `json:"confidence"`
}

func parseResultJSON(content string) (*Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var raw rawResult
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, &Error{Field: "response", Reason: "model reply is not valid JSON", Err: err}
	}

	res := &Result{
		RequestedDiscount:  raw.RequestedDiscount,
		FinalDiscount:      raw.FinalDiscount,
		Outcome:            strings.ToLower(strings.TrimSpace(raw.Outcome)),
		RequestorEmail:     strings.TrimSpace(raw.RequestorEmail),
		RequestorName:      strings.TrimSpace(raw.RequestorName),
		DecisionMakerEmail: strings.TrimSpace(raw.DecisionMakerEmail),
		DecisionMakerName:  strings.TrimSpace(raw.DecisionMakerName),
		Reason:             strings.TrimSpace(raw.Reason),
		Reasoning:          strings.TrimSpace(raw.Reasoning),
		Notes:              strings.TrimSpace(raw.Notes),
		Confidence:         raw.Confidence,
	}

	if raw.RequestTimestamp != "" {
		ts, err := parseTimestamp(raw.RequestTimestamp)
		if err != nil {
			return nil, &Error{Field: "request_timestamp", Reason: "unparseable timestamp", Err: err}
		}
		res.RequestTimestamp = &ts
	}
	if raw.DecisionTimestamp != "" {
		ts, err := parseTimestamp(raw.DecisionTimestamp)
		if err != nil {
			return nil, &Error{Field: "decision_timestamp", Reason: "unparseable timestamp", Err: err}
		}
		res.DecisionTimestamp = &ts
	}

	return res, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Validate enforces the extraction schema: outcome vocabulary, percentage
// bounds, requestor identity, and required fields for terminal outcomes.
func Validate(res *Result) error {
	if res.Outcome != "" && !trace.ValidOutcome(res.Outcome) {
		return &Error{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %q", res.Outcome)}
	}
	if res.RequestedDiscount == nil {
		return &Error{Field: "requested_discount", Reason: "missing"}
	}
	if err := validPercent("requested_discount", *res.RequestedDiscount); err != nil {
		return err
	}
	if res.FinalDiscount != nil {
		if err := validPercent("final_discount", *res.FinalDiscount); err != nil {
			return err
		}
	}
	if res.RequestorEmail == "" {
		return &Error{Field: "requestor_email", Reason: "missing"}
	}

	outcome := trace.Outcome(res.Outcome)
	if outcome.Terminal() && outcome != trace.OutcomeRejected && res.FinalDiscount == nil {
		return &Error{Field: "final_discount", Reason: fmt.Sprintf("required for outcome %q", res.Outcome)}
	}
	return nil
}

func validPercent(field string, v float64) error {
	if v < 0 || v > 100 {
		return &Error{Field: field, Reason: fmt.Sprintf("%v is outside 0-100", v)}
	}
	return nil
}

var _ Engine = (*LLMEngine)(nil)
