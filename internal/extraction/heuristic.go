package extraction

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

// Heuristic confidence is deliberately low: regex extraction reads the common
// shapes of approval threads but misses nuance an LLM would catch.
const heuristicConfidence = 0.4

var (
	emailRe   = regexp.MustCompile(`(?i)\bFrom:\s*(?:"?([^"<\n]+?)"?\s*)?<?([a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,})>?`)
	percentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

	approvedRe = regexp.MustCompile(`(?i)\b(approved?|approving|sign(?:ed)? off|green.?light)\b`)
	rejectedRe = regexp.MustCompile(`(?i)\b(rejected?|denied|declin(?:e|ed|ing)|cannot approve|can't approve)\b`)
	modifiedRe = regexp.MustCompile(`(?i)\b(counter(?:.?offer)?|instead|meet (?:you |them )?halfway|can do (\d+(?:\.\d+)?)\s*%)\b`)
	escalateRe = regexp.MustCompile(`(?i)\b(escalat(?:e|ed|ing)|needs? (?:vp|vice president|exec)|looping in)\b`)
)

// HeuristicEngine extracts decision fields with regular expressions. It is
// the provider of record when no LLM is configured, and is deterministic so
// tests can assert exact output.
type HeuristicEngine struct {
	logger *zap.Logger
}

// NewHeuristicEngine creates a regex-based extraction engine.
func NewHeuristicEngine(logger *zap.Logger) *HeuristicEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeuristicEngine{logger: logger}
}

// Extract reads the thread with pattern matching. The first From: header is
// treated as the requestor and the last distinct one as the decision maker.
func (e *HeuristicEngine) Extract(ctx context.Context, emailText, customer, decisionType string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(emailText) == "" {
		return nil, &Error{Field: "email_thread", Reason: "empty thread"}
	}

	res := &Result{
		Provider:   "heuristic",
		Confidence: map[string]float64{},
	}

	senders := emailRe.FindAllStringSubmatch(emailText, -1)
	if len(senders) > 0 {
		res.RequestorName = strings.TrimSpace(senders[0][1])
		res.RequestorEmail = strings.ToLower(senders[0][2])
		res.Confidence["requestor_email"] = heuristicConfidence

		last := senders[len(senders)-1]
		if strings.ToLower(last[2]) != res.RequestorEmail {
			res.DecisionMakerName = strings.TrimSpace(last[1])
			res.DecisionMakerEmail = strings.ToLower(last[2])
			res.Confidence["decision_maker_email"] = heuristicConfidence
		}
	}

	percents := percentRe.FindAllStringSubmatch(emailText, -1)
	if len(percents) == 0 {
		return nil, &Error{Field: "requested_discount", Reason: "no percentage found in thread"}
	}
	first, err := strconv.ParseFloat(percents[0][1], 64)
	if err != nil {
		return nil, &Error{Field: "requested_discount", Reason: "unparseable percentage", Err: err}
	}
	res.RequestedDiscount = &first
	res.Confidence["requested_discount"] = heuristicConfidence

	res.Outcome = string(classifyOutcome(emailText))
	res.Confidence["outcome"] = heuristicConfidence

	// The granted figure is the last percentage mentioned once an outcome is
	// reached; a rejection grants nothing.
	switch trace.Outcome(res.Outcome) {
	case trace.OutcomeApproved, trace.OutcomeModified:
		lastVal, err := strconv.ParseFloat(percents[len(percents)-1][1], 64)
		if err == nil {
			res.FinalDiscount = &lastVal
			res.Confidence["final_discount"] = heuristicConfidence
		} else {
			res.FinalDiscount = &first
		}
	case trace.OutcomeRejected:
		zero := 0.0
		res.FinalDiscount = &zero
	}

	if err := Validate(res); err != nil {
		return nil, err
	}

	e.logger.Debug("heuristic extraction completed",
		zap.String("customer", customer),
		zap.String("outcome", res.Outcome),
		zap.Float64("requested", first),
	)
	return res, nil
}

func classifyOutcome(text string) trace.Outcome {
	switch {
	case modifiedRe.MatchString(text) && approvedRe.MatchString(text):
		return trace.OutcomeModified
	case rejectedRe.MatchString(text):
		return trace.OutcomeRejected
	case approvedRe.MatchString(text):
		return trace.OutcomeApproved
	case escalateRe.MatchString(text):
		return trace.OutcomeEscalated
	default:
		return trace.OutcomePending
	}
}

var _ Engine = (*HeuristicEngine)(nil)
