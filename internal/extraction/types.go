// Package extraction turns unstructured email threads into structured
// decision fields. An LLM provider does the heavy lifting when configured;
// a heuristic provider covers air-gapped and test environments.
package extraction

import (
	"context"
	"fmt"
	"time"
)

// Result is the structured output of extracting one email thread.
type Result struct {
	RequestedDiscount *float64 `json:"requested_discount,omitempty"`
	FinalDiscount     *float64 `json:"final_discount,omitempty"`
	Outcome           string   `json:"outcome,omitempty"`

	RequestorEmail string `json:"requestor_email,omitempty"`
	RequestorName  string `json:"requestor_name,omitempty"`

	DecisionMakerEmail string `json:"decision_maker_email,omitempty"`
	DecisionMakerName  string `json:"decision_maker_name,omitempty"`

	RequestTimestamp  *time.Time `json:"request_timestamp,omitempty"`
	DecisionTimestamp *time.Time `json:"decision_timestamp,omitempty"`

	Reason    string `json:"reason,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Notes     string `json:"notes,omitempty"`

	// Confidence maps each extracted field to the provider's confidence in
	// it, 0.0 to 1.0. Heuristic extraction fills uniform low values.
	Confidence map[string]float64 `json:"confidence,omitempty"`

	// Provider names the engine that produced the result ("openai",
	// "anthropic", "heuristic").
	Provider string `json:"provider"`
}

// Error describes a field-level extraction failure. Extraction is
// all-or-nothing for required fields: a thread we cannot read faithfully is
// rejected, never half-recorded.
type Error struct {
	Field  string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed on %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction failed on %s: %s", e.Field, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Engine extracts decision fields from an email thread.
type Engine interface {
	// Extract parses the thread. customer and decisionType come from the
	// ingestion request and anchor the prompt.
	Extract(ctx context.Context, emailText, customer, decisionType string) (*Result, error)
}
