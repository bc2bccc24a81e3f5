// Package trace defines the decision trace domain model.
//
// A DecisionTrace is the immutable record of one organizational approval
// decision: what was asked, what was decided, the business evidence captured
// at decision time, the policy version evaluated against, and any policy
// exceptions. Traces are created once by the assembler and never mutated;
// corrections produce a new trace that references the original.
package trace

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DecisionType categorizes the kind of decision captured.
type DecisionType string

const (
	DecisionDiscountApproval  DecisionType = "discount_approval"
	DecisionCreditExtension   DecisionType = "credit_extension"
	DecisionRefundRequest     DecisionType = "refund_request"
	DecisionContractException DecisionType = "contract_exception"
	DecisionPaymentTerms      DecisionType = "payment_terms"
	DecisionOther             DecisionType = "other"
)

// Outcome is the result of a decision.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeModified  Outcome = "modified" // approved at a different value than requested
	OutcomeEscalated Outcome = "escalated"
	OutcomePending   Outcome = "pending"
)

// ValidOutcome reports whether s is a recognized outcome value.
func ValidOutcome(s string) bool {
	switch Outcome(s) {
	case OutcomeApproved, OutcomeRejected, OutcomeModified, OutcomeEscalated, OutcomePending:
		return true
	}
	return false
}

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool {
	return o == OutcomeApproved || o == OutcomeRejected || o == OutcomeModified
}

// DecisionRequest captures what was requested and by whom.
type DecisionRequest struct {
	Customer        string     `json:"customer"`
	RequestedAction string     `json:"requested_action"` // e.g. "18%"
	RequestorEmail  string     `json:"requestor_email,omitempty"`
	RequestorName   string     `json:"requestor_name,omitempty"`
	RequestedAt     *time.Time `json:"requested_at,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

// DecisionOutcome captures what was actually decided. It is nil on a trace
// whose request has not been answered yet.
type DecisionOutcome struct {
	Outcome            Outcome    `json:"outcome"`
	FinalAction        string     `json:"final_action"` // e.g. "15%"
	DecisionMakerEmail string     `json:"decision_maker_email,omitempty"`
	DecisionMakerName  string     `json:"decision_maker_name,omitempty"`
	DecidedAt          *time.Time `json:"decided_at,omitempty"`
	Reasoning          string     `json:"reasoning,omitempty"`
}

// Evidence source tags. SourceDefaulted marks evidence synthesized from a
// zero-value enrichment bundle so consumers can tell defaults from real data.
const (
	SourceCRM       = "salesforce"
	SourceSupport   = "zendesk"
	SourceFinance   = "stripe"
	SourceDefaulted = "defaulted"
)

// Evidence is a single fact captured at decision time. CapturedAt records
// when the value was retrieved, which is what makes temporal queries
// ("what was their ARR when we approved this?") answerable later.
type Evidence struct {
	Source     string    `json:"source"`
	Field      string    `json:"field"`
	Value      any       `json:"value"`
	CapturedAt time.Time `json:"captured_at"`
}

// Exception types.
const (
	ExceptionExceedsStandardLimit = "exceeds_standard_limit"
	ExceptionRequiresVPApproval   = "requires_vp_approval"
	ExceptionExceedsAllTiers      = "exceeds_all_tiers"
	ExceptionEnrichmentDefaulted  = "enrichment_defaulted"
	ExceptionMissingOutcome       = "missing_outcome"
)

// ExceptionRecord is a structured flag indicating a decision deviated from
// policy, or that the trace carries a data-quality caveat.
type ExceptionRecord struct {
	ExceptionType string `json:"exception_type"`
	Description   string `json:"description"`
	PolicyLimit   string `json:"policy_limit"`
	ActualValue   string `json:"actual_value"`
	Deviation     string `json:"deviation,omitempty"`
	ApprovedBy    string `json:"approved_by,omitempty"`
}

// PolicyInfo records the policy version that was active at decision time
// together with the evaluation outcome.
type PolicyInfo struct {
	Version          string     `json:"version"`
	EffectiveFrom    time.Time  `json:"effective_from"`
	EffectiveUntil   *time.Time `json:"effective_until,omitempty"`
	StandardLimit    float64    `json:"standard_limit"`
	ExceedsLimit     bool       `json:"exceeds_limit"`
	Deviation        float64    `json:"deviation,omitempty"`
	RequiredApproval string     `json:"required_approval_level"`
	ExceptionMade    bool       `json:"exception_made"`
}

// Precedent is a similar past decision considered at assembly time.
type Precedent struct {
	DecisionID string    `json:"decision_id"`
	Customer   string    `json:"customer"`
	Outcome    string    `json:"outcome"`
	Similarity float32   `json:"similarity_score"`
	Timestamp  time.Time `json:"timestamp"`
	WhySimilar string    `json:"why_similar,omitempty"`
}

// DecisionTrace is the complete immutable decision record.
type DecisionTrace struct {
	DecisionID   string            `json:"decision_id"`
	Timestamp    time.Time         `json:"timestamp"`
	DecisionType DecisionType      `json:"decision_type"`
	Request      DecisionRequest   `json:"request"`
	Decision     *DecisionOutcome  `json:"decision"`
	Evidence     []Evidence        `json:"evidence"`
	Policy       *PolicyInfo       `json:"policy,omitempty"`
	Precedents   []Precedent       `json:"precedents,omitempty"`
	Exceptions   []ExceptionRecord `json:"exceptions"`

	// Supersedes carries the decision_id of the trace this one corrects.
	// A second outcome for an already-finalized request always produces a
	// fresh trace with a back-reference, never an in-place edit.
	Supersedes string `json:"supersedes,omitempty"`

	Source   string `json:"source,omitempty"` // manual, workflow, seed
	RawEmail string `json:"raw_email_text,omitempty"`
}

// NewDecisionID returns a fresh decision identifier of the form dec_<12 hex>.
func NewDecisionID() string {
	return "dec_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// Industry returns the industry evidence value, if captured.
func (t *DecisionTrace) Industry() string {
	for _, ev := range t.Evidence {
		if ev.Field == "industry" {
			if s, ok := ev.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// ExceedsLimit reports whether the trace's policy evaluation exceeded the
// standard limit.
func (t *DecisionTrace) ExceedsLimit() bool {
	return t.Policy != nil && t.Policy.ExceedsLimit
}

// FinalAction returns the decided action if an outcome exists, otherwise the
// requested action.
func (t *DecisionTrace) FinalAction() string {
	if t.Decision != nil && t.Decision.FinalAction != "" {
		return t.Decision.FinalAction
	}
	return t.Request.RequestedAction
}

var percentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)`)

// ParsePercent extracts a numeric percentage from strings like "15%",
// "15 percent", or "15".
func ParsePercent(s string) (float64, error) {
	m := percentRe.FindString(strings.TrimSpace(s))
	if m == "" {
		return 0, fmt.Errorf("no percentage in %q", s)
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing percentage %q: %w", s, err)
	}
	return v, nil
}

// FormatPercent renders a percentage the way traces store actions, with the
// fraction dropped for whole values ("15%", "12.5%").
func FormatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "%"
}
