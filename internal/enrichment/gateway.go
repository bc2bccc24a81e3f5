// Package enrichment fetches point-in-time business context for a customer
// from CRM, support, and finance sources. Bundles are evidence snapshots,
// not a cache: every fetch stamps retrieval times so traces can answer
// temporal questions later.
package enrichment

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

// ErrNotFound means the customer is unknown to the enrichment sources.
// Callers may substitute DefaultBundle rather than aborting, but must record
// the substitution with the sentinel evidence source.
var ErrNotFound = errors.New("enrichment: customer not found")

// CRMSnapshot mirrors the account profile from the CRM system.
type CRMSnapshot struct {
	ARR           int       `json:"arr"`
	Tier          string    `json:"tier"`
	Industry      string    `json:"industry"`
	ContractStart string    `json:"contract_start,omitempty"`
	ContractEnd   string    `json:"contract_end,omitempty"`
	AccountOwner  string    `json:"account_owner,omitempty"`
	RetrievedAt   time.Time `json:"retrieved_at"`
}

// SupportSnapshot mirrors ticket health from the support system.
type SupportSnapshot struct {
	Sev1Tickets       int       `json:"sev1_tickets"`
	Sev2Tickets       int       `json:"sev2_tickets"`
	SatisfactionScore float64   `json:"satisfaction_score,omitempty"`
	RetrievedAt       time.Time `json:"retrieved_at"`
}

// FinanceSnapshot mirrors margin and payment standing from the finance
// system.
type FinanceSnapshot struct {
	MarginPercent  float64   `json:"margin_percent"`
	PaymentHistory string    `json:"payment_history"`
	LTV            int       `json:"ltv,omitempty"`
	RetrievedAt    time.Time `json:"retrieved_at"`
}

// Bundle is one enrichment snapshot per source for a customer.
type Bundle struct {
	Customer  string          `json:"customer"`
	CRM       CRMSnapshot     `json:"crm"`
	Support   SupportSnapshot `json:"support"`
	Finance   FinanceSnapshot `json:"finance"`
	FetchedAt time.Time       `json:"fetched_at"`

	// Defaulted marks a zero-value bundle substituted for an unknown
	// customer.
	Defaulted bool `json:"defaulted,omitempty"`
}

// Gateway fetches enrichment bundles. Implementations must respect the
// context deadline; transient failures may be retried by a wrapper, a
// missing customer must not be.
type Gateway interface {
	Fetch(ctx context.Context, customer string) (*Bundle, error)
}

// DefaultBundle returns a zero-value bundle for an unknown customer,
// flagged so downstream consumers can tell defaults from real data.
func DefaultBundle(customer string) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		Customer:  customer,
		CRM:       CRMSnapshot{RetrievedAt: now},
		Support:   SupportSnapshot{RetrievedAt: now},
		Finance:   FinanceSnapshot{PaymentHistory: "unknown", RetrievedAt: now},
		FetchedAt: now,
		Defaulted: true,
	}
}

// Evidence renders the bundle as ordered trace evidence. A defaulted bundle
// produces a single sentinel entry instead of fabricated zero facts.
func (b *Bundle) Evidence() []trace.Evidence {
	if b.Defaulted {
		return []trace.Evidence{{
			Source:     trace.SourceDefaulted,
			Field:      "customer_found",
			Value:      false,
			CapturedAt: b.FetchedAt,
		}}
	}

	return []trace.Evidence{
		{Source: trace.SourceCRM, Field: "arr", Value: b.CRM.ARR, CapturedAt: b.CRM.RetrievedAt},
		{Source: trace.SourceCRM, Field: "tier", Value: b.CRM.Tier, CapturedAt: b.CRM.RetrievedAt},
		{Source: trace.SourceCRM, Field: "industry", Value: b.CRM.Industry, CapturedAt: b.CRM.RetrievedAt},
		{Source: trace.SourceSupport, Field: "sev1_tickets", Value: b.Support.Sev1Tickets, CapturedAt: b.Support.RetrievedAt},
		{Source: trace.SourceSupport, Field: "sev2_tickets", Value: b.Support.Sev2Tickets, CapturedAt: b.Support.RetrievedAt},
		{Source: trace.SourceFinance, Field: "margin_percent", Value: b.Finance.MarginPercent, CapturedAt: b.Finance.RetrievedAt},
		{Source: trace.SourceFinance, Field: "payment_history", Value: b.Finance.PaymentHistory, CapturedAt: b.Finance.RetrievedAt},
	}
}
