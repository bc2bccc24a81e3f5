package enrichment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StaticGateway serves enrichment bundles from an in-memory dataset. It backs
// local development and the seed command; production deployments swap in a
// gateway that talks to the real systems.
type StaticGateway struct {
	mu      sync.RWMutex
	records map[string]record
	logger  *zap.Logger
}

type record struct {
	canonical string
	crm       CRMSnapshot
	support   SupportSnapshot
	finance   FinanceSnapshot
}

// NewStaticGateway creates a gateway preloaded with the demo dataset.
func NewStaticGateway(logger *zap.Logger) *StaticGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &StaticGateway{
		records: make(map[string]record),
		logger:  logger,
	}
	for _, r := range demoRecords() {
		g.records[normalizeCustomer(r.canonical)] = r
	}
	return g
}

// Fetch returns the bundle for the customer, or ErrNotFound. Lookup is
// case-insensitive and tolerates partial names ("MedTech" finds
// "MedTech Corp").
func (g *StaticGateway) Fetch(ctx context.Context, customer string) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := normalizeCustomer(customer)
	if key == "" {
		return nil, fmt.Errorf("%w: empty customer name", ErrNotFound)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.records[key]
	if !ok {
		for k, candidate := range g.records {
			if strings.HasPrefix(k, key) || strings.HasPrefix(key, k) {
				r, ok = candidate, true
				break
			}
		}
	}
	if !ok {
		g.logger.Debug("customer not found in enrichment dataset", zap.String("customer", customer))
		return nil, fmt.Errorf("%w: %q", ErrNotFound, customer)
	}

	now := time.Now().UTC()
	b := &Bundle{
		Customer:  r.canonical,
		CRM:       r.crm,
		Support:   r.support,
		Finance:   r.finance,
		FetchedAt: now,
	}
	b.CRM.RetrievedAt = now
	b.Support.RetrievedAt = now
	b.Finance.RetrievedAt = now
	return b, nil
}

// Put adds or replaces a customer record. Used by tests and the seed command.
func (g *StaticGateway) Put(name string, crm CRMSnapshot, support SupportSnapshot, finance FinanceSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[normalizeCustomer(name)] = record{
		canonical: name,
		crm:       crm,
		support:   support,
		finance:   finance,
	}
}

func normalizeCustomer(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, suffix := range []string{" corp", " corporation", " inc", " inc.", " llc", " co", " co."} {
		name = strings.TrimSuffix(name, suffix)
	}
	return strings.TrimSpace(name)
}

func demoRecords() []record {
	return []record{
		{
			canonical: "MedTech Corp",
			crm: CRMSnapshot{
				ARR:           450000,
				Tier:          "enterprise",
				Industry:      "healthcare",
				ContractStart: "2024-03-01",
				ContractEnd:   "2027-02-28",
				AccountOwner:  "sarah@company.com",
			},
			support: SupportSnapshot{Sev1Tickets: 3, Sev2Tickets: 7, SatisfactionScore: 3.2},
			finance: FinanceSnapshot{MarginPercent: 32.0, PaymentHistory: "current", LTV: 2400000},
		},
		{
			canonical: "HealthTech Inc",
			crm: CRMSnapshot{
				ARR:           280000,
				Tier:          "growth",
				Industry:      "healthcare",
				ContractStart: "2025-01-15",
				ContractEnd:   "2026-01-14",
				AccountOwner:  "james@company.com",
			},
			support: SupportSnapshot{Sev1Tickets: 0, Sev2Tickets: 2, SatisfactionScore: 4.5},
			finance: FinanceSnapshot{MarginPercent: 41.5, PaymentHistory: "current", LTV: 980000},
		},
		{
			canonical: "BioPharm LLC",
			crm: CRMSnapshot{
				ARR:           620000,
				Tier:          "enterprise",
				Industry:      "pharmaceuticals",
				ContractStart: "2023-09-01",
				ContractEnd:   "2026-08-31",
				AccountOwner:  "sarah@company.com",
			},
			support: SupportSnapshot{Sev1Tickets: 1, Sev2Tickets: 4, SatisfactionScore: 4.1},
			finance: FinanceSnapshot{MarginPercent: 28.3, PaymentHistory: "late_30", LTV: 3100000},
		},
		{
			canonical: "FinServe Co",
			crm: CRMSnapshot{
				ARR:           195000,
				Tier:          "growth",
				Industry:      "financial_services",
				ContractStart: "2024-11-01",
				ContractEnd:   "2025-10-31",
				AccountOwner:  "priya@company.com",
			},
			support: SupportSnapshot{Sev1Tickets: 2, Sev2Tickets: 5, SatisfactionScore: 3.8},
			finance: FinanceSnapshot{MarginPercent: 36.7, PaymentHistory: "current", LTV: 640000},
		},
		{
			canonical: "TechStartup XYZ",
			crm: CRMSnapshot{
				ARR:           48000,
				Tier:          "starter",
				Industry:      "technology",
				ContractStart: "2025-06-01",
				ContractEnd:   "2026-05-31",
				AccountOwner:  "james@company.com",
			},
			support: SupportSnapshot{Sev1Tickets: 0, Sev2Tickets: 1, SatisfactionScore: 4.8},
			finance: FinanceSnapshot{MarginPercent: 52.0, PaymentHistory: "current", LTV: 96000},
		},
	}
}
