package assistant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/decisiond/internal/store"
	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

func seedTrace(id, customer, industry string, outcome trace.Outcome, final string, maker string, exceeds bool, ts time.Time) *trace.DecisionTrace {
	t := &trace.DecisionTrace{
		DecisionID:   id,
		Timestamp:    ts,
		DecisionType: trace.DecisionDiscountApproval,
		Request: trace.DecisionRequest{
			Customer:        customer,
			RequestedAction: "18%",
		},
		Evidence: []trace.Evidence{
			{Source: trace.SourceCRM, Field: "industry", Value: industry, CapturedAt: ts},
		},
		Exceptions: []trace.ExceptionRecord{},
	}
	if outcome != "" {
		t.Decision = &trace.DecisionOutcome{
			Outcome:            outcome,
			FinalAction:        final,
			DecisionMakerEmail: maker,
		}
	}
	if exceeds {
		t.Policy = &trace.PolicyInfo{Version: "v3.2", StandardLimit: 10, ExceedsLimit: true, Deviation: 5, RequiredApproval: "manager", ExceptionMade: true}
		t.Exceptions = append(t.Exceptions, trace.ExceptionRecord{
			ExceptionType: trace.ExceptionExceedsStandardLimit,
			Description:   "Discount 15% exceeds standard limit of 10%",
			PolicyLimit:   "10%",
			ActualValue:   "15%",
			Deviation:     "5%",
		})
	} else {
		t.Policy = &trace.PolicyInfo{Version: "v3.2", StandardLimit: 10, RequiredApproval: "standard"}
	}
	return t
}

func seededService(t *testing.T) (Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	fixtures := []*trace.DecisionTrace{
		seedTrace("dec_aaaaaaaaaaa1", "MedTech Corp", "healthcare", trace.OutcomeModified, "15%", "sarah@company.com", true, base),
		seedTrace("dec_aaaaaaaaaaa2", "MedTech Corp", "healthcare", trace.OutcomeApproved, "8%", "sarah@company.com", false, base.Add(time.Hour)),
		seedTrace("dec_aaaaaaaaaaa3", "FinServe Co", "financial_services", trace.OutcomeRejected, "", "priya@company.com", false, base.Add(2*time.Hour)),
		seedTrace("dec_aaaaaaaaaaa4", "TechStartup XYZ", "technology", "", "", "", false, base.Add(3*time.Hour)),
	}
	for _, f := range fixtures {
		require.NoError(t, ms.Append(ctx, f))
	}

	svc, err := NewService(ms, nil, nil)
	require.NoError(t, err)
	return svc, ms
}

func TestQuery_EmptyStore(t *testing.T) {
	svc, err := NewService(store.NewMemoryStore(), nil, nil)
	require.NoError(t, err)

	ans, err := svc.Query(context.Background(), "what is our approval rate?")
	require.NoError(t, err)

	assert.True(t, ans.Degraded)
	assert.Contains(t, ans.Answer, "No decisions have been recorded")
	assert.Equal(t, IntentApprovalRate, ans.Intent)
}

func TestQuery_ApprovalRate(t *testing.T) {
	svc, _ := seededService(t)

	ans, err := svc.Query(context.Background(), "What is our approval rate?")
	require.NoError(t, err)

	assert.Equal(t, IntentApprovalRate, ans.Intent)
	assert.False(t, ans.Degraded)
	// 2 granted of 3 decided = 67%.
	assert.Contains(t, ans.Answer, "3 decided requests")
	assert.Contains(t, ans.Answer, "67%")
	assert.NotEmpty(t, ans.SupportingDecisions)
}

func TestQuery_ApprovalRateScopedToCustomer(t *testing.T) {
	svc, _ := seededService(t)

	ans, err := svc.Query(context.Background(), "How often do we approve discounts for MedTech Corp?")
	require.NoError(t, err)

	assert.Equal(t, IntentApprovalRate, ans.Intent)
	assert.Contains(t, ans.Answer, "for MedTech Corp")
	assert.Contains(t, ans.Answer, "100%")
}

func TestQuery_TopApprovers(t *testing.T) {
	svc, _ := seededService(t)

	ans, err := svc.Query(context.Background(), "Who approves the most discounts?")
	require.NoError(t, err)

	assert.Equal(t, IntentTopApprovers, ans.Intent)
	assert.Contains(t, ans.Answer, "sarah@company.com (2 decisions, 2 granted)")
}

func TestQuery_Exceptions(t *testing.T) {
	svc, _ := seededService(t)

	ans, err := svc.Query(context.Background(), "How many decisions exceeded policy limits?")
	require.NoError(t, err)

	assert.Equal(t, IntentExceptions, ans.Intent)
	assert.Contains(t, ans.Answer, "1 of 4 decisions")
	assert.Equal(t, []string{"dec_aaaaaaaaaaa1"}, ans.SupportingDecisions)
}

func TestQuery_ExceptionsScopedToIndustry(t *testing.T) {
	svc, _ := seededService(t)

	ans, err := svc.Query(context.Background(), "Any exceptions in healthcare?")
	require.NoError(t, err)

	assert.Contains(t, ans.Answer, "in healthcare")
	assert.Contains(t, ans.Answer, "1 of 2 decisions")
}

func TestQuery_TopDiscounts(t *testing.T) {
	svc, _ := seededService(t)

	ans, err := svc.Query(context.Background(), "What are the biggest discounts we granted?")
	require.NoError(t, err)

	assert.Equal(t, IntentTopDiscounts, ans.Intent)
	assert.Contains(t, ans.Answer, "15% to MedTech Corp")
	assert.Equal(t, "dec_aaaaaaaaaaa1", ans.SupportingDecisions[0])
}

func TestQuery_ExplainByDecisionID(t *testing.T) {
	svc, _ := seededService(t)

	ans, err := svc.Query(context.Background(), "Why was dec_aaaaaaaaaaa1 approved?")
	require.NoError(t, err)

	assert.Equal(t, IntentExplain, ans.Intent)
	assert.Contains(t, ans.Answer, "dec_aaaaaaaaaaa1")
	assert.Contains(t, ans.Answer, "modified")
	assert.Contains(t, ans.Answer, "exceeded it by 5%")
	assert.Equal(t, []string{"dec_aaaaaaaaaaa1"}, ans.SupportingDecisions)
}

func TestQuery_ExplainUnknownID(t *testing.T) {
	svc, _ := seededService(t)

	ans, err := svc.Query(context.Background(), "Explain decision dec_000000000000")
	require.NoError(t, err)

	assert.True(t, ans.Degraded)
	assert.Contains(t, ans.Answer, "dec_000000000000")
}

func TestQuery_UnknownQuestionDegrades(t *testing.T) {
	svc, _ := seededService(t)

	ans, err := svc.Query(context.Background(), "What should we have for lunch?")
	require.NoError(t, err)

	assert.Equal(t, IntentUnknown, ans.Intent)
	assert.True(t, ans.Degraded)
	assert.Less(t, ans.Confidence, 0.5)
	assert.Contains(t, ans.Answer, "4 recorded decisions")
}

func TestQuery_RequiresQuestion(t *testing.T) {
	svc, _ := seededService(t)

	_, err := svc.Query(context.Background(), "  ")
	assert.Error(t, err)
}

func TestPatterns(t *testing.T) {
	svc, _ := seededService(t)

	report, err := svc.Patterns(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.TotalDecisions)
	assert.Equal(t, 1, report.Approved)
	assert.Equal(t, 1, report.Modified)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Pending)
	assert.InDelta(t, 2.0/3.0, report.ApprovalRate, 0.001)
	assert.InDelta(t, 0.25, report.ExceptionRate, 0.001)
	assert.Equal(t, 1, report.ExceptionCounts[trace.ExceptionExceedsStandardLimit])

	require.NotEmpty(t, report.TopApprovers)
	assert.Equal(t, "sarah@company.com", report.TopApprovers[0].Email)
	assert.Equal(t, 2, report.TopApprovers[0].Decisions)
}

func TestExplain_PendingTrace(t *testing.T) {
	tr := seedTrace("dec_aaaaaaaaaaa9", "TechStartup XYZ", "technology", "", "", "", false, time.Now().UTC())

	text := Explain(tr)
	assert.Contains(t, text, "still pending")
	assert.Contains(t, text, "TechStartup XYZ")
}

func TestExplain_DefaultedEvidence(t *testing.T) {
	tr := seedTrace("dec_aaaaaaaaaab0", "Globex", "", trace.OutcomeApproved, "8%", "", false, time.Now().UTC())
	tr.Evidence = []trace.Evidence{{Source: trace.SourceDefaulted, Field: "customer_found", Value: false, CapturedAt: time.Now().UTC()}}

	text := Explain(tr)
	assert.Contains(t, text, "evidence was defaulted")
}

func TestService_Closed(t *testing.T) {
	svc, _ := seededService(t)
	require.NoError(t, svc.Close())

	_, err := svc.Query(context.Background(), "approval rate?")
	assert.Error(t, err)
}
