package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/decisiond/internal/assembler"
	"github.com/fyrsmithlabs/decisiond/internal/enrichment"
	"github.com/fyrsmithlabs/decisiond/internal/extraction"
	"github.com/fyrsmithlabs/decisiond/internal/policy"
	"github.com/fyrsmithlabs/decisiond/internal/store"
	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

// recordingNotifier captures notified workflows.
type recordingNotifier struct {
	notified []string
	err      error
}

func (n *recordingNotifier) Notify(ctx context.Context, wf *Workflow) error {
	if n.err != nil {
		return n.err
	}
	n.notified = append(n.notified, wf.ID)
	return nil
}

type fixture struct {
	svc      Service
	traces   *store.MemoryStore
	notifier *recordingNotifier
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()

	evaluator, err := policy.NewEvaluator(policy.DefaultCatalog(), nil)
	require.NoError(t, err)
	gateway := enrichment.NewStaticGateway(nil)
	traces := store.NewMemoryStore()

	asm, err := assembler.NewService(nil, extraction.NewHeuristicEngine(nil), gateway, evaluator, traces, nil, nil)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	svc, err := NewService(cfg, gateway, evaluator, asm, notifier, nil)
	require.NoError(t, err)

	return &fixture{svc: svc, traces: traces, notifier: notifier}
}

func TestSubmit_CompliantRequestAutoApproves(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{
		Customer:        "HealthTech Inc",
		RequestedAction: "8%",
		RequestorEmail:  "james@company.com",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, wf.Status)
	require.NotEmpty(t, wf.DecisionID)
	assert.Empty(t, f.notifier.notified)

	stored, err := f.traces.Get(ctx, wf.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, trace.OutcomeApproved, stored.Decision.Outcome)
	assert.Equal(t, "8%", stored.Decision.FinalAction)
	assert.Equal(t, "workflow", stored.Source)
	assert.False(t, stored.ExceedsLimit())
}

func TestSubmit_ExceedingRequestParksEnriched(t *testing.T) {
	f := newFixture(t, nil)

	wf, err := f.svc.Submit(context.Background(), &SubmitRequest{
		Customer:        "MedTech Corp",
		RequestedAction: "18%",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusEnriched, wf.Status)
	assert.Empty(t, wf.DecisionID)
	require.NotNil(t, wf.Evaluation)
	assert.True(t, wf.Evaluation.RequiresApproval())
	assert.Equal(t, policy.TierVP, wf.Evaluation.RequiredApproval)

	require.NotNil(t, wf.Enrichment)
	assert.Equal(t, "MedTech Corp", wf.Enrichment.Customer)
	assert.False(t, wf.Enrichment.Defaulted)
}

func TestSubmit_UnknownCustomerGetsDefaultedEnrichment(t *testing.T) {
	f := newFixture(t, &Config{AutoApprove: false})

	wf, err := f.svc.Submit(context.Background(), &SubmitRequest{
		Customer:        "Obscure Ventures",
		RequestedAction: "8%",
	})
	require.NoError(t, err)

	require.NotNil(t, wf.Enrichment)
	assert.True(t, wf.Enrichment.Defaulted)
	assert.Equal(t, "Obscure Ventures", wf.Enrichment.Customer)
}

func TestSubmit_AutoApproveDisabled(t *testing.T) {
	f := newFixture(t, &Config{AutoApprove: false})

	wf, err := f.svc.Submit(context.Background(), &SubmitRequest{
		Customer:        "HealthTech Inc",
		RequestedAction: "8%",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusEnriched, wf.Status)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, &SubmitRequest{RequestedAction: "8%"})
	assert.Error(t, err)

	_, err = f.svc.Submit(ctx, &SubmitRequest{Customer: "MedTech Corp"})
	assert.Error(t, err)

	_, err = f.svc.Submit(ctx, &SubmitRequest{Customer: "MedTech Corp", RequestedAction: "lots"})
	assert.Error(t, err)
}

func TestNotify_RoutesToNotifier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Customer: "MedTech Corp", RequestedAction: "18%"})
	require.NoError(t, err)

	wf, err = f.svc.Notify(ctx, wf.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusAwaitingApproval, wf.Status)
	assert.Equal(t, []string{wf.ID}, f.notifier.notified)
}

func TestNotify_RejectsCompliantWorkflow(t *testing.T) {
	f := newFixture(t, &Config{AutoApprove: false})
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Customer: "HealthTech Inc", RequestedAction: "8%"})
	require.NoError(t, err)

	_, err = f.svc.Notify(ctx, wf.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNotify_NotifierFailureKeepsState(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.err = errors.New("bus unavailable")
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Customer: "MedTech Corp", RequestedAction: "18%"})
	require.NoError(t, err)

	_, err = f.svc.Notify(ctx, wf.ID)
	require.Error(t, err)

	got, err := f.svc.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnriched, got.Status)
}

func TestResolve_ApprovalMaterializesTrace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{
		Customer:        "MedTech Corp",
		RequestedAction: "18%",
		RequestorEmail:  "mike@company.com",
		Reason:          "renewal retention",
	})
	require.NoError(t, err)
	_, err = f.svc.Notify(ctx, wf.ID)
	require.NoError(t, err)

	wf, err = f.svc.Resolve(ctx, wf.ID, &ResolveRequest{
		Approve:            true,
		FinalAction:        "15%",
		DecisionMakerEmail: "sarah@company.com",
		Reasoning:          "support history justifies a partial exception",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, wf.Status)
	require.NotEmpty(t, wf.DecisionID)

	stored, err := f.traces.Get(ctx, wf.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, trace.OutcomeModified, stored.Decision.Outcome)
	assert.Equal(t, "15%", stored.Decision.FinalAction)
	assert.Equal(t, "sarah@company.com", stored.Decision.DecisionMakerEmail)
	assert.True(t, stored.ExceedsLimit())
	assert.Equal(t, "renewal retention", stored.Request.Reason)
}

func TestResolve_Rejection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Customer: "MedTech Corp", RequestedAction: "18%"})
	require.NoError(t, err)
	_, err = f.svc.Notify(ctx, wf.ID)
	require.NoError(t, err)

	wf, err = f.svc.Resolve(ctx, wf.ID, &ResolveRequest{Approve: false, Reasoning: "margin too thin"})
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, wf.Status)
	stored, err := f.traces.Get(ctx, wf.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, trace.OutcomeRejected, stored.Decision.Outcome)
	assert.Empty(t, stored.Decision.FinalAction)
}

func TestResolve_VerdictStableAfterMaterialization(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Customer: "MedTech Corp", RequestedAction: "18%"})
	require.NoError(t, err)
	_, err = f.svc.Notify(ctx, wf.ID)
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, wf.ID, &ResolveRequest{Approve: true, FinalAction: "15%"})
	require.NoError(t, err)

	// Polls after resolution keep seeing the verdict; the archived trace is
	// signalled by DecisionID, not a status change.
	for i := 0; i < 3; i++ {
		got, err := f.svc.Get(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusApproved, got.Status)
		assert.NotEmpty(t, got.DecisionID)
	}
}

func TestResolve_RequiresAwaitingApproval(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Customer: "MedTech Corp", RequestedAction: "18%"})
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, wf.ID, &ResolveRequest{Approve: true})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResolve_CannotResolveTwice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	wf, err := f.svc.Submit(ctx, &SubmitRequest{Customer: "MedTech Corp", RequestedAction: "18%"})
	require.NoError(t, err)
	_, err = f.svc.Notify(ctx, wf.ID)
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, wf.ID, &ResolveRequest{Approve: true})
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, wf.ID, &ResolveRequest{Approve: false})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Get(context.Background(), "wf_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_NewestFirst(t *testing.T) {
	f := newFixture(t, &Config{AutoApprove: false})
	ctx := context.Background()

	a, err := f.svc.Submit(ctx, &SubmitRequest{Customer: "MedTech Corp", RequestedAction: "18%"})
	require.NoError(t, err)
	b, err := f.svc.Submit(ctx, &SubmitRequest{Customer: "FinServe Co", RequestedAction: "12%"})
	require.NoError(t, err)

	got, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	ids := []string{got[0].ID, got[1].ID}
	assert.Contains(t, ids, a.ID)
	assert.Contains(t, ids, b.ID)
	assert.False(t, got[0].CreatedAt.Before(got[1].CreatedAt))
}

func TestService_Closed(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.Close())

	_, err := f.svc.Submit(context.Background(), &SubmitRequest{Customer: "X", RequestedAction: "5%"})
	assert.Error(t, err)
}
