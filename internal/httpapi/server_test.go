package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/assembler"
	"github.com/fyrsmithlabs/decisiond/internal/assistant"
	"github.com/fyrsmithlabs/decisiond/internal/enrichment"
	"github.com/fyrsmithlabs/decisiond/internal/extraction"
	"github.com/fyrsmithlabs/decisiond/internal/policy"
	"github.com/fyrsmithlabs/decisiond/internal/store"
	"github.com/fyrsmithlabs/decisiond/internal/trace"
	"github.com/fyrsmithlabs/decisiond/internal/workflow"
)

const approvalThread = `From: Mike Jones <mike@company.com>
Subject: Discount for MedTech Corp

MedTech Corp is asking for an 18% discount on their renewal.
They are threatening to churn.

From: Sarah Chen <sarah@company.com>

18% is too steep. I can do 15% instead - approved at that level.
`

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	catalog := policy.DefaultCatalog()
	evaluator, err := policy.NewEvaluator(catalog, nil)
	require.NoError(t, err)
	gateway := enrichment.NewStaticGateway(nil)
	traces := store.NewMemoryStore()

	asm, err := assembler.NewService(nil, extraction.NewHeuristicEngine(nil), gateway, evaluator, traces, nil, nil)
	require.NoError(t, err)

	wf, err := workflow.NewService(nil, gateway, evaluator, asm, nil, nil)
	require.NoError(t, err)

	assist, err := assistant.NewService(traces, nil, nil)
	require.NoError(t, err)

	server, err := NewServer(nil, asm, wf, assist, traces, catalog, zap.NewNop())
	require.NoError(t, err)
	return server
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("creates server with defaults", func(t *testing.T) {
		server := setupTestServer(t)
		assert.NotNil(t, server.echo)
		assert.Equal(t, ":8080", server.config.Addr)
	})

	t.Run("requires services", func(t *testing.T) {
		_, err := NewServer(nil, nil, nil, nil, nil, nil, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Store)
	assert.Equal(t, 0, resp.Decisions)
}

func TestHandleHealth_DegradedWhenStoreClosed(t *testing.T) {
	server := setupTestServer(t)
	require.NoError(t, server.traces.Close())

	rec := doJSON(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
}

func TestHandleMetrics(t *testing.T) {
	server := setupTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandleIngest(t *testing.T) {
	t.Run("assembles trace from email thread", func(t *testing.T) {
		server := setupTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/decisions", assembler.IngestRequest{
			EmailThread: approvalThread,
			Customer:    "MedTech Corp",
			Source:      "email",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var tr trace.DecisionTrace
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
		assert.Regexp(t, `^dec_[0-9a-f]{12}$`, tr.DecisionID)
		assert.Equal(t, "MedTech Corp", tr.Request.Customer)
		require.NotNil(t, tr.Decision)
		assert.Equal(t, trace.OutcomeModified, tr.Decision.Outcome)
		assert.Equal(t, "15%", tr.Decision.FinalAction)
		require.NotNil(t, tr.Policy)
		assert.True(t, tr.Policy.ExceedsLimit)
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		server := setupTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/decisions", assembler.IngestRequest{Customer: "MedTech Corp"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doJSON(t, server, http.MethodPost, "/api/v1/decisions", assembler.IngestRequest{EmailThread: approvalThread})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps extraction failure to bad request", func(t *testing.T) {
		server := setupTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/decisions", assembler.IngestRequest{
			EmailThread: "From: mike@company.com\n\nNo numbers in here.",
			Customer:    "MedTech Corp",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps unknown superseded trace to unprocessable", func(t *testing.T) {
		server := setupTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/decisions", assembler.IngestRequest{
			EmailThread: approvalThread,
			Customer:    "MedTech Corp",
			Supersedes:  "dec_000000000000",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestHandleGetDecision(t *testing.T) {
	server := setupTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/decisions", assembler.IngestRequest{
		EmailThread: approvalThread,
		Customer:    "MedTech Corp",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created trace.DecisionTrace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, server, http.MethodGet, "/api/v1/decisions/"+created.DecisionID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var fetched trace.DecisionTrace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, created.DecisionID, fetched.DecisionID)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/decisions/dec_ffffffffffff", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListDecisions(t *testing.T) {
	server := setupTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/decisions", assembler.IngestRequest{
		EmailThread: approvalThread,
		Customer:    "MedTech Corp",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("lists all", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/api/v1/decisions", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ListDecisionsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("filters by customer", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/api/v1/decisions?customer=medtech+corp", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ListDecisionsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)

		rec = doJSON(t, server, http.MethodGet, "/api/v1/decisions?customer=Globex", nil)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 0, resp.Count)
	})

	t.Run("filters by outcome and exceeds_only", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/api/v1/decisions?outcome=modified&exceeds_only=true", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ListDecisionsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("rejects bad query params", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/api/v1/decisions?outcome=vetoed", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doJSON(t, server, http.MethodGet, "/api/v1/decisions?since=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doJSON(t, server, http.MethodGet, "/api/v1/decisions?limit=-1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleExplainDecision(t *testing.T) {
	server := setupTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/decisions", assembler.IngestRequest{
		EmailThread: approvalThread,
		Customer:    "MedTech Corp",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created trace.DecisionTrace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, server, http.MethodGet, fmt.Sprintf("/api/v1/decisions/%s/explain", created.DecisionID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ExplainResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, created.DecisionID, resp.DecisionID)
	assert.Contains(t, resp.Explanation, "MedTech Corp")

	rec = doJSON(t, server, http.MethodGet, "/api/v1/decisions/dec_ffffffffffff/explain", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePatterns(t *testing.T) {
	server := setupTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/decisions", assembler.IngestRequest{
		EmailThread: approvalThread,
		Customer:    "MedTech Corp",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/decisions/patterns", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var report assistant.PatternReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.TotalDecisions)
	assert.Equal(t, 1, report.Modified)
}

func TestHandlePolicies(t *testing.T) {
	server := setupTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/api/v1/policies", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ListPoliciesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Versions, 2)
	assert.Equal(t, "v3.1", resp.Versions[0].ID)
	assert.Equal(t, "v3.2", resp.Versions[1].ID)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/policies/current", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var current policy.Version
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &current))
	assert.Equal(t, "v3.2", current.ID)
	assert.Equal(t, 25.0, current.Limits[policy.TierVP])
}

func TestHandleQuery(t *testing.T) {
	server := setupTestServer(t)

	t.Run("answers against empty store", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/api/v1/query", QueryRequest{Question: "what is our approval rate?"})
		assert.Equal(t, http.StatusOK, rec.Code)

		var ans assistant.Answer
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ans))
		assert.True(t, ans.Degraded)
	})

	t.Run("answers with data", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/api/v1/decisions", assembler.IngestRequest{
			EmailThread: approvalThread,
			Customer:    "MedTech Corp",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = doJSON(t, server, http.MethodPost, "/api/v1/query", QueryRequest{Question: "what is our approval rate?"})
		assert.Equal(t, http.StatusOK, rec.Code)

		var ans assistant.Answer
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ans))
		assert.Equal(t, assistant.IntentApprovalRate, ans.Intent)
		assert.False(t, ans.Degraded)
	})

	t.Run("requires question", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/api/v1/query", QueryRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestWorkflowEndpoints(t *testing.T) {
	t.Run("compliant request auto-approves", func(t *testing.T) {
		server := setupTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/workflows", workflow.SubmitRequest{
			Customer:        "HealthTech Inc",
			RequestedAction: "8%",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var wf workflow.Workflow
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
		assert.Equal(t, workflow.StatusApproved, wf.Status)
		assert.NotEmpty(t, wf.DecisionID)
	})

	t.Run("exceeding request walks notify and resolve", func(t *testing.T) {
		server := setupTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/workflows", workflow.SubmitRequest{
			Customer:        "MedTech Corp",
			RequestedAction: "18%",
			RequestorEmail:  "mike@company.com",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var wf workflow.Workflow
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
		assert.Equal(t, workflow.StatusEnriched, wf.Status)

		rec = doJSON(t, server, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%s/notify", wf.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
		assert.Equal(t, workflow.StatusAwaitingApproval, wf.Status)

		rec = doJSON(t, server, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%s/resolve", wf.ID), workflow.ResolveRequest{
			Approve:            true,
			FinalAction:        "15%",
			DecisionMakerEmail: "sarah@company.com",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
		assert.Equal(t, workflow.StatusApproved, wf.Status)
		assert.NotEmpty(t, wf.DecisionID)

		rec = doJSON(t, server, http.MethodGet, fmt.Sprintf("/api/v1/workflows/%s", wf.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
		assert.Equal(t, workflow.StatusApproved, wf.Status)
		require.NotNil(t, wf.Enrichment)

		rec = doJSON(t, server, http.MethodGet, "/api/v1/decisions/"+wf.DecisionID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("resolving twice conflicts", func(t *testing.T) {
		server := setupTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/workflows", workflow.SubmitRequest{
			Customer:        "MedTech Corp",
			RequestedAction: "18%",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var wf workflow.Workflow
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))

		rec = doJSON(t, server, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%s/notify", wf.ID), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doJSON(t, server, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%s/resolve", wf.ID), workflow.ResolveRequest{Approve: false})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doJSON(t, server, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%s/resolve", wf.ID), workflow.ResolveRequest{Approve: true})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown workflow is not found", func(t *testing.T) {
		server := setupTestServer(t)

		rec := doJSON(t, server, http.MethodGet, "/api/v1/workflows/wf_missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("lists workflows", func(t *testing.T) {
		server := setupTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/workflows", workflow.SubmitRequest{
			Customer:        "MedTech Corp",
			RequestedAction: "18%",
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = doJSON(t, server, http.MethodGet, "/api/v1/workflows", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp ListWorkflowsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		server := setupTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/workflows", workflow.SubmitRequest{Customer: "MedTech Corp"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		server := setupTestServer(t)

		rec := doJSON(t, server, http.MethodGet, "/health", nil)
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		server := setupTestServer(t)
		server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		assert.NotPanics(t, func() {
			rec := doJSON(t, server, http.MethodGet, "/panic", nil)
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
		})
	})
}
