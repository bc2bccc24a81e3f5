// Package httpapi provides the HTTP API for decisiond.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/assembler"
	"github.com/fyrsmithlabs/decisiond/internal/assistant"
	"github.com/fyrsmithlabs/decisiond/internal/extraction"
	"github.com/fyrsmithlabs/decisiond/internal/policy"
	"github.com/fyrsmithlabs/decisiond/internal/store"
	"github.com/fyrsmithlabs/decisiond/internal/trace"
	"github.com/fyrsmithlabs/decisiond/internal/workflow"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr string
}

// Server provides HTTP endpoints for decisiond.
type Server struct {
	echo      *echo.Echo
	asm       assembler.Service
	workflows workflow.Service
	assist    assistant.Service
	traces    store.TraceStore
	catalog   *policy.Catalog
	logger    *zap.Logger
	config    *Config
}

// NewServer creates a new HTTP server over the decisiond services.
func NewServer(cfg *Config, asm assembler.Service, workflows workflow.Service, assist assistant.Service, traces store.TraceStore, catalog *policy.Catalog, logger *zap.Logger) (*Server, error) {
	if asm == nil {
		return nil, fmt.Errorf("assembler is required")
	}
	if workflows == nil {
		return nil, fmt.Errorf("workflow service is required")
	}
	if assist == nil {
		return nil, fmt.Errorf("assistant is required")
	}
	if traces == nil {
		return nil, fmt.Errorf("trace store is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("policy catalog is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Addr: ":8080"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		asm:       asm,
		workflows: workflows,
		assist:    assist,
		traces:    traces,
		catalog:   catalog,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/decisions", s.handleIngest)
	v1.GET("/decisions", s.handleListDecisions)
	v1.GET("/decisions/patterns", s.handlePatterns)
	v1.GET("/decisions/:id", s.handleGetDecision)
	v1.GET("/decisions/:id/explain", s.handleExplainDecision)
	v1.POST("/query", s.handleQuery)
	v1.GET("/policies", s.handleListPolicies)
	v1.GET("/policies/current", s.handleCurrentPolicy)
	v1.POST("/workflows", s.handleSubmitWorkflow)
	v1.GET("/workflows", s.handleListWorkflows)
	v1.GET("/workflows/:id", s.handleGetWorkflow)
	v1.POST("/workflows/:id/notify", s.handleNotifyWorkflow)
	v1.POST("/workflows/:id/resolve", s.handleResolveWorkflow)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Store     string `json:"store"`
	Decisions int    `json:"decisions"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Store: "ok"}

	count, err := s.traces.Count(c.Request().Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Store = "unavailable"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	resp.Decisions = count
	return c.JSON(http.StatusOK, resp)
}

// handleIngest runs the full assembly pipeline on an email thread.
func (s *Server) handleIngest(c echo.Context) error {
	var req assembler.IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Customer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "customer field is required")
	}
	if req.EmailThread == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email_thread field is required")
	}

	t, err := s.asm.Assemble(c.Request().Context(), &req)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

// ListDecisionsResponse is the response body for GET /api/v1/decisions.
type ListDecisionsResponse struct {
	Decisions []*trace.DecisionTrace `json:"decisions"`
	Count     int                    `json:"count"`
}

func (s *Server) handleListDecisions(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	traces, err := s.traces.List(c.Request().Context(), f)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, ListDecisionsResponse{Decisions: traces, Count: len(traces)})
}

// filterFromQuery builds a store filter from list query parameters.
func filterFromQuery(c echo.Context) (store.Filter, error) {
	f := store.Filter{
		Customer:     c.QueryParam("customer"),
		Outcome:      trace.Outcome(c.QueryParam("outcome")),
		DecisionType: trace.DecisionType(c.QueryParam("decision_type")),
	}
	if f.Outcome != "" && !trace.ValidOutcome(string(f.Outcome)) {
		return f, fmt.Errorf("unknown outcome %q", f.Outcome)
	}
	if v := c.QueryParam("exceeds_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("invalid exceeds_only %q", v)
		}
		f.ExceedsOnly = b
	}
	if v := c.QueryParam("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid since timestamp %q", v)
		}
		f.Since = &ts
	}
	if v := c.QueryParam("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid until timestamp %q", v)
		}
		f.Until = &ts
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleGetDecision(c echo.Context) error {
	t, err := s.traces.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// ExplainResponse is the response body for GET /api/v1/decisions/:id/explain.
type ExplainResponse struct {
	DecisionID  string `json:"decision_id"`
	Explanation string `json:"explanation"`
}

func (s *Server) handleExplainDecision(c echo.Context) error {
	t, err := s.traces.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, ExplainResponse{
		DecisionID:  t.DecisionID,
		Explanation: assistant.Explain(t),
	})
}

func (s *Server) handlePatterns(c echo.Context) error {
	report, err := s.assist.Patterns(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// QueryRequest is the request body for POST /api/v1/query.
type QueryRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleQuery(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question field is required")
	}

	ans, err := s.assist.Query(c.Request().Context(), req.Question)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, ans)
}

// ListPoliciesResponse is the response body for GET /api/v1/policies.
type ListPoliciesResponse struct {
	Versions []policy.Version `json:"versions"`
}

func (s *Server) handleListPolicies(c echo.Context) error {
	return c.JSON(http.StatusOK, ListPoliciesResponse{Versions: s.catalog.Versions()})
}

func (s *Server) handleCurrentPolicy(c echo.Context) error {
	v, err := s.catalog.Current()
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) handleSubmitWorkflow(c echo.Context) error {
	var req workflow.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Customer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "customer field is required")
	}
	if req.RequestedAction == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "requested_action field is required")
	}

	wf, err := s.workflows.Submit(c.Request().Context(), &req)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, wf)
}

// ListWorkflowsResponse is the response body for GET /api/v1/workflows.
type ListWorkflowsResponse struct {
	Workflows []*workflow.Workflow `json:"workflows"`
	Count     int                  `json:"count"`
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	wfs, err := s.workflows.List(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, ListWorkflowsResponse{Workflows: wfs, Count: len(wfs)})
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	wf, err := s.workflows.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleNotifyWorkflow(c echo.Context) error {
	wf, err := s.workflows.Notify(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handleResolveWorkflow(c echo.Context) error {
	var req workflow.ResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	wf, err := s.workflows.Resolve(c.Request().Context(), c.Param("id"), &req)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

// mapError converts service errors to HTTP status codes.
func (s *Server) mapError(err error) error {
	var extErr *extraction.Error
	switch {
	case errors.As(err, &extErr):
		return echo.NewHTTPError(http.StatusBadRequest, extErr.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, workflow.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateID), errors.Is(err, workflow.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, assembler.ErrSupersededNotFound):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	return s.echo.Start(s.config.Addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
