package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/assembler"
	"github.com/fyrsmithlabs/decisiond/internal/assistant"
	"github.com/fyrsmithlabs/decisiond/internal/config"
	"github.com/fyrsmithlabs/decisiond/internal/enrichment"
	"github.com/fyrsmithlabs/decisiond/internal/extraction"
	"github.com/fyrsmithlabs/decisiond/internal/httpapi"
	"github.com/fyrsmithlabs/decisiond/internal/logging"
	"github.com/fyrsmithlabs/decisiond/internal/policy"
	"github.com/fyrsmithlabs/decisiond/internal/precedent"
	"github.com/fyrsmithlabs/decisiond/internal/store"
	"github.com/fyrsmithlabs/decisiond/internal/telemetry"
	"github.com/fyrsmithlabs/decisiond/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the decisiond daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("starting decisiond",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("extraction_provider", cfg.Extraction.Provider),
	)

	tel, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	deps, err := buildServices(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	server, err := httpapi.NewServer(&httpapi.Config{Addr: cfg.Server.Addr}, deps.asm, deps.workflows, deps.assist, deps.traces, deps.catalog, logger)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
	}

	logger.Info("decisiond stopped")
	return nil
}

// services holds the wired service graph and everything it owns.
type services struct {
	traces    store.TraceStore
	index     *precedent.Index
	catalog   *policy.Catalog
	gateway   enrichment.Gateway
	asm       assembler.Service
	workflows workflow.Service
	assist    assistant.Service
	natsConn  *nats.Conn
	logger    *zap.Logger
}

// buildServices wires the full pipeline from configuration: store, precedent
// index, extraction engine, policy evaluator, assembler, workflow, assistant.
func buildServices(cfg *config.Config, logger *zap.Logger) (*services, error) {
	var (
		traces store.TraceStore
		err    error
	)
	switch cfg.Store.Driver {
	case "memory":
		traces = store.NewMemoryStore()
	default:
		traces, err = store.NewSQLiteStore(cfg.Store.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening trace store: %w", err)
		}
	}

	index, err := precedent.NewIndex(cfg.Precedent, logger)
	if err != nil {
		traces.Close()
		return nil, fmt.Errorf("opening precedent index: %w", err)
	}

	engine, err := extraction.NewEngine(cfg.Extraction, logger)
	if err != nil {
		traces.Close()
		return nil, fmt.Errorf("creating extraction engine: %w", err)
	}

	catalog := policy.DefaultCatalog()
	evaluator, err := policy.NewEvaluator(catalog, logger)
	if err != nil {
		traces.Close()
		return nil, fmt.Errorf("creating policy evaluator: %w", err)
	}

	gateway := enrichment.NewRetryingGateway(enrichment.NewStaticGateway(logger), enrichment.DefaultRetryConfig(), logger)

	asm, err := assembler.NewService(&assembler.Config{
		PendingSLA: cfg.Assembler.PendingSLA,
		PrecedentK: cfg.Assembler.PrecedentK,
	}, engine, gateway, evaluator, traces, index, logger)
	if err != nil {
		traces.Close()
		return nil, fmt.Errorf("creating assembler: %w", err)
	}

	var (
		notifier workflow.Notifier
		natsConn *nats.Conn
	)
	if cfg.Workflow.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.Workflow.NATSURL)
		if err != nil {
			traces.Close()
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		notifier, err = workflow.NewNATSNotifier(natsConn, cfg.Workflow.Subject, logger)
		if err != nil {
			natsConn.Close()
			traces.Close()
			return nil, fmt.Errorf("creating nats notifier: %w", err)
		}
		logger.Info("approval notifications via nats",
			zap.String("url", cfg.Workflow.NATSURL),
			zap.String("subject", cfg.Workflow.Subject),
		)
	} else {
		notifier = workflow.NewLogNotifier(logger)
	}

	workflows, err := workflow.NewService(&workflow.Config{AutoApprove: cfg.Workflow.AutoApprove}, gateway, evaluator, asm, notifier, logger)
	if err != nil {
		traces.Close()
		return nil, fmt.Errorf("creating workflow service: %w", err)
	}

	model, err := extraction.NewModel(cfg.Extraction)
	if err != nil {
		traces.Close()
		return nil, fmt.Errorf("creating assistant model: %w", err)
	}
	assist, err := assistant.NewService(traces, model, logger)
	if err != nil {
		traces.Close()
		return nil, fmt.Errorf("creating assistant: %w", err)
	}

	return &services{
		traces:    traces,
		index:     index,
		catalog:   catalog,
		gateway:   gateway,
		asm:       asm,
		workflows: workflows,
		assist:    assist,
		natsConn:  natsConn,
		logger:    logger,
	}, nil
}

// Close shuts down services in dependency order.
func (s *services) Close() {
	if err := s.assist.Close(); err != nil {
		s.logger.Warn("closing assistant", zap.Error(err))
	}
	if err := s.workflows.Close(); err != nil {
		s.logger.Warn("closing workflow service", zap.Error(err))
	}
	if err := s.asm.Close(); err != nil {
		s.logger.Warn("closing assembler", zap.Error(err))
	}
	if s.natsConn != nil {
		s.natsConn.Close()
	}
	if err := s.traces.Close(); err != nil {
		s.logger.Warn("closing trace store", zap.Error(err))
	}
}
