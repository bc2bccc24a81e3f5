package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/assembler"
	"github.com/fyrsmithlabs/decisiond/internal/config"
	"github.com/fyrsmithlabs/decisiond/internal/logging"
	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load demo decisions into the trace store",
	Long: `Seed materializes a set of historical decisions spanning both policy
versions, so the query assistant and precedent index have data to work with.

Seeding appends; running it twice records every decision twice.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSeed()
	},
}

// seedDecisions spans both policy versions: the 2025 decisions fall under
// v3.1, the 2026 ones under v3.2.
func seedDecisions() []*assembler.StructuredRequest {
	at := func(year int, month time.Month, day, hour int) *time.Time {
		t := time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
		return &t
	}

	return []*assembler.StructuredRequest{
		{
			Customer:           "TechStartup XYZ",
			RequestedAction:    "5%",
			FinalAction:        "5%",
			Outcome:            trace.OutcomeApproved,
			RequestorEmail:     "dana@company.com",
			RequestorName:      "Dana Liu",
			DecisionMakerEmail: "sarah@company.com",
			DecisionMakerName:  "Sarah Chen",
			RequestedAt:        at(2025, time.March, 10, 9),
			DecidedAt:          at(2025, time.March, 11, 14),
			Reason:             "first-year renewal incentive",
			Reasoning:          "within standard limit, low risk account",
			Source:             "seed",
		},
		{
			Customer:           "HealthTech Inc",
			RequestedAction:    "8%",
			FinalAction:        "8%",
			Outcome:            trace.OutcomeApproved,
			RequestorEmail:     "james@company.com",
			RequestorName:      "James Okafor",
			DecisionMakerEmail: "sarah@company.com",
			DecisionMakerName:  "Sarah Chen",
			RequestedAt:        at(2025, time.June, 10, 10),
			DecidedAt:          at(2025, time.June, 10, 16),
			Reason:             "multi-year commitment",
			Reasoning:          "within standard limit with three-year term",
			Source:             "seed",
		},
		{
			Customer:           "BioPharm LLC",
			RequestedAction:    "22%",
			FinalAction:        "20%",
			Outcome:            trace.OutcomeModified,
			RequestorEmail:     "mike@company.com",
			RequestorName:      "Mike Jones",
			DecisionMakerEmail: "priya@company.com",
			DecisionMakerName:  "Priya Sharma",
			RequestedAt:        at(2025, time.September, 3, 11),
			DecidedAt:          at(2025, time.September, 5, 9),
			Reason:             "competitive displacement pressure",
			Reasoning:          "22% is above every tier; 20% approved at VP level given account size",
			Source:             "seed",
		},
		{
			Customer:           "MedTech Corp",
			RequestedAction:    "18%",
			FinalAction:        "15%",
			Outcome:            trace.OutcomeModified,
			RequestorEmail:     "mike@company.com",
			RequestorName:      "Mike Jones",
			DecisionMakerEmail: "sarah@company.com",
			DecisionMakerName:  "Sarah Chen",
			RequestedAt:        at(2026, time.January, 30, 15),
			DecidedAt:          at(2026, time.January, 31, 16),
			Reason:             "renewal at risk, churn threat",
			Reasoning:          "18% too steep; 15% holds margin and keeps the account",
			Source:             "seed",
		},
		{
			Customer:           "FinServe Co",
			RequestedAction:    "12%",
			FinalAction:        "12%",
			Outcome:            trace.OutcomeApproved,
			RequestorEmail:     "dana@company.com",
			RequestorName:      "Dana Liu",
			DecisionMakerEmail: "sarah@company.com",
			DecisionMakerName:  "Sarah Chen",
			RequestedAt:        at(2026, time.February, 9, 13),
			DecidedAt:          at(2026, time.February, 10, 10),
			Reason:             "expansion into second business unit",
			Reasoning:          "2% over standard, manager sign-off recorded",
			Source:             "seed",
		},
		{
			Customer:           "FinServe Co",
			RequestedAction:    "25%",
			Outcome:            trace.OutcomeRejected,
			RequestorEmail:     "mike@company.com",
			RequestorName:      "Mike Jones",
			DecisionMakerEmail: "priya@company.com",
			DecisionMakerName:  "Priya Sharma",
			RequestedAt:        at(2026, time.February, 28, 9),
			DecidedAt:          at(2026, time.March, 1, 17),
			Reason:             "budget cuts on customer side",
			Reasoning:          "no contractual leverage to justify a VP-tier discount",
			Source:             "seed",
		},
		{
			Customer:        "TechStartup XYZ",
			RequestedAction: "12%",
			Outcome:         trace.OutcomePending,
			RequestorEmail:  "dana@company.com",
			RequestorName:   "Dana Liu",
			RequestedAt:     at(2026, time.March, 12, 8),
			Reason:          "series B funding round closing",
			Source:          "seed",
		},
	}
}

func runSeed() error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	deps, err := buildServices(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	for _, req := range seedDecisions() {
		t, err := deps.asm.Materialize(ctx, req)
		if err != nil {
			return fmt.Errorf("seeding %s %s: %w", req.Customer, req.RequestedAction, err)
		}
		logger.Info("seeded decision",
			zap.String("decision_id", t.DecisionID),
			zap.String("customer", t.Request.Customer),
			zap.String("policy_version", t.Policy.Version),
		)
	}

	count, err := deps.traces.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting traces: %w", err)
	}
	fmt.Printf("Seeded %d decisions; store now holds %d traces.\n", len(seedDecisions()), count)
	return nil
}
