package policy

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// EvaluationResult is the outcome of evaluating one action value against the
// policy version in effect at the decision timestamp.
type EvaluationResult struct {
	PolicyVersionID  string  `json:"policy_version_id"`
	FinalAction      float64 `json:"final_action"`
	StandardLimit    float64 `json:"standard_limit"`
	ExceedsLimit     bool    `json:"exceeds_limit"`
	Deviation        float64 `json:"deviation,omitempty"` // final - standard, set only when exceeding
	RequiredApproval Tier    `json:"required_approval_level"`
	ExceedsAllTiers  bool    `json:"exceeds_all_tiers,omitempty"`

	EffectiveFrom time.Time  `json:"-"`
	EffectiveTo   *time.Time `json:"-"`
}

// RequiresApproval reports whether a human approver is needed, i.e. the
// action is above what the standard tier can self-serve.
func (r EvaluationResult) RequiresApproval() bool {
	return r.RequiredApproval != TierStandard
}

// Evaluator selects policy versions and computes limits and deviations.
type Evaluator struct {
	catalog *Catalog
	logger  *zap.Logger
}

// NewEvaluator creates an evaluator over the given catalog.
func NewEvaluator(catalog *Catalog, logger *zap.Logger) (*Evaluator, error) {
	if catalog == nil {
		return nil, fmt.Errorf("policy catalog is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{catalog: catalog, logger: logger}, nil
}

// Evaluate computes the evaluation result for a percentage action decided at
// ts. Returns ErrNoApplicablePolicy when no version is effective at ts.
func (e *Evaluator) Evaluate(action float64, ts time.Time) (EvaluationResult, error) {
	version, err := e.catalog.VersionAt(ts)
	if err != nil {
		return EvaluationResult{}, err
	}

	res := EvaluationResult{
		PolicyVersionID: version.ID,
		FinalAction:     action,
		StandardLimit:   version.StandardLimit(),
		EffectiveFrom:   version.EffectiveFrom,
		EffectiveTo:     version.EffectiveTo,
	}

	if action > res.StandardLimit {
		res.ExceedsLimit = true
		res.Deviation = action - res.StandardLimit
	}

	// Walk tiers in ascending ceiling order and pick the smallest tier whose
	// ceiling covers the action. Above every ceiling, the decision needs an
	// enterprise-special exception.
	tiers := version.TiersByCeiling()
	res.RequiredApproval = TierEnterprise
	res.ExceedsAllTiers = true
	for _, tier := range tiers {
		if action <= version.Limits[tier] {
			res.RequiredApproval = tier
			res.ExceedsAllTiers = false
			break
		}
	}

	e.logger.Debug("evaluated policy",
		zap.String("version", version.ID),
		zap.Float64("action", action),
		zap.Float64("standard_limit", res.StandardLimit),
		zap.Bool("exceeds_limit", res.ExceedsLimit),
		zap.String("required_approval", string(res.RequiredApproval)),
	)

	return res, nil
}
