package assistant

import (
	"sort"

	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

// ApproverStat counts decisions per decision maker.
type ApproverStat struct {
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Decisions int    `json:"decisions"`
	Approvals int    `json:"approvals"`
}

// PatternReport summarizes decision-making behavior across a set of traces.
type PatternReport struct {
	TotalDecisions int     `json:"total_decisions"`
	Approved       int     `json:"approved"`
	Rejected       int     `json:"rejected"`
	Modified       int     `json:"modified"`
	Pending        int     `json:"pending"`
	ApprovalRate   float64 `json:"approval_rate"` // approved+modified over decided

	ExceptionCounts map[string]int `json:"exception_counts"`
	ExceptionRate   float64        `json:"exception_rate"` // traces with exceptions over total

	TopApprovers []ApproverStat `json:"top_approvers"`
}

// Analyze computes the pattern report for the given traces. Approval rate
// counts modified outcomes as approvals since something was granted.
func Analyze(traces []*trace.DecisionTrace) *PatternReport {
	report := &PatternReport{
		ExceptionCounts: make(map[string]int),
	}
	approvers := make(map[string]*ApproverStat)
	withExceptions := 0

	for _, t := range traces {
		report.TotalDecisions++

		outcome := trace.OutcomePending
		if t.Decision != nil {
			outcome = t.Decision.Outcome
		}
		switch outcome {
		case trace.OutcomeApproved:
			report.Approved++
		case trace.OutcomeRejected:
			report.Rejected++
		case trace.OutcomeModified:
			report.Modified++
		default:
			report.Pending++
		}

		hasPolicyException := false
		for _, ex := range t.Exceptions {
			report.ExceptionCounts[ex.ExceptionType]++
			if ex.ExceptionType == trace.ExceptionExceedsStandardLimit || ex.ExceptionType == trace.ExceptionExceedsAllTiers {
				hasPolicyException = true
			}
		}
		if hasPolicyException {
			withExceptions++
		}

		if t.Decision != nil && t.Decision.DecisionMakerEmail != "" {
			st, ok := approvers[t.Decision.DecisionMakerEmail]
			if !ok {
				st = &ApproverStat{
					Email: t.Decision.DecisionMakerEmail,
					Name:  t.Decision.DecisionMakerName,
				}
				approvers[t.Decision.DecisionMakerEmail] = st
			}
			st.Decisions++
			if outcome == trace.OutcomeApproved || outcome == trace.OutcomeModified {
				st.Approvals++
			}
		}
	}

	decided := report.Approved + report.Rejected + report.Modified
	if decided > 0 {
		report.ApprovalRate = float64(report.Approved+report.Modified) / float64(decided)
	}
	if report.TotalDecisions > 0 {
		report.ExceptionRate = float64(withExceptions) / float64(report.TotalDecisions)
	}

	for _, st := range approvers {
		report.TopApprovers = append(report.TopApprovers, *st)
	}
	sort.Slice(report.TopApprovers, func(i, j int) bool {
		if report.TopApprovers[i].Decisions != report.TopApprovers[j].Decisions {
			return report.TopApprovers[i].Decisions > report.TopApprovers[j].Decisions
		}
		return report.TopApprovers[i].Email < report.TopApprovers[j].Email
	})

	return report
}
