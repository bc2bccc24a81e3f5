package assistant

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

// Explain renders a plain-language account of one decision trace: what was
// asked, what was decided, the evidence and policy context, and any
// exceptions. The output is assembled from the trace alone, so explanations
// stay consistent with what was actually recorded.
func Explain(t *trace.DecisionTrace) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Decision %s (%s) for %s.\n",
		t.DecisionID, t.DecisionType, t.Request.Customer)

	fmt.Fprintf(&b, "Requested: %s", t.Request.RequestedAction)
	if t.Request.RequestorName != "" {
		fmt.Fprintf(&b, " by %s", t.Request.RequestorName)
	} else if t.Request.RequestorEmail != "" {
		fmt.Fprintf(&b, " by %s", t.Request.RequestorEmail)
	}
	if t.Request.Reason != "" {
		fmt.Fprintf(&b, " because %s", strings.TrimSuffix(t.Request.Reason, "."))
	}
	b.WriteString(".\n")

	if t.Decision == nil {
		b.WriteString("Outcome: still pending, no decision has been recorded.\n")
	} else {
		fmt.Fprintf(&b, "Outcome: %s", t.Decision.Outcome)
		if t.Decision.FinalAction != "" && t.Decision.FinalAction != t.Request.RequestedAction {
			fmt.Fprintf(&b, " at %s instead of the requested %s", t.Decision.FinalAction, t.Request.RequestedAction)
		} else if t.Decision.FinalAction != "" {
			fmt.Fprintf(&b, " at %s", t.Decision.FinalAction)
		}
		maker := t.Decision.DecisionMakerName
		if maker == "" {
			maker = t.Decision.DecisionMakerEmail
		}
		if maker != "" {
			fmt.Fprintf(&b, ", decided by %s", maker)
		}
		b.WriteString(".\n")
		if t.Decision.Reasoning != "" {
			fmt.Fprintf(&b, "Reasoning: %s\n", t.Decision.Reasoning)
		}
	}

	if t.Policy != nil {
		fmt.Fprintf(&b, "Policy %s was in effect: standard limit %s.",
			t.Policy.Version, trace.FormatPercent(t.Policy.StandardLimit))
		if t.Policy.ExceedsLimit {
			fmt.Fprintf(&b, " The decision exceeded it by %s and required %s approval.",
				trace.FormatPercent(t.Policy.Deviation), t.Policy.RequiredApproval)
		} else {
			b.WriteString(" The decision was within the limit.")
		}
		b.WriteString("\n")
	}

	if len(t.Evidence) > 0 && t.Evidence[0].Source != trace.SourceDefaulted {
		b.WriteString("Evidence at decision time:")
		for _, ev := range t.Evidence {
			fmt.Fprintf(&b, " %s=%v (%s);", ev.Field, ev.Value, ev.Source)
		}
		b.WriteString("\n")
	} else if len(t.Evidence) > 0 {
		b.WriteString("Caution: the customer was not found in enrichment sources, evidence was defaulted.\n")
	}

	for _, ex := range t.Exceptions {
		fmt.Fprintf(&b, "Exception (%s): %s\n", ex.ExceptionType, ex.Description)
	}

	if len(t.Precedents) > 0 {
		b.WriteString("Comparable past decisions:")
		for _, p := range t.Precedents {
			fmt.Fprintf(&b, " %s (%s, %s);", p.DecisionID, p.Outcome, p.WhySimilar)
		}
		b.WriteString("\n")
	}

	if t.Supersedes != "" {
		fmt.Fprintf(&b, "This decision supersedes %s.\n", t.Supersedes)
	}

	return b.String()
}
