package policy

import (
	"fmt"

	"github.com/fyrsmithlabs/decisiond/internal/trace"
)

// DataQuality carries conditions detected upstream of policy evaluation that
// should surface as exception records on the trace.
type DataQuality struct {
	// EnrichmentDefaulted means the customer was unknown to the enrichment
	// sources and a zero-value bundle was substituted.
	EnrichmentDefaulted bool

	// MissingOutcome means the request has been pending longer than the
	// expected decision SLA.
	MissingOutcome bool
}

// DetectExceptions derives the exception set for one evaluation. It is a
// pure function: same inputs, same records.
//
// A result that exceeds the standard limit always yields exactly one
// exceeds_standard_limit record carrying the deviation. An action above every
// tier ceiling additionally yields exceeds_all_tiers.
func DetectExceptions(res EvaluationResult, quality DataQuality) []trace.ExceptionRecord {
	var records []trace.ExceptionRecord

	if res.ExceedsLimit {
		records = append(records, trace.ExceptionRecord{
			ExceptionType: trace.ExceptionExceedsStandardLimit,
			Description: fmt.Sprintf("Discount %s exceeds standard limit of %s",
				trace.FormatPercent(res.FinalAction), trace.FormatPercent(res.StandardLimit)),
			PolicyLimit: trace.FormatPercent(res.StandardLimit),
			ActualValue: trace.FormatPercent(res.FinalAction),
			Deviation:   trace.FormatPercent(res.Deviation),
			ApprovedBy:  string(res.RequiredApproval),
		})
	}

	if res.ExceedsAllTiers {
		records = append(records, trace.ExceptionRecord{
			ExceptionType: trace.ExceptionExceedsAllTiers,
			Description: fmt.Sprintf("Discount %s exceeds every approval tier in policy %s",
				trace.FormatPercent(res.FinalAction), res.PolicyVersionID),
			PolicyLimit: trace.FormatPercent(res.StandardLimit),
			ActualValue: trace.FormatPercent(res.FinalAction),
			ApprovedBy:  string(TierEnterprise),
		})
	}

	if quality.EnrichmentDefaulted {
		records = append(records, trace.ExceptionRecord{
			ExceptionType: trace.ExceptionEnrichmentDefaulted,
			Description:   "Customer was not found in enrichment sources; evidence uses zero-value defaults",
			PolicyLimit:   trace.FormatPercent(res.StandardLimit),
			ActualValue:   trace.FormatPercent(res.FinalAction),
		})
	}

	if quality.MissingOutcome {
		records = append(records, trace.ExceptionRecord{
			ExceptionType: trace.ExceptionMissingOutcome,
			Description:   "Request has no recorded outcome beyond the expected decision window",
			PolicyLimit:   trace.FormatPercent(res.StandardLimit),
			ActualValue:   trace.FormatPercent(res.FinalAction),
		})
	}

	return records
}
