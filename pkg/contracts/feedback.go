package contracts

import (
	"time"
)

// OutcomeType classifies what happened downstream of a decision.
type OutcomeType string

const (
	OutcomeConverted OutcomeType = "converted"
	OutcomeEngaged   OutcomeType = "engaged"
	OutcomeIgnored   OutcomeType = "ignored"
	OutcomeBounced   OutcomeType = "bounced"
	OutcomeError     OutcomeType = "error"
)

// KnownOutcomeTypes lists every recognized outcome type.
var KnownOutcomeTypes = []OutcomeType{
	OutcomeConverted, OutcomeEngaged, OutcomeIgnored, OutcomeBounced, OutcomeError,
}

// FeedbackRecord attaches an observed outcome to a decision. Append-only;
// one decision may accumulate many.
type FeedbackRecord struct {
	FeedbackID      string      `json:"feedback_id"`
	DecisionID      string      `json:"decision_id"`
	OutcomePositive *bool       `json:"outcome_positive"` // nil = not yet known
	OutcomeType     OutcomeType `json:"outcome_type"`
	OutcomeValue    float64     `json:"outcome_value"`
	Source          string      `json:"source,omitempty"`
	Notes           string      `json:"notes,omitempty"`
	FeedbackAt      time.Time   `json:"feedback_at"`
}

// PerformanceSummary is one aggregate row of the decision_performance view,
// grouped by tool, rule version, and day.
type PerformanceSummary struct {
	Tool            string  `json:"tool"`
	RuleVersion     string  `json:"rule_version"`
	Day             string  `json:"day"` // YYYY-MM-DD
	TotalDecisions  int64   `json:"total_decisions"`
	WithFeedback    int64   `json:"with_feedback"`
	SuccessRate     float64 `json:"success_rate"` // among fed-back decisions
	AvgConfidence   float64 `json:"avg_confidence"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
	AvgOutcomeValue float64 `json:"avg_outcome_value"`
}

// PerformanceAlert is an analyzer-emitted signal. Alerts are data consumed
// by humans or a rule-authoring tool; the core never rewrites rules.
type PerformanceAlert struct {
	AlertID     string    `json:"alert_id"`
	Tool        string    `json:"tool"`
	RuleVersion string    `json:"rule_version"`
	Kind        string    `json:"kind"` // low_success_rate | low_confidence | unfedback_backlog | match_rate_drift
	Message     string    `json:"message"`
	Observed    float64   `json:"observed"`
	Threshold   float64   `json:"threshold"`
	WindowFrom  time.Time `json:"window_from"`
	WindowTo    time.Time `json:"window_to"`
	EmittedAt   time.Time `json:"emitted_at"`
}
