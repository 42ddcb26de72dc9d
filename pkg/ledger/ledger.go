// Package ledger is the append-only system of record for decisions and
// their feedback. Records never change after append; feedback attaches by
// decision id only. Two implementations exist: SQLLedger over database/sql
// (sqlite and postgres) and FileLedger over canonical JSONL.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/signalline/qscore/pkg/contracts"
)

var (
	// ErrDecisionNotFound is returned by lookups for unknown decision ids.
	ErrDecisionNotFound = errors.New("decision not found")
	// ErrUnknownDecision rejects feedback that references no decision.
	ErrUnknownDecision = errors.New("feedback references unknown decision")
	// ErrUnknownOutcome rejects feedback with an outcome type outside the
	// closed set.
	ErrUnknownOutcome = errors.New("unknown outcome type")
)

// DecisionFilter scopes QueryDecisions. Zero fields match everything;
// Limit <= 0 means no limit.
type DecisionFilter struct {
	Tool        string
	RuleVersion string
	Caller      string
	From        time.Time
	To          time.Time
	Limit       int
}

// CalibrationRow pairs a decision's predicted confidence with its observed
// outcome, for calibration tables.
type CalibrationRow struct {
	Confidence float64
	Positive   bool
}

// Ledger is the system of record. AppendDecision is idempotent on
// decision_id; AppendFeedback checks the referenced decision exists.
type Ledger interface {
	AppendDecision(ctx context.Context, rec contracts.DecisionRecord) error
	AppendFeedback(ctx context.Context, fb contracts.FeedbackRecord) error
	GetDecision(ctx context.Context, id string) (*contracts.DecisionRecord, error)
	QueryDecisions(ctx context.Context, f DecisionFilter) ([]contracts.DecisionRecord, error)

	// FeedbackFor returns the feedback rows attached to one decision in
	// append order; a decision without feedback yields an empty slice.
	FeedbackFor(ctx context.Context, decisionID string) ([]contracts.FeedbackRecord, error)

	// SummarizePerformance aggregates per (tool, rule_version, day) inside
	// the window.
	SummarizePerformance(ctx context.Context, tool string, from, to time.Time) ([]contracts.PerformanceSummary, error)

	// VersionOutcomes counts fed-back decisions and positives for one rule
	// version, for promotion-gate arms.
	VersionOutcomes(ctx context.Context, tool, version string, from, to time.Time) (samples, positives int64, err error)

	// OutcomeBreakdown tallies feedback rows by outcome type.
	OutcomeBreakdown(ctx context.Context, tool, version string, from, to time.Time) (map[contracts.OutcomeType]int64, error)

	// CalibrationRows returns one row per fed-back decision.
	CalibrationRows(ctx context.Context, tool, version string, from, to time.Time) ([]CalibrationRow, error)

	// UnfedbackCount counts decisions in the window with no feedback yet.
	UnfedbackCount(ctx context.Context, tool string, from, to time.Time) (int64, error)

	// ShadowMatchRate reports secondary-comparison agreement: matched out
	// of total decisions that carried a comparison.
	ShadowMatchRate(ctx context.Context, tool string, from, to time.Time) (matched, total int64, err error)

	AppendAlert(ctx context.Context, alert contracts.PerformanceAlert) error

	// RecordAssignment persists an A/B assignment, first-write-wins per
	// (experiment, subject).
	RecordAssignment(ctx context.Context, a contracts.ABAssignment) error
}

func knownOutcome(t contracts.OutcomeType) bool {
	for _, k := range contracts.KnownOutcomeTypes {
		if t == k {
			return true
		}
	}
	return false
}

// day buckets a timestamp for the summary grouping. Stored at append time
// so both SQL dialects group on a plain column.
func day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
