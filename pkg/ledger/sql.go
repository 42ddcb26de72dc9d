package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/signalline/qscore/pkg/canonicalize"
	"github.com/signalline/qscore/pkg/contracts"
)

// SQLLedger implements Ledger over database/sql. It uses $N placeholders
// and portable DDL so the same statements run on sqlite (modernc driver)
// and postgres (lib/pq). Full records are stored as canonical JSON next to
// the indexed columns, so reads reproduce appends byte for byte.
type SQLLedger struct {
	db *sql.DB
}

// NewSQLLedger wraps an open connection pool. Call Init before first use.
func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	decision_id TEXT PRIMARY KEY,
	tool TEXT NOT NULL,
	rule_version TEXT NOT NULL,
	tenant_id TEXT,
	caller TEXT,
	confidence REAL NOT NULL,
	latency_ms REAL NOT NULL,
	shadow_match INTEGER,
	decided_at TIMESTAMP NOT NULL,
	day TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_tool_day ON decisions (tool, day);
CREATE INDEX IF NOT EXISTS idx_decisions_tool_version ON decisions (tool, rule_version);

CREATE TABLE IF NOT EXISTS feedback (
	feedback_id TEXT PRIMARY KEY,
	decision_id TEXT NOT NULL,
	outcome_positive INTEGER,
	outcome_type TEXT NOT NULL,
	outcome_value REAL NOT NULL,
	feedback_at TIMESTAMP NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_decision ON feedback (decision_id);

CREATE TABLE IF NOT EXISTS ab_assignments (
	experiment_id TEXT NOT NULL,
	subject_key TEXT NOT NULL,
	variant TEXT NOT NULL,
	tool TEXT NOT NULL,
	control_version TEXT NOT NULL,
	treatment_version TEXT NOT NULL,
	assigned_at TIMESTAMP NOT NULL,
	PRIMARY KEY (experiment_id, subject_key)
);

CREATE TABLE IF NOT EXISTS performance_alerts (
	alert_id TEXT PRIMARY KEY,
	tool TEXT NOT NULL,
	rule_version TEXT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	observed REAL NOT NULL,
	threshold REAL NOT NULL,
	window_from TIMESTAMP NOT NULL,
	window_to TIMESTAMP NOT NULL,
	emitted_at TIMESTAMP NOT NULL
);
`

// Init creates the schema. Evolution is additive only; existing tables are
// never altered or dropped here.
func (s *SQLLedger) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	return err
}

// AppendDecision inserts a record, ignoring replays of the same
// decision_id.
func (s *SQLLedger) AppendDecision(ctx context.Context, rec contracts.DecisionRecord) error {
	payload, err := canonicalize.Canonical(rec)
	if err != nil {
		return fmt.Errorf("ledger: canonicalize decision %s: %w", rec.DecisionID, err)
	}

	var shadowMatch sql.NullInt64
	if rec.Shadow != nil {
		shadowMatch.Valid = true
		if rec.Shadow.Match {
			shadowMatch.Int64 = 1
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions
			(decision_id, tool, rule_version, tenant_id, caller, confidence, latency_ms, shadow_match, decided_at, day, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (decision_id) DO NOTHING`,
		rec.DecisionID, rec.Tool, rec.RuleVersion, rec.TenantID, rec.Caller,
		rec.Confidence, rec.LatencyMS, shadowMatch, rec.DecidedAt.UTC(), day(rec.DecidedAt), string(payload),
	)
	return err
}

// AppendFeedback validates the outcome type and the referenced decision,
// then appends.
func (s *SQLLedger) AppendFeedback(ctx context.Context, fb contracts.FeedbackRecord) error {
	if !knownOutcome(fb.OutcomeType) {
		return fmt.Errorf("ledger: %q: %w", fb.OutcomeType, ErrUnknownOutcome)
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM decisions WHERE decision_id = $1`, fb.DecisionID,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("ledger: %s: %w", fb.DecisionID, ErrUnknownDecision)
	}

	payload, err := canonicalize.Canonical(fb)
	if err != nil {
		return fmt.Errorf("ledger: canonicalize feedback %s: %w", fb.FeedbackID, err)
	}

	var positive sql.NullInt64
	if fb.OutcomePositive != nil {
		positive.Valid = true
		if *fb.OutcomePositive {
			positive.Int64 = 1
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feedback
			(feedback_id, decision_id, outcome_positive, outcome_type, outcome_value, feedback_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (feedback_id) DO NOTHING`,
		fb.FeedbackID, fb.DecisionID, positive, string(fb.OutcomeType),
		fb.OutcomeValue, fb.FeedbackAt.UTC(), string(payload),
	)
	return err
}

// GetDecision reads one record back from its stored payload.
func (s *SQLLedger) GetDecision(ctx context.Context, id string) (*contracts.DecisionRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM decisions WHERE decision_id = $1`, id,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ledger: %s: %w", id, ErrDecisionNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec contracts.DecisionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("ledger: decode decision %s: %w", id, err)
	}
	return &rec, nil
}

// FeedbackFor returns the feedback rows for one decision, oldest first.
func (s *SQLLedger) FeedbackFor(ctx context.Context, decisionID string) ([]contracts.FeedbackRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM feedback WHERE decision_id = $1 ORDER BY feedback_at`, decisionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []contracts.FeedbackRecord{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var fb contracts.FeedbackRecord
		if err := json.Unmarshal([]byte(payload), &fb); err != nil {
			return nil, fmt.Errorf("ledger: decode feedback: %w", err)
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}

// QueryDecisions returns matching records, newest first.
func (s *SQLLedger) QueryDecisions(ctx context.Context, f DecisionFilter) ([]contracts.DecisionRecord, error) {
	query := `SELECT payload FROM decisions WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Tool != "" {
		query += ` AND tool = ` + arg(f.Tool)
	}
	if f.RuleVersion != "" {
		query += ` AND rule_version = ` + arg(f.RuleVersion)
	}
	if f.Caller != "" {
		query += ` AND caller = ` + arg(f.Caller)
	}
	if !f.From.IsZero() {
		query += ` AND decided_at >= ` + arg(f.From.UTC())
	}
	if !f.To.IsZero() {
		query += ` AND decided_at < ` + arg(f.To.UTC())
	}
	query += ` ORDER BY decided_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.DecisionRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec contracts.DecisionRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("ledger: decode decision: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SummarizePerformance aggregates per (tool, rule_version, day). Feedback
// is collapsed per decision first so multiple feedback rows do not inflate
// decision counts.
func (s *SQLLedger) SummarizePerformance(ctx context.Context, tool string, from, to time.Time) ([]contracts.PerformanceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.tool, d.rule_version, d.day,
		       COUNT(*) AS total_decisions,
		       SUM(CASE WHEN fb.cnt > 0 THEN 1 ELSE 0 END) AS with_feedback,
		       SUM(CASE WHEN fb.positive = 1 THEN 1 ELSE 0 END) AS successes,
		       AVG(d.confidence) AS avg_confidence,
		       AVG(d.latency_ms) AS avg_latency_ms,
		       AVG(fb.avg_value) AS avg_outcome_value
		FROM decisions d
		LEFT JOIN (
			SELECT decision_id,
			       COUNT(*) AS cnt,
			       MAX(CASE WHEN outcome_positive = 1 THEN 1 ELSE 0 END) AS positive,
			       AVG(outcome_value) AS avg_value
			FROM feedback
			GROUP BY decision_id
		) fb ON fb.decision_id = d.decision_id
		WHERE d.tool = $1 AND d.decided_at >= $2 AND d.decided_at < $3
		GROUP BY d.tool, d.rule_version, d.day
		ORDER BY d.day, d.rule_version`,
		tool, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.PerformanceSummary
	for rows.Next() {
		var sum contracts.PerformanceSummary
		var successes int64
		var avgValue sql.NullFloat64
		if err := rows.Scan(&sum.Tool, &sum.RuleVersion, &sum.Day,
			&sum.TotalDecisions, &sum.WithFeedback, &successes,
			&sum.AvgConfidence, &sum.AvgLatencyMS, &avgValue); err != nil {
			return nil, err
		}
		if sum.WithFeedback > 0 {
			sum.SuccessRate = float64(successes) / float64(sum.WithFeedback)
		}
		sum.AvgOutcomeValue = avgValue.Float64
		out = append(out, sum)
	}
	return out, rows.Err()
}

// VersionOutcomes counts fed-back decisions and positives for one version.
func (s *SQLLedger) VersionOutcomes(ctx context.Context, tool, version string, from, to time.Time) (int64, int64, error) {
	var samples int64
	var positives sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(t.positive)
		FROM (
			SELECT d.decision_id,
			       MAX(CASE WHEN f.outcome_positive = 1 THEN 1 ELSE 0 END) AS positive
			FROM decisions d
			JOIN feedback f ON f.decision_id = d.decision_id
			WHERE d.tool = $1 AND d.rule_version = $2
			  AND d.decided_at >= $3 AND d.decided_at < $4
			GROUP BY d.decision_id
		) t`,
		tool, version, from.UTC(), to.UTC(),
	).Scan(&samples, &positives)
	if err != nil {
		return 0, 0, err
	}
	return samples, positives.Int64, nil
}

// OutcomeBreakdown tallies feedback rows by outcome type.
func (s *SQLLedger) OutcomeBreakdown(ctx context.Context, tool, version string, from, to time.Time) (map[contracts.OutcomeType]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.outcome_type, COUNT(*)
		FROM feedback f
		JOIN decisions d ON d.decision_id = f.decision_id
		WHERE d.tool = $1 AND d.rule_version = $2
		  AND d.decided_at >= $3 AND d.decided_at < $4
		GROUP BY f.outcome_type`,
		tool, version, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[contracts.OutcomeType]int64)
	for rows.Next() {
		var outcome string
		var count int64
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		out[contracts.OutcomeType(outcome)] = count
	}
	return out, rows.Err()
}

// CalibrationRows pairs predicted confidence with observed outcome, one
// row per fed-back decision.
func (s *SQLLedger) CalibrationRows(ctx context.Context, tool, version string, from, to time.Time) ([]CalibrationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.confidence,
		       MAX(CASE WHEN f.outcome_positive = 1 THEN 1 ELSE 0 END)
		FROM decisions d
		JOIN feedback f ON f.decision_id = d.decision_id
		WHERE d.tool = $1 AND d.rule_version = $2
		  AND f.outcome_positive IS NOT NULL
		  AND d.decided_at >= $3 AND d.decided_at < $4
		GROUP BY d.decision_id, d.confidence`,
		tool, version, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CalibrationRow
	for rows.Next() {
		var row CalibrationRow
		var positive int64
		if err := rows.Scan(&row.Confidence, &positive); err != nil {
			return nil, err
		}
		row.Positive = positive == 1
		out = append(out, row)
	}
	return out, rows.Err()
}

// UnfedbackCount counts decisions without any feedback yet.
func (s *SQLLedger) UnfedbackCount(ctx context.Context, tool string, from, to time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM decisions d
		LEFT JOIN feedback f ON f.decision_id = d.decision_id
		WHERE d.tool = $1 AND d.decided_at >= $2 AND d.decided_at < $3
		  AND f.feedback_id IS NULL`,
		tool, from.UTC(), to.UTC(),
	).Scan(&count)
	return count, err
}

// ShadowMatchRate reports secondary-comparison agreement inside the window.
func (s *SQLLedger) ShadowMatchRate(ctx context.Context, tool string, from, to time.Time) (int64, int64, error) {
	var matched sql.NullInt64
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(shadow_match), COUNT(shadow_match)
		FROM decisions
		WHERE tool = $1 AND decided_at >= $2 AND decided_at < $3`,
		tool, from.UTC(), to.UTC(),
	).Scan(&matched, &total)
	if err != nil {
		return 0, 0, err
	}
	return matched.Int64, total, nil
}

// AppendAlert stores one analyzer alert.
func (s *SQLLedger) AppendAlert(ctx context.Context, alert contracts.PerformanceAlert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO performance_alerts
			(alert_id, tool, rule_version, kind, message, observed, threshold, window_from, window_to, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (alert_id) DO NOTHING`,
		alert.AlertID, alert.Tool, alert.RuleVersion, alert.Kind, alert.Message,
		alert.Observed, alert.Threshold, alert.WindowFrom.UTC(), alert.WindowTo.UTC(), alert.EmittedAt.UTC(),
	)
	return err
}

// RecordAssignment persists first-write-wins per (experiment, subject).
func (s *SQLLedger) RecordAssignment(ctx context.Context, a contracts.ABAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ab_assignments
			(experiment_id, subject_key, variant, tool, control_version, treatment_version, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (experiment_id, subject_key) DO NOTHING`,
		a.ExperimentID, a.SubjectKey, string(a.Variant), a.Tool,
		a.ControlVersion, a.TreatmentVersion, a.AssignedAt.UTC(),
	)
	return err
}
