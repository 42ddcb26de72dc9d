// Package feedback closes the loop: it reads the ledger back, measures how
// rule versions performed against observed outcomes, and emits alerts and
// draft rule deltas as data. It never writes or mutates rule documents.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/signalline/qscore/pkg/contracts"
	"github.com/signalline/qscore/pkg/ledger"
)

// Config sets the analyzer's window, thresholds, and loop cadence.
type Config struct {
	Window time.Duration

	// MinFeedback gates the success-rate and drift alerts: below this many
	// fed-back decisions the evidence is too thin to alert on.
	MinFeedback      int64
	MinSuccessRate   float64
	MinAvgConfidence float64
	MaxUnfedback     int64
	MinMatchRate     float64

	CalibrationBuckets int

	Interval time.Duration
	Jitter   time.Duration
}

func (c *Config) fill() {
	if c.Window <= 0 {
		c.Window = 7 * 24 * time.Hour
	}
	if c.MinFeedback <= 0 {
		c.MinFeedback = 20
	}
	if c.MinSuccessRate == 0 {
		c.MinSuccessRate = 0.3
	}
	if c.MinAvgConfidence == 0 {
		c.MinAvgConfidence = 0.5
	}
	if c.MaxUnfedback <= 0 {
		c.MaxUnfedback = 500
	}
	if c.MinMatchRate == 0 {
		c.MinMatchRate = 0.8
	}
	if c.CalibrationBuckets <= 0 {
		c.CalibrationBuckets = 5
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
}

// CalibrationBucket compares predicted confidence with observed success
// inside one confidence band.
type CalibrationBucket struct {
	Low          float64 `json:"low"`
	High         float64 `json:"high"`
	Count        int64   `json:"count"`
	PredictedAvg float64 `json:"predicted_avg"`
	ActualRate   float64 `json:"actual_rate"`
}

// RuleDelta is a draft suggestion derived from outcomes. It is data for a
// human or an authoring tool, never applied by the engine.
type RuleDelta struct {
	Tool        string                 `json:"tool"`
	RuleVersion string                 `json:"rule_version"`
	Rationale   string                 `json:"rationale"`
	Data        map[string]interface{} `json:"data"`
}

// Report is one tool version's window summary.
type Report struct {
	Tool        string
	RuleVersion string
	WindowFrom  time.Time
	WindowTo    time.Time

	Summaries   []contracts.PerformanceSummary
	Outcomes    map[contracts.OutcomeType]int64
	Calibration []CalibrationBucket

	TotalDecisions int64
	WithFeedback   int64
	SuccessRate    float64
	AvgConfidence  float64
	Unfedback      int64

	ShadowMatched int64
	ShadowTotal   int64

	Alerts []contracts.PerformanceAlert
	Drafts []RuleDelta
}

// VersionSource names the production version per tool; satisfied by the
// rule store.
type VersionSource interface {
	GetProductionRule(tool string) (string, *contracts.RuleDocument, error)
}

// Analyzer runs periodic performance analysis over the ledger.
type Analyzer struct {
	ledger   ledger.Ledger
	versions VersionSource
	tools    []string
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewAnalyzer builds an analyzer for the given tools.
func NewAnalyzer(led ledger.Ledger, versions VersionSource, toolNames []string, cfg Config) *Analyzer {
	cfg.fill()
	return &Analyzer{
		ledger:   led,
		versions: versions,
		tools:    toolNames,
		cfg:      cfg,
		logger:   slog.Default().With("component", "feedback"),
		now:      time.Now,
	}
}

// Run analyzes every tool's production version over the trailing window and
// appends any alerts to the ledger. Tools without a production pin are
// skipped.
func (a *Analyzer) Run(ctx context.Context) ([]Report, error) {
	to := a.now().UTC()
	from := to.Add(-a.cfg.Window)

	var reports []Report
	for _, tool := range a.tools {
		version, _, err := a.versions.GetProductionRule(tool)
		if err != nil {
			continue
		}
		report, err := a.analyze(ctx, tool, version, from, to)
		if err != nil {
			return nil, fmt.Errorf("feedback: analyze %s: %w", tool, err)
		}
		for _, alert := range report.Alerts {
			if err := a.ledger.AppendAlert(ctx, alert); err != nil {
				a.logger.Error("alert append failed", "tool", tool, "kind", alert.Kind, "error", err)
			}
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

func (a *Analyzer) analyze(ctx context.Context, tool, version string, from, to time.Time) (*Report, error) {
	report := &Report{Tool: tool, RuleVersion: version, WindowFrom: from, WindowTo: to}

	summaries, err := a.ledger.SummarizePerformance(ctx, tool, from, to)
	if err != nil {
		return nil, err
	}
	report.Summaries = summaries

	var confSum float64
	var successes int64
	for _, s := range summaries {
		if s.RuleVersion != version {
			continue
		}
		report.TotalDecisions += s.TotalDecisions
		report.WithFeedback += s.WithFeedback
		successes += int64(s.SuccessRate*float64(s.WithFeedback) + 0.5)
		confSum += s.AvgConfidence * float64(s.TotalDecisions)
	}
	if report.WithFeedback > 0 {
		report.SuccessRate = float64(successes) / float64(report.WithFeedback)
	}
	if report.TotalDecisions > 0 {
		report.AvgConfidence = confSum / float64(report.TotalDecisions)
	}

	report.Outcomes, err = a.ledger.OutcomeBreakdown(ctx, tool, version, from, to)
	if err != nil {
		return nil, err
	}

	rows, err := a.ledger.CalibrationRows(ctx, tool, version, from, to)
	if err != nil {
		return nil, err
	}
	report.Calibration = calibrate(rows, a.cfg.CalibrationBuckets)

	report.Unfedback, err = a.ledger.UnfedbackCount(ctx, tool, from, to)
	if err != nil {
		return nil, err
	}

	report.ShadowMatched, report.ShadowTotal, err = a.ledger.ShadowMatchRate(ctx, tool, from, to)
	if err != nil {
		return nil, err
	}

	a.deriveAlerts(report)
	a.deriveDrafts(report)
	return report, nil
}

func (a *Analyzer) deriveAlerts(r *Report) {
	emit := func(kind, message string, observed, threshold float64) {
		r.Alerts = append(r.Alerts, contracts.PerformanceAlert{
			AlertID:     uuid.NewString(),
			Tool:        r.Tool,
			RuleVersion: r.RuleVersion,
			Kind:        kind,
			Message:     message,
			Observed:    observed,
			Threshold:   threshold,
			WindowFrom:  r.WindowFrom,
			WindowTo:    r.WindowTo,
			EmittedAt:   a.now().UTC(),
		})
	}

	if r.WithFeedback >= a.cfg.MinFeedback && r.SuccessRate < a.cfg.MinSuccessRate {
		emit("low_success_rate",
			fmt.Sprintf("success rate %.2f over %d fed-back decisions", r.SuccessRate, r.WithFeedback),
			r.SuccessRate, a.cfg.MinSuccessRate)
	}
	if r.TotalDecisions >= a.cfg.MinFeedback && r.AvgConfidence < a.cfg.MinAvgConfidence {
		emit("low_confidence",
			fmt.Sprintf("average confidence %.2f over %d decisions", r.AvgConfidence, r.TotalDecisions),
			r.AvgConfidence, a.cfg.MinAvgConfidence)
	}
	if r.Unfedback > a.cfg.MaxUnfedback {
		emit("unfedback_backlog",
			fmt.Sprintf("%d decisions without feedback", r.Unfedback),
			float64(r.Unfedback), float64(a.cfg.MaxUnfedback))
	}
	if r.ShadowTotal >= a.cfg.MinFeedback {
		rate := float64(r.ShadowMatched) / float64(r.ShadowTotal)
		if rate < a.cfg.MinMatchRate {
			emit("match_rate_drift",
				fmt.Sprintf("secondary match rate %.2f over %d compared decisions", rate, r.ShadowTotal),
				rate, a.cfg.MinMatchRate)
		}
	}
}

// deriveDrafts turns calibration misfit into draft deltas. A bucket whose
// observed success rate sits far below its predicted confidence suggests
// the document's confidence spec is optimistic for that band.
func (a *Analyzer) deriveDrafts(r *Report) {
	for _, b := range r.Calibration {
		if b.Count < a.cfg.MinFeedback {
			continue
		}
		gap := b.PredictedAvg - b.ActualRate
		if gap < 0.2 {
			continue
		}
		r.Drafts = append(r.Drafts, RuleDelta{
			Tool:        r.Tool,
			RuleVersion: r.RuleVersion,
			Rationale: fmt.Sprintf("confidence band [%.2f,%.2f) predicts %.2f but converts at %.2f",
				b.Low, b.High, b.PredictedAvg, b.ActualRate),
			Data: map[string]interface{}{
				"kind":            "confidence_overstatement",
				"band_low":        b.Low,
				"band_high":       b.High,
				"predicted_avg":   b.PredictedAvg,
				"actual_rate":     b.ActualRate,
				"suggested_shift": -gap,
			},
		})
	}
}

func calibrate(rows []ledger.CalibrationRow, buckets int) []CalibrationBucket {
	out := make([]CalibrationBucket, buckets)
	width := 1.0 / float64(buckets)
	for i := range out {
		out[i].Low = float64(i) * width
		out[i].High = out[i].Low + width
	}

	sums := make([]float64, buckets)
	hits := make([]int64, buckets)
	for _, row := range rows {
		i := int(row.Confidence / width)
		if i >= buckets {
			i = buckets - 1
		}
		if i < 0 {
			i = 0
		}
		out[i].Count++
		sums[i] += row.Confidence
		if row.Positive {
			hits[i]++
		}
	}
	for i := range out {
		if out[i].Count > 0 {
			out[i].PredictedAvg = sums[i] / float64(out[i].Count)
			out[i].ActualRate = float64(hits[i]) / float64(out[i].Count)
		}
	}
	return out
}

// Loop runs the analyzer until the context ends, with a jittered interval
// so replicas do not analyze in lockstep.
func (a *Analyzer) Loop(ctx context.Context) {
	for {
		wait := a.cfg.Interval
		if a.cfg.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(a.cfg.Jitter)))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if _, err := a.Run(ctx); err != nil {
			a.logger.Error("analysis run failed", "error", err)
		}
	}
}
