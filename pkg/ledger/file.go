package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/signalline/qscore/pkg/canonicalize"
	"github.com/signalline/qscore/pkg/contracts"
)

// FileLedger is the single-file implementation: one canonical JSON line
// per appended record, replayed into an in-memory index on open. Suited to
// development and small single-node deployments; the SQL ledger carries
// production load.
type FileLedger struct {
	mu          sync.RWMutex
	file        *os.File
	decisions   map[string]contracts.DecisionRecord
	order       []string // decision ids in append order
	feedbacks   map[string][]contracts.FeedbackRecord
	assignments map[string]contracts.ABAssignment
	alerts      []contracts.PerformanceAlert
}

// fileLine is the on-disk envelope. Exactly one of the payload fields is
// set, selected by Kind.
type fileLine struct {
	Kind       string                     `json:"kind"` // decision | feedback | assignment | alert
	Decision   *contracts.DecisionRecord  `json:"decision,omitempty"`
	Feedback   *contracts.FeedbackRecord  `json:"feedback,omitempty"`
	Assignment *contracts.ABAssignment    `json:"assignment,omitempty"`
	Alert      *contracts.PerformanceAlert `json:"alert,omitempty"`
}

// OpenFileLedger opens or creates the ledger file and replays it.
func OpenFileLedger(path string) (*FileLedger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	l := &FileLedger{
		file:        f,
		decisions:   make(map[string]contracts.DecisionRecord),
		feedbacks:   make(map[string][]contracts.FeedbackRecord),
		assignments: make(map[string]contracts.ABAssignment),
	}
	if err := l.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *FileLedger) replay() error {
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var line fileLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return fmt.Errorf("ledger: replay line %d: %w", lineNo, err)
		}
		switch {
		case line.Decision != nil:
			l.indexDecision(*line.Decision)
		case line.Feedback != nil:
			l.feedbacks[line.Feedback.DecisionID] = append(l.feedbacks[line.Feedback.DecisionID], *line.Feedback)
		case line.Assignment != nil:
			l.indexAssignment(*line.Assignment)
		case line.Alert != nil:
			l.alerts = append(l.alerts, *line.Alert)
		}
	}
	return scanner.Err()
}

func (l *FileLedger) indexDecision(rec contracts.DecisionRecord) {
	if _, dup := l.decisions[rec.DecisionID]; dup {
		return
	}
	l.decisions[rec.DecisionID] = rec
	l.order = append(l.order, rec.DecisionID)
}

func (l *FileLedger) indexAssignment(a contracts.ABAssignment) {
	key := a.ExperimentID + "\x1f" + a.SubjectKey
	if _, dup := l.assignments[key]; dup {
		return // first write wins
	}
	l.assignments[key] = a
}

// Close flushes and closes the underlying file.
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func (l *FileLedger) appendLine(line fileLine) error {
	raw, err := canonicalize.Canonical(line)
	if err != nil {
		return fmt.Errorf("ledger: canonicalize line: %w", err)
	}
	if _, err := l.file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("ledger: append: %w", err)
	}
	return nil
}

// AppendDecision appends once per decision_id; replays are ignored.
func (l *FileLedger) AppendDecision(_ context.Context, rec contracts.DecisionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.decisions[rec.DecisionID]; dup {
		return nil
	}
	if err := l.appendLine(fileLine{Kind: "decision", Decision: &rec}); err != nil {
		return err
	}
	l.indexDecision(rec)
	return nil
}

// AppendFeedback checks the referenced decision before appending.
func (l *FileLedger) AppendFeedback(_ context.Context, fb contracts.FeedbackRecord) error {
	if !knownOutcome(fb.OutcomeType) {
		return fmt.Errorf("ledger: %q: %w", fb.OutcomeType, ErrUnknownOutcome)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.decisions[fb.DecisionID]; !ok {
		return fmt.Errorf("ledger: %s: %w", fb.DecisionID, ErrUnknownDecision)
	}
	if err := l.appendLine(fileLine{Kind: "feedback", Feedback: &fb}); err != nil {
		return err
	}
	l.feedbacks[fb.DecisionID] = append(l.feedbacks[fb.DecisionID], fb)
	return nil
}

// GetDecision returns one record by id.
func (l *FileLedger) GetDecision(_ context.Context, id string) (*contracts.DecisionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.decisions[id]
	if !ok {
		return nil, fmt.Errorf("ledger: %s: %w", id, ErrDecisionNotFound)
	}
	return &rec, nil
}

// FeedbackFor returns the feedback attached to one decision, in append
// order.
func (l *FileLedger) FeedbackFor(_ context.Context, decisionID string) ([]contracts.FeedbackRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]contracts.FeedbackRecord, len(l.feedbacks[decisionID]))
	copy(out, l.feedbacks[decisionID])
	return out, nil
}

// QueryDecisions filters the index, newest first.
func (l *FileLedger) QueryDecisions(_ context.Context, f DecisionFilter) ([]contracts.DecisionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []contracts.DecisionRecord
	for i := len(l.order) - 1; i >= 0; i-- {
		rec := l.decisions[l.order[i]]
		if !matchesFilter(rec, f) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DecidedAt.After(out[j].DecidedAt)
	})
	return out, nil
}

func matchesFilter(rec contracts.DecisionRecord, f DecisionFilter) bool {
	if f.Tool != "" && rec.Tool != f.Tool {
		return false
	}
	if f.RuleVersion != "" && rec.RuleVersion != f.RuleVersion {
		return false
	}
	if f.Caller != "" && rec.Caller != f.Caller {
		return false
	}
	if !f.From.IsZero() && rec.DecidedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.DecidedAt.Before(f.To) {
		return false
	}
	return true
}

func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

// decisionPositive collapses a decision's feedback: positive if any
// feedback row is positive.
func decisionPositive(fbs []contracts.FeedbackRecord) (fedBack, positive bool) {
	for _, fb := range fbs {
		fedBack = true
		if fb.OutcomePositive != nil && *fb.OutcomePositive {
			positive = true
		}
	}
	return fedBack, positive
}

// SummarizePerformance aggregates per (tool, rule_version, day).
func (l *FileLedger) SummarizePerformance(_ context.Context, tool string, from, to time.Time) ([]contracts.PerformanceSummary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	type agg struct {
		total, withFB, successes int64
		confSum, latSum          float64
		valueSum                 float64
		valueN                   int64
	}
	groups := make(map[string]*agg)

	for _, id := range l.order {
		rec := l.decisions[id]
		if rec.Tool != tool || !inWindow(rec.DecidedAt, from, to) {
			continue
		}
		key := rec.RuleVersion + "\x1f" + day(rec.DecidedAt)
		g := groups[key]
		if g == nil {
			g = &agg{}
			groups[key] = g
		}
		g.total++
		g.confSum += rec.Confidence
		g.latSum += rec.LatencyMS

		fbs := l.feedbacks[id]
		fedBack, positive := decisionPositive(fbs)
		if fedBack {
			g.withFB++
			var sum float64
			for _, fb := range fbs {
				sum += fb.OutcomeValue
			}
			g.valueSum += sum / float64(len(fbs))
			g.valueN++
		}
		if positive {
			g.successes++
		}
	}

	var out []contracts.PerformanceSummary
	for key, g := range groups {
		var version, d string
		for i := 0; i < len(key); i++ {
			if key[i] == '\x1f' {
				version, d = key[:i], key[i+1:]
				break
			}
		}
		sum := contracts.PerformanceSummary{
			Tool:           tool,
			RuleVersion:    version,
			Day:            d,
			TotalDecisions: g.total,
			WithFeedback:   g.withFB,
			AvgConfidence:  g.confSum / float64(g.total),
			AvgLatencyMS:   g.latSum / float64(g.total),
		}
		if g.withFB > 0 {
			sum.SuccessRate = float64(g.successes) / float64(g.withFB)
		}
		if g.valueN > 0 {
			sum.AvgOutcomeValue = g.valueSum / float64(g.valueN)
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].RuleVersion < out[j].RuleVersion
	})
	return out, nil
}

// VersionOutcomes counts fed-back decisions and positives for one version.
func (l *FileLedger) VersionOutcomes(_ context.Context, tool, version string, from, to time.Time) (int64, int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var samples, positives int64
	for id, rec := range l.decisions {
		if rec.Tool != tool || rec.RuleVersion != version || !inWindow(rec.DecidedAt, from, to) {
			continue
		}
		fedBack, positive := decisionPositive(l.feedbacks[id])
		if fedBack {
			samples++
		}
		if positive {
			positives++
		}
	}
	return samples, positives, nil
}

// OutcomeBreakdown tallies feedback rows by outcome type.
func (l *FileLedger) OutcomeBreakdown(_ context.Context, tool, version string, from, to time.Time) (map[contracts.OutcomeType]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[contracts.OutcomeType]int64)
	for id, rec := range l.decisions {
		if rec.Tool != tool || rec.RuleVersion != version || !inWindow(rec.DecidedAt, from, to) {
			continue
		}
		for _, fb := range l.feedbacks[id] {
			out[fb.OutcomeType]++
		}
	}
	return out, nil
}

// CalibrationRows pairs confidence with observed outcome per fed-back
// decision.
func (l *FileLedger) CalibrationRows(_ context.Context, tool, version string, from, to time.Time) ([]CalibrationRow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []CalibrationRow
	for _, id := range l.order {
		rec := l.decisions[id]
		if rec.Tool != tool || rec.RuleVersion != version || !inWindow(rec.DecidedAt, from, to) {
			continue
		}
		known := false
		positive := false
		for _, fb := range l.feedbacks[id] {
			if fb.OutcomePositive != nil {
				known = true
				if *fb.OutcomePositive {
					positive = true
				}
			}
		}
		if known {
			out = append(out, CalibrationRow{Confidence: rec.Confidence, Positive: positive})
		}
	}
	return out, nil
}

// UnfedbackCount counts decisions without feedback in the window.
func (l *FileLedger) UnfedbackCount(_ context.Context, tool string, from, to time.Time) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var count int64
	for id, rec := range l.decisions {
		if rec.Tool != tool || !inWindow(rec.DecidedAt, from, to) {
			continue
		}
		if len(l.feedbacks[id]) == 0 {
			count++
		}
	}
	return count, nil
}

// ShadowMatchRate reports secondary-comparison agreement.
func (l *FileLedger) ShadowMatchRate(_ context.Context, tool string, from, to time.Time) (int64, int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched, total int64
	for _, rec := range l.decisions {
		if rec.Tool != tool || rec.Shadow == nil || !inWindow(rec.DecidedAt, from, to) {
			continue
		}
		total++
		if rec.Shadow.Match {
			matched++
		}
	}
	return matched, total, nil
}

// AppendAlert appends one analyzer alert.
func (l *FileLedger) AppendAlert(_ context.Context, alert contracts.PerformanceAlert) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.appendLine(fileLine{Kind: "alert", Alert: &alert}); err != nil {
		return err
	}
	l.alerts = append(l.alerts, alert)
	return nil
}

// Alerts returns the replayed alerts, oldest first.
func (l *FileLedger) Alerts() []contracts.PerformanceAlert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]contracts.PerformanceAlert, len(l.alerts))
	copy(out, l.alerts)
	return out
}

// RecordAssignment persists first-write-wins per (experiment, subject).
func (l *FileLedger) RecordAssignment(_ context.Context, a contracts.ABAssignment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := a.ExperimentID + "\x1f" + a.SubjectKey
	if _, dup := l.assignments[key]; dup {
		return nil
	}
	if err := l.appendLine(fileLine{Kind: "assignment", Assignment: &a}); err != nil {
		return err
	}
	l.assignments[key] = a
	return nil
}
