package feedback

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalline/qscore/pkg/contracts"
	"github.com/signalline/qscore/pkg/ledger"
)

type fixedVersions map[string]string

func (v fixedVersions) GetProductionRule(tool string) (string, *contracts.RuleDocument, error) {
	version, ok := v[tool]
	if !ok {
		return "", nil, fmt.Errorf("no production version for %s", tool)
	}
	return version, nil, nil
}

func boolPtr(b bool) *bool { return &b }

func seedLedger(t *testing.T, decided time.Time, positives, negatives, unfedback int) *ledger.FileLedger {
	t.Helper()
	led, err := ledger.OpenFileLedger(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	ctx := context.Background()
	n := 0
	add := func(positive *bool, outcome contracts.OutcomeType) {
		n++
		id := fmt.Sprintf("d-%d", n)
		require.NoError(t, led.AppendDecision(ctx, contracts.DecisionRecord{
			DecisionID:  id,
			Tool:        "CompanyQuality",
			RuleVersion: "1.0.0",
			Input:       map[string]interface{}{"name": "x"},
			Output:      map[string]interface{}{"quality_tier": "TIER_2"},
			Confidence:  0.9,
			LatencyMS:   1.0,
			DecidedAt:   decided,
		}))
		if positive != nil {
			require.NoError(t, led.AppendFeedback(ctx, contracts.FeedbackRecord{
				FeedbackID:      fmt.Sprintf("f-%d", n),
				DecisionID:      id,
				OutcomePositive: positive,
				OutcomeType:     outcome,
				FeedbackAt:      decided.Add(time.Hour),
			}))
		}
	}

	for i := 0; i < positives; i++ {
		add(boolPtr(true), contracts.OutcomeConverted)
	}
	for i := 0; i < negatives; i++ {
		add(boolPtr(false), contracts.OutcomeIgnored)
	}
	for i := 0; i < unfedback; i++ {
		add(nil, "")
	}
	return led
}

func analyzerConfig() Config {
	return Config{
		Window:             24 * time.Hour,
		MinFeedback:        5,
		MinSuccessRate:     0.4,
		MinAvgConfidence:   0.5,
		MaxUnfedback:       10,
		MinMatchRate:       0.8,
		CalibrationBuckets: 5,
	}
}

func TestAnalyzerHealthyVersionRaisesNoAlerts(t *testing.T) {
	decided := time.Now().UTC().Add(-time.Hour)
	led := seedLedger(t, decided, 8, 2, 3)

	a := NewAnalyzer(led, fixedVersions{"CompanyQuality": "1.0.0"}, []string{"CompanyQuality"}, analyzerConfig())
	reports, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)

	r := reports[0]
	assert.Equal(t, int64(13), r.TotalDecisions)
	assert.Equal(t, int64(10), r.WithFeedback)
	assert.InDelta(t, 0.8, r.SuccessRate, 1e-9)
	assert.Equal(t, int64(3), r.Unfedback)
	assert.Equal(t, int64(8), r.Outcomes[contracts.OutcomeConverted])
	assert.Equal(t, int64(2), r.Outcomes[contracts.OutcomeIgnored])
	assert.Empty(t, r.Alerts)
}

func TestAnalyzerLowSuccessRateAlert(t *testing.T) {
	decided := time.Now().UTC().Add(-time.Hour)
	led := seedLedger(t, decided, 2, 8, 0)

	a := NewAnalyzer(led, fixedVersions{"CompanyQuality": "1.0.0"}, []string{"CompanyQuality"}, analyzerConfig())
	reports, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)

	require.Len(t, reports[0].Alerts, 1)
	alert := reports[0].Alerts[0]
	assert.Equal(t, "low_success_rate", alert.Kind)
	assert.InDelta(t, 0.2, alert.Observed, 1e-9)

	// Alerts reach the ledger.
	assert.Len(t, led.Alerts(), 1)
}

func TestAnalyzerBacklogAlert(t *testing.T) {
	decided := time.Now().UTC().Add(-time.Hour)
	led := seedLedger(t, decided, 5, 1, 15)

	a := NewAnalyzer(led, fixedVersions{"CompanyQuality": "1.0.0"}, []string{"CompanyQuality"}, analyzerConfig())
	reports, err := a.Run(context.Background())
	require.NoError(t, err)

	kinds := make([]string, 0)
	for _, alert := range reports[0].Alerts {
		kinds = append(kinds, alert.Kind)
	}
	assert.Contains(t, kinds, "unfedback_backlog")
}

func TestAnalyzerMatchRateDrift(t *testing.T) {
	decided := time.Now().UTC().Add(-time.Hour)
	led, err := ledger.OpenFileLedger(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)
	defer func() { _ = led.Close() }()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		rec := contracts.DecisionRecord{
			DecisionID:  fmt.Sprintf("d-%d", i),
			Tool:        "CompanyQuality",
			RuleVersion: "1.0.0",
			Input:       map[string]interface{}{"name": "x"},
			Output:      map[string]interface{}{"quality_tier": "TIER_2"},
			Confidence:  0.9,
			DecidedAt:   decided,
			Shadow:      &contracts.ShadowComparison{Version: "1.1.0", Mode: "shadow", Match: i < 5},
		}
		require.NoError(t, led.AppendDecision(ctx, rec))
	}

	a := NewAnalyzer(led, fixedVersions{"CompanyQuality": "1.0.0"}, []string{"CompanyQuality"}, analyzerConfig())
	reports, err := a.Run(ctx)
	require.NoError(t, err)

	r := reports[0]
	assert.Equal(t, int64(5), r.ShadowMatched)
	assert.Equal(t, int64(10), r.ShadowTotal)

	kinds := make([]string, 0)
	for _, alert := range r.Alerts {
		kinds = append(kinds, alert.Kind)
	}
	assert.Contains(t, kinds, "match_rate_drift")
}

func TestAnalyzerSkipsToolsWithoutProduction(t *testing.T) {
	decided := time.Now().UTC().Add(-time.Hour)
	led := seedLedger(t, decided, 1, 0, 0)

	a := NewAnalyzer(led, fixedVersions{}, []string{"CompanyQuality"}, analyzerConfig())
	reports, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestCalibrationBuckets(t *testing.T) {
	rows := []ledger.CalibrationRow{
		{Confidence: 0.95, Positive: true},
		{Confidence: 0.92, Positive: false},
		{Confidence: 0.45, Positive: true},
		{Confidence: 0.41, Positive: false},
		{Confidence: 1.0, Positive: true}, // top edge folds into the last bucket
	}

	buckets := calibrate(rows, 5)
	require.Len(t, buckets, 5)

	top := buckets[4]
	assert.Equal(t, int64(3), top.Count)
	assert.InDelta(t, 2.0/3.0, top.ActualRate, 1e-9)

	mid := buckets[2]
	assert.Equal(t, int64(2), mid.Count)
	assert.InDelta(t, 0.5, mid.ActualRate, 1e-9)
	assert.InDelta(t, 0.43, mid.PredictedAvg, 1e-9)
}

func TestDraftDeltaOnOverstatedConfidence(t *testing.T) {
	decided := time.Now().UTC().Add(-time.Hour)
	// High confidence, poor outcomes: 1 positive out of 6.
	led := seedLedger(t, decided, 1, 5, 0)

	a := NewAnalyzer(led, fixedVersions{"CompanyQuality": "1.0.0"}, []string{"CompanyQuality"}, analyzerConfig())
	reports, err := a.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, reports[0].Drafts)
	draft := reports[0].Drafts[0]
	assert.Equal(t, "confidence_overstatement", draft.Data["kind"])
	assert.Less(t, draft.Data["suggested_shift"].(float64), 0.0)
}
