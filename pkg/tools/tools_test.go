package tools_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalline/qscore/pkg/contracts"
	"github.com/signalline/qscore/pkg/interpreter"
	"github.com/signalline/qscore/pkg/rulestore"
	"github.com/signalline/qscore/pkg/tools"
)

func loadedStore(t *testing.T, reg *tools.Registry) *rulestore.Store {
	t.Helper()
	s := rulestore.New()
	require.NoError(t, s.LoadFS(tools.Seeds(), reg.InputFields()))
	return s
}

func runProduction(t *testing.T, reg *tools.Registry, s *rulestore.Store, tool string, input map[string]interface{}) *contracts.Evaluation {
	t.Helper()
	def, err := reg.Get(tool)
	require.NoError(t, err)
	require.NoError(t, def.ValidateInput(input))

	prepared := def.Prepare(input)
	_, doc, err := s.GetProductionRule(tool)
	require.NoError(t, err)

	eval, err := interpreter.Evaluate(doc, interpreter.Request{
		Input:     prepared.Input,
		Penalties: prepared.Penalties,
		PreSteps:  prepared.PreSteps,
	})
	require.NoError(t, err)
	return eval
}

func TestRegistryIsClosed(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"BankingProductMatch", "CompanyQuality", "CompositeScore",
		"ContactTier", "TimingScore",
	}, reg.Names())

	_, err = reg.Get("LeadEnrichment")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeRuleNotFound, contracts.CodeOf(err))
}

func TestSeedDocumentsLoad(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	s := loadedStore(t, reg)

	for _, tool := range reg.Names() {
		version, doc, err := s.GetProductionRule(tool)
		require.NoError(t, err, tool)
		assert.Equal(t, "1.0.0", version, tool)
		assert.Equal(t, tool, doc.Metadata.Tool)
	}

	// Only CompanyQuality ships a shadow candidate.
	version, _, err := s.GetShadowRule("CompanyQuality")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", version)
}

func TestSchemaValidation(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)

	cq, err := reg.Get(tools.CompanyQuality)
	require.NoError(t, err)

	err = cq.ValidateInput(map[string]interface{}{"industry": "Technology"})
	require.Error(t, err)
	ee, ok := err.(*contracts.EngineError)
	require.True(t, ok)
	assert.Equal(t, contracts.CodeSchemaValidation, ee.Code)
	assert.NotEmpty(t, ee.Violations)

	err = cq.ValidateInput(map[string]interface{}{"name": "Acme", "size": -3.0})
	require.Error(t, err)

	err = cq.ValidateInput(map[string]interface{}{"name": "Acme", "unexpected": true})
	require.Error(t, err)

	ct, err := reg.Get(tools.ContactTier)
	require.NoError(t, err)
	err = ct.ValidateInput(map[string]interface{}{"title": "CFO", "seniority": "Boss"})
	require.Error(t, err)
}

func TestCompanyQualityTechScaleup(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	s := loadedStore(t, reg)

	eval := runProduction(t, reg, s, tools.CompanyQuality, map[string]interface{}{
		"name":         "TechCorp FZ-LLC",
		"industry":     "Technology",
		"size":         120.0,
		"license_type": "Free Zone",
		"sector":       "Private",
	})

	assert.Equal(t, 90.0, eval.Result)
	assert.Equal(t, "TIER_1", eval.Outputs["quality_tier"])
	assert.Equal(t, 90.0, eval.Outputs["score"])
	assert.InDelta(t, 0.95, eval.Confidence, 1e-9)
	assert.Empty(t, eval.EdgeCasesApplied)
}

func TestCompanyQualityGovernmentEntity(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	s := loadedStore(t, reg)

	eval := runProduction(t, reg, s, tools.CompanyQuality, map[string]interface{}{
		"name":     "Dubai Municipality",
		"sector":   "government", // folded to the canonical key
		"size":     10000.0,
		"industry": "government",
		"signals":  []interface{}{"tender_award", "budget_cycle"},
	})

	// 15 + 5 + 10 (license default) + 2 = 32, then the government edge case
	// multiplies by 0.05.
	assert.InDelta(t, 1.6, eval.Result.(float64), 1e-9)
	assert.Equal(t, "TIER_3", eval.Outputs["quality_tier"])
	assert.Equal(t, []string{"government_entity"}, eval.EdgeCasesApplied)
	assert.InDelta(t, 0.90, eval.Confidence, 1e-9) // license_type defaulted
}

func TestContactTierInference(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	s := loadedStore(t, reg)

	eval := runProduction(t, reg, s, tools.ContactTier, map[string]interface{}{
		"title":        "HR Director",
		"company_size": 250.0,
	})

	assert.Equal(t, "STRATEGIC", eval.Result)
	assert.Equal(t, "STRATEGIC", eval.Outputs["tier"])
	assert.Equal(t, 1.0, eval.Outputs["priority"])
	assert.InDelta(t, 0.75, eval.Confidence, 1e-9) // seniority and department both inferred

	titles, ok := eval.Outputs["target_titles"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, titles, "HR Director")
	assert.Contains(t, titles, "CHRO")

	var steps []string
	for _, st := range eval.Breakdown {
		steps = append(steps, st.Step)
	}
	assert.Contains(t, steps, "seniority_inferred")
	assert.Contains(t, steps, "department_inferred")
}

func TestContactTierGivenFieldsCarryNoPenalty(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	s := loadedStore(t, reg)

	eval := runProduction(t, reg, s, tools.ContactTier, map[string]interface{}{
		"title":      "Chief People Officer",
		"seniority":  "C-Level",
		"department": "HR",
	})

	assert.Equal(t, "STRATEGIC", eval.Result)
	assert.InDelta(t, 0.95, eval.Confidence, 1e-9)
}

func TestContactTierShortTitle(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	s := loadedStore(t, reg)

	eval := runProduction(t, reg, s, tools.ContactTier, map[string]interface{}{
		"title": "CEO",
	})

	assert.Equal(t, "STRATEGIC", eval.Result) // CEO infers C-Level
	// short_title 0.15 + department_inferred 0.1 + seniority_inferred 0.1.
	assert.InDelta(t, 0.60, eval.Confidence, 1e-9)
}

func TestTimingScoreFreshSignal(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	s := loadedStore(t, reg)

	eval := runProduction(t, reg, s, tools.TimingScore, map[string]interface{}{
		"signal_age_days": 5.0,
		"fiscal_context":  "mid_year",
	})

	assert.Equal(t, 90.0, eval.Result)
	assert.Equal(t, "HOT", eval.Outputs["priority"])
	assert.Equal(t, "immediate", eval.Outputs["urgency"])
	assert.InDelta(t, 0.9, eval.Confidence, 1e-9)
}

func TestTimingScoreStaleYearEnd(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	s := loadedStore(t, reg)

	eval := runProduction(t, reg, s, tools.TimingScore, map[string]interface{}{
		"signal_age_days": 95.0,
		"fiscal_context":  "year_end",
	})

	assert.Equal(t, 20.0, eval.Result)
	assert.Equal(t, "COLD", eval.Outputs["priority"])
	assert.Equal(t, "nurture", eval.Outputs["urgency"])
}

func TestTimingScoreFutureSignalClamped(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	s := loadedStore(t, reg)

	eval := runProduction(t, reg, s, tools.TimingScore, map[string]interface{}{
		"signal_age_days": -3.0,
		"fiscal_context":  "mid_year",
	})

	assert.Equal(t, 90.0, eval.Result) // age clamped to 0
	assert.InDelta(t, 0.7, eval.Confidence, 1e-9)
	assert.Equal(t, "signal_in_future", eval.Breakdown[0].Step)
}

func TestTimingScoreMultiSignalBonus(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	s := loadedStore(t, reg)

	eval := runProduction(t, reg, s, tools.TimingScore, map[string]interface{}{
		"signal_age_days": 40.0,
		"fiscal_context":  "quarter_end",
		"signals":         []interface{}{"hiring", "funding", "expansion"},
	})

	// 40 + 5 fiscal, then +5 for three concurrent signals.
	assert.Equal(t, 50.0, eval.Result)
	assert.Equal(t, []string{"multi_signal"}, eval.EdgeCasesApplied)
}

func TestBankingProductMatchMidsize(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	s := loadedStore(t, reg)

	eval := runProduction(t, reg, s, tools.BankingProductMatch, map[string]interface{}{
		"employee_count":  200.0,
		"hiring_velocity": "high",
	})

	assert.Equal(t, 95.0, eval.Result) // 80 size fit + 15 velocity
	assert.Equal(t, "midsize", eval.Outputs["size_band"])

	products, ok := eval.Outputs["recommended_products"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, products, "Payroll Services")
	assert.InDelta(t, 0.85, eval.Confidence, 1e-9)
}

func TestCompositeScoreBlend(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	s := loadedStore(t, reg)

	eval := runProduction(t, reg, s, tools.CompositeScore, map[string]interface{}{
		"company_score":      90.0,
		"timing_score":       90.0,
		"product_fit_score":  95.0,
		"contact_priority":   1.0,
		"channel_confidence": 0.9,
		"context_confidence": 0.8,
	})

	// 0.35*90 + 0.25*90 + 0.2*95 + 0.2*100 = 93.
	assert.InDelta(t, 93.0, eval.Result.(float64), 1e-9)
	assert.Equal(t, "HOT", eval.Outputs["lead_score_tier"])
	// Confidence comes from the blend rule: min(0.9, 0.8).
	assert.InDelta(t, 0.8, eval.Confidence, 1e-9)
}

func TestCompositeScoreLowChannelConfidence(t *testing.T) {
	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	s := loadedStore(t, reg)

	eval := runProduction(t, reg, s, tools.CompositeScore, map[string]interface{}{
		"company_score":      80.0,
		"timing_score":       80.0,
		"product_fit_score":  80.0,
		"contact_priority":   2.0,
		"channel_confidence": 0.2,
		"context_confidence": 0.9,
	})

	// 0.35*80 + 0.25*80 + 0.2*80 + 0.2*75 = 79, halved by the edge case.
	assert.InDelta(t, 39.5, eval.Result.(float64), 1e-9)
	assert.Equal(t, "COLD", eval.Outputs["lead_score_tier"])
	// Blend confidence clamps min(0.2, 0.9) to the 0.4 floor.
	assert.InDelta(t, 0.4, eval.Confidence, 1e-9)
}
