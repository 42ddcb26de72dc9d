package interpreter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalline/qscore/pkg/contracts"
)

func TestParseFormulaVars(t *testing.T) {
	f, err := ParseFormula("clamp(size_score + industry_boost * 2, 0, 100)")
	require.NoError(t, err)
	assert.Equal(t, []string{"industry_boost", "size_score"}, f.Vars())
}

func TestFormulaEval(t *testing.T) {
	env := map[string]float64{"a": 10, "b": 4}
	resolve := func(name string) (float64, error) {
		v, ok := env[name]
		if !ok {
			return 0, errors.New("undefined")
		}
		return v, nil
	}

	cases := []struct {
		expr string
		want float64
	}{
		{"a + b", 14},
		{"a - b * 2", 2},
		{"(a - b) * 2", 12},
		{"-a + 12", 2},
		{"min(a, b, 7)", 4},
		{"max(a, b)", 10},
		{"round(a / b)", 3},
		{"round(a / b, 2)", 2.5},
		{"clamp(a * b, 0, 25)", 25},
	}
	for _, tc := range cases {
		f, err := ParseFormula(tc.expr)
		require.NoError(t, err, tc.expr)
		got, err := f.Eval(resolve)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestFormulaDivisionByZero(t *testing.T) {
	f, err := ParseFormula("1 / x")
	require.NoError(t, err)
	_, err = f.Eval(func(string) (float64, error) { return 0, nil })
	require.Error(t, err)
	assert.Equal(t, contracts.CodeEvaluation, contracts.CodeOf(err))
}

func TestFormulaParseErrors(t *testing.T) {
	for _, expr := range []string{"", "a +", "foo(1)", "(a", "a ^ b", "min()"} {
		_, err := ParseFormula(expr)
		assert.Error(t, err, expr)
	}
}

func TestConditionOperators(t *testing.T) {
	env := map[string]interface{}{"size": 150.0, "sector": "Private", "flag": true}
	resolve := func(name string) (interface{}, error) {
		v, ok := env[name]
		if !ok {
			return nil, errors.New("undefined")
		}
		return v, nil
	}

	cases := []struct {
		cond contracts.Condition
		want bool
	}{
		{contracts.Condition{Op: "eq", Field: "sector", Value: "Private"}, true},
		{contracts.Condition{Op: "ne", Field: "sector", Value: "Government"}, true},
		{contracts.Condition{Op: "ge", Field: "size", Value: 150}, true},
		{contracts.Condition{Op: "lt", Field: "size", Value: 150}, false},
		{contracts.Condition{Op: "between", Field: "size", Value: []interface{}{100, 200}}, true},
		{contracts.Condition{Op: "in", Field: "sector", Value: []interface{}{"Private", "Free Zone"}}, true},
		{contracts.Condition{Op: "eq", Field: "flag", Value: true}, true},
		{contracts.Condition{Op: "and", Args: []contracts.Condition{
			{Op: "gt", Field: "size", Value: 100},
			{Op: "eq", Field: "sector", Value: "Private"},
		}}, true},
		{contracts.Condition{Op: "or", Args: []contracts.Condition{
			{Op: "gt", Field: "size", Value: 1000},
			{Op: "eq", Field: "sector", Value: "Private"},
		}}, true},
		{contracts.Condition{Op: "not", Args: []contracts.Condition{
			{Op: "eq", Field: "sector", Value: "Private"},
		}}, false},
	}
	for i, tc := range cases {
		got, err := EvalCondition(tc.cond, resolve)
		require.NoError(t, err, i)
		assert.Equal(t, tc.want, got, i)
	}
}

func TestConditionShortCircuit(t *testing.T) {
	// The second operand would fail to resolve; and must not reach it.
	calls := 0
	resolve := func(name string) (interface{}, error) {
		calls++
		if name == "present" {
			return 1.0, nil
		}
		return nil, errors.New("boom")
	}
	ok, err := EvalCondition(contracts.Condition{Op: "and", Args: []contracts.Condition{
		{Op: "eq", Field: "present", Value: 2},
		{Op: "eq", Field: "missing", Value: 1},
	}}, resolve)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func scoringDoc() *contracts.RuleDocument {
	return &contracts.RuleDocument{
		Metadata: contracts.RuleMetadata{Tool: "CompanyQuality", Version: "1.0.0"},
		Rules: map[string]contracts.Rule{
			"size_score": {Type: contracts.RuleRangeLookup, Input: "size", Ranges: []contracts.Range{
				{Min: 0, Max: 50, Value: 20.0, Label: "small"},
				{Min: 50, Max: 500, Value: 35.0, Label: "midsize"},
				{Min: 500, Max: 1000000, Value: 15.0, Label: "large"},
			}},
			"industry_boost": {Type: contracts.RuleMapping, Input: "industry", Table: map[string]interface{}{
				"Technology": 25.0,
			}, Default: 10.0},
			"final_score": {Type: contracts.RuleFormula, Formula: "clamp(size_score + industry_boost, 0, 100)"},
			"tier": {Type: contracts.RuleThreshold, Input: "final_score", Cutoffs: []contracts.Cutoff{
				{Min: 50, Value: "TIER_1"},
				{Min: 25, Value: "TIER_2"},
			}, Otherwise: "TIER_3"},
		},
		Result:  "final_score",
		Outputs: map[string]string{"quality_tier": "tier", "score": "final_score"},
		EdgeCases: []contracts.EdgeCase{
			{
				Name:      "government_entity",
				Condition: contracts.Condition{Op: "eq", Field: "sector", Value: "Government"},
				Action:    contracts.EdgeAction{Op: "multiply", Value: 0.05},
			},
		},
		Confidence: contracts.ConfidenceSpec{
			Base: 0.95, Floor: 0.4, Ceiling: 1.0,
			Penalties: map[string]float64{"defaults_applied": 0.05},
		},
	}
}

func TestEvaluateDocument(t *testing.T) {
	doc := scoringDoc()
	ev, err := Evaluate(doc, Request{Input: map[string]interface{}{
		"size": 150.0, "industry": "Technology", "sector": "Private",
	}})
	require.NoError(t, err)

	assert.Equal(t, 60.0, ev.Result)
	assert.Equal(t, "TIER_1", ev.Outputs["quality_tier"])
	assert.Equal(t, 60.0, ev.Outputs["score"])
	assert.Equal(t, 0.95, ev.Confidence)
	assert.Empty(t, ev.EdgeCasesApplied)
	assert.Equal(t, "clamp(size_score + industry_boost, 0, 100)", ev.FormulaUsed)
	assert.Equal(t, "1.0.0", ev.RuleVersion)

	// Breakdown contains one step per resolved variable, in resolution order.
	steps := make([]string, 0, len(ev.Breakdown))
	for _, s := range ev.Breakdown {
		steps = append(steps, s.Step)
	}
	assert.Equal(t, []string{"size_score", "industry_boost", "final_score", "tier", "confidence"}, steps)
	assert.Contains(t, ev.Breakdown[0].Reason, "midsize")
}

func TestEvaluateEdgeCaseAdjustsOutputs(t *testing.T) {
	doc := scoringDoc()
	ev, err := Evaluate(doc, Request{Input: map[string]interface{}{
		"size": 10000.0, "industry": "Government", "sector": "Government",
	}})
	require.NoError(t, err)

	// base 15 + 10 = 25, then x0.05 => 1.25; tier reads the adjusted value.
	assert.InDelta(t, 1.25, ev.Result.(float64), 1e-9)
	assert.Equal(t, "TIER_3", ev.Outputs["quality_tier"])
	assert.Equal(t, []string{"government_entity"}, ev.EdgeCasesApplied)
}

func TestEvaluateDeterministic(t *testing.T) {
	doc := scoringDoc()
	in := map[string]interface{}{"size": 150.0, "industry": "Technology", "sector": "Private"}
	first, err := Evaluate(doc, Request{Input: in})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Evaluate(doc, Request{Input: in})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEvaluatePenalties(t *testing.T) {
	doc := scoringDoc()
	ev, err := Evaluate(doc, Request{
		Input:     map[string]interface{}{"size": 150.0, "industry": "Technology", "sector": "Private"},
		Penalties: []string{"defaults_applied", "unknown_penalty"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.90, ev.Confidence, 1e-9)
}

func TestEvaluateConfidenceFloor(t *testing.T) {
	doc := scoringDoc()
	doc.Confidence.Penalties["defaults_applied"] = 0.9
	ev, err := Evaluate(doc, Request{
		Input:     map[string]interface{}{"size": 150.0, "industry": "Technology", "sector": "Private"},
		Penalties: []string{"defaults_applied"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.4, ev.Confidence)
}

func TestEvaluateRangeMiss(t *testing.T) {
	doc := scoringDoc()
	ev, err := Evaluate(doc, Request{Input: map[string]interface{}{
		"size": -5.0, "industry": "Technology", "sector": "Private",
	}})
	require.Error(t, err)
	assert.Nil(t, ev)
	var ee *contracts.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, contracts.CodeEvaluation, ee.Code)
	assert.Equal(t, "size_score", ee.Rule)
}

func TestEvaluateUndefinedSymbol(t *testing.T) {
	doc := scoringDoc()
	doc.Rules["final_score"] = contracts.Rule{Type: contracts.RuleFormula, Formula: "nonexistent + 1"}
	_, err := Evaluate(doc, Request{Input: map[string]interface{}{
		"size": 150.0, "industry": "Technology", "sector": "Private",
	}})
	require.Error(t, err)
	var ee *contracts.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "nonexistent", ee.Rule)
}

func TestEvaluateCycle(t *testing.T) {
	doc := scoringDoc()
	doc.Rules["a"] = contracts.Rule{Type: contracts.RuleFormula, Formula: "b + 1"}
	doc.Rules["b"] = contracts.Rule{Type: contracts.RuleFormula, Formula: "a + 1"}
	doc.Result = "a"
	_, err := Evaluate(doc, Request{Input: map[string]interface{}{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic")
}

func TestEvaluateBoundaryInclusive(t *testing.T) {
	// size = 50 is the inclusive lower bound of the midsize range.
	doc := scoringDoc()
	ev, err := Evaluate(doc, Request{Input: map[string]interface{}{
		"size": 50.0, "industry": "Technology", "sector": "Private",
	}})
	require.NoError(t, err)
	assert.Contains(t, ev.Breakdown[0].Reason, "midsize")
}

func TestEdgeCaseChainOrder(t *testing.T) {
	doc := scoringDoc()
	doc.EdgeCases = []contracts.EdgeCase{
		{Name: "double", Condition: contracts.Condition{Op: "gt", Field: "size", Value: 0}, Action: contracts.EdgeAction{Op: "multiply", Value: 2}},
		{Name: "cap90", Condition: contracts.Condition{Op: "gt", Field: "size", Value: 0}, Action: contracts.EdgeAction{Op: "cap", Value: 90}},
	}
	ev, err := Evaluate(doc, Request{Input: map[string]interface{}{
		"size": 150.0, "industry": "Technology", "sector": "Private",
	}})
	require.NoError(t, err)
	// 60 * 2 = 120, then capped to 90. Declaration order matters.
	assert.Equal(t, 90.0, ev.Result)
	assert.Equal(t, []string{"double", "cap90"}, ev.EdgeCasesApplied)
}
