// Package interpreter is the pure evaluator of the rule language. It takes a
// validated rule document plus an evaluation context and produces a value
// together with a stepwise breakdown for explainability. It has no side
// effects and no clock: the same document and input always yield the same
// evaluation, including breakdown order.
package interpreter

import (
	"fmt"
	"sort"

	"github.com/signalline/qscore/pkg/contracts"
)

// Request is one evaluation context. Input holds the schema-validated tool
// input plus any context the tool layer injected (inferred fields, counts).
// Penalties names the confidence penalties the tool layer decided apply;
// PreSteps are breakdown entries recorded before evaluation (defaults
// applied, inference notes, clamped signals).
type Request struct {
	Input     map[string]interface{}
	Penalties []string
	PreSteps  []contracts.BreakdownStep
}

// Evaluate runs a full document: resolve the result rule, apply edge cases
// in declaration order, resolve outputs, then derive confidence. Failures
// carry the rule name and step; no partial evaluation is ever returned.
func Evaluate(doc *contracts.RuleDocument, req Request) (*contracts.Evaluation, error) {
	st := &evalState{
		doc:       doc,
		input:     req.Input,
		memo:      make(map[string]interface{}),
		resolving: make(map[string]bool),
	}
	st.breakdown = append(st.breakdown, req.PreSteps...)

	base, err := st.resolveValue(doc.Result)
	if err != nil {
		return nil, locate(err, doc.Result)
	}

	applied, base, err := st.applyEdgeCases(base)
	if err != nil {
		return nil, err
	}
	// Outputs that read the result rule observe the adjusted value.
	st.memo[doc.Result] = base

	outputs := make(map[string]interface{}, len(doc.Outputs))
	for _, field := range sortedKeys(doc.Outputs) {
		v, err := st.resolveValue(doc.Outputs[field])
		if err != nil {
			return nil, locate(err, doc.Outputs[field])
		}
		outputs[field] = v
	}

	confidence, err := st.deriveConfidence(req.Penalties)
	if err != nil {
		return nil, err
	}

	formulaUsed := ""
	if r, ok := doc.Rules[doc.Result]; ok && r.Type == contracts.RuleFormula {
		formulaUsed = r.Formula
	}

	return &contracts.Evaluation{
		Result:           base,
		Outputs:          outputs,
		Breakdown:        st.breakdown,
		Variables:        st.memo,
		FormulaUsed:      formulaUsed,
		RuleVersion:      doc.Metadata.Version,
		Confidence:       confidence,
		EdgeCasesApplied: applied,
	}, nil
}

type evalState struct {
	doc       *contracts.RuleDocument
	input     map[string]interface{}
	memo      map[string]interface{}
	resolving map[string]bool
	breakdown []contracts.BreakdownStep
}

// resolveValue resolves a name: memoized intermediates first, then document
// rules, then declared inputs. Each rule resolution appends exactly one
// breakdown step.
func (st *evalState) resolveValue(name string) (interface{}, error) {
	if v, ok := st.memo[name]; ok {
		return v, nil
	}
	if st.resolving[name] {
		return nil, evalErr(name, "", "cyclic reference")
	}

	rule, isRule := st.doc.Rules[name]
	if !isRule {
		if v, ok := st.input[name]; ok {
			return v, nil
		}
		return nil, evalErr(name, "", "undefined symbol")
	}

	st.resolving[name] = true
	defer delete(st.resolving, name)

	v, reason, err := st.evalRule(name, rule)
	if err != nil {
		return nil, err
	}
	st.memo[name] = v
	st.breakdown = append(st.breakdown, contracts.BreakdownStep{Step: name, Value: v, Reason: reason})
	return v, nil
}

func (st *evalState) resolveNumber(name string) (float64, error) {
	v, err := st.resolveValue(name)
	if err != nil {
		return 0, err
	}
	n, ok := asNumber(v)
	if !ok {
		return 0, evalErr(name, "", fmt.Sprintf("expected number, got %T", v))
	}
	return n, nil
}

func (st *evalState) evalRule(name string, rule contracts.Rule) (interface{}, string, error) {
	switch rule.Type {
	case contracts.RuleFormula:
		f, err := ParseFormula(rule.Formula)
		if err != nil {
			return nil, "", evalErr(name, "parse", err.Error())
		}
		v, err := f.Eval(st.resolveNumber)
		if err != nil {
			return nil, "", locate(err, name)
		}
		return v, rule.Formula, nil

	case contracts.RuleDecisionTree:
		for i, br := range rule.Branches {
			ok, err := EvalCondition(br.Condition, st.resolveValue)
			if err != nil {
				return nil, "", evalErr(name, fmt.Sprintf("branch %d", i), err.Error())
			}
			if ok {
				reason := br.Label
				if reason == "" {
					reason = fmt.Sprintf("branch %d matched", i)
				}
				return br.Output, reason, nil
			}
		}
		return rule.Fallback, "fallback", nil

	case contracts.RuleLookupTable:
		v, err := st.resolveValue(rule.Input)
		if err != nil {
			return nil, "", locate(err, name)
		}
		key := scalarKey(v)
		out, ok := rule.Table[key]
		if !ok {
			return nil, "", evalErr(name, key, "no entry for key")
		}
		return out, fmt.Sprintf("%s=%s", rule.Input, key), nil

	case contracts.RuleMapping:
		v, err := st.resolveValue(rule.Input)
		if err != nil {
			return nil, "", locate(err, name)
		}
		key := scalarKey(v)
		if out, ok := rule.Table[key]; ok {
			return out, fmt.Sprintf("%s=%s", rule.Input, key), nil
		}
		return rule.Default, fmt.Sprintf("%s=%s (default)", rule.Input, key), nil

	case contracts.RuleRangeLookup:
		n, err := st.resolveNumber(rule.Input)
		if err != nil {
			return nil, "", locate(err, name)
		}
		for _, r := range rule.Ranges {
			if n >= r.Min && n < r.Max {
				reason := fmt.Sprintf("%s=%v in [%v,%v)", rule.Input, n, r.Min, r.Max)
				if r.Label != "" {
					reason += fmt.Sprintf(" %q", r.Label)
				}
				return r.Value, reason, nil
			}
		}
		return nil, "", evalErr(name, fmt.Sprintf("%v", n), "value outside declared ranges")

	case contracts.RuleThreshold:
		n, err := st.resolveNumber(rule.Input)
		if err != nil {
			return nil, "", locate(err, name)
		}
		for _, c := range rule.Cutoffs {
			if n >= c.Min {
				return c.Value, fmt.Sprintf("%s=%v >= %v", rule.Input, n, c.Min), nil
			}
		}
		return rule.Otherwise, fmt.Sprintf("%s=%v below all cutoffs", rule.Input, n), nil
	}

	return nil, "", evalErr(name, "", fmt.Sprintf("unrecognized rule type %q", rule.Type))
}

// applyEdgeCases applies declared overrides in order. Numeric actions
// require a numeric base; set replaces it outright.
func (st *evalState) applyEdgeCases(base interface{}) ([]string, interface{}, error) {
	var applied []string
	for _, ec := range st.doc.EdgeCases {
		ok, err := EvalCondition(ec.Condition, st.resolveValue)
		if err != nil {
			return nil, nil, evalErr(ec.Name, "condition", err.Error())
		}
		if !ok {
			continue
		}

		if ec.Action.Op == contracts.ActionSet {
			base = ec.Action.Value
		} else {
			n, isNum := asNumber(base)
			if !isNum {
				return nil, nil, evalErr(ec.Name, "action", fmt.Sprintf("%s requires a numeric base, got %T", ec.Action.Op, base))
			}
			switch ec.Action.Op {
			case contracts.ActionMultiply:
				base = n * ec.Action.Value
			case contracts.ActionAdd:
				base = n + ec.Action.Value
			case contracts.ActionCap:
				if n > ec.Action.Value {
					base = ec.Action.Value
				}
			case contracts.ActionFloor:
				if n < ec.Action.Value {
					base = ec.Action.Value
				}
			default:
				return nil, nil, evalErr(ec.Name, "action", fmt.Sprintf("unknown action %q", ec.Action.Op))
			}
		}

		applied = append(applied, ec.Name)
		st.breakdown = append(st.breakdown, contracts.BreakdownStep{
			Step:   ec.Name,
			Value:  base,
			Reason: fmt.Sprintf("edge case %s %v", ec.Action.Op, ec.Action.Value),
		})
	}
	return applied, base, nil
}

func (st *evalState) deriveConfidence(penalties []string) (float64, error) {
	spec := st.doc.Confidence

	conf := spec.Base
	if spec.Rule != "" {
		n, err := st.resolveNumber(spec.Rule)
		if err != nil {
			return 0, locate(err, spec.Rule)
		}
		conf = n
	}

	for _, name := range penalties {
		p, ok := spec.Penalties[name]
		if !ok {
			continue // tool layer reported a penalty the document does not declare
		}
		conf -= p
		st.breakdown = append(st.breakdown, contracts.BreakdownStep{
			Step:   "penalty:" + name,
			Value:  -p,
			Reason: "confidence penalty",
		})
	}

	ceiling := spec.Ceiling
	if ceiling == 0 {
		ceiling = 1.0
	}
	if conf < spec.Floor {
		conf = spec.Floor
	}
	if conf > ceiling {
		conf = ceiling
	}
	st.breakdown = append(st.breakdown, contracts.BreakdownStep{
		Step:   "confidence",
		Value:  conf,
		Reason: fmt.Sprintf("clamped to [%v,%v]", spec.Floor, ceiling),
	})
	return conf, nil
}

func scalarKey(v interface{}) string {
	if n, ok := asNumber(v); ok {
		// Integral keys print without a decimal point.
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%v", n)
	}
	return fmt.Sprintf("%v", v)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func evalErr(rule, step, reason string) *contracts.EngineError {
	return &contracts.EngineError{
		Code:    contracts.CodeEvaluation,
		Message: reason,
		Rule:    rule,
		Step:    step,
	}
}

// locate attaches the rule name to an error that does not carry one yet.
func locate(err error, rule string) error {
	if ee, ok := err.(*contracts.EngineError); ok {
		if ee.Rule == "" {
			ee.Rule = rule
		}
		return ee
	}
	return &contracts.EngineError{Code: contracts.CodeEvaluation, Message: err.Error(), Rule: rule, Err: err}
}
