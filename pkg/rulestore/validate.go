package rulestore

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/signalline/qscore/pkg/contracts"
	"github.com/signalline/qscore/pkg/interpreter"
)

// ValidateDocument checks a document's internal shape at load time so that
// no structural failure can surface at decision time. declaredInputs is the
// set of input-schema fields (including fields the tool layer injects) the
// document may reference in addition to its own rules.
func ValidateDocument(doc *contracts.RuleDocument, declaredInputs []string) error {
	md := doc.Metadata
	if md.Tool == "" {
		return invalid("metadata.tool is required")
	}
	if _, err := semver.StrictNewVersion(md.Version); err != nil {
		return invalid("metadata.version %q is not a semantic version", md.Version)
	}
	if len(doc.Rules) == 0 {
		return invalid("document has no rules")
	}

	declared := make(map[string]bool, len(declaredInputs)+len(doc.Rules))
	for _, f := range declaredInputs {
		declared[f] = true
	}
	for name := range doc.Rules {
		declared[name] = true
	}

	for name, rule := range doc.Rules {
		if err := validateRule(name, rule, declared); err != nil {
			return err
		}
	}

	if doc.Result == "" {
		return invalid("document does not name a result rule")
	}
	if _, ok := doc.Rules[doc.Result]; !ok {
		return invalid("result rule %q is not defined", doc.Result)
	}
	for field, ruleName := range doc.Outputs {
		if _, ok := doc.Rules[ruleName]; !ok {
			return invalid("output %q references undefined rule %q", field, ruleName)
		}
	}

	for _, ec := range doc.EdgeCases {
		if ec.Name == "" {
			return invalid("edge case without a name")
		}
		if err := validateCondition(fmt.Sprintf("edge case %q", ec.Name), ec.Condition, declared); err != nil {
			return err
		}
		switch ec.Action.Op {
		case contracts.ActionMultiply, contracts.ActionAdd, contracts.ActionSet,
			contracts.ActionCap, contracts.ActionFloor:
		default:
			return invalid("edge case %q has unknown action %q", ec.Name, ec.Action.Op)
		}
	}

	conf := doc.Confidence
	if conf.Rule != "" {
		if _, ok := doc.Rules[conf.Rule]; !ok {
			return invalid("confidence rule %q is not defined", conf.Rule)
		}
	} else if conf.Base <= 0 || conf.Base > 1 {
		return invalid("confidence.base must be in (0,1], got %v", conf.Base)
	}
	if conf.Floor < 0 || conf.Floor > 1 {
		return invalid("confidence.floor must be in [0,1], got %v", conf.Floor)
	}
	for name, p := range conf.Penalties {
		if p < 0 {
			return invalid("confidence penalty %q is negative", name)
		}
	}

	// TimingScore documents must carry the fiscal modifier explicitly; the
	// engine has no built-in constant for it.
	if md.Tool == "TimingScore" {
		fb, ok := doc.Rules["fiscal_boost"]
		if !ok {
			return invalid("TimingScore document must declare a fiscal_boost rule")
		}
		if fb.Type != contracts.RuleMapping {
			return invalid("fiscal_boost must be a mapping rule, got %q", fb.Type)
		}
	}

	return nil
}

func validateRule(name string, rule contracts.Rule, declared map[string]bool) error {
	switch rule.Type {
	case contracts.RuleFormula:
		f, err := interpreter.ParseFormula(rule.Formula)
		if err != nil {
			return invalid("rule %q: %v", name, err)
		}
		for _, v := range f.Vars() {
			if v == name {
				return invalid("rule %q references itself", name)
			}
			if !declared[v] {
				return invalid("rule %q references undeclared symbol %q", name, v)
			}
		}

	case contracts.RuleDecisionTree:
		if len(rule.Branches) == 0 {
			return invalid("rule %q: decision tree has no branches", name)
		}
		if rule.Fallback == nil {
			return invalid("rule %q: decision tree has no fallback", name)
		}
		for i, br := range rule.Branches {
			if err := validateCondition(fmt.Sprintf("rule %q branch %d", name, i), br.Condition, declared); err != nil {
				return err
			}
			if br.Output == nil {
				return invalid("rule %q branch %d has no output", name, i)
			}
		}

	case contracts.RuleLookupTable:
		if rule.Input == "" || !declared[rule.Input] {
			return invalid("rule %q: lookup input %q is not declared", name, rule.Input)
		}
		if len(rule.Table) == 0 {
			return invalid("rule %q: lookup table is empty", name)
		}
		if rule.Default != nil {
			return invalid("rule %q: lookup tables take no default; use a mapping", name)
		}

	case contracts.RuleMapping:
		if rule.Input == "" || !declared[rule.Input] {
			return invalid("rule %q: mapping input %q is not declared", name, rule.Input)
		}
		if rule.Default == nil {
			return invalid("rule %q: mapping requires a default", name)
		}

	case contracts.RuleRangeLookup:
		if rule.Input == "" || !declared[rule.Input] {
			return invalid("rule %q: range input %q is not declared", name, rule.Input)
		}
		if len(rule.Ranges) == 0 {
			return invalid("rule %q: no ranges declared", name)
		}
		for i, r := range rule.Ranges {
			if r.Min >= r.Max {
				return invalid("rule %q: range %d is empty [%v,%v)", name, i, r.Min, r.Max)
			}
			if i > 0 {
				prev := rule.Ranges[i-1]
				if r.Min < prev.Max {
					return invalid("rule %q: ranges %d and %d overlap or are unsorted", name, i-1, i)
				}
			}
		}

	case contracts.RuleThreshold:
		if rule.Input == "" || !declared[rule.Input] {
			return invalid("rule %q: threshold input %q is not declared", name, rule.Input)
		}
		if len(rule.Cutoffs) == 0 {
			return invalid("rule %q: no cutoffs declared", name)
		}
		if rule.Otherwise == nil {
			return invalid("rule %q: threshold requires an otherwise value", name)
		}
		for i := 1; i < len(rule.Cutoffs); i++ {
			if rule.Cutoffs[i].Min >= rule.Cutoffs[i-1].Min {
				return invalid("rule %q: cutoffs must be declared highest first", name)
			}
		}

	default:
		return invalid("rule %q has unrecognized type %q", name, rule.Type)
	}
	return nil
}

func validateCondition(where string, c contracts.Condition, declared map[string]bool) error {
	switch c.Op {
	case contracts.OpAnd, contracts.OpOr:
		if len(c.Args) == 0 {
			return invalid("%s: %s requires arguments", where, c.Op)
		}
		for _, arg := range c.Args {
			if err := validateCondition(where, arg, declared); err != nil {
				return err
			}
		}
		return nil
	case contracts.OpNot:
		if len(c.Args) != 1 {
			return invalid("%s: not takes exactly one argument", where)
		}
		return validateCondition(where, c.Args[0], declared)
	case contracts.OpEq, contracts.OpNe, contracts.OpLt, contracts.OpLe,
		contracts.OpGt, contracts.OpGe, contracts.OpBetween, contracts.OpIn:
		if c.Field == "" || !declared[c.Field] {
			return invalid("%s: condition field %q is not declared", where, c.Field)
		}
		return nil
	}
	return invalid("%s: unknown condition operator %q", where, c.Op)
}

func invalid(format string, args ...interface{}) error {
	return &contracts.EngineError{
		Code:    contracts.CodeRuleInvalid,
		Message: fmt.Sprintf(format, args...),
	}
}
