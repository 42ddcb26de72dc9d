// Package contracts defines the shared value types of the QScore decision
// core: rule documents, evaluations, decision records, feedback, A/B
// assignments, and the engine error taxonomy.
package contracts

import (
	"time"
)

// RuleType tags the body of a Rule. The set is closed; the interpreter
// dispatches exhaustively on it.
type RuleType string

const (
	RuleFormula      RuleType = "formula"
	RuleDecisionTree RuleType = "decision_tree"
	RuleLookupTable  RuleType = "lookup_table"
	RuleMapping      RuleType = "mapping"
	RuleRangeLookup  RuleType = "range_lookup"
	RuleThreshold    RuleType = "threshold"
)

// KnownRuleTypes lists every recognized rule type.
var KnownRuleTypes = []RuleType{
	RuleFormula, RuleDecisionTree, RuleLookupTable,
	RuleMapping, RuleRangeLookup, RuleThreshold,
}

// Condition is a declarative predicate over declared inputs and named
// intermediates. Operators form a closed set; and/or/not nest via Args.
// For "between", Value is a two-element [low, high] pair (inclusive).
// For "in", Value is the list of admissible values.
type Condition struct {
	Op    string      `json:"op"`
	Field string      `json:"field,omitempty"`
	Value interface{} `json:"value,omitempty"`
	Args  []Condition `json:"args,omitempty"`
}

// Condition operators.
const (
	OpEq      = "eq"
	OpNe      = "ne"
	OpLt      = "lt"
	OpLe      = "le"
	OpGt      = "gt"
	OpGe      = "ge"
	OpBetween = "between"
	OpIn      = "in"
	OpAnd     = "and"
	OpOr      = "or"
	OpNot     = "not"
)

// Branch is one arm of a decision tree. The first branch whose condition
// holds supplies the output.
type Branch struct {
	Condition Condition   `json:"condition"`
	Output    interface{} `json:"output"`
	Label     string      `json:"label,omitempty"`
}

// Range is a half-open interval [Min, Max) of a range_lookup rule.
type Range struct {
	Min   float64     `json:"min"`
	Max   float64     `json:"max"`
	Value interface{} `json:"value"`
	Label string      `json:"label,omitempty"`
}

// Cutoff is one step of a threshold rule: the value applies when the
// compared number is >= Min. Cutoffs are declared highest first.
type Cutoff struct {
	Min   float64     `json:"min"`
	Value interface{} `json:"value"`
}

// Rule is a tagged variant. Exactly the fields of its type are populated;
// the store rejects bodies carrying fields of another type.
type Rule struct {
	Type RuleType `json:"type"`

	// formula
	Formula string `json:"formula,omitempty"`

	// decision_tree
	Branches []Branch    `json:"branches,omitempty"`
	Fallback interface{} `json:"fallback,omitempty"`

	// lookup_table / mapping
	Input   string                 `json:"input,omitempty"`
	Table   map[string]interface{} `json:"table,omitempty"`
	Default interface{}            `json:"default,omitempty"`

	// range_lookup
	Ranges []Range `json:"ranges,omitempty"`

	// threshold
	Cutoffs   []Cutoff    `json:"cutoffs,omitempty"`
	Otherwise interface{} `json:"otherwise,omitempty"`
}

// EdgeAction adjusts the base result of a document.
type EdgeAction struct {
	Op    string  `json:"op"` // multiply | add | set | cap | floor
	Value float64 `json:"value"`
}

// Edge-case action operators.
const (
	ActionMultiply = "multiply"
	ActionAdd      = "add"
	ActionSet      = "set"
	ActionCap      = "cap"
	ActionFloor    = "floor"
)

// EdgeCase is a declared override applied, in declaration order, after the
// main rule produces its base value.
type EdgeCase struct {
	Name      string     `json:"name"`
	Condition Condition  `json:"condition"`
	Action    EdgeAction `json:"action"`
}

// ConfidenceSpec declares how a document's confidence is derived. If Rule is
// set, that named rule supplies the base; otherwise Base is used directly.
// Penalties are keyed by name (e.g. "seniority_inferred") and subtracted for
// each penalty the tool layer reports as applied. The final value is clamped
// to [Floor, Ceiling].
type ConfidenceSpec struct {
	Base      float64            `json:"base,omitempty"`
	Rule      string             `json:"rule,omitempty"`
	Floor     float64            `json:"floor"`
	Ceiling   float64            `json:"ceiling"`
	Penalties map[string]float64 `json:"penalties,omitempty"`
}

// RuleMetadata describes a document version. Documents are immutable once
// published; a new version carries PreviousVersion for lineage.
type RuleMetadata struct {
	Tool              string    `json:"tool"`
	Version           string    `json:"version"`
	PreviousVersion   string    `json:"previous_version,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	Changelog         string    `json:"changelog,omitempty"`
	PerformanceTarget float64   `json:"performance_target,omitempty"`
}

// RuleDocument is the immutable versioned artifact holding the declarative
// logic for one tool. Identity is (metadata.tool, metadata.version).
//
// Result names the rule producing the document's base value; edge cases
// adjust that value before Outputs are resolved. Outputs maps response
// fields to rule names.
type RuleDocument struct {
	Metadata   RuleMetadata      `json:"metadata"`
	Rules      map[string]Rule   `json:"rules"`
	Result     string            `json:"result"`
	Outputs    map[string]string `json:"outputs"`
	EdgeCases  []EdgeCase        `json:"edge_cases,omitempty"`
	Confidence ConfidenceSpec    `json:"confidence"`
}

// RuleRole pins a document version's lifecycle stage.
type RuleRole string

const (
	RoleDraft      RuleRole = "draft"
	RoleShadow     RuleRole = "shadow"
	RoleProduction RuleRole = "production"
	RoleArchived   RuleRole = "archived"
)

// BreakdownStep is one recorded evaluation step. Breakdown entries are value
// objects produced alongside the result, never reconstructed afterwards.
type BreakdownStep struct {
	Step   string      `json:"step"`
	Value  interface{} `json:"value"`
	Reason string      `json:"reason,omitempty"`
}

// Evaluation is the interpreter's complete answer for one document.
type Evaluation struct {
	Result           interface{}            `json:"result"`
	Outputs          map[string]interface{} `json:"outputs"`
	Breakdown        []BreakdownStep        `json:"breakdown"`
	Variables        map[string]interface{} `json:"variables"`
	FormulaUsed      string                 `json:"formula_used,omitempty"`
	RuleVersion      string                 `json:"rule_version"`
	Confidence       float64                `json:"confidence"`
	EdgeCasesApplied []string               `json:"edge_cases_applied,omitempty"`
}
