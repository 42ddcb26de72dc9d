package contracts

import (
	"time"
)

// DecisionRecord is the ledger's primary entity. Once written, fields never
// change; feedback attaches by reference.
type DecisionRecord struct {
	DecisionID  string                 `json:"decision_id"`
	Tool        string                 `json:"tool"`
	RuleVersion string                 `json:"rule_version"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	Caller      string                 `json:"caller,omitempty"`
	Input       map[string]interface{} `json:"input"`
	Output      map[string]interface{} `json:"output"`
	Confidence  float64                `json:"confidence"`
	KeyFactors  []string               `json:"key_factors,omitempty"`
	EdgeCases   []string               `json:"edge_cases_applied,omitempty"`
	Breakdown   []BreakdownStep        `json:"breakdown,omitempty"`
	LatencyMS   float64                `json:"latency_ms"`
	DecidedAt   time.Time              `json:"decided_at"`

	// Defaults injected for absent optional fields, so downstream
	// calibration can tell declared values from assumed ones.
	DefaultsApplied []string `json:"defaults_applied,omitempty"`

	// Present only when a shadow or treatment version also ran.
	Shadow *ShadowComparison `json:"shadow,omitempty"`
}

// ShadowComparison captures how a secondary rule version compared with
// production. It never influences the caller's response.
type ShadowComparison struct {
	Version         string   `json:"version"`
	Mode            string   `json:"mode"` // "shadow" | "treatment"
	CategoricalKeys []string `json:"categorical_keys,omitempty"`
	Match           bool     `json:"match"`
	ScoreDelta      float64  `json:"score_delta"`
	ConfidenceDelta float64  `json:"confidence_delta"`
	LatencyMS       float64  `json:"latency_ms"`
	Error           string   `json:"error,omitempty"`
}

// ToolResult is what the executor returns to the caller. LogDropped reports
// the degraded path where the ledger append was shed; DecisionID is empty in
// that case.
type ToolResult struct {
	DecisionID  string                 `json:"decision_id,omitempty"`
	Tool        string                 `json:"tool"`
	RuleVersion string                 `json:"rule_version"`
	Result      map[string]interface{} `json:"result"`
	Confidence  float64                `json:"confidence"`
	Breakdown   []BreakdownStep        `json:"breakdown"`
	KeyFactors  []string               `json:"key_factors,omitempty"`
	EdgeCases   []string               `json:"edge_cases_applied,omitempty"`
	LogDropped  bool                   `json:"-"`
}

// RequestContext carries caller identity and experiment routing inputs into
// the executor. SubjectKey is the stable bucketing key (usually the company
// identifier) for A/B assignment.
type RequestContext struct {
	Caller     string `json:"caller,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	SubjectKey string `json:"subject_key,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
}

// ABVariant identifies the arm of an experiment.
type ABVariant string

const (
	VariantControl   ABVariant = "control"
	VariantTreatment ABVariant = "treatment"
)

// ABAssignment records which arm a subject saw. Assignments are
// deterministic: the same subject and experiment always map to the same
// variant for the life of the experiment.
type ABAssignment struct {
	ExperimentID     string    `json:"experiment_id"`
	SubjectKey       string    `json:"subject_key"`
	Variant          ABVariant `json:"variant"`
	Tool             string    `json:"tool"`
	ControlVersion   string    `json:"control_version"`
	TreatmentVersion string    `json:"treatment_version"`
	AssignedAt       time.Time `json:"assigned_at"`
}
