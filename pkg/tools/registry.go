// Package tools is the closed registry of decision tools. Each definition
// carries a compiled input schema, SLA bounds, the admission expression the
// policy layer enforces, and a preparation step that normalizes input,
// injects declared defaults, and infers missing fields with the penalties
// the rule documents declare.
package tools

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/signalline/qscore/pkg/contracts"
)

//go:embed seeds
var seedFS embed.FS

// Seeds returns the embedded seed rule documents, rooted at the tool
// directories (tool/version.json plus tool/roles.json).
func Seeds() fs.FS {
	sub, err := fs.Sub(seedFS, "seeds")
	if err != nil {
		panic(err) // embed layout is fixed at build time
	}
	return sub
}

// Tool names. The registry is closed; there is no dynamic registration.
const (
	CompanyQuality      = "CompanyQuality"
	ContactTier         = "ContactTier"
	TimingScore         = "TimingScore"
	BankingProductMatch = "BankingProductMatch"
	CompositeScore      = "CompositeScore"
)

// Prepared is the outcome of the tool layer's input preparation: the
// enriched input the interpreter sees, the declared penalties that apply,
// breakdown entries recorded before evaluation, and the names of fields
// that received defaults.
type Prepared struct {
	Input           map[string]interface{}
	Penalties       []string
	PreSteps        []contracts.BreakdownStep
	DefaultsApplied []string
}

// Definition is one tool of the closed registry.
type Definition struct {
	Name   string
	Strict bool
	SLA    time.Duration

	// AdmissionExpr is a CEL expression over {caller, tenant_id, tool};
	// empty admits every caller.
	AdmissionExpr string

	schema      *jsonschema.Schema
	inputFields []string
	prepare     func(in map[string]interface{}) *Prepared
}

// InputFields lists the fields this tool's rule documents may reference:
// the schema's properties plus anything preparation injects.
func (d *Definition) InputFields() []string {
	out := make([]string, len(d.inputFields))
	copy(out, d.inputFields)
	return out
}

// ValidateInput checks raw caller input against the tool's schema. Failures
// are schema-validation errors carrying one violation string per cause.
func (d *Definition) ValidateInput(input map[string]interface{}) error {
	if input == nil {
		input = map[string]interface{}{}
	}
	if err := d.schema.Validate(input); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return &contracts.EngineError{Code: contracts.CodeSchemaValidation, Message: err.Error(), Err: err}
		}
		return &contracts.EngineError{
			Code:       contracts.CodeSchemaValidation,
			Message:    fmt.Sprintf("input for %s rejected", d.Name),
			Violations: flatten(ve),
			Err:        err,
		}
	}
	return nil
}

// Prepare normalizes validated input for evaluation. It never mutates the
// caller's map.
func (d *Definition) Prepare(input map[string]interface{}) *Prepared {
	in := make(map[string]interface{}, len(input))
	for k, v := range input {
		in[k] = v
	}
	return d.prepare(in)
}

func flatten(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := strings.TrimPrefix(e.InstanceLocation, "/")
			if loc == "" {
				out = append(out, e.Message)
			} else {
				out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}

// Registry holds the five tool definitions.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry compiles every tool schema and returns the closed registry.
func NewRegistry() (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, 5)}
	for _, d := range []*Definition{
		companyQualityDef(),
		contactTierDef(),
		timingScoreDef(),
		bankingProductMatchDef(),
		compositeScoreDef(),
	} {
		schema, err := compileSchema(d.Name, toolSchemas[d.Name])
		if err != nil {
			return nil, err
		}
		d.schema = schema
		r.defs[d.Name] = d
	}
	return r, nil
}

// Get returns the definition for a tool name.
func (r *Registry) Get(name string) (*Definition, error) {
	d, ok := r.defs[name]
	if !ok {
		return nil, &contracts.EngineError{
			Code:    contracts.CodeRuleNotFound,
			Message: fmt.Sprintf("unknown tool %q", name),
		}
	}
	return d, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InputFields maps each tool to the fields its documents may reference.
// The rule store uses this at load time.
func (r *Registry) InputFields() map[string][]string {
	out := make(map[string][]string, len(r.defs))
	for name, d := range r.defs {
		out[name] = d.InputFields()
	}
	return out
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://qscore.schemas.local/tools/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tools: schema for %s: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema for %s: %w", name, err)
	}
	return schema, nil
}
