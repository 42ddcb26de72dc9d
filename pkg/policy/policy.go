// Package policy admits or rejects decision requests before any rule
// document is loaded. Admission is a per-tool CEL expression over the
// caller identity; expressions are compiled once at construction so no
// compile error can surface at decision time.
package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/signalline/qscore/pkg/contracts"
)

// Gate holds the compiled admission programs, one per tool. Tools without
// an expression admit every caller.
type Gate struct {
	programs map[string]cel.Program
}

// NewGate compiles the given tool -> expression map. Empty expressions are
// skipped.
func NewGate(exprs map[string]string) (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("caller", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("tool", cel.StringType),
	)
	if err != nil {
		return nil, err
	}

	g := &Gate{programs: make(map[string]cel.Program, len(exprs))}
	for tool, expr := range exprs {
		if expr == "" {
			continue
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: admission for %s: %w", tool, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("policy: admission for %s must yield bool, got %s", tool, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: admission for %s: %w", tool, err)
		}
		g.programs[tool] = prg
	}
	return g, nil
}

// Admit evaluates the tool's admission expression against the request
// context. Runtime evaluation failures reject the request; admission fails
// closed.
func (g *Gate) Admit(tool string, reqctx contracts.RequestContext) error {
	prg, ok := g.programs[tool]
	if !ok {
		return nil
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"caller":    reqctx.Caller,
		"tenant_id": reqctx.TenantID,
		"tool":      tool,
	})
	if err != nil {
		return violation(tool, reqctx.Caller, err.Error())
	}
	allowed, ok := out.Value().(bool)
	if !ok || !allowed {
		return violation(tool, reqctx.Caller, "caller not admitted")
	}
	return nil
}

func violation(tool, caller, reason string) error {
	return &contracts.EngineError{
		Code:    contracts.CodePolicyViolation,
		Message: fmt.Sprintf("tool %s rejected caller %q: %s", tool, caller, reason),
	}
}
