package interpreter

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/signalline/qscore/pkg/contracts"
)

// Formula is a parsed arithmetic expression over named variables. The
// operator set is closed: + - * /, min, max, round, clamp, parentheses, and
// numeric literals. Expressions always parse to a finite tree; there is no
// recursion and no free-form code.
type Formula struct {
	Text string
	root formulaNode
	vars []string
}

// ParseFormula parses text into a Formula. A parse error reports the offending
// position.
func ParseFormula(text string) (*Formula, error) {
	p := &formulaParser{input: text}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("formula: unexpected %q at position %d", p.input[p.pos:], p.pos)
	}

	seen := map[string]bool{}
	collectVars(root, seen)
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)

	return &Formula{Text: text, root: root, vars: vars}, nil
}

// Vars returns the sorted set of variable names the formula references.
func (f *Formula) Vars() []string { return f.vars }

// Eval evaluates the formula, resolving variables through resolve.
// Division by zero is an evaluation error, never an Inf result.
func (f *Formula) Eval(resolve func(name string) (float64, error)) (float64, error) {
	return f.root.eval(resolve)
}

type formulaNode interface {
	eval(resolve func(string) (float64, error)) (float64, error)
}

type numNode struct{ v float64 }

func (n numNode) eval(func(string) (float64, error)) (float64, error) { return n.v, nil }

type varNode struct{ name string }

func (n varNode) eval(resolve func(string) (float64, error)) (float64, error) {
	return resolve(n.name)
}

type negNode struct{ arg formulaNode }

func (n negNode) eval(resolve func(string) (float64, error)) (float64, error) {
	v, err := n.arg.eval(resolve)
	if err != nil {
		return 0, err
	}
	return -v, nil
}

type binNode struct {
	op          byte
	left, right formulaNode
}

func (n binNode) eval(resolve func(string) (float64, error)) (float64, error) {
	l, err := n.left.eval(resolve)
	if err != nil {
		return 0, err
	}
	r, err := n.right.eval(resolve)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	case '/':
		if r == 0 {
			return 0, &contracts.EngineError{Code: contracts.CodeEvaluation, Message: "division by zero"}
		}
		return l / r, nil
	}
	return 0, fmt.Errorf("formula: unknown operator %q", n.op)
}

type callNode struct {
	fn   string
	args []formulaNode
}

func (n callNode) eval(resolve func(string) (float64, error)) (float64, error) {
	vals := make([]float64, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(resolve)
		if err != nil {
			return 0, err
		}
		vals[i] = v
	}
	switch n.fn {
	case "min":
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m, nil
	case "max":
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m, nil
	case "round":
		digits := 0.0
		if len(vals) == 2 {
			digits = vals[1]
		}
		scale := math.Pow(10, digits)
		return math.Round(vals[0]*scale) / scale, nil
	case "clamp":
		v := vals[0]
		if v < vals[1] {
			v = vals[1]
		}
		if v > vals[2] {
			v = vals[2]
		}
		return v, nil
	}
	return 0, fmt.Errorf("formula: unknown function %q", n.fn)
}

func collectVars(n formulaNode, seen map[string]bool) {
	switch t := n.(type) {
	case varNode:
		seen[t.name] = true
	case negNode:
		collectVars(t.arg, seen)
	case binNode:
		collectVars(t.left, seen)
		collectVars(t.right, seen)
	case callNode:
		for _, a := range t.args {
			collectVars(a, seen)
		}
	}
}

// formulaParser is a small recursive-descent parser. Precedence:
// unary minus > * / > + -.
type formulaParser struct {
	input string
	pos   int
}

func (p *formulaParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *formulaParser) peek() byte {
	if p.pos < len(p.input) {
		return p.input[p.pos]
	}
	return 0
}

func (p *formulaParser) parseExpr() (formulaNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binNode{op: op, left: left, right: right}
	}
}

func (p *formulaParser) parseTerm() (formulaNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binNode{op: op, left: left, right: right}
	}
}

func (p *formulaParser) parseUnary() (formulaNode, error) {
	p.skipSpace()
	if p.peek() == '-' {
		p.pos++
		arg, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negNode{arg: arg}, nil
	}
	return p.parsePrimary()
}

var formulaFuncs = map[string][2]int{
	// name -> {min args, max args}
	"min":   {1, 8},
	"max":   {1, 8},
	"round": {1, 2},
	"clamp": {3, 3},
}

func (p *formulaParser) parsePrimary() (formulaNode, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("formula: unexpected end of expression")
	}

	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return nil, fmt.Errorf("formula: missing closing parenthesis at position %d", p.pos)
		}
		p.pos++
		return inner, nil

	case c >= '0' && c <= '9' || c == '.':
		start := p.pos
		for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
			p.pos++
		}
		v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
		if err != nil {
			return nil, fmt.Errorf("formula: bad number %q: %w", p.input[start:p.pos], err)
		}
		return numNode{v: v}, nil

	case isIdentStart(c):
		start := p.pos
		for p.pos < len(p.input) && isIdentPart(p.input[p.pos]) {
			p.pos++
		}
		name := p.input[start:p.pos]
		p.skipSpace()
		if p.peek() != '(' {
			return varNode{name: name}, nil
		}
		arity, ok := formulaFuncs[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("formula: unknown function %q at position %d", name, start)
		}
		p.pos++ // consume '('
		var args []formulaNode
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			p.skipSpace()
			if p.peek() == ',' {
				p.pos++
				continue
			}
			break
		}
		if p.peek() != ')' {
			return nil, fmt.Errorf("formula: missing closing parenthesis in %s() call", name)
		}
		p.pos++
		if len(args) < arity[0] || len(args) > arity[1] {
			return nil, fmt.Errorf("formula: %s() takes %d..%d arguments, got %d", name, arity[0], arity[1], len(args))
		}
		return callNode{fn: strings.ToLower(name), args: args}, nil
	}

	return nil, fmt.Errorf("formula: unexpected character %q at position %d", c, p.pos)
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
