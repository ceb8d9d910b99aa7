// Package eval implements the calculator expression engine: a small
// arithmetic language parsed with participle and evaluated by
// structural recursion over the parse tree, optionally recording a
// step-by-step reduction trace.
//
// Supported: numbers, the constants pi, tau, and e, the binary
// operators + - * / % ^, unary - and +, parentheses, and the functions
// sin, cos, tan, sqrt, log, max, min, and pow.
package eval

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// ErrEval indicates the expression could not be parsed or evaluated.
// Evaluation errors are recoverable: the server reports them to the
// client as a status-coded response.
var ErrEval = errors.New("eval: invalid expression")

var calcLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Number", Pattern: `[0-9]+(\.[0-9]+)?`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `[-+*/%^(),]`},
	{Name: "Whitespace", Pattern: `[ \t\r\n]+`},
})

var parser = participle.MustBuild[Expression](
	participle.Lexer(calcLexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)

// Expression is the top grammar rule: addition-precedence chains.
type Expression struct {
	Left *Term    `parser:"@@"`
	Rest []*AddOp `parser:"@@*"`
}

// AddOp is one + or - application.
type AddOp struct {
	Op   string `parser:"@('+' | '-')"`
	Term *Term  `parser:"@@"`
}

// Term is a multiplication-precedence chain.
type Term struct {
	Left *Power   `parser:"@@"`
	Rest []*MulOp `parser:"@@*"`
}

// MulOp is one *, /, or % application.
type MulOp struct {
	Op    string `parser:"@('*' | '/' | '%')"`
	Power *Power `parser:"@@"`
}

// Power is exponentiation, right-associative.
type Power struct {
	Base     *Unary `parser:"@@"`
	Exponent *Power `parser:"('^' @@)?"`
}

// Unary is an optionally negated (or explicitly positive) atom.
type Unary struct {
	Op    string `parser:"( @('-' | '+')"`
	Unary *Unary `parser:"  @@ )"`
	Atom  *Atom  `parser:"| @@"`
}

// Atom is a leaf: a call, a number literal, a named constant, or a
// parenthesized subexpression.
type Atom struct {
	Call   *Call       `parser:"  @@"`
	Number *float64    `parser:"| @Number"`
	Const  *string     `parser:"| @Ident"`
	Sub    *Expression `parser:"| '(' @@ ')'"`
}

// Call is a function application with at least one argument.
type Call struct {
	Func string        `parser:"@Ident"`
	Args []*Expression `parser:"'(' @@ (',' @@)* ')'"`
}

// Evaluate parses and evaluates src. When withSteps is set, the
// returned slice holds the ordered reduction trace, one line per
// operator or function application; otherwise it is nil.
func Evaluate(src string, withSteps bool) (float64, []string, error) {
	expr, err := parser.ParseString("", src)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrEval, err)
	}

	var tr *tracer
	if withSteps {
		tr = &tracer{}
	}
	v, err := expr.eval(tr)
	if err != nil {
		return 0, nil, err
	}
	if tr != nil {
		return v, tr.steps, nil
	}
	return v, nil, nil
}

// tracer accumulates reduction steps. A nil tracer records nothing.
type tracer struct {
	steps []string
}

func (t *tracer) record(format string, args ...any) {
	if t == nil {
		return
	}
	t.steps = append(t.steps, fmt.Sprintf(format, args...))
}

func (e *Expression) eval(tr *tracer) (float64, error) {
	v, err := e.Left.eval(tr)
	if err != nil {
		return 0, err
	}
	for _, op := range e.Rest {
		r, err := op.Term.eval(tr)
		if err != nil {
			return 0, err
		}
		v, err = applyBinary(op.Op, v, r, tr)
		if err != nil {
			return 0, err
		}
	}
	return v, nil
}

func (t *Term) eval(tr *tracer) (float64, error) {
	v, err := t.Left.eval(tr)
	if err != nil {
		return 0, err
	}
	for _, op := range t.Rest {
		r, err := op.Power.eval(tr)
		if err != nil {
			return 0, err
		}
		v, err = applyBinary(op.Op, v, r, tr)
		if err != nil {
			return 0, err
		}
	}
	return v, nil
}

func (p *Power) eval(tr *tracer) (float64, error) {
	base, err := p.Base.eval(tr)
	if err != nil {
		return 0, err
	}
	if p.Exponent == nil {
		return base, nil
	}
	exp, err := p.Exponent.eval(tr)
	if err != nil {
		return 0, err
	}
	return applyBinary("^", base, exp, tr)
}

func (u *Unary) eval(tr *tracer) (float64, error) {
	if u.Atom != nil {
		return u.Atom.eval(tr)
	}
	v, err := u.Unary.eval(tr)
	if err != nil {
		return 0, err
	}
	if u.Op == "-" {
		tr.record("-(%s) = %s", num(v), num(-v))
		return -v, nil
	}
	return v, nil
}

func (a *Atom) eval(tr *tracer) (float64, error) {
	switch {
	case a.Call != nil:
		return a.Call.eval(tr)
	case a.Number != nil:
		return *a.Number, nil
	case a.Const != nil:
		switch *a.Const {
		case "pi":
			return math.Pi, nil
		case "tau":
			return 2 * math.Pi, nil
		case "e":
			return math.E, nil
		}
		return 0, fmt.Errorf("%w: unknown constant %q", ErrEval, *a.Const)
	default:
		return a.Sub.eval(tr)
	}
}

func (c *Call) eval(tr *tracer) (float64, error) {
	args := make([]float64, len(c.Args))
	for i, arg := range c.Args {
		v, err := arg.eval(tr)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}
	v, err := applyFunction(c.Func, args)
	if err != nil {
		return 0, err
	}
	tr.record("%s(%s) = %s", c.Func, numList(args), num(v))
	return v, nil
}

func applyBinary(op string, l, r float64, tr *tracer) (float64, error) {
	var v float64
	switch op {
	case "+":
		v = l + r
	case "-":
		v = l - r
	case "*":
		v = l * r
	case "/":
		if r == 0 {
			return 0, fmt.Errorf("%w: division by zero", ErrEval)
		}
		v = l / r
	case "%":
		if r == 0 {
			return 0, fmt.Errorf("%w: modulo by zero", ErrEval)
		}
		v = math.Mod(l, r)
	case "^":
		v = math.Pow(l, r)
	default:
		return 0, fmt.Errorf("%w: unknown operator %q", ErrEval, op)
	}
	if err := checkFinite(v); err != nil {
		return 0, err
	}
	tr.record("%s %s %s = %s", num(l), op, num(r), num(v))
	return v, nil
}

func applyFunction(name string, args []float64) (float64, error) {
	arity := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%w: %s expects %d argument(s), got %d", ErrEval, name, n, len(args))
		}
		return nil
	}

	var v float64
	switch name {
	case "sin":
		if err := arity(1); err != nil {
			return 0, err
		}
		v = math.Sin(args[0])
	case "cos":
		if err := arity(1); err != nil {
			return 0, err
		}
		v = math.Cos(args[0])
	case "tan":
		if err := arity(1); err != nil {
			return 0, err
		}
		v = math.Tan(args[0])
	case "sqrt":
		if err := arity(1); err != nil {
			return 0, err
		}
		if args[0] < 0 {
			return 0, fmt.Errorf("%w: sqrt of negative number", ErrEval)
		}
		v = math.Sqrt(args[0])
	case "log":
		if err := arity(1); err != nil {
			return 0, err
		}
		if args[0] <= 0 {
			return 0, fmt.Errorf("%w: log of non-positive number", ErrEval)
		}
		v = math.Log(args[0])
	case "pow":
		if err := arity(2); err != nil {
			return 0, err
		}
		v = math.Pow(args[0], args[1])
	case "max":
		if len(args) == 0 {
			return 0, fmt.Errorf("%w: max expects at least one argument", ErrEval)
		}
		v = args[0]
		for _, a := range args[1:] {
			v = math.Max(v, a)
		}
	case "min":
		if len(args) == 0 {
			return 0, fmt.Errorf("%w: min expects at least one argument", ErrEval)
		}
		v = args[0]
		for _, a := range args[1:] {
			v = math.Min(v, a)
		}
	default:
		return 0, fmt.Errorf("%w: unknown function %q", ErrEval, name)
	}
	if err := checkFinite(v); err != nil {
		return 0, err
	}
	return v, nil
}

// checkFinite rejects NaN and infinite intermediate results so every
// reportable value survives the response payload serialization.
func checkFinite(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: result out of range", ErrEval)
	}
	return nil
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func numList(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = num(v)
	}
	return strings.Join(parts, ", ")
}
