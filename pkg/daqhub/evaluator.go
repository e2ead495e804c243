package daqhub

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/chosenoffset/daqhub/pkg/daqhub/actions"
	"github.com/chosenoffset/daqhub/pkg/daqhub/parser"
)

// equalityTolerance is the absolute difference under which == holds.
const equalityTolerance = 1e-9

// Branch records which side of an IF was taken on a given line.
type Branch struct {
	Line  int    `json:"line"`
	Taken string `json:"taken"`
}

// Trace is the debug record of one evaluation. It never influences results.
type Trace struct {
	Branches      []Branch `json:"branches"`
	ExecutedLines []int    `json:"executed_lines"`
}

// Evaluator runs a compiled program against one snapshot. Hardware writes
// and static assignments are collected, not applied: writes are returned by
// Writes and static assignments reach the store only when the whole program
// succeeds.
type Evaluator struct {
	snapshot *SignalSnapshot
	globals  *GlobalVariableStore
	source   string
	dryRun   bool

	locals   map[string]float64
	staged   map[string]float64
	writes   []actions.Intent
	branches []Branch
	lines    map[int]struct{}
}

func NewEvaluator(snapshot *SignalSnapshot, globals *GlobalVariableStore) *Evaluator {
	if snapshot == nil {
		snapshot = &SignalSnapshot{}
	}
	if globals == nil {
		globals = NewGlobalVariableStore()
	}
	if snapshot.Layout != nil {
		snapshot.Layout.Index()
	}
	return &Evaluator{
		snapshot: snapshot,
		globals:  globals,
	}
}

// SetSource names the expression being evaluated; it tags errors and writes.
func (e *Evaluator) SetSource(name string) {
	e.source = name
}

// SetDryRun keeps static assignments out of the global store.
func (e *Evaluator) SetDryRun(dryRun bool) {
	e.dryRun = dryRun
}

func (e *Evaluator) Eval(program *parser.Program) (float64, error) {
	return e.EvalWithContext(context.Background(), program)
}

// EvalWithContext evaluates every statement in order and returns the value
// of the last one. An empty program evaluates to 0.
func (e *Evaluator) EvalWithContext(ctx context.Context, program *parser.Program) (float64, error) {
	e.locals = make(map[string]float64)
	e.staged = make(map[string]float64)
	e.writes = nil
	e.branches = nil
	e.lines = make(map[int]struct{})

	if program == nil {
		return 0, nil
	}

	result, err := e.evalStatements(ctx, program.Statements)
	if err != nil {
		e.writes = nil
		return 0, err
	}

	if !e.dryRun {
		e.globals.SetAll(e.staged)
	}
	return result, nil
}

// Locals returns the local variables left by the last evaluation.
func (e *Evaluator) Locals() map[string]float64 {
	out := make(map[string]float64, len(e.locals))
	for k, v := range e.locals {
		out[k] = v
	}
	return out
}

// Writes returns the hardware write intents collected by the last
// successful evaluation, in statement order.
func (e *Evaluator) Writes() []actions.Intent {
	return append([]actions.Intent(nil), e.writes...)
}

// Statics returns the static assignments made by the last evaluation.
func (e *Evaluator) Statics() map[string]float64 {
	out := make(map[string]float64, len(e.staged))
	for k, v := range e.staged {
		out[k] = v
	}
	return out
}

func (e *Evaluator) Trace() Trace {
	lines := make([]int, 0, len(e.lines))
	for line := range e.lines {
		lines = append(lines, line)
	}
	sort.Ints(lines)
	return Trace{
		Branches:      append([]Branch(nil), e.branches...),
		ExecutedLines: lines,
	}
}

func (e *Evaluator) evalStatements(ctx context.Context, stmts []parser.Statement) (float64, error) {
	var result float64

	for _, statement := range stmts {
		// Check context cancellation between statements
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("evaluation cancelled: %w", ctx.Err())
		default:
		}

		value, err := e.evalStatement(ctx, statement)
		if err != nil {
			return 0, err
		}
		result = value
	}

	return result, nil
}

func (e *Evaluator) evalStatement(ctx context.Context, stmt parser.Statement) (float64, error) {
	switch stmt := stmt.(type) {
	case *parser.BlockStatement:
		return e.evalStatements(ctx, stmt.Statements)

	case *parser.ExpressionStatement:
		e.markLine(stmt)
		return e.evalExpression(ctx, stmt.Expression)

	case *parser.AssignStatement:
		e.markLine(stmt)
		value, err := e.evalExpression(ctx, stmt.Value)
		if err != nil {
			return 0, err
		}
		e.assign(stmt, value)
		return value, nil

	default:
		return 0, e.errorf(stmt, "unknown statement type: %T", stmt)
	}
}

func (e *Evaluator) assign(stmt *parser.AssignStatement, value float64) {
	switch stmt.Target {
	case parser.LocalTarget:
		e.locals[stmt.Name] = value
	case parser.StaticTarget:
		e.staged[stmt.Name] = value
	case parser.DigitalOutTarget:
		// Unknown output names are ignored, the same as unknown reads.
		if ch, ok := e.lookup(DigitalOut, stmt.Name); ok {
			intent := actions.Digital(ch, stmt.Name, value >= 1.0)
			intent.Source = e.source
			e.writes = append(e.writes, intent)
		}
	case parser.AnalogOutTarget:
		if ch, ok := e.lookup(AnalogOut, stmt.Name); ok {
			intent := actions.Analog(ch, stmt.Name, value)
			intent.Source = e.source
			e.writes = append(e.writes, intent)
		}
	}
}

func (e *Evaluator) lookup(kind ChannelKind, name string) (int, bool) {
	if e.snapshot.Layout == nil {
		return -1, false
	}
	return e.snapshot.Layout.Index().Lookup(kind, name)
}

func (e *Evaluator) evalExpression(ctx context.Context, node parser.Expression) (float64, error) {
	switch node := node.(type) {
	case *parser.NumberLiteral:
		return node.Value, nil

	case *parser.Identifier:
		return e.evalIdentifier(node), nil

	case *parser.SignalRef:
		value, _ := e.snapshot.Resolve(ChannelKind(node.Kind), node.Name, node.Prop)
		return value, nil

	case *parser.StaticVar:
		if v, ok := e.staged[node.Name]; ok {
			return v, nil
		}
		return e.globals.Get(node.Name), nil

	case *parser.ButtonVar:
		return e.snapshot.Buttons[node.Name], nil

	case *parser.PrefixExpression:
		right, err := e.evalExpression(ctx, node.Right)
		if err != nil {
			return 0, err
		}
		switch node.Operator {
		case "-":
			return -right, nil
		case "NOT":
			return boolToFloat(!isTruthy(right)), nil
		default:
			return 0, e.errorf(node, "unknown operator: %s", node.Operator)
		}

	case *parser.InfixExpression:
		return e.evalInfixExpression(ctx, node)

	case *parser.CallExpression:
		args := make([]float64, 0, len(node.Arguments))
		for _, arg := range node.Arguments {
			v, err := e.evalExpression(ctx, arg)
			if err != nil {
				return 0, err
			}
			args = append(args, v)
		}
		return e.callFunction(node, args)

	case *parser.IfExpression:
		return e.evalIfExpression(ctx, node)

	default:
		return 0, e.errorf(node, "unknown node type: %T", node)
	}
}

func (e *Evaluator) evalIdentifier(node *parser.Identifier) float64 {
	if v, ok := e.locals[node.Value]; ok {
		return v
	}
	switch node.Value {
	case "time":
		return e.snapshot.Time
	case "sample":
		return float64(e.snapshot.Sample)
	}
	return 0
}

func (e *Evaluator) evalInfixExpression(ctx context.Context, node *parser.InfixExpression) (float64, error) {
	left, err := e.evalExpression(ctx, node.Left)
	if err != nil {
		return 0, err
	}

	// AND and OR short-circuit.
	switch node.Operator {
	case "AND":
		if !isTruthy(left) {
			return 0, nil
		}
	case "OR":
		if isTruthy(left) {
			return 1, nil
		}
	}

	right, err := e.evalExpression(ctx, node.Right)
	if err != nil {
		return 0, err
	}

	switch node.Operator {
	case "AND", "OR":
		return boolToFloat(isTruthy(right)), nil
	case "+":
		return finite(left + right), nil
	case "-":
		return finite(left - right), nil
	case "*":
		return finite(left * right), nil
	case "/":
		if right == 0 {
			return 0, nil
		}
		return finite(left / right), nil
	case "%":
		return floorMod(left, right), nil
	case "<":
		return boolToFloat(left < right), nil
	case ">":
		return boolToFloat(left > right), nil
	case "<=":
		return boolToFloat(left <= right), nil
	case ">=":
		return boolToFloat(left >= right), nil
	case "==":
		return boolToFloat(math.Abs(left-right) < equalityTolerance), nil
	case "!=":
		return boolToFloat(math.Abs(left-right) >= equalityTolerance), nil
	default:
		return 0, e.errorf(node, "unknown operator: %s", node.Operator)
	}
}

func (e *Evaluator) evalIfExpression(ctx context.Context, node *parser.IfExpression) (float64, error) {
	cond, err := e.evalExpression(ctx, node.Condition)
	if err != nil {
		return 0, err
	}

	line, _ := node.Lines()
	if isTruthy(cond) {
		e.branches = append(e.branches, Branch{Line: line, Taken: "then"})
		return e.evalStatement(ctx, node.Consequence)
	}

	e.branches = append(e.branches, Branch{Line: line, Taken: "else"})
	if node.Alternative == nil {
		return 0, nil
	}
	return e.evalStatement(ctx, node.Alternative)
}

func (e *Evaluator) callFunction(node *parser.CallExpression, args []float64) (float64, error) {
	unary := func(fn func(float64) float64) (float64, error) {
		if len(args) != 1 {
			return 0, e.errorf(node, "wrong number of arguments for %s: got=%d, want=1", node.Function, len(args))
		}
		return finite(fn(args[0])), nil
	}

	switch node.Function {
	case "sin":
		return unary(math.Sin)
	case "cos":
		return unary(math.Cos)
	case "tan":
		return unary(math.Tan)
	case "abs":
		return unary(math.Abs)
	case "exp":
		return unary(math.Exp)
	case "sqrt":
		return unary(func(x float64) float64 {
			if x < 0 {
				return 0
			}
			return math.Sqrt(x)
		})
	case "log":
		return unary(func(x float64) float64 {
			if x <= 0 {
				return 0
			}
			return math.Log(x)
		})
	case "min", "max":
		if len(args) == 0 {
			return 0, e.errorf(node, "wrong number of arguments for %s: got=0, want at least 1", node.Function)
		}
		best := args[0]
		for _, v := range args[1:] {
			if (node.Function == "min" && v < best) || (node.Function == "max" && v > best) {
				best = v
			}
		}
		return best, nil
	case "clamp":
		if len(args) != 3 {
			return 0, e.errorf(node, "wrong number of arguments for clamp: got=%d, want=3", len(args))
		}
		return math.Max(args[1], math.Min(args[2], args[0])), nil
	default:
		return 0, e.errorf(node, "unknown function: %s", node.Function)
	}
}

func (e *Evaluator) markLine(node parser.Node) {
	line, _ := node.Lines()
	e.lines[line] = struct{}{}
}

func (e *Evaluator) errorf(node parser.Node, format string, args ...interface{}) *EvalError {
	line := 0
	if node != nil {
		line, _ = node.Lines()
	}
	return &EvalError{Expression: e.source, Line: line, Msg: fmt.Sprintf(format, args...)}
}

func isTruthy(v float64) bool {
	return v != 0
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// finite maps NaN and ±Inf to 0 so no non-finite value escapes evaluation.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// floorMod takes the sign of the divisor. Modulo by zero is 0.
func floorMod(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	r := math.Mod(a, b)
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return finite(r)
}
