package daqhub

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/segmentio/fasthash/fnv1a"

	"github.com/chosenoffset/daqhub/pkg/daqhub/actions"
	"github.com/chosenoffset/daqhub/pkg/daqhub/parser"
)

// ExpressionDef is the user-editable part of an expression.
type ExpressionDef struct {
	Name    string  `hcl:"name,label" json:"name"`
	Source  string  `hcl:"source" json:"source"`
	Enabled bool    `hcl:"enabled,optional" json:"enabled"`
	RateHz  float64 `hcl:"rate_hz,optional" json:"rate_hz,omitempty"`
}

// Telemetry is the per-cycle report for one expression.
type Telemetry struct {
	Name          string             `json:"name"`
	Output        float64            `json:"output"`
	Enabled       bool               `json:"enabled"`
	Error         string             `json:"error"`
	Skipped       bool               `json:"skipped"`
	Locals        map[string]float64 `json:"locals"`
	Branches      []Branch           `json:"branches"`
	ExecutedLines []int              `json:"executed_lines"`
	DOWrites      []actions.Intent   `json:"do_writes"`
	AOWrites      []actions.Intent   `json:"ao_writes"`
}

// Expression is a compiled, named expression together with its runtime
// state. Runtime state is only touched by the registry under its lock.
type Expression struct {
	ExpressionDef

	program *parser.Program
	hash    uint64

	counter   int
	output    float64
	telemetry Telemetry
}

// Program returns the compiled tree.
func (x *Expression) Program() *parser.Program { return x.program }

// RegistryLimits bounds what the registry accepts.
type RegistryLimits struct {
	MaxExpressions  int // Maximum number of expressions
	MaxComplexity   int // Maximum AST nodes per expression
	MaxSourceLength int // Maximum source length in bytes
}

func DefaultRegistryLimits() *RegistryLimits {
	return &RegistryLimits{
		MaxExpressions:  100,
		MaxComplexity:   1000,
		MaxSourceLength: 5000,
	}
}

// CycleResult is everything one registry pass produced.
type CycleResult struct {
	Telemetry []Telemetry
	Writes    []actions.Intent
	Outputs   []float64
}

// ValidationResult is the outcome of a trial evaluation.
type ValidationResult struct {
	Result       float64            `json:"result"`
	Locals       map[string]float64 `json:"locals"`
	Statics      map[string]float64 `json:"statics"`
	Writes       []actions.Intent   `json:"writes"`
	Trace        Trace              `json:"trace"`
	RuntimeError string             `json:"runtime_error,omitempty"`
}

// Registry owns the expression table. Expressions are evaluated strictly in
// registration order; a read of an expression not yet evaluated in the
// current pass sees its output from the previous pass.
type Registry struct {
	mu      sync.Mutex
	exprs   []*Expression
	globals *GlobalVariableStore
	limits  *RegistryLimits
	version uint64

	// layout caches the snapshot layout extended with expression names.
	layoutBase    *ChannelLayout
	layout        *ChannelLayout
	layoutVersion uint64
}

func NewRegistry(globals *GlobalVariableStore) *Registry {
	if globals == nil {
		globals = NewGlobalVariableStore()
	}
	return &Registry{
		exprs:   make([]*Expression, 0),
		globals: globals,
		limits:  DefaultRegistryLimits(),
	}
}

func (r *Registry) Globals() *GlobalVariableStore { return r.globals }

func (r *Registry) SetLimits(limits *RegistryLimits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits = limits
}

func (r *Registry) Limits() *RegistryLimits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits
}

// Version changes whenever expressions are added, removed or reordered.
func (r *Registry) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Compile parses source and checks it against the registry limits.
func (r *Registry) Compile(name, source string) (*parser.Program, error) {
	r.mu.Lock()
	limits := r.limits
	r.mu.Unlock()
	return compile(limits, name, source)
}

func compile(limits *RegistryLimits, name, source string) (*parser.Program, error) {
	if limits.MaxSourceLength > 0 && len(source) > limits.MaxSourceLength {
		return nil, &LimitError{Resource: "source length", Current: len(source), Limit: limits.MaxSourceLength}
	}
	program, err := parser.Parse(source)
	if err != nil {
		return nil, &CompileError{Expression: name, Err: err}
	}
	if complexity := program.CountNodes(); limits.MaxComplexity > 0 && complexity > limits.MaxComplexity {
		return nil, &LimitError{Resource: "expression complexity", Current: complexity, Limit: limits.MaxComplexity}
	}
	return program, nil
}

// Add compiles and appends a new expression. Compile errors are returned
// immediately and leave the table unchanged.
func (r *Registry) Add(def ExpressionDef) error {
	if def.Name == "" {
		return errors.New("expression name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(def.Name) >= 0 {
		return fmt.Errorf("expression %q: %w", def.Name, ErrDuplicate)
	}
	if r.limits.MaxExpressions > 0 && len(r.exprs) >= r.limits.MaxExpressions {
		return &LimitError{Resource: "expressions", Current: len(r.exprs) + 1, Limit: r.limits.MaxExpressions}
	}

	program, err := compile(r.limits, def.Name, def.Source)
	if err != nil {
		return err
	}

	next := make([]*Expression, len(r.exprs), len(r.exprs)+1)
	copy(next, r.exprs)
	next = append(next, newExpression(def, program))
	r.swap(next)
	return nil
}

// Update changes an existing expression. The source is recompiled only
// when its hash changed; a failed compile keeps the previous program.
func (r *Registry) Update(def ExpressionDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(def.Name)
	if i < 0 {
		return fmt.Errorf("expression %q: %w", def.Name, ErrNotFound)
	}

	old := r.exprs[i]
	updated := *old
	updated.ExpressionDef = def

	if hash := fnv1a.HashString64(def.Source); hash != old.hash {
		program, err := compile(r.limits, def.Name, def.Source)
		if err != nil {
			return err
		}
		updated.program = program
		updated.hash = hash
	}
	if updated.RateHz != old.RateHz {
		updated.counter = 0
	}
	if !def.Enabled {
		disable(&updated)
	}

	next := make([]*Expression, len(r.exprs))
	copy(next, r.exprs)
	next[i] = &updated
	r.exprs = next
	return nil
}

func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(name)
	if i < 0 {
		return fmt.Errorf("expression %q: %w", name, ErrNotFound)
	}
	next := make([]*Expression, 0, len(r.exprs)-1)
	next = append(next, r.exprs[:i]...)
	next = append(next, r.exprs[i+1:]...)
	r.swap(next)
	return nil
}

// SetEnabled toggles an expression. Disabling resets its output and its
// decimation counter.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(name)
	if i < 0 {
		return fmt.Errorf("expression %q: %w", name, ErrNotFound)
	}
	x := r.exprs[i]
	x.Enabled = enabled
	if !enabled {
		disable(x)
	}
	return nil
}

// SetRate changes the execution rate; 0 runs every control cycle.
func (r *Registry) SetRate(name string, hz float64) error {
	if hz < 0 || math.IsNaN(hz) {
		return fmt.Errorf("invalid execution rate %v", hz)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(name)
	if i < 0 {
		return fmt.Errorf("expression %q: %w", name, ErrNotFound)
	}
	r.exprs[i].RateHz = hz
	r.exprs[i].counter = 0
	return nil
}

// Replace compiles every definition and swaps the whole table in one step.
// If any definition fails nothing changes. Expressions that keep their name
// keep their last output.
func (r *Registry) Replace(defs []ExpressionDef) error {
	r.mu.Lock()
	limits := r.limits
	r.mu.Unlock()

	if limits.MaxExpressions > 0 && len(defs) > limits.MaxExpressions {
		return &LimitError{Resource: "expressions", Current: len(defs), Limit: limits.MaxExpressions}
	}

	seen := make(map[string]bool, len(defs))
	next := make([]*Expression, 0, len(defs))
	var errs []error
	for _, def := range defs {
		if def.Name == "" {
			errs = append(errs, errors.New("expression name is required"))
			continue
		}
		if seen[def.Name] {
			errs = append(errs, fmt.Errorf("expression %q: %w", def.Name, ErrDuplicate))
			continue
		}
		seen[def.Name] = true

		program, err := compile(limits, def.Name, def.Source)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		next = append(next, newExpression(def, program))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range next {
		if i := r.indexOf(x.Name); i >= 0 && x.Enabled {
			x.output = r.exprs[i].output
			x.telemetry = r.exprs[i].telemetry
			x.telemetry.Enabled = true
		}
	}
	r.swap(next)
	return nil
}

// Validate compiles source and evaluates it once against snapshot without
// touching the global store or producing writes. A compile error is
// returned as an error; a runtime error is reported in the result.
func (r *Registry) Validate(ctx context.Context, source string, snapshot *SignalSnapshot) (*ValidationResult, error) {
	program, err := r.Compile("", source)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		snapshot = &SignalSnapshot{}
	}
	snap := snapshot.Clone()
	snap.Layout = r.layoutFor(snapshot.Layout)
	snap.Expr = r.Outputs()

	eval := NewEvaluator(snap, r.globals)
	eval.SetDryRun(true)
	result, evalErr := eval.EvalWithContext(ctx, program)

	out := &ValidationResult{
		Result:  result,
		Locals:  eval.Locals(),
		Statics: eval.Statics(),
		Writes:  eval.Writes(),
		Trace:   eval.Trace(),
	}
	if evalErr != nil {
		out.RuntimeError = evalErr.Error()
	}
	return out, nil
}

// Evaluate runs one control-cycle pass over every expression. snapshot is
// modified in place: its layout gains the expression namespace and its Expr
// values are updated as each expression completes.
func (r *Registry) Evaluate(ctx context.Context, snapshot *SignalSnapshot, controlRateHz float64) CycleResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot.Layout = r.layoutForLocked(snapshot.Layout)
	snapshot.Expr = make([]float64, len(r.exprs))
	for i, x := range r.exprs {
		snapshot.Expr[i] = x.output
	}

	result := CycleResult{
		Telemetry: make([]Telemetry, 0, len(r.exprs)),
		Outputs:   snapshot.Expr,
	}
	for i, x := range r.exprs {
		tel, writes := r.evaluateOne(ctx, x, snapshot, controlRateHz)
		snapshot.Expr[i] = x.output
		result.Telemetry = append(result.Telemetry, tel)
		result.Writes = append(result.Writes, writes...)
	}
	return result
}

func (r *Registry) evaluateOne(ctx context.Context, x *Expression, snapshot *SignalSnapshot, controlRateHz float64) (Telemetry, []actions.Intent) {
	if !x.Enabled {
		disable(x)
		return x.telemetry, nil
	}

	factor := decimationFactor(x.RateHz, controlRateHz)
	x.counter++
	if x.counter < factor {
		tel := x.telemetry
		tel.Skipped = true
		return tel, nil
	}
	x.counter = 0

	eval := NewEvaluator(snapshot, r.globals)
	eval.SetSource(x.Name)
	value, err := eval.EvalWithContext(ctx, x.program)
	if err != nil {
		// Keep the previous output and telemetry; only the error changes.
		x.telemetry.Name = x.Name
		x.telemetry.Enabled = true
		x.telemetry.Error = err.Error()
		x.telemetry.Skipped = false
		return x.telemetry, nil
	}

	writes := eval.Writes()
	trace := eval.Trace()
	x.output = value
	x.telemetry = Telemetry{
		Name:          x.Name,
		Output:        value,
		Enabled:       true,
		Locals:        eval.Locals(),
		Branches:      trace.Branches,
		ExecutedLines: trace.ExecutedLines,
	}
	for _, w := range writes {
		switch w.Kind {
		case actions.DigitalWrite:
			x.telemetry.DOWrites = append(x.telemetry.DOWrites, w)
		case actions.AnalogWrite:
			x.telemetry.AOWrites = append(x.telemetry.AOWrites, w)
		}
	}
	return x.telemetry, writes
}

// decimationFactor is how many control cycles pass per execution.
func decimationFactor(rateHz, controlRateHz float64) int {
	if rateHz <= 0 || controlRateHz <= 0 || rateHz >= controlRateHz {
		return 1
	}
	factor := int(math.Round(controlRateHz / rateHz))
	if factor < 1 {
		return 1
	}
	return factor
}

func disable(x *Expression) {
	x.output = 0
	x.counter = 0
	x.telemetry = Telemetry{Name: x.Name}
}

func newExpression(def ExpressionDef, program *parser.Program) *Expression {
	return &Expression{
		ExpressionDef: def,
		program:       program,
		hash:          fnv1a.HashString64(def.Source),
		telemetry:     Telemetry{Name: def.Name, Enabled: def.Enabled},
	}
}

// List returns the definitions in registration order.
func (r *Registry) List() []ExpressionDef {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ExpressionDef, 0, len(r.exprs))
	for _, x := range r.exprs {
		out = append(out, x.ExpressionDef)
	}
	return out
}

func (r *Registry) Get(name string) (ExpressionDef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(name); i >= 0 {
		return r.exprs[i].ExpressionDef, true
	}
	return ExpressionDef{}, false
}

// Telemetry returns the last telemetry of every expression.
func (r *Registry) Telemetry() []Telemetry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Telemetry, 0, len(r.exprs))
	for _, x := range r.exprs {
		out = append(out, x.telemetry)
	}
	return out
}

// Outputs returns the last output of every expression in registration order.
func (r *Registry) Outputs() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.exprs))
	for i, x := range r.exprs {
		out[i] = x.output
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.exprs))
	for _, x := range r.exprs {
		names = append(names, x.Name)
	}
	return names
}

func (r *Registry) layoutFor(base *ChannelLayout) *ChannelLayout {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.layoutForLocked(base)
}

// layoutForLocked extends base with the expression namespace, reusing the
// cached layout while neither side has changed.
func (r *Registry) layoutForLocked(base *ChannelLayout) *ChannelLayout {
	if base == nil {
		base = NewChannelLayout(nil)
	}
	if r.layout != nil && r.layoutBase == base && r.layoutVersion == r.version {
		return r.layout
	}
	r.layoutBase = base
	r.layout = base.With(ExprOut, r.namesLocked())
	r.layoutVersion = r.version
	return r.layout
}

func (r *Registry) swap(next []*Expression) {
	r.exprs = next
	r.version++
}

func (r *Registry) indexOf(name string) int {
	for i, x := range r.exprs {
		if x.Name == name {
			return i
		}
	}
	return -1
}
