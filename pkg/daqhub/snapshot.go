package daqhub

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// ChannelKind is the TYPE part of a "TYPE:Name" signal reference.
type ChannelKind string

const (
	AnalogIn     ChannelKind = "AI"
	AnalogOut    ChannelKind = "AO"
	DigitalOut   ChannelKind = "DO"
	Thermocouple ChannelKind = "TC"
	PIDOut       ChannelKind = "PID"
	MathOut      ChannelKind = "MATH"
	LogicOut     ChannelKind = "LE"
	ExprOut      ChannelKind = "EXPR"
)

var channelKinds = []ChannelKind{AnalogIn, AnalogOut, DigitalOut, Thermocouple, PIDOut, MathOut, LogicOut, ExprOut}

// ChannelLayout holds the channel names for every namespace. A layout is
// never mutated after construction; a change of names produces a new
// layout, and with it a new name index.
type ChannelLayout struct {
	names map[ChannelKind][]string

	indexOnce sync.Once
	index     *SignalIndex
}

func NewChannelLayout(names map[ChannelKind][]string) *ChannelLayout {
	copied := make(map[ChannelKind][]string, len(names))
	for kind, list := range names {
		copied[kind] = append([]string(nil), list...)
	}
	return &ChannelLayout{names: copied}
}

// With returns a copy of the layout with one namespace replaced.
func (l *ChannelLayout) With(kind ChannelKind, names []string) *ChannelLayout {
	next := make(map[ChannelKind][]string, len(l.names)+1)
	for k, v := range l.names {
		next[k] = v
	}
	next[kind] = append([]string(nil), names...)
	return &ChannelLayout{names: next}
}

func (l *ChannelLayout) Names(kind ChannelKind) []string {
	if l == nil {
		return nil
	}
	return l.names[kind]
}

// Index returns the name lookup table for this layout, building it on first
// use.
func (l *ChannelLayout) Index() *SignalIndex {
	l.indexOnce.Do(func() {
		l.index = newSignalIndex(l)
	})
	return l.index
}

// SignalIndex maps names to positions for every namespace. Misses fall back
// to a case-insensitive linear scan of the layout.
type SignalIndex struct {
	layout *ChannelLayout
	byName map[ChannelKind]map[string]int
}

func newSignalIndex(layout *ChannelLayout) *SignalIndex {
	idx := &SignalIndex{
		layout: layout,
		byName: make(map[ChannelKind]map[string]int, len(channelKinds)),
	}
	for _, kind := range channelKinds {
		names := layout.Names(kind)
		m := make(map[string]int, len(names))
		for i, name := range names {
			if _, dup := m[name]; !dup {
				m[name] = i
			}
		}
		idx.byName[kind] = m
	}
	return idx
}

func (idx *SignalIndex) Lookup(kind ChannelKind, name string) (int, bool) {
	if i, ok := idx.byName[kind][name]; ok {
		return i, true
	}
	for i, candidate := range idx.layout.Names(kind) {
		if strings.EqualFold(strings.TrimSpace(candidate), name) {
			return i, true
		}
	}
	return -1, false
}

// PIDOutput is the per-cycle state a PID controller exposes to expressions.
type PIDOutput struct {
	Output   float64 `json:"out"`
	U        float64 `json:"u"`
	Setpoint float64 `json:"sp"`
	PV       float64 `json:"pv"`
	Err      float64 `json:"err"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

// Property resolves a .PROP suffix. An unknown property reports false.
func (p PIDOutput) Property(prop string) (float64, bool) {
	switch strings.ToUpper(prop) {
	case "", "OUT":
		return p.Output, true
	case "U":
		return p.U, true
	case "SP":
		return p.Setpoint, true
	case "PV":
		return p.PV, true
	case "ERR":
		return p.Err, true
	case "MIN":
		return p.Min, true
	case "MAX":
		return p.Max, true
	default:
		return 0, false
	}
}

// SignalSnapshot is the read-only view of the world for one control cycle.
type SignalSnapshot struct {
	Layout *ChannelLayout

	AI    []float64
	AO    []float64
	DO    []bool
	TC    []float64
	PID   []PIDOutput
	Math  []float64
	Logic []float64
	Expr  []float64

	Time    float64
	Sample  int64
	Buttons map[string]float64
}

// Clone deep-copies every slice so the copy is unaffected by later writes
// to the source.
func (s *SignalSnapshot) Clone() *SignalSnapshot {
	c := *s
	c.AI = append([]float64(nil), s.AI...)
	c.AO = append([]float64(nil), s.AO...)
	c.DO = append([]bool(nil), s.DO...)
	c.TC = append([]float64(nil), s.TC...)
	c.PID = append([]PIDOutput(nil), s.PID...)
	c.Math = append([]float64(nil), s.Math...)
	c.Logic = append([]float64(nil), s.Logic...)
	c.Expr = append([]float64(nil), s.Expr...)
	if s.Buttons != nil {
		c.Buttons = make(map[string]float64, len(s.Buttons))
		for k, v := range s.Buttons {
			c.Buttons[k] = v
		}
	}
	return &c
}

// Resolve returns the value of kind:name with an optional property. The
// second result is false when the name is unknown. Disconnected (NaN)
// readings resolve to 0.
func (s *SignalSnapshot) Resolve(kind ChannelKind, name, prop string) (float64, bool) {
	if s.Layout == nil {
		return 0, false
	}
	i, ok := s.Layout.Index().Lookup(kind, name)
	if !ok {
		return 0, false
	}

	var v float64
	switch kind {
	case AnalogIn:
		v, ok = floatAt(s.AI, i)
	case AnalogOut:
		v, ok = floatAt(s.AO, i)
	case Thermocouple:
		v, ok = floatAt(s.TC, i)
	case DigitalOut:
		if i >= len(s.DO) {
			return 0, false
		}
		if s.DO[i] {
			v = 1
		}
	case PIDOut:
		if i >= len(s.PID) {
			return 0, false
		}
		v, ok = s.PID[i].Property(prop)
	case MathOut:
		v, ok = floatAt(s.Math, i)
	case LogicOut:
		v, ok = floatAt(s.Logic, i)
	case ExprOut:
		v, ok = floatAt(s.Expr, i)
	default:
		return 0, false
	}
	if !ok || math.IsNaN(v) {
		return 0, ok
	}
	return v, true
}

func floatAt(values []float64, i int) (float64, bool) {
	if i < 0 || i >= len(values) {
		return 0, false
	}
	return values[i], true
}

// GlobalVariableStore holds static variables shared by every expression for
// the life of the process. Unset names read as 0.
type GlobalVariableStore struct {
	mu   sync.RWMutex
	vars map[string]float64
}

func NewGlobalVariableStore() *GlobalVariableStore {
	return &GlobalVariableStore{vars: make(map[string]float64)}
}

func (g *GlobalVariableStore) Get(name string) float64 {
	v, _ := g.Lookup(name)
	return v
}

func (g *GlobalVariableStore) Lookup(name string) (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vars[name]
	return v, ok
}

func (g *GlobalVariableStore) Set(name string, value float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vars[name] = value
}

// SetAll applies several assignments under one lock.
func (g *GlobalVariableStore) SetAll(values map[string]float64) {
	if len(values) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, v := range values {
		g.vars[k] = v
	}
}

// Delete removes name and reports whether it existed.
func (g *GlobalVariableStore) Delete(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.vars[name]
	delete(g.vars, name)
	return ok
}

func (g *GlobalVariableStore) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vars = make(map[string]float64)
}

// List returns a copy of all variables.
func (g *GlobalVariableStore) List() map[string]float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]float64, len(g.vars))
	for k, v := range g.vars {
		out[k] = v
	}
	return out
}

// Names returns the variable names in sorted order.
func (g *GlobalVariableStore) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.vars))
	for k := range g.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
