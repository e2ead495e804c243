package daqhub

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/chosenoffset/daqhub/pkg/daqhub/actions"
)

// SubResult is one controller's contribution to a control cycle.
type SubResult struct {
	Name    string           `json:"name"`
	Output  float64          `json:"output"`
	Enabled bool             `json:"enabled"`
	Err     string           `json:"error,omitempty"`
	PID     *PIDOutput       `json:"pid,omitempty"`
	Writes  []actions.Intent `json:"writes,omitempty"`
}

// SubEvaluator is a non-expression controller run once per control cycle
// against the same snapshot as the expressions, before them.
type SubEvaluator interface {
	Kind() ChannelKind
	Names() []string
	Evaluate(snapshot *SignalSnapshot) []SubResult
}

// PIDConfig describes one loop. Zero limits mean "unbounded" except for the
// analog output range, which defaults to ±10 V.
type PIDConfig struct {
	Name    string  `hcl:"name,label" json:"name"`
	Enabled bool    `hcl:"enabled,optional" json:"enabled"`
	Kp      float64 `hcl:"kp,optional" json:"kp"`
	Ki      float64 `hcl:"ki,optional" json:"ki"`
	Kd      float64 `hcl:"kd,optional" json:"kd"`

	Setpoint float64 `hcl:"setpoint,optional" json:"setpoint"`
	// Input is a signal reference such as "AI:Tank" or "TC:Oven".
	Input string `hcl:"input" json:"input"`
	// Output is "AO:Name" or "DO:Name". Digital loops switch on when u >= 0.
	Output string `hcl:"output,optional" json:"output"`

	OutMin      float64 `hcl:"out_min,optional" json:"out_min"`
	OutMax      float64 `hcl:"out_max,optional" json:"out_max"`
	ErrLimit    float64 `hcl:"err_limit,optional" json:"err_limit"`
	IntegralMin float64 `hcl:"i_min,optional" json:"i_min"`
	IntegralMax float64 `hcl:"i_max,optional" json:"i_max"`
	RateHz      float64 `hcl:"rate_hz,optional" json:"rate_hz"`
}

func (c *PIDConfig) normalize() {
	if c.OutMin == 0 && c.OutMax == 0 {
		c.OutMin, c.OutMax = -10, 10
	}
}

type pidLoop struct {
	cfg       PIDConfig
	integral  float64
	prevErr   float64
	lastRun   float64
	started   bool
	lastState PIDOutput
}

// step advances the loop by dt seconds.
func (l *pidLoop) step(pv, dt float64, digital bool) PIDOutput {
	e := l.cfg.Setpoint - pv
	if l.cfg.ErrLimit > 0 {
		e = clampRange(e, -l.cfg.ErrLimit, l.cfg.ErrLimit)
	}

	l.integral += l.cfg.Ki * e * dt
	if l.cfg.IntegralMin != 0 || l.cfg.IntegralMax != 0 {
		l.integral = clampRange(l.integral, l.cfg.IntegralMin, l.cfg.IntegralMax)
	}

	var d float64
	if l.started && dt > 0 {
		d = l.cfg.Kd * (e - l.prevErr) / dt
	}
	l.prevErr = e
	l.started = true

	u := finite(l.cfg.Kp*e + l.integral + d)
	out := PIDOutput{U: u, Setpoint: l.cfg.Setpoint, PV: pv, Err: e, Min: l.cfg.OutMin, Max: l.cfg.OutMax}
	if digital {
		out.Output = boolToFloat(u >= 0)
	} else {
		out.Output = clampRange(u, l.cfg.OutMin, l.cfg.OutMax)
	}
	return out
}

// PIDBank runs a set of PID loops as a SubEvaluator.
type PIDBank struct {
	mu            sync.Mutex
	loops         []*pidLoop
	defaultPeriod float64
}

// NewPIDBank builds loops from configs. defaultPeriod is the dt used on the
// first cycle and whenever snapshot time does not advance.
func NewPIDBank(configs []PIDConfig, defaultPeriod float64) *PIDBank {
	b := &PIDBank{defaultPeriod: defaultPeriod}
	b.Replace(configs)
	return b
}

func (b *PIDBank) Kind() ChannelKind { return PIDOut }

// Replace swaps in a new set of loops. Loops whose name survives keep their
// integral state.
func (b *PIDBank) Replace(configs []PIDConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := make(map[string]*pidLoop, len(b.loops))
	for _, l := range b.loops {
		prev[l.cfg.Name] = l
	}
	loops := make([]*pidLoop, 0, len(configs))
	for _, cfg := range configs {
		cfg.normalize()
		if old, ok := prev[cfg.Name]; ok {
			old.cfg = cfg
			loops = append(loops, old)
			continue
		}
		loops = append(loops, &pidLoop{cfg: cfg})
	}
	b.loops = loops
}

func (b *PIDBank) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.loops))
	for _, l := range b.loops {
		names = append(names, l.cfg.Name)
	}
	return names
}

// Configs returns the current loop configurations.
func (b *PIDBank) Configs() []PIDConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PIDConfig, 0, len(b.loops))
	for _, l := range b.loops {
		out = append(out, l.cfg)
	}
	return out
}

// Evaluate steps every enabled loop once. A loop with RateHz set only steps
// when at least 1/RateHz seconds of snapshot time have passed, and otherwise
// republishes its previous state.
func (b *PIDBank) Evaluate(snapshot *SignalSnapshot) []SubResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	results := make([]SubResult, 0, len(b.loops))
	for _, l := range b.loops {
		res := SubResult{Name: l.cfg.Name, Enabled: l.cfg.Enabled}
		if !l.cfg.Enabled {
			l.started = false
			l.integral = 0
			l.lastState = PIDOutput{Setpoint: l.cfg.Setpoint, Min: l.cfg.OutMin, Max: l.cfg.OutMax}
			state := l.lastState
			res.PID = &state
			results = append(results, res)
			continue
		}

		dt := b.defaultPeriod
		if l.started {
			elapsed := snapshot.Time - l.lastRun
			if l.cfg.RateHz > 0 && elapsed < 1/l.cfg.RateHz {
				state := l.lastState
				res.Output = state.Output
				res.PID = &state
				results = append(results, res)
				continue
			}
			if elapsed > 0 {
				dt = elapsed
			}
		}

		inKind, inName, ok := splitReference(l.cfg.Input)
		var pv float64
		if ok {
			pv, ok = snapshot.Resolve(inKind, inName, "")
		}
		if !ok {
			res.Err = fmt.Sprintf("unknown process variable %q", l.cfg.Input)
			state := l.lastState
			res.Output = state.Output
			res.PID = &state
			results = append(results, res)
			continue
		}

		outKind, outName, hasOutput := splitReference(l.cfg.Output)
		digital := hasOutput && outKind == DigitalOut

		state := l.step(pv, dt, digital)
		l.lastRun = snapshot.Time
		l.lastState = state
		res.Output = state.Output
		res.PID = &state

		if hasOutput && snapshot.Layout != nil {
			if ch, found := snapshot.Layout.Index().Lookup(outKind, outName); found {
				intent := actions.Analog(ch, outName, state.Output)
				if digital {
					intent = actions.Digital(ch, outName, state.Output >= 1)
				}
				intent.Source = "PID:" + l.cfg.Name
				res.Writes = append(res.Writes, intent)
			} else {
				res.Err = fmt.Sprintf("unknown output %q", l.cfg.Output)
			}
		}
		results = append(results, res)
	}
	return results
}

// splitReference parses "TYPE:Name" as used in controller configuration.
func splitReference(ref string) (ChannelKind, string, bool) {
	kind, name, found := strings.Cut(ref, ":")
	if !found || kind == "" || name == "" {
		return "", "", false
	}
	return ChannelKind(strings.ToUpper(kind)), name, true
}

func clampRange(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
