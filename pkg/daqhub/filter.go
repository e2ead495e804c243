package daqhub

import "math"

// LowPassBank is a set of one-pole low-pass filters, one per AI channel.
// A channel with no cutoff passes samples through unchanged.
type LowPassBank struct {
	alpha  []float64
	state  []float64
	primed []bool
}

func NewLowPassBank(rateHz float64, cutoffs []float64) *LowPassBank {
	b := &LowPassBank{}
	b.Configure(rateHz, cutoffs)
	return b
}

// Configure resets every channel for a new sample rate and set of cutoffs.
func (b *LowPassBank) Configure(rateHz float64, cutoffs []float64) {
	dt := 1 / math.Max(1, rateHz)
	b.alpha = make([]float64, len(cutoffs))
	b.state = make([]float64, len(cutoffs))
	b.primed = make([]bool, len(cutoffs))
	for i, fc := range cutoffs {
		if fc > 0 {
			b.alpha[i] = math.Exp(-2 * math.Pi * fc * dt)
		}
	}
}

// Apply filters x on channel ch. NaN readings pass through and leave the
// filter state alone.
func (b *LowPassBank) Apply(ch int, x float64) float64 {
	if ch >= len(b.alpha) || b.alpha[ch] == 0 || math.IsNaN(x) {
		return x
	}
	if !b.primed[ch] {
		b.primed[ch] = true
		b.state[ch] = x
		return x
	}
	a := b.alpha[ch]
	y := a*b.state[ch] + (1-a)*x
	b.state[ch] = y
	return y
}

// ApplyFrame filters a whole frame in place.
func (b *LowPassBank) ApplyFrame(frame []float64) {
	for ch, x := range frame {
		frame[ch] = b.Apply(ch, x)
	}
}
