package hardware

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
)

// Waveform describes one simulated analog input.
type Waveform struct {
	Shape     string  `hcl:"shape,optional" json:"shape"` // sine, square, ramp or dc
	FreqHz    float64 `hcl:"freq_hz,optional" json:"freq_hz"`
	Amplitude float64 `hcl:"amplitude,optional" json:"amplitude"`
	Offset    float64 `hcl:"offset,optional" json:"offset"`
}

// At returns the waveform value at time t seconds.
func (w Waveform) At(t float64) float64 {
	phase := w.FreqHz * t
	phase -= math.Floor(phase)

	var v float64
	switch strings.ToLower(w.Shape) {
	case "sine", "":
		v = math.Sin(2 * math.Pi * phase)
	case "square":
		if phase < 0.5 {
			v = 1
		} else {
			v = -1
		}
	case "ramp":
		v = 2*phase - 1
	case "dc":
		v = 0
	}
	return w.Offset + w.Amplitude*v
}

type SimulatorConfig struct {
	SampleRate float64
	AI         []Waveform
	// TC holds fixed thermocouple readings; NaN simulates an unplugged probe.
	TC         []float64
	DigitalOut int
	AnalogOut  int
}

// Simulator is a deterministic in-memory Bridge. Sample i of the AI stream
// is the waveform value at i/SampleRate.
type Simulator struct {
	mu      sync.Mutex
	cfg     SimulatorConfig
	sample  int64
	do      []bool
	ao      []float64
	readErr error
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1000
	}
	return &Simulator{
		cfg: cfg,
		do:  make([]bool, cfg.DigitalOut),
		ao:  make([]float64, cfg.AnalogOut),
	}
}

// FailNextRead makes the next analog read return err.
func (s *Simulator) FailNextRead(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

func (s *Simulator) SampleRate() float64 { return s.cfg.SampleRate }

func (s *Simulator) ReadAnalogBlock(ctx context.Context, n int) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readErr != nil {
		err := s.readErr
		s.readErr = nil
		return nil, err
	}

	block := make([][]float64, n)
	for i := range block {
		t := float64(s.sample) / s.cfg.SampleRate
		frame := make([]float64, len(s.cfg.AI))
		for ch, w := range s.cfg.AI {
			frame[ch] = w.At(t)
		}
		block[i] = frame
		s.sample++
	}
	return block, nil
}

func (s *Simulator) ReadThermocouples(ctx context.Context) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]float64(nil), s.cfg.TC...), nil
}

func (s *Simulator) WriteDigital(ch int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch < 0 || ch >= len(s.do) {
		return fmt.Errorf("digital output %d: %w", ch, ErrChannelRange)
	}
	s.do[ch] = on
	return nil
}

func (s *Simulator) WriteAnalog(ch int, volts float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch < 0 || ch >= len(s.ao) {
		return fmt.Errorf("analog output %d: %w", ch, ErrChannelRange)
	}
	s.ao[ch] = ClampVolts(volts)
	return nil
}

func (s *Simulator) SnapshotDigital() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.do...)
}

func (s *Simulator) SnapshotAnalog() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.ao...)
}
