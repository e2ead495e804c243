package scope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRate = 10000.0

type recorder struct {
	sweeps []Sweep
}

func (r *recorder) SendSweep(s Sweep) { r.sweeps = append(r.sweeps, s) }

func ptr[T any](v T) *T { return &v }

// signal builds frames [from, from+n) whose AI[0] is f(index).
func signal(from, n int, f func(i int) float64) []Frame {
	frames := make([]Frame, 0, n)
	for i := from; i < from+n; i++ {
		frames = append(frames, Frame{Time: float64(i) / testRate, AI: []float64{f(i)}})
	}
	return frames
}

func stepAt(at int) func(int) float64 {
	return func(i int) float64 {
		if i >= at {
			return 1
		}
		return 0
	}
}

func square(halfPeriod int) func(int) float64 {
	return func(i int) float64 {
		return float64((i / halfPeriod) % 2)
	}
}

func newTestProcessor(t *testing.T, mode Mode) (*Processor, *recorder) {
	t.Helper()
	rec := &recorder{}
	p := NewProcessor(rec, nil)
	p.SetHardwareRate(testRate)
	_, err := p.Configure(Update{
		Enabled:    ptr(true),
		Mode:       ptr(mode),
		Level:      ptr(0.5),
		TimePerDiv: ptr(0.001),
	})
	require.NoError(t, err)
	require.Equal(t, Window{Total: 100, Pre: 50, Post: 50}, p.Window())
	return p, rec
}

var t0 = time.Unix(1000, 0)

func TestComputeWindow(t *testing.T) {
	tests := []struct {
		name     string
		tpd      float64
		position int
		rate     float64
		want     Window
	}{
		{"Centered", 0.001, 50, testRate, Window{100, 50, 50}},
		{"Offset", 0.001, 33, testRate, Window{100, 33, 67}},
		{"PositionClamped", 0.001, 150, testRate, Window{100, 100, 0}},
		{"Rounded", 0.00123, 50, 1000, Window{12, 6, 6}},
		{"NoRate", 0.001, 50, 0, Window{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, computeWindow(tt.tpd, tt.position, tt.rate))
		})
	}
}

func TestDecimate(t *testing.T) {
	tests := []struct {
		in, out, stride int
	}{
		{100, 100, 1},
		{2000, 2000, 1},
		{2001, 1001, 2},
		{4000, 2000, 2},
		{5000, 1667, 3},
	}
	for _, tt := range tests {
		out, stride := decimate(make([]Frame, tt.in))
		assert.Equal(t, tt.stride, stride, "len %d", tt.in)
		assert.Len(t, out, tt.out, "len %d", tt.in)
		assert.LessOrEqual(t, len(out), MaxTransportSamples)
	}
}

func TestNormalTrigger(t *testing.T) {
	p, rec := newTestProcessor(t, ModeNormal)

	p.Process(signal(0, 400, stepAt(300)), t0)
	require.Len(t, rec.sweeps, 1)

	s := rec.sweeps[0]
	assert.Equal(t, "scope_sweep", s.Type)
	assert.True(t, s.Triggered)
	assert.Equal(t, 50, s.TriggerIndex)
	assert.Len(t, s.Samples, 100)
	assert.Equal(t, 1, s.Decimation)
	assert.Equal(t, 0.0, s.Samples[49].AI[0])
	assert.Equal(t, 1.0, s.Samples[50].AI[0])
	assert.InDelta(t, 0.025, s.Samples[0].Time, 1e-12)

	// The same edge is never emitted twice.
	p.Process(signal(400, 100, stepAt(300)), t0)
	assert.Len(t, rec.sweeps, 1)
	assert.Equal(t, uint64(1), p.Stats().Triggers)
}

func TestFallingEdge(t *testing.T) {
	p, rec := newTestProcessor(t, ModeNormal)
	_, err := p.Configure(Update{Edge: ptr(EdgeFalling)})
	require.NoError(t, err)

	p.Process(signal(0, 400, func(i int) float64 { return 1 - stepAt(200)(i) }), t0)
	require.Len(t, rec.sweeps, 1)
	assert.Equal(t, 1.0, rec.sweeps[0].Samples[49].AI[0])
	assert.Equal(t, 0.0, rec.sweeps[0].Samples[50].AI[0])
}

func TestTriggerDeferredUntilPostWindow(t *testing.T) {
	p, rec := newTestProcessor(t, ModeNormal)

	p.Process(signal(0, 320, stepAt(300)), t0)
	assert.Empty(t, rec.sweeps, "only 20 samples after the edge, 50 needed")

	p.Process(signal(320, 80, stepAt(300)), t0)
	require.Len(t, rec.sweeps, 1)
	assert.Equal(t, 1.0, rec.sweeps[0].Samples[50].AI[0])
	assert.Len(t, rec.sweeps[0].Samples, 100)
}

func TestTriggerSkippedWithoutPreWindow(t *testing.T) {
	p, rec := newTestProcessor(t, ModeNormal)

	// Rising edges at 30 (too early for 50 pre samples) and 230.
	f := func(i int) float64 {
		if (i >= 30 && i < 130) || i >= 230 {
			return 1
		}
		return 0
	}
	p.Process(signal(0, 400, f), t0)
	require.Len(t, rec.sweeps, 1)
	assert.InDelta(t, 180/testRate, rec.sweeps[0].Samples[0].Time, 1e-12)
}

func TestSingleDisarms(t *testing.T) {
	p, rec := newTestProcessor(t, ModeSingle)

	p.Process(signal(0, 700, square(100)), t0)
	require.Len(t, rec.sweeps, 1)
	assert.False(t, p.Config().Armed)

	p.Process(signal(700, 300, square(100)), t0)
	assert.Len(t, rec.sweeps, 1)

	// Selecting the mode again re-arms.
	cfg, err := p.Configure(Update{Mode: ptr(ModeSingle)})
	require.NoError(t, err)
	assert.True(t, cfg.Armed)

	p.Process(signal(1000, 100, square(100)), t0)
	require.Len(t, rec.sweeps, 2)
	assert.True(t, rec.sweeps[1].Triggered)
	assert.False(t, p.Config().Armed)
}

func TestNormalDisarmedEmitsNothing(t *testing.T) {
	p, rec := newTestProcessor(t, ModeNormal)
	_, err := p.Configure(Update{Armed: ptr(false)})
	require.NoError(t, err)

	p.Process(signal(0, 400, stepAt(300)), t0)
	assert.Empty(t, rec.sweeps)
}

func TestAutoWithoutTrigger(t *testing.T) {
	p, rec := newTestProcessor(t, ModeAuto)

	p.Process(signal(0, 60, stepAt(1e9)), t0)
	assert.Empty(t, rec.sweeps, "fewer samples than one sweep")

	p.Process(signal(60, 90, stepAt(1e9)), t0)
	require.Len(t, rec.sweeps, 1)
	s := rec.sweeps[0]
	assert.False(t, s.Triggered)
	assert.Equal(t, -1, s.TriggerIndex)
	assert.Len(t, s.Samples, 100)
	assert.InDelta(t, 50/testRate, s.Samples[0].Time, 1e-12)
	assert.InDelta(t, 149/testRate, s.Samples[99].Time, 1e-12)

	// Rate limited to 200 sweeps per second.
	p.Process(signal(150, 10, stepAt(1e9)), t0.Add(time.Millisecond))
	assert.Len(t, rec.sweeps, 1)
	p.Process(signal(160, 10, stepAt(1e9)), t0.Add(10*time.Millisecond))
	assert.Len(t, rec.sweeps, 2)
}

func TestAutoAlignsToTrigger(t *testing.T) {
	p, rec := newTestProcessor(t, ModeAuto)

	p.Process(signal(0, 400, stepAt(300)), t0)
	require.Len(t, rec.sweeps, 1)
	assert.True(t, rec.sweeps[0].Triggered)
	assert.Equal(t, 50, rec.sweeps[0].TriggerIndex)
	assert.Equal(t, ModeAuto, rec.sweeps[0].Mode)
}

func TestLongSweepsAreDecimated(t *testing.T) {
	p, rec := newTestProcessor(t, ModeNormal)
	_, err := p.Configure(Update{TimePerDiv: ptr(0.05)})
	require.NoError(t, err)
	require.Equal(t, Window{Total: 5000, Pre: 2500, Post: 2500}, p.Window())

	p.Process(signal(0, 6000, stepAt(3000)), t0)
	require.Len(t, rec.sweeps, 1)
	s := rec.sweeps[0]
	assert.Equal(t, 3, s.Decimation)
	assert.Len(t, s.Samples, 1667)
	assert.LessOrEqual(t, len(s.Samples), MaxTransportSamples)
	assert.Equal(t, 2500/3, s.TriggerIndex)
	assert.GreaterOrEqual(t, p.Stats().Capacity, 5000+SearchDepth)
}

func TestDisabledOnlyBuffers(t *testing.T) {
	p, rec := newTestProcessor(t, ModeAuto)
	_, err := p.Configure(Update{Enabled: ptr(false)})
	require.NoError(t, err)

	p.Process(signal(0, 400, stepAt(300)), t0)
	assert.Empty(t, rec.sweeps)
	assert.Equal(t, uint64(400), p.Stats().SamplesProcessed)
	assert.Equal(t, 400, p.Stats().Buffered)
}

func TestSetHardwareRateResizes(t *testing.T) {
	p, _ := newTestProcessor(t, ModeNormal)
	p.Process(signal(0, 50, stepAt(0)), t0)

	p.SetHardwareRate(1000)
	assert.Equal(t, Window{Total: 10, Pre: 5, Post: 5}, p.Window())
	assert.Equal(t, 0, p.Stats().Buffered)
	assert.Equal(t, 10*time.Millisecond, p.SweepDuration())
}

func TestConfigureValidation(t *testing.T) {
	p := NewProcessor(nil, nil)
	before := p.Config()

	_, err := p.Configure(Update{Mode: ptr(Mode("roll"))})
	assert.Error(t, err)
	_, err = p.Configure(Update{Edge: ptr(Edge("both"))})
	assert.Error(t, err)
	_, err = p.Configure(Update{TimePerDiv: ptr(0.0)})
	assert.Error(t, err)
	_, err = p.Configure(Update{SourceChannel: ptr(-1)})
	assert.Error(t, err)

	assert.Equal(t, before, p.Config())

	cfg, err := p.Configure(Update{Position: ptr(-20)})
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Position)
}
