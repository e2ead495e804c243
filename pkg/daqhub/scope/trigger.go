package scope

import (
	"fmt"
	"math"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeNormal Mode = "normal"
	ModeSingle Mode = "single"
)

type Edge string

const (
	EdgeRising  Edge = "rising"
	EdgeFalling Edge = "falling"
)

const (
	// MaxTransportSamples bounds the length of an emitted sweep.
	MaxTransportSamples = 2000
	// SearchDepth is the minimum number of candidate positions scanned for
	// a trigger on each batch.
	SearchDepth = 1000
	// DefaultMaxUpdateHz caps auto mode sweeps per second.
	DefaultMaxUpdateHz = 200.0
	// Divisions across the display.
	Divisions = 10
)

// TriggerConfig is the user-facing scope configuration.
type TriggerConfig struct {
	Enabled       bool    `json:"enabled"`
	Mode          Mode    `json:"mode"`
	SourceChannel int     `json:"source_index"`
	Level         float64 `json:"level"`
	Edge          Edge    `json:"edge"`
	Position      int     `json:"position"`
	TimePerDiv    float64 `json:"time_per_div"`
	Armed         bool    `json:"armed"`
	MaxUpdateHz   float64 `json:"max_update_hz"`
}

func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		Mode:        ModeAuto,
		Edge:        EdgeRising,
		Position:    50,
		TimePerDiv:  0.001,
		Armed:       true,
		MaxUpdateHz: DefaultMaxUpdateHz,
	}
}

// Update is a partial configuration change; nil fields are left alone.
type Update struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	Mode          *Mode    `json:"mode,omitempty"`
	SourceChannel *int     `json:"source_index,omitempty"`
	Level         *float64 `json:"level,omitempty"`
	Edge          *Edge    `json:"edge,omitempty"`
	Position      *int     `json:"position,omitempty"`
	TimePerDiv    *float64 `json:"time_per_div,omitempty"`
	Armed         *bool    `json:"armed,omitempty"`
	MaxUpdateHz   *float64 `json:"max_update_hz,omitempty"`
}

func (u Update) validate() error {
	if u.Mode != nil {
		switch *u.Mode {
		case ModeAuto, ModeNormal, ModeSingle:
		default:
			return fmt.Errorf("unknown trigger mode %q", *u.Mode)
		}
	}
	if u.Edge != nil && *u.Edge != EdgeRising && *u.Edge != EdgeFalling {
		return fmt.Errorf("unknown trigger edge %q", *u.Edge)
	}
	if u.SourceChannel != nil && *u.SourceChannel < 0 {
		return fmt.Errorf("invalid trigger source %d", *u.SourceChannel)
	}
	if u.TimePerDiv != nil && !(*u.TimePerDiv > 0) {
		return fmt.Errorf("time per division must be positive, got %v", *u.TimePerDiv)
	}
	if u.MaxUpdateHz != nil && !(*u.MaxUpdateHz > 0) {
		return fmt.Errorf("max update rate must be positive, got %v", *u.MaxUpdateHz)
	}
	if u.Level != nil && (math.IsNaN(*u.Level) || math.IsInf(*u.Level, 0)) {
		return fmt.Errorf("invalid trigger level %v", *u.Level)
	}
	return nil
}

// apply merges u into c and reports whether the sweep geometry changed.
func (c *TriggerConfig) apply(u Update) (resized bool) {
	if u.Enabled != nil {
		c.Enabled = *u.Enabled
	}
	if u.Mode != nil {
		c.Mode = *u.Mode
		c.Armed = true
	}
	if u.SourceChannel != nil {
		c.SourceChannel = *u.SourceChannel
	}
	if u.Level != nil {
		c.Level = *u.Level
	}
	if u.Edge != nil {
		c.Edge = *u.Edge
	}
	if u.Position != nil {
		c.Position = clampPosition(*u.Position)
		resized = true
	}
	if u.TimePerDiv != nil {
		c.TimePerDiv = *u.TimePerDiv
		resized = true
	}
	if u.Armed != nil {
		c.Armed = *u.Armed
	}
	if u.MaxUpdateHz != nil {
		c.MaxUpdateHz = *u.MaxUpdateHz
	}
	return resized
}

func clampPosition(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Window is the sweep geometry derived from the timebase, the trigger
// position and the hardware rate.
type Window struct {
	Total int `json:"total"`
	Pre   int `json:"pre"`
	Post  int `json:"post"`
}

func computeWindow(timePerDiv float64, position int, hwRate float64) Window {
	total := int(math.Round(timePerDiv * Divisions * hwRate))
	if total < 0 {
		total = 0
	}
	pre := int(math.Round(float64(total) * float64(clampPosition(position)) / 100))
	return Window{Total: total, Pre: pre, Post: total - pre}
}

// crossed reports whether the step prev -> cur crosses level on edge.
func crossed(edge Edge, level, prev, cur float64) bool {
	if edge == EdgeFalling {
		return prev > level && cur <= level
	}
	return prev < level && cur >= level
}

// decimate subsamples frames so that at most MaxTransportSamples remain and
// returns the stride used.
func decimate(frames []Frame) ([]Frame, int) {
	if len(frames) <= MaxTransportSamples {
		return frames, 1
	}
	stride := (len(frames) + MaxTransportSamples - 1) / MaxTransportSamples
	out := make([]Frame, 0, (len(frames)+stride-1)/stride)
	for i := 0; i < len(frames); i += stride {
		out = append(out, frames[i])
	}
	return out, stride
}
