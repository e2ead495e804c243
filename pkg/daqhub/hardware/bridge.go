// Package hardware defines the acquisition hardware boundary and a simulated
// implementation of it.
package hardware

import (
	"context"
	"errors"
	"math"
)

// Analog outputs are bipolar ±10 V.
const (
	MinVolts = -10.0
	MaxVolts = 10.0
)

var ErrChannelRange = errors.New("channel out of range")

// Bridge is the vendor hardware boundary. Every method may block on device
// I/O; callers must not hold shared locks across calls.
type Bridge interface {
	// ReadAnalogBlock returns n frames, each holding one value per AI
	// channel.
	ReadAnalogBlock(ctx context.Context, n int) ([][]float64, error)
	// ReadThermocouples returns one reading per TC channel; NaN marks a
	// disconnected probe.
	ReadThermocouples(ctx context.Context) ([]float64, error)
	WriteDigital(ch int, on bool) error
	WriteAnalog(ch int, volts float64) error
	SnapshotDigital() []bool
	SnapshotAnalog() []float64
	// SampleRate is the AI rate in Hz.
	SampleRate() float64
}

// ClampVolts limits v to the analog output range.
func ClampVolts(v float64) float64 {
	if v < MinVolts {
		return MinVolts
	}
	if v > MaxVolts {
		return MaxVolts
	}
	return v
}

// Readings converts raw readings for JSON transport. A NaN or infinite
// reading, such as a disconnected thermocouple, becomes nil and encodes as
// null.
func Readings(values []float64) []*float64 {
	if values == nil {
		return nil
	}
	out := make([]*float64, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		v := v
		out[i] = &v
	}
	return out
}
