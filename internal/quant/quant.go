// Package quant converts floating-point parameters to 16-bit fixed point.
package quant

import (
	"errors"
	"fmt"
	"math"

	"github.com/hailam/netquant/internal/shape"
)

// Max is the largest magnitude a quantised parameter may take.
const Max = math.MaxInt16

// ErrRange is matched by every RangeError.
var ErrRange = errors.New("quantised value out of range")

// RangeError reports a parameter whose scaled value does not fit the
// target width. It means the scale and clip are incompatible with the
// trained network.
type RangeError struct {
	Value  float32
	Scaled float32
	Scale  int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("quantised value out of range: %v * %d = %v exceeds %d", e.Value, e.Scale, e.Scaled, Max)
}

func (e *RangeError) Is(target error) bool { return target == ErrRange }

// Quantiser applies one scale with a shared clip bound and rounding mode.
type Quantiser struct {
	Scale int
	Clip  float32
	Mode  shape.Mode
}

// New returns a quantiser for the given scale using the clip and mode of s.
func New(s shape.Shape, scale int) Quantiser {
	return Quantiser{Scale: scale, Clip: s.Clip, Mode: s.Mode}
}

// Quantise clamps v to [-Clip, Clip], scales it and rounds or truncates
// according to Mode. Arithmetic is done in float32 so results are
// reproducible bit for bit.
func (q Quantiser) Quantise(v float32) (int16, error) {
	c := v
	if c < -q.Clip {
		c = -q.Clip
	} else if c > q.Clip {
		c = q.Clip
	}

	scaled := c * float32(q.Scale)

	var r float32
	if q.Mode == shape.Round {
		r = float32(math.Round(float64(scaled)))
	} else {
		r = float32(math.Trunc(float64(scaled)))
	}

	// NaN fails this comparison too
	if !(abs(r) <= Max) {
		return 0, &RangeError{Value: v, Scaled: r, Scale: q.Scale}
	}
	return int16(r), nil
}

// Clamped reports whether v lies outside the clip bound.
func (q Quantiser) Clamped(v float32) bool {
	return v < -q.Clip || v > q.Clip
}

// Quantise is a convenience wrapper for a one-off conversion.
func Quantise(v float32, scale int, clip float32, mode shape.Mode) (int16, error) {
	return Quantiser{Scale: scale, Clip: clip, Mode: mode}.Quantise(v)
}

func abs(v float32) float32 {
	return math.Float32frombits(math.Float32bits(v) &^ (1 << 31))
}
