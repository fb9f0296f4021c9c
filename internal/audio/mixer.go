package audio

import (
	"errors"
	"fmt"
)

// ErrLengthMismatch is returned when two buffers to be mixed differ in length
var ErrLengthMismatch = errors.New("audio buffers differ in length")

// Mix sums two equal-length μ-law buffers.
func Mix(a, b []byte) ([]byte, error) {
	return MixWithVolume(a, b, 1, 1)
}

// MixWithVolume scales each input by its volume (clamped to [0,1]) before
// summing. The sum is clamped to full scale, never wrapped.
func MixWithVolume(a, b []byte, v1, v2 float64) ([]byte, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(a), len(b))
	}
	v1, v2 = clampUnit(v1), clampUnit(v2)

	out := make([]byte, len(a))
	for i := range a {
		out[i] = fromUnit(toUnit(a[i])*v1 + toUnit(b[i])*v2)
	}
	return out, nil
}

// Volume scales every sample of buf by factor (clamped to [0,1]).
func Volume(buf []byte, factor float64) []byte {
	factor = clampUnit(factor)
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = fromUnit(toUnit(b) * factor)
	}
	return out
}

func toUnit(b byte) float64 {
	return float64(decodeLUT[b]) / 32768
}

func fromUnit(x float64) byte {
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	s := x * 32768
	if s > 32767 {
		s = 32767
	}
	return EncodeSample(int16(s))
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
