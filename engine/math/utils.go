package math

import "golang.org/x/exp/constraints"

// Clamp returns the value `f` clamped to the range [low, high].
// It works for any numeric type (integers and floats).
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

// RoundUp rounds v up to the next multiple of alignment. The alignment
// must be a power of two.
func RoundUp[T constraints.Unsigned](v, alignment T) T {
	if alignment == 0 {
		return v
	}
	return (v + alignment - 1) &^ (alignment - 1)
}

// IsAligned reports whether v is a multiple of the power-of-two alignment.
func IsAligned[T constraints.Unsigned](v, alignment T) bool {
	return alignment == 0 || v&(alignment-1) == 0
}
