package math

import gomath "math"

const (
	K_PI            float32 = 3.14159265358979323846
	K_DEG2RAD       float32 = K_PI / 180.0
	K_FLOAT_EPSILON float32 = 1.192092896e-07
)

func ksin(x float32) float32 {
	return float32(gomath.Sin(float64(x)))
}

func kcos(x float32) float32 {
	return float32(gomath.Cos(float64(x)))
}

func ktan(x float32) float32 {
	return float32(gomath.Tan(float64(x)))
}

func ksqrt(x float32) float32 {
	return float32(gomath.Sqrt(float64(x)))
}

func kabs(x float32) float32 {
	return float32(gomath.Abs(float64(x)))
}

/**
 * @brief Converts provided degrees to radians.
 */
func DegToRad(degrees float32) float32 {
	return degrees * K_DEG2RAD
}
