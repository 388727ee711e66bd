package embedding

import "math"

// Normalize scales v to unit L2 length in place and returns it. A zero
// vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Cosine returns the dot product of two unit vectors, in [-1, 1].
// Mismatched dimensions yield 0.
func Cosine(u, v []float32) float32 {
	if len(u) != len(v) {
		return 0
	}
	var dot float64
	for i := range u {
		dot += float64(u[i]) * float64(v[i])
	}
	return float32(dot)
}
