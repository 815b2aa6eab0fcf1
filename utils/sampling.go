package utils

import (
	"math"
	"math/rand"
)

// SampleNIntegersNormal samples n integers from a normal distribution centered around (vMax+vMin) / 2
// and in range [vMin, vMax].
func SampleNIntegersNormal(rng *rand.Rand, n int, vMin, vMax float64) []int {
	z := make([]int, n)
	mean := (vMax + vMin) / 2
	sigma := (vMax - vMin) * 0.4472
	for i := range z {
		val := math.Round(mean + sigma*rng.NormFloat64())
		for val < vMin || val > vMax {
			val = math.Round(mean + sigma*rng.NormFloat64())
		}
		z[i] = int(val)
	}
	return z
}

// SampleNIntegersUniform samples n integers uniformly in [vMin, vMax].
func SampleNIntegersUniform(rng *rand.Rand, n int, vMin, vMax float64) []int {
	z := make([]int, n)
	lo, hi := int(math.Ceil(vMin)), int(math.Floor(vMax))
	for i := range z {
		z[i] = lo + rng.Intn(hi-lo+1)
	}
	return z
}

// SampleNRegularlySpaced returns n integers regularly spaced in [vMin, vMax].
func SampleNRegularlySpaced(n int, vMin, vMax float64) []int {
	z := make([]int, n)
	if n == 1 {
		z[0] = int(math.Round((vMin + vMax) / 2))
		return z
	}
	step := (vMax - vMin) / float64(n-1)
	for i := range z {
		z[i] = int(math.Round(vMin + float64(i)*step))
	}
	return z
}
