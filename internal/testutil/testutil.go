// Package testutil provides deterministic signals and tolerance helpers
// shared by the engine tests.
package testutil

import (
	"math"
	"math/rand"
	"testing"
)

// DeterministicSine generates a deterministic sine wave.
func DeterministicSine(freqHz, sampleRate, amplitude float64, length int) []float64 {
	out := make([]float64, length)
	step := 2 * math.Pi * freqHz / sampleRate
	for i := range out {
		out[i] = amplitude * math.Sin(step*float64(i))
	}
	return out
}

// DeterministicNoise generates white noise with a fixed seed for reproducibility.
func DeterministicNoise(seed int64, amplitude float64, length int) []float64 {
	out := make([]float64, length)
	rng := rand.New(rand.NewSource(seed))
	for i := range out {
		out[i] = (rng.Float64()*2 - 1) * amplitude
	}
	return out
}

// Ones returns a slice of length n filled with 1.0.
func Ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// Mono wraps a single-channel signal as a channel slice.
func Mono(samples []float64) [][]float64 {
	return [][]float64{samples}
}

// Silence returns channels zeroed buffers of the given length.
func Silence(channels, length int) [][]float64 {
	out := make([][]float64, channels)
	for ch := range out {
		out[ch] = make([]float64, length)
	}
	return out
}

// RMS returns the root mean square of a signal, 0 for empty input.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sumSq := 0.0
	for _, v := range samples {
		sumSq += v * v
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}

// RequireSliceNearlyEqual fails t if got and want differ in length or if
// any element pair exceeds eps (absolute tolerance).
func RequireSliceNearlyEqual(t *testing.T, got, want []float64, eps float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range got {
		diff := math.Abs(got[i] - want[i])
		if diff > eps {
			t.Fatalf("index %d: got %v, want %v (diff %v > eps %v)", i, got[i], want[i], diff, eps)
		}
	}
}

// RequireAllZero fails t if any element deviates from zero by more than eps.
func RequireAllZero(t *testing.T, got []float64, eps float64) {
	t.Helper()
	for i, v := range got {
		if math.Abs(v) > eps {
			t.Fatalf("index %d: got %v, want 0 (eps %v)", i, v, eps)
		}
	}
}

// RequireFinite fails t if any element is NaN or Inf.
func RequireFinite(t *testing.T, data []float64) {
	t.Helper()
	for i, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("index %d: non-finite value %v", i, v)
		}
	}
}
