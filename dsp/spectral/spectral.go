// Package spectral wraps one fixed-size real FFT used by the chunked
// morphing engine.
//
// Spectra use an ordered packed layout of length Size():
//
//	spec[0]        real part of the DC bin
//	spec[1]        real part of the Nyquist bin
//	spec[2k+0]     real part of bin k, 1 <= k < Size()/2
//	spec[2k+1]     imaginary part of bin k
//
// The forward transform applies the chosen analysis window over the chunk
// and zero-pads to the FFT size; the inverse transform reconstructs
// exactly one chunk of time samples. Both paths run without heap
// allocation once the engine is built.
package spectral

import (
	"fmt"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"

	"github.com/cwbudde/algo-morph/dsp/window"
)

const (
	// minPitchHz bounds dominant-frequency estimates away from DC; the
	// symmetric guard keeps them below Nyquist as well.
	minPitchHz = 20.0

	magnitudeFloor = 1e-12
)

// FFTSizeFor returns the transform size used for a chunk size: the
// smallest N >= chunkSize that is a multiple of 32 and factorizable only
// by 2, 3 and 5 (a SIMD real-transform constraint).
func FFTSizeFor(chunkSize int) int {
	if chunkSize < 1 {
		chunkSize = 1
	}

	n := ((chunkSize + 31) / 32) * 32
	for !smooth235(n) {
		n += 32
	}

	return n
}

func smooth235(n int) bool {
	for _, p := range [...]int{2, 3, 5} {
		for n%p == 0 {
			n /= p
		}
	}

	return n == 1
}

// Engine owns one forward/inverse transform of fixed size together with
// the analysis window tables for every window type. It is not safe for
// concurrent use.
type Engine struct {
	chunkSize int
	fftSize   int

	plan *algofft.Plan[complex128]

	// Periodic window tables of length chunkSize, indexed by window.Type.
	coeffs [][]float64

	time []complex128
	freq []complex128
}

// NewEngine creates an engine for the given chunk size. The chunk size is
// clamped to a minimum of one sample.
func NewEngine(chunkSize int) (*Engine, error) {
	if chunkSize < 1 {
		chunkSize = 1
	}

	fftSize := FFTSizeFor(chunkSize)

	plan, err := algofft.NewPlan64(fftSize)
	if err != nil {
		return nil, fmt.Errorf("spectral: failed to create FFT plan for size %d: %w", fftSize, err)
	}

	types := []window.Type{window.TypeRectangular, window.TypeHann, window.TypeHamming, window.TypeBlackman}

	coeffs := make([][]float64, len(types))
	for _, t := range types {
		coeffs[t] = window.Generate(t, chunkSize, window.WithPeriodic())
	}

	return &Engine{
		chunkSize: chunkSize,
		fftSize:   fftSize,
		plan:      plan,
		coeffs:    coeffs,
		time:      make([]complex128, fftSize),
		freq:      make([]complex128, fftSize),
	}, nil
}

// ChunkSize returns the time-domain chunk length.
func (e *Engine) ChunkSize() int { return e.chunkSize }

// Size returns the FFT size.
func (e *Engine) Size() int { return e.fftSize }

// HalfSize returns Size()/2, the Nyquist bin index.
func (e *Engine) HalfSize() int { return e.fftSize / 2 }

// BinWidth returns the frequency resolution in Hz at the given sample
// rate.
func (e *Engine) BinWidth(sampleRate float64) float64 {
	return sampleRate / float64(e.fftSize)
}

// WindowCoefficients returns the cached periodic window table of the
// given type, of length ChunkSize(). The returned slice must not be
// modified.
func (e *Engine) WindowCoefficients(t window.Type) []float64 {
	if int(t) < 0 || int(t) >= len(e.coeffs) {
		return e.coeffs[window.TypeRectangular]
	}

	return e.coeffs[t]
}

// Forward computes the windowed spectrum of src into dst.
//
// src supplies up to ChunkSize() samples (shorter inputs are zero-padded),
// dst must have length Size().
func (e *Engine) Forward(dst, src []float64, t window.Type) error {
	if len(dst) != e.fftSize {
		return fmt.Errorf("spectral: forward dst length %d, want %d", len(dst), e.fftSize)
	}

	w := e.WindowCoefficients(t)

	n := min(len(src), e.chunkSize)
	for i := range n {
		e.time[i] = complex(src[i]*w[i], 0)
	}

	for i := n; i < e.fftSize; i++ {
		e.time[i] = 0
	}

	err := e.plan.Forward(e.freq, e.time)
	if err != nil {
		return fmt.Errorf("spectral: forward FFT failed: %w", err)
	}

	half := e.fftSize / 2
	dst[0] = real(e.freq[0])
	dst[1] = real(e.freq[half])

	for k := 1; k < half; k++ {
		dst[2*k] = real(e.freq[k])
		dst[2*k+1] = imag(e.freq[k])
	}

	return nil
}

// Inverse reconstructs ChunkSize() time samples from spec into dst and
// returns their RMS.
//
// spec must have length Size() and dst at least ChunkSize() samples.
func (e *Engine) Inverse(dst, spec []float64) (float64, error) {
	if len(spec) != e.fftSize {
		return 0, fmt.Errorf("spectral: inverse spec length %d, want %d", len(spec), e.fftSize)
	}

	if len(dst) < e.chunkSize {
		return 0, fmt.Errorf("spectral: inverse dst length %d, want at least %d", len(dst), e.chunkSize)
	}

	half := e.fftSize / 2
	e.freq[0] = complex(spec[0], 0)
	e.freq[half] = complex(spec[1], 0)

	for k := 1; k < half; k++ {
		v := complex(spec[2*k], spec[2*k+1])
		e.freq[k] = v
		e.freq[e.fftSize-k] = complex(real(v), -imag(v))
	}

	err := e.plan.Inverse(e.time, e.freq)
	if err != nil {
		return 0, fmt.Errorf("spectral: inverse FFT failed: %w", err)
	}

	sumSq := 0.0
	for i := range e.chunkSize {
		v := real(e.time[i])
		dst[i] = v
		sumSq += v * v
	}

	return math.Sqrt(sumSq / float64(e.chunkSize)), nil
}

// Energy returns the Parseval-style spectral energy of spec: DC and
// Nyquist counted once, interior bins counted twice for their conjugate
// mirrors.
func (e *Engine) Energy(spec []float64) float64 {
	if len(spec) != e.fftSize {
		return 0
	}

	half := e.fftSize / 2
	sum := spec[0]*spec[0] + spec[1]*spec[1]

	for k := 1; k < half; k++ {
		re := spec[2*k]
		im := spec[2*k+1]
		sum += 2 * (re*re + im*im)
	}

	return sum
}

// DominantFrequency returns the frequency in Hz of the strongest interior
// bin of spec, refined by parabolic interpolation over its neighbors and
// clamped to [20 Hz, Nyquist - 20 Hz].
func (e *Engine) DominantFrequency(spec []float64, sampleRate float64) float64 {
	nyquist := sampleRate / 2

	bin := e.peakBin(spec)
	if bin <= 0 {
		return minPitchHz
	}

	freq := e.refineBin(spec, bin) * sampleRate / float64(e.fftSize)

	return clampPitch(freq, nyquist)
}

func (e *Engine) peakBin(spec []float64) int {
	if len(spec) != e.fftSize {
		return 0
	}

	half := e.fftSize / 2
	best := 0
	bestPow := 0.0

	for k := 1; k < half; k++ {
		re := spec[2*k]
		im := spec[2*k+1]

		pow := re*re + im*im
		if pow > bestPow {
			bestPow = pow
			best = k
		}
	}

	if bestPow < magnitudeFloor {
		return 0
	}

	return best
}

// refineBin applies parabolic interpolation on bin magnitudes around k.
func (e *Engine) refineBin(spec []float64, k int) float64 {
	half := e.fftSize / 2
	if k <= 1 || k >= half-1 {
		return float64(k)
	}

	m := func(i int) float64 {
		return math.Hypot(spec[2*i], spec[2*i+1])
	}

	prev, curr, next := m(k-1), m(k), m(k+1)

	den := prev - 2*curr + next
	if math.Abs(den) < magnitudeFloor {
		return float64(k)
	}

	delta := 0.5 * (prev - next) / den
	if delta > 0.5 {
		delta = 0.5
	}

	if delta < -0.5 {
		delta = -0.5
	}

	return float64(k) + delta
}

func clampPitch(freq, nyquist float64) float64 {
	ceil := nyquist - minPitchHz
	if ceil < minPitchHz {
		ceil = minPitchHz
	}

	if freq < minPitchHz {
		return minPitchHz
	}

	if freq > ceil {
		return ceil
	}

	return freq
}

// Bin returns the complex value of bin k from a packed spectrum.
// DC and Nyquist report a zero imaginary part.
func Bin(spec []float64, k int) (re, im float64) {
	half := len(spec) / 2
	switch {
	case k <= 0:
		return spec[0], 0
	case k >= half:
		return spec[1], 0
	default:
		return spec[2*k], spec[2*k+1]
	}
}

// SetBin stores a complex value into bin k of a packed spectrum. The
// imaginary part is discarded for DC and Nyquist.
func SetBin(spec []float64, k int, re, im float64) {
	half := len(spec) / 2
	switch {
	case k <= 0:
		spec[0] = re
	case k >= half:
		spec[1] = re
	default:
		spec[2*k] = re
		spec[2*k+1] = im
	}
}
