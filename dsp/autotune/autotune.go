// Package autotune provides spectral pitch correction for the chunked
// morphing engine.
//
// The processor detects the pitch of an input chunk and its paired
// (pre-shift) output chunk, derives a correction ratio normalized into a
// configurable octave guard band, and remaps the output spectrum so the
// transformed material lands back on the input's pitch. A blend
// parameter cross-fades the shifted spectrum against the original per
// bin. All scratch buffers are preallocated at reset time; Process does
// not allocate.
package autotune

import (
	"fmt"
	"math"

	vecmath "github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/algo-morph/dsp/chunk"
	"github.com/cwbudde/algo-morph/dsp/spectral"
)

const (
	defaultBlend            = 1.0
	defaultToleranceOctaves = 1.0

	minPitchHz     = 20.0
	magnitudeFloor = 1e-12

	// hpsHarmonics is the number of spectra multiplied by the
	// harmonic-product estimator.
	hpsHarmonics = 4
)

// Method selects the pitch detection algorithm.
type Method int

const (
	// MethodFFTPeak estimates pitch from the strongest spectral bin with
	// parabolic refinement.
	MethodFFTPeak Method = iota

	// MethodHPS estimates pitch with a harmonic product spectrum, which
	// is more robust for material whose fundamental is not the loudest
	// partial.
	MethodHPS
)

// Processor is the pitch-correction stage. It satisfies the chunker's
// Morph contract and is not safe for concurrent use.
type Processor struct {
	method           Method
	blend            float64
	toleranceOctaves float64
	enabled          bool

	sampleRate float64
	fftSize    int
	half       int

	// Scratch, sized half+1 bins at reset.
	re    []float64
	im    []float64
	mag   []float64
	phase []float64
}

// Option configures a Processor.
type Option func(*Processor)

// WithMethod selects the pitch detection method.
func WithMethod(m Method) Option {
	return func(p *Processor) {
		p.method = m
	}
}

// WithBlend sets the initial dry/wet blend in [0, 1].
func WithBlend(v float64) Option {
	return func(p *Processor) {
		if v >= 0 && v <= 1 {
			p.blend = v
		}
	}
}

// WithToleranceOctaves sets the initial octave guard band.
func WithToleranceOctaves(v float64) Option {
	return func(p *Processor) {
		if v >= 0 {
			p.toleranceOctaves = v
		}
	}
}

// New returns a Processor with defaults: FFT-peak detection, full blend,
// a one-octave guard band, enabled.
func New(opts ...Option) *Processor {
	p := &Processor{
		method:           MethodFFTPeak,
		blend:            defaultBlend,
		toleranceOctaves: defaultToleranceOctaves,
		enabled:          true,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p
}

// Blend returns the dry/wet blend.
func (p *Processor) Blend() float64 { return p.blend }

// SetBlend updates the dry/wet blend. v must be in [0, 1].
func (p *Processor) SetBlend(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("autotune: blend must be in [0, 1]: %f", v)
	}

	p.blend = v

	return nil
}

// ToleranceOctaves returns the octave guard band half-width.
func (p *Processor) ToleranceOctaves() float64 { return p.toleranceOctaves }

// SetToleranceOctaves updates the octave guard band. v must be >= 0.
func (p *Processor) SetToleranceOctaves(v float64) error {
	if math.IsNaN(v) || v < 0 {
		return fmt.Errorf("autotune: tolerance must be >= 0 octaves: %f", v)
	}

	p.toleranceOctaves = v

	return nil
}

// Method returns the pitch detection method.
func (p *Processor) Method() Method { return p.method }

// SetMethod selects the pitch detection method.
func (p *Processor) SetMethod(m Method) { p.method = m }

// SetEnabled toggles the stage without discarding its configuration.
func (p *Processor) SetEnabled(enabled bool) { p.enabled = enabled }

// Active reports whether the stage engages spectral processing.
func (p *Processor) Active() bool { return p.enabled && p.blend > 0 }

// Reset prepares the processor for a (re)configured stream and
// preallocates all scratch buffers.
func (p *Processor) Reset(sampleRate float64, fftSize, channels int) {
	_ = channels

	if sampleRate <= 0 {
		sampleRate = 48000
	}

	if fftSize < 2 {
		fftSize = 2
	}

	p.sampleRate = sampleRate

	if fftSize != p.fftSize {
		p.fftSize = fftSize
		p.half = fftSize / 2

		bins := p.half + 1
		p.re = make([]float64, bins)
		p.im = make([]float64, bins)
		p.mag = make([]float64, bins)
		p.phase = make([]float64, bins)
	}
}

// Process corrects the output chunk's pitch toward the input chunk's
// pitch, mutating the output spectrum in place.
func (p *Processor) Process(in, out *chunk.Chunk, eng *spectral.Engine) {
	if eng == nil || !in.SpectrumReady() || !out.SpectrumReady() {
		return
	}

	if eng.Size() != p.fftSize {
		// Defensive: Reset was skipped after a reconfiguration.
		p.Reset(p.sampleRate, eng.Size(), len(out.Spectra))
	}

	inPitch := p.detectPitch(in, eng)
	outPitch := p.detectPitch(out, eng)

	if inPitch < magnitudeFloor || outPitch < magnitudeFloor {
		return
	}

	ratio := normalizeRatio(inPitch/outPitch, p.toleranceOctaves)
	if ratio == 1 {
		return
	}

	for ch := range out.Spectra {
		p.shiftSpectrum(out.Spectra[ch], ratio)
	}
}

// detectPitch estimates the pitch of a chunk, averaged across channels.
func (p *Processor) detectPitch(ck *chunk.Chunk, eng *spectral.Engine) float64 {
	if len(ck.Spectra) == 0 {
		return 0
	}

	sum := 0.0
	count := 0

	for ch := range ck.Spectra {
		var f float64

		switch p.method {
		case MethodHPS:
			f = p.harmonicProductPitch(ck.Spectra[ch])
		default:
			f = eng.DominantFrequency(ck.Spectra[ch], p.sampleRate)
		}

		if f > 0 {
			sum += f
			count++
		}
	}

	if count == 0 {
		return 0
	}

	return sum / float64(count)
}

// harmonicProductPitch multiplies downsampled magnitude spectra so that
// harmonics reinforce the fundamental.
func (p *Processor) harmonicProductPitch(spec []float64) float64 {
	p.loadBins(spec)
	vecmath.Magnitude(p.mag, p.re, p.im)

	limit := p.half / hpsHarmonics
	if limit < 2 {
		return 0
	}

	best := 0
	bestProd := 0.0

	for k := 1; k <= limit; k++ {
		prod := 1.0
		for h := 1; h <= hpsHarmonics; h++ {
			prod *= p.mag[k*h]
		}

		if prod > bestProd {
			bestProd = prod
			best = k
		}
	}

	if bestProd < magnitudeFloor {
		return 0
	}

	freq := float64(best) * p.sampleRate / float64(p.fftSize)

	return clampPitch(freq, p.sampleRate/2)
}

// loadBins splits a packed spectrum into the re/im scratch arrays for
// bins 0..half.
func (p *Processor) loadBins(spec []float64) {
	for k := 0; k <= p.half; k++ {
		p.re[k], p.im[k] = spectral.Bin(spec, k)
	}
}

// shiftSpectrum remaps every interior bin from source position bin/ratio
// with linear interpolation of magnitude and unwrapped phase, then blends
// against the original. DC and Nyquist pass through unchanged;
// out-of-range source positions contribute silence.
func (p *Processor) shiftSpectrum(spec []float64, ratio float64) {
	p.loadBins(spec)
	vecmath.Magnitude(p.mag, p.re, p.im)

	// Phase, unwrapped across bins so interpolation does not straddle
	// a +/-2*pi discontinuity.
	offset := 0.0

	for k := 0; k <= p.half; k++ {
		ph := math.Atan2(p.im[k], p.re[k])

		if k > 0 {
			d := ph + offset - p.phase[k-1]
			switch {
			case d > math.Pi:
				offset -= 2 * math.Pi
			case d < -math.Pi:
				offset += 2 * math.Pi
			}
		}

		p.phase[k] = ph + offset
	}

	b := p.blend

	for k := 1; k < p.half; k++ {
		src := float64(k) / ratio

		var re, im float64

		if src > 0 && src < float64(p.half) {
			lo := int(src)
			frac := src - float64(lo)
			hi := min(lo+1, p.half)

			m := p.mag[lo]*(1-frac) + p.mag[hi]*frac
			ph := p.phase[lo]*(1-frac) + p.phase[hi]*frac

			re = m * math.Cos(ph)
			im = m * math.Sin(ph)
		}

		spectral.SetBin(spec, k,
			b*re+(1-b)*p.re[k],
			b*im+(1-b)*p.im[k])
	}
}

// normalizeRatio folds a correction ratio onto the octave-equivalent of
// itself closest to itself within a +/-octaves guard band. Ties at the
// band edges preserve the sign of (ratio - 1).
func normalizeRatio(ratio, octaves float64) float64 {
	if ratio <= 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 1
	}

	x := math.Log2(ratio)
	if x >= -octaves && x <= octaves {
		return ratio
	}

	var shift float64

	if x > octaves {
		shift = math.Ceil(x - octaves)

		if below := x - shift; below < -octaves {
			// The band is narrower than one octave and no equivalent
			// lands inside; snap to the nearer edge, preferring the
			// side that keeps the ratio above unity.
			above := x - (shift - 1)

			distBelow := -octaves - below
			distAbove := above - octaves

			if distAbove < distBelow || (distAbove == distBelow && ratio > 1) {
				shift--
			}
		}
	} else {
		shift = math.Floor(x + octaves)

		if above := x - shift; above > octaves {
			below := x - (shift + 1)

			distAbove := above - octaves
			distBelow := -octaves - below

			if distBelow < distAbove || (distBelow == distAbove && ratio < 1) {
				shift++
			}
		}
	}

	return math.Pow(2, x-shift)
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
