// Package chunk provides the fixed-size processing unit of the morphing
// engine and a reference-counted pool of paired input/output chunk slots.
//
// The pool is an arena of entries addressed by integer index; four rings
// (free, pending, lookahead, output) name ownership sets over that one
// index space. In steady state no pool operation allocates: exhaustion is
// reported to the caller, which degrades by dropping the oldest material.
package chunk

import "math"

// Chunk is one fixed-length, per-channel window of samples.
type Chunk struct {
	// Samples holds one buffer per channel, each of the configured
	// chunk size.
	Samples [][]float64

	// Spectra holds one packed spectrum per channel. A slice has length
	// zero until its spectrum is computed and the engine's FFT size
	// afterwards; the backing storage is preallocated by the pool.
	Spectra [][]float64

	// Valid is the number of meaningful frames in Samples.
	Valid int

	// RMS is the root mean square over the valid frames of all channels.
	RMS float64

	// Start is the timeline stamp of the first frame, in samples since
	// the stream began.
	Start int64
}

// Channels returns the channel count.
func (c *Chunk) Channels() int { return len(c.Samples) }

// SpectrumReady reports whether spectra have been computed.
func (c *Chunk) SpectrumReady() bool {
	return len(c.Spectra) > 0 && len(c.Spectra[0]) > 0
}

// MarkSpectrum extends every channel's spectrum slice to its full
// preallocated FFT size so it can be written.
func (c *Chunk) MarkSpectrum() {
	for ch := range c.Spectra {
		c.Spectra[ch] = c.Spectra[ch][:cap(c.Spectra[ch])]
	}
}

// ClearSpectrum truncates every channel's spectrum back to size zero.
func (c *Chunk) ClearSpectrum() {
	for ch := range c.Spectra {
		c.Spectra[ch] = c.Spectra[ch][:0]
	}
}

// UpdateRMS recomputes RMS over the valid frames of all channels.
func (c *Chunk) UpdateRMS() {
	if c.Valid <= 0 || len(c.Samples) == 0 {
		c.RMS = 0
		return
	}

	sumSq := 0.0
	count := 0

	for _, buf := range c.Samples {
		n := min(c.Valid, len(buf))
		for i := range n {
			sumSq += buf[i] * buf[i]
		}

		count += n
	}

	if count == 0 {
		c.RMS = 0
		return
	}

	c.RMS = math.Sqrt(sumSq / float64(count))
}

func (c *Chunk) reset() {
	c.Valid = 0
	c.RMS = 0
	c.Start = 0
	c.ClearSpectrum()
}

func (c *Chunk) alloc(channels, chunkSize, fftSize int) {
	c.Samples = make([][]float64, channels)
	c.Spectra = make([][]float64, channels)

	for ch := range channels {
		c.Samples[ch] = make([]float64, chunkSize)
		c.Spectra[ch] = make([]float64, 0, fftSize)
	}
}

func (c *Chunk) zero() {
	for _, buf := range c.Samples {
		for i := range buf {
			buf[i] = 0
		}
	}
}
