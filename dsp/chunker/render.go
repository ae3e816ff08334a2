package chunker

import (
	"math"

	"github.com/cwbudde/algo-morph/dsp/chunk"
	"github.com/cwbudde/algo-morph/dsp/window"
)

const (
	// agcFloor guards loudness ratios against near-silent chunks;
	// below it the compensation gain falls back to unity.
	agcFloor = 1e-9

	// edgeTaperMax bounds the raised-cosine ramp applied to chunk edges
	// after spectral reconstruction.
	edgeTaperMax = 64
)

// Render produces frames output samples per channel using the policy
// selected by SetRenderPolicy. Degenerate arguments silence-fill and
// return.
func (c *Chunker) Render(outputs [][]float64, frames int) {
	if len(outputs) == 0 || frames <= 0 {
		return
	}

	if c.chunkSize <= 0 {
		zeroFill(outputs, frames)
		return
	}

	if c.renderOverlap {
		c.renderOverlapAdd(outputs, frames)
		return
	}

	c.renderSequential(outputs, frames)
}

// renderOverlapAdd drains the output queue into the overlap-add
// accumulator, then copies out as many settled samples as the latency
// budget allows.
func (c *Chunker) renderOverlapAdd(outputs [][]float64, frames int) {
	hop := c.HopSize()
	c.updateOverlapGain(hop)

	oq := c.pool.OutputQueue()

	for {
		idx, ok := oq.Pop()
		if !ok {
			break
		}

		c.mixChunk(idx, hop)
		c.pool.Release(idx)
	}

	budget := c.totalPushed - int64(c.chunkSize) - c.totalRendered
	if budget < 0 {
		budget = 0
	}

	n := min(frames, c.olaValid)
	if int64(n) > budget {
		n = int(budget)
	}

	rescale := c.activeRescale()

	for ch := range outputs {
		if outputs[ch] == nil {
			continue
		}

		limit := min(frames, len(outputs[ch]))

		src := c.ola[min(ch, len(c.ola)-1)]
		for i := range min(n, limit) {
			outputs[ch][i] = src[i] * rescale
		}

		for i := n; i < limit; i++ {
			outputs[ch][i] = 0
		}
	}

	if n > 0 {
		for ch := range c.ola {
			copy(c.ola[ch][:c.olaValid-n], c.ola[ch][n:c.olaValid])

			for i := c.olaValid - n; i < c.olaValid; i++ {
				c.ola[ch][i] = 0
			}
		}

		c.olaValid -= n
		c.totalRendered += int64(n)
	}

	c.totalEmitted += int64(frames)
}

// mixChunk spectral-processes one committed chunk and accumulates it into
// the overlap-add buffer at its settled stride position.
func (c *Chunker) mixChunk(idx, hop int) {
	in := c.pool.Input(idx)
	out := c.pool.Output(idx)

	spectralOn := c.spectralActive()
	if spectralOn {
		c.processSpectral(in, out)
	}

	gain := c.compensationGain(in, out, spectralOn)

	pos := c.olaValid - (c.chunkSize - hop)
	if pos < 0 {
		pos = 0
	}

	need := pos + c.chunkSize
	c.growAccumulator(need)

	w := c.engine.WindowCoefficients(c.outWindow)

	for ch := range c.ola {
		src := out.Samples[min(ch, len(out.Samples)-1)]
		dst := c.ola[ch]

		for i := range c.chunkSize {
			dst[pos+i] += gain * w[i] * src[i]
		}
	}

	if need > c.olaValid {
		c.olaValid = need
	}
}

// renderSequential plays back completed chunks one sample at a time,
// aligned to their timeline stamps and gated by the declared latency.
func (c *Chunker) renderSequential(outputs [][]float64, frames int) {
	w := c.engine.WindowCoefficients(c.outWindow)
	taper := c.outWindow != window.TypeRectangular
	gate := c.totalPushed - int64(c.chunkSize)

	for i := range frames {
		c.advanceCurrent()

		emitted := false

		if c.current >= 0 {
			out := c.pool.Output(c.current)
			playStart := out.Start + int64(c.chunkSize)

			if c.totalEmitted >= playStart && c.totalRendered < gate && c.currentPos < out.Valid {
				for ch := range outputs {
					if outputs[ch] == nil || i >= len(outputs[ch]) {
						continue
					}

					src := out.Samples[min(ch, len(out.Samples)-1)]

					v := src[c.currentPos] * c.currentGain
					if taper {
						v *= w[c.currentPos]
					}

					outputs[ch][i] = v
				}

				emitted = true
				c.currentPos++
				c.totalRendered++

				if c.currentPos >= out.Valid {
					c.releaseCurrent()
				}
			}
		}

		if !emitted {
			for ch := range outputs {
				if i < len(outputs[ch]) {
					outputs[ch][i] = 0
				}
			}
		}

		c.totalEmitted++
	}
}

// advanceCurrent makes the oldest completed chunk current, running its
// spectral processing exactly once, and discards chunks whose playback
// window has already passed.
func (c *Chunker) advanceCurrent() {
	for {
		if c.current < 0 {
			idx, ok := c.pool.OutputQueue().Pop()
			if !ok {
				return
			}

			c.current = idx
			c.currentPos = 0

			in := c.pool.Input(idx)
			out := c.pool.Output(idx)

			spectralOn := c.spectralActive()
			if spectralOn {
				c.processSpectral(in, out)
			}

			c.currentGain = c.compensationGain(in, out, spectralOn)
		}

		out := c.pool.Output(c.current)
		if c.totalEmitted < out.Start+int64(c.chunkSize)+int64(out.Valid) {
			return
		}

		// Playback window already passed; drop and try the next chunk.
		c.releaseCurrent()
	}
}

func (c *Chunker) releaseCurrent() {
	if c.current >= 0 {
		c.pool.Release(c.current)
	}

	c.current = -1
	c.currentPos = 0
	c.currentGain = 1
}

// processSpectral ensures the output chunk has a spectrum, applies the
// morph and pitch-correction stages, reconstructs the time signal and
// tapers its edges.
func (c *Chunker) processSpectral(in, out *chunk.Chunk) {
	if !out.SpectrumReady() {
		out.MarkSpectrum()

		for ch := range out.Spectra {
			_ = c.engine.Forward(out.Spectra[ch], out.Samples[ch], c.inWindow)
		}
	}

	if c.morph != nil && c.morph.Active() {
		c.morph.Process(in, out, c.engine)
	}

	if c.correction != nil && c.correction.Active() {
		c.correction.Process(in, out, c.engine)
	}

	sumSq := 0.0

	for ch := range out.Spectra {
		rms, err := c.engine.Inverse(out.Samples[ch], out.Spectra[ch])
		if err != nil {
			continue
		}

		sumSq += rms * rms
	}

	if n := len(out.Spectra); n > 0 {
		out.RMS = math.Sqrt(sumSq / float64(n))
	}

	out.Valid = c.chunkSize
	c.taperEdges(out)
}

// taperEdges applies a short raised-cosine ramp to both ends of every
// channel to prevent clicking at chunk boundaries.
func (c *Chunker) taperEdges(out *chunk.Chunk) {
	n := min(edgeTaperMax, c.chunkSize/4)
	if n < 1 {
		return
	}

	for ch := range out.Samples {
		buf := out.Samples[ch]

		for i := range n {
			g := 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(n)))
			buf[i] *= g
			buf[len(buf)-1-i] *= g
		}
	}
}

// compensationGain returns the automatic gain compensation factor for one
// chunk: input loudness over output loudness, with the systematic
// overlap-add level change backed out when that render path is active.
func (c *Chunker) compensationGain(in, out *chunk.Chunk, spectralOn bool) float64 {
	if !c.agcEnabled {
		return 1
	}

	var loudIn, loudOut float64
	if spectralOn && in.SpectrumReady() && out.SpectrumReady() {
		loudIn = c.spectralLoudness(in)
		loudOut = c.spectralLoudness(out)
	} else {
		loudIn = in.RMS
		loudOut = out.RMS
	}

	if loudOut < agcFloor || loudIn < agcFloor {
		return 1
	}

	gain := loudIn / loudOut

	if c.renderOverlap {
		net := c.olaGain * c.activeRescale()
		if net > agcFloor {
			gain /= net
		}
	}

	return gain
}

// spectralLoudness is the square root of the mean Parseval energy across
// channels.
func (c *Chunker) spectralLoudness(ck *chunk.Chunk) float64 {
	if len(ck.Spectra) == 0 {
		return 0
	}

	sum := 0.0
	for ch := range ck.Spectra {
		sum += c.engine.Energy(ck.Spectra[ch])
	}

	return math.Sqrt(sum / float64(len(ck.Spectra)))
}

// updateOverlapGain refreshes the cached numeric overlap-add gain when
// the output window or hop changed.
func (c *Chunker) updateOverlapGain(hop int) {
	if hop == c.olaHop && c.outWindow == c.olaWindow {
		return
	}

	c.olaHop = hop
	c.olaWindow = c.outWindow
	c.olaGain = window.OverlapAddGain(c.engine.WindowCoefficients(c.outWindow), hop)
}

// activeRescale returns the overlap-add rescale factor: the numeric
// per-(window, hop) reciprocal gain when spectral processing drives the
// reconstruction, the closed-form constant otherwise.
func (c *Chunker) activeRescale() float64 {
	if c.spectralActive() {
		if c.olaGain < agcFloor {
			return 1
		}

		return 1 / c.olaGain
	}

	return window.RescaleConstant(c.outWindow)
}

// growAccumulator extends the overlap-add buffers to hold at least need
// samples, with one chunk of headroom to amortize regrowth.
func (c *Chunker) growAccumulator(need int) {
	for ch := range c.ola {
		if len(c.ola[ch]) >= need {
			continue
		}

		buf := make([]float64, need+c.chunkSize)
		copy(buf, c.ola[ch])
		c.ola[ch] = buf
	}
}

func zeroFill(outputs [][]float64, frames int) {
	for ch := range outputs {
		buf := outputs[ch]
		for i := 0; i < min(frames, len(buf)); i++ {
			buf[i] = 0
		}
	}
}
