// Package processor is the composition root of the morphing engine: it
// owns the stream chunker, the pluggable transform and spectral stages,
// smoothed input/output gain, and the latency contract a host relies on.
//
// All Set methods are safe to call from a control thread while an audio
// thread runs ProcessBlock: stage swaps travel through atomic single-slot
// handoffs and configuration changes are applied at the next block
// boundary. ProcessBlock itself must only ever run on one goroutine.
package processor

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cwbudde/algo-morph/dsp/chunker"
	"github.com/cwbudde/algo-morph/dsp/window"
)

const (
	defaultChunkSize = 3000
	defaultLookahead = 1

	// defaultSmoothingMs is the half-life of the one-pole gain smoothers.
	defaultSmoothingMs = 20.0
)

// stageSlot wraps a stage pointer so that a nil stage (an uninstall
// request) is distinguishable from an empty handoff slot.
type stageSlot[T any] struct {
	stage T
}

// gainSmoother is a one-pole parameter smoother with a configurable
// half-life.
type gainSmoother struct {
	current float64
	target  float64
	coeff   float64
}

func (g *gainSmoother) configure(sampleRate, halfLifeMs float64) {
	if sampleRate <= 0 || halfLifeMs <= 0 {
		g.coeff = 1
		return
	}

	g.coeff = 1 - math.Exp(-math.Ln2/(halfLifeMs*0.001*sampleRate))
}

func (g *gainSmoother) snap() {
	g.current = g.target
}

func (g *gainSmoother) next() float64 {
	g.current += g.coeff * (g.target - g.current)
	return g.current
}

// settings is the control-thread view of the stream configuration.
type settings struct {
	chunkSize   int
	lookahead   int
	overlap     bool
	inWindow    window.Type
	outWindow   window.Type
	agc         bool
	smoothingMs float64
}

// Processor wires the chunker, transform stage and gain staging into a
// host-facing processing block.
type Processor struct {
	chunk *chunker.Chunker

	transformer chunker.Transformer
	morph       chunker.Morph
	correction  chunker.Morph

	pendingTransformer atomic.Pointer[stageSlot[chunker.Transformer]]
	pendingMorph       atomic.Pointer[stageSlot[chunker.Morph]]
	pendingCorrection  atomic.Pointer[stageSlot[chunker.Morph]]

	mu      sync.Mutex
	desired settings
	dirty   atomic.Bool

	applied settings

	sampleRate float64
	channels   int

	inGain  gainSmoother
	outGain gainSmoother

	scratch [][]float64
}

// Option configures a Processor.
type Option func(*settings)

// WithChunkSize sets the chunk size in samples.
func WithChunkSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithLookahead sets the lookahead window in chunks.
func WithLookahead(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.lookahead = n
		}
	}
}

// WithOverlap enables overlapping chunks.
func WithOverlap(enabled bool) Option {
	return func(s *settings) {
		s.overlap = enabled
	}
}

// WithInputWindow sets the analysis window.
func WithInputWindow(t window.Type) Option {
	return func(s *settings) {
		s.inWindow = t
	}
}

// WithOutputWindow sets the synthesis window.
func WithOutputWindow(t window.Type) Option {
	return func(s *settings) {
		s.outWindow = t
	}
}

// WithAGC enables automatic gain compensation.
func WithAGC(enabled bool) Option {
	return func(s *settings) {
		s.agc = enabled
	}
}

// WithGainSmoothing sets the gain smoother half-life in milliseconds.
func WithGainSmoothing(ms float64) Option {
	return func(s *settings) {
		if ms > 0 {
			s.smoothingMs = ms
		}
	}
}

// New returns a Processor with the given stream options applied. OnReset
// must run before the first ProcessBlock.
func New(opts ...Option) *Processor {
	s := settings{
		chunkSize:   defaultChunkSize,
		lookahead:   defaultLookahead,
		inWindow:    window.TypeHann,
		outWindow:   window.TypeRectangular,
		smoothingMs: defaultSmoothingMs,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	p := &Processor{
		chunk:   chunker.New(),
		desired: s,
	}

	p.inGain.target = 1
	p.outGain.target = 1
	p.dirty.Store(true)

	return p
}

// SetTransformer queues a transform stage for installation at the next
// block boundary; nil uninstalls the current stage.
func (p *Processor) SetTransformer(tr chunker.Transformer) {
	p.pendingTransformer.Store(&stageSlot[chunker.Transformer]{stage: tr})
}

// SetMorph queues a spectral morph stage; nil uninstalls it.
func (p *Processor) SetMorph(m chunker.Morph) {
	p.pendingMorph.Store(&stageSlot[chunker.Morph]{stage: m})
}

// SetPitchCorrection queues a pitch-correction stage applied after the
// morph; nil uninstalls it.
func (p *Processor) SetPitchCorrection(m chunker.Morph) {
	p.pendingCorrection.Store(&stageSlot[chunker.Morph]{stage: m})
}

// SetInputGain sets the linear gain applied before chunking. The change
// glides over the configured smoothing time.
func (p *Processor) SetInputGain(gain float64) error {
	if math.IsNaN(gain) || gain < 0 {
		return fmt.Errorf("processor: input gain must be >= 0: %f", gain)
	}

	p.inGain.target = gain

	return nil
}

// SetOutputGain sets the linear gain applied after rendering.
func (p *Processor) SetOutputGain(gain float64) error {
	if math.IsNaN(gain) || gain < 0 {
		return fmt.Errorf("processor: output gain must be >= 0: %f", gain)
	}

	p.outGain.target = gain

	return nil
}

// update mutates the desired settings under the lock and marks them for
// application at the next block boundary.
func (p *Processor) update(f func(*settings)) {
	p.mu.Lock()
	f(&p.desired)
	p.mu.Unlock()

	p.dirty.Store(true)
}

// SetChunkSize requests a new chunk size, applied at the next block.
func (p *Processor) SetChunkSize(n int) error {
	if n < 1 {
		return fmt.Errorf("processor: chunk size must be >= 1: %d", n)
	}

	p.update(func(s *settings) { s.chunkSize = n })

	return nil
}

// SetLookahead requests a new lookahead window, applied at the next block.
func (p *Processor) SetLookahead(n int) error {
	if n < 1 {
		return fmt.Errorf("processor: lookahead must be >= 1 chunk: %d", n)
	}

	p.update(func(s *settings) { s.lookahead = n })

	return nil
}

// SetOverlapEnabled toggles overlapping chunks at the next block.
func (p *Processor) SetOverlapEnabled(enabled bool) {
	p.update(func(s *settings) { s.overlap = enabled })
}

// SetInputWindow selects the analysis window at the next block.
func (p *Processor) SetInputWindow(t window.Type) {
	p.update(func(s *settings) { s.inWindow = t })
}

// SetOutputWindow selects the synthesis window at the next block.
func (p *Processor) SetOutputWindow(t window.Type) {
	p.update(func(s *settings) { s.outWindow = t })
}

// SetAGCEnabled toggles automatic gain compensation at the next block.
func (p *Processor) SetAGCEnabled(enabled bool) {
	p.update(func(s *settings) { s.agc = enabled })
}

// LatencySamples returns the total latency reported to the host: one
// chunk of buffering plus whatever the installed transform stage adds.
func (p *Processor) LatencySamples() int {
	latency := p.applied.chunkSize

	if p.transformer != nil {
		latency += p.transformer.AdditionalLatency(p.applied.chunkSize, p.applied.lookahead)
	}

	return latency
}

// Chunker exposes the stream chunker for diagnostics and tests.
func (p *Processor) Chunker() *chunker.Chunker { return p.chunk }

// OnReset prepares the processor for a stream with the given sample rate,
// maximum block size and channel count. It applies any queued stage and
// configuration changes and clears all stream state.
func (p *Processor) OnReset(sampleRate float64, maxBlockSize, channels int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("processor: sample rate must be positive: %f", sampleRate)
	}

	if channels < 1 {
		channels = 1
	}

	if maxBlockSize < 1 {
		maxBlockSize = 1
	}

	p.sampleRate = sampleRate
	p.channels = channels

	p.growScratch(channels, maxBlockSize)

	p.consumeStageSlots()
	p.dirty.Store(true)

	if err := p.applySettings(); err != nil {
		return err
	}

	p.chunk.Reset()

	p.inGain.snap()
	p.outGain.snap()

	return nil
}

// ProcessBlock runs one audio block: input gain, chunking, the transform
// stage, rendering and output gain. inputs and outputs hold one buffer
// per channel with at least frames samples each; missing channels are
// treated as silence.
func (p *Processor) ProcessBlock(inputs, outputs [][]float64, frames int) {
	if frames <= 0 {
		return
	}

	p.consumeStageSlots()

	if p.dirty.Load() {
		if err := p.applySettings(); err != nil {
			zeroOutputs(outputs, frames)
			return
		}
	}

	p.growScratch(p.channels, frames)

	// All channels ride the same smoothing trajectory.
	inStart := p.inGain.current

	for ch := range p.scratch {
		src := []float64(nil)
		if ch < len(inputs) {
			src = inputs[ch]
		}

		p.inGain.current = inStart

		dst := p.scratch[ch]
		for i := range frames {
			g := p.inGain.next()

			if i < len(src) {
				dst[i] = src[i] * g
			} else {
				dst[i] = 0
			}
		}
	}

	p.chunk.PushAudio(p.scratch, frames)

	if p.transformer != nil {
		if p.chunk.LookaheadCount() >= p.transformer.RequiredLookahead() {
			p.transformer.Process(p.chunk)
		}

		p.chunk.SetRenderPolicy(p.transformer.WantsOverlapAdd() && p.applied.overlap)
	} else {
		p.drainPassthrough()
		p.chunk.SetRenderPolicy(false)
	}

	p.chunk.Render(outputs, frames)

	p.applyOutputGain(outputs, frames)
}

// drainPassthrough copies pending chunks straight to the output queue
// when no transform stage is installed.
func (p *Processor) drainPassthrough() {
	for {
		idx, ok := p.chunk.PopPending()
		if !ok {
			return
		}

		in := p.chunk.InputChunk(idx)
		out := p.chunk.OutputChunk(idx)

		for ch := range in.Samples {
			copy(out.Samples[ch], in.Samples[ch])
		}

		out.Valid = in.Valid
		p.chunk.CommitOutput(idx)
	}
}

// consumeStageSlots installs any stage handed off since the last block
// and resets it for the current stream dimensions.
func (p *Processor) consumeStageSlots() {
	if slot := p.pendingTransformer.Swap(nil); slot != nil {
		p.transformer = slot.stage
		p.resetTransformer()
	}

	if slot := p.pendingMorph.Swap(nil); slot != nil {
		p.morph = slot.stage
		p.chunk.SetMorph(p.morph)
		p.resetMorph(p.morph)
	}

	if slot := p.pendingCorrection.Swap(nil); slot != nil {
		p.correction = slot.stage
		p.chunk.SetPitchCorrection(p.correction)
		p.resetMorph(p.correction)
	}
}

func (p *Processor) resetTransformer() {
	if p.transformer == nil || p.sampleRate <= 0 {
		return
	}

	p.transformer.Reset(p.sampleRate, p.applied.chunkSize, p.applied.lookahead, p.channels)
}

func (p *Processor) resetMorph(m chunker.Morph) {
	if m == nil || p.sampleRate <= 0 || p.chunk.Engine() == nil {
		return
	}

	m.Reset(p.sampleRate, p.chunk.Engine().Size(), p.channels)
}

// applySettings moves the desired settings into the live chunker. Called
// at block boundaries only.
func (p *Processor) applySettings() error {
	p.mu.Lock()
	s := p.desired
	p.mu.Unlock()

	p.dirty.Store(false)

	p.chunk.SetOverlapEnabled(s.overlap)
	p.chunk.SetInputWindow(s.inWindow)
	p.chunk.SetOutputWindow(s.outWindow)
	p.chunk.SetAGCEnabled(s.agc)

	reconfigured := s.chunkSize != p.applied.chunkSize ||
		s.lookahead != p.applied.lookahead ||
		p.chunk.ChunkSize() != s.chunkSize ||
		p.chunk.Channels() != p.channels

	if reconfigured {
		if err := p.chunk.Configure(p.channels, s.chunkSize, s.lookahead); err != nil {
			return err
		}
	}

	p.applied = s

	p.inGain.configure(p.sampleRate, s.smoothingMs)
	p.outGain.configure(p.sampleRate, s.smoothingMs)

	if reconfigured {
		p.resetTransformer()
		p.resetMorph(p.morph)
		p.resetMorph(p.correction)
	}

	return nil
}

func (p *Processor) applyOutputGain(outputs [][]float64, frames int) {
	start := p.outGain.current

	for ch := range outputs {
		if outputs[ch] == nil {
			continue
		}

		p.outGain.current = start

		n := min(frames, len(outputs[ch]))
		for i := range n {
			outputs[ch][i] *= p.outGain.next()
		}
	}
}

func (p *Processor) growScratch(channels, frames int) {
	if len(p.scratch) != channels {
		p.scratch = make([][]float64, channels)
	}

	for ch := range p.scratch {
		if len(p.scratch[ch]) < frames {
			p.scratch[ch] = make([]float64, frames)
		}
	}
}

func zeroOutputs(outputs [][]float64, frames int) {
	for ch := range outputs {
		buf := outputs[ch]
		for i := range min(frames, len(buf)) {
			buf[i] = 0
		}
	}
}
