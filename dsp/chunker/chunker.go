// Package chunker turns an unaligned input stream into fixed-size,
// optionally overlapping chunks, feeds a pluggable transform stage, and
// reconstructs a seamless output stream with exact latency.
//
// The whole package runs synchronously inside the caller's processing
// loop: nothing blocks, nothing locks, and after Configure nothing on the
// push/render path allocates except the on-demand growth of the
// overlap-add accumulator. Pool or ring exhaustion drops the oldest
// material instead of failing.
package chunker

import (
	"math"

	"github.com/cwbudde/algo-morph/dsp/chunk"
	"github.com/cwbudde/algo-morph/dsp/ring"
	"github.com/cwbudde/algo-morph/dsp/spectral"
	"github.com/cwbudde/algo-morph/dsp/window"
)

// Chunker is the stream orchestrator. It is not safe for concurrent use;
// live reconfiguration is expected to happen between processing calls.
type Chunker struct {
	channels     int
	chunkSize    int
	lookaheadCap int

	overlapEnabled bool
	inWindow       window.Type
	outWindow      window.Type
	agcEnabled     bool
	renderOverlap  bool

	pool   chunk.Pool
	engine *spectral.Engine

	morph      Morph
	correction Morph

	// Input accumulation.
	accum       [][]float64
	accumFill   int
	nextStart   int64
	totalPushed int64

	// Render bookkeeping.
	totalRendered int64
	totalEmitted  int64

	// Overlap-add state.
	ola       [][]float64
	olaValid  int
	olaWindow window.Type
	olaHop    int
	olaGain   float64

	// Sequential state.
	current     int
	currentPos  int
	currentGain float64
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithOverlap enables or disables overlapping chunks.
func WithOverlap(enabled bool) Option {
	return func(c *Chunker) {
		c.overlapEnabled = enabled
	}
}

// WithInputWindow sets the analysis window applied by forward transforms.
func WithInputWindow(t window.Type) Option {
	return func(c *Chunker) {
		c.inWindow = t
	}
}

// WithOutputWindow sets the synthesis window applied during rendering.
func WithOutputWindow(t window.Type) Option {
	return func(c *Chunker) {
		c.outWindow = t
	}
}

// WithAGC enables or disables automatic gain compensation.
func WithAGC(enabled bool) Option {
	return func(c *Chunker) {
		c.agcEnabled = enabled
	}
}

// New returns an unconfigured Chunker; call Configure before use.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		inWindow:  window.TypeHann,
		outWindow: window.TypeRectangular,
		current:   -1,
		olaGain:   1,
		olaHop:    -1,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c
}

// Configure sizes the chunker for a stream. All arguments are clamped to
// a minimum of one. Buffers are reused when the dimensions are unchanged;
// stream state is reset either way.
func (c *Chunker) Configure(channels, chunkSize, lookahead int) error {
	if channels < 1 {
		channels = 1
	}

	if chunkSize < 1 {
		chunkSize = 1
	}

	if lookahead < 1 {
		lookahead = 1
	}

	if c.engine == nil || c.engine.ChunkSize() != chunkSize {
		engine, err := spectral.NewEngine(chunkSize)
		if err != nil {
			return err
		}

		c.engine = engine
	}

	c.pool.Configure(channels, chunkSize, c.engine.Size(), lookahead)

	if channels != c.channels || chunkSize != c.chunkSize {
		c.accum = make([][]float64, channels)
		c.ola = make([][]float64, channels)

		for ch := range channels {
			c.accum[ch] = make([]float64, chunkSize)
			c.ola[ch] = make([]float64, 4*chunkSize)
		}
	}

	c.channels = channels
	c.chunkSize = chunkSize
	c.lookaheadCap = lookahead

	c.Reset()

	return nil
}

// Reset clears all stream state while keeping the configuration and
// buffers in place.
func (c *Chunker) Reset() {
	c.accumFill = 0
	c.nextStart = 0
	c.totalPushed = 0
	c.totalRendered = 0
	c.totalEmitted = 0
	c.olaValid = 0
	c.olaHop = -1
	c.olaGain = 1
	c.current = -1
	c.currentPos = 0
	c.currentGain = 1

	for ch := range c.accum {
		for i := range c.accum[ch] {
			c.accum[ch][i] = 0
		}
	}

	for ch := range c.ola {
		for i := range c.ola[ch] {
			c.ola[ch][i] = 0
		}
	}

	c.pool.Configure(c.channels, c.chunkSize, c.engineSize(), c.lookaheadCap)
}

func (c *Chunker) engineSize() int {
	if c.engine == nil {
		return 0
	}

	return c.engine.Size()
}

// ChunkSize returns the configured chunk size.
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Channels returns the configured channel count.
func (c *Chunker) Channels() int { return c.channels }

// Engine returns the spectral engine shared with morph stages.
func (c *Chunker) Engine() *spectral.Engine { return c.engine }

// TotalPushed returns the number of frames pushed since the last reset.
func (c *Chunker) TotalPushed() int64 { return c.totalPushed }

// TotalRendered returns the number of non-silent frames rendered since
// the last reset.
func (c *Chunker) TotalRendered() int64 { return c.totalRendered }

// SetOverlapEnabled toggles overlapping chunks.
func (c *Chunker) SetOverlapEnabled(enabled bool) { c.overlapEnabled = enabled }

// OverlapEnabled reports whether overlapping chunks are enabled.
func (c *Chunker) OverlapEnabled() bool { return c.overlapEnabled }

// SetInputWindow selects the analysis window type.
func (c *Chunker) SetInputWindow(t window.Type) { c.inWindow = t }

// InputWindow returns the analysis window type.
func (c *Chunker) InputWindow() window.Type { return c.inWindow }

// SetOutputWindow selects the synthesis window type.
func (c *Chunker) SetOutputWindow(t window.Type) { c.outWindow = t }

// OutputWindow returns the synthesis window type.
func (c *Chunker) OutputWindow() window.Type { return c.outWindow }

// SetAGCEnabled toggles automatic gain compensation.
func (c *Chunker) SetAGCEnabled(enabled bool) { c.agcEnabled = enabled }

// SetMorph installs the active spectral morph stage; nil removes it.
func (c *Chunker) SetMorph(m Morph) { c.morph = m }

// SetPitchCorrection installs an optional second spectral stage applied
// after the morph; nil removes it.
func (c *Chunker) SetPitchCorrection(m Morph) { c.correction = m }

// SetRenderPolicy selects overlap-add (true) or sequential (false)
// reconstruction for subsequent Render calls.
func (c *Chunker) SetRenderPolicy(overlapAdd bool) { c.renderOverlap = overlapAdd }

func (c *Chunker) spectralActive() bool {
	if c.morph != nil && c.morph.Active() {
		return true
	}

	return c.correction != nil && c.correction.Active()
}

// HopSize returns the currently active hop: chunkSize scaled by the
// relevant window's overlap fraction when overlap is enabled, otherwise
// the full chunk size.
func (c *Chunker) HopSize() int {
	if !c.overlapEnabled || c.chunkSize <= 0 {
		return c.chunkSize
	}

	t := c.outWindow
	if c.spectralActive() {
		t = c.inWindow
	}

	f := window.OverlapFraction(t)
	if f <= 0 {
		return c.chunkSize
	}

	hop := int(math.Round(float64(c.chunkSize) * (1 - f)))
	if hop < 1 {
		hop = 1
	}

	return hop
}

// PushAudio appends frames to the per-channel accumulation buffer and
// cuts a chunk whenever it fills. Missing or short input channels are
// treated as silence. Pool exhaustion drops one hop of backlog per
// missed chunk and continues.
func (c *Chunker) PushAudio(inputs [][]float64, frames int) {
	if frames <= 0 || c.chunkSize <= 0 || len(c.accum) == 0 {
		return
	}

	offset := 0

	for frames > 0 {
		space := c.chunkSize - c.accumFill

		n := min(space, frames)
		for ch := range c.accum {
			dst := c.accum[ch][c.accumFill : c.accumFill+n]

			copied := 0
			if ch < len(inputs) && offset < len(inputs[ch]) {
				copied = copy(dst, inputs[ch][offset:])
			}

			for i := copied; i < n; i++ {
				dst[i] = 0
			}
		}

		c.accumFill += n
		c.totalPushed += int64(n)
		offset += n
		frames -= n

		if c.accumFill == c.chunkSize {
			hop := c.HopSize()
			c.emitChunk()

			keep := c.chunkSize - hop
			for ch := range c.accum {
				copy(c.accum[ch][:keep], c.accum[ch][hop:])
			}

			c.accumFill = keep
			c.nextStart += int64(hop)
		}
	}
}

// emitChunk moves one full accumulation buffer into a pool entry and
// inserts it into the lookahead and pending sets. When the pool is
// exhausted the chunk is dropped; the caller's hop shift discards the
// oldest backlog.
func (c *Chunker) emitChunk() {
	idx, ok := c.pool.Acquire()
	if !ok {
		return
	}

	in := c.pool.Input(idx)
	for ch := range c.accum {
		copy(in.Samples[ch], c.accum[ch])
	}

	in.Valid = c.chunkSize
	in.Start = c.nextStart
	in.UpdateRMS()

	in.MarkSpectrum()
	for ch := range in.Spectra {
		// Sizes are fixed by Configure; the forward transform cannot
		// fail on this path.
		_ = c.engine.Forward(in.Spectra[ch], in.Samples[ch], c.inWindow)
	}

	c.insertEvicting(c.pool.Lookahead(), idx)
	c.insertEvicting(c.pool.Pending(), idx)
}

// insertEvicting pushes idx onto r with a reference, releasing the oldest
// member first when the ring is full.
func (c *Chunker) insertEvicting(r *ring.Ring, idx int) {
	if r.Full() {
		if old, ok := r.Pop(); ok {
			c.pool.Release(old)
		}
	}

	if r.Push(idx) {
		c.pool.Retain(idx)
	}
}

// PopPending removes and returns the oldest pending chunk index. The
// pending set's reference travels with the returned index: it is handed
// to the output queue by CommitOutput and must not be released by the
// transformer.
func (c *Chunker) PopPending() (int, bool) {
	return c.pool.Pending().Pop()
}

// PendingCount returns the number of chunks awaiting transformation.
func (c *Chunker) PendingCount() int { return c.pool.Pending().Len() }

// InputChunk returns the input chunk of pool entry i.
func (c *Chunker) InputChunk(i int) *chunk.Chunk { return c.pool.Input(i) }

// OutputChunk returns the co-located output chunk of pool entry i.
func (c *Chunker) OutputChunk(i int) *chunk.Chunk { return c.pool.Output(i) }

// CommitOutput finalizes the output chunk of entry i (previously obtained
// from PopPending) and enqueues it for rendering, evicting the oldest
// queued output when the queue is full.
func (c *Chunker) CommitOutput(i int) {
	out := c.pool.Output(i)
	if out == nil {
		return
	}

	if out.Valid <= 0 {
		out.Valid = c.chunkSize
	}

	if in := c.pool.Input(i); in != nil {
		out.Start = in.Start
	}

	out.UpdateRMS()

	oq := c.pool.OutputQueue()
	if oq.Full() {
		if old, ok := oq.Pop(); ok {
			c.pool.Release(old)
		}
	}

	oq.Push(i)
}

// LookaheadCount returns the number of chunks in the lookahead window.
func (c *Chunker) LookaheadCount() int { return c.pool.Lookahead().Len() }

// LookaheadFromOldest returns the i-th lookahead chunk index counted from
// the oldest retained chunk.
func (c *Chunker) LookaheadFromOldest(i int) (int, bool) {
	return c.pool.Lookahead().FromOldest(i)
}

// LookaheadFromNewest returns the i-th lookahead chunk index counted back
// from the most recent chunk.
func (c *Chunker) LookaheadFromNewest(i int) (int, bool) {
	return c.pool.Lookahead().FromNewest(i)
}

// OutputQueueLen returns the number of committed chunks awaiting render.
func (c *Chunker) OutputQueueLen() int { return c.pool.OutputQueue().Len() }

// OutputQueueAt returns the i-th queued output chunk index from oldest.
func (c *Chunker) OutputQueueAt(i int) (int, bool) {
	return c.pool.OutputQueue().FromOldest(i)
}

// Pool exposes the chunk pool for tests and diagnostics.
func (c *Chunker) Pool() *chunk.Pool { return &c.pool }
