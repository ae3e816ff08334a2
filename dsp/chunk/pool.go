package chunk

import "github.com/cwbudde/algo-morph/dsp/ring"

// Headroom is the number of pool entries kept beyond the lookahead
// capacity so that pending and output queues have room of their own.
const Headroom = 8

// Entry is one pool slot: an input chunk, a co-located output chunk the
// transform writes into, and a reference count.
type Entry struct {
	In   Chunk
	Out  Chunk
	refs int
}

// Pool is a fixed arena of chunk entries with manual reference counting.
//
// An index belongs to the free ring exactly while its reference count is
// zero. The pending, lookahead and output rings are ownership views
// maintained by the stream chunker; the pool itself only moves indices
// between free and in-use.
type Pool struct {
	entries []Entry

	free      ring.Ring
	pending   ring.Ring
	lookahead ring.Ring
	output    ring.Ring

	channels  int
	chunkSize int
	fftSize   int
	capacity  int
}

// Configure sizes the pool for the given stream dimensions. Buffers are
// reallocated only when channels, chunk size, FFT size or the derived
// capacity actually changed; otherwise they are reused in place. In both
// cases every ring is reset and all indices return to the free set.
func (p *Pool) Configure(channels, chunkSize, fftSize, lookahead int) {
	if channels < 1 {
		channels = 1
	}

	if chunkSize < 1 {
		chunkSize = 1
	}

	if fftSize < chunkSize {
		fftSize = chunkSize
	}

	if lookahead < 1 {
		lookahead = 1
	}

	capacity := lookahead + Headroom

	realloc := channels != p.channels ||
		chunkSize != p.chunkSize ||
		fftSize != p.fftSize ||
		capacity != p.capacity

	p.channels = channels
	p.chunkSize = chunkSize
	p.fftSize = fftSize
	p.capacity = capacity

	if realloc {
		p.entries = make([]Entry, capacity)
		for i := range p.entries {
			p.entries[i].In.alloc(channels, chunkSize, fftSize)
			p.entries[i].Out.alloc(channels, chunkSize, fftSize)
		}
	}

	p.free.Resize(capacity)
	p.pending.Resize(capacity)
	p.lookahead.Resize(lookahead)
	p.output.Resize(capacity)

	for i := range p.entries {
		p.entries[i].refs = 0
		p.entries[i].In.reset()
		p.entries[i].Out.reset()
		p.free.Push(i)
	}
}

// Capacity returns the number of entries.
func (p *Pool) Capacity() int { return p.capacity }

// Channels returns the configured channel count.
func (p *Pool) Channels() int { return p.channels }

// ChunkSize returns the configured chunk size.
func (p *Pool) ChunkSize() int { return p.chunkSize }

// Acquire pops an index from the free set and resets its chunks. It
// returns false when the pool is exhausted; callers must degrade
// gracefully, never block.
func (p *Pool) Acquire() (int, bool) {
	i, ok := p.free.Pop()
	if !ok {
		return 0, false
	}

	e := &p.entries[i]
	e.refs = 0
	e.In.reset()
	e.In.zero()
	e.Out.reset()

	return i, true
}

// Retain increments the reference count of entry i.
func (p *Pool) Retain(i int) {
	if i < 0 || i >= len(p.entries) {
		return
	}

	p.entries[i].refs++
}

// Release decrements the reference count of entry i and returns it to the
// free set when the count reaches zero.
func (p *Pool) Release(i int) {
	if i < 0 || i >= len(p.entries) {
		return
	}

	e := &p.entries[i]
	if e.refs <= 0 {
		return
	}

	e.refs--
	if e.refs == 0 {
		p.free.Push(i)
	}
}

// Refs returns the reference count of entry i.
func (p *Pool) Refs(i int) int {
	if i < 0 || i >= len(p.entries) {
		return 0
	}

	return p.entries[i].refs
}

// Input returns the input chunk of entry i.
func (p *Pool) Input(i int) *Chunk {
	if i < 0 || i >= len(p.entries) {
		return nil
	}

	return &p.entries[i].In
}

// Output returns the output chunk of entry i.
func (p *Pool) Output(i int) *Chunk {
	if i < 0 || i >= len(p.entries) {
		return nil
	}

	return &p.entries[i].Out
}

// Free returns the free ring.
func (p *Pool) Free() *ring.Ring { return &p.free }

// Pending returns the pending ring.
func (p *Pool) Pending() *ring.Ring { return &p.pending }

// Lookahead returns the lookahead ring.
func (p *Pool) Lookahead() *ring.Ring { return &p.lookahead }

// OutputQueue returns the output ring.
func (p *Pool) OutputQueue() *ring.Ring { return &p.output }
