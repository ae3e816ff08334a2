package chunker

import (
	"github.com/cwbudde/algo-morph/dsp/chunk"
	"github.com/cwbudde/algo-morph/dsp/spectral"
)

// Transformer is the pluggable per-chunk transformation stage.
//
// Implementations drain the pending queue via PopPending, write into the
// same entry's output chunk, and hand it to the renderer with
// CommitOutput. They must not block or allocate inside Process.
type Transformer interface {
	// Reset prepares the transformer for a (re)configured stream.
	Reset(sampleRate float64, chunkSize, lookahead, channels int)

	// Process drains pending chunks and commits output chunks.
	Process(c *Chunker)

	// AdditionalLatency returns the latency in samples the transformer
	// adds on top of the chunking latency.
	AdditionalLatency(chunkSize, lookahead int) int

	// RequiredLookahead returns the number of lookahead chunks that must
	// be available before Process is invoked.
	RequiredLookahead() int

	// WantsOverlapAdd reports the transformer's preferred render policy.
	WantsOverlapAdd() bool
}

// Morph is an optional spectral stage that remixes an output chunk
// against its paired input chunk in the frequency domain.
type Morph interface {
	// Reset prepares the morph for a (re)configured stream.
	Reset(sampleRate float64, fftSize, channels int)

	// Process mutates the output chunk's spectrum in place.
	Process(in, out *chunk.Chunk, eng *spectral.Engine)

	// Active gates whether spectral processing, analysis windowing and
	// overlap-add decisions engage at all.
	Active() bool
}

// DatabaseChunk is one corpus entry served by an external sample database.
type DatabaseChunk struct {
	Samples  [][]float64
	Features []float64
}

// Database is the read-only per-chunk lookup contract of the external
// sample-matching database consumed by matching transformers.
type Database interface {
	TotalChunks() int

	// ChunkByIndex returns the chunk at index i, or nil when out of range.
	ChunkByIndex(i int) *DatabaseChunk
}
