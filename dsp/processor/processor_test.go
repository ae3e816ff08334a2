package processor

import (
	"math"
	"testing"

	"github.com/cwbudde/algo-morph/dsp/chunk"
	"github.com/cwbudde/algo-morph/dsp/chunker"
	"github.com/cwbudde/algo-morph/dsp/spectral"
	"github.com/cwbudde/algo-morph/internal/testutil"
)

type stubTransformer struct {
	gain       float64
	extra      int
	overlapAdd bool

	resets    int
	processed int
}

func (s *stubTransformer) Reset(sampleRate float64, chunkSize, lookahead, channels int) {
	s.resets++
}

func (s *stubTransformer) Process(c *chunker.Chunker) {
	for {
		idx, ok := c.PopPending()
		if !ok {
			return
		}

		in := c.InputChunk(idx)
		out := c.OutputChunk(idx)

		g := s.gain
		if g == 0 {
			g = 1
		}

		for ch := range in.Samples {
			for i, v := range in.Samples[ch] {
				out.Samples[ch][i] = g * v
			}
		}

		out.Valid = in.Valid
		c.CommitOutput(idx)
		s.processed++
	}
}

func (s *stubTransformer) AdditionalLatency(chunkSize, lookahead int) int { return s.extra }

func (s *stubTransformer) RequiredLookahead() int { return 1 }

func (s *stubTransformer) WantsOverlapAdd() bool { return s.overlapAdd }

type stubMorph struct {
	resets  int
	fftSize int
}

func (m *stubMorph) Reset(sampleRate float64, fftSize, channels int) {
	m.resets++
	m.fftSize = fftSize
}

func (m *stubMorph) Process(in, out *chunk.Chunk, eng *spectral.Engine) {}

func (m *stubMorph) Active() bool { return false }

// run streams input through the processor in fixed blocks and returns
// the rendered output.
func run(t *testing.T, p *Processor, input []float64, blockSize int) []float64 {
	t.Helper()

	out := make([]float64, 0, len(input))
	block := make([]float64, blockSize)

	for off := 0; off < len(input); off += blockSize {
		n := min(blockSize, len(input)-off)

		p.ProcessBlock([][]float64{input[off : off+n]}, [][]float64{block[:n]}, n)
		out = append(out, block[:n]...)
	}

	return out
}

func TestPassthroughWithoutTransformer(t *testing.T) {
	p := New(WithChunkSize(256))
	if err := p.OnReset(48000, 64, 1); err != nil {
		t.Fatal(err)
	}

	input := testutil.DeterministicNoise(11, 0.8, 1024)
	out := run(t, p, input, 64)

	testutil.RequireAllZero(t, out[:256], 0)
	testutil.RequireSliceNearlyEqual(t, out[256:], input[:768], 1e-12)
}

func TestTransformerInstalledAtBlockBoundary(t *testing.T) {
	p := New(WithChunkSize(128))
	if err := p.OnReset(48000, 64, 1); err != nil {
		t.Fatal(err)
	}

	tr := &stubTransformer{gain: 2}
	p.SetTransformer(tr)

	if tr.resets != 0 {
		t.Fatal("transformer reset before any block ran")
	}

	input := testutil.DeterministicSine(440, 48000, 0.25, 512)
	out := run(t, p, input, 64)

	if tr.resets != 1 {
		t.Fatalf("transformer resets = %d, want 1", tr.resets)
	}

	if tr.processed == 0 {
		t.Fatal("transformer never processed a chunk")
	}

	testutil.RequireAllZero(t, out[:128], 0)

	for i, v := range out[128:] {
		if math.Abs(v-2*input[i]) > 1e-12 {
			t.Fatalf("sample %d: got %v, want %v", i, v, 2*input[i])
		}
	}
}

func TestTransformerUninstall(t *testing.T) {
	p := New(WithChunkSize(128))
	if err := p.OnReset(48000, 64, 1); err != nil {
		t.Fatal(err)
	}

	tr := &stubTransformer{gain: 2}
	p.SetTransformer(tr)
	_ = run(t, p, testutil.DeterministicNoise(2, 1, 256), 64)

	processed := tr.processed

	p.SetTransformer(nil)
	_ = run(t, p, testutil.DeterministicNoise(3, 1, 512), 64)

	if tr.processed != processed {
		t.Fatal("uninstalled transformer still received chunks")
	}
}

func TestLatencySamples(t *testing.T) {
	p := New(WithChunkSize(300), WithLookahead(2))
	if err := p.OnReset(48000, 64, 1); err != nil {
		t.Fatal(err)
	}

	if got := p.LatencySamples(); got != 300 {
		t.Fatalf("latency without transformer = %d, want 300", got)
	}

	p.SetTransformer(&stubTransformer{extra: 600})
	p.ProcessBlock([][]float64{make([]float64, 64)}, [][]float64{make([]float64, 64)}, 64)

	if got := p.LatencySamples(); got != 900 {
		t.Fatalf("latency with transformer = %d, want 900", got)
	}
}

func TestMorphHandoffResetsWithEngineSize(t *testing.T) {
	p := New(WithChunkSize(3000))
	if err := p.OnReset(48000, 64, 1); err != nil {
		t.Fatal(err)
	}

	m := &stubMorph{}
	p.SetMorph(m)
	p.ProcessBlock([][]float64{make([]float64, 64)}, [][]float64{make([]float64, 64)}, 64)

	if m.resets != 1 {
		t.Fatalf("morph resets = %d, want 1", m.resets)
	}

	// 3000 rounds up to the next 32-divisible 5-smooth size.
	if m.fftSize != 3072 {
		t.Fatalf("morph reset with FFT size %d, want 3072", m.fftSize)
	}
}

func TestConfigChangeAppliedAtBlockBoundary(t *testing.T) {
	p := New(WithChunkSize(256))
	if err := p.OnReset(48000, 64, 1); err != nil {
		t.Fatal(err)
	}

	if err := p.SetChunkSize(128); err != nil {
		t.Fatal(err)
	}

	// Nothing changes until a block runs.
	if got := p.Chunker().ChunkSize(); got != 256 {
		t.Fatalf("chunk size changed outside a block boundary: %d", got)
	}

	p.ProcessBlock([][]float64{make([]float64, 64)}, [][]float64{make([]float64, 64)}, 64)

	if got := p.Chunker().ChunkSize(); got != 128 {
		t.Fatalf("chunk size after block = %d, want 128", got)
	}

	if got := p.LatencySamples(); got != 128 {
		t.Fatalf("latency after reconfigure = %d, want 128", got)
	}
}

func TestOutputGainApplied(t *testing.T) {
	p := New(WithChunkSize(128))
	if err := p.SetOutputGain(2); err != nil {
		t.Fatal(err)
	}

	if err := p.OnReset(48000, 64, 1); err != nil {
		t.Fatal(err)
	}

	input := testutil.DeterministicSine(300, 48000, 0.25, 512)
	out := run(t, p, input, 64)

	for i, v := range out[128:] {
		if math.Abs(v-2*input[i]) > 1e-12 {
			t.Fatalf("sample %d: got %v, want %v", i, v, 2*input[i])
		}
	}
}

func TestGainSmootherHalfLife(t *testing.T) {
	var g gainSmoother

	g.configure(48000, 20)
	g.current = 1
	g.target = 0

	// 20 ms at 48 kHz is 960 samples; after one half-life the smoother
	// must sit near the midpoint.
	for range 960 {
		g.next()
	}

	if math.Abs(g.current-0.5) > 0.01 {
		t.Fatalf("smoother at %v after one half-life, want ~0.5", g.current)
	}
}

func TestSetterValidation(t *testing.T) {
	p := New()

	if err := p.SetChunkSize(0); err == nil {
		t.Fatal("SetChunkSize(0) accepted")
	}

	if err := p.SetLookahead(0); err == nil {
		t.Fatal("SetLookahead(0) accepted")
	}

	if err := p.SetInputGain(-1); err == nil {
		t.Fatal("SetInputGain(-1) accepted")
	}

	if err := p.SetOutputGain(math.NaN()); err == nil {
		t.Fatal("SetOutputGain(NaN) accepted")
	}

	if err := p.OnReset(0, 64, 1); err == nil {
		t.Fatal("OnReset with zero sample rate accepted")
	}
}
