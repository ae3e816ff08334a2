package chunk

import (
	"math"
	"testing"
)

func TestConfigureIdempotent(t *testing.T) {
	var p Pool

	p.Configure(2, 512, 512, 4)

	// Mutate state, then reconfigure with identical arguments.
	i, ok := p.Acquire()
	if !ok {
		t.Fatal("acquire failed on fresh pool")
	}
	p.Retain(i)
	p.Pending().Push(i)
	p.Input(i).Samples[0][0] = 1

	first := p.Input(0).Samples[0]

	p.Configure(2, 512, 512, 4)

	if got := p.Capacity(); got != 4+Headroom {
		t.Fatalf("capacity = %d, want %d", got, 4+Headroom)
	}

	if p.Pending().Len() != 0 || p.Lookahead().Len() != 0 || p.OutputQueue().Len() != 0 {
		t.Fatal("rings not reset by reconfigure")
	}

	if p.Free().Len() != p.Capacity() {
		t.Fatalf("free ring holds %d indices, want %d", p.Free().Len(), p.Capacity())
	}

	// Same dimensions must reuse buffers in place.
	if &p.Input(0).Samples[0][0] != &first[0] {
		t.Fatal("reconfigure with identical arguments reallocated buffers")
	}
}

func TestConfigureReallocatesOnChange(t *testing.T) {
	var p Pool

	p.Configure(1, 256, 256, 2)
	first := p.Input(0).Samples[0]

	p.Configure(1, 512, 512, 2)

	if len(p.Input(0).Samples[0]) != 512 {
		t.Fatalf("chunk size after reconfigure = %d, want 512", len(p.Input(0).Samples[0]))
	}

	if &p.Input(0).Samples[0][0] == &first[0] {
		t.Fatal("changed dimensions did not reallocate buffers")
	}
}

func TestConfigureClamps(t *testing.T) {
	var p Pool

	p.Configure(0, 0, 0, 0)

	if p.Channels() != 1 || p.ChunkSize() != 1 {
		t.Fatalf("channels, chunkSize = %d, %d, want 1, 1 after clamping", p.Channels(), p.ChunkSize())
	}

	if p.Capacity() != 1+Headroom {
		t.Fatalf("capacity = %d, want %d", p.Capacity(), 1+Headroom)
	}
}

func TestAcquireExhaustion(t *testing.T) {
	var p Pool

	p.Configure(1, 64, 64, 1)

	for range p.Capacity() {
		i, ok := p.Acquire()
		if !ok {
			t.Fatal("acquire failed before exhaustion")
		}
		p.Retain(i)
	}

	if _, ok := p.Acquire(); ok {
		t.Fatal("acquire succeeded on exhausted pool")
	}
}

func TestReferenceCounting(t *testing.T) {
	var p Pool

	p.Configure(1, 64, 64, 1)

	i, ok := p.Acquire()
	if !ok {
		t.Fatal("acquire failed")
	}

	p.Retain(i)
	p.Retain(i)

	if p.Refs(i) != 2 {
		t.Fatalf("refs = %d, want 2", p.Refs(i))
	}

	freeBefore := p.Free().Len()

	p.Release(i)
	if p.Free().Len() != freeBefore {
		t.Fatal("entry returned to free set before count reached zero")
	}

	p.Release(i)
	if p.Free().Len() != freeBefore+1 {
		t.Fatal("entry not returned to free set at count zero")
	}

	// Releasing past zero must not double-free.
	p.Release(i)
	if p.Free().Len() != freeBefore+1 {
		t.Fatal("release past zero pushed the index again")
	}
}

func TestAcquireResetsEntry(t *testing.T) {
	var p Pool

	p.Configure(1, 8, 32, 1)

	i, _ := p.Acquire()
	in := p.Input(i)
	in.Samples[0][3] = 0.5
	in.Valid = 8
	in.MarkSpectrum()
	p.Retain(i)
	p.Release(i)

	j, _ := p.Acquire()
	if j != i {
		t.Fatalf("expected to reacquire index %d, got %d", i, j)
	}

	in = p.Input(j)
	if in.Valid != 0 || in.SpectrumReady() || in.Samples[0][3] != 0 {
		t.Fatal("acquire did not reset the entry")
	}
}

func TestChunkUpdateRMS(t *testing.T) {
	c := Chunk{
		Samples: [][]float64{{3, 3, 3, 3}, {4, 4, 4, 4}},
		Valid:   4,
	}

	c.UpdateRMS()

	// sqrt((4*9 + 4*16) / 8) = sqrt(12.5)
	want := math.Sqrt(12.5)
	if math.Abs(c.RMS-want) > 1e-12 {
		t.Fatalf("RMS = %v, want %v", c.RMS, want)
	}

	c.Valid = 0
	c.UpdateRMS()
	if c.RMS != 0 {
		t.Fatalf("RMS of empty chunk = %v, want 0", c.RMS)
	}
}

func TestSpectrumLifecycle(t *testing.T) {
	var p Pool

	p.Configure(1, 8, 32, 1)

	in := p.Input(0)
	if in.SpectrumReady() {
		t.Fatal("spectrum ready before computation")
	}

	in.MarkSpectrum()
	if !in.SpectrumReady() || len(in.Spectra[0]) != 32 {
		t.Fatalf("spectrum length = %d, want FFT size 32", len(in.Spectra[0]))
	}

	in.ClearSpectrum()
	if in.SpectrumReady() {
		t.Fatal("spectrum still ready after clear")
	}
}
