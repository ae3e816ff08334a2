package main

import (
	"path/filepath"
	"testing"

	"github.com/cwbudde/algo-morph/dsp/window"
	"github.com/cwbudde/algo-morph/internal/testutil"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")

	want := [][]float64{
		testutil.DeterministicSine(440, 48000, 0.5, 4800),
		testutil.DeterministicSine(880, 48000, 0.25, 4800),
	}

	if err := writeWAV(path, want, 48000, 16); err != nil {
		t.Fatal(err)
	}

	got, sampleRate, bitDepth, err := readWAV(path)
	if err != nil {
		t.Fatal(err)
	}

	if sampleRate != 48000 || bitDepth != 16 {
		t.Fatalf("round trip format = %d Hz / %d bit, want 48000 / 16", sampleRate, bitDepth)
	}

	if len(got) != len(want) {
		t.Fatalf("round trip channels = %d, want %d", len(got), len(want))
	}

	// 16-bit quantization bounds the error well below 1e-3.
	for ch := range want {
		testutil.RequireSliceNearlyEqual(t, got[ch], want[ch], 1e-3)
	}
}

func TestWriteWAVReportsUnwritablePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "out.wav")

	if err := writeWAV(path, [][]float64{{0}}, 48000, 16); err == nil {
		t.Fatal("expected error for unwritable path")
	}
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		name string
		want window.Type
	}{
		{"rectangular", window.TypeRectangular},
		{"rect", window.TypeRectangular},
		{" Hann ", window.TypeHann},
		{"hamming", window.TypeHamming},
		{"blackman", window.TypeBlackman},
	}

	for _, tt := range tests {
		got, err := parseWindow(tt.name)
		if err != nil {
			t.Fatalf("parseWindow(%q): %v", tt.name, err)
		}

		if got != tt.want {
			t.Fatalf("parseWindow(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}

	if _, err := parseWindow("kaiser"); err == nil {
		t.Fatal("expected error for unknown window")
	}
}
