package window

import (
	"math"
	"testing"
)

func TestSymmetry(t *testing.T) {
	tests := []struct {
		name string
		typ  Type
	}{
		{"hann", TypeHann},
		{"hamming", TypeHamming},
		{"blackman", TypeBlackman},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coeffs := Generate(tt.typ, 257)
			for i := range coeffs {
				mirror := coeffs[len(coeffs)-1-i]
				if math.Abs(coeffs[i]-mirror) > 1e-12 {
					t.Fatalf("coeff[%d] = %v, mirror = %v", i, coeffs[i], mirror)
				}
			}
		})
	}
}

func TestRectangularIsConstantOne(t *testing.T) {
	coeffs := Generate(TypeRectangular, 64)
	for i, c := range coeffs {
		if c != 1 {
			t.Fatalf("coeff[%d] = %v, want 1", i, c)
		}
	}
}

func TestGenerateEdgeValues(t *testing.T) {
	coeffs := Generate(TypeHann, 101)

	if math.Abs(coeffs[0]) > 1e-12 || math.Abs(coeffs[100]) > 1e-12 {
		t.Fatalf("symmetric Hann edges = %v, %v, want 0", coeffs[0], coeffs[100])
	}

	if math.Abs(coeffs[50]-1) > 1e-12 {
		t.Fatalf("symmetric Hann center = %v, want 1", coeffs[50])
	}
}

func TestGenerateDegenerateLengths(t *testing.T) {
	if got := Generate(TypeHann, 0); got != nil {
		t.Fatalf("Generate length 0 = %v, want nil", got)
	}

	got := Generate(TypeHann, 1)
	if len(got) != 1 || got[0] != 0 {
		t.Fatalf("Generate length 1 = %v, want [0]", got)
	}
}

func TestOverlapFraction(t *testing.T) {
	tests := []struct {
		typ  Type
		want float64
	}{
		{TypeRectangular, 0},
		{TypeHann, 0.5},
		{TypeHamming, 0.5},
		{TypeBlackman, 2.0 / 3.0},
	}

	for _, tt := range tests {
		if got := OverlapFraction(tt.typ); got != tt.want {
			t.Errorf("OverlapFraction(%d) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestRescaleConstantMatchesNumericGain(t *testing.T) {
	// At the characteristic overlap, the closed-form constant must be the
	// reciprocal of the numerically summed window gain.
	tests := []struct {
		name string
		typ  Type
	}{
		{"hann", TypeHann},
		{"hamming", TypeHamming},
		{"blackman", TypeBlackman},
	}

	const size = 960

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coeffs := Generate(tt.typ, size, WithPeriodic())
			hop := int(math.Round(float64(size) * (1 - OverlapFraction(tt.typ))))

			gain := OverlapAddGain(coeffs, hop)
			want := 1 / RescaleConstant(tt.typ)

			if math.Abs(gain-want) > 1e-6*want {
				t.Fatalf("numeric gain = %v, closed form = %v", gain, want)
			}
		})
	}
}

func TestOverlapAddGainHannCOLA(t *testing.T) {
	// Periodic Hann at 50% overlap sums to exactly 1 everywhere.
	coeffs := Generate(TypeHann, 512, WithPeriodic())
	gain := OverlapAddGain(coeffs, 256)

	if math.Abs(gain-1) > 1e-12 {
		t.Fatalf("Hann 50%% OLA gain = %v, want 1", gain)
	}
}

func TestOverlapAddGainDegenerate(t *testing.T) {
	if got := OverlapAddGain(nil, 128); got != 1 {
		t.Fatalf("gain of empty window = %v, want 1", got)
	}

	if got := OverlapAddGain([]float64{1, 1, 1, 1}, 0); got != 1 {
		t.Fatalf("gain with hop 0 = %v, want 1", got)
	}

	// Hop beyond the window length degrades to a plain mean.
	got := OverlapAddGain([]float64{1, 1, 1, 1}, 8)
	if math.Abs(got-1) > 1e-12 {
		t.Fatalf("gain with oversized hop = %v, want 1", got)
	}
}

func TestApplyCoefficients(t *testing.T) {
	samples := []float64{1, 2, 3, 4}
	coeffs := []float64{0.5, 0.5, 0.5, 0.5}
	dst := make([]float64, 4)

	if err := ApplyCoefficients(dst, samples, coeffs); err != nil {
		t.Fatal(err)
	}

	want := []float64{0.5, 1, 1.5, 2}
	for i := range want {
		if math.Abs(dst[i]-want[i]) > 1e-12 {
			t.Fatalf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}

	if err := ApplyCoefficients(dst, samples, coeffs[:2]); err == nil {
		t.Fatal("expected error on mismatched lengths")
	}
}
