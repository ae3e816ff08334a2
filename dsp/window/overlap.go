package window

// overlapGainFloor guards against degenerate windows whose summed
// contribution is numerically zero (a hop far larger than the taper's
// effective width). Callers substitute unity rescale in that case.
const overlapGainFloor = 1e-9

// OverlapFraction returns the characteristic overlap fraction of a window
// type: the fraction of each chunk shared with its successor when chunks
// are hop-shifted for constant-sum reconstruction.
func OverlapFraction(t Type) float64 {
	switch t {
	case TypeHann, TypeHamming:
		return 0.5
	case TypeBlackman:
		return 2.0 / 3.0
	default:
		return 0
	}
}

// CoherentGain returns the DC response a0 of a window type, the mean of
// its coefficient table in the periodic form.
func CoherentGain(t Type) float64 {
	switch t {
	case TypeHann:
		return 0.5
	case TypeHamming:
		return 0.54
	case TypeBlackman:
		return 0.42
	default:
		return 1
	}
}

// RescaleConstant returns the closed-form overlap-add rescale factor for a
// window at its characteristic overlap. Summing hop-shifted copies of a
// cosine-sum window raises the signal level by a0/(1-overlap); the
// returned constant is its reciprocal, so that accumulate-then-rescale is
// level-neutral.
func RescaleConstant(t Type) float64 {
	return (1 - OverlapFraction(t)) / CoherentGain(t)
}

// OverlapAddGain returns the numeric level gain introduced by summing
// copies of coeffs shifted by multiples of hop: the mean, over one hop
// period, of the summed window contributions. It is the data-driven
// counterpart of 1/RescaleConstant for hops that do not match the
// characteristic overlap.
func OverlapAddGain(coeffs []float64, hop int) float64 {
	n := len(coeffs)
	if n == 0 || hop <= 0 {
		return 1
	}

	if hop > n {
		hop = n
	}

	sum := 0.0
	for i := range hop {
		for j := i; j < n; j += hop {
			sum += coeffs[j]
		}
	}

	mean := sum / float64(hop)
	if mean < overlapGainFloor {
		return 1
	}

	return mean
}
