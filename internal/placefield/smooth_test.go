package placefield

import (
	"math"
	"testing"
)

func TestSmoothMaskedPreservesMassAroundValidBins(t *testing.T) {
	rates := []float64{0, 0, 10, 0, 0}
	valid := []bool{true, true, true, true, true}

	out := smoothMasked(rates, valid, 1)
	if out[2] >= 10 {
		t.Errorf("centre bin = %v, want < 10 after smoothing", out[2])
	}
	if out[1] <= 0 || out[3] <= 0 {
		t.Errorf("neighbours = %v, %v, want > 0 after smoothing", out[1], out[3])
	}
	if math.Abs(out[1]-out[3]) > 1e-12 {
		t.Errorf("symmetric neighbours differ: %v vs %v", out[1], out[3])
	}
}

func TestSmoothMaskedExcludesInvalidBins(t *testing.T) {
	// The invalid bin sits between a field and a flat region. Its NaN
	// must not leak, and the flat region must not be dragged toward
	// zero by treating the gap as a zero-rate bin.
	rates := []float64{5, 5, math.NaN(), 5, 5}
	valid := []bool{true, true, false, true, true}

	out := smoothMasked(rates, valid, 1)
	if !math.IsNaN(out[2]) {
		t.Errorf("invalid bin = %v, want NaN", out[2])
	}
	for _, i := range []int{0, 1, 3, 4} {
		if math.Abs(out[i]-5) > 1e-9 {
			t.Errorf("bin %d = %v, want 5 (flat input, gap excluded from kernel)", i, out[i])
		}
	}
}

func TestSmoothMaskedZeroSigmaIsIdentity(t *testing.T) {
	rates := []float64{1, 2, 3}
	valid := []bool{true, true, true}
	out := smoothMasked(rates, valid, 0)
	for i := range rates {
		if out[i] != rates[i] {
			t.Errorf("bin %d = %v, want %v", i, out[i], rates[i])
		}
	}
}

func TestGaussianKernelShape(t *testing.T) {
	k := gaussianKernel(1)
	if len(k)%2 != 1 {
		t.Fatalf("kernel length %d, want odd", len(k))
	}
	mid := len(k) / 2
	if k[mid] != 1 {
		t.Errorf("kernel centre = %v, want 1", k[mid])
	}
	for i := 0; i < mid; i++ {
		if math.Abs(k[i]-k[len(k)-1-i]) > 1e-15 {
			t.Errorf("kernel asymmetric at %d: %v vs %v", i, k[i], k[len(k)-1-i])
		}
		if k[i] >= k[i+1] {
			t.Errorf("kernel not increasing toward centre at %d", i)
		}
	}
}
