package placefield

import "math"

// gaussianKernel returns truncated Gaussian weights for the given sigma
// (in bins). The kernel spans ±3 sigma.
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		radius = 1
	}
	k := make([]float64, 2*radius+1)
	for i := -radius; i <= radius; i++ {
		k[i+radius] = math.Exp(-float64(i*i) / (2 * sigma * sigma))
	}
	return k
}

// smoothMasked applies a Gaussian kernel across bins, excluding invalid
// bins from the kernel support: at each output bin the kernel weights
// over valid neighbours are renormalised, so zero-occupancy bins neither
// receive a value nor leak a zero-rate bias into their neighbours.
// Invalid bins stay NaN in the output.
func smoothMasked(rates []float64, valid []bool, sigma float64) []float64 {
	out := make([]float64, len(rates))
	if sigma <= 0 {
		copy(out, rates)
		return out
	}
	kernel := gaussianKernel(sigma)
	radius := len(kernel) / 2

	for i := range rates {
		if !valid[i] {
			out[i] = math.NaN()
			continue
		}
		var sum, wsum float64
		for j := -radius; j <= radius; j++ {
			idx := i + j
			if idx < 0 || idx >= len(rates) || !valid[idx] {
				continue
			}
			w := kernel[j+radius]
			sum += w * rates[idx]
			wsum += w
		}
		out[i] = sum / wsum // wsum > 0: bin i itself is valid
	}
	return out
}
