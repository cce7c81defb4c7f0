package telemetry

import "sort"

// maxSamples bounds per-bucket latency memory. Past the cap new samples
// overwrite uniformly random slots (reservoir sampling), keeping the
// quantile estimate unbiased over the whole hour.
const maxSamples = 4096

// quantile estimates q in [0,1] over samples by linear interpolation
// between order statistics. Returns 0 for an empty set.
func quantile(samples []float64, q float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	frac := pos - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
