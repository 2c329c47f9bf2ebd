// Package reporting derives campaign ROI and platform health figures from
// stored samples on demand.
package reporting

import (
	"math"
	"sort"
)

// Distribution summarizes a sample set. Every statistic is nil when the set
// is empty.
type Distribution struct {
	P50   *float64 `json:"p50"`
	P75   *float64 `json:"p75"`
	P90   *float64 `json:"p90"`
	P95   *float64 `json:"p95"`
	Mean  *float64 `json:"mean"`
	Count int      `json:"count"`
}

// Percentile returns the p-th quantile (0 <= p <= 1) of sorted using linear
// interpolation between closest ranks (R-7): h = p*(n-1).
func Percentile(sorted []float64, p float64) (float64, bool) {
	n := len(sorted)
	if n == 0 || p < 0 || p > 1 || math.IsNaN(p) {
		return 0, false
	}
	h := p * float64(n-1)
	lo := math.Floor(h)
	hi := math.Ceil(h)
	if lo == hi {
		return sorted[int(lo)], true
	}
	return sorted[int(lo)] + (h-lo)*(sorted[int(hi)]-sorted[int(lo)]), true
}

// Mean returns the arithmetic mean of samples.
func Mean(samples []float64) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples)), true
}

// Summarize computes p50/p75/p90/p95 and the mean of samples. samples is not modified.
func Summarize(samples []float64) Distribution {
	d := Distribution{Count: len(samples)}
	if len(samples) == 0 {
		return d
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	at := func(p float64) *float64 {
		v, _ := Percentile(sorted, p)
		return &v
	}
	d.P50 = at(0.50)
	d.P75 = at(0.75)
	d.P90 = at(0.90)
	d.P95 = at(0.95)
	mean, _ := Mean(sorted)
	d.Mean = &mean
	return d
}
