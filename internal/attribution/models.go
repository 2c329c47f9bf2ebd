// Package attribution resolves which touchpoints get credit for a conversion.
package attribution

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// Position-based shares of the first and last touch.
const (
	positionEdgeShare     = 0.4
	positionInteriorShare = 0.2
)

// Credits returns one credit fraction per candidate touch time. touched must be
// sorted ascending. The fractions of a non-empty input sum to 1.
func Credits(cfg models.AttributionConfig, touched []time.Time, convertedAt time.Time) ([]float64, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := len(touched)
	if n == 0 {
		return nil, nil
	}
	credits := make([]float64, n)

	switch cfg.Method {
	case models.AttributionFirstTouch:
		credits[0] = 1
	case models.AttributionLastTouch:
		credits[n-1] = 1
	case models.AttributionLinear:
		linear(credits)
	case models.AttributionPositionBased:
		if n <= 2 {
			linear(credits)
			break
		}
		credits[0] = positionEdgeShare
		credits[n-1] = positionEdgeShare
		interior := positionInteriorShare / float64(n-2)
		for i := 1; i < n-1; i++ {
			credits[i] = interior
		}
	case models.AttributionTimeDecay:
		timeDecay(credits, touched, convertedAt, cfg.TimeDecayHalfLife.Std())
	default:
		return nil, &models.ConfigError{Field: "attribution_method", Message: fmt.Sprintf("unknown method %q", cfg.Method)}
	}
	return credits, nil
}

func linear(credits []float64) {
	share := 1 / float64(len(credits))
	for i := range credits {
		credits[i] = share
	}
}

// timeDecay weights each touch by 2^(-Δt/halfLife) where Δt is its distance to
// the conversion. Exponents are taken relative to the most recent touch so the
// largest weight is exactly 1 and long windows cannot underflow to zero.
func timeDecay(credits []float64, touched []time.Time, convertedAt time.Time, halfLife time.Duration) {
	hl := float64(halfLife)
	nearest := math.Inf(1)
	for _, t := range touched {
		nearest = math.Min(nearest, float64(convertedAt.Sub(t)))
	}
	var sum float64
	for i, t := range touched {
		dt := float64(convertedAt.Sub(t)) - nearest
		credits[i] = math.Exp2(-dt / hl)
		sum += credits[i]
	}
	for i := range credits {
		credits[i] /= sum
	}
}

// AllocateCents splits total across credits with largest-remainder rounding so
// the parts sum to total exactly. Equal remainders go to the earlier index and
// zero credits never receive a cent.
func AllocateCents(total int64, credits []float64) []int64 {
	parts := make([]int64, len(credits))
	type remainder struct {
		idx  int
		frac float64
	}
	var rems []remainder
	var assigned int64
	for i, c := range credits {
		if c <= 0 {
			continue
		}
		exact := c * float64(total)
		floor := math.Floor(exact)
		parts[i] = int64(floor)
		assigned += parts[i]
		rems = append(rems, remainder{idx: i, frac: exact - floor})
	}
	if len(rems) == 0 {
		return parts
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })

	left := total - assigned
	for i := 0; left > 0; i = (i + 1) % len(rems) {
		parts[rems[i].idx]++
		left--
	}
	for i := len(rems) - 1; left < 0; i = (i - 1 + len(rems)) % len(rems) {
		if parts[rems[i].idx] > 0 {
			parts[rems[i].idx]--
			left++
		}
	}
	return parts
}

// convertingResult returns the index of the result credited with the
// conversion count: the largest credit, then the earliest touch, then the
// smallest touchpoint id. Stored order does not matter.
func convertingResult(results []models.AttributionResult) int {
	best := 0
	for i, r := range results[1:] {
		b := results[best]
		switch {
		case r.CreditFraction > b.CreditFraction:
		case r.CreditFraction < b.CreditFraction:
			continue
		case r.TouchedAt.Before(b.TouchedAt):
		case r.TouchedAt.Equal(b.TouchedAt) && r.TouchpointID < b.TouchpointID:
		default:
			continue
		}
		best = i + 1
	}
	return best
}
