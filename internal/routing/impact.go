package routing

import "math"

const (
	DefaultCategoryWeight = 0.05
	DefaultLoveQuotient   = 0.5
	MaxFieldImpact        = 0.5
	immediateBonus        = 0.02
)

// DefaultCategoryWeights are the base impacts per message category.
// They are tunable constants with no derivation behind them.
func DefaultCategoryWeights() map[string]float64 {
	return map[string]float64{
		"transparency": 0.05,
		"coherence":    0.10,
		"resonance":    0.08,
		"agency":       0.06,
		"vitality":     0.07,
		"mutuality":    0.09,
		"novelty":      0.04,
	}
}

// ImpactAccumulator computes the per-message field impact telemetry value.
// It never feeds back into routing.
type ImpactAccumulator struct {
	weights map[string]float64
}

func NewImpactAccumulator(weights map[string]float64) *ImpactAccumulator {
	if weights == nil {
		weights = DefaultCategoryWeights()
	}
	return &ImpactAccumulator{weights: weights}
}

func (a *ImpactAccumulator) Base(category string) float64 {
	if a == nil {
		return DefaultCategoryWeight
	}
	if w, ok := a.weights[category]; ok {
		return w
	}
	return DefaultCategoryWeight
}

// Compute returns (base*avgDeliveredScore + 0.02*immediateCount) * loveQuotient,
// clamped to [0, 0.5]. plan should hold only decisions that were delivered.
func (a *ImpactAccumulator) Compute(msg Message, deliveredCount int, plan Plan) float64 {
	impact := a.Base(msg.Category)

	avg := 1.0
	if deliveredCount > 0 {
		sum := 0.0
		for _, d := range plan.Immediate {
			sum += d.Score
		}
		for _, d := range plan.Gentle {
			sum += d.Score
		}
		avg = sum / float64(deliveredCount)
	}
	impact *= avg
	impact += float64(len(plan.Immediate)) * immediateBonus

	love := msg.LoveQuotient
	if love == 0 {
		love = DefaultLoveQuotient
	}
	impact *= love

	switch {
	case math.IsNaN(impact) || impact < 0:
		return 0
	case impact > MaxFieldImpact:
		return MaxFieldImpact
	}
	return impact
}
