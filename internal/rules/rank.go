package rules

import (
	"math"
	"sort"

	"github.com/kuremedy/kuremedy/internal/models"
)

// unknownConfidence is the fixed confidence of the fallback hypothesis. It
// sits below every actionable threshold on purpose.
const unknownConfidence = 0.2

// defaultCategoryWeights starts every category at neutral weight. Operators
// tune these per cluster through engine options.
func defaultCategoryWeights() map[models.HypothesisCategory]float64 {
	weights := make(map[models.HypothesisCategory]float64, len(models.CategoryPriority))
	for _, c := range models.CategoryPriority {
		weights[c] = 1.0
	}
	return weights
}

func (e *Engine) weight(category models.HypothesisCategory) float64 {
	if w, ok := e.weights[category]; ok {
		return w
	}
	return 1.0
}

// supportFactor scales confidence by how much evidence backs the hypothesis.
// Five supporting records reach the rule's base confidence.
func supportFactor(supporting int) float64 {
	f := 0.5 + 0.1*float64(supporting)
	if f < 0 {
		return 0
	}
	if f > 1.2 {
		return 1.2
	}
	return f
}

// Confidence combines a rule's base confidence with its category weight and
// the evidence balance, clamped to [0, 1] and rounded to three decimals.
func Confidence(base, weight float64, supporting, contradicting int) float64 {
	c := base*weight*supportFactor(supporting) - 0.1*float64(contradicting)
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return math.Round(c*1000) / 1000
}

// Rank orders hypotheses by descending confidence, breaking ties with the
// category priority list, and assigns dense ranks starting at 1.
func Rank(hyps []models.Hypothesis) {
	sort.SliceStable(hyps, func(i, j int) bool {
		if hyps[i].Confidence != hyps[j].Confidence {
			return hyps[i].Confidence > hyps[j].Confidence
		}
		return hyps[i].Category.PriorityIndex() < hyps[j].Category.PriorityIndex()
	})
	for i := range hyps {
		hyps[i].Rank = i + 1
	}
}
