// Package quality turns behavioral signals into scores and runs the two
// maintenance workers built on them: periodic signal aggregation and
// sleep-time distillation.
package quality

import (
	"math"
	"time"

	"github.com/hivemind-dev/hivemind/internal/config"
	"github.com/hivemind-dev/hivemind/internal/model"
)

// popularitySaturation is the retrieval count at which tanh reaches ~0.76;
// the component saturates toward 1.0 around four times that.
const popularitySaturation = 50.0

// Score computes a quality score in [0,1] from one item's signal history.
//
//	usefulness = helpful / max(helpful + not_helpful, 1)
//	popularity = tanh(retrievals / 50)
//	freshness  = exp(-ln2 * days_since_access / half_life)
//	contradiction_rate = contradictions / max(total signals, 1)
//	raw = w_u*usefulness + w_p*popularity + w_f*freshness
//	    - w_c*contradiction_rate + current_bonus
//
// Days since access counts from the last retrieval, or from contribution when
// the item was never retrieved. Pure function; storage reads happen in the
// aggregator.
func Score(c model.SignalCounts, now time.Time, halfLifeDays float64, w config.QualityWeights) float64 {
	usefulness := float64(c.HelpfulCount) / math.Max(float64(c.HelpfulCount+c.NotHelpfulCount), 1)

	popularity := math.Tanh(float64(c.RetrievalCount) / popularitySaturation)

	ref := c.ContributedAt
	if c.LastRetrievedAt != nil {
		ref = *c.LastRetrievedAt
	}
	days := now.Sub(ref).Hours() / 24
	if days < 0 {
		days = 0
	}
	freshness := math.Exp(-math.Ln2 * days / math.Max(halfLifeDays, 1e-9))

	totalSignals := c.RetrievalCount + c.OutcomeCount + c.ContradictionCount
	contradictionRate := float64(c.ContradictionCount) / math.Max(float64(totalSignals), 1)

	raw := w.Usefulness*usefulness +
		w.Popularity*popularity +
		w.Freshness*freshness -
		w.Contradiction*contradictionRate
	if c.IsCurrent {
		raw += w.CurrentBonus
	}
	return clamp01(raw)
}

// PreliminaryScore estimates quality for a contribution with no behavioral
// history: zero usefulness and popularity, full freshness, the current-version
// bonus, and the contributor's inverted confidence standing in for the
// contradiction rate. Used by the distiller's pre-screen.
func PreliminaryScore(confidence float64, w config.QualityWeights) float64 {
	rate := clamp01(1 - confidence)
	return clamp01(w.Freshness + w.CurrentBonus - w.Contradiction*rate)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
