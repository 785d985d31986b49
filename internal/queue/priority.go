// Package queue implements the Queue Manager (§4.8): priority-ranks queued
// signals with geometrically separated tier base scores so tie-breaker
// arithmetic can never promote a lower-tier signal above a higher one, and
// promotes the best candidate when a pool slot frees.
package queue

import (
	"github.com/dca-engine/controlplane/internal/config"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/shopspring/decimal"
)

const (
	timeInQueueWeight     = 0.001
	replacementCountWeight = 100.0
	lossPercentWeight      = 10000.0
)

// CalculatePriorityScore implements the §4.8 tiered ranking. Tier 0
// (same_pair_timeframe) fires when the signal is a pyramid continuation;
// tier 1 (deepest_loss_percent) when current_loss_percent < 0; tier 2
// (highest_replacement) when replacement_count > 0; tier 3 (fifo_fallback)
// always fires. The first matching tier wins; ties within a tier are broken
// by the named tie-breakers, scaled small enough never to cross tiers.
func CalculatePriorityScore(signal *model.QueuedSignal, cfg config.QueueConfig, secondsInQueue float64) decimal.Decimal {
	fifoScore := decimal.NewFromFloat(secondsInQueue * timeInQueueWeight)
	replacementScore := decimal.NewFromFloat(float64(signal.ReplacementCount) * replacementCountWeight)

	if signal.IsPyramid {
		return cfg.TierSamePairTimeframeScore.
			Add(lossTieBreaker(signal)).
			Add(replacementScore).
			Add(fifoScore)
	}

	if signal.CurrentLossPct.LessThan(decimal.Zero) {
		return cfg.TierDeepestLossScore.
			Add(lossTieBreaker(signal)).
			Add(replacementScore).
			Add(fifoScore)
	}

	if signal.ReplacementCount > 0 {
		return cfg.TierHighestReplacementScore.
			Add(replacementScore).
			Add(fifoScore)
	}

	return cfg.TierFIFOFallbackScore.Add(fifoScore)
}

func lossTieBreaker(signal *model.QueuedSignal) decimal.Decimal {
	if signal.CurrentLossPct.GreaterThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return signal.CurrentLossPct.Abs().Mul(decimal.NewFromFloat(lossPercentWeight))
}
