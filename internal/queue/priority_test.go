package queue

import (
	"testing"
	"time"

	"github.com/dca-engine/controlplane/internal/config"
	"github.com/dca-engine/controlplane/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		TierSamePairTimeframeScore:  decimal.NewFromInt(10_000_000),
		TierDeepestLossScore:        decimal.NewFromInt(1_000_000),
		TierHighestReplacementScore: decimal.NewFromInt(10_000),
		TierFIFOFallbackScore:       decimal.NewFromInt(1_000),
		PromotionTickInterval:       5 * time.Second,
	}
}

func TestCalculatePriorityScore_TierOrdering(t *testing.T) {
	cfg := testQueueConfig()

	pyramid := &model.QueuedSignal{IsPyramid: true, CurrentLossPct: decimal.NewFromFloat(-1)}
	losing := &model.QueuedSignal{CurrentLossPct: decimal.NewFromFloat(-50)}
	replaced := &model.QueuedSignal{ReplacementCount: 5}
	fresh := &model.QueuedSignal{}

	pyramidScore := CalculatePriorityScore(pyramid, cfg, 0)
	losingScore := CalculatePriorityScore(losing, cfg, 0)
	replacedScore := CalculatePriorityScore(replaced, cfg, 0)
	freshScore := CalculatePriorityScore(fresh, cfg, 0)

	assert.True(t, pyramidScore.GreaterThan(losingScore), "pyramid continuation must outrank a losing signal")
	assert.True(t, losingScore.GreaterThan(replacedScore), "deepest-loss must outrank highest-replacement")
	assert.True(t, replacedScore.GreaterThan(freshScore), "highest-replacement must outrank fifo fallback")
}

func TestCalculatePriorityScore_DeepestLossWinsWithinTier(t *testing.T) {
	cfg := testQueueConfig()

	deep := &model.QueuedSignal{CurrentLossPct: decimal.NewFromFloat(-20)}
	shallow := &model.QueuedSignal{CurrentLossPct: decimal.NewFromFloat(-2)}

	assert.True(t, CalculatePriorityScore(deep, cfg, 0).GreaterThan(CalculatePriorityScore(shallow, cfg, 0)))
}

func TestCalculatePriorityScore_FIFOTieBreakWithinTier(t *testing.T) {
	cfg := testQueueConfig()

	older := &model.QueuedSignal{}
	newer := &model.QueuedSignal{}

	assert.True(t, CalculatePriorityScore(older, cfg, 600).GreaterThan(CalculatePriorityScore(newer, cfg, 10)),
		"a signal that has waited longer ranks higher within the fifo_fallback tier")
}

func TestCalculatePriorityScore_TieBreakersNeverCrossTiers(t *testing.T) {
	cfg := testQueueConfig()

	// Even with an extreme queue age, a plain fifo-fallback signal (no
	// replacements) must never outrank a losing position.
	extremeFallback := &model.QueuedSignal{ReplacementCount: 0, CurrentLossPct: decimal.Zero}
	tinyLoss := &model.QueuedSignal{CurrentLossPct: decimal.NewFromFloat(-0.01)}

	fallbackScore := CalculatePriorityScore(extremeFallback, cfg, 100_000)
	lossScore := CalculatePriorityScore(tinyLoss, cfg, 0)

	assert.True(t, lossScore.GreaterThan(fallbackScore))
}
