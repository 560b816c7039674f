package realloc

import (
	"math"

	"github.com/sirupsen/logrus"
)

// StepsPerEpoch returns the optimizer steps one replica sees per epoch:
// the train batch count divided across the data-parallel world, rounded up.
func StepsPerEpoch(trainBatches, worldSize int) int {
	if worldSize < 1 {
		worldSize = 1
	}
	return int(math.Ceil(float64(trainBatches) / float64(worldSize)))
}

// loaderBatches returns how many batches a loader over n samples yields.
func loaderBatches(samples, batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return (samples + batchSize - 1) / batchSize
}

// resolveInterval derives N, the step period between reallocation rounds,
// from either an absolute step count or a fraction of an epoch. Validation
// guarantees exactly one is set.
func resolveInterval(cfg *Config, stepsPerEpoch int) int {
	if cfg.IntervalSteps > 0 {
		return cfg.IntervalSteps
	}
	n := int(math.Ceil(float64(stepsPerEpoch) * cfg.IntervalEpochFraction))
	if n < 1 {
		n = 1
	}
	return n
}

// resolveEvalLimit derives the per-pass evaluation batch budget:
// an explicit count wins; a fraction gives ceil(valBatches×f)×2; with
// neither set the budget follows the round period, round(valBatches/N×2),
// so more frequent rounds evaluate fewer batches each.
func resolveEvalLimit(cfg *Config, valBatches, n int) int {
	var limit int
	switch {
	case cfg.EvalBatches > 0:
		limit = cfg.EvalBatches
	case cfg.EvalFraction > 0:
		limit = int(math.Ceil(float64(valBatches)*cfg.EvalFraction)) * 2
	default:
		limit = int(math.RoundToEven(float64(valBatches) / float64(n) * 2))
	}
	if limit < 1 {
		logrus.Warnf("derived evaluation budget %d too small, using 1 batch", limit)
		limit = 1
	}
	return limit
}
