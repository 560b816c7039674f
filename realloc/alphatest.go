package realloc

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dyrealloc/dyrealloc/realloc/data"
)

// MaxAlpha is the bisection discretization bound: importance scales probe
// the grid 0/10 .. 10/10.
const MaxAlpha = 10

// AlphaImportance scores each live adapter by ablation: holding every other
// adapter at full scale, it bisects the minimal integer k in [0, MaxAlpha]
// whose dampened scale k/MaxAlpha keeps the evaluation metric within the
// task threshold. A module that tolerates heavy dampening (small k) matters
// little; one that degrades immediately (large k) is important. Modules are
// ablated independently, one at a time, with the scale reset to 1.0 before
// moving on.
//
// Evaluation runs over the round's interleaved train/validation loader,
// built once per call from the captured RNG state.
type AlphaImportance struct {
	// Shortcuts switches scoring to the AGS shortcut family.
	Shortcuts bool
}

func (s *AlphaImportance) Name() string { return StrategyAlpha }

func (s *AlphaImportance) Score(env *ScoreEnv) (Scores, error) {
	if env.Data == nil || env.Data.Train.Len() == 0 {
		return nil, ErrNoTrainData
	}
	if env.Data.Val.Len() == 0 {
		return nil, fmt.Errorf("alpha_test: validation split unavailable")
	}

	if err := env.RNG.Restore(env.State); err != nil {
		return nil, fmt.Errorf("alpha_test: %w", err)
	}
	mixed, err := data.NewMixedLoader(env.Data.Train, env.Data.Val, env.BatchSize, env.RNG.Perm)
	if err != nil {
		return nil, fmt.Errorf("alpha_test: %w", err)
	}
	env.State = env.RNG.State()

	reference, err := env.Harness.Evaluate(mixed, env.Limit)
	if err != nil {
		return nil, fmt.Errorf("alpha_test reference evaluation: %w", err)
	}
	threshold := env.Task.Threshold(reference, env.Tolerance)
	logrus.Debugf("alpha_test reference %s=%.6f threshold=%.6f", env.Task.MetricName(), reference, threshold)

	var scores Scores
	visitErr := s.forEach(env.Model, func(a *Adapter) error {
		lb, rb := 0, MaxAlpha
		for lb < rb {
			k := (lb + rb) / 2
			a.ImportanceScale = float64(k) / MaxAlpha
			metric, err := env.Harness.Evaluate(mixed, env.Limit)
			if err != nil {
				a.ImportanceScale = 1.0
				return fmt.Errorf("alpha_test evaluating %s at scale %d/%d: %w", a.Key(), k, MaxAlpha, err)
			}
			if env.Task.Exceeds(metric, threshold) {
				lb = k + 1
			} else {
				rb = k
			}
		}
		a.ImportanceScale = 1.0
		scores = append(scores, ScoredModule{Key: a.Key(), Score: float64(rb)})
		logrus.Debugf("alpha_test %s minimal scale %d/%d", a.Key(), rb, MaxAlpha)
		return nil
	})
	if visitErr != nil {
		return nil, visitErr
	}
	return scores, nil
}

func (s *AlphaImportance) forEach(m Model, visit func(a *Adapter) error) error {
	if s.Shortcuts {
		return ForEachShortcut(m, visit)
	}
	return ForEachAdapter(m, visit)
}
