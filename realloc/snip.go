package realloc

import (
	"fmt"

	"github.com/dyrealloc/dyrealloc/realloc/data"
)

// SNIP scores saliency through multiplicative weight masks: every
// parameter is frozen, a ones-mask requiring gradient is attached over each
// live adapter's factors, bounded train batches run through the masked
// forward path, and the score is the summed absolute mask gradient. The
// pre-call trainable flags and forward modes are reinstalled
// unconditionally; a partial restore would corrupt all later training.
type SNIP struct{}

func (s *SNIP) Name() string { return StrategySNIP }

func (s *SNIP) Score(env *ScoreEnv) (Scores, error) {
	if env.Data == nil || env.Data.Train.Len() == 0 {
		return nil, ErrNoTrainData
	}
	loader := data.NewSequentialLoader(env.Data.Train, env.BatchSize)

	snap := SnapshotTrainable(env.Model)
	defer snap.Restore(env.Model)
	SetAllTrainable(env.Model, false)

	var masked []*Adapter
	defer func() {
		for _, a := range masked {
			a.DetachMask()
		}
	}()
	if err := ForEachAdapter(env.Model, func(a *Adapter) error {
		a.AttachMask()
		masked = append(masked, a)
		return nil
	}); err != nil {
		return nil, err
	}

	env.Harness.ZeroGradients()
	defer env.Harness.ZeroGradients()

	n := env.Limit
	if n > loader.Len() {
		n = loader.Len()
	}
	for i := 0; i < n; i++ {
		if _, err := env.Harness.TrainingStep(loader.BatchAt(i)); err != nil {
			return nil, fmt.Errorf("snip pass over batch %d: %w", i, err)
		}
	}

	scores := make(Scores, 0, len(masked))
	for _, a := range masked {
		scores = append(scores, ScoredModule{
			Key:   a.Key(),
			Score: sumAbs(a.MaskA.Grad) + sumAbs(a.MaskB.Grad),
		})
	}
	return scores, nil
}
