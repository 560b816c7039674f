package realloc

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/dyrealloc/dyrealloc/realloc/data"
)

// GradNorm scores each live adapter as the sum of the Frobenius norms of
// its two factor gradients, accumulated over a bounded slice of the
// training set in storage order. No parameter update happens; gradients are
// zeroed before and after.
type GradNorm struct {
	// Shortcuts switches scoring to the AGS shortcut family.
	Shortcuts bool
}

func (g *GradNorm) Name() string { return StrategyGradNorm }

func (g *GradNorm) Score(env *ScoreEnv) (Scores, error) {
	if env.Data == nil || env.Data.Train.Len() == 0 {
		return nil, ErrNoTrainData
	}
	loader := data.NewSequentialLoader(env.Data.Train, env.BatchSize)

	env.Harness.ZeroGradients()
	defer env.Harness.ZeroGradients()

	n := env.Limit
	if n > loader.Len() {
		n = loader.Len()
	}
	for i := 0; i < n; i++ {
		if _, err := env.Harness.TrainingStep(loader.BatchAt(i)); err != nil {
			return nil, fmt.Errorf("grad_norm pass over batch %d: %w", i, err)
		}
	}

	var scores Scores
	err := g.forEach(env.Model, func(a *Adapter) error {
		v := a.Active()
		if !v.A.RequiresGrad || !v.B.RequiresGrad {
			return fmt.Errorf("grad_norm: adapter %s is frozen, no gradient available", a.Key())
		}
		scores = append(scores, ScoredModule{
			Key:   a.Key(),
			Score: mat.Norm(v.A.Grad, 2) + mat.Norm(v.B.Grad, 2),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scores, nil
}

func (g *GradNorm) forEach(m Model, visit func(a *Adapter) error) error {
	if g.Shortcuts {
		return ForEachShortcut(m, visit)
	}
	return ForEachAdapter(m, visit)
}
