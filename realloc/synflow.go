package realloc

import (
	"fmt"
	"math"

	"github.com/dyrealloc/dyrealloc/realloc/data"
)

// SynFlow linearizes the model by replacing every parameter with its
// absolute value (recording signs), runs a single forward+backward on an
// all-ones synthetic input with a real batch's attention mask and labels,
// and scores each live adapter as Σ|W ⊙ ∇W| over both factors. The signed
// values are reinstalled unconditionally by element-wise sign multiply,
// which is exact: |w|·sign(w) restores every bit including zeros.
type SynFlow struct{}

func (s *SynFlow) Name() string { return StrategySynFlow }

func (s *SynFlow) Score(env *ScoreEnv) (Scores, error) {
	if env.Data == nil || env.Data.Train.Len() == 0 {
		return nil, ErrNoTrainData
	}
	ref := data.NewSequentialLoader(env.Data.Train, env.BatchSize).BatchAt(0)

	signs := captureSignsAndLinearize(env.Model)
	defer signs.restore()

	env.Harness.ZeroGradients()
	defer env.Harness.ZeroGradients()

	if _, err := env.Harness.SyntheticOnesStep(ref); err != nil {
		return nil, fmt.Errorf("synflow synthetic pass: %w", err)
	}

	var scores Scores
	err := ForEachAdapter(env.Model, func(a *Adapter) error {
		v := a.Active()
		scores = append(scores, ScoredModule{
			Key:   a.Key(),
			Score: sumAbsProduct(v.A.W, v.A.Grad) + sumAbsProduct(v.B.W, v.B.Grad),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scores, nil
}

// signRecord holds one parameter's captured signs while it is linearized.
type signRecord struct {
	param *Param
	signs []float64
}

type signState []signRecord

// captureSignsAndLinearize records sign(w) for every named parameter and
// replaces w with |w| in place.
func captureSignsAndLinearize(m Model) signState {
	var state signState
	m.NamedParameters(func(_ string, p *Param) bool {
		raw := p.W.RawMatrix().Data
		signs := make([]float64, len(raw))
		for i, w := range raw {
			signs[i] = sign(w)
			raw[i] = math.Abs(w)
		}
		state = append(state, signRecord{param: p, signs: signs})
		return true
	})
	return state
}

// restore multiplies the linearized values by their recorded signs.
func (s signState) restore() {
	for _, rec := range s {
		raw := rec.param.W.RawMatrix().Data
		for i := range raw {
			raw[i] *= rec.signs[i]
		}
	}
}

// sign keeps zero at sign zero, so a zero weight linearizes to zero and
// restores to zero.
func sign(w float64) float64 {
	if w > 0 {
		return 1
	}
	if w < 0 {
		return -1
	}
	return 0
}
