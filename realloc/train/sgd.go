package train

import (
	"github.com/dyrealloc/dyrealloc/realloc"
)

// SGD is stochastic gradient descent with classical momentum and optional
// L2 weight decay. Velocity buffers are keyed by parameter name and
// allocated lazily, so adapters toggled during a run keep their history.
// Parameters with RequiresGrad unset are skipped entirely.
type SGD struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64

	velocity map[string][]float64
}

// NewSGD returns an optimizer with the conventional 0.9 momentum.
func NewSGD(lr float64) *SGD {
	return &SGD{
		LearningRate: lr,
		Momentum:     0.9,
		velocity:     make(map[string][]float64),
	}
}

// Step applies one update from the accumulated gradients. Gradients are
// left in place; the loop zeroes them after the update.
func (o *SGD) Step(m realloc.Model) {
	m.NamedParameters(func(name string, p *realloc.Param) bool {
		if !p.RequiresGrad {
			return true
		}
		w := p.W.RawMatrix().Data
		g := p.Grad.RawMatrix().Data

		v, ok := o.velocity[name]
		if !ok || len(v) != len(w) {
			v = make([]float64, len(w))
			o.velocity[name] = v
		}
		for i := range w {
			grad := g[i]
			if o.WeightDecay != 0 {
				grad += o.WeightDecay * w[i]
			}
			v[i] = o.Momentum*v[i] - o.LearningRate*grad
			w[i] += v[i]
		}
		return true
	})
}
