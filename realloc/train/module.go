package train

import (
	"fmt"
	"math"

	"github.com/dyrealloc/dyrealloc/realloc"
	"github.com/dyrealloc/dyrealloc/realloc/data"
	"github.com/dyrealloc/dyrealloc/realloc/nn"
)

// Module adapts the reference network to the scoring harness contract:
// gradient-accumulating steps without optimizer updates, the synthetic
// all-ones step, and task-metric evaluation.
type Module struct {
	net *nn.Network
}

// NewModule wraps a network for training and scoring.
func NewModule(net *nn.Network) *Module {
	return &Module{net: net}
}

// Network returns the wrapped network.
func (m *Module) Network() *nn.Network { return m.net }

// TrainingStep accumulates gradients for one batch and returns its loss.
func (m *Module) TrainingStep(b *data.Batch) (float64, error) {
	return m.net.Backward(b)
}

// SyntheticOnesStep accumulates gradients for one batch computed from the
// all-ones embedding input.
func (m *Module) SyntheticOnesStep(b *data.Batch) (float64, error) {
	return m.net.BackwardOnes(b)
}

// ZeroGradients clears parameter and mask gradients.
func (m *Module) ZeroGradients() {
	m.net.ZeroGrad()
}

// Evaluate computes the task metric over at most limit batches: accuracy
// for classification, perplexity for causal language modeling. A limit of
// zero or less means the whole loader.
func (m *Module) Evaluate(l *data.Loader, limit int) (float64, error) {
	if l == nil || l.Len() == 0 {
		return 0, fmt.Errorf("no evaluation batches available")
	}
	n := l.Len()
	if limit > 0 && limit < n {
		n = limit
	}

	switch task := m.net.Task(); task {
	case realloc.TaskClassification:
		var acc Accuracy
		for i := 0; i < n; i++ {
			out, err := m.net.Forward(l.BatchAt(i))
			if err != nil {
				return 0, fmt.Errorf("evaluation batch %d: %w", i, err)
			}
			acc.Add(out.Correct, out.Total)
		}
		return acc.Value(), nil
	case realloc.TaskCausalLM:
		var ce RunningMean
		for i := 0; i < n; i++ {
			out, err := m.net.Forward(l.BatchAt(i))
			if err != nil {
				return 0, fmt.Errorf("evaluation batch %d: %w", i, err)
			}
			ce.Add(out.Loss, out.Total)
		}
		return math.Exp(ce.Value()), nil
	default:
		return 0, fmt.Errorf("no evaluation metric for task %q", task)
	}
}
