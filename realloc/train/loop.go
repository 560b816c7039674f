// Package train drives adapter fine-tuning of the reference network. It
// provides the harness the scoring strategies call into (Module), a
// momentum SGD optimizer that respects per-parameter freezing, and a batch
// loop with named start-of-batch hooks. The reallocation controller plugs
// into the loop as one such hook, so capacity decisions happen between
// optimizer steps without the loop knowing anything about scoring.
package train

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/dyrealloc/dyrealloc/realloc"
	"github.com/dyrealloc/dyrealloc/realloc/data"
)

// Trainer is the slice of the harness the loop drives.
type Trainer interface {
	TrainingStep(b *data.Batch) (loss float64, err error)
	ZeroGradients()
}

// Optimizer applies accumulated gradients to a model's parameters.
type Optimizer interface {
	Step(m realloc.Model)
}

// OnBatchStartFn runs before a batch's training step. Epoch counts from
// zero; step is the global optimizer step about to run. An error aborts
// training.
type OnBatchStartFn func(epoch, step int) error

type hook struct {
	name string
	fn   OnBatchStartFn
}

// Loop runs epochs of sequential batches: hooks, training step, optimizer
// update, gradient reset. Hooks fire in registration order.
type Loop struct {
	trainer Trainer
	model   realloc.Model
	opt     Optimizer

	onBatchStart []hook

	// Step is the global optimizer step counter across epochs.
	Step int
	// LastLoss is the most recent batch loss.
	LastLoss float64
}

// NewLoop assembles a training loop.
func NewLoop(trainer Trainer, m realloc.Model, opt Optimizer) *Loop {
	return &Loop{trainer: trainer, model: m, opt: opt}
}

// OnBatchStart registers a named hook to run before every training step.
func (l *Loop) OnBatchStart(name string, fn OnBatchStartFn) {
	l.onBatchStart = append(l.onBatchStart, hook{name: name, fn: fn})
}

// RunEpochs trains for the given number of epochs over the loader.
// Training stops on context cancellation, on a hook error, or when a batch
// loss degenerates to NaN or infinity.
func (l *Loop) RunEpochs(ctx context.Context, loader *data.Loader, epochs int) error {
	if loader == nil || loader.Len() == 0 {
		return fmt.Errorf("training loader is empty")
	}
	if epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", epochs)
	}

	for epoch := 0; epoch < epochs; epoch++ {
		for i := 0; i < loader.Len(); i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, h := range l.onBatchStart {
				if err := h.fn(epoch, l.Step); err != nil {
					return fmt.Errorf("on-batch-start hook %q: %w", h.name, err)
				}
			}

			loss, err := l.trainer.TrainingStep(loader.BatchAt(i))
			if err != nil {
				return fmt.Errorf("training step %d: %w", l.Step, err)
			}
			if math.IsNaN(loss) {
				return fmt.Errorf("batch loss is NaN at epoch %d step %d, training interrupted", epoch, l.Step)
			}
			if math.IsInf(loss, 0) {
				return fmt.Errorf("batch loss is infinite at epoch %d step %d, training interrupted", epoch, l.Step)
			}

			l.opt.Step(l.model)
			l.trainer.ZeroGradients()
			l.LastLoss = loss
			l.Step++
			logrus.Debugf("epoch %d step %d loss %.4f", epoch, l.Step-1, loss)
		}
		logrus.Infof("epoch %d complete after %d optimizer steps, last loss %.4f", epoch, l.Step, l.LastLoss)
	}
	return nil
}
