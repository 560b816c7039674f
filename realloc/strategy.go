package realloc

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/dyrealloc/dyrealloc/realloc/data"
)

// Strategy names accepted in configuration.
const (
	StrategyConstant = "constant"
	StrategyGradNorm = "grad_norm"
	StrategySNIP     = "snip"
	StrategySynFlow  = "synflow"
	StrategyAlpha    = "alpha_test"

	// Recognized but not implemented; kept so configs written against the
	// roadmap fail with a precise message.
	StrategyFisher   = "fisher"
	StrategyJacobCov = "jacob_cov"
)

var (
	// ErrUnknownStrategy marks an unrecognized strategy name.
	ErrUnknownStrategy = errors.New("unknown importance strategy")
	// ErrUnimplementedStrategy marks a recognized-but-unavailable strategy.
	ErrUnimplementedStrategy = errors.New("importance strategy not implemented")
	// ErrNoTrainData is returned when a strategy needs the training split
	// and the data module has none.
	ErrNoTrainData = errors.New("no training data configured")
)

// Harness is the training capability contract the strategies consume.
// TrainingStep runs forward and backward for one batch, accumulating
// gradients without an optimizer update. SyntheticOnesStep does the same on
// an all-ones embedding input, keeping the batch's attention mask and
// labels. Evaluate computes the task metric over at most limit batches.
type Harness interface {
	TrainingStep(b *data.Batch) (loss float64, err error)
	SyntheticOnesStep(b *data.Batch) (loss float64, err error)
	ZeroGradients()
	Evaluate(l *data.Loader, limit int) (metric float64, err error)
}

// ScoreEnv carries the collaborators and bounds for one scoring pass.
// State is the round's captured RNG state; strategies that consume
// randomness restore from it and write the advanced state back, so the
// caller can thread it on to the selector.
type ScoreEnv struct {
	Model     Model
	Harness   Harness
	Data      *data.Module
	RNG       *ReplayRNG
	State     RNGState
	Limit     int // max batches per forward/backward or evaluation pass
	BatchSize int // effective batch size (per-device size × world size)
	Task      Task
	Tolerance float64
}

// ScoredModule pairs a module with its importance value. Score lists keep
// scoring order (descending layers, fixed projection order); that order is
// part of the replay contract.
type ScoredModule struct {
	Key   ModuleKey
	Score float64
}

// Scores is an ordered per-module importance list produced by one pass.
type Scores []ScoredModule

// Strategy measures per-module importance for one adapter family.
// Implementations must leave trainable flags, forward behavior, and
// parameter values exactly as found, even on error.
type Strategy interface {
	Name() string
	Score(env *ScoreEnv) (Scores, error)
}

// NewStrategy creates the low-rank-family strategy by name. Names are
// validated at configuration time; an unknown name here is programmer error.
func NewStrategy(name string) Strategy {
	switch name {
	case StrategyConstant:
		return &Constant{}
	case StrategyGradNorm:
		return &GradNorm{}
	case StrategySNIP:
		return &SNIP{}
	case StrategySynFlow:
		return &SynFlow{}
	case StrategyAlpha:
		return &AlphaImportance{}
	default:
		panic(fmt.Sprintf("unknown importance strategy %q; valid: [constant, grad_norm, snip, synflow, alpha_test]", name))
	}
}

// NewShortcutStrategy creates the AGS shortcut-family strategy. Only
// alpha_test and grad_norm have shortcut variants; configuration validation
// rejects other pairings before this is reached.
func NewShortcutStrategy(name string) Strategy {
	switch name {
	case StrategyGradNorm:
		return &GradNorm{Shortcuts: true}
	case StrategyAlpha:
		return &AlphaImportance{Shortcuts: true}
	default:
		panic(fmt.Sprintf("importance strategy %q has no shortcut variant; valid: [grad_norm, alpha_test]", name))
	}
}

// ValidateStrategyName checks a configured strategy name, distinguishing
// recognized-but-unimplemented names from unknown ones.
func ValidateStrategyName(name string) error {
	switch name {
	case StrategyConstant, StrategyGradNorm, StrategySNIP, StrategySynFlow, StrategyAlpha:
		return nil
	case StrategyFisher, StrategyJacobCov:
		return fmt.Errorf("%w: %q", ErrUnimplementedStrategy, name)
	default:
		return fmt.Errorf("%w %q; valid: [constant, grad_norm, snip, synflow, alpha_test]", ErrUnknownStrategy, name)
	}
}

// HasShortcutVariant reports whether the strategy can score the AGS family.
func HasShortcutVariant(name string) bool {
	return name == StrategyGradNorm || name == StrategyAlpha
}

// sumAbs returns the entrywise L1 norm of a dense matrix.
func sumAbs(m *mat.Dense) float64 {
	return floats.Norm(m.RawMatrix().Data, 1)
}

// sumAbsProduct returns Σ|a⊙b| over two same-shaped dense matrices.
func sumAbsProduct(a, b *mat.Dense) float64 {
	da, db := a.RawMatrix().Data, b.RawMatrix().Data
	total := 0.0
	for i := range da {
		total += math.Abs(da[i] * db[i])
	}
	return total
}
