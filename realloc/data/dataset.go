package data

import (
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

// Dataset is an in-memory, index-addressable collection of samples.
type Dataset struct {
	samples []Sample
}

// NewDataset wraps the given samples.
func NewDataset(samples []Sample) *Dataset {
	return &Dataset{samples: samples}
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.samples)
}

// At returns the i-th sample.
func (d *Dataset) At(i int) Sample {
	return d.samples[i]
}

// Module bundles the train/validation splits with the per-device batch size.
// Either split may be nil; callers that require a missing split fail fast.
type Module struct {
	Train     *Dataset
	Val       *Dataset
	BatchSize int
}

// SynthSpec parameterizes synthetic dataset generation. Sequence lengths are
// drawn from a clamped Gaussian; token ids are uniform over the vocabulary.
// Labels are a deterministic function of the tokens so the reference network
// has learnable signal.
type SynthSpec struct {
	TrainSamples int     `yaml:"train_samples"`
	ValSamples   int     `yaml:"val_samples"`
	SeqLenMean   float64 `yaml:"seq_len_mean"`
	SeqLenStd    float64 `yaml:"seq_len_std"`
	MinLen       int     `yaml:"min_len"`
	MaxLen       int     `yaml:"max_len"`
	VocabSize    int     `yaml:"vocab_size"`
	NumTargets   int     `yaml:"num_targets"` // label space: classes, or vocab for causal LM
	BatchSize    int     `yaml:"batch_size"`
}

// Validate checks the synthesis parameters.
func (s *SynthSpec) Validate() error {
	if s.TrainSamples <= 0 || s.ValSamples <= 0 {
		return fmt.Errorf("train_samples and val_samples must be positive, got %d/%d", s.TrainSamples, s.ValSamples)
	}
	if s.VocabSize < 2 {
		return fmt.Errorf("vocab_size must be at least 2, got %d", s.VocabSize)
	}
	if s.NumTargets < 2 {
		return fmt.Errorf("num_targets must be at least 2, got %d", s.NumTargets)
	}
	if s.MinLen < 1 || s.MaxLen < s.MinLen {
		return fmt.Errorf("sequence length bounds must satisfy 1 <= min_len <= max_len, got [%d, %d]", s.MinLen, s.MaxLen)
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", s.BatchSize)
	}
	return nil
}

// Synthesize builds the train and validation splits concurrently, each from
// its own deterministically derived generator so the result depends only on
// the seed and spec.
func Synthesize(spec SynthSpec, seed int64) (*Module, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("synthesizing dataset: %w", err)
	}

	var train, val *Dataset
	var g errgroup.Group
	g.Go(func() error {
		train = synthesizeSplit(spec, spec.TrainSamples, rand.New(rand.NewSource(seed)))
		return nil
	})
	g.Go(func() error {
		val = synthesizeSplit(spec, spec.ValSamples, rand.New(rand.NewSource(seed+1)))
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Module{Train: train, Val: val, BatchSize: spec.BatchSize}, nil
}

// synthesizeSplit generates n samples using the given split-local generator.
func synthesizeSplit(spec SynthSpec, n int, rng *rand.Rand) *Dataset {
	samples := make([]Sample, n)
	for i := range samples {
		length := sampleLength(spec, rng)
		ids := make([]int, length)
		sum := 0
		for j := range ids {
			ids[j] = rng.Intn(spec.VocabSize)
			sum += ids[j]
		}
		samples[i] = Sample{
			InputIDs: ids,
			Label:    sum % spec.NumTargets,
		}
	}
	return NewDataset(samples)
}

// sampleLength draws a clamped Gaussian sequence length.
func sampleLength(spec SynthSpec, rng *rand.Rand) int {
	if spec.MinLen == spec.MaxLen {
		return spec.MinLen
	}
	val := rng.NormFloat64()*spec.SeqLenStd + spec.SeqLenMean
	clamped := math.Min(float64(spec.MaxLen), math.Max(float64(spec.MinLen), val))
	result := int(math.Round(clamped))
	if result < 1 {
		return 1
	}
	return result
}
