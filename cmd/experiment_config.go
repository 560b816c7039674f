package cmd

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dyrealloc/dyrealloc/realloc"
	"github.com/dyrealloc/dyrealloc/realloc/data"
	"github.com/dyrealloc/dyrealloc/realloc/nn"
)

// TrainingConfig holds the optimizer and schedule settings of a run.
type TrainingConfig struct {
	Epochs       int     `yaml:"epochs,omitempty"`
	LearningRate float64 `yaml:"learning_rate,omitempty"`
	Momentum     float64 `yaml:"momentum,omitempty"`
	WeightDecay  float64 `yaml:"weight_decay,omitempty"`
	Seed         int64   `yaml:"seed,omitempty"`
	Rank         int     `yaml:"rank,omitempty"`       // data-parallel rank of this process
	WorldSize    int     `yaml:"world_size,omitempty"` // number of replicas
}

// ExperimentConfig bundles everything one run needs: the network shape, the
// synthetic dataset, the reallocation settings, and the training schedule.
type ExperimentConfig struct {
	Model    nn.Spec        `yaml:"model"`
	Data     data.SynthSpec `yaml:"data"`
	Realloc  realloc.Config `yaml:"realloc"`
	Training TrainingConfig `yaml:"training"`
}

// LoadExperiment reads and strictly parses an experiment YAML file.
// Unknown keys are errors so typos surface instead of silently using
// defaults.
func LoadExperiment(path string) (*ExperimentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading experiment config: %w", err)
	}
	var cfg ExperimentConfig
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing experiment config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills optional settings and propagates shared values across
// sections, so the file states each fact once.
func (c *ExperimentConfig) applyDefaults() {
	if c.Training.Epochs == 0 {
		c.Training.Epochs = 1
	}
	if c.Training.LearningRate == 0 {
		c.Training.LearningRate = 0.01
	}
	if c.Model.Task == "" {
		c.Model.Task = c.Realloc.Task
	}
	if c.Model.Seed == 0 {
		c.Model.Seed = c.Training.Seed
	}
	if c.Model.VocabSize == 0 {
		c.Model.VocabSize = c.Data.VocabSize
	}
	if c.Model.NumTargets == 0 {
		c.Model.NumTargets = c.Data.NumTargets
	}
	if agsRequested(c.Realloc.AGSMode) {
		c.Model.AGS = true
	}
}

// Validate checks each section and their agreement with one another.
func (c *ExperimentConfig) Validate() error {
	if err := c.Realloc.Validate(); err != nil {
		return fmt.Errorf("realloc section: %w", err)
	}
	if err := c.Data.Validate(); err != nil {
		return fmt.Errorf("data section: %w", err)
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model section: %w", err)
	}
	if c.Model.Task != c.Realloc.Task {
		return fmt.Errorf("model task %q disagrees with realloc task %q", c.Model.Task, c.Realloc.Task)
	}
	if c.Model.VocabSize != c.Data.VocabSize {
		return fmt.Errorf("model vocab_size %d disagrees with data vocab_size %d", c.Model.VocabSize, c.Data.VocabSize)
	}
	if c.Model.NumTargets != c.Data.NumTargets {
		return fmt.Errorf("model num_targets %d disagrees with data num_targets %d", c.Model.NumTargets, c.Data.NumTargets)
	}
	if agsRequested(c.Realloc.AGSMode) && !c.Model.AGS {
		return fmt.Errorf("ags_mode %q needs the shortcut model variant; set model.ags", c.Realloc.AGSMode)
	}
	if c.Training.Epochs <= 0 {
		return fmt.Errorf("training epochs must be positive, got %d", c.Training.Epochs)
	}
	if c.Training.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %g", c.Training.LearningRate)
	}
	if c.Training.Momentum < 0 || c.Training.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0, 1), got %g", c.Training.Momentum)
	}
	if c.Training.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must be non-negative, got %g", c.Training.WeightDecay)
	}
	if c.Training.WorldSize < 0 || c.Training.Rank < 0 {
		return fmt.Errorf("rank/world_size must be non-negative, got %d/%d", c.Training.Rank, c.Training.WorldSize)
	}
	if c.Training.WorldSize > 0 && c.Training.Rank >= c.Training.WorldSize {
		return fmt.Errorf("rank %d outside world of size %d", c.Training.Rank, c.Training.WorldSize)
	}
	return nil
}

func agsRequested(mode realloc.AGSMode) bool {
	return mode == realloc.AGSCombined || mode == realloc.AGSSeparated
}
