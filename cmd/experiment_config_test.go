package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dyrealloc/dyrealloc/realloc"
	"github.com/dyrealloc/dyrealloc/realloc/data"
	"github.com/dyrealloc/dyrealloc/realloc/nn"
)

// validExperiment builds a config that passes Validate. Tests mutate one
// field at a time off this base.
func validExperiment() *ExperimentConfig {
	return &ExperimentConfig{
		Model: nn.Spec{
			Task: "classification", VocabSize: 13, EmbedDim: 4,
			NumLayers: 2, Rank: 2, NumTargets: 3, Seed: 7,
		},
		Data: data.SynthSpec{
			TrainSamples: 8, ValSamples: 4, SeqLenMean: 3, SeqLenStd: 1,
			MinLen: 2, MaxLen: 5, VocabSize: 13, NumTargets: 3, BatchSize: 2,
		},
		Realloc: realloc.Config{
			Strategy: "grad_norm", Task: "classification",
			IntervalSteps: 2, TurnOnPercentile: 0.5,
		},
		Training: TrainingConfig{Epochs: 1, LearningRate: 0.01},
	}
}

func writeExperimentFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing experiment file: %v", err)
	}
	return path
}

func TestLoadExperiment_PropagatesSharedDefaults(t *testing.T) {
	// GIVEN a file that states the task, vocabulary, and seed once each
	path := writeExperimentFile(t, `
realloc:
  strategy: grad_norm
  task: classification
  interval_steps: 2
  turn_on_percentile: 0.5
  ags_mode: combined
data:
  train_samples: 8
  val_samples: 4
  seq_len_mean: 3
  seq_len_std: 1
  min_len: 2
  max_len: 5
  vocab_size: 13
  num_targets: 3
  batch_size: 2
model:
  embed_dim: 4
  num_layers: 2
  rank: 2
training:
  seed: 7
`)

	cfg, err := LoadExperiment(path)
	assert.NoError(t, err)

	// THEN the model section inherits the shared values
	assert.Equal(t, "classification", cfg.Model.Task)
	assert.Equal(t, 13, cfg.Model.VocabSize)
	assert.Equal(t, 3, cfg.Model.NumTargets)
	assert.Equal(t, int64(7), cfg.Model.Seed)
	assert.True(t, cfg.Model.AGS, "ags_mode: combined must imply the shortcut model variant")

	// AND the optional training settings have their defaults
	assert.Equal(t, 1, cfg.Training.Epochs)
	assert.Equal(t, 0.01, cfg.Training.LearningRate)

	assert.NoError(t, cfg.Validate())
}

func TestLoadExperiment_ExplicitModelValuesWin(t *testing.T) {
	path := writeExperimentFile(t, `
realloc:
  strategy: constant
  task: classification
  interval_steps: 4
  turn_on_percentile: 0.25
data:
  train_samples: 4
  val_samples: 2
  seq_len_mean: 3
  seq_len_std: 1
  min_len: 2
  max_len: 4
  vocab_size: 9
  num_targets: 3
  batch_size: 2
model:
  task: classification
  vocab_size: 9
  embed_dim: 4
  num_layers: 1
  rank: 2
  num_targets: 3
  lora_alpha: 8
  projections: [q_proj, fc2]
  seed: 3
training:
  epochs: 2
  learning_rate: 0.05
  seed: 11
`)

	cfg, err := LoadExperiment(path)
	assert.NoError(t, err)

	assert.Equal(t, 8.0, cfg.Model.LoraAlpha)
	assert.Equal(t, []string{"q_proj", "fc2"}, cfg.Model.Projections)
	assert.Equal(t, int64(3), cfg.Model.Seed, "explicit model seed must not be overwritten")
	assert.Equal(t, 2, cfg.Training.Epochs)
	assert.NoError(t, cfg.Validate())
}

func TestLoadExperiment_RejectsUnknownKeys(t *testing.T) {
	// GIVEN a file with a typoed key
	path := writeExperimentFile(t, `
training:
  epocs: 3
`)

	_, err := LoadExperiment(path)
	assert.ErrorContains(t, err, "field epocs not found")
}

func TestLoadExperiment_MissingFile(t *testing.T) {
	_, err := LoadExperiment(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "reading experiment config")
}

func TestExperimentConfig_ValidateCrossSections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ExperimentConfig)
		want   string
	}{
		{
			"task disagreement",
			func(c *ExperimentConfig) { c.Realloc.Task = "causal_language_modeling" },
			"disagrees with realloc task",
		},
		{
			"vocab disagreement",
			func(c *ExperimentConfig) { c.Model.VocabSize = 11 },
			"disagrees with data vocab_size",
		},
		{
			"target disagreement",
			func(c *ExperimentConfig) { c.Model.NumTargets = 4 },
			"disagrees with data num_targets",
		},
		{
			"ags without shortcut variant",
			func(c *ExperimentConfig) { c.Realloc.AGSMode = realloc.AGSCombined },
			"needs the shortcut model variant",
		},
		{
			"zero epochs",
			func(c *ExperimentConfig) { c.Training.Epochs = 0 },
			"epochs must be positive",
		},
		{
			"negative learning rate",
			func(c *ExperimentConfig) { c.Training.LearningRate = -0.5 },
			"learning_rate must be positive",
		},
		{
			"momentum at one",
			func(c *ExperimentConfig) { c.Training.Momentum = 1.0 },
			"momentum must be in [0, 1)",
		},
		{
			"negative weight decay",
			func(c *ExperimentConfig) { c.Training.WeightDecay = -0.1 },
			"weight_decay must be non-negative",
		},
		{
			"rank outside world",
			func(c *ExperimentConfig) { c.Training.Rank = 2; c.Training.WorldSize = 2 },
			"outside world of size",
		},
		{
			"bad realloc section wrapped",
			func(c *ExperimentConfig) { c.Realloc.TurnOnPercentile = 0 },
			"realloc section:",
		},
		{
			"bad data section wrapped",
			func(c *ExperimentConfig) { c.Data.BatchSize = 0 },
			"data section:",
		},
		{
			"bad model section wrapped",
			func(c *ExperimentConfig) { c.Model.EmbedDim = 0 },
			"model section:",
		},
	}

	assert.NoError(t, validExperiment().Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validExperiment()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}
