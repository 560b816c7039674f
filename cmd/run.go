package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dyrealloc/dyrealloc/realloc"
	"github.com/dyrealloc/dyrealloc/realloc/data"
	"github.com/dyrealloc/dyrealloc/realloc/nn"
	"github.com/dyrealloc/dyrealloc/realloc/train"
)

var (
	// CLI flags for the run command; file values apply unless overridden
	configPath string // Experiment YAML path
	logLevel   string // Log verbosity level
	runSeed    int64  // Override for the experiment seed
	savePath   string // Override for the history/frequency output directory
	runEpochs  int    // Override for the number of training epochs
)

// runCmd fine-tunes the reference network on synthetic data with
// reallocation rounds hooked into the training loop
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run adapter fine-tuning with capacity reallocation",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := LoadExperiment(configPath)
		if err != nil {
			logrus.Fatalf("Could not load experiment: %v", err)
		}
		if cmd.Flags().Changed("seed") {
			cfg.Training.Seed = runSeed
			cfg.Model.Seed = runSeed
		}
		if cmd.Flags().Changed("save-path") {
			cfg.Realloc.SavePath = savePath
		}
		if cmd.Flags().Changed("epochs") {
			cfg.Training.Epochs = runEpochs
		}
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid experiment: %v", err)
		}

		ctrl, loop, dm, err := buildPipeline(cfg)
		if err != nil {
			logrus.Fatalf("Could not assemble pipeline: %v", err)
		}

		loader := data.NewSequentialLoader(dm.Train, dm.BatchSize)
		if err := loop.RunEpochs(context.Background(), loader, cfg.Training.Epochs); err != nil {
			logrus.Fatalf("Training failed: %v", err)
		}

		logrus.Infof("Training complete: %d optimizer steps, %d reallocation rounds, final loss %.4f",
			loop.Step, ctrl.Rounds(), loop.LastLoss)
		if ctrl.History().Len() > 0 {
			logrus.Infof("Reallocation history written to %s", ctrl.HistoryPath())
		}
	},
}

// buildPipeline wires dataset, network, harness, controller, and loop from
// a validated experiment config.
func buildPipeline(cfg *ExperimentConfig) (*realloc.Controller, *train.Loop, *data.Module, error) {
	dm, err := data.Synthesize(cfg.Data, cfg.Training.Seed)
	if err != nil {
		return nil, nil, nil, err
	}
	net, err := nn.NewNetwork(cfg.Model)
	if err != nil {
		return nil, nil, nil, err
	}
	mod := train.NewModule(net)

	rc := realloc.RunContext{Rank: cfg.Training.Rank, WorldSize: cfg.Training.WorldSize}
	rng := realloc.NewReplayRNG(uint64(cfg.Training.Seed))
	ctrl, err := realloc.NewController(cfg.Realloc, net, mod, dm, rc, rng)
	if err != nil {
		return nil, nil, nil, err
	}

	opt := train.NewSGD(cfg.Training.LearningRate)
	if cfg.Training.Momentum > 0 {
		opt.Momentum = cfg.Training.Momentum
	}
	opt.WeightDecay = cfg.Training.WeightDecay

	loop := train.NewLoop(mod, net, opt)
	loop.OnBatchStart("reallocation", ctrl.OnBatchStart)
	return ctrl, loop, dm, nil
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Experiment YAML file")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "Override the experiment seed")
	runCmd.Flags().StringVar(&savePath, "save-path", "", "Override the history output directory")
	runCmd.Flags().IntVar(&runEpochs, "epochs", 0, "Override the number of training epochs")
	_ = runCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(runCmd)
}
