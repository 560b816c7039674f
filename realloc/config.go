package realloc

import "fmt"

// AGSMode selects how the shortcut module family participates in
// reallocation.
type AGSMode string

const (
	// AGSOff scores and toggles only the low-rank family.
	AGSOff AGSMode = "off"
	// AGSCombined pools both families' scores under one threshold.
	AGSCombined AGSMode = "combined"
	// AGSSeparated budgets and thresholds each family independently and
	// unions the results.
	AGSSeparated AGSMode = "separated"
)

// validAGSModes maps accepted mode strings; empty defaults to off.
var validAGSModes = map[AGSMode]bool{
	AGSOff: true, AGSCombined: true, AGSSeparated: true, "": true,
}

// Config holds the reallocation controller settings.
// Exactly one of IntervalSteps / IntervalEpochFraction selects the round
// period. EvalBatches and EvalFraction are both optional; with neither set
// the evaluation budget is derived from the round period.
type Config struct {
	Strategy              string  `yaml:"strategy"`
	Task                  string  `yaml:"task"`
	IntervalSteps         int     `yaml:"interval_steps,omitempty"`
	IntervalEpochFraction float64 `yaml:"interval_epoch_fraction,omitempty"`
	TurnOnPercentile      float64 `yaml:"turn_on_percentile"`
	Tolerance             float64 `yaml:"tolerance,omitempty"`
	EvalBatches           int     `yaml:"eval_batches,omitempty"`
	EvalFraction          float64 `yaml:"eval_fraction,omitempty"`
	AGSMode               AGSMode `yaml:"ags_mode,omitempty"`
	SavePath              string  `yaml:"save_path,omitempty"`
}

// Validate checks every field. All violations are fatal configuration
// errors; nothing here is retried or defaulted away silently.
func (c *Config) Validate() error {
	if err := ValidateStrategyName(c.Strategy); err != nil {
		return err
	}
	if _, err := ParseTask(c.Task); err != nil {
		return err
	}
	if c.TurnOnPercentile <= 0 || c.TurnOnPercentile > 1 {
		return fmt.Errorf("turn_on_percentile must be in (0, 1], got %g", c.TurnOnPercentile)
	}
	hasSteps := c.IntervalSteps > 0
	hasFraction := c.IntervalEpochFraction > 0
	if hasSteps == hasFraction {
		return fmt.Errorf("exactly one of interval_steps and interval_epoch_fraction must be set")
	}
	if c.IntervalSteps < 0 {
		return fmt.Errorf("interval_steps must be positive, got %d", c.IntervalSteps)
	}
	if c.IntervalEpochFraction < 0 || c.IntervalEpochFraction > 1 {
		return fmt.Errorf("interval_epoch_fraction must be in (0, 1], got %g", c.IntervalEpochFraction)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("tolerance must be non-negative, got %g", c.Tolerance)
	}
	if c.EvalBatches < 0 {
		return fmt.Errorf("eval_batches must be non-negative, got %d", c.EvalBatches)
	}
	if c.EvalBatches > 0 && c.EvalFraction > 0 {
		return fmt.Errorf("eval_batches and eval_fraction are mutually exclusive")
	}
	if c.EvalFraction < 0 || c.EvalFraction > 1 {
		return fmt.Errorf("eval_fraction must be in [0, 1], got %g", c.EvalFraction)
	}
	if !validAGSModes[c.AGSMode] {
		return fmt.Errorf("unknown ags_mode %q; valid: off, combined, separated", c.AGSMode)
	}
	if c.agsEnabled() && !HasShortcutVariant(c.Strategy) {
		return fmt.Errorf("strategy %q has no shortcut variant; ags_mode requires grad_norm or alpha_test", c.Strategy)
	}
	return nil
}

func (c *Config) agsEnabled() bool {
	return c.AGSMode == AGSCombined || c.AGSMode == AGSSeparated
}
