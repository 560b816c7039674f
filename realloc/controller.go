package realloc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dyrealloc/dyrealloc/realloc/data"
	"github.com/dyrealloc/dyrealloc/realloc/history"
)

// Phase tracks where the controller is within a reallocation round.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScoring
	PhaseSelecting
	PhaseApplying
	PhasePersisting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScoring:
		return "scoring"
	case PhaseSelecting:
		return "selecting"
	case PhaseApplying:
		return "applying"
	case PhasePersisting:
		return "persisting"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Controller runs the reallocation rounds. It is invoked synchronously from
// the training loop's start-of-batch hook and never runs on its own; one
// round walks Scoring → Selecting → Applying → Persisting and returns
// control to the loop. A failed round leaves the previous round's
// enable/disable flags in effect, since Applying only happens after
// Selecting completed.
type Controller struct {
	cfg              Config
	task             Task
	strategy         Strategy
	shortcutStrategy Strategy // nil unless an AGS mode is enabled

	model   Model
	harness Harness
	dm      *data.Module
	runctx  RunContext

	rng   *ReplayRNG
	state RNGState

	every         int // trigger period in optimizer steps
	limit         int // evaluation batch budget per pass
	stepsPerEpoch int

	hist        *history.History
	historyPath string
	freqPath    string

	phase  Phase
	rounds int
}

// NewController validates the configuration and derives the round period
// and evaluation budget. Precondition failures (no training data) surface
// here, before any model mutation.
func NewController(cfg Config, m Model, h Harness, dm *data.Module, rc RunContext, rng *ReplayRNG) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("reallocation config: %w", err)
	}
	task, err := ParseTask(cfg.Task)
	if err != nil {
		return nil, err
	}
	if dm == nil || dm.Train.Len() == 0 {
		return nil, ErrNoTrainData
	}

	trainBatches := loaderBatches(dm.Train.Len(), dm.BatchSize)
	stepsPerEpoch := StepsPerEpoch(trainBatches, rc.Devices())
	every := resolveInterval(&cfg, stepsPerEpoch)
	valBatches := StepsPerEpoch(loaderBatches(dm.Val.Len(), dm.BatchSize), rc.Devices())
	limit := resolveEvalLimit(&cfg, valBatches, every)

	maxAlpha := 0
	if cfg.Strategy == StrategyAlpha {
		maxAlpha = MaxAlpha
	}
	var shortcut Strategy
	if cfg.agsEnabled() {
		shortcut = NewShortcutStrategy(cfg.Strategy)
	}

	save := cfg.SavePath
	if save == "" {
		save = "."
	}
	now := time.Now()

	c := &Controller{
		cfg:              cfg,
		task:             task,
		strategy:         NewStrategy(cfg.Strategy),
		shortcutStrategy: shortcut,
		model:            m,
		harness:          h,
		dm:               dm,
		runctx:           rc,
		rng:              rng,
		state:            rng.State(),
		every:            every,
		limit:            limit,
		stepsPerEpoch:    stepsPerEpoch,
		hist:             history.New(maxAlpha),
		historyPath:      history.HistoryPath(save, cfg.Strategy, now),
		freqPath:         history.FrequencyPath(save, cfg.Strategy, now),
	}
	logrus.Infof("reallocation controller: strategy=%s task=%s every=%d steps (steps/epoch=%d) eval_budget=%d batches ags_mode=%s",
		cfg.Strategy, task, every, stepsPerEpoch, limit, c.agsMode())
	return c, nil
}

func (c *Controller) agsMode() AGSMode {
	if c.cfg.AGSMode == "" {
		return AGSOff
	}
	return c.cfg.AGSMode
}

// Every returns the derived round period in optimizer steps.
func (c *Controller) Every() int { return c.every }

// EvalLimit returns the derived evaluation batch budget per pass.
func (c *Controller) EvalLimit() int { return c.limit }

// Rounds returns how many rounds have completed.
func (c *Controller) Rounds() int { return c.rounds }

// History exposes the recorded events (coordinator rank only records).
func (c *Controller) History() *history.History { return c.hist }

// HistoryPath returns where the history document is persisted.
func (c *Controller) HistoryPath() string { return c.historyPath }

// Due reports whether a round fires at this global step.
func (c *Controller) Due(step int) bool {
	return step%c.every == 0
}

// OnBatchStart is the training-loop hook: it triggers a full reallocation
// round whenever the global step hits the period boundary.
func (c *Controller) OnBatchStart(epoch, step int) error {
	if !c.Due(step) {
		return nil
	}
	return c.Reallocate(epoch, step)
}

// Reallocate runs one complete round at the given training position.
func (c *Controller) Reallocate(epoch, step int) error {
	logrus.Infof("reallocation round %d: epoch=%d step=%d", c.rounds, epoch, step)
	defer func() { c.phase = PhaseIdle }()

	c.phase = PhaseScoring
	// Force-enable everything live so a prior round's exclusions cannot
	// bias this round's measurement.
	EnableAll(c.model)
	env := &ScoreEnv{
		Model:     c.model,
		Harness:   c.harness,
		Data:      c.dm,
		RNG:       c.rng,
		State:     c.state,
		Limit:     c.limit,
		BatchSize: c.dm.BatchSize * c.runctx.Devices(),
		Task:      c.task,
		Tolerance: c.cfg.Tolerance,
	}
	scores, err := c.strategy.Score(env)
	c.state = env.State
	if err != nil {
		return fmt.Errorf("scoring (%s): %w", c.strategy.Name(), err)
	}
	var shortcutScores Scores
	if c.shortcutStrategy != nil {
		shortcutScores, err = c.shortcutStrategy.Score(env)
		c.state = env.State
		if err != nil {
			return fmt.Errorf("scoring shortcut family (%s): %w", c.shortcutStrategy.Name(), err)
		}
	}

	c.phase = PhaseSelecting
	kept, err := c.selectKept(scores, shortcutScores)
	if err != nil {
		return fmt.Errorf("selecting: %w", err)
	}

	c.phase = PhaseApplying
	c.apply(kept)

	c.phase = PhasePersisting
	if err := c.persist(epoch, step, scores, shortcutScores, kept); err != nil {
		return fmt.Errorf("persisting: %w", err)
	}

	c.rounds++
	logrus.Infof("reallocation round complete: enabled %d of %d modules", len(kept), len(scores)+len(shortcutScores))
	return nil
}

// selectKept applies the configured selection policy over the score lists,
// threading the captured RNG state through each selection.
func (c *Controller) selectKept(scores, shortcutScores Scores) (map[ModuleKey]bool, error) {
	p := c.cfg.TurnOnPercentile
	switch c.agsMode() {
	case AGSCombined:
		pool := make(Scores, 0, len(scores)+len(shortcutScores))
		pool = append(pool, scores...)
		pool = append(pool, shortcutScores...)
		budget := LoraBudget(p, len(scores)) + ShortcutBudget(p, len(shortcutScores))
		kept, next, err := Select(pool, budget, c.rng, c.state)
		if err != nil {
			return nil, err
		}
		c.state = next
		return kept, nil

	case AGSSeparated:
		kept, next, err := Select(scores, LoraBudget(p, len(scores)), c.rng, c.state)
		if err != nil {
			return nil, err
		}
		c.state = next
		more, next2, err := Select(shortcutScores, ShortcutBudget(p, len(shortcutScores)), c.rng, c.state)
		if err != nil {
			return nil, err
		}
		c.state = next2
		for k := range more {
			kept[k] = true
		}
		return kept, nil

	default:
		kept, next, err := Select(scores, LoraBudget(p, len(scores)), c.rng, c.state)
		if err != nil {
			return nil, err
		}
		c.state = next
		return kept, nil
	}
}

// apply toggles every live module per the kept set. Structurally absent
// modules are untouched; the shortcut family is only touched when an AGS
// mode is on.
func (c *Controller) apply(kept map[ModuleKey]bool) {
	ForEachAdapter(c.model, func(a *Adapter) error {
		a.SetEnabled(kept[a.Key()])
		return nil
	})
	if c.shortcutStrategy != nil {
		ForEachShortcut(c.model, func(a *Adapter) error {
			a.SetEnabled(kept[a.Key()])
			return nil
		})
	}
}

// persist appends the round's event and rewrites both documents, on the
// coordinator rank only. Write failures propagate: an unpersisted decision
// would silently desynchronize the audit trail from the model state.
func (c *Controller) persist(epoch, step int, scores, shortcutScores Scores, kept map[ModuleKey]bool) error {
	if !c.runctx.IsCoordinator() {
		return nil
	}

	ev := history.Event{Epoch: epoch, Step: step}
	for _, s := range scores {
		ev.Entries = append(ev.Entries, history.Entry{
			Layer: s.Key.Layer, Proj: string(s.Key.Proj), Score: s.Score, TurnedOn: kept[s.Key],
		})
	}
	for _, s := range shortcutScores {
		ev.Entries = append(ev.Entries, history.Entry{
			Layer: s.Key.Layer, Proj: string(s.Key.Proj), Score: s.Score, TurnedOn: kept[s.Key],
		})
	}
	c.hist.Append(ev)

	if err := os.MkdirAll(filepath.Dir(c.historyPath), 0o755); err != nil {
		return err
	}
	if err := history.WriteHistory(c.historyPath, c.hist); err != nil {
		return err
	}
	return history.WriteFrequency(c.freqPath, history.Frequency(c.hist))
}
