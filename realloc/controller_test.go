package realloc

import (
	"errors"
	"os"
	"testing"

	"github.com/dyrealloc/dyrealloc/realloc/data"
	"github.com/dyrealloc/dyrealloc/realloc/history"
)

func baseConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Strategy:         StrategyGradNorm,
		Task:             string(TaskClassification),
		IntervalSteps:    5,
		TurnOnPercentile: 0.5,
		Tolerance:        0.05,
		SavePath:         t.TempDir(),
	}
}

// newController builds a 2-layer fixture around the scripted harness.
func newController(t *testing.T, cfg Config, projs []Projection, grads map[ModuleKey]float64, rc RunContext) (*Controller, *testModel) {
	t.Helper()
	m := newTestModel(2, projs, 2, 2)
	h := &scriptedHarness{model: m, grads: grads, gradValue: 1.0}
	dm := twoSampleModule(4, 2, 2)
	c, err := NewController(cfg, m, h, dm, rc, NewReplayRNG(42))
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c, m
}

func enabledCounts(m Model) (lora, shortcut int) {
	ForEachAdapter(m, func(a *Adapter) error {
		if a.Enabled() {
			lora++
		}
		return nil
	})
	ForEachShortcut(m, func(a *Adapter) error {
		if a.Enabled() {
			shortcut++
		}
		return nil
	})
	return lora, shortcut
}

// === Construction Tests ===

func TestNewController_DerivesRoundPeriodFromEpochFraction(t *testing.T) {
	cfg := baseConfig(t)
	cfg.IntervalSteps = 0
	cfg.IntervalEpochFraction = 0.5

	m := newTestModel(1, []Projection{ProjQ}, 2, 2)
	h := &scriptedHarness{model: m, gradValue: 1.0}
	dm := twoSampleModule(10, 2, 2) // 5 train batches

	// One replica: 5 steps/epoch → every ceil(2.5) = 3.
	c, err := NewController(cfg, m, h, dm, RunContext{WorldSize: 1}, NewReplayRNG(1))
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if c.Every() != 3 {
		t.Errorf("Every() = %d, want 3", c.Every())
	}

	// Four replicas split the batches: 2 steps/epoch → every 1.
	c, err = NewController(cfg, m, h, dm, RunContext{WorldSize: 4}, NewReplayRNG(1))
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if c.Every() != 1 {
		t.Errorf("Every() with world 4 = %d, want 1", c.Every())
	}
}

func TestNewController_EvalBudgetDerivations(t *testing.T) {
	// Explicit batch count wins.
	cfg := baseConfig(t)
	cfg.EvalBatches = 4
	c, _ := newController(t, cfg, []Projection{ProjQ}, nil, RunContext{})
	if c.EvalLimit() != 4 {
		t.Errorf("explicit EvalLimit() = %d, want 4", c.EvalLimit())
	}

	// Nothing set: derived from the round period and clamped to 1.
	cfg = baseConfig(t)
	cfg.IntervalSteps = 10
	c, _ = newController(t, cfg, []Projection{ProjQ}, nil, RunContext{})
	if c.EvalLimit() != 1 {
		t.Errorf("derived EvalLimit() = %d, want 1 (clamped)", c.EvalLimit())
	}
}

func TestNewController_InvalidConfig_Error(t *testing.T) {
	cfg := baseConfig(t)
	cfg.TurnOnPercentile = 0
	m := newTestModel(1, []Projection{ProjQ}, 2, 2)
	h := &scriptedHarness{model: m}
	if _, err := NewController(cfg, m, h, twoSampleModule(4, 2, 2), RunContext{}, NewReplayRNG(1)); err == nil {
		t.Error("expected a validation error for percentile 0")
	}

	cfg = baseConfig(t)
	cfg.Strategy = "bogus"
	if _, err := NewController(cfg, m, h, twoSampleModule(4, 2, 2), RunContext{}, NewReplayRNG(1)); !errors.Is(err, ErrUnknownStrategy) {
		t.Error("expected ErrUnknownStrategy for a bogus strategy name")
	}
}

func TestNewController_NoTrainData_Error(t *testing.T) {
	cfg := baseConfig(t)
	m := newTestModel(1, []Projection{ProjQ}, 2, 2)
	h := &scriptedHarness{model: m}

	if _, err := NewController(cfg, m, h, nil, RunContext{}, NewReplayRNG(1)); !errors.Is(err, ErrNoTrainData) {
		t.Errorf("nil data module: got %v, want ErrNoTrainData", err)
	}
	empty := &data.Module{Val: data.NewDataset([]data.Sample{{InputIDs: []int{1}}}), BatchSize: 2}
	if _, err := NewController(cfg, m, h, empty, RunContext{}, NewReplayRNG(1)); !errors.Is(err, ErrNoTrainData) {
		t.Errorf("empty train split: got %v, want ErrNoTrainData", err)
	}
}

// === Trigger Tests ===

func TestController_Due_FiresOnPeriodBoundary(t *testing.T) {
	c, _ := newController(t, baseConfig(t), []Projection{ProjQ}, nil, RunContext{})
	// IntervalSteps 5: fires at 0, 5, 10; nowhere else.
	for step, want := range map[int]bool{0: true, 1: false, 4: false, 5: true, 9: false, 10: true} {
		if got := c.Due(step); got != want {
			t.Errorf("Due(%d) = %v, want %v", step, got, want)
		}
	}
}

// === Round Tests ===

func TestController_Reallocate_TwoByTwoScenario(t *testing.T) {
	// GIVEN 4 live adapters whose gradient magnitudes order as
	// (0,q) > (1,q) = (1,k) > (0,k), and percentile 0.5 → budget 2
	grads := map[ModuleKey]float64{
		{0, ProjQ}: 0.9,
		{0, ProjK}: 0.1,
		{1, ProjQ}: 0.5,
		{1, ProjK}: 0.5,
	}
	c, m := newController(t, baseConfig(t), []Projection{ProjQ, ProjK}, grads, RunContext{})

	if err := c.Reallocate(0, 0); err != nil {
		t.Fatalf("Reallocate: %v", err)
	}

	// THEN exactly budget modules stay enabled, the unique maximum among
	// them and the minimum disabled
	lora, _ := enabledCounts(m)
	if lora != 2 {
		t.Errorf("enabled %d adapters, want 2", lora)
	}
	if !m.layers[0].Adapters[ProjQ].Enabled() {
		t.Error("(0,q) with the highest gradient norm was disabled")
	}
	if m.layers[0].Adapters[ProjK].Enabled() {
		t.Error("(0,k) with the lowest gradient norm stayed enabled")
	}
	tied := 0
	for _, a := range []*Adapter{m.layers[1].Adapters[ProjQ], m.layers[1].Adapters[ProjK]} {
		if a.Enabled() {
			tied++
		}
	}
	if tied != 1 {
		t.Errorf("%d of the tied pair enabled, want exactly 1", tied)
	}

	// AND the round is recorded with entries in scoring order
	if c.Rounds() != 1 {
		t.Errorf("Rounds() = %d, want 1", c.Rounds())
	}
	if c.History().Len() != 1 {
		t.Fatalf("history has %d events, want 1", c.History().Len())
	}
	ev := c.History().Events[0]
	if len(ev.Entries) != 4 {
		t.Fatalf("event has %d entries, want 4", len(ev.Entries))
	}
	if ev.Entries[0].Layer != 1 {
		t.Errorf("first recorded entry is layer %d, want 1 (descending order)", ev.Entries[0].Layer)
	}
	for _, e := range ev.Entries {
		p, err := ParseProjection(e.Proj)
		if err != nil {
			t.Fatalf("recorded projection: %v", err)
		}
		a := m.layers[e.Layer].Adapters[p]
		if e.TurnedOn != a.Enabled() {
			t.Errorf("(%d,%s): recorded %v, applied %v", e.Layer, e.Proj, e.TurnedOn, a.Enabled())
		}
	}
}

func TestController_Reallocate_ForceEnablesBeforeScoring(t *testing.T) {
	grads := map[ModuleKey]float64{
		{0, ProjQ}: 0.9,
		{0, ProjK}: 0.1,
		{1, ProjQ}: 0.6,
		{1, ProjK}: 0.4,
	}
	c, m := newController(t, baseConfig(t), []Projection{ProjQ, ProjK}, grads, RunContext{})

	// A previous round turned the top adapter off; the next round must
	// still score it and win it back.
	m.layers[0].Adapters[ProjQ].SetEnabled(false)

	if err := c.Reallocate(0, 0); err != nil {
		t.Fatalf("Reallocate: %v", err)
	}
	if len(c.History().Events[0].Entries) != 4 {
		t.Errorf("scored %d modules, want all 4 live ones", len(c.History().Events[0].Entries))
	}
	if !m.layers[0].Adapters[ProjQ].Enabled() {
		t.Error("previously disabled top scorer was not re-enabled")
	}
}

func TestController_OnBatchStart_AppendsChronologically(t *testing.T) {
	grads := map[ModuleKey]float64{
		{0, ProjQ}: 0.9, {0, ProjK}: 0.1, {1, ProjQ}: 0.6, {1, ProjK}: 0.4,
	}
	c, _ := newController(t, baseConfig(t), []Projection{ProjQ, ProjK}, grads, RunContext{})

	// IntervalSteps 5: rounds fire at steps 0, 5, 10 across two epochs.
	for step := 0; step <= 10; step++ {
		epoch := step / 6
		if err := c.OnBatchStart(epoch, step); err != nil {
			t.Fatalf("OnBatchStart(%d, %d): %v", epoch, step, err)
		}
	}

	if c.Rounds() != 3 {
		t.Fatalf("Rounds() = %d, want 3", c.Rounds())
	}
	wantSteps := []int{0, 5, 10}
	for i, ev := range c.History().Events {
		if ev.Step != wantSteps[i] {
			t.Errorf("event %d at step %d, want %d", i, ev.Step, wantSteps[i])
		}
	}

	// The frequency summary counts every round.
	if f := history.Frequency(c.History()); f.TotalReallocations != 3 {
		t.Errorf("TotalReallocations = %d, want 3", f.TotalReallocations)
	}

	// The persisted document round-trips with the same shape.
	onDisk, err := history.ReadHistory(c.HistoryPath())
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	if onDisk.Len() != 3 {
		t.Errorf("persisted %d events, want 3", onDisk.Len())
	}
	for i, ev := range onDisk.Events {
		if ev.Step != wantSteps[i] {
			t.Errorf("persisted event %d at step %d, want %d", i, ev.Step, wantSteps[i])
		}
	}
}

func TestController_NonCoordinatorAppliesButDoesNotPersist(t *testing.T) {
	grads := map[ModuleKey]float64{
		{0, ProjQ}: 0.9, {0, ProjK}: 0.1, {1, ProjQ}: 0.6, {1, ProjK}: 0.4,
	}
	c, m := newController(t, baseConfig(t), []Projection{ProjQ, ProjK}, grads,
		RunContext{Rank: 1, WorldSize: 2})

	if err := c.Reallocate(0, 0); err != nil {
		t.Fatalf("Reallocate: %v", err)
	}
	if c.Rounds() != 1 {
		t.Errorf("Rounds() = %d, want 1", c.Rounds())
	}
	if lora, _ := enabledCounts(m); lora != 2 {
		t.Errorf("non-coordinator did not apply the decision: %d enabled", lora)
	}
	if c.History().Len() != 0 {
		t.Errorf("non-coordinator recorded %d events, want 0", c.History().Len())
	}
	if _, err := os.Stat(c.HistoryPath()); !os.IsNotExist(err) {
		t.Errorf("non-coordinator wrote a history file: %v", err)
	}
}

func TestController_ReplaysIdenticallyFromSameSeed(t *testing.T) {
	// Two controllers with identical inputs make identical tie-break
	// choices round after round.
	run := func() [][]bool {
		cfg := baseConfig(t)
		cfg.Strategy = StrategyConstant // all scores tie
		c, m := newController(t, cfg, []Projection{ProjQ, ProjK}, nil, RunContext{})
		var pattern [][]bool
		for step := 0; step <= 10; step += 5 {
			if err := c.Reallocate(0, step); err != nil {
				t.Fatalf("Reallocate: %v", err)
			}
			var round []bool
			ForEachAdapter(m, func(a *Adapter) error {
				round = append(round, a.Enabled())
				return nil
			})
			pattern = append(pattern, round)
		}
		return pattern
	}

	p1, p2 := run(), run()
	for r := range p1 {
		for i := range p1[r] {
			if p1[r][i] != p2[r][i] {
				t.Fatalf("round %d position %d: %v vs %v", r, i, p1[r][i], p2[r][i])
			}
		}
	}
}

// === AGS Tests ===

func agsProjections() []Projection {
	return []Projection{ProjQ, ProjK, ProjResidual1, ProjResidual2}
}

func TestController_AGSSeparated_IndependentFamilyBudgets(t *testing.T) {
	cfg := baseConfig(t)
	cfg.AGSMode = AGSSeparated
	c, m := newController(t, cfg, agsProjections(), map[ModuleKey]float64{
		{0, ProjQ}: 0.9, {0, ProjK}: 0.1, {1, ProjQ}: 0.6, {1, ProjK}: 0.4,
		{0, ProjResidual1}: 0.8, {0, ProjResidual2}: 0.2,
		{1, ProjResidual1}: 0.7, {1, ProjResidual2}: 0.3,
	}, RunContext{})

	if err := c.Reallocate(0, 0); err != nil {
		t.Fatalf("Reallocate: %v", err)
	}

	// floor(0.5×4) = 2 low-rank, round-even(0.5×4) = 2 shortcut.
	lora, shortcut := enabledCounts(m)
	if lora != 2 || shortcut != 2 {
		t.Errorf("enabled %d lora + %d shortcut, want 2 + 2", lora, shortcut)
	}
	if len(c.History().Events[0].Entries) != 8 {
		t.Errorf("recorded %d entries, want 8 (both families)", len(c.History().Events[0].Entries))
	}
}

func TestController_AGSCombined_PooledBudget(t *testing.T) {
	cfg := baseConfig(t)
	cfg.AGSMode = AGSCombined
	c, m := newController(t, cfg, agsProjections(), map[ModuleKey]float64{
		// Shortcut modules dominate: pooling lets them claim lora slots.
		{0, ProjQ}: 0.2, {0, ProjK}: 0.1, {1, ProjQ}: 0.3, {1, ProjK}: 0.15,
		{0, ProjResidual1}: 0.9, {0, ProjResidual2}: 0.8,
		{1, ProjResidual1}: 0.7, {1, ProjResidual2}: 0.6,
	}, RunContext{})

	if err := c.Reallocate(0, 0); err != nil {
		t.Fatalf("Reallocate: %v", err)
	}

	lora, shortcut := enabledCounts(m)
	if lora+shortcut != 4 {
		t.Errorf("enabled %d modules total, want pooled budget 4", lora+shortcut)
	}
	// All four shortcut modules outscore every lora module.
	if shortcut != 4 || lora != 0 {
		t.Errorf("pooled selection kept %d shortcut + %d lora, want 4 + 0", shortcut, lora)
	}
}

func TestController_AlphaStrategy_RecordsGridBound(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Strategy = StrategyAlpha
	cfg.Tolerance = 0.25

	m := newTestModel(2, []Projection{ProjQ, ProjK}, 2, 2)
	h := sensitivityHarness(m, 1.0, map[ModuleKey]float64{
		{0, ProjQ}: 0.5, {0, ProjK}: 4.0, {1, ProjQ}: 0.125, {1, ProjK}: 0.5,
	}, false)
	c, err := NewController(cfg, m, h, twoSampleModule(4, 2, 2), RunContext{}, NewReplayRNG(42))
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if c.History().MaxAlpha != MaxAlpha {
		t.Errorf("History().MaxAlpha = %d, want %d", c.History().MaxAlpha, MaxAlpha)
	}

	if err := c.Reallocate(0, 0); err != nil {
		t.Fatalf("Reallocate: %v", err)
	}
	onDisk, err := history.ReadHistory(c.HistoryPath())
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	if onDisk.MaxAlpha != MaxAlpha {
		t.Errorf("persisted max_alpha = %d, want %d", onDisk.MaxAlpha, MaxAlpha)
	}
}
