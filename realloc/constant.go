package realloc

// Constant assigns score 1.0 to every live adapter. It carries no signal;
// it exists to exercise the selection pipeline independent of signal
// quality.
type Constant struct{}

func (c *Constant) Name() string { return StrategyConstant }

func (c *Constant) Score(env *ScoreEnv) (Scores, error) {
	var scores Scores
	err := ForEachAdapter(env.Model, func(a *Adapter) error {
		scores = append(scores, ScoredModule{Key: a.Key(), Score: 1.0})
		return nil
	})
	return scores, err
}
