package train

// Accuracy accumulates a running classification accuracy.
type Accuracy struct {
	correct int
	total   int
}

// Add folds in one batch's argmax hits.
func (a *Accuracy) Add(correct, total int) {
	a.correct += correct
	a.total += total
}

// Value returns the accumulated accuracy, 0 when nothing was added.
func (a *Accuracy) Value() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

// RunningMean accumulates a weighted mean.
type RunningMean struct {
	sum    float64
	weight float64
}

// Add folds in a value with the given weight.
func (m *RunningMean) Add(v float64, weight int) {
	m.sum += v * float64(weight)
	m.weight += float64(weight)
}

// Value returns the weighted mean, 0 when nothing was added.
func (m *RunningMean) Value() float64 {
	if m.weight == 0 {
		return 0
	}
	return m.sum / m.weight
}
