package realloc

import (
	"errors"
	"fmt"
)

// ErrUnknownTask marks an unsupported task name. Fatal at configuration
// time; never retried.
var ErrUnknownTask = errors.New("unknown task")

// Task enumerates the downstream objectives the pipeline evaluates against.
// The threshold comparison direction depends on whether the task metric is
// higher-is-better (accuracy, rouge) or lower-is-better (perplexity); this
// type is the single place that rule lives.
type Task string

const (
	TaskClassification Task = "classification"
	TaskSummarization  Task = "summarization"
	TaskCausalLM       Task = "causal_language_modeling"
)

// ParseTask validates a task name.
func ParseTask(s string) (Task, error) {
	switch t := Task(s); t {
	case TaskClassification, TaskSummarization, TaskCausalLM:
		return t, nil
	default:
		return "", fmt.Errorf("%w %q; valid: classification, summarization, causal_language_modeling", ErrUnknownTask, s)
	}
}

// MetricName returns the evaluation metric the task is judged by.
func (t Task) MetricName() string {
	switch t {
	case TaskClassification:
		return "accuracy"
	case TaskSummarization:
		return "rouge"
	case TaskCausalLM:
		return "perplexity"
	default:
		panic(fmt.Sprintf("unknown task %q", string(t)))
	}
}

// Threshold computes the degradation bound relative to a reference metric.
// Higher-is-better tasks tolerate a proportional drop; perplexity tolerates
// a rise that narrows as the reference worsens (tolerance scaled by the
// reciprocal of the reference).
func (t Task) Threshold(reference, tolerance float64) float64 {
	switch t {
	case TaskClassification, TaskSummarization:
		return reference - reference*tolerance
	case TaskCausalLM:
		return reference + (1/reference)*tolerance
	default:
		panic(fmt.Sprintf("unknown task %q", string(t)))
	}
}

// Exceeds reports whether a measured metric breaks the threshold, i.e. the
// dampened adapter degraded the model beyond the tolerated bound. The
// comparisons are strict in both directions.
func (t Task) Exceeds(metric, threshold float64) bool {
	switch t {
	case TaskClassification, TaskSummarization:
		return metric < threshold
	case TaskCausalLM:
		return metric > threshold
	default:
		panic(fmt.Sprintf("unknown task %q", string(t)))
	}
}
