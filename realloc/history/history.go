package history

// History is the ordered, append-only log of reallocation events. Insertion
// order is chronological order. MaxAlpha is the bisection discretization
// bound; zero means the recording strategy has no alpha scale and the key is
// omitted from the persisted document.
type History struct {
	MaxAlpha int
	Events   []Event
}

// New creates an empty history. maxAlpha is 0 for non-alpha strategies.
func New(maxAlpha int) *History {
	return &History{
		MaxAlpha: maxAlpha,
		Events:   make([]Event, 0),
	}
}

// Append records one reallocation event.
func (h *History) Append(ev Event) {
	h.Events = append(h.Events, ev)
}

// Len returns the number of recorded rounds.
func (h *History) Len() int {
	return len(h.Events)
}

// FrequencySummary aggregates activation counts from a History.
type FrequencySummary struct {
	TotalReallocations int
	// Counts maps layer index → projection name → rounds turned on. A module
	// that was evaluated but never turned on appears with count 0; modules
	// never evaluated do not appear.
	Counts map[int]map[string]int
}

// Frequency recomputes the summary from the full history. Not incremental:
// every save rebuilds from scratch so the file always matches the log.
// Safe for nil or empty histories.
func Frequency(h *History) *FrequencySummary {
	summary := &FrequencySummary{
		Counts: make(map[int]map[string]int),
	}
	if h == nil {
		return summary
	}

	summary.TotalReallocations = len(h.Events)
	for _, ev := range h.Events {
		for _, e := range ev.Entries {
			layer := summary.Counts[e.Layer]
			if layer == nil {
				layer = make(map[string]int)
				summary.Counts[e.Layer] = layer
			}
			if e.TurnedOn {
				layer[e.Proj]++
			} else if _, seen := layer[e.Proj]; !seen {
				layer[e.Proj] = 0
			}
		}
	}
	return summary
}
