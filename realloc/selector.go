package realloc

import (
	"fmt"
	"math"
	"sort"
)

// LoraBudget computes the turn-on budget for the low-rank family:
// floor(percentile × live count).
func LoraBudget(percentile float64, live int) int {
	return int(math.Floor(percentile * float64(live)))
}

// ShortcutBudget computes the turn-on budget for the AGS shortcut family.
// The original policy rounds this term half-to-even rather than flooring.
func ShortcutBudget(percentile float64, live int) int {
	return int(math.RoundToEven(percentile * float64(live)))
}

// Select returns exactly budget modules with the highest scores. Entries
// strictly above the cutoff value are always kept; when several entries tie
// at the cutoff, the remaining slots are filled by a uniform random subset
// of the tied group drawn from the given state. The selection restores the
// state before drawing and returns the advanced state, so identical inputs
// and state replay to identical outputs while consecutive calls keep
// advancing shared randomness.
//
// A stable ascending sort fixes tie positions from the entry order, which
// follows scoring order; callers must not reorder score lists.
func Select(entries Scores, budget int, rng *ReplayRNG, state RNGState) (map[ModuleKey]bool, RNGState, error) {
	if budget > len(entries) {
		return nil, state, fmt.Errorf("selection budget %d exceeds %d scored modules", budget, len(entries))
	}
	if err := rng.Restore(state); err != nil {
		return nil, state, err
	}

	kept := make(map[ModuleKey]bool, budget)
	if budget <= 0 {
		return kept, rng.State(), nil
	}

	sorted := make(Scores, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score < sorted[j].Score
	})

	cutoff := sorted[len(sorted)-budget].Score
	var greater, tied Scores
	for _, e := range sorted {
		switch {
		case e.Score > cutoff:
			greater = append(greater, e)
		case e.Score == cutoff:
			tied = append(tied, e)
		}
	}

	if len(tied) > 1 {
		for _, e := range greater {
			kept[e.Key] = true
		}
		need := budget - len(greater)
		perm := rng.Perm(len(tied))
		for _, pi := range perm[:need] {
			kept[tied[pi].Key] = true
		}
	} else {
		for _, e := range sorted[len(sorted)-budget:] {
			kept[e.Key] = true
		}
	}
	return kept, rng.State(), nil
}
