// Package data provides the dataset, loader, and batch plumbing consumed by
// the reallocation pipeline: synthetic train/validation splits, sequential
// (unshuffled) loaders for gradient-based scoring, and the interleaved
// train/validation loader used by alpha-importance evaluation.
package data

// Sample is a single tokenized example. Labels holds one target id for both
// supported tasks: a class id for classification, a vocabulary id for the
// next-token proxy used by causal language modeling.
type Sample struct {
	InputIDs     []int
	TokenTypeIDs []int // optional; nil when the task has no segment ids
	Label        int
}

// Batch is a collated group of samples, padded to the longest sequence in
// the group. AttentionMask is 1 for real tokens and 0 for padding.
// TokenTypeIDs is nil when no sample in the batch carries segment ids.
type Batch struct {
	InputIDs      [][]int
	AttentionMask [][]int
	TokenTypeIDs  [][]int
	Labels        []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.InputIDs)
}

// SeqLen returns the padded sequence length of the batch (0 if empty).
func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// Collate pads the given samples to a common length and stacks them.
// The pad token id is 0 with attention mask 0.
func Collate(samples []Sample) *Batch {
	maxLen := 0
	hasTypes := false
	for _, s := range samples {
		if len(s.InputIDs) > maxLen {
			maxLen = len(s.InputIDs)
		}
		if s.TokenTypeIDs != nil {
			hasTypes = true
		}
	}

	b := &Batch{
		InputIDs:      make([][]int, len(samples)),
		AttentionMask: make([][]int, len(samples)),
		Labels:        make([]int, len(samples)),
	}
	if hasTypes {
		b.TokenTypeIDs = make([][]int, len(samples))
	}
	for i, s := range samples {
		ids := make([]int, maxLen)
		mask := make([]int, maxLen)
		copy(ids, s.InputIDs)
		for j := range s.InputIDs {
			mask[j] = 1
		}
		b.InputIDs[i] = ids
		b.AttentionMask[i] = mask
		if hasTypes {
			types := make([]int, maxLen)
			copy(types, s.TokenTypeIDs)
			b.TokenTypeIDs[i] = types
		}
		b.Labels[i] = s.Label
	}
	return b
}
