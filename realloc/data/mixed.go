package data

import "fmt"

// NewMixedLoader builds the interleaved train/validation loader used for
// alpha-importance evaluation. Independent permutations of the two splits
// are drawn from the caller's generator, the longer is truncated to the
// shorter, pairs are interleaved train[0], val[0], train[1], val[1], and any
// leftover validation indices are appended unpaired. Given the same perm
// source state the resulting order is identical call to call.
func NewMixedLoader(train, val *Dataset, batchSize int, perm func(n int) []int) (*Loader, error) {
	if train.Len() == 0 {
		return nil, fmt.Errorf("mixed loader: train split is empty")
	}
	if val.Len() == 0 {
		return nil, fmt.Errorf("mixed loader: validation split is empty")
	}

	trainIdx := perm(train.Len())
	valIdx := perm(val.Len())
	for i := range valIdx {
		valIdx[i] += train.Len()
	}

	// Truncating the longer side to the shorter keeps the stream 1:1; only
	// validation indices may remain and are carried at the tail.
	paired := len(valIdx)
	if len(trainIdx) < paired {
		paired = len(trainIdx)
	}

	order := make([]int, 0, len(trainIdx)+len(valIdx))
	for i := 0; i < paired; i++ {
		order = append(order, trainIdx[i], valIdx[i])
	}
	order = append(order, valIdx[paired:]...)

	return &Loader{train: train, val: val, order: order, batchSize: batchSize}, nil
}
