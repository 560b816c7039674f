package data

// Loader serves collated batches over a fixed index order. The order indexes
// the concatenation of the train split followed by the optional validation
// split, so a single loader can cover one split or an interleaved mix.
type Loader struct {
	train     *Dataset
	val       *Dataset
	order     []int
	batchSize int
}

// NewSequentialLoader returns a loader over one split in storage order.
// Gradient-based scoring uses this so repeated calls see the same slice.
func NewSequentialLoader(ds *Dataset, batchSize int) *Loader {
	order := make([]int, ds.Len())
	for i := range order {
		order[i] = i
	}
	return &Loader{train: ds, order: order, batchSize: batchSize}
}

// Len returns the number of batches (final partial batch included).
func (l *Loader) Len() int {
	if l.batchSize <= 0 {
		return 0
	}
	return (len(l.order) + l.batchSize - 1) / l.batchSize
}

// NumSamples returns the number of samples the loader covers.
func (l *Loader) NumSamples() int {
	return len(l.order)
}

// BatchAt collates the i-th batch. i must be in [0, Len()).
func (l *Loader) BatchAt(i int) *Batch {
	start := i * l.batchSize
	end := start + l.batchSize
	if end > len(l.order) {
		end = len(l.order)
	}
	samples := make([]Sample, 0, end-start)
	for _, idx := range l.order[start:end] {
		samples = append(samples, l.sampleAt(idx))
	}
	return Collate(samples)
}

// sampleAt resolves a concatenated index: [0, train.Len()) addresses the
// train split, the remainder addresses the validation split.
func (l *Loader) sampleAt(idx int) Sample {
	if idx < l.train.Len() {
		return l.train.At(idx)
	}
	return l.val.At(idx - l.train.Len())
}
