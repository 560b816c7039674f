package realloc

import (
	"fmt"
	"math/rand/v2"
)

// RNGState is an opaque captured generator state. Restoring a state and
// replaying the same draw sequence yields identical results; the state a
// draw leaves behind differs from the one it started from, so threading
// states through calls advances randomness across rounds while keeping every
// round replayable.
type RNGState []byte

// ReplayRNG is the pipeline's explicit random source: a PCG generator whose
// full state can be captured and reinstalled. There is no hidden
// process-global generator; every consumer receives the generator and the
// state to run it from.
//
// Not safe for concurrent use.
type ReplayRNG struct {
	src *rand.PCG
	rng *rand.Rand
}

// NewReplayRNG seeds a generator. The same seed always produces the same
// draw sequence.
func NewReplayRNG(seed uint64) *ReplayRNG {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &ReplayRNG{src: src, rng: rand.New(src)}
}

// State captures the current generator state.
func (r *ReplayRNG) State() RNGState {
	b, err := r.src.MarshalBinary()
	if err != nil {
		// PCG marshaling writes a fixed-size buffer and cannot fail.
		panic(fmt.Sprintf("capturing rng state: %v", err))
	}
	return RNGState(b)
}

// Restore reinstalls a previously captured state.
func (r *ReplayRNG) Restore(s RNGState) error {
	if err := r.src.UnmarshalBinary([]byte(s)); err != nil {
		return fmt.Errorf("restoring rng state: %w", err)
	}
	return nil
}

// Perm returns a uniform random permutation of [0, n).
func (r *ReplayRNG) Perm(n int) []int {
	return r.rng.Perm(n)
}
