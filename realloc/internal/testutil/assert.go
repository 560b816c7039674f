// Package testutil provides shared float assertion helpers used across the
// nn/ and train/ test packages.
package testutil

import (
	"math"
	"testing"
)

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertWithin compares two float64 values under a combined absolute and
// relative tolerance: |want-got| must not exceed absTol + relTol*max(|want|,
// |got|). Suited to gradient checks where values range from near zero to
// order one.
func AssertWithin(t *testing.T, name string, want, got, absTol, relTol float64) {
	t.Helper()
	diff := math.Abs(want - got)
	bound := absTol + relTol*math.Max(math.Abs(want), math.Abs(got))
	if diff > bound {
		t.Errorf("%s: got %v, want %v (diff=%v exceeds %v)", name, got, want, diff, bound)
	}
}
