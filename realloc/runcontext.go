package realloc

// RunContext describes this process's position in a data-parallel run.
// Decisions may be computed on every rank against identical shared model
// state; persistence happens only on the coordinator.
type RunContext struct {
	Rank      int
	WorldSize int
}

// IsCoordinator reports whether this rank performs the persistence writes.
func (rc RunContext) IsCoordinator() bool {
	return rc.Rank == 0
}

// Devices returns the world size, treating an unset value as a single
// replica.
func (rc RunContext) Devices() int {
	if rc.WorldSize < 1 {
		return 1
	}
	return rc.WorldSize
}
