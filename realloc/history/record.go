// Package history provides append-only recording of reallocation decisions
// and the derived activation-frequency summary, persisted as TOML documents.
// This package has no dependencies on the rest of the pipeline; it stores
// pure data types.
package history

// Entry captures one module's outcome within a reallocation round.
type Entry struct {
	Layer    int
	Proj     string
	Score    float64
	TurnedOn bool
}

// Event is one complete reallocation decision: where in training it fired
// and the per-module outcomes, in scoring order. Never mutated once appended.
type Event struct {
	Epoch   int
	Step    int
	Entries []Entry
}

// ModuleRef identifies an adapter site across events.
type ModuleRef struct {
	Layer int
	Proj  string
}
