// Package realloc implements dynamic reallocation of low-rank adapter
// capacity across the layers of a transformer during fine-tuning.
//
// # Reading Guide
//
// Start with these three files to understand the reallocation round:
//   - adapter.go: Adapter state (variants, enable flags, masks) and model traversal
//   - strategy.go: The Strategy interface, the scoring environment, and the factory
//   - controller.go: The round driver (scoring → selecting → applying → persisting)
//
// # Architecture
//
// The realloc package defines the interfaces and the round machinery;
// supporting pieces live in sub-packages:
//   - realloc/data/: Datasets, batching, sequential and mixed loaders
//   - realloc/history/: Reallocation history records and TOML persistence
//   - realloc/nn/: A small gonum-backed network that satisfies Model
//   - realloc/train/: Training loop, optimizer, metrics, and the Harness adapter
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - Strategy: score every live adapter module, one number per module
//   - Model: expose decoder layers and named parameters for traversal
//   - Harness: run training steps, synthetic passes, and held-out evaluation
//
// Scoring strategies that consume randomness (mixed-loader shuffles, tie
// breaking in selection) draw from a ReplayRNG whose byte state is captured
// before and restored after every draw, so a recorded run replays exactly.
package realloc
