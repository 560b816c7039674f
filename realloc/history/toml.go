package history

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const eventKeyPrefix = "dyrealloc_"

// fileStrategyName converts a strategy name to its filename form
// (underscores become hyphens, e.g. grad_norm → grad-norm).
func fileStrategyName(strategy string) string {
	return strings.ReplaceAll(strategy, "_", "-")
}

// HistoryPath returns <dir>/reallocation_history_<strategy>_<HH-MM-SS>.toml.
func HistoryPath(dir, strategy string, at time.Time) string {
	name := fmt.Sprintf("reallocation_history_%s_%s.toml", fileStrategyName(strategy), at.Format("15-04-05"))
	return filepath.Join(dir, name)
}

// FrequencyPath returns the sibling frequency summary path.
func FrequencyPath(dir, strategy string, at time.Time) string {
	name := fmt.Sprintf("reallocation_frequency_%s_%s.toml", fileStrategyName(strategy), at.Format("15-04-05"))
	return filepath.Join(dir, name)
}

// WriteHistory persists the full history. Events are written as tables
// dyrealloc_0, dyrealloc_1, ... in chronological order, each holding the
// epoch, step, and the per-module turn_on rows [layer, proj, score, on].
// The file is written whole and renamed into place so a crash mid-write
// never leaves a truncated document.
func WriteHistory(path string, h *History) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)

	if h.MaxAlpha > 0 {
		if err := enc.Encode(map[string]int{"max_alpha": h.MaxAlpha}); err != nil {
			return fmt.Errorf("encoding reallocation history: %w", err)
		}
	}
	for i, ev := range h.Events {
		rows := make([][]any, 0, len(ev.Entries))
		for _, e := range ev.Entries {
			rows = append(rows, []any{e.Layer, e.Proj, e.Score, e.TurnedOn})
		}
		doc := map[string]map[string]any{
			eventKeyPrefix + strconv.Itoa(i): {
				"epoch":   ev.Epoch,
				"step":    ev.Step,
				"turn_on": rows,
			},
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding reallocation history: %w", err)
		}
	}

	return writeFileAtomic(path, buf.Bytes())
}

// WriteFrequency persists the summary: total_reallocation_number followed by
// one layer_<i> table per layer in ascending layer order.
func WriteFrequency(path string, summary *FrequencySummary) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)

	if err := enc.Encode(map[string]int{"total_reallocation_number": summary.TotalReallocations}); err != nil {
		return fmt.Errorf("encoding frequency summary: %w", err)
	}

	layers := make([]int, 0, len(summary.Counts))
	for layer := range summary.Counts {
		layers = append(layers, layer)
	}
	sort.Ints(layers)
	for _, layer := range layers {
		doc := map[string]map[string]int{
			fmt.Sprintf("layer_%d", layer): summary.Counts[layer],
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding frequency summary: %w", err)
		}
	}

	return writeFileAtomic(path, buf.Bytes())
}

// eventDoc mirrors one dyrealloc_<i> table on disk.
type eventDoc struct {
	Epoch  int     `toml:"epoch"`
	Step   int     `toml:"step"`
	TurnOn [][]any `toml:"turn_on"`
}

// ReadHistory parses a persisted history file back into memory.
func ReadHistory(path string) (*History, error) {
	var raw map[string]toml.Primitive
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("reading reallocation history %s: %w", path, err)
	}

	h := New(0)
	if prim, ok := raw["max_alpha"]; ok {
		if err := meta.PrimitiveDecode(prim, &h.MaxAlpha); err != nil {
			return nil, fmt.Errorf("reading reallocation history %s: max_alpha: %w", path, err)
		}
	}

	indices := make([]int, 0, len(raw))
	for key := range raw {
		if !strings.HasPrefix(key, eventKeyPrefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(key, eventKeyPrefix))
		if err != nil {
			return nil, fmt.Errorf("reading reallocation history %s: bad event key %q", path, key)
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		var doc eventDoc
		if err := meta.PrimitiveDecode(raw[eventKeyPrefix+strconv.Itoa(idx)], &doc); err != nil {
			return nil, fmt.Errorf("reading reallocation history %s: event %d: %w", path, idx, err)
		}
		ev := Event{Epoch: doc.Epoch, Step: doc.Step}
		for r, row := range doc.TurnOn {
			entry, err := parseEntry(row)
			if err != nil {
				return nil, fmt.Errorf("reading reallocation history %s: event %d row %d: %w", path, idx, r, err)
			}
			ev.Entries = append(ev.Entries, entry)
		}
		h.Append(ev)
	}
	return h, nil
}

// parseEntry converts a [layer, proj, score, turned_on] row. TOML integers
// decode as int64 and floats as float64; a score recorded at an integral
// value may come back as either.
func parseEntry(row []any) (Entry, error) {
	if len(row) != 4 {
		return Entry{}, fmt.Errorf("expected 4 elements, got %d", len(row))
	}
	layer, ok := row[0].(int64)
	if !ok {
		return Entry{}, fmt.Errorf("layer index is %T, want integer", row[0])
	}
	proj, ok := row[1].(string)
	if !ok {
		return Entry{}, fmt.Errorf("projection name is %T, want string", row[1])
	}
	var score float64
	switch v := row[2].(type) {
	case float64:
		score = v
	case int64:
		score = float64(v)
	default:
		return Entry{}, fmt.Errorf("score is %T, want number", row[2])
	}
	on, ok := row[3].(bool)
	if !ok {
		return Entry{}, fmt.Errorf("turned_on is %T, want bool", row[3])
	}
	return Entry{Layer: int(layer), Proj: proj, Score: score, TurnedOn: on}, nil
}

// ReadFrequency parses a persisted frequency summary file.
func ReadFrequency(path string) (*FrequencySummary, error) {
	var raw map[string]toml.Primitive
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("reading frequency summary %s: %w", path, err)
	}

	summary := &FrequencySummary{Counts: make(map[int]map[string]int)}
	if prim, ok := raw["total_reallocation_number"]; ok {
		if err := meta.PrimitiveDecode(prim, &summary.TotalReallocations); err != nil {
			return nil, fmt.Errorf("reading frequency summary %s: total_reallocation_number: %w", path, err)
		}
	}
	for key, prim := range raw {
		if !strings.HasPrefix(key, "layer_") {
			continue
		}
		layer, err := strconv.Atoi(strings.TrimPrefix(key, "layer_"))
		if err != nil {
			return nil, fmt.Errorf("reading frequency summary %s: bad layer key %q", path, key)
		}
		counts := make(map[string]int)
		if err := meta.PrimitiveDecode(prim, &counts); err != nil {
			return nil, fmt.Errorf("reading frequency summary %s: %s: %w", path, key, err)
		}
		summary.Counts[layer] = counts
	}
	return summary, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
