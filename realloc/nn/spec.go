package nn

import (
	"fmt"

	"github.com/dyrealloc/dyrealloc/realloc"
)

// Spec describes the reference network's shape. The network is a small
// residual decoder stack: frozen token embedding, per-layer frozen base
// projection with low-rank adapter branches, and a trainable output head.
// With AGS set, every layer additionally carries the shortcut adapter
// family on its residual path.
type Spec struct {
	Task        string   `yaml:"task"`
	VocabSize   int      `yaml:"vocab_size"`
	EmbedDim    int      `yaml:"embed_dim"`
	NumLayers   int      `yaml:"num_layers"`
	Rank        int      `yaml:"rank"`
	NumTargets  int      `yaml:"num_targets"`
	LoraAlpha   float64  `yaml:"lora_alpha,omitempty"`  // 0 defaults to Rank (scaling 1)
	Projections []string `yaml:"projections,omitempty"` // empty defaults to all low-rank sites
	AGS         bool     `yaml:"ags,omitempty"`
	Seed        int64    `yaml:"seed"`
}

// withDefaults returns a copy with the optional fields resolved.
func (s Spec) withDefaults() Spec {
	if s.LoraAlpha == 0 {
		s.LoraAlpha = float64(s.Rank)
	}
	if len(s.Projections) == 0 {
		s.Projections = make([]string, 0, len(realloc.LoraProjections))
		for _, p := range realloc.LoraProjections {
			s.Projections = append(s.Projections, string(p))
		}
	}
	return s
}

// Validate checks the network shape. Summarization is rejected here: the
// reference stack is a decoder with a flat output head and cannot stand in
// for an encoder-decoder, so a config asking for it must fail before any
// training starts.
func (s *Spec) Validate() error {
	task, err := realloc.ParseTask(s.Task)
	if err != nil {
		return err
	}
	if task == realloc.TaskSummarization {
		return fmt.Errorf("task summarization needs an encoder-decoder; the reference network supports classification and causal_language_modeling")
	}
	if s.VocabSize < 2 {
		return fmt.Errorf("vocab_size must be at least 2, got %d", s.VocabSize)
	}
	if s.EmbedDim < 1 {
		return fmt.Errorf("embed_dim must be positive, got %d", s.EmbedDim)
	}
	if s.NumLayers < 1 {
		return fmt.Errorf("num_layers must be positive, got %d", s.NumLayers)
	}
	if s.Rank < 1 {
		return fmt.Errorf("rank must be positive, got %d", s.Rank)
	}
	if s.NumTargets < 2 {
		return fmt.Errorf("num_targets must be at least 2, got %d", s.NumTargets)
	}
	if task == realloc.TaskCausalLM && s.NumTargets != s.VocabSize {
		return fmt.Errorf("causal_language_modeling predicts tokens: num_targets %d must equal vocab_size %d", s.NumTargets, s.VocabSize)
	}
	if s.LoraAlpha < 0 {
		return fmt.Errorf("lora_alpha must be non-negative, got %g", s.LoraAlpha)
	}
	for _, name := range s.Projections {
		p, err := realloc.ParseProjection(name)
		if err != nil {
			return err
		}
		if p.IsShortcut() {
			return fmt.Errorf("projection %q belongs to the shortcut family; set ags instead of listing it", name)
		}
	}
	return nil
}

// projections returns the configured low-rank sites in hash order.
func (s Spec) projections() []realloc.Projection {
	want := make(map[realloc.Projection]bool, len(s.Projections))
	for _, name := range s.Projections {
		want[realloc.Projection(name)] = true
	}
	ordered := make([]realloc.Projection, 0, len(want))
	for _, p := range realloc.LoraProjections {
		if want[p] {
			ordered = append(ordered, p)
		}
	}
	return ordered
}
