// Package nn implements the reference network the reallocation pipeline
// trains and scores. It is a deliberately small residual decoder stack
// computed with gonum dense matrices: a frozen token embedding is
// mean-pooled under the attention mask, each layer applies a frozen base
// projection plus its enabled low-rank adapter branches through a tanh,
// and a trainable linear head produces class or vocabulary logits. In the
// AGS variant each layer also carries shortcut adapter branches on its
// residual path.
//
// The network satisfies the pipeline's model contract: adapter sites are
// exposed through DecoderLayers and every weight through NamedParameters,
// so the scoring strategies can toggle, dampen, mask, freeze, and read
// gradients without knowing the architecture. Backward passes honor
// per-parameter RequiresGrad flags while always propagating through frozen
// weights, which is what lets adapter-only fine-tuning see gradient signal
// everywhere.
package nn

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/dyrealloc/dyrealloc/realloc"
)

// Network is the reference model. It is not safe for concurrent use; the
// training loop, strategies, and evaluation all run on one goroutine.
type Network struct {
	spec  Spec
	task  realloc.Task
	projs []realloc.Projection

	embed    *realloc.Param // VocabSize × EmbedDim, frozen
	layers   []*decoderLayer
	view     []*realloc.Layer
	head     *realloc.Param // NumTargets × EmbedDim
	headBias *realloc.Param // NumTargets × 1
}

// decoderLayer pairs a layer's frozen base projection with its adapter
// sites. The sites live in the registry Layer so the pipeline can reach
// them; the base weight is architecture-private.
type decoderLayer struct {
	base  *realloc.Param // EmbedDim × EmbedDim, frozen
	sites *realloc.Layer
}

// NewNetwork builds and initializes the network. All weights are drawn
// from a seed-derived generator, so two networks built from the same Spec
// are identical. Both adapter factors start non-zero: a zero
// factor would blank the gradient and weight-product signals the scoring
// strategies read in the very first round.
func NewNetwork(spec Spec) (*Network, error) {
	spec = spec.withDefaults()
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("building reference network: %w", err)
	}
	task, _ := realloc.ParseTask(spec.Task)

	rng := rand.New(rand.NewSource(spec.Seed))
	scale := 1 / math.Sqrt(float64(spec.EmbedDim))

	n := &Network{
		spec:     spec,
		task:     task,
		projs:    spec.projections(),
		embed:    gaussianParam(rng, spec.VocabSize, spec.EmbedDim, scale),
		head:     gaussianParam(rng, spec.NumTargets, spec.EmbedDim, scale),
		headBias: realloc.NewParam(spec.NumTargets, 1),
	}
	n.embed.RequiresGrad = false

	for i := 0; i < spec.NumLayers; i++ {
		base := gaussianParam(rng, spec.EmbedDim, spec.EmbedDim, scale)
		base.RequiresGrad = false

		sites := &realloc.Layer{Index: i, Adapters: make(map[realloc.Projection]*realloc.Adapter)}
		for _, p := range n.projs {
			sites.Adapters[p] = newAdapter(rng, i, p, spec, scale)
		}
		if spec.AGS {
			for _, p := range realloc.ShortcutProjections {
				sites.Adapters[p] = newAdapter(rng, i, p, spec, scale)
			}
		}
		n.layers = append(n.layers, &decoderLayer{base: base, sites: sites})
		n.view = append(n.view, sites)
	}
	return n, nil
}

// newAdapter builds one low-rank site with a single configured variant at
// the configured rank. The B factor starts an order of magnitude smaller than A
// so the branch perturbs the frozen function only slightly at step zero.
func newAdapter(rng *rand.Rand, layer int, p realloc.Projection, spec Spec, scale float64) *realloc.Adapter {
	return &realloc.Adapter{
		LayerIndex: layer,
		Proj:       p,
		Variants: map[string]*realloc.AdapterVariant{
			"default": {
				Rank: spec.Rank,
				A:    gaussianParam(rng, spec.Rank, spec.EmbedDim, scale),
				B:    gaussianParam(rng, spec.EmbedDim, spec.Rank, 0.1*scale),
			},
		},
		ActiveVariant:   "default",
		ImportanceScale: 1,
		Scaling:         spec.LoraAlpha / float64(spec.Rank),
	}
}

// gaussianParam allocates a parameter filled with scaled normal draws.
func gaussianParam(rng *rand.Rand, rows, cols int, scale float64) *realloc.Param {
	p := realloc.NewParam(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			p.W.Set(i, j, rng.NormFloat64()*scale)
		}
	}
	return p
}

// Spec returns the resolved network spec.
func (n *Network) Spec() Spec { return n.spec }

// Task returns the downstream objective the network was built for.
func (n *Network) Task() realloc.Task { return n.task }

// DecoderLayers exposes the adapter sites in stable index order.
func (n *Network) DecoderLayers() []*realloc.Layer { return n.view }

// NamedParameters visits every weight under a stable unique name:
// the embedding, then per layer the base weight followed by each site's
// factors in projection hash order with variant names sorted, then the
// head. SNIP masks are temporary and are not named.
func (n *Network) NamedParameters(visit func(name string, p *realloc.Param) bool) {
	if !visit("embed.weight", n.embed) {
		return
	}
	for i, l := range n.layers {
		if !visit(fmt.Sprintf("layers.%d.base.weight", i), l.base) {
			return
		}
		for _, proj := range allProjections() {
			a := l.sites.Adapter(proj)
			if a == nil {
				continue
			}
			variants := make([]string, 0, len(a.Variants))
			for name := range a.Variants {
				variants = append(variants, name)
			}
			sort.Strings(variants)
			for _, vn := range variants {
				v := a.Variants[vn]
				if !visit(fmt.Sprintf("layers.%d.%s.%s.lora_A", i, proj, vn), v.A) {
					return
				}
				if !visit(fmt.Sprintf("layers.%d.%s.%s.lora_B", i, proj, vn), v.B) {
					return
				}
			}
		}
	}
	if !visit("head.weight", n.head) {
		return
	}
	visit("head.bias", n.headBias)
}

// allProjections returns both families in hash order.
func allProjections() []realloc.Projection {
	out := make([]realloc.Projection, 0, len(realloc.LoraProjections)+len(realloc.ShortcutProjections))
	out = append(out, realloc.LoraProjections...)
	out = append(out, realloc.ShortcutProjections...)
	return out
}

// ZeroGrad clears every named parameter's gradient and the gradients of any
// attached masks.
func (n *Network) ZeroGrad() {
	n.NamedParameters(func(_ string, p *realloc.Param) bool {
		p.ZeroGrad()
		return true
	})
	for _, l := range n.layers {
		for _, a := range l.sites.Adapters {
			if a.MaskA != nil {
				a.MaskA.ZeroGrad()
			}
			if a.MaskB != nil {
				a.MaskB.ZeroGrad()
			}
		}
	}
}

// effFactors is one adapter branch resolved for a pass: the factor matrices
// after mask application and the combined branch gain.
type effFactors struct {
	a, b  *mat.Dense
	gamma float64
}

// effective resolves an adapter for the current pass. The second return is
// false when the branch contributes nothing: structurally absent, disabled,
// or dampened to zero.
func effective(a *realloc.Adapter) (effFactors, bool) {
	if a == nil || !a.Live() || !a.Enabled() {
		return effFactors{}, false
	}
	gamma := a.Scaling * a.ImportanceScale
	if gamma == 0 {
		return effFactors{}, false
	}
	v := a.Active()
	if a.Mode == realloc.ForwardMasked && a.MaskA != nil {
		ra, ca := v.A.W.Dims()
		rb, cb := v.B.W.Dims()
		ea := mat.NewDense(ra, ca, nil)
		ea.MulElem(v.A.W, a.MaskA.W)
		eb := mat.NewDense(rb, cb, nil)
		eb.MulElem(v.B.W, a.MaskB.W)
		return effFactors{a: ea, b: eb, gamma: gamma}, true
	}
	return effFactors{a: v.A.W, b: v.B.W, gamma: gamma}, true
}
