package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/dyrealloc/dyrealloc/realloc"
	"github.com/dyrealloc/dyrealloc/realloc/data"
)

// Output summarizes one forward pass. Loss is the mean cross-entropy over
// the batch. Correct counts samples whose argmax logit hits the label; it
// is the accuracy numerator for classification and incidental otherwise.
type Output struct {
	Loss    float64
	Correct int
	Total   int
}

// pass caches everything a backward pass needs, per layer and per sample.
type pass struct {
	synthetic bool
	x         []*mat.VecDense // pooled embedding per sample
	tokens    []float64       // unmasked token count per sample
	hin       [][]*mat.VecDense
	u         [][]*mat.VecDense
	hout      []*mat.VecDense // final hidden state per sample
	prob      [][]float64
	eff       map[*realloc.Adapter]effFactors
}

// Forward runs the network on a batch without touching gradients.
func (n *Network) Forward(b *data.Batch) (*Output, error) {
	_, out, err := n.forward(b, false)
	return out, err
}

// ForwardOnes runs the network on the all-ones embedding input while
// keeping the batch's labels, without touching gradients.
func (n *Network) ForwardOnes(b *data.Batch) (*Output, error) {
	_, out, err := n.forward(b, true)
	return out, err
}

func (n *Network) forward(b *data.Batch, synthetic bool) (*pass, *Output, error) {
	if b == nil || b.Size() == 0 {
		return nil, nil, fmt.Errorf("forward pass on empty batch")
	}
	size := b.Size()
	dim := n.spec.EmbedDim

	p := &pass{
		synthetic: synthetic,
		x:         make([]*mat.VecDense, size),
		tokens:    make([]float64, size),
		hin:       make([][]*mat.VecDense, len(n.layers)),
		u:         make([][]*mat.VecDense, len(n.layers)),
		hout:      make([]*mat.VecDense, size),
		prob:      make([][]float64, size),
		eff:       n.resolveBranches(),
	}
	for l := range n.layers {
		p.hin[l] = make([]*mat.VecDense, size)
		p.u[l] = make([]*mat.VecDense, size)
	}

	out := &Output{Total: size}
	for s := 0; s < size; s++ {
		label := b.Labels[s]
		if label < 0 || label >= n.spec.NumTargets {
			return nil, nil, fmt.Errorf("sample %d: label %d outside target range [0, %d)", s, label, n.spec.NumTargets)
		}

		x, count, err := n.pool(b, s, synthetic)
		if err != nil {
			return nil, nil, err
		}
		p.x[s] = x
		p.tokens[s] = count

		h := x
		for l, layer := range n.layers {
			p.hin[l][s] = h

			z := mat.NewVecDense(dim, nil)
			z.MulVec(layer.base.W, h)
			for _, proj := range n.projs {
				addBranch(z, p.eff, layer.sites.Adapter(proj), h)
			}
			u := tanhVec(z)
			p.u[l][s] = u

			next := mat.NewVecDense(dim, nil)
			next.AddVec(h, u)
			if n.spec.AGS {
				for _, proj := range realloc.ShortcutProjections {
					addBranch(next, p.eff, layer.sites.Adapter(proj), h)
				}
			}
			h = next
		}
		p.hout[s] = h

		logits := n.logits(h)
		lse := floats.LogSumExp(logits)
		out.Loss += lse - logits[label]
		if floats.MaxIdx(logits) == label {
			out.Correct++
		}

		prob := make([]float64, len(logits))
		for i, v := range logits {
			prob[i] = math.Exp(v - lse)
		}
		p.prob[s] = prob
	}
	out.Loss /= float64(size)
	return p, out, nil
}

// resolveBranches fixes each site's effective factors and gain for the
// duration of one pass.
func (n *Network) resolveBranches() map[*realloc.Adapter]effFactors {
	eff := make(map[*realloc.Adapter]effFactors)
	for _, l := range n.layers {
		for _, a := range l.sites.Adapters {
			if e, ok := effective(a); ok {
				eff[a] = e
			}
		}
	}
	return eff
}

// pool mean-pools the sample's token embeddings under its attention mask.
// The synthetic path replaces every token embedding with the ones vector,
// which pools to the ones vector under any mask.
func (n *Network) pool(b *data.Batch, s int, synthetic bool) (*mat.VecDense, float64, error) {
	dim := n.spec.EmbedDim
	x := mat.NewVecDense(dim, nil)
	if synthetic {
		for i := 0; i < dim; i++ {
			x.SetVec(i, 1)
		}
		return x, 0, nil
	}

	count := 0.0
	for t, id := range b.InputIDs[s] {
		if b.AttentionMask[s][t] == 0 {
			continue
		}
		if id < 0 || id >= n.spec.VocabSize {
			return nil, 0, fmt.Errorf("sample %d: token id %d outside vocabulary [0, %d)", s, id, n.spec.VocabSize)
		}
		x.AddVec(x, n.embed.W.RowView(id))
		count++
	}
	if count == 0 {
		return nil, 0, fmt.Errorf("sample %d has no unmasked tokens", s)
	}
	x.ScaleVec(1/count, x)
	return x, count, nil
}

// addBranch adds gamma * B_eff * A_eff * h to dst for one resolved branch.
func addBranch(dst *mat.VecDense, eff map[*realloc.Adapter]effFactors, a *realloc.Adapter, h *mat.VecDense) {
	e, ok := eff[a]
	if !ok {
		return
	}
	rank, _ := e.a.Dims()
	av := mat.NewVecDense(rank, nil)
	av.MulVec(e.a, h)
	bv := mat.NewVecDense(dst.Len(), nil)
	bv.MulVec(e.b, av)
	dst.AddScaledVec(dst, e.gamma, bv)
}

// logits computes head * h + bias as a plain slice.
func (n *Network) logits(h *mat.VecDense) []float64 {
	targets := n.spec.NumTargets
	lv := mat.NewVecDense(targets, nil)
	lv.MulVec(n.head.W, h)
	out := make([]float64, targets)
	for i := range out {
		out[i] = lv.AtVec(i) + n.headBias.W.At(i, 0)
	}
	return out
}

// tanhVec applies tanh elementwise into a fresh vector.
func tanhVec(z *mat.VecDense) *mat.VecDense {
	u := mat.NewVecDense(z.Len(), nil)
	for i := 0; i < z.Len(); i++ {
		u.SetVec(i, math.Tanh(z.AtVec(i)))
	}
	return u
}
