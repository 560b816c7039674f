package nn

import (
	"gonum.org/v1/gonum/mat"

	"github.com/dyrealloc/dyrealloc/realloc"
	"github.com/dyrealloc/dyrealloc/realloc/data"
)

// Backward runs forward and backward on a batch, accumulating gradients
// into every parameter whose RequiresGrad flag is set. Gradients always
// propagate through frozen weights; the flag only gates accumulation.
// Returns the mean batch loss.
func (n *Network) Backward(b *data.Batch) (float64, error) {
	return n.backprop(b, false)
}

// BackwardOnes runs forward and backward on the all-ones embedding input
// with the batch's labels. The embedding is bypassed, so it receives no
// gradient even when trainable.
func (n *Network) BackwardOnes(b *data.Batch) (float64, error) {
	return n.backprop(b, true)
}

func (n *Network) backprop(b *data.Batch, synthetic bool) (float64, error) {
	p, out, err := n.forward(b, synthetic)
	if err != nil {
		return 0, err
	}

	dim := n.spec.EmbedDim
	invSize := 1 / float64(b.Size())
	for s := 0; s < b.Size(); s++ {
		// Softmax cross-entropy: dlogits = (prob - onehot(label)) / N.
		dlogits := mat.NewVecDense(n.spec.NumTargets, nil)
		for i, pr := range p.prob[s] {
			dlogits.SetVec(i, pr*invSize)
		}
		dlogits.SetVec(b.Labels[s], dlogits.AtVec(b.Labels[s])-invSize)

		if n.head.RequiresGrad {
			n.head.Grad.RankOne(n.head.Grad, 1, dlogits, p.hout[s])
		}
		if n.headBias.RequiresGrad {
			for i := 0; i < n.spec.NumTargets; i++ {
				n.headBias.Grad.Set(i, 0, n.headBias.Grad.At(i, 0)+dlogits.AtVec(i))
			}
		}

		g := mat.NewVecDense(dim, nil)
		g.MulVec(n.head.W.T(), dlogits)

		for l := len(n.layers) - 1; l >= 0; l-- {
			layer := n.layers[l]
			h := p.hin[l][s]
			u := p.u[l][s]

			dz := mat.NewVecDense(dim, nil)
			for i := 0; i < dim; i++ {
				ui := u.AtVec(i)
				dz.SetVec(i, g.AtVec(i)*(1-ui*ui))
			}

			dh := mat.NewVecDense(dim, nil)
			dh.CopyVec(g)

			if n.spec.AGS {
				for _, proj := range realloc.ShortcutProjections {
					n.branchBackward(p, layer.sites.Adapter(proj), g, h, dh)
				}
			}

			if layer.base.RequiresGrad {
				layer.base.Grad.RankOne(layer.base.Grad, 1, dz, h)
			}
			tmp := mat.NewVecDense(dim, nil)
			tmp.MulVec(layer.base.W.T(), dz)
			dh.AddVec(dh, tmp)

			for _, proj := range n.projs {
				n.branchBackward(p, layer.sites.Adapter(proj), dz, h, dh)
			}

			g = dh
		}

		if !synthetic && n.embed.RequiresGrad {
			n.scatterEmbed(b, s, g, p.tokens[s])
		}
	}
	return out.Loss, nil
}

// branchBackward accumulates one branch's factor (or mask) gradients for
// upstream gradient delta at input h, and adds the branch's input gradient
// to dh. Skips branches that contributed nothing to the forward pass.
func (n *Network) branchBackward(p *pass, a *realloc.Adapter, delta, h, dh *mat.VecDense) {
	e, ok := p.eff[a]
	if !ok {
		return
	}
	rank, dim := e.a.Dims()

	av := mat.NewVecDense(rank, nil)
	av.MulVec(e.a, h)
	btd := mat.NewVecDense(rank, nil)
	btd.MulVec(e.b.T(), delta)

	v := a.Active()
	if a.Mode == realloc.ForwardMasked && a.MaskA != nil {
		// Gradients of the effective factors, then chain through the
		// elementwise mask products.
		dAeff := mat.NewDense(rank, dim, nil)
		dAeff.RankOne(dAeff, e.gamma, btd, h)
		dBeff := mat.NewDense(dim, rank, nil)
		dBeff.RankOne(dBeff, e.gamma, delta, av)

		scratch := mat.NewDense(rank, dim, nil)
		if a.MaskA.RequiresGrad {
			scratch.MulElem(dAeff, v.A.W)
			a.MaskA.Grad.Add(a.MaskA.Grad, scratch)
		}
		if v.A.RequiresGrad {
			scratch.MulElem(dAeff, a.MaskA.W)
			v.A.Grad.Add(v.A.Grad, scratch)
		}
		scratchB := mat.NewDense(dim, rank, nil)
		if a.MaskB.RequiresGrad {
			scratchB.MulElem(dBeff, v.B.W)
			a.MaskB.Grad.Add(a.MaskB.Grad, scratchB)
		}
		if v.B.RequiresGrad {
			scratchB.MulElem(dBeff, a.MaskB.W)
			v.B.Grad.Add(v.B.Grad, scratchB)
		}
	} else {
		if v.A.RequiresGrad {
			v.A.Grad.RankOne(v.A.Grad, e.gamma, btd, h)
		}
		if v.B.RequiresGrad {
			v.B.Grad.RankOne(v.B.Grad, e.gamma, delta, av)
		}
	}

	din := mat.NewVecDense(dim, nil)
	din.MulVec(e.a.T(), btd)
	dh.AddScaledVec(dh, e.gamma, din)
}

// scatterEmbed routes the pooled-input gradient back to the embedding rows
// of the sample's unmasked tokens.
func (n *Network) scatterEmbed(b *data.Batch, s int, g *mat.VecDense, count float64) {
	inv := 1 / count
	for t, id := range b.InputIDs[s] {
		if b.AttentionMask[s][t] == 0 {
			continue
		}
		for j := 0; j < n.spec.EmbedDim; j++ {
			n.embed.Grad.Set(id, j, n.embed.Grad.At(id, j)+g.AtVec(j)*inv)
		}
	}
}
