package realloc

import (
	"gonum.org/v1/gonum/mat"
)

// === Parameters ===

// Param is a weight-bearing tensor with its accumulated gradient.
// Gradients are only written by a backward pass when RequiresGrad is set.
type Param struct {
	W            *mat.Dense
	Grad         *mat.Dense
	RequiresGrad bool
}

// NewParam allocates a zero-valued parameter with gradient storage.
func NewParam(rows, cols int) *Param {
	return &Param{
		W:            mat.NewDense(rows, cols, nil),
		Grad:         mat.NewDense(rows, cols, nil),
		RequiresGrad: true,
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// === Adapters ===

// ForwardMode selects how an adapter's contribution is computed. The normal
// path uses the factors directly; the masked path multiplies each factor by
// its attached mask so mask gradients carry saliency (the dispatch replaces
// runtime method rebinding).
type ForwardMode int

const (
	ForwardNormal ForwardMode = iota
	ForwardMasked
)

// AdapterVariant is one configured low-rank decomposition: B·A with the
// given rank. A is rank×in, B is out×rank.
type AdapterVariant struct {
	Rank int
	A    *Param
	B    *Param
}

// Adapter is one low-rank adapter attached to a projection site. A site may
// carry several configured variants; ActiveVariant selects the one in use.
// Disabled gates the branch on/off; ImportanceScale dampens it continuously
// in [0,1] and is the knob the alpha-importance bisection turns.
type Adapter struct {
	LayerIndex      int
	Proj            Projection
	Variants        map[string]*AdapterVariant
	ActiveVariant   string
	Disabled        bool
	ImportanceScale float64
	Scaling         float64 // lora_alpha / rank, folded into the branch output

	Mode         ForwardMode
	MaskA, MaskB *Param
}

// Key returns the adapter's model-wide identity.
func (a *Adapter) Key() ModuleKey {
	return ModuleKey{Layer: a.LayerIndex, Proj: a.Proj}
}

// Active returns the active variant, or nil when none is configured.
func (a *Adapter) Active() *AdapterVariant {
	return a.Variants[a.ActiveVariant]
}

// Live reports whether the adapter participates in scoring and toggling:
// the active variant must exist and have rank > 0. Anything else is
// structurally absent.
func (a *Adapter) Live() bool {
	v := a.Active()
	return v != nil && v.Rank > 0
}

// Enabled reports whether the adapter branch contributes to the forward pass.
func (a *Adapter) Enabled() bool {
	return !a.Disabled
}

// SetEnabled toggles the adapter branch.
func (a *Adapter) SetEnabled(on bool) {
	a.Disabled = !on
}

// AttachMask installs ones-valued multiplicative masks over both factors and
// switches the adapter to the masked forward path. Mask gradients start at
// zero and are the only gradients SNIP reads.
func (a *Adapter) AttachMask() {
	v := a.Active()
	a.MaskA = onesLike(v.A)
	a.MaskB = onesLike(v.B)
	a.Mode = ForwardMasked
}

// DetachMask removes the masks and restores the normal forward path.
func (a *Adapter) DetachMask() {
	a.MaskA = nil
	a.MaskB = nil
	a.Mode = ForwardNormal
}

func onesLike(p *Param) *Param {
	rows, cols := p.W.Dims()
	ones := NewParam(rows, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			ones.W.Set(i, j, 1)
		}
	}
	return ones
}

// === Model view ===

// Layer is one decoder layer's adapter sites. Layers own their adapters;
// everything else holds only (layer, projection) references.
type Layer struct {
	Index    int
	Adapters map[Projection]*Adapter
}

// Adapter returns the site's adapter, or nil when the site is not present.
func (l *Layer) Adapter(p Projection) *Adapter {
	return l.Adapters[p]
}

// Model is the capability contract the pipeline consumes: any model exposing
// ordered decoder layers with named adapter sub-modules and enumerable
// parameters satisfies it. Temporary SNIP masks are not named parameters.
type Model interface {
	// DecoderLayers returns the layers in stable index order.
	DecoderLayers() []*Layer
	// NamedParameters visits every parameter under a stable unique name.
	// Returning false from the visitor stops the walk.
	NamedParameters(visit func(name string, p *Param) bool)
}

// forEachSite visits live adapters over the given projection family in
// descending layer order, fixed projection order. Later layers come first:
// the position feeds tie-breaking, and reproducibility requires preserving
// this exact order.
func forEachSite(m Model, projs []Projection, visit func(a *Adapter) error) error {
	layers := m.DecoderLayers()
	for i := len(layers) - 1; i >= 0; i-- {
		for _, p := range projs {
			a := layers[i].Adapter(p)
			if a == nil || !a.Live() {
				continue
			}
			if err := visit(a); err != nil {
				return err
			}
		}
	}
	return nil
}

// ForEachAdapter visits the live low-rank adapters in scoring order.
func ForEachAdapter(m Model, visit func(a *Adapter) error) error {
	return forEachSite(m, LoraProjections, visit)
}

// ForEachShortcut visits the live AGS shortcut modules in scoring order.
func ForEachShortcut(m Model, visit func(a *Adapter) error) error {
	return forEachSite(m, ShortcutProjections, visit)
}

// CountLive returns the live module counts per family.
func CountLive(m Model) (lora, shortcut int) {
	ForEachAdapter(m, func(*Adapter) error { lora++; return nil })
	ForEachShortcut(m, func(*Adapter) error { shortcut++; return nil })
	return lora, shortcut
}

// EnableAll force-enables every live module in both families. A prior
// round's exclusions must not bias the next round's measurement.
func EnableAll(m Model) {
	enable := func(a *Adapter) error {
		a.SetEnabled(true)
		return nil
	}
	ForEachAdapter(m, enable)
	ForEachShortcut(m, enable)
}

// === Trainable-flag snapshots ===

// TrainableSnapshot captures every named parameter's RequiresGrad flag.
type TrainableSnapshot map[string]bool

// SnapshotTrainable records the current flags.
func SnapshotTrainable(m Model) TrainableSnapshot {
	snap := make(TrainableSnapshot)
	m.NamedParameters(func(name string, p *Param) bool {
		snap[name] = p.RequiresGrad
		return true
	})
	return snap
}

// Restore reinstalls the recorded flags.
func (s TrainableSnapshot) Restore(m Model) {
	m.NamedParameters(func(name string, p *Param) bool {
		if was, ok := s[name]; ok {
			p.RequiresGrad = was
		}
		return true
	})
}

// SetAllTrainable sets every named parameter's RequiresGrad flag.
func SetAllTrainable(m Model, on bool) {
	m.NamedParameters(func(_ string, p *Param) bool {
		p.RequiresGrad = on
		return true
	})
}
