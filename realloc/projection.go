package realloc

import "fmt"

// Projection identifies an adapter attachment site within a decoder layer.
type Projection string

const (
	ProjQ   Projection = "q_proj"
	ProjK   Projection = "k_proj"
	ProjV   Projection = "v_proj"
	ProjOut Projection = "out_proj"
	ProjFC1 Projection = "fc1"
	ProjFC2 Projection = "fc2"

	// Shortcut family, present only in the AGS model variant.
	ProjResidual1   Projection = "residual_1"
	ProjResidual2   Projection = "residual_2"
	ProjShortcutSA  Projection = "shortcut_sa"
	ProjShortcutFFN Projection = "shortcut_ffn"
)

// projectionHash fixes the identity ordering of adapter sites. The values
// are part of the replay contract: iteration and tie positions depend on
// them, so they must never be renumbered.
var projectionHash = map[Projection]int{
	ProjQ:           0,
	ProjK:           1,
	ProjV:           2,
	ProjOut:         3,
	ProjFC1:         4,
	ProjFC2:         5,
	ProjResidual1:   6,
	ProjResidual2:   7,
	ProjShortcutSA:  8,
	ProjShortcutFFN: 9,
}

// LoraProjections lists the low-rank adapter sites in hash order.
var LoraProjections = []Projection{ProjQ, ProjK, ProjV, ProjOut, ProjFC1, ProjFC2}

// ShortcutProjections lists the AGS shortcut sites in hash order.
var ShortcutProjections = []Projection{ProjResidual1, ProjResidual2, ProjShortcutSA, ProjShortcutFFN}

// Hash returns the projection's fixed ordering value.
func (p Projection) Hash() int {
	h, ok := projectionHash[p]
	if !ok {
		panic(fmt.Sprintf("unknown projection %q", p))
	}
	return h
}

// IsShortcut reports whether the site belongs to the AGS shortcut family.
func (p Projection) IsShortcut() bool {
	return p.Hash() >= ProjResidual1.Hash()
}

// ParseProjection validates a projection name.
func ParseProjection(s string) (Projection, error) {
	p := Projection(s)
	if _, ok := projectionHash[p]; !ok {
		return "", fmt.Errorf("unknown projection %q", s)
	}
	return p, nil
}

// ModuleKey identifies one adapter site across the whole model.
type ModuleKey struct {
	Layer int
	Proj  Projection
}

func (k ModuleKey) String() string {
	return fmt.Sprintf("layer_%d.%s", k.Layer, k.Proj)
}
