package domain

import "time"

// Saturation buckets the palette's overall saturation, as produced by the
// Color Analyzer's HSV sweep.
type Saturation string

const (
	SaturationGrayscale     Saturation = "grayscale"
	SaturationMonochromatic Saturation = "monochromatic"
	SaturationMuted         Saturation = "muted"
	SaturationVibrant       Saturation = "vibrant"
)

// Palette is the refinable-style color block. DominantColors and Accents are
// always lowercase #rrggbb.
type Palette struct {
	DominantColors    []string   `json:"dominant_colors"`
	Accents           []string   `json:"accents"`
	ColorDescriptions []string   `json:"color_descriptions"`
	Saturation        Saturation `json:"saturation"`
	ValueRange        string     `json:"value_range"`
}

// LineAndShape describes stroke/edge/geometry character.
type LineAndShape struct {
	StrokeWeight   string `json:"stroke_weight"`
	EdgeTreatment  string `json:"edge_treatment"`
	Geometry       string `json:"geometry"`
	Proportions    string `json:"proportions"`
}

// Texture describes surface/rendering qualities.
type Texture struct {
	SurfaceQuality string `json:"surface_quality"`
	Detail         string `json:"detail"`
	RenderingStyle string `json:"rendering_style"`
}

// Lighting describes the light model.
type Lighting struct {
	Direction string `json:"direction"`
	Contrast  string `json:"contrast"`
	Mood      string `json:"mood"`
}

// Composition holds the refinable camera, framing, depth, and negative-space
// notes. The frozen structural description lives in
// FrozenIdentity.StructuralNotes.
type Composition struct {
	Camera        string `json:"camera"`
	Framing       string `json:"framing"`
	Depth         string `json:"depth"`
	NegativeSpace string `json:"negative_space"`
}

// Motifs is left empty at extraction time; motif discovery is out of scope.
type Motifs struct {
	RecurringElements []string `json:"recurring_elements"`
	ForbiddenElements []string `json:"forbidden_elements"`
}

// FrozenIdentity holds fields that must stay bit-identical across every
// version of a session's StyleProfile.
type FrozenIdentity struct {
	CoreInvariants      []string `json:"core_invariants"`
	OriginalSubject     string   `json:"original_subject"`
	StructuralNotes     string   `json:"structural_notes"`
	SuggestedTestPrompt string   `json:"suggested_test_prompt"`
}

// RefinableStyle holds every field the Critic is permitted to revise between
// iterations.
type RefinableStyle struct {
	Palette      Palette      `json:"palette"`
	LineAndShape LineAndShape `json:"line_and_shape"`
	Texture      Texture      `json:"texture"`
	Lighting     Lighting     `json:"lighting"`
	Composition  Composition  `json:"composition"`
	Motifs       Motifs       `json:"motifs"`
}

// StyleProfile is an append-only, versioned description of a session's
// reference style. Version 1 comes from the Extractor; later versions come
// from the Critic revising RefinableStyle while FrozenIdentity is carried
// forward bit-for-bit.
type StyleProfile struct {
	SessionID string         `json:"session_id"`
	Version   int            `json:"version"`
	Frozen    FrozenIdentity `json:"frozen_identity"`
	Style     RefinableStyle `json:"refinable_style"`
	CreatedAt time.Time      `json:"created_at"`
}

// SameFrozenIdentity reports whether two profiles carry an identical frozen
// identity block, the invariant the Critic is required to preserve.
func (p *StyleProfile) SameFrozenIdentity(other *StyleProfile) bool {
	a, b := p.Frozen, other.Frozen
	if a.OriginalSubject != b.OriginalSubject ||
		a.StructuralNotes != b.StructuralNotes ||
		a.SuggestedTestPrompt != b.SuggestedTestPrompt {
		return false
	}
	if len(a.CoreInvariants) != len(b.CoreInvariants) {
		return false
	}
	for i := range a.CoreInvariants {
		if a.CoreInvariants[i] != b.CoreInvariants[i] {
			return false
		}
	}
	return true
}
