package promptassembler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smilemakc/styleforge/internal/domain"
)

func sampleProfile() *domain.StyleProfile {
	return &domain.StyleProfile{
		SessionID: "sess-1",
		Version:   1,
		Frozen: domain.FrozenIdentity{
			CoreInvariants:      []string{"subject faces left", "single figure"},
			OriginalSubject:     "a red fox",
			StructuralNotes:     "three-quarter view, centered",
			SuggestedTestPrompt: "a red fox sitting in snow",
		},
		Style: domain.RefinableStyle{
			Palette: domain.Palette{
				DominantColors: []string{"#c81414", "#ffffff"},
				Saturation:     domain.SaturationVibrant,
			},
			LineAndShape: domain.LineAndShape{StrokeWeight: "bold outlines"},
			Texture:      domain.Texture{SurfaceQuality: "flat cel shading"},
			Lighting:     domain.Lighting{Direction: "top-left", Mood: "warm"},
			Composition:  domain.Composition{Camera: "eye-level"},
		},
	}
}

func approvedIteration(preserved ...string) *domain.Iteration {
	approved := true
	return &domain.Iteration{Approved: &approved, PreservedTraits: preserved}
}

func rejectedIteration(lost ...string) *domain.Iteration {
	approved := false
	return &domain.Iteration{Approved: &approved, LostTraits: lost}
}

func TestAssembleIncludesCoreInvariants(t *testing.T) {
	out, err := Assemble(sampleProfile(), nil, 50, "")
	require.NoError(t, err)
	require.Contains(t, out, "subject faces left")
	require.Contains(t, out, "a red fox")
	require.Contains(t, out, "Creativity regime: balanced")
}

func TestAssembleEmphasizesFrequentlyLostTraits(t *testing.T) {
	history := []*domain.Iteration{
		rejectedIteration("bold outlines", "warm lighting"),
		rejectedIteration("bold outlines"),
		approvedIteration("warm lighting"),
	}
	out, err := Assemble(sampleProfile(), history, 50, "")
	require.NoError(t, err)
	require.Contains(t, out, "EMPHASIZE")
	require.Contains(t, out, "bold outlines (lost 2x)")
}

func TestAssemblePreservesMajorityApprovedTraits(t *testing.T) {
	history := []*domain.Iteration{
		approvedIteration("warm lighting", "flat shading"),
		approvedIteration("warm lighting"),
		rejectedIteration("something else"),
	}
	out, err := Assemble(sampleProfile(), history, 50, "")
	require.NoError(t, err)
	require.Contains(t, out, "PRESERVE")
	require.Contains(t, out, "warm lighting")
	require.NotContains(t, out, "flat shading")
}

func TestAssembleRecoveryGuidanceDominatesFeedback(t *testing.T) {
	history := []*domain.Iteration{rejectedIteration("bold outlines")}
	out, err := Assemble(sampleProfile(), history, 50, "RECOVERY NEEDED: lighting collapsed")
	require.NoError(t, err)
	recoveryIdx := indexOf(out, "RECOVERY NEEDED")
	require.GreaterOrEqual(t, recoveryIdx, 0)
	regimeIdx := indexOf(out, "Creativity regime")
	require.Less(t, recoveryIdx, regimeIdx)
	emphasizeIdx := indexOf(out, "EMPHASIZE")
	require.GreaterOrEqual(t, emphasizeIdx, 0)
	require.Less(t, recoveryIdx, emphasizeIdx)
}

func TestAssembleCreativityRegimeLabels(t *testing.T) {
	fidelity, err := Assemble(sampleProfile(), nil, 20, "")
	require.NoError(t, err)
	require.Contains(t, fidelity, "Creativity regime: fidelity")

	exploration, err := Assemble(sampleProfile(), nil, 90, "")
	require.NoError(t, err)
	require.Contains(t, exploration, "Creativity regime: exploration")
}

// TestAssembleCreativityRegimeLowLevelsStayFidelity guards against
// regimeName remapping a low creativity_level (e.g. a client sending 1-5) to
// a higher percentage: creativity_level is a plain 0-100 int,
// so a level of 5 must land in "fidelity", not "balanced".
func TestAssembleCreativityRegimeLowLevelsStayFidelity(t *testing.T) {
	out, err := Assemble(sampleProfile(), nil, 5, "")
	require.NoError(t, err)
	require.Contains(t, out, "Creativity regime: fidelity")
}

func TestAssembleHonorsHistoryWindowOfTen(t *testing.T) {
	var history []*domain.Iteration
	for i := 0; i < 20; i++ {
		history = append(history, rejectedIteration("stale trait"))
	}
	history = append(history, rejectedIteration("recent trait"))

	out, err := Assemble(sampleProfile(), history, 50, "")
	require.NoError(t, err)
	require.Contains(t, out, "recent trait (lost 1x)")
	// Only the last ten iterations count: nine stale ones plus the recent one.
	require.Contains(t, out, "stale trait (lost 9x)")
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
