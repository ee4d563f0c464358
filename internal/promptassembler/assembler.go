// Package promptassembler turns a StyleProfile plus iteration history into
// the text prompt handed to the Generator Gateway. It is a pure function
// with no IO of its own: the template asset is embedded and parsed once at
// init.
package promptassembler

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/smilemakc/styleforge/internal/domain"
)

//go:embed templates/generation.tmpl
var templateFS embed.FS

var generationTemplate = template.Must(template.ParseFS(templateFS, "templates/generation.tmpl"))

// maxHistoryWindow is the most-recent-N bound on the iteration history fed
// into the feedback aggregation.
const maxHistoryWindow = 10

// emphasizeTop is how many of the most-frequently-lost traits are surfaced
// in the EMPHASIZE section.
const emphasizeTop = 8

// regimeName labels a 0-100 creativity level the way the iteration
// controller exposes it to the generation prompt: 0-30 fidelity, 31-70
// balanced, 71-100 exploration. Mirrors critic.go's regimeName so
// the Critic's narrative framing and the Generator's prompt always agree.
func regimeName(level int) string {
	switch {
	case level <= 30:
		return "fidelity"
	case level <= 70:
		return "balanced"
	default:
		return "exploration"
	}
}

type templateData struct {
	ProfileJSON         string
	CoreInvariants      []string
	OriginalSubject     string
	StructuralNotes     string
	SuggestedTestPrompt string
	CreativityRegime    string
	Palette             string
	LineAndShape        string
	Texture             string
	Lighting            string
	Composition         string
	Motifs              string
	HasFeedback         bool
	Emphasize           []string
	Preserve            []string
	RecoveryGuidance    string
}

// Assemble builds the generation prompt for profile at the given creativity
// level (0-100). history is the session's iterations in chronological
// order; only the most recent maxHistoryWindow are used. recoveryGuidance
// is non-empty only when the Evaluator flagged a regression or
// catastrophic failure on the most recent iteration, and is placed ahead of
// every other feedback directive so it dominates.
func Assemble(profile *domain.StyleProfile, history []*domain.Iteration, creativityLevel int, recoveryGuidance string) (string, error) {
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}

	data := templateData{
		ProfileJSON:         string(profileJSON),
		CoreInvariants:      profile.Frozen.CoreInvariants,
		OriginalSubject:     profile.Frozen.OriginalSubject,
		StructuralNotes:     profile.Frozen.StructuralNotes,
		SuggestedTestPrompt: profile.Frozen.SuggestedTestPrompt,
		CreativityRegime:    regimeName(creativityLevel),
		Palette:             describePalette(profile.Style.Palette),
		LineAndShape:        describeLineAndShape(profile.Style.LineAndShape),
		Texture:             describeTexture(profile.Style.Texture),
		Lighting:            describeLighting(profile.Style.Lighting),
		Composition:         describeComposition(profile.Style.Composition),
		Motifs:              describeMotifs(profile.Style.Motifs),
		RecoveryGuidance:    recoveryGuidance,
	}

	window := recentWindow(history, maxHistoryWindow)
	data.Emphasize = emphasizeList(window)
	data.Preserve = preserveList(window)
	data.HasFeedback = len(data.Emphasize) > 0 || len(data.Preserve) > 0

	var buf strings.Builder
	if err := generationTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func recentWindow(history []*domain.Iteration, n int) []*domain.Iteration {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// emphasizeList counts how often each trait shows up in a LostTraits list
// across the history window and returns the top-N most frequently lost
// traits, annotated with their lost count, for the EMPHASIZE section.
func emphasizeList(history []*domain.Iteration) []string {
	counts := make(map[string]int)
	for _, it := range history {
		for _, trait := range it.LostTraits {
			counts[trait]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	type entry struct {
		trait string
		count int
	}
	entries := make([]entry, 0, len(counts))
	for trait, count := range counts {
		entries = append(entries, entry{trait, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].trait < entries[j].trait
	})
	if len(entries) > emphasizeTop {
		entries = entries[:emphasizeTop]
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, fmt.Sprintf("%s (lost %dx)", e.trait, e.count))
	}
	return out
}

// preserveList returns traits that show up in PreservedTraits on a majority
// of approved iterations in the window, for the PRESERVE section.
func preserveList(history []*domain.Iteration) []string {
	approvedCount := 0
	counts := make(map[string]int)
	for _, it := range history {
		if it.Approved == nil || !*it.Approved {
			continue
		}
		approvedCount++
		seen := make(map[string]bool, len(it.PreservedTraits))
		for _, trait := range it.PreservedTraits {
			if !seen[trait] {
				counts[trait]++
				seen[trait] = true
			}
		}
	}
	if approvedCount == 0 {
		return nil
	}

	var out []string
	for _, it := range history {
		for _, trait := range it.PreservedTraits {
			if counts[trait]*2 > approvedCount && !containsString(out, trait) {
				out = append(out, trait)
			}
		}
	}
	sort.Strings(out)
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func describePalette(p domain.Palette) string {
	parts := []string{}
	if len(p.DominantColors) > 0 {
		parts = append(parts, "dominant "+strings.Join(p.DominantColors, ", "))
	}
	if len(p.Accents) > 0 {
		parts = append(parts, "accents "+strings.Join(p.Accents, ", "))
	}
	if len(p.ColorDescriptions) > 0 {
		parts = append(parts, strings.Join(p.ColorDescriptions, ", "))
	}
	parts = append(parts, string(p.Saturation)+" saturation")
	return strings.Join(parts, "; ")
}

func describeLineAndShape(l domain.LineAndShape) string {
	return joinNonEmpty(l.StrokeWeight, l.EdgeTreatment, l.Geometry, l.Proportions)
}

func describeTexture(t domain.Texture) string {
	return joinNonEmpty(t.SurfaceQuality, t.Detail, t.RenderingStyle)
}

func describeLighting(l domain.Lighting) string {
	return joinNonEmpty(l.Direction, l.Contrast, l.Mood)
}

func describeComposition(c domain.Composition) string {
	return joinNonEmpty(c.Camera, c.Framing, c.Depth, c.NegativeSpace)
}

func describeMotifs(m domain.Motifs) string {
	if len(m.RecurringElements) == 0 && len(m.ForbiddenElements) == 0 {
		return ""
	}
	parts := []string{}
	if len(m.RecurringElements) > 0 {
		parts = append(parts, "recurring: "+strings.Join(m.RecurringElements, ", "))
	}
	if len(m.ForbiddenElements) > 0 {
		parts = append(parts, "avoid: "+strings.Join(m.ForbiddenElements, ", "))
	}
	return strings.Join(parts, "; ")
}

func joinNonEmpty(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}
