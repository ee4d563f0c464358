// Package critic implements the pairwise VLM critique of a generated
// candidate against the reference image and the session's current
// StyleProfile. It enforces two invariants the VLM cannot be trusted with
// on its own: the frozen-identity block never changes, and the palette is
// always re-measured mechanically rather than taken from the model's prose.
package critic

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/rs/zerolog/log"

	"github.com/smilemakc/styleforge/internal/color"
	"github.com/smilemakc/styleforge/internal/domain"
	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
	"github.com/smilemakc/styleforge/internal/vlm"
)

//go:embed templates/critic.tmpl
var templateFS embed.FS

var critiqueTemplate = template.Must(template.ParseFS(templateFS, "templates/critic.tmpl"))

// maxParseAttempts is the end-to-end retry bound on the Critic's VLM call,
// where each retry re-issues the full call, not just the parse.
const maxParseAttempts = 3

// Result is the Critic's verdict for one iteration: scores, trait
// narrative, and a revised refinable-style draft for the next profile
// version (frozen identity is always the input's, bit-for-bit).
type Result struct {
	Scores               domain.DimensionScores
	PreservedTraits      []string
	LostTraits           []string
	InterestingMutations []string
	RevisedProfile       *domain.StyleProfile
	PaletteComparison    string
}

// rawCritique is the loosely-typed shape the VLM actually returns; fields
// the VLM sometimes emits as a string instead of a list (or vice versa) are
// normalized by coerceStringList / normalizeStyleObject.
type rawCritique struct {
	Scores                map[string]any  `json:"scores"`
	PreservedTraits       any             `json:"preserved_traits"`
	LostTraits            any             `json:"lost_traits"`
	InterestingMutations  any             `json:"interesting_mutations"`
	UpdatedStyleProfile   json.RawMessage `json:"updated_style_profile"`
}

// Critic runs pairwise critique calls against a VLM Gateway client.
type Critic struct {
	vlmClient *vlm.Client
	palettes  *color.Cache
}

// New builds a Critic over the given VLM Gateway client and palette cache.
func New(vlmClient *vlm.Client, palettes *color.Cache) *Critic {
	return &Critic{vlmClient: vlmClient, palettes: palettes}
}

// Critique compares candidateImage against referenceImage under profile and
// returns the scored, frozen-field-enforced, palette-corrected result.
// imageDescription is the free-prose reference description captured at
// extraction time; it may be empty.
func (c *Critic) Critique(ctx context.Context, profile *domain.StyleProfile, referenceImage, candidateImage []byte, imageDescription string, creativityLevel int) (*Result, error) {
	// Both palettes are measured before the VLM sees anything so the
	// comparison text rides along inside the critique prompt.
	referencePalette, err := c.palettes.GetOrExtract(referenceImage)
	if err != nil {
		return nil, &domainerrors.CritiqueFailedError{SessionID: profile.SessionID, Cause: err}
	}
	candidatePalette, err := c.palettes.GetOrExtract(candidateImage)
	if err != nil {
		return nil, &domainerrors.CritiqueFailedError{SessionID: profile.SessionID, Cause: err}
	}
	comparison := color.ComparePalette(referencePalette, candidatePalette)

	prompt, err := c.renderPrompt(profile, comparison, imageDescription, creativityLevel)
	if err != nil {
		return nil, err
	}

	parsed, err := c.analyzeWithRetry(ctx, profile.SessionID, prompt, referenceImage, candidateImage)
	if err != nil {
		return nil, err
	}

	scores := coerceScores(parsed.Scores)

	revised := *profile
	revised.Version = profile.Version + 1
	revised.Frozen = profile.Frozen // bit-copy: the Critic can never revise identity

	if len(parsed.UpdatedStyleProfile) > 0 {
		applyRevisedStyle(profile, &revised, parsed.UpdatedStyleProfile)
	}

	// The Color Analyzer's measurement always overrides whatever palette
	// the VLM free-associated in updated_style_profile.
	revised.Style.Palette = *candidatePalette

	return &Result{
		Scores:               scores,
		PreservedTraits:      coerceStringList(parsed.PreservedTraits),
		LostTraits:           coerceStringList(parsed.LostTraits),
		InterestingMutations: coerceStringList(parsed.InterestingMutations),
		RevisedProfile:       &revised,
		PaletteComparison:    comparison,
	}, nil
}

// analyzeWithRetry re-issues the full VLM call up to maxParseAttempts times
// when the response fails to parse. A transport failure
// inside a single attempt is already retried by the VLM Gateway client
// itself; this loop only covers the case where the gateway returns text that
// never resolves to valid JSON.
func (c *Critic) analyzeWithRetry(ctx context.Context, sessionID, prompt string, referenceImage, candidateImage []byte) (*rawCritique, error) {
	var lastErr error
	for attempt := 1; attempt <= maxParseAttempts; attempt++ {
		raw, err := c.vlmClient.Analyze(ctx, prompt, vlm.AnalyzeOptions{
			Images:    [][]byte{referenceImage, candidateImage},
			ForceJSON: true,
		})
		if err != nil {
			return nil, &domainerrors.CritiqueFailedError{SessionID: sessionID, Cause: err}
		}

		var parsed rawCritique
		if err := vlm.ParseJSON(raw, &parsed); err != nil {
			lastErr = err
			log.Warn().Str("session_id", sessionID).Int("attempt", attempt).Err(err).
				Msg("critic: vlm response failed to parse, re-issuing full call")
			continue
		}
		return &parsed, nil
	}
	return nil, &domainerrors.CritiqueFailedError{SessionID: sessionID, Cause: fmt.Errorf("critic: exhausted %d attempts: %w", maxParseAttempts, lastErr)}
}

// applyRevisedStyle unmarshals the VLM's updated_style_profile, detects any
// attempt to edit the frozen-identity fields (logging a warning,
// though the frozen block is always bit-copied regardless), and
// normalizes the refinable-style fields before assigning them onto revised.
func applyRevisedStyle(profile, revised *domain.StyleProfile, raw json.RawMessage) {
	var frozenCheck struct {
		CoreInvariants      []string `json:"core_invariants"`
		OriginalSubject     string   `json:"original_subject"`
		SuggestedTestPrompt string   `json:"suggested_test_prompt"`
		Composition         struct {
			StructuralNotes string `json:"structural_notes"`
		} `json:"composition"`
	}
	if err := json.Unmarshal(raw, &frozenCheck); err == nil {
		detectFrozenFieldEdit(profile.SessionID, "original_subject", profile.Frozen.OriginalSubject, frozenCheck.OriginalSubject)
		detectFrozenFieldEdit(profile.SessionID, "suggested_test_prompt", profile.Frozen.SuggestedTestPrompt, frozenCheck.SuggestedTestPrompt)
		detectFrozenFieldEdit(profile.SessionID, "composition.structural_notes", profile.Frozen.StructuralNotes, frozenCheck.Composition.StructuralNotes)
		if len(frozenCheck.CoreInvariants) > 0 && !stringSlicesEqual(frozenCheck.CoreInvariants, profile.Frozen.CoreInvariants) {
			log.Warn().Str("session_id", profile.SessionID).Str("field", "core_invariants").
				Msg("critic: vlm attempted to edit a frozen-identity field; discarding edit")
		}
	}

	var styleObj map[string]any
	if err := json.Unmarshal(raw, &styleObj); err != nil {
		log.Warn().Err(err).Str("session_id", profile.SessionID).Msg("critic: updated_style_profile did not parse as an object; carrying forward current style")
		return
	}
	normalizeStyleObject(styleObj)

	normalized, err := json.Marshal(styleObj)
	if err != nil {
		log.Warn().Err(err).Str("session_id", profile.SessionID).Msg("critic: failed to re-marshal normalized style; carrying forward current style")
		return
	}

	var style domain.RefinableStyle
	if err := json.Unmarshal(normalized, &style); err != nil {
		log.Warn().Err(err).Str("session_id", profile.SessionID).Msg("critic: updated_style_profile did not parse into refinable style; carrying forward current style")
		return
	}
	revised.Style = style
}

func detectFrozenFieldEdit(sessionID, field, current, proposed string) {
	if proposed != "" && proposed != current {
		log.Warn().Str("session_id", sessionID).Str("field", field).
			Msg("critic: vlm attempted to edit a frozen-identity field; discarding edit")
	}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// listFieldsByObject lists the refinable-style keys the domain model types as
// a list; every other leaf value is coerced to a string. It is keyed on the
// top-level style object the field lives under.
var listFieldsByObject = map[string]map[string]bool{
	"palette": {"dominant_colors": true, "accents": true, "color_descriptions": true},
	"motifs":  {"recurring_elements": true, "forbidden_elements": true},
}

// normalizeStyleObject applies type coercion in place: a list
// where a string field is expected is comma-joined; a string where a list
// field is expected is comma-split. feature_registry.features, if present
// and not a mapping, is coerced to an empty mapping and logged.
func normalizeStyleObject(styleObj map[string]any) {
	for objName, obj := range styleObj {
		nested, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		listFields := listFieldsByObject[objName]
		for key, val := range nested {
			switch v := val.(type) {
			case []any:
				if !listFields[key] {
					nested[key] = joinAnyList(v)
				}
			case string:
				if listFields[key] {
					nested[key] = splitCommaList(v)
				}
			}
		}

		if fr, ok := nested["feature_registry"].(map[string]any); ok {
			if features, ok := fr["features"]; ok {
				if _, isMap := features.(map[string]any); !isMap {
					log.Warn().Str("object", objName).Msg("critic: feature_registry.features was not a mapping; coercing to empty mapping")
					fr["features"] = map[string]any{}
				}
			}
		}
	}
}

func joinAnyList(items []any) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			parts = append(parts, s)
		} else {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
	}
	return strings.Join(parts, ", ")
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Critic) renderPrompt(profile *domain.StyleProfile, paletteComparison, imageDescription string, creativityLevel int) (string, error) {
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	data := struct {
		OriginalSubject   string
		ProfileJSON       string
		PaletteComparison string
		ImageDescription  string
		CreativityLevel   int
		CreativityRegime  string
	}{
		OriginalSubject:   profile.Frozen.OriginalSubject,
		ProfileJSON:       string(profileJSON),
		PaletteComparison: paletteComparison,
		ImageDescription:  imageDescription,
		CreativityLevel:   creativityLevel,
		CreativityRegime:  regimeName(creativityLevel),
	}
	var buf strings.Builder
	if err := critiqueTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// regimeName mirrors the Prompt Assembler's creativity regimes so the
// Critic's narrative framing and the Generator's prompt agree on what
// latitude the candidate was allowed.
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

// coerceScores clamps every dimension score into [0,100], tolerating the
// VLM emitting a float where an int was expected.
func coerceScores(raw map[string]any) domain.DimensionScores {
	out := make(domain.DimensionScores, len(raw))
	for dim, v := range raw {
		out[dim] = clamp(coerceInt(v))
	}
	return out
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func coerceInt(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		var n int
		_, _ = fmt.Sscanf(val, "%d", &n)
		return n
	default:
		return 0
	}
}

// coerceStringList tolerates the VLM returning a comma-joined string where a
// JSON array was requested.
func coerceStringList(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return splitCommaList(val)
	default:
		return nil
	}
}
