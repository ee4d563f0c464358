// Package extractor builds a session's first StyleProfile from its
// reference image: the color analyzer's pixel-truth palette, a VLM
// description of the subject and style, a contamination check on the
// mechanically-reusable baseline prompt, and a natural-language description
// for later critique calls. It runs once per session; the color and VLM
// legs run concurrently and join before the profile is assembled.
package extractor

import (
	"context"
	"embed"
	"strings"
	"sync"
	"text/template"

	"github.com/rs/zerolog/log"

	"github.com/smilemakc/styleforge/internal/color"
	"github.com/smilemakc/styleforge/internal/domain"
	domainerrors "github.com/smilemakc/styleforge/internal/domain/errors"
	"github.com/smilemakc/styleforge/internal/vlm"
)

//go:embed templates/extract.tmpl
var templateFS embed.FS

var extractTemplate = template.Must(template.ParseFS(templateFS, "templates/extract.tmpl"))

const maxParseAttempts = 3

// contaminationVerbs are the crude lexical signals checked as a second screen
// after the VLM judge answers CLEAN. If the judge call itself fails, the
// mechanical baseline is used without consulting this list.
var contaminationVerbs = []string{
	"glowing", "vibrant", "muted", "textured", "painterly", "cel-shaded",
	"watercolor", "grainy", "saturated", "pastel", "gritty", "stylized",
}

// Extractor runs the reference-image extraction pipeline.
type Extractor struct {
	vlmClient *vlm.Client
}

// New builds an Extractor over the given VLM Gateway client.
func New(vlmClient *vlm.Client) *Extractor {
	return &Extractor{vlmClient: vlmClient}
}

// rawExtraction is the wire shape the extraction VLM call returns.
type rawExtraction struct {
	CoreInvariants      []string              `json:"core_invariants"`
	OriginalSubject     string                `json:"original_subject"`
	SuggestedTestPrompt string                `json:"suggested_test_prompt"`
	Palette             domain.Palette        `json:"palette"`
	LineAndShape        domain.LineAndShape   `json:"line_and_shape"`
	Texture             domain.Texture        `json:"texture"`
	Lighting            domain.Lighting       `json:"lighting"`
	Composition         rawComposition        `json:"composition"`
}

type rawComposition struct {
	Camera          string `json:"camera"`
	Framing         string `json:"framing"`
	Depth           string `json:"depth"`
	NegativeSpace   string `json:"negative_space"`
	StructuralNotes string `json:"structural_notes"`
}

// Result is the extraction outcome: the v1 profile plus the free-prose
// image description later Critic calls embed in their own prompt.
type Result struct {
	Profile         *domain.StyleProfile
	ImageDescription string
}

// Extract runs the full extraction algorithm over referenceImage for sessionID.
// styleHints, if non-empty, is folded into the extraction prompt as
// additional guidance; it does not participate in the frozen identity.
func (e *Extractor) Extract(ctx context.Context, sessionID string, referenceImage []byte, styleHints string) (*Result, error) {
	var (
		wg           sync.WaitGroup
		palette      *domain.Palette
		paletteErr   error
		raw          *rawExtraction
		extractErr   error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		palette, paletteErr = color.ExtractPalette(referenceImage)
	}()
	go func() {
		defer wg.Done()
		raw, extractErr = e.analyzeWithRetry(ctx, sessionID, referenceImage, styleHints)
	}()
	wg.Wait()

	if extractErr != nil {
		return nil, &domainerrors.ExtractionFailedError{SessionID: sessionID, Cause: extractErr}
	}
	if paletteErr != nil {
		return nil, &domainerrors.ExtractionFailedError{SessionID: sessionID, Cause: paletteErr}
	}

	profile := &domain.StyleProfile{
		SessionID: sessionID,
		Version:   1,
		Frozen: domain.FrozenIdentity{
			CoreInvariants:      raw.CoreInvariants,
			OriginalSubject:     raw.OriginalSubject,
			StructuralNotes:     raw.Composition.StructuralNotes,
			SuggestedTestPrompt: raw.SuggestedTestPrompt,
		},
		Style: domain.RefinableStyle{
			Palette:      *palette, // pixel truth wins over the VLM's palette description
			LineAndShape: raw.LineAndShape,
			Texture:      raw.Texture,
			Lighting:     raw.Lighting,
			Composition: domain.Composition{
				Camera:        raw.Composition.Camera,
				Framing:       raw.Composition.Framing,
				Depth:         raw.Composition.Depth,
				NegativeSpace: raw.Composition.NegativeSpace,
			},
			Motifs: domain.Motifs{
				RecurringElements: []string{},
				ForbiddenElements: []string{},
			},
		},
	}

	profile.Frozen.SuggestedTestPrompt = e.validateBaseline(ctx, sessionID, profile)

	description, err := e.describeImage(ctx, sessionID, referenceImage)
	if err != nil {
		// Non-fatal: the Critic prompt degrades gracefully without it.
		log.Warn().Str("session_id", sessionID).Err(err).Msg("extractor: image description call failed, continuing without it")
	}

	return &Result{Profile: profile, ImageDescription: description}, nil
}

func (e *Extractor) analyzeWithRetry(ctx context.Context, sessionID string, referenceImage []byte, styleHints string) (*rawExtraction, error) {
	prompt, err := e.renderExtractPrompt(styleHints)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxParseAttempts; attempt++ {
		text, err := e.vlmClient.Analyze(ctx, prompt, vlm.AnalyzeOptions{
			Images:    [][]byte{referenceImage},
			ForceJSON: true,
		})
		if err != nil {
			return nil, err
		}

		var parsed rawExtraction
		if err := vlm.ParseJSON(text, &parsed); err != nil {
			lastErr = err
			log.Warn().Str("session_id", sessionID).Int("attempt", attempt).Err(err).
				Msg("extractor: vlm response failed to parse, re-issuing full call")
			continue
		}
		return &parsed, nil
	}
	return nil, lastErr
}

func (e *Extractor) renderExtractPrompt(styleHints string) (string, error) {
	data := struct{ StyleHints string }{StyleHints: styleHints}
	var buf strings.Builder
	if err := extractTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// validateBaseline runs the baseline contamination check: a text-only judge call decides
// whether the VLM-provided suggested_test_prompt leaked style information.
// Any judge failure, or a "contaminated" verdict, falls back to the
// mechanical baseline built from already-frozen fields.
func (e *Extractor) validateBaseline(ctx context.Context, sessionID string, profile *domain.StyleProfile) string {
	mechanical := mechanicalBaseline(profile)

	judgePrompt := "Does the following image-generation prompt contain any style, color, mood, texture, or rendering-verb language " +
		"(as opposed to purely literal subject/composition description)? Respond with exactly one word, CONTAMINATED or CLEAN.\n\nPrompt: " +
		profile.Frozen.SuggestedTestPrompt

	verdict, err := e.vlmClient.GenerateText(ctx, judgePrompt, 16)
	if err != nil {
		log.Warn().Str("session_id", sessionID).Err(err).Msg("extractor: baseline contamination judge call failed, using mechanical baseline")
		return mechanical
	}

	if strings.Contains(strings.ToUpper(verdict), "CONTAMINATED") {
		return mechanical
	}
	if looksContaminated(profile.Frozen.SuggestedTestPrompt) {
		return mechanical
	}
	return profile.Frozen.SuggestedTestPrompt
}

func mechanicalBaseline(profile *domain.StyleProfile) string {
	return profile.Frozen.OriginalSubject + ", " + profile.Style.Composition.Framing + ", " + profile.Frozen.StructuralNotes
}

func looksContaminated(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, verb := range contaminationVerbs {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}

func (e *Extractor) describeImage(ctx context.Context, sessionID string, referenceImage []byte) (string, error) {
	text, err := e.vlmClient.Analyze(ctx, "Describe this image in natural language prose for use as style-comparison context. No JSON, no lists, just a paragraph.", vlm.AnalyzeOptions{
		Images:    [][]byte{referenceImage},
		ForceJSON: false,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
