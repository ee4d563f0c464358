package color

import (
	"fmt"
	"math"

	"github.com/smilemakc/styleforge/internal/domain"
)

// qualityBands are the per-color quality bands:
// Euclidean RGB distance below each bound earns the paired label, in
// ascending order.
var qualityBands = []struct {
	maxDistance float64
	label       string
}{
	{50, "EXCELLENT"},
	{100, "GOOD"},
	{150, "MODERATE"},
}

const qualityPoor = "POOR"

// ComparePalette produces the per-color quality report the Critic splices
// into its prompt: for each reference dominant color, the nearest candidate
// color's Euclidean RGB distance is bucketed into EXCELLENT/GOOD/MODERATE/
// POOR. The Color Analyzer's own measurement
// always wins over whatever the VLM free-associates about color.
func ComparePalette(reference, candidate *domain.Palette) string {
	if len(reference.DominantColors) == 0 || len(candidate.DominantColors) == 0 {
		return "insufficient palette data to compare"
	}

	lines := make([]string, 0, len(reference.DominantColors))
	for _, refHex := range reference.DominantColors {
		nearestHex, distance, ok := nearestColor(refHex, candidate.DominantColors)
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s vs %s: %s (delta %.1f)", refHex, nearestHex, qualityLabel(distance), distance))
	}
	if len(lines) == 0 {
		return "insufficient palette data to compare"
	}

	out := lines[0]
	for _, line := range lines[1:] {
		out += "; " + line
	}
	return out
}

// qualityLabel buckets a Euclidean RGB distance into the four bands:
// <50 EXCELLENT, <100 GOOD, <150 MODERATE, else POOR.
func qualityLabel(distance float64) string {
	for _, band := range qualityBands {
		if distance < band.maxDistance {
			return band.label
		}
	}
	return qualityPoor
}

// nearestColor finds the candidate hex closest to ref by Euclidean RGB
// distance.
func nearestColor(ref string, candidates []string) (string, float64, bool) {
	rr, rg, rb, ok := parseHex(ref)
	if !ok {
		return "", 0, false
	}
	bestHex := ""
	best := math.MaxFloat64
	for _, candHex := range candidates {
		cr, cg, cb, ok := parseHex(candHex)
		if !ok {
			continue
		}
		d := euclidean(rr, rg, rb, cr, cg, cb)
		if d < best {
			best = d
			bestHex = candHex
		}
	}
	if bestHex == "" {
		return "", 0, false
	}
	return bestHex, best, true
}

func euclidean(r1, g1, b1, r2, g2, b2 int) float64 {
	dr := float64(r1 - r2)
	dg := float64(g1 - g2)
	db := float64(b1 - b2)
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

func parseHex(s string) (r, g, b int, ok bool) {
	if len(s) != 7 || s[0] != '#' {
		return 0, 0, 0, false
	}
	_, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b)
	if err != nil {
		return 0, 0, 0, false
	}
	return r, g, b, true
}
