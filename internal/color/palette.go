// Package color extracts a dominant/accent color palette from an image and
// compares two palettes for the Critic's prompt. It never
// calls out to a VLM: every function here is a pure, deterministic function
// of pixel data.
package color

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"sort"

	"github.com/smilemakc/styleforge/internal/domain"
)

// paletteBins is the median-cut target bin count.
const paletteBins = 16

// pixel is one sampled RGB value fed into the median-cut recursion.
type pixel struct {
	r, g, b uint8
}

// ExtractPalette decodes an image and returns its dominant/accent colors,
// saturation bucket, and value range description: sample pixels on a coarse
// grid, median-cut them into at most paletteBins adaptive bins, rank bins by
// pixel coverage, then describe the top bins.
func ExtractPalette(data []byte) (*domain.Palette, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	pixels := samplePixels(img)
	if len(pixels) == 0 {
		return nil, fmt.Errorf("no pixels decoded")
	}
	ranked := medianCut(pixels, paletteBins)

	dominant := topHexColors(ranked, 3)
	accents := []string{}
	if len(ranked) > 3 {
		accents = topHexColors(ranked[3:], 2)
	}

	avgSat, minV, maxV := saturationStats(img)

	return &domain.Palette{
		DominantColors:    dominant,
		Accents:           accents,
		ColorDescriptions: describeColors(ranked, 3),
		Saturation:        classifySaturation(avgSat),
		ValueRange:        fmt.Sprintf("%.0f-%.0f", minV*100, maxV*100),
	}, nil
}

// samplePixels walks the image on a coarse grid (full resolution up to
// 128x128, strided above that), skipping fully transparent pixels.
func samplePixels(img image.Image) []pixel {
	bounds := img.Bounds()
	stepX, stepY := paletteSampleStep(bounds.Dx()), paletteSampleStep(bounds.Dy())
	out := make([]pixel, 0, 128*128)
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, a := img.At(x, y).RGBA()
			if a == 0 {
				continue
			}
			out = append(out, pixel{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)})
		}
	}
	return out
}

func paletteSampleStep(dim int) int {
	if dim <= 128 {
		return 1
	}
	return dim / 128
}

type rankedBucket struct {
	r, g, b uint8
	count   int64
}

// medianCut recursively splits the sampled color space: each round, the box
// containing the widest single-channel value range is sorted along that
// channel and split at the median, until bins boxes exist or no box can
// split further. Each box then collapses to its average color, and boxes
// are ranked by pixel coverage with a fixed color tie-break so the result
// is deterministic.
func medianCut(pixels []pixel, bins int) []rankedBucket {
	boxes := [][]pixel{pixels}
	for len(boxes) < bins {
		idx, ch := widestBox(boxes)
		if idx < 0 {
			break
		}
		box := boxes[idx]
		sort.Slice(box, func(i, j int) bool { return channelValue(box[i], ch) < channelValue(box[j], ch) })
		mid := len(box) / 2
		boxes[idx] = box[:mid]
		boxes = append(boxes, box[mid:])
	}

	ranked := make([]rankedBucket, 0, len(boxes))
	for _, box := range boxes {
		if len(box) == 0 {
			continue
		}
		var rSum, gSum, bSum int64
		for _, p := range box {
			rSum += int64(p.r)
			gSum += int64(p.g)
			bSum += int64(p.b)
		}
		n := int64(len(box))
		ranked = append(ranked, rankedBucket{
			r:     uint8(rSum / n),
			g:     uint8(gSum / n),
			b:     uint8(bSum / n),
			count: n,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return hexString(ranked[i].r, ranked[i].g, ranked[i].b) < hexString(ranked[j].r, ranked[j].g, ranked[j].b)
	})
	return ranked
}

// widestBox picks the box to split next: the one containing the single
// channel with the greatest value range. A box of fewer than two pixels, or
// one whose pixels are all identical, cannot split; if no box can, the
// recursion is done and widestBox reports -1.
func widestBox(boxes [][]pixel) (int, int) {
	bestIdx, bestCh, bestRange := -1, 0, 0
	for i, box := range boxes {
		if len(box) < 2 {
			continue
		}
		for ch := 0; ch < 3; ch++ {
			lo, hi := 255, 0
			for _, p := range box {
				v := channelValue(p, ch)
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
			if hi-lo > bestRange {
				bestIdx, bestCh, bestRange = i, ch, hi-lo
			}
		}
	}
	return bestIdx, bestCh
}

func channelValue(p pixel, ch int) int {
	switch ch {
	case 0:
		return int(p.r)
	case 1:
		return int(p.g)
	default:
		return int(p.b)
	}
}

func topHexColors(ranked []rankedBucket, n int) []string {
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, hexString(ranked[i].r, ranked[i].g, ranked[i].b))
	}
	return out
}

func hexString(r, g, b uint8) string {
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func describeColors(ranked []rankedBucket, n int) []string {
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, describeHue(ranked[i].r, ranked[i].g, ranked[i].b))
	}
	return out
}

func describeHue(r, g, b uint8) string {
	h, s, v := rgbToHSV(r, g, b)
	if s < 0.1 {
		if v > 0.8 {
			return "near-white"
		}
		if v < 0.2 {
			return "near-black"
		}
		return "neutral gray"
	}
	name := "red"
	switch {
	case h < 15 || h >= 345:
		name = "red"
	case h < 45:
		name = "orange"
	case h < 70:
		name = "yellow"
	case h < 170:
		name = "green"
	case h < 200:
		name = "cyan"
	case h < 260:
		name = "blue"
	case h < 290:
		name = "purple"
	case h < 345:
		name = "magenta"
	}
	if v < 0.35 {
		return "dark " + name
	}
	if s > 0.7 && v > 0.7 {
		return "vivid " + name
	}
	return name
}

// saturationStats returns the mean saturation and the min/max value (V in
// HSV) across a coarse sample of the image, avoiding a full second pixel
// sweep for large images.
func saturationStats(img image.Image) (avgSat, minV, maxV float64) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	stepX, stepY := sampleStep(w), sampleStep(h)

	var satSum float64
	var n int
	minV, maxV = 1, 0

	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, a := img.At(x, y).RGBA()
			if a == 0 {
				continue
			}
			_, s, v := rgbToHSV(uint8(r>>8), uint8(g>>8), uint8(b>>8))
			satSum += s
			n++
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
	}
	if n == 0 {
		return 0, 0, 0
	}
	return satSum / float64(n), minV, maxV
}

func sampleStep(dim int) int {
	if dim <= 64 {
		return 1
	}
	step := dim / 64
	if step < 1 {
		return 1
	}
	return step
}

func classifySaturation(avgSat float64) domain.Saturation {
	switch {
	case avgSat < 0.05:
		return domain.SaturationGrayscale
	case avgSat < 0.15:
		return domain.SaturationMonochromatic
	case avgSat < 0.45:
		return domain.SaturationMuted
	default:
		return domain.SaturationVibrant
	}
}

// rgbToHSV converts 8-bit RGB to HSV with H in [0,360), S and V in [0,1].
func rgbToHSV(r, g, b uint8) (h, s, v float64) {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	max := math.Max(rf, math.Max(gf, bf))
	min := math.Min(rf, math.Min(gf, bf))
	delta := max - min

	v = max
	if max == 0 {
		s = 0
	} else {
		s = delta / max
	}
	if delta == 0 {
		h = 0
	} else {
		switch max {
		case rf:
			h = 60 * math.Mod((gf-bf)/delta, 6)
		case gf:
			h = 60 * ((bf-rf)/delta + 2)
		case bf:
			h = 60 * ((rf-gf)/delta + 4)
		}
		if h < 0 {
			h += 360
		}
	}
	return h, s, v
}
