package color

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/smilemakc/styleforge/internal/domain"
	"github.com/stretchr/testify/require"
)

func solidPNG(t *testing.T, c color.Color, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestExtractPaletteSolidRed(t *testing.T) {
	data := solidPNG(t, color.RGBA{R: 200, G: 20, B: 20, A: 255}, 32, 32)
	p, err := ExtractPalette(data)
	require.NoError(t, err)
	require.NotEmpty(t, p.DominantColors)
	require.Equal(t, "#c81414", p.DominantColors[0])
}

func TestExtractPaletteGrayscale(t *testing.T) {
	data := solidPNG(t, color.RGBA{R: 128, G: 128, B: 128, A: 255}, 16, 16)
	p, err := ExtractPalette(data)
	require.NoError(t, err)
	require.Equal(t, domain.SaturationGrayscale, p.Saturation)
}

func TestComparePaletteIdentical(t *testing.T) {
	data := solidPNG(t, color.RGBA{R: 10, G: 10, B: 200, A: 255}, 16, 16)
	p1, err := ExtractPalette(data)
	require.NoError(t, err)
	p2, err := ExtractPalette(data)
	require.NoError(t, err)
	require.Contains(t, ComparePalette(p1, p2), "EXCELLENT")
}

func TestCacheGetOrExtractHitsOnSecondCall(t *testing.T) {
	data := solidPNG(t, color.RGBA{R: 5, G: 250, B: 5, A: 255}, 8, 8)
	c := NewCache()
	p1, err := c.GetOrExtract(data)
	require.NoError(t, err)
	p2, err := c.GetOrExtract(data)
	require.NoError(t, err)
	require.Equal(t, p1.DominantColors, p2.DominantColors)
}
