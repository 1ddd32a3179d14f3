package imageio

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	return img
}

func writePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestCropMovesOriginAndClips(t *testing.T) {
	src := gradient(100, 80)
	out := Crop(src, image.Rect(90, 70, 120, 90))
	assert.Equal(t, image.Rect(0, 0, 10, 10), out.Bounds())
	assert.Equal(t, color.NRGBA{R: 90, G: 70, B: 7, A: 255}, out.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 99, G: 79, B: 7, A: 255}, out.NRGBAAt(9, 9))
}

func TestDownsampleKeepsAspect(t *testing.T) {
	out, sx, sy := Downsample(gradient(200, 100), 50)
	assert.Equal(t, 50, out.Bounds().Dx())
	assert.Equal(t, 25, out.Bounds().Dy())
	assert.InDelta(t, 4.0, sx, 1e-9)
	assert.InDelta(t, 4.0, sy, 1e-9)

	small := gradient(20, 10)
	same, sx, sy := Downsample(small, 50)
	assert.Same(t, small, same)
	assert.Equal(t, 1.0, sx)
	assert.Equal(t, 1.0, sy)
}

func TestScale(t *testing.T) {
	out, sx, _ := Scale(gradient(64, 32), 0.5)
	assert.Equal(t, image.Rect(0, 0, 32, 16), out.Bounds())
	assert.InDelta(t, 2.0, sx, 1e-9)
}

func TestLoadImagesAndCache(t *testing.T) {
	dir := t.TempDir()
	a := writePNG(t, dir, "a.png", gradient(30, 20))
	b := writePNG(t, dir, "b.png", gradient(10, 40))

	reg := NewRegistry()
	imgs, err := LoadImages(reg, []string{a, b}, nil)
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, Image{ID: 0, Name: "a.png", Path: a, Width: 30, Height: 20}, imgs[0])
	assert.Equal(t, 1, imgs[1].ID)
	assert.Equal(t, 40, imgs[1].Height)

	cache, err := NewCache(reg, 1)
	require.NoError(t, err)
	region, err := cache.Region(imgs[0], image.Rect(5, 5, 15, 10))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 10, 5), region.Bounds())
	assert.Equal(t, 1, cache.Len())

	_, err = cache.Get(imgs[1])
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestLoadImagesSkipsUnreadable(t *testing.T) {
	dir := t.TempDir()
	a := writePNG(t, dir, "a.png", gradient(30, 20))
	bad := filepath.Join(dir, "b.png")
	require.NoError(t, os.WriteFile(bad, []byte("not a png"), 0o644))
	c := writePNG(t, dir, "c.png", gradient(10, 40))
	reg := NewRegistry()

	_, err := LoadImages(reg, []string{a, bad, c}, nil)
	assert.ErrorContains(t, err, bad)

	var skipped []string
	imgs, err := LoadImages(reg, []string{a, bad, c}, func(path string, err error) {
		skipped = append(skipped, path)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{bad}, skipped)
	require.Len(t, imgs, 2)
	assert.Equal(t, 0, imgs[0].ID)
	assert.Equal(t, Image{ID: 1, Name: "c.png", Path: c, Width: 10, Height: 40}, imgs[1])
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := NewRegistry().Load("scan.xyz")
	assert.ErrorIs(t, err, ErrUnsupported)
}
