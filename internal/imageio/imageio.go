// Package imageio loads images from disk and prepares the regions handed to
// feature extractors.
package imageio

import (
	"fmt"
	"image"
	"path/filepath"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// Image identifies one input photograph. It is immutable once loaded.
type Image struct {
	ID     int
	Name   string
	Path   string
	Width  int
	Height int
}

// Bounds returns the full-image rectangle.
func (im Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, im.Width, im.Height)
}

// LoadImages reads the dimensions of every path. When skip is nil the first
// unreadable path is an error; otherwise skip is told about it and the path
// is left out. Ids are dense over the images returned, in input order.
func LoadImages(reg *Registry, paths []string, skip func(path string, err error)) ([]Image, error) {
	out := make([]Image, 0, len(paths))
	for _, p := range paths {
		w, h, err := reg.Dimensions(p)
		if err != nil {
			err = fmt.Errorf("read dimensions of %s: %w", p, err)
			if skip == nil {
				return nil, err
			}
			skip(p, err)
			continue
		}
		out = append(out, Image{
			ID:     len(out),
			Name:   filepath.Base(p),
			Path:   p,
			Width:  w,
			Height: h,
		})
	}
	return out, nil
}

// Crop copies r out of src into a new image whose origin is (0,0), so that
// extractor coordinates are tile-local.
func Crop(src image.Image, r image.Rectangle) *image.NRGBA {
	r = r.Intersect(src.Bounds())
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Copy(dst, image.Point{}, src, r, draw.Src, nil)
	return dst
}

// Downsample shrinks src so its longest side is at most maxSize. It returns
// the factors that map downsampled coordinates back to src coordinates.
// Images already small enough are returned unchanged with unit factors.
func Downsample(src image.Image, maxSize int) (image.Image, float64, float64) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSize <= 0 || (w <= maxSize && h <= maxSize) {
		return src, 1, 1
	}
	var out image.Image
	if w >= h {
		out = resize.Resize(uint(maxSize), 0, src, resize.Bilinear)
	} else {
		out = resize.Resize(0, uint(maxSize), src, resize.Bilinear)
	}
	ob := out.Bounds()
	return out, float64(w) / float64(ob.Dx()), float64(h) / float64(ob.Dy())
}

// Scale resizes src by factor and returns the factors mapping scaled
// coordinates back to src coordinates.
func Scale(src image.Image, factor float64) (image.Image, float64, float64) {
	if factor == 1 || factor <= 0 {
		return src, 1, 1
	}
	b := src.Bounds()
	nw := max(1, int(float64(b.Dx())*factor+0.5))
	nh := max(1, int(float64(b.Dy())*factor+0.5))
	out := resize.Resize(uint(nw), uint(nh), src, resize.Lanczos3)
	return out, float64(b.Dx()) / float64(nw), float64(b.Dy()) / float64(nh)
}
