// Package magick decodes formats the Go image packages cannot read, such as
// HEIC and camera RAW files, through ImageMagick.
package magick

import (
	"fmt"
	"image"

	"gopkg.in/gographics/imagick.v3/imagick"

	"dimatch/internal/fsutil"
)

// Loader implements imageio.Loader on top of a MagickWand.
type Loader struct{}

func (Loader) CanLoad(path string) bool {
	return fsutil.NeedsMagick(path)
}

func (Loader) Load(path string) (image.Image, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("magick read %s: %w", path, err)
	}
	// camera orientation is not applied; keypoints stay in sensor coordinates
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	if err := mw.SetImageColorspace(imagick.COLORSPACE_SRGB); err != nil {
		return nil, fmt.Errorf("magick colorspace %s: %w", path, err)
	}
	px, err := mw.ExportImagePixels(0, 0, w, h, "RGBA", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("magick export %s: %w", path, err)
	}
	buf, ok := px.([]byte)
	if !ok {
		return nil, fmt.Errorf("magick export %s: unexpected pixel type %T", path, px)
	}
	return &image.NRGBA{
		Pix:    buf,
		Stride: int(w) * 4,
		Rect:   image.Rect(0, 0, int(w), int(h)),
	}, nil
}

func (Loader) Config(path string) (image.Config, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.PingImage(path); err != nil {
		return image.Config{}, fmt.Errorf("magick ping %s: %w", path, err)
	}
	return image.Config{Width: int(mw.GetImageWidth()), Height: int(mw.GetImageHeight())}, nil
}
