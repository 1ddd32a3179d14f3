package tilematch

import (
	"context"
	"fmt"

	"dimatch/internal/features"
	"dimatch/internal/imageio"
	"dimatch/internal/tiling"
)

// Coarse extracts features from downsampled images. Keypoints are reported
// in full-image coordinates.
type Coarse struct {
	extractor features.Extractor
	matcher   features.Matcher
	src       Source
	maxSize   int
	cache     *Cache[features.Features]
}

// NewCoarse returns a Coarse that shrinks images to maxSize on the longest side.
func NewCoarse(ex features.Extractor, m features.Matcher, src Source, maxSize int) *Coarse {
	return &Coarse{
		extractor: ex,
		matcher:   m,
		src:       src,
		maxSize:   maxSize,
		cache:     NewCache[features.Features](),
	}
}

// Coarse returns the low-resolution features of im.
func (c *Coarse) Coarse(ctx context.Context, im imageio.Image) (features.Features, error) {
	return c.cache.Get(ctx, fmt.Sprintf("%d", im.ID), func(ctx context.Context) (features.Features, error) {
		img, err := c.src.Get(im)
		if err != nil {
			return features.Features{}, err
		}
		small, sx, sy := imageio.Downsample(img, c.maxSize)
		f, err := c.extractor.Extract(ctx, small)
		if err != nil {
			return features.Features{}, &features.ExtractionError{
				Extractor: c.extractor.Name(),
				Region:    im.Name + " (coarse)",
				Err:       err,
			}
		}
		if err := f.Validate(); err != nil {
			return features.Features{}, err
		}
		return f.Translate(sx, sy, 0, 0), nil
	})
}

// Correspondences matches the coarse features of a and b.
func (c *Coarse) Correspondences(ctx context.Context, a, b imageio.Image) ([]tiling.Correspondence, error) {
	fa, err := c.Coarse(ctx, a)
	if err != nil {
		return nil, err
	}
	fb, err := c.Coarse(ctx, b)
	if err != nil {
		return nil, err
	}
	if fa.Len() == 0 || fb.Len() == 0 {
		return nil, nil
	}
	ms, err := c.matcher.Match(ctx, fa, fb)
	if err == nil {
		err = features.CheckMatches(ms, fa, fb)
	}
	if err != nil {
		return nil, &features.MatchingError{Matcher: c.matcher.Name(), Pair: a.Name + "-" + b.Name + " (coarse)", Err: err}
	}
	out := make([]tiling.Correspondence, len(ms))
	for i, m := range ms {
		ka, kb := fa.Keypoints[m.A], fb.Keypoints[m.B]
		out[i] = tiling.Correspondence{
			A: tiling.Point{X: ka.X, Y: ka.Y},
			B: tiling.Point{X: kb.X, Y: kb.Y},
		}
	}
	return out, nil
}
