// Package tilematch extracts features per tile and matches tile pairs.
package tilematch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"dimatch/internal/features"
	"dimatch/internal/imageio"
	"dimatch/internal/merge"
	"dimatch/internal/metrics"
	"dimatch/internal/tiling"
)

// Source provides image pixels.
type Source interface {
	Get(im imageio.Image) (image.Image, error)
	Region(im imageio.Image, r image.Rectangle) (image.Image, error)
}

// Matcher runs extraction and matching for tiles. Tile features are
// memoized per tile key, so each tile is extracted at most once per run.
type Matcher struct {
	extractor features.Extractor
	matcher   features.Matcher
	src       Source
	scale     float64
	tiles     *Cache[features.Features]
	log       *slog.Logger
}

// New returns a Matcher. scale resizes tile pixels before extraction;
// keypoints are mapped back to the original resolution.
func New(ex features.Extractor, m features.Matcher, src Source, scale float64, log *slog.Logger) *Matcher {
	if scale <= 0 {
		scale = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{
		extractor: ex,
		matcher:   m,
		src:       src,
		scale:     scale,
		tiles:     NewCache[features.Features](),
		log:       log,
	}
}

// TileFeatures returns the features of tile in tile-local coordinates. A
// tile without keypoints yields an ExtractionError wrapping
// features.ErrNoKeypoints.
func (m *Matcher) TileFeatures(ctx context.Context, im imageio.Image, tile tiling.Tile) (features.Features, error) {
	return m.tiles.Get(ctx, tile.Key(), func(ctx context.Context) (features.Features, error) {
		f, err := m.extract(ctx, im, tile)
		if err != nil {
			if !errors.Is(err, features.ErrNoKeypoints) {
				metrics.ExtractionFailures.WithLabelValues(m.extractor.Name()).Inc()
			}
			return features.Features{}, &features.ExtractionError{
				Extractor: m.extractor.Name(),
				Region:    fmt.Sprintf("%s tile %d", im.Name, tile.Index),
				Err:       err,
			}
		}
		return f, nil
	})
}

func (m *Matcher) extract(ctx context.Context, im imageio.Image, tile tiling.Tile) (features.Features, error) {
	region, err := m.src.Region(im, tile.Box)
	if err != nil {
		return features.Features{}, err
	}
	scaled, sx, sy := imageio.Scale(region, m.scale)
	f, err := m.extractor.Extract(ctx, scaled)
	if err != nil {
		return features.Features{}, err
	}
	if err := f.Validate(); err != nil {
		return features.Features{}, err
	}
	if f.Len() == 0 {
		return features.Features{}, features.ErrNoKeypoints
	}
	if sx == 1 && sy == 1 {
		return f, nil
	}
	return f.Translate(sx, sy, 0, 0), nil
}

// ImageFeatures extracts every tile of grid and returns the tile sets in
// full-image coordinates. Empty tiles and tiles whose extraction fails are
// left out; only failures are logged.
func (m *Matcher) ImageFeatures(ctx context.Context, im imageio.Image, grid tiling.Grid) ([]merge.TileSet, error) {
	sets := make([]merge.TileSet, 0, len(grid.Tiles))
	for _, tile := range grid.Tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := m.TileFeatures(ctx, im, tile)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, features.ErrNoKeypoints) {
				continue
			}
			m.log.Warn("tile extraction failed", "image", im.Name, "tile", tile.Index, "error", err)
			continue
		}
		dx, dy := tile.Offset()
		sets = append(sets, merge.TileSet{Tile: tile.Index, Features: f.Translate(1, 1, dx, dy)})
	}
	return sets, nil
}

// MatchTiles matches one tile pair. It returns no matches and no error when
// either tile has no keypoints.
func (m *Matcher) MatchTiles(ctx context.Context, a, b imageio.Image, tp tiling.TilePair) ([]merge.RawMatch, error) {
	fa, err := m.TileFeatures(ctx, a, tp.A)
	if err != nil {
		return nil, dropEmpty(err)
	}
	fb, err := m.TileFeatures(ctx, b, tp.B)
	if err != nil {
		return nil, dropEmpty(err)
	}

	ms, err := m.matcher.Match(ctx, fa, fb)
	if err == nil {
		err = features.CheckMatches(ms, fa, fb)
	}
	if err != nil {
		return nil, &features.MatchingError{
			Matcher: m.matcher.Name(),
			Pair:    fmt.Sprintf("%s/%d-%s/%d", a.Name, tp.A.Index, b.Name, tp.B.Index),
			Err:     err,
		}
	}
	return merge.FromTiles(tp.A.Index, tp.B.Index, ms), nil
}

// dropEmpty clears errors that only report a tile without keypoints.
func dropEmpty(err error) error {
	if errors.Is(err, features.ErrNoKeypoints) {
		return nil
	}
	return err
}
