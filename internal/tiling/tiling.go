// Package tiling splits images into overlapping tiles and decides which tiles
// of two images are matched against each other.
package tiling

import (
	"errors"
	"fmt"
	"image"
	"sort"

	"dimatch/internal/config"
)

// ErrBadGeometry reports tile parameters that cannot cover an image.
var ErrBadGeometry = errors.New("invalid tile geometry")

// Tile is a rectangular region of one image in full-image coordinates.
// Cell is the region the tile is responsible for; Box is Cell grown by the
// overlap margin and clipped to the image.
type Tile struct {
	ImageID int
	Row     int
	Col     int
	Index   int
	Cell    image.Rectangle
	Box     image.Rectangle
	Overlap int
}

// Key identifies the tile for memoization.
func (t Tile) Key() string {
	return fmt.Sprintf("%d/%d", t.ImageID, t.Index)
}

// Offset is the translation from tile-local to full-image coordinates.
func (t Tile) Offset() (float64, float64) {
	return float64(t.Box.Min.X), float64(t.Box.Min.Y)
}

// Contains reports whether the full-image point (x, y) lies inside Box.
func (t Tile) Contains(x, y float64) bool {
	return x >= float64(t.Box.Min.X) && x < float64(t.Box.Max.X) &&
		y >= float64(t.Box.Min.Y) && y < float64(t.Box.Max.Y)
}

// Grid describes a row-major tile decomposition of one image.
type Grid struct {
	Rows  int
	Cols  int
	Tiles []Tile
}

// Split decomposes a width x height image into row-major tiles of nominal
// size tileW x tileH. The last row and column may be smaller. Every tile is
// grown by overlap on each inner side and clipped to the image.
func Split(imageID, width, height int, size config.TileSize, overlap int) (Grid, error) {
	if width <= 0 || height <= 0 {
		return Grid{}, fmt.Errorf("%w: image %dx%d", ErrBadGeometry, width, height)
	}
	if size.Width <= 0 || size.Height <= 0 {
		return Grid{}, fmt.Errorf("%w: tile size %s", ErrBadGeometry, size)
	}
	if overlap <= 0 {
		return Grid{}, fmt.Errorf("%w: overlap %d must be positive", ErrBadGeometry, overlap)
	}

	cols := (width + size.Width - 1) / size.Width
	rows := (height + size.Height - 1) / size.Height
	bounds := image.Rect(0, 0, width, height)

	g := Grid{Rows: rows, Cols: cols, Tiles: make([]Tile, 0, rows*cols)}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			cell := image.Rect(
				c*size.Width, r*size.Height,
				min((c+1)*size.Width, width), min((r+1)*size.Height, height),
			)
			box := image.Rect(
				cell.Min.X-overlap, cell.Min.Y-overlap,
				cell.Max.X+overlap, cell.Max.Y+overlap,
			).Intersect(bounds)
			g.Tiles = append(g.Tiles, Tile{
				ImageID: imageID,
				Row:     r,
				Col:     c,
				Index:   r*cols + c,
				Cell:    cell,
				Box:     box,
				Overlap: overlap,
			})
		}
	}
	return g, nil
}

// None returns the single tile covering the whole image.
func None(imageID, width, height int) Grid {
	full := image.Rect(0, 0, width, height)
	return Grid{Rows: 1, Cols: 1, Tiles: []Tile{{
		ImageID: imageID,
		Cell:    full,
		Box:     full,
	}}}
}

// ForPolicy returns the decomposition used by policy.
func ForPolicy(policy config.TilingPolicy, imageID, width, height int, size config.TileSize, overlap int) (Grid, error) {
	if !policy.Enabled() {
		return None(imageID, width, height), nil
	}
	return Split(imageID, width, height, size, overlap)
}

// Point is a full-image coordinate.
type Point struct {
	X, Y float64
}

// Correspondence is a coarse match between two images.
type Correspondence struct {
	A, B Point
}

// TilePair names one tile of each image to be matched.
type TilePair struct {
	A, B Tile
}

// Pairs lists the tile pairs policy prescribes for two decompositions, sorted
// by (A.Index, B.Index). For preselection, corr restricts the result to tile
// pairs that contain both ends of at least one correspondence; with no
// correspondences every tile pair is returned and fallback is true.
func Pairs(policy config.TilingPolicy, a, b Grid, corr []Correspondence) (pairs []TilePair, fallback bool) {
	switch policy {
	case config.TilingGrid:
		return gridPairs(a, b), false
	case config.TilingPreselection:
		if len(corr) == 0 {
			return exhaustivePairs(a, b), true
		}
		return preselectedPairs(a, b, corr), false
	default:
		// none and exhaustive; none has a single tile per image
		return exhaustivePairs(a, b), false
	}
}

func gridPairs(a, b Grid) []TilePair {
	byPos := make(map[[2]int]Tile, len(b.Tiles))
	for _, t := range b.Tiles {
		byPos[[2]int{t.Row, t.Col}] = t
	}
	var out []TilePair
	for _, ta := range a.Tiles {
		if tb, ok := byPos[[2]int{ta.Row, ta.Col}]; ok {
			out = append(out, TilePair{A: ta, B: tb})
		}
	}
	return out
}

func exhaustivePairs(a, b Grid) []TilePair {
	out := make([]TilePair, 0, len(a.Tiles)*len(b.Tiles))
	for _, ta := range a.Tiles {
		for _, tb := range b.Tiles {
			out = append(out, TilePair{A: ta, B: tb})
		}
	}
	return out
}

func preselectedPairs(a, b Grid, corr []Correspondence) []TilePair {
	seen := make(map[[2]int]bool)
	var out []TilePair
	for _, c := range corr {
		for _, ta := range a.Tiles {
			if !ta.Contains(c.A.X, c.A.Y) {
				continue
			}
			for _, tb := range b.Tiles {
				if !tb.Contains(c.B.X, c.B.Y) {
					continue
				}
				k := [2]int{ta.Index, tb.Index}
				if seen[k] {
					continue
				}
				seen[k] = true
				out = append(out, TilePair{A: ta, B: tb})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A.Index != out[j].A.Index {
			return out[i].A.Index < out[j].A.Index
		}
		return out[i].B.Index < out[j].B.Index
	})
	return out
}
