// Package merge consolidates per-tile detections into one keypoint set per
// image and one match set per image pair.
//
// Tiles overlap, so a physical feature near a tile border is usually detected
// once in every tile that covers it. Keypoints of different tiles that lie
// within the tolerance of each other are collapsed onto a single
// representative: the highest scoring one, with ties going to the lowest
// (tile, local index). Candidates are visited in that order, which makes the
// result independent of the order tiles were processed in.
package merge

import (
	"fmt"
	"math"
	"sort"

	"dimatch/internal/features"
)

// TileSet holds the keypoints one tile produced, already in full-image
// coordinates.
type TileSet struct {
	Tile     int
	Features features.Features
}

// Merged is the deduplicated keypoint set of one image.
type Merged struct {
	features.Features
	index map[ref]int
}

type ref struct{ tile, local int }

// Lookup maps a tile-local keypoint index to its merged index.
func (m *Merged) Lookup(tile, local int) (int, bool) {
	if m == nil {
		return 0, false
	}
	i, ok := m.index[ref{tile, local}]
	return i, ok
}

type candidate struct {
	ref
	kp   features.Keypoint
	desc []float32
}

type representative struct {
	candidate
	tiles []int
}

func (r *representative) hasTile(t int) bool {
	for _, x := range r.tiles {
		if x == t {
			return true
		}
	}
	return false
}

// Keypoints merges the tile sets of one image. A tolerance of 0 collapses
// only keypoints with identical coordinates.
func Keypoints(sets []TileSet, tolerance float64) (*Merged, error) {
	if tolerance < 0 || math.IsNaN(tolerance) {
		return nil, fmt.Errorf("merge: invalid tolerance %v", tolerance)
	}

	var (
		cands []candidate
		kind  features.DescriptorKind
		dim   = -1
		seen  = make(map[int]bool, len(sets))
	)
	for _, s := range sets {
		if seen[s.Tile] {
			return nil, fmt.Errorf("merge: tile %d given twice", s.Tile)
		}
		seen[s.Tile] = true
		if err := s.Features.Validate(); err != nil {
			return nil, fmt.Errorf("merge: tile %d: %w", s.Tile, err)
		}
		if s.Features.Len() == 0 {
			continue
		}
		hasDesc := len(s.Features.Descriptors) > 0
		if dim == -1 {
			kind = s.Features.Kind
			dim = 0
			if hasDesc {
				dim = len(s.Features.Descriptors[0])
			}
		} else if s.Features.Kind != kind || (dim > 0) != hasDesc {
			return nil, fmt.Errorf("merge: tile %d descriptors differ from other tiles", s.Tile)
		}
		for i, kp := range s.Features.Keypoints {
			c := candidate{ref: ref{s.Tile, i}, kp: kp}
			if hasDesc {
				c.desc = s.Features.Descriptors[i]
				if len(c.desc) != dim {
					return nil, fmt.Errorf("merge: tile %d keypoint %d has descriptor length %d, want %d", s.Tile, i, len(c.desc), dim)
				}
			}
			cands = append(cands, c)
		}
	}

	sort.Slice(cands, func(i, j int) bool { return before(cands[i], cands[j]) })

	grid := newSpatialHash(tolerance)
	reps := make([]*representative, 0, len(cands))
	assign := make(map[ref]*representative, len(cands))
	for _, c := range cands {
		if r := grid.nearest(c, reps); r != nil {
			r.tiles = append(r.tiles, c.tile)
			assign[c.ref] = r
			continue
		}
		r := &representative{candidate: c, tiles: []int{c.tile}}
		grid.add(len(reps), c.kp.X, c.kp.Y)
		reps = append(reps, r)
		assign[c.ref] = r
	}

	// output order follows the representatives' own (tile, local) position
	ordered := append([]*representative(nil), reps...)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].ref, ordered[j].ref
		if a.tile != b.tile {
			return a.tile < b.tile
		}
		return a.local < b.local
	})

	out := &Merged{
		Features: features.Features{
			Keypoints: make([]features.Keypoint, len(ordered)),
			Kind:      kind,
		},
		index: make(map[ref]int, len(cands)),
	}
	if dim > 0 {
		out.Descriptors = make([][]float32, len(ordered))
	}
	pos := make(map[*representative]int, len(ordered))
	for i, r := range ordered {
		pos[r] = i
		out.Keypoints[i] = r.kp
		if dim > 0 {
			out.Descriptors[i] = r.desc
		}
	}
	for k, r := range assign {
		out.index[k] = pos[r]
	}
	return out, nil
}

// before is the canonical candidate order: score descending, then tile,
// local index and coordinates ascending.
func before(a, b candidate) bool {
	if a.kp.Score != b.kp.Score {
		return a.kp.Score > b.kp.Score
	}
	if a.tile != b.tile {
		return a.tile < b.tile
	}
	if a.local != b.local {
		return a.local < b.local
	}
	if a.kp.X != b.kp.X {
		return a.kp.X < b.kp.X
	}
	return a.kp.Y < b.kp.Y
}

// spatialHash buckets representatives by position. With a positive
// tolerance buckets are tolerance-sized cells and a lookup scans the 3x3
// neighbourhood; with zero tolerance buckets are exact coordinates.
type spatialHash struct {
	tol   float64
	cells map[[2]int64][]int
	exact map[[2]float64][]int
}

func newSpatialHash(tol float64) *spatialHash {
	if tol == 0 {
		return &spatialHash{exact: make(map[[2]float64][]int)}
	}
	return &spatialHash{tol: tol, cells: make(map[[2]int64][]int)}
}

func (h *spatialHash) cell(x, y float64) [2]int64 {
	return [2]int64{int64(math.Floor(x / h.tol)), int64(math.Floor(y / h.tol))}
}

func (h *spatialHash) add(i int, x, y float64) {
	if h.exact != nil {
		k := [2]float64{x, y}
		h.exact[k] = append(h.exact[k], i)
		return
	}
	k := h.cell(x, y)
	h.cells[k] = append(h.cells[k], i)
}

// nearest returns the closest representative within tolerance that does not
// already hold a keypoint from c's tile. Equal distances go to the earlier
// representative.
func (h *spatialHash) nearest(c candidate, reps []*representative) *representative {
	best, bestDist := -1, math.Inf(1)
	consider := func(i int) {
		r := reps[i]
		if r.hasTile(c.tile) {
			return
		}
		d := math.Hypot(r.kp.X-c.kp.X, r.kp.Y-c.kp.Y)
		if d > h.tol {
			return
		}
		if d < bestDist || (d == bestDist && i < best) {
			best, bestDist = i, d
		}
	}

	if h.exact != nil {
		for _, i := range h.exact[[2]float64{c.kp.X, c.kp.Y}] {
			consider(i)
		}
	} else {
		k := h.cell(c.kp.X, c.kp.Y)
		for dy := int64(-1); dy <= 1; dy++ {
			for dx := int64(-1); dx <= 1; dx++ {
				for _, i := range h.cells[[2]int64{k[0] + dx, k[1] + dy}] {
					consider(i)
				}
			}
		}
	}
	if best < 0 {
		return nil
	}
	return reps[best]
}
