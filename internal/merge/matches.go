package merge

import (
	"fmt"
	"sort"

	"dimatch/internal/features"
)

// RawMatch is a tile-level match before remapping.
type RawMatch struct {
	TileA, LocalA int
	TileB, LocalB int
	Score         float64
}

// FromTiles converts matcher output for one tile pair into raw matches.
func FromTiles(tileA, tileB int, ms []features.Match) []RawMatch {
	out := make([]RawMatch, len(ms))
	for i, m := range ms {
		out[i] = RawMatch{TileA: tileA, LocalA: m.A, TileB: tileB, LocalB: m.B, Score: m.Score}
	}
	return out
}

// Matches remaps raw matches onto merged keypoint indices. When several raw
// matches land on the same (A, B) the highest score is kept. The result is
// sorted by (A, B).
func Matches(raw []RawMatch, a, b *Merged) ([]features.Match, error) {
	best := make(map[[2]int]float64, len(raw))
	for _, r := range raw {
		ia, ok := a.Lookup(r.TileA, r.LocalA)
		if !ok {
			return nil, fmt.Errorf("merge: no keypoint %d in tile %d of first image", r.LocalA, r.TileA)
		}
		ib, ok := b.Lookup(r.TileB, r.LocalB)
		if !ok {
			return nil, fmt.Errorf("merge: no keypoint %d in tile %d of second image", r.LocalB, r.TileB)
		}
		k := [2]int{ia, ib}
		if s, ok := best[k]; !ok || r.Score > s {
			best[k] = r.Score
		}
	}

	out := make([]features.Match, 0, len(best))
	for k, s := range best {
		out = append(out, features.Match{A: k[0], B: k[1], Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out, nil
}

// Pair merges the tile sets of both images and the raw matches between them.
func Pair(setsA, setsB []TileSet, raw []RawMatch, tolerance float64) (*Merged, *Merged, []features.Match, error) {
	a, err := Keypoints(setsA, tolerance)
	if err != nil {
		return nil, nil, nil, err
	}
	b, err := Keypoints(setsB, tolerance)
	if err != nil {
		return nil, nil, nil, err
	}
	ms, err := Matches(raw, a, b)
	if err != nil {
		return nil, nil, nil, err
	}
	return a, b, ms, nil
}
