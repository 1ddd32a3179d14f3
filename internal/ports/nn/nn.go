// Package nn is a pure-Go nearest-neighbour descriptor matcher.
package nn

import (
	"context"
	"fmt"
	"math"
	"math/bits"

	"github.com/viant/vec/search"

	"dimatch/internal/config"
	"dimatch/internal/features"
	"dimatch/internal/ports"
)

// Matcher pairs each descriptor of A with its nearest neighbour in B.
// Ratio discards ambiguous matches whose best distance is not clearly below
// the second best; Mutual keeps only pairs that are each other's nearest.
type Matcher struct {
	Ratio       float64
	Mutual      bool
	MaxDistance float64
}

// New reads ratio, mutual and max_distance from the matcher parameters.
func New(cfg *config.Config) (features.Matcher, error) {
	p := cfg.Matcher.Params
	m := &Matcher{
		Ratio:       ports.Float(p, "ratio", 0.8),
		Mutual:      ports.Bool(p, "mutual", true),
		MaxDistance: ports.Float(p, "max_distance", 0),
	}
	if m.Ratio < 0 || m.Ratio > 1 {
		return nil, &config.Error{Field: "matcher.params.ratio", Value: fmt.Sprint(m.Ratio), Reason: "must be within [0, 1]"}
	}
	return m, nil
}

func (m *Matcher) Name() string { return "nn" }

type neighbour struct {
	best, second float64
	idx          int
}

func (m *Matcher) Match(ctx context.Context, a, b features.Features) ([]features.Match, error) {
	if len(a.Descriptors) == 0 || len(b.Descriptors) == 0 {
		return nil, nil
	}
	if a.Kind != b.Kind {
		return nil, fmt.Errorf("descriptor kinds differ: %s vs %s", a.Kind, b.Kind)
	}
	if len(a.Descriptors[0]) != len(b.Descriptors[0]) {
		return nil, fmt.Errorf("descriptor lengths differ: %d vs %d", len(a.Descriptors[0]), len(b.Descriptors[0]))
	}
	dist := euclidean
	if a.Kind == features.Binary {
		dist = hamming
	}

	fwd := nearest(a.Descriptors, b.Descriptors, dist)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var back []neighbour
	if m.Mutual {
		back = nearest(b.Descriptors, a.Descriptors, dist)
	}

	var out []features.Match
	for i, n := range fwd {
		if n.idx < 0 {
			continue
		}
		if m.MaxDistance > 0 && n.best > m.MaxDistance {
			continue
		}
		if m.Ratio > 0 && !math.IsInf(n.second, 1) && n.best >= m.Ratio*n.second {
			continue
		}
		if m.Mutual && back[n.idx].idx != i {
			continue
		}
		out = append(out, features.Match{A: i, B: n.idx, Score: 1 / (1 + n.best)})
	}
	return out, nil
}

// nearest finds, for every query, the closest and second closest train
// descriptor. Equal distances keep the lower index.
func nearest(query, train [][]float32, dist func(a, b []float32) float64) []neighbour {
	out := make([]neighbour, len(query))
	for i, q := range query {
		n := neighbour{best: math.Inf(1), second: math.Inf(1), idx: -1}
		for j, t := range train {
			d := dist(q, t)
			switch {
			case d < n.best:
				n.second = n.best
				n.best, n.idx = d, j
			case d < n.second:
				n.second = d
			}
		}
		out[i] = n
	}
	return out
}

func euclidean(a, b []float32) float64 {
	return float64(search.Float32s(a).EuclideanDistance(b))
}

// hamming compares descriptors holding one byte value per element.
func hamming(a, b []float32) float64 {
	n := 0
	for k := range a {
		n += bits.OnesCount8(uint8(a[k]) ^ uint8(b[k]))
	}
	return float64(n)
}
