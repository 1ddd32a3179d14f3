package pairs

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/viant/vec/search"

	"dimatch/internal/config"
	"dimatch/internal/features"
	"dimatch/internal/imageio"
)

// Matrix holds symmetric image-to-image similarities; higher is more similar.
// NaN marks pairs that could not be scored.
type Matrix [][]float64

// Scorer computes image-level similarity for matching_lowres.
type Scorer interface {
	Scores(ctx context.Context, images []imageio.Image) (Matrix, error)
}

// Coarse provides low-resolution features for an image.
type Coarse interface {
	Coarse(ctx context.Context, im imageio.Image) (features.Features, error)
}

// LowRes keeps, for every image, its topK most similar neighbours (or every
// neighbour at least minScore when topK is 0), then symmetrizes the result.
// A positive minScore also filters top-K candidates.
func LowRes(ctx context.Context, images []imageio.Image, scorer Scorer, topK int, minScore float64) ([]Pair, error) {
	n := len(images)
	if n < 2 {
		return nil, nil
	}
	if topK < 0 || (topK == 0 && minScore <= 0) {
		return nil, &config.Error{Field: "lowres.top_k", Value: fmt.Sprint(topK), Reason: "top_k must be at least 1 when no min_score is set"}
	}
	m, err := scorer.Scores(ctx, images)
	if err != nil {
		return nil, fmt.Errorf("lowres scores: %w", err)
	}
	if len(m) != n {
		return nil, fmt.Errorf("lowres scores: matrix has %d rows for %d images", len(m), n)
	}
	return TopK(m, topK, minScore), nil
}

// TopK applies neighbour selection to a similarity matrix. Ties are broken
// by the lower image index.
func TopK(m Matrix, k int, minScore float64) []Pair {
	type cand struct {
		j     int
		score float64
	}
	var out []Pair
	for i := range m {
		cands := make([]cand, 0, len(m))
		for j := range m[i] {
			s := sym(m, i, j)
			if j == i || math.IsNaN(s) {
				continue
			}
			if minScore > 0 && s < minScore {
				continue
			}
			cands = append(cands, cand{j, s})
		}
		sort.Slice(cands, func(a, b int) bool {
			if cands[a].score != cands[b].score {
				return cands[a].score > cands[b].score
			}
			return cands[a].j < cands[b].j
		})
		if k > 0 && len(cands) > k {
			cands = cands[:k]
		}
		for _, c := range cands {
			p := New(i, c.j, ReasonLowres)
			p.Score = c.score
			out = append(out, p)
		}
	}
	return normalize(out)
}

// sym reads the similarity of {i, j} as the larger of the two directions so
// that asymmetric scorers still produce one score per unordered pair.
func sym(m Matrix, i, j int) float64 {
	a := m[i][j]
	if j >= len(m) || i >= len(m[j]) {
		return a
	}
	b := m[j][i]
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	}
	return math.Max(a, b)
}

// MatrixScorer returns a fixed similarity matrix.
type MatrixScorer Matrix

func (s MatrixScorer) Scores(ctx context.Context, images []imageio.Image) (Matrix, error) {
	return Matrix(s), nil
}

// DescriptorScorer compares mean-pooled coarse descriptors by cosine similarity.
type DescriptorScorer struct {
	Source Coarse
}

func (s DescriptorScorer) Scores(ctx context.Context, images []imageio.Image) (Matrix, error) {
	pooled := make([][]float32, len(images))
	mags := make([]float32, len(images))
	for i, im := range images {
		f, err := s.Source.Coarse(ctx, im)
		if err != nil {
			return nil, err
		}
		pooled[i] = meanPool(f.Descriptors)
		if pooled[i] != nil {
			mags[i] = search.Float32s(pooled[i]).Magnitude()
		}
	}
	m := newMatrix(len(images))
	for i := range images {
		for j := i + 1; j < len(images); j++ {
			if mags[i] == 0 || mags[j] == 0 || len(pooled[i]) != len(pooled[j]) {
				continue
			}
			d := search.Float32s(pooled[i]).CosineDistanceWithMagnitude(pooled[j], mags[i], mags[j])
			m[i][j] = 1 - float64(d)
			m[j][i] = m[i][j]
		}
	}
	return m, nil
}

// MatchCountScorer scores a pair by the number of coarse matches.
type MatchCountScorer struct {
	Source  Coarse
	Matcher features.Matcher
}

func (s MatchCountScorer) Scores(ctx context.Context, images []imageio.Image) (Matrix, error) {
	coarse := make([]features.Features, len(images))
	for i, im := range images {
		f, err := s.Source.Coarse(ctx, im)
		if err != nil {
			return nil, err
		}
		coarse[i] = f
	}
	m := newMatrix(len(images))
	for i := range images {
		for j := i + 1; j < len(images); j++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if coarse[i].Len() == 0 || coarse[j].Len() == 0 {
				continue
			}
			ms, err := s.Matcher.Match(ctx, coarse[i], coarse[j])
			if err != nil {
				// unscored pairs are simply not selected
				continue
			}
			m[i][j] = float64(len(ms))
			m[j][i] = m[i][j]
		}
	}
	return m, nil
}

func newMatrix(n int) Matrix {
	m := make(Matrix, n)
	for i := range m {
		m[i] = make([]float64, n)
		for j := range m[i] {
			m[i][j] = math.NaN()
		}
	}
	return m
}

func meanPool(descs [][]float32) []float32 {
	if len(descs) == 0 {
		return nil
	}
	out := make([]float32, len(descs[0]))
	for _, d := range descs {
		if len(d) != len(out) {
			continue
		}
		for k, v := range d {
			out[k] += v
		}
	}
	inv := 1 / float32(len(descs))
	for k := range out {
		out[k] *= inv
	}
	return out
}
