package pairs

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dimatch/internal/config"
	"dimatch/internal/features"
	"dimatch/internal/imageio"
)

func images(n int) []imageio.Image {
	out := make([]imageio.Image, n)
	for i := range out {
		out[i] = imageio.Image{ID: i, Width: 100, Height: 100}
	}
	return out
}

func keys(ps []Pair) [][2]int {
	out := make([][2]int, len(ps))
	for i, p := range ps {
		out[i] = [2]int{p.A, p.B}
	}
	return out
}

func TestBruteforceCount(t *testing.T) {
	for n := 0; n <= 7; n++ {
		sel, err := Selector{Strategy: config.StrategyBruteforce}.Select(context.Background(), images(n))
		require.NoError(t, err)
		want := 0
		if n >= 2 {
			want = n * (n - 1) / 2
		}
		assert.Len(t, sel.Pairs, want, "n=%d", n)
		seen := map[[2]int]bool{}
		for _, p := range sel.Pairs {
			assert.Less(t, p.A, p.B)
			assert.False(t, seen[[2]int{p.A, p.B}])
			seen[[2]int{p.A, p.B}] = true
		}
		assert.Equal(t, 0, sel.Pruned())
	}
}

func TestSequentialWindow(t *testing.T) {
	sel, err := Selector{Strategy: config.StrategySequential, Overlap: 2}.Select(context.Background(), images(5))
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{0, 1}, {0, 2}, {1, 2}, {1, 3}, {2, 3}, {2, 4}, {3, 4}}, keys(sel.Pairs))
	assert.Equal(t, 10, sel.Considered)
	assert.Equal(t, 3, sel.Pruned())

	// overlap larger than the set degenerates to bruteforce
	sel, err = Selector{Strategy: config.StrategySequential, Overlap: 10}.Select(context.Background(), images(4))
	require.NoError(t, err)
	assert.Len(t, sel.Pairs, 6)
}

func TestSequentialRejectsZeroOverlap(t *testing.T) {
	_, err := Sequential(4, 0)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestSingleImageIsEmpty(t *testing.T) {
	for _, s := range config.Strategies {
		sel, err := Selector{Strategy: s, Overlap: 1, TopK: 1, Scorer: MatrixScorer{{0}}}.Select(context.Background(), images(1))
		require.NoError(t, err)
		assert.Empty(t, sel.Pairs)
	}
}

func TestLowResTopOneSymmetrized(t *testing.T) {
	nan := math.NaN()
	m := MatrixScorer{
		{nan, 0.9, 0.1, 0.2, 0.0},
		{0.9, nan, 0.3, 0.1, 0.0},
		{0.1, 0.3, nan, 0.8, 0.2},
		{0.2, 0.1, 0.8, nan, 0.7},
		{0.0, 0.0, 0.2, 0.7, nan},
	}
	sel, err := Selector{Strategy: config.StrategyMatchingLowres, TopK: 1, Scorer: m}.Select(context.Background(), images(5))
	require.NoError(t, err)
	// top-1: 0->1, 1->0, 2->3, 3->2, 4->3
	assert.Equal(t, [][2]int{{0, 1}, {2, 3}, {3, 4}}, keys(sel.Pairs))
	for _, p := range sel.Pairs {
		assert.Equal(t, ReasonLowres, p.Reason)
	}
	assert.Equal(t, 7, sel.Pruned())
}

func TestLowResThreshold(t *testing.T) {
	m := Matrix{
		{0, 5, 1},
		{5, 0, 3},
		{1, 3, 0},
	}
	assert.Equal(t, [][2]int{{0, 1}, {1, 2}}, keys(TopK(m, 0, 2)))
}

func TestLowResTieBreaksOnIndex(t *testing.T) {
	m := Matrix{
		{0, 1, 1},
		{1, 0, 0},
		{1, 0, 0},
	}
	assert.Equal(t, [][2]int{{0, 1}, {0, 2}}, keys(TopK(m, 1, 0)))
}

type stubCoarse map[int]features.Features

func (s stubCoarse) Coarse(ctx context.Context, im imageio.Image) (features.Features, error) {
	f, ok := s[im.ID]
	if !ok {
		return features.Features{}, errors.New("missing")
	}
	return f, nil
}

func TestDescriptorScorer(t *testing.T) {
	src := stubCoarse{
		0: {Descriptors: [][]float32{{1, 0}, {1, 0}}},
		1: {Descriptors: [][]float32{{0.9, 0.1}}},
		2: {Descriptors: [][]float32{{0, 1}}},
	}
	m, err := DescriptorScorer{Source: src}.Scores(context.Background(), images(3))
	require.NoError(t, err)
	assert.Greater(t, m[0][1], m[0][2])
	assert.InDelta(t, 0, m[0][2], 1e-6)
	assert.Equal(t, m[1][0], m[0][1])
}

type countMatcher struct{}

func (countMatcher) Name() string { return "count" }

func (countMatcher) Match(ctx context.Context, a, b features.Features) ([]features.Match, error) {
	n := min(a.Len(), b.Len())
	out := make([]features.Match, n)
	for i := range out {
		out[i] = features.Match{A: i, B: i, Score: 1}
	}
	return out, nil
}

func TestMatchCountScorer(t *testing.T) {
	kps := func(n int) features.Features { return features.Features{Keypoints: make([]features.Keypoint, n)} }
	src := stubCoarse{0: kps(5), 1: kps(3), 2: kps(0)}
	m, err := MatchCountScorer{Source: src, Matcher: countMatcher{}}.Scores(context.Background(), images(3))
	require.NoError(t, err)
	assert.Equal(t, 3.0, m[0][1])
	assert.True(t, math.IsNaN(m[0][2]))
}
