package merge

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dimatch/internal/features"
)

func set(tile int, pts ...features.Keypoint) TileSet {
	descs := make([][]float32, len(pts))
	for i, p := range pts {
		descs[i] = []float32{float32(p.X), float32(p.Y)}
	}
	return TileSet{Tile: tile, Features: features.Features{Keypoints: pts, Descriptors: descs}}
}

func kp(x, y, score float64) features.Keypoint {
	return features.Keypoint{X: x, Y: y, Score: score}
}

func TestToleranceZeroRoundTrip(t *testing.T) {
	// tile-local coordinates plus the tile offset must survive unchanged
	offsets := [][2]float64{{0, 0}, {450, 0}, {0, 450}, {450, 450}}
	local := []features.Keypoint{kp(10.25, 3.5, 1), kp(99.125, 400.75, 0.5)}

	var sets []TileSet
	var want []features.Keypoint
	for tile, off := range offsets {
		f := features.Features{Keypoints: local}.Translate(1, 1, off[0], off[1])
		sets = append(sets, TileSet{Tile: tile, Features: f})
		want = append(want, f.Keypoints...)
	}

	m, err := Keypoints(sets, 0)
	require.NoError(t, err)
	require.Equal(t, len(want), m.Len())
	for tile := range offsets {
		for i := range local {
			g, ok := m.Lookup(tile, i)
			require.True(t, ok)
			assert.Equal(t, want[tile*len(local)+i], m.Keypoints[g])
		}
	}
}

func TestToleranceZeroCollapsesExactDuplicates(t *testing.T) {
	m, err := Keypoints([]TileSet{
		set(0, kp(500, 500, 0.4)),
		set(1, kp(500, 500, 0.9)),
		set(2, kp(500, 500.001, 0.9)),
	}, 0)
	require.NoError(t, err)
	require.Equal(t, 2, m.Len())
	a, _ := m.Lookup(0, 0)
	b, _ := m.Lookup(1, 0)
	c, _ := m.Lookup(2, 0)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 0.9, m.Keypoints[a].Score, "highest score is the representative")
}

func TestDuplicatesAcrossTilesOnly(t *testing.T) {
	m, err := Keypoints([]TileSet{
		set(0, kp(100, 100, 1), kp(100.5, 100, 0.9)), // same tile: two detections
		set(1, kp(100.2, 100, 0.8)),
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	// the tile-1 point is 0.2 from the first and 0.3 from the second
	g0, _ := m.Lookup(0, 0)
	g1, _ := m.Lookup(1, 0)
	assert.Equal(t, g0, g1)
}

func TestRepresentativeTakesOneMemberPerTile(t *testing.T) {
	m, err := Keypoints([]TileSet{
		set(0, kp(10, 10, 1)),
		set(1, kp(10.1, 10, 0.5), kp(10.2, 10, 0.4)),
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	g, _ := m.Lookup(0, 0)
	a, _ := m.Lookup(1, 0)
	b, _ := m.Lookup(1, 1)
	assert.Equal(t, g, a)
	assert.NotEqual(t, g, b)
}

func TestTieBreakLowestTile(t *testing.T) {
	m, err := Keypoints([]TileSet{
		set(3, kp(5, 5.5, 0.7)),
		set(1, kp(5, 5, 0.7)),
	}, 1)
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())
	assert.Equal(t, kp(5, 5, 0.7), m.Keypoints[0])
}

func randomSets(r *rand.Rand, tiles, per int) []TileSet {
	var sets []TileSet
	for tile := 0; tile < tiles; tile++ {
		var pts []features.Keypoint
		for i := 0; i < per; i++ {
			// coarse grid so cross-tile collisions are frequent
			pts = append(pts, kp(float64(r.Intn(20))/2, float64(r.Intn(20))/2, float64(r.Intn(4))))
		}
		sets = append(sets, set(tile, pts...))
	}
	return sets
}

func TestOrderIndependentAndIdempotent(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	setsA := randomSets(r, 4, 30)
	setsB := randomSets(r, 4, 30)
	var raw []RawMatch
	for i := 0; i < 200; i++ {
		raw = append(raw, RawMatch{
			TileA: r.Intn(4), LocalA: r.Intn(30),
			TileB: r.Intn(4), LocalB: r.Intn(30),
			Score: float64(r.Intn(10)),
		})
	}

	for _, tol := range []float64{0, 0.6, 1.5} {
		_, _, want, err := Pair(setsA, setsB, raw, tol)
		require.NoError(t, err)

		for trial := 0; trial < 5; trial++ {
			sa := append([]TileSet(nil), setsA...)
			sb := append([]TileSet(nil), setsB...)
			rr := append([]RawMatch(nil), raw...)
			r.Shuffle(len(sa), func(i, j int) { sa[i], sa[j] = sa[j], sa[i] })
			r.Shuffle(len(sb), func(i, j int) { sb[i], sb[j] = sb[j], sb[i] })
			r.Shuffle(len(rr), func(i, j int) { rr[i], rr[j] = rr[j], rr[i] })

			ma, mb, got, err := Pair(sa, sb, rr, tol)
			require.NoError(t, err)
			assert.Equal(t, want, got, "tol=%v trial=%d", tol, trial)

			ma2, _ := Keypoints(sa, tol)
			assert.Equal(t, ma.Features, ma2.Features)
			assert.NotNil(t, mb)
		}
	}
}

func TestMatchesKeepHighestScore(t *testing.T) {
	a, err := Keypoints([]TileSet{set(0, kp(1, 1, 1)), set(1, kp(1, 1, 1))}, 0)
	require.NoError(t, err)
	b, err := Keypoints([]TileSet{set(0, kp(9, 9, 1), kp(20, 20, 1))}, 0)
	require.NoError(t, err)

	ms, err := Matches([]RawMatch{
		{TileA: 0, LocalA: 0, TileB: 0, LocalB: 0, Score: 0.3},
		{TileA: 1, LocalA: 0, TileB: 0, LocalB: 0, Score: 0.8},
		{TileA: 1, LocalA: 0, TileB: 0, LocalB: 1, Score: 0.1},
	}, a, b)
	require.NoError(t, err)
	assert.Equal(t, []features.Match{{A: 0, B: 0, Score: 0.8}, {A: 0, B: 1, Score: 0.1}}, ms)
}

func TestMatchesUnknownKeypoint(t *testing.T) {
	a, _ := Keypoints([]TileSet{set(0, kp(1, 1, 1))}, 0)
	_, err := Matches([]RawMatch{{TileA: 0, LocalA: 5}}, a, a)
	assert.Error(t, err)
}

func TestRejectsInconsistentDescriptors(t *testing.T) {
	_, err := Keypoints([]TileSet{
		set(0, kp(1, 1, 1)),
		{Tile: 1, Features: features.Features{Keypoints: []features.Keypoint{kp(2, 2, 1)}, Descriptors: [][]float32{{1, 2, 3}}}},
	}, 1)
	assert.Error(t, err)

	_, err = Keypoints([]TileSet{set(0), set(0)}, 1)
	assert.Error(t, err)
}
