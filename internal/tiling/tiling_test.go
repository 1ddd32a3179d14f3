package tiling

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dimatch/internal/config"
)

func TestSplitCoversImage(t *testing.T) {
	cases := []struct {
		w, h    int
		size    config.TileSize
		overlap int
	}{
		{1000, 1000, config.TileSize{Width: 500, Height: 500}, 50},
		{1037, 611, config.TileSize{Width: 300, Height: 200}, 25},
		{120, 90, config.TileSize{Width: 500, Height: 500}, 10},
		{7, 3, config.TileSize{Width: 2, Height: 2}, 1},
	}
	for _, tc := range cases {
		g, err := Split(0, tc.w, tc.h, tc.size, tc.overlap)
		require.NoError(t, err)
		bounds := image.Rect(0, 0, tc.w, tc.h)
		covered := make([]bool, tc.w*tc.h)
		for i, tile := range g.Tiles {
			assert.Equal(t, i, tile.Index, "row-major index")
			assert.True(t, tile.Box.In(bounds), "tile %v out of bounds", tile.Box)
			assert.False(t, tile.Box.Empty())
			for y := tile.Box.Min.Y; y < tile.Box.Max.Y; y++ {
				for x := tile.Box.Min.X; x < tile.Box.Max.X; x++ {
					covered[y*tc.w+x] = true
				}
			}
		}
		for i, ok := range covered {
			require.True(t, ok, "pixel %d not covered for %dx%d", i, tc.w, tc.h)
		}
	}
}

func TestSplitGeometry(t *testing.T) {
	g, err := Split(3, 1000, 1000, config.TileSize{Width: 500, Height: 500}, 50)
	require.NoError(t, err)
	require.Len(t, g.Tiles, 4)
	assert.Equal(t, 2, g.Rows)
	assert.Equal(t, 2, g.Cols)
	assert.Equal(t, image.Rect(0, 0, 550, 550), g.Tiles[0].Box)
	assert.Equal(t, image.Rect(450, 0, 1000, 550), g.Tiles[1].Box)
	assert.Equal(t, image.Rect(0, 450, 550, 1000), g.Tiles[2].Box)
	assert.Equal(t, image.Rect(450, 450, 1000, 1000), g.Tiles[3].Box)
	assert.Equal(t, "3/2", g.Tiles[2].Key())
	assert.Equal(t, 1, g.Tiles[3].Row)
}

func TestSplitLastTileSmaller(t *testing.T) {
	g, err := Split(0, 1100, 500, config.TileSize{Width: 500, Height: 500}, 20)
	require.NoError(t, err)
	require.Len(t, g.Tiles, 3)
	assert.Equal(t, image.Rect(1000, 0, 1100, 500), g.Tiles[2].Cell)
}

func TestSplitRejectsBadGeometry(t *testing.T) {
	_, err := Split(0, 100, 100, config.TileSize{Width: 50, Height: 50}, 0)
	assert.ErrorIs(t, err, ErrBadGeometry)
	_, err = Split(0, 0, 100, config.TileSize{Width: 50, Height: 50}, 5)
	assert.ErrorIs(t, err, ErrBadGeometry)
}

func TestNoneIsFullImage(t *testing.T) {
	g, err := ForPolicy(config.TilingNone, 1, 640, 480, config.TileSize{}, 0)
	require.NoError(t, err)
	require.Len(t, g.Tiles, 1)
	assert.Equal(t, image.Rect(0, 0, 640, 480), g.Tiles[0].Box)
}

func grid(t *testing.T, id int) Grid {
	g, err := Split(id, 1000, 1000, config.TileSize{Width: 500, Height: 500}, 50)
	require.NoError(t, err)
	return g
}

func TestPairsGridAndExhaustive(t *testing.T) {
	a, b := grid(t, 0), grid(t, 1)

	gp, _ := Pairs(config.TilingGrid, a, b, nil)
	require.Len(t, gp, 4)
	for _, p := range gp {
		assert.Equal(t, p.A.Index, p.B.Index)
	}

	ep, fallback := Pairs(config.TilingExhaustive, a, b, nil)
	assert.Len(t, ep, 16)
	assert.False(t, fallback)
}

func TestPairsPreselection(t *testing.T) {
	a, b := grid(t, 0), grid(t, 1)
	corr := []Correspondence{
		{A: Point{100, 100}, B: Point{800, 100}},
		{A: Point{120, 110}, B: Point{810, 120}}, // same tile pair again
		{A: Point{500, 800}, B: Point{200, 900}}, // A point in overlap of tiles 2 and 3
	}
	pairs, fallback := Pairs(config.TilingPreselection, a, b, corr)
	assert.False(t, fallback)

	var got [][2]int
	for _, p := range pairs {
		got = append(got, [2]int{p.A.Index, p.B.Index})
	}
	assert.Equal(t, [][2]int{{0, 1}, {2, 2}, {3, 2}}, got)
}

func TestPairsPreselectionFallsBack(t *testing.T) {
	pairs, fallback := Pairs(config.TilingPreselection, grid(t, 0), grid(t, 1), nil)
	assert.True(t, fallback)
	assert.Len(t, pairs, 16)
}
