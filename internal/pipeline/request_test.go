package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dimatch/internal/config"
)

func TestRequestApplyLeavesBaseUntouched(t *testing.T) {
	base := config.Default()
	colmap := true
	ts := config.TileSize{Width: 800, Height: 600}
	cfg := Request{ImageDir: "/a", Tiling: config.TilingExhaustive, TileSize: &ts, Colmap: &colmap}.Apply(base)
	assert.Equal(t, "/a", cfg.General.ImageDir)
	assert.Equal(t, config.TilingExhaustive, cfg.General.Tiling)
	assert.Equal(t, ts, cfg.General.TileSize)
	assert.True(t, cfg.Export.Colmap)
	assert.Empty(t, base.General.ImageDir)
	assert.False(t, base.Export.Colmap)
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest(strings.NewReader(`{"image_dir": "/imgs", "strategy": "bruteforce", "tile_size": [600, 500]}`))
	require.NoError(t, err)
	assert.Equal(t, config.StrategyBruteforce, req.Strategy)
	assert.Equal(t, &config.TileSize{Width: 600, Height: 500}, req.TileSize)

	_, err = DecodeRequest(strings.NewReader(`{"strategy": "random"}`))
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = DecodeRequest(strings.NewReader(`{"colour": "red"}`))
	assert.Error(t, err)
}

func TestRequestJob(t *testing.T) {
	job, err := Request{ImageDir: "/imgs"}.Job(config.Default())
	require.NoError(t, err)
	assert.Equal(t, JobMatch, job.Type)
	assert.NotEmpty(t, job.ID)

	_, err = Request{}.Job(config.Default())
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = Request{ImageDir: "/imgs", Tiling: config.TilingGrid, TileSize: &config.TileSize{Width: 60, Height: 60}}.Job(config.Default())
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = Request{Type: "stitch"}.Job(config.Default())
	assert.Error(t, err)

	job, err = Request{Type: JobExport, OutputDir: "/out"}.Job(config.Default())
	require.NoError(t, err)
	assert.Equal(t, "/out", job.Config.General.OutputDir)
}
