package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv(configEnv, filepath.Join(t.TempDir(), "nope.json"))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().General, cfg.General)
}

func TestLoadFileOverridesOnlyPresentKeys(t *testing.T) {
	path := writeConfig(t, `{
		"general": {"strategy": "sequential", "overlap": 3, "tiling": "grid", "tile_size": [500, 400]},
		"store": {"backend": "pebble"}
	}`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, StrategySequential, cfg.General.Strategy)
	assert.Equal(t, 3, cfg.General.Overlap)
	assert.Equal(t, TilingGrid, cfg.General.Tiling)
	assert.Equal(t, TileSize{Width: 500, Height: 400}, cfg.General.TileSize)
	assert.Equal(t, 50, cfg.General.TileOverlap)
	assert.Equal(t, BackendPebble, cfg.Store.Backend)
	assert.Equal(t, path, cfg.Source())
	assert.Equal(t, filepath.Join("results", "features.pebble"), filepath.Clean(cfg.FeaturePath()))
}

func TestUnknownStrategyRejectedAtParse(t *testing.T) {
	path := writeConfig(t, `{"general": {"strategy": "random"}}`)
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "general.strategy", cerr.Field)
}

func TestUnknownTilingRejectedAtParse(t *testing.T) {
	path := writeConfig(t, `{"general": {"tiling": "mosaic"}}`)
	_, err := LoadFile(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(c *Config)
		field string
	}{
		{"sequential zero overlap", func(c *Config) {
			c.General.Strategy = StrategySequential
			c.General.Overlap = 0
		}, "general.overlap"},
		{"tiling zero overlap", func(c *Config) {
			c.General.Tiling = TilingGrid
			c.General.TileOverlap = 0
		}, "general.tile_overlap"},
		{"tile smaller than overlap", func(c *Config) {
			c.General.Tiling = TilingExhaustive
			c.General.TileSize = TileSize{Width: 80, Height: 80}
		}, "general.tile_size"},
		{"negative tolerance", func(c *Config) { c.General.DedupTolerance = -1 }, "general.dedup_tolerance"},
		{"lowres without k or threshold", func(c *Config) { c.LowRes.TopK = 0 }, "lowres.top_k"},
		{"unknown pipeline", func(c *Config) { c.General.Pipeline = "orb+magic" }, "general.pipeline"},
		{"detector-free pipeline", func(c *Config) { c.General.Pipeline = "loftr" }, "general.pipeline"},
		{"no workers", func(c *Config) { c.Processing.Workers = 0 }, "processing.workers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.edit(cfg)
			err := cfg.Validate()
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.field, cerr.Field)
		})
	}
}

func TestTilingOverlapIgnoredWhenTilingOff(t *testing.T) {
	cfg := Default()
	cfg.General.Tiling = TilingNone
	cfg.General.TileOverlap = 0
	assert.NoError(t, cfg.Validate())
}

func TestLowresThresholdOnly(t *testing.T) {
	cfg := Default()
	cfg.LowRes.TopK = 0
	cfg.LowRes.MinScore = 0.5
	assert.NoError(t, cfg.Validate())
}

func TestParseTileSize(t *testing.T) {
	ts, err := ParseTileSize("500x400")
	require.NoError(t, err)
	assert.Equal(t, TileSize{500, 400}, ts)

	ts, err = ParseTileSize("256")
	require.NoError(t, err)
	assert.Equal(t, TileSize{256, 256}, ts)

	_, err = ParseTileSize("wide")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSplitPipeline(t *testing.T) {
	ex, m, err := SplitPipeline("superpoint+lightglue")
	require.NoError(t, err)
	assert.Equal(t, "superpoint", ex)
	assert.Equal(t, "lightglue", m)
}

func TestQualityScale(t *testing.T) {
	assert.Equal(t, 2.0, QualityHighest.Scale())
	assert.Equal(t, 1.0, QualityHigh.Scale())
	assert.Equal(t, 0.125, QualityLowest.Scale())
}

func TestFingerprintIgnoresPaths(t *testing.T) {
	a := Default()
	b := Default()
	b.General.OutputDir = "/elsewhere"
	b.Processing.Workers = 99
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.General.DedupTolerance = 2
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestCloneIsIndependent(t *testing.T) {
	a := Default()
	b := a.Clone()
	b.Extractor.Params["max_keypoints"] = 10
	assert.NotEqual(t, a.Extractor.Params["max_keypoints"], b.Extractor.Params["max_keypoints"])
}
