package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dimatch/internal/config"
	"dimatch/internal/features"
	"dimatch/internal/logging"
	"dimatch/internal/ports"
	"dimatch/internal/store"
)

// dotExtractor reports every white pixel as a keypoint.
type dotExtractor struct {
	calls atomic.Int32
	fail  bool
}

func (d *dotExtractor) Name() string { return "dots" }

func (d *dotExtractor) Extract(ctx context.Context, img image.Image) (features.Features, error) {
	d.calls.Add(1)
	if d.fail {
		return features.Features{}, errors.New("model crashed")
	}
	var f features.Features
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			if r == 0xffff && g == 0xffff && bl == 0xffff {
				f.Keypoints = append(f.Keypoints, features.Keypoint{X: float64(x - b.Min.X), Y: float64(y - b.Min.Y), Score: 1})
				f.Descriptors = append(f.Descriptors, []float32{float32(x), float32(y)})
			}
		}
	}
	return f, nil
}

// indexMatcher pairs keypoint i with keypoint i.
type indexMatcher struct{}

func (indexMatcher) Name() string { return "index" }

func (indexMatcher) Match(ctx context.Context, a, b features.Features) ([]features.Match, error) {
	var out []features.Match
	for i := 0; i < min(a.Len(), b.Len()); i++ {
		out = append(out, features.Match{A: i, B: i, Score: 1})
	}
	return out, nil
}

func stubPorts(ex features.Extractor) *ports.Registry {
	r := ports.NewRegistry()
	r.RegisterExtractor("orb", func(*config.Config) (features.Extractor, error) { return ex, nil })
	r.RegisterMatcher("nn", func(*config.Config) (features.Matcher, error) { return indexMatcher{}, nil })
	return r
}

func writeDots(t *testing.T, dir, name string, w, h int, pts ...image.Point) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.Black)
		}
	}
	for _, p := range pts {
		img.Set(p.X, p.Y, color.White)
	}
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func testConfig(t *testing.T, imageDir string) *config.Config {
	cfg := config.Default()
	cfg.General.ImageDir = imageDir
	cfg.General.OutputDir = t.TempDir()
	cfg.General.Pipeline = "orb+nn"
	cfg.General.Strategy = config.StrategyBruteforce
	cfg.General.MinMatches = 1
	cfg.Processing.Workers = 3
	return cfg
}

var tileCentres = []image.Point{{250, 250}, {750, 250}, {250, 750}, {750, 750}}

func TestGridRunFourTilesFourMatches(t *testing.T) {
	dir := t.TempDir()
	writeDots(t, dir, "a.png", 1000, 1000, tileCentres...)
	writeDots(t, dir, "b.png", 1000, 1000, tileCentres...)

	cfg := testConfig(t, dir)
	cfg.General.Tiling = config.TilingGrid
	cfg.General.TileSize = config.TileSize{Width: 500, Height: 500}
	cfg.General.TileOverlap = 50

	ex := &dotExtractor{}
	o, err := NewOrchestrator(cfg, "", Deps{Ports: stubPorts(ex), Log: logging.Discard()})
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2, res.Images)
	assert.Equal(t, 1, res.PairsSelected)
	assert.Equal(t, 1, res.PairsMatched)
	assert.Equal(t, 4, res.TilePairs)
	assert.Equal(t, 8, res.Keypoints)
	assert.Equal(t, 4, res.Matches)
	assert.Equal(t, int32(8), ex.calls.Load(), "each tile extracted once")

	ctx := context.Background()
	fs, err := store.Open(cfg.Store.Backend, res.FeaturePath)
	require.NoError(t, err)
	defer fs.Close()
	_, f, err := fs.GetFeatures(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 4, f.Len())
	for i, p := range tileCentres {
		assert.Equal(t, float64(p.X), f.Keypoints[i].X)
		assert.Equal(t, float64(p.Y), f.Keypoints[i].Y)
	}

	ms, err := store.Open(cfg.Store.Backend, res.MatchPath)
	require.NoError(t, err)
	defer ms.Close()
	got, err := ms.GetMatches(ctx, store.PairKey{A: 0, B: 1})
	require.NoError(t, err)
	assert.Equal(t, []features.Match{{A: 0, B: 0, Score: 1}, {A: 1, B: 1, Score: 1}, {A: 2, B: 2, Score: 1}, {A: 3, B: 3, Score: 1}}, got)
}

func TestExhaustiveRunDeduplicatesOverlapKeypoints(t *testing.T) {
	dir := t.TempDir()
	// (480, 100) falls into the overlap of both column tiles
	writeDots(t, dir, "a.png", 1000, 200, image.Point{X: 480, Y: 100})
	writeDots(t, dir, "b.png", 1000, 200, image.Point{X: 480, Y: 100})

	cfg := testConfig(t, dir)
	cfg.General.Tiling = config.TilingExhaustive
	cfg.General.TileSize = config.TileSize{Width: 500, Height: 200}
	cfg.General.TileOverlap = 50
	cfg.Store.Backend = config.BackendPebble

	o, err := NewOrchestrator(cfg, "run-1", Deps{Ports: stubPorts(&dotExtractor{}), Log: logging.Discard()})
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 4, res.TilePairs)
	assert.Equal(t, 2, res.Keypoints)
	assert.Equal(t, 1, res.Matches)
}

func TestSequentialRunWithColmapExport(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		writeDots(t, dir, name, 64, 48, image.Point{X: 10, Y: 10}, image.Point{X: 40, Y: 20})
	}
	cfg := testConfig(t, dir)
	cfg.General.Strategy = config.StrategySequential
	cfg.General.Overlap = 1
	cfg.Export.Colmap = true

	o, err := NewOrchestrator(cfg, "", Deps{Ports: stubPorts(&dotExtractor{}), Log: logging.Discard()})
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.PairsMatched)
	assert.Equal(t, 1, res.PairsPruned)
	assert.FileExists(t, res.ColmapDatabase)

	sum, err := ExportStores(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Images)
	assert.Equal(t, 2, sum.Pairs)
}

func TestPreselectionRunKeepsCoarseTilePairs(t *testing.T) {
	dir := t.TempDir()
	writeDots(t, dir, "a.png", 1000, 1000, tileCentres...)
	writeDots(t, dir, "b.png", 1000, 1000, tileCentres...)

	cfg := testConfig(t, dir)
	cfg.General.Tiling = config.TilingPreselection
	cfg.General.TileSize = config.TileSize{Width: 500, Height: 500}
	cfg.General.TileOverlap = 50
	cfg.Preselection.MaxSize = 1000
	cfg.Preselection.MinMatches = 4

	o, err := NewOrchestrator(cfg, "", Deps{Ports: stubPorts(&dotExtractor{}), Log: logging.Discard()})
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	// every coarse correspondence joins tiles at the same grid position
	assert.Equal(t, 4, res.TilePairs)
	assert.Equal(t, 4, res.Matches)
	assert.Equal(t, 1, res.PairsMatched)

	// too few coarse correspondences falls back to every tile pair
	cfg.Preselection.MinMatches = 5
	o, err = NewOrchestrator(cfg, "", Deps{Ports: stubPorts(&dotExtractor{}), Log: logging.Discard()})
	require.NoError(t, err)
	res, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, res.TilePairs)
	assert.Equal(t, 16, res.Matches)
	assert.Equal(t, 1, res.PairsMatched)
}

func TestMatchingLowresKeepsNearestNeighbour(t *testing.T) {
	dir := t.TempDir()
	three := []image.Point{{10, 10}, {30, 20}, {50, 40}}
	writeDots(t, dir, "a.png", 64, 64, three...)
	writeDots(t, dir, "b.png", 64, 64, three...)
	writeDots(t, dir, "c.png", 64, 64, image.Point{X: 5, Y: 5})

	cfg := testConfig(t, dir)
	cfg.General.Strategy = config.StrategyMatchingLowres
	cfg.LowRes.TopK = 1
	cfg.LowRes.Scorer = "matches"

	o, err := NewOrchestrator(cfg, "", Deps{Ports: stubPorts(&dotExtractor{}), Log: logging.Discard()})
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	// a and b pick each other; c ties between them and takes the lower index
	assert.Equal(t, 2, res.PairsSelected)
	assert.Equal(t, 1, res.PairsPruned)
	assert.Equal(t, 2, res.PairsMatched)
	assert.Equal(t, 4, res.Matches)

	ms, err := store.Open(cfg.Store.Backend, res.MatchPath)
	require.NoError(t, err)
	defer ms.Close()
	got, err := ms.Pairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []store.PairKey{{A: 0, B: 1}, {A: 0, B: 2}}, got)
}

// widthFailExtractor fails on images of one width and finds dots elsewhere.
type widthFailExtractor struct {
	dotExtractor
	width int
}

func (e *widthFailExtractor) Extract(ctx context.Context, img image.Image) (features.Features, error) {
	if img.Bounds().Dx() == e.width {
		return features.Features{}, errors.New("model crashed")
	}
	return e.dotExtractor.Extract(ctx, img)
}

func TestMixedRunStoresOnlySuccessfulPairs(t *testing.T) {
	dir := t.TempDir()
	two := []image.Point{{10, 10}, {40, 20}}
	writeDots(t, dir, "a.png", 64, 48, two...)
	writeDots(t, dir, "b.png", 64, 48, two...)
	writeDots(t, dir, "c.png", 64, 48, image.Point{X: 10, Y: 10})
	writeDots(t, dir, "d.png", 70, 48, two...)

	cfg := testConfig(t, dir)
	cfg.General.MinMatches = 2

	o, err := NewOrchestrator(cfg, "", Deps{Ports: stubPorts(&widthFailExtractor{width: 70}), Log: logging.Discard()})
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.PairsSelected)
	assert.Equal(t, 1, res.PairsMatched)
	assert.Equal(t, 5, res.PairsSkipped)
	assert.Equal(t, 3, res.TileFailures, "every pair with d fails")
	assert.Equal(t, 2, res.Matches)
	assert.Equal(t, 4, res.Keypoints)

	ctx := context.Background()
	ms, err := store.Open(cfg.Store.Backend, res.MatchPath)
	require.NoError(t, err)
	defer ms.Close()
	got, err := ms.Pairs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.PairKey{{A: 0, B: 1}}, got)

	fs, err := store.Open(cfg.Store.Backend, res.FeaturePath)
	require.NoError(t, err)
	defer fs.Close()
	imgs, err := fs.Images(ctx)
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, "a.png", imgs[0].Name)
	assert.Equal(t, "b.png", imgs[1].Name)
}

func TestUnreadableImageIsSkipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0_broken.png"), []byte("not a png"), 0o644))
	writeDots(t, dir, "a.png", 64, 64, image.Point{X: 5, Y: 5})
	writeDots(t, dir, "b.png", 64, 64, image.Point{X: 5, Y: 5})

	o, err := NewOrchestrator(testConfig(t, dir), "", Deps{Ports: stubPorts(&dotExtractor{}), Log: logging.Discard()})
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Images)
	assert.Equal(t, 1, res.PairsMatched)

	ms, err := store.Open(testConfig(t, dir).Store.Backend, res.MatchPath)
	require.NoError(t, err)
	defer ms.Close()
	got, err := ms.GetMatches(context.Background(), store.PairKey{A: 0, B: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRunFailsWithEmptyResult(t *testing.T) {
	dir := t.TempDir()
	writeDots(t, dir, "a.png", 64, 64, image.Point{X: 5, Y: 5})
	writeDots(t, dir, "b.png", 64, 64, image.Point{X: 5, Y: 5})

	cfg := testConfig(t, dir)
	cfg.General.MinMatches = 5
	o, err := NewOrchestrator(cfg, "", Deps{Ports: stubPorts(&dotExtractor{}), Log: logging.Discard()})
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrEmptyResult)
	assert.Equal(t, 1, res.PairsSkipped)

	o, err = NewOrchestrator(cfg, "", Deps{Ports: stubPorts(&dotExtractor{fail: true}), Log: logging.Discard()})
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestSingleImageIsEmptyResult(t *testing.T) {
	dir := t.TempDir()
	writeDots(t, dir, "a.png", 64, 64, image.Point{X: 5, Y: 5})
	o, err := NewOrchestrator(testConfig(t, dir), "", Deps{Ports: stubPorts(&dotExtractor{}), Log: logging.Discard()})
	require.NoError(t, err)
	plan, err := o.Plan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, plan.Selection.Pairs)
	_, err = o.Run(context.Background())
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestConfigurationErrorsBeforeWork(t *testing.T) {
	ex := &dotExtractor{}
	cfg := testConfig(t, t.TempDir())
	cfg.General.Tiling = config.TilingGrid
	cfg.General.TileOverlap = 0
	_, err := NewOrchestrator(cfg, "", Deps{Ports: stubPorts(ex)})
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg = testConfig(t, t.TempDir())
	cfg.General.Pipeline = "superpoint+lightglue"
	_, err = NewOrchestrator(cfg, "", Deps{Ports: stubPorts(ex)})
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Zero(t, ex.calls.Load())
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	writeDots(t, dir, "a.png", 64, 64, image.Point{X: 5, Y: 5})
	writeDots(t, dir, "b.png", 64, 64, image.Point{X: 5, Y: 5})
	o, err := NewOrchestrator(testConfig(t, dir), "", Deps{Ports: stubPorts(&dotExtractor{}), Log: logging.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForEachVisitsEveryIndexOnce(t *testing.T) {
	var seen [50]atomic.Int32
	require.NoError(t, forEach(context.Background(), 4, len(seen), func(_ context.Context, i int) {
		seen[i].Add(1)
	}))
	for i := range seen {
		assert.Equal(t, int32(1), seen[i].Load(), "index %d", i)
	}
}
