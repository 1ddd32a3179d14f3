package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dimatch/internal/config"
	"dimatch/internal/export"
	"dimatch/internal/features"
	"dimatch/internal/fsutil"
	"dimatch/internal/imageio"
	"dimatch/internal/logging"
	"dimatch/internal/merge"
	"dimatch/internal/metrics"
	"dimatch/internal/pairs"
	"dimatch/internal/ports"
	"dimatch/internal/storage"
	"dimatch/internal/store"
	"dimatch/internal/tilematch"
	"dimatch/internal/tiling"
)

// ErrEmptyResult is returned when no pair produced matches.
var ErrEmptyResult = errors.New("run produced no matches")

// Deps are the collaborators of an Orchestrator. Zero values are replaced
// by defaults, except Ports which is required.
type Deps struct {
	Ports   *ports.Registry
	Loaders *imageio.Registry
	Runs    *storage.Store
	Log     *slog.Logger
}

// RunResult summarises a finished run.
type RunResult struct {
	RunID          string        `json:"run_id"`
	FeaturePath    string        `json:"feature_path"`
	MatchPath      string        `json:"match_path"`
	ColmapDatabase string        `json:"colmap_database,omitempty"`
	Images         int           `json:"images"`
	PairsSelected  int           `json:"pairs_selected"`
	PairsPruned    int           `json:"pairs_pruned"`
	PairsMatched   int           `json:"pairs_matched"`
	PairsSkipped   int           `json:"pairs_skipped"`
	TilePairs      int           `json:"tile_pairs"`
	TileFailures   int           `json:"tile_failures"`
	Keypoints      int           `json:"keypoints"`
	Matches        int           `json:"matches"`
	Duration       time.Duration `json:"duration"`
}

// Meta flattens the result for run records and job results.
func (r RunResult) Meta() map[string]any {
	return map[string]any{
		"feature_path":    r.FeaturePath,
		"match_path":      r.MatchPath,
		"colmap_database": r.ColmapDatabase,
		"images":          r.Images,
		"pairs_selected":  r.PairsSelected,
		"pairs_pruned":    r.PairsPruned,
		"pairs_matched":   r.PairsMatched,
		"pairs_skipped":   r.PairsSkipped,
		"tile_pairs":      r.TilePairs,
		"tile_failures":   r.TileFailures,
		"keypoints":       r.Keypoints,
		"matches":         r.Matches,
		"duration_ms":     r.Duration.Milliseconds(),
	}
}

// Orchestrator runs pair selection, tiled extraction and matching, merging
// and persistence for one configuration.
type Orchestrator struct {
	cfg       *config.Config
	runID     string
	log       *slog.Logger
	extractor features.Extractor
	matcher   features.Matcher
	loaders   *imageio.Registry
	runs      *storage.Store
}

// NewOrchestrator validates cfg and resolves its pipeline. Configuration
// errors surface here, before any image is read.
func NewOrchestrator(cfg *config.Config, runID string, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Ports == nil {
		return nil, errors.New("pipeline: no extractor/matcher registry")
	}
	ex, m, err := deps.Ports.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	o := &Orchestrator{
		cfg:       cfg,
		runID:     runID,
		log:       deps.Log,
		extractor: ex,
		matcher:   m,
		loaders:   deps.Loaders,
		runs:      deps.Runs,
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.loaders == nil {
		o.loaders = imageio.NewRegistry()
	}
	o.log = o.log.With("run_id", runID)
	return o, nil
}

// RunID returns the identifier used in logs and run records.
func (o *Orchestrator) RunID() string { return o.runID }

// imageState is the per-image outcome of the extraction phase.
type imageState struct {
	image  imageio.Image
	grid   tiling.Grid
	sets   []merge.TileSet
	merged *merge.Merged
	err    error
}

// pairState accumulates the tile-pair outputs of one image pair.
type pairState struct {
	pair    pairs.Pair
	mu      sync.Mutex
	pending int
	raw     []merge.RawMatch
	failed  int
	total   int
}

type tileUnit struct {
	pair *pairState
	tp   tiling.TilePair
}

// Run executes the whole pipeline and returns the store paths.
func (o *Orchestrator) Run(ctx context.Context) (RunResult, error) {
	start := time.Now()
	res := RunResult{
		RunID:       o.runID,
		FeaturePath: o.cfg.FeaturePath(),
		MatchPath:   o.cfg.MatchPath(),
	}
	g := o.cfg.General

	images, err := o.listImages()
	if err != nil {
		return res, err
	}
	res.Images = len(images)
	logging.LogStep(o.log, "images", "done", map[string]any{"count": len(images), "dir": g.ImageDir})

	src, err := imageio.NewCache(o.loaders, o.cfg.Processing.ImageCacheSize)
	if err != nil {
		return res, err
	}
	tm := tilematch.New(o.extractor, o.matcher, src, g.Quality.Scale(), o.log)

	stage := time.Now()
	sel, err := o.selector(src).Select(ctx, images)
	if err != nil {
		return res, fmt.Errorf("select pairs: %w", err)
	}
	metrics.StageDuration.WithLabelValues("select").Observe(time.Since(stage).Seconds())
	metrics.PairsSelected.WithLabelValues(string(sel.Strategy)).Add(float64(len(sel.Pairs)))
	res.PairsSelected = len(sel.Pairs)
	res.PairsPruned = sel.Pruned()
	logging.LogStep(o.log, "pairs", "done", map[string]any{
		"strategy": sel.Strategy, "selected": len(sel.Pairs), "pruned": sel.Pruned(),
	})
	if len(sel.Pairs) == 0 {
		return res, fmt.Errorf("%w: no image pairs selected from %d images", ErrEmptyResult, len(images))
	}

	stage = time.Now()
	states, err := o.extractImages(ctx, tm, images, sel.Pairs)
	if err != nil {
		return res, err
	}
	metrics.StageDuration.WithLabelValues("extract").Observe(time.Since(stage).Seconds())

	fs, err := store.Create(o.cfg.Store.Backend, res.FeaturePath)
	if err != nil {
		return res, fmt.Errorf("create feature store: %w", err)
	}
	defer fs.Close()
	ms, err := store.Create(o.cfg.Store.Backend, res.MatchPath)
	if err != nil {
		return res, fmt.Errorf("create match store: %w", err)
	}
	defer ms.Close()

	stage = time.Now()
	matched, err := o.matchPairs(ctx, tm, src, states, sel.Pairs, ms, &res)
	if err != nil {
		return res, err
	}
	metrics.StageDuration.WithLabelValues("match").Observe(time.Since(stage).Seconds())
	if len(matched) == 0 {
		return res, ErrEmptyResult
	}

	if err := o.writeFeatures(ctx, fs, states, matched, &res); err != nil {
		return res, err
	}

	if o.cfg.Export.Colmap {
		stage = time.Now()
		cams, err := export.LoadCameraOptions(o.cfg.Export.CameraOptions)
		if err != nil {
			return res, fmt.Errorf("camera options: %w", err)
		}
		res.ColmapDatabase = o.cfg.ColmapDatabase()
		sum, err := export.Colmap(ctx, res.ColmapDatabase, fs, ms, cams, o.log)
		if err != nil {
			return res, fmt.Errorf("colmap export: %w", err)
		}
		metrics.StageDuration.WithLabelValues("export").Observe(time.Since(stage).Seconds())
		logging.LogStep(o.log, "export", "done", map[string]any{
			"database": res.ColmapDatabase, "cameras": sum.Cameras, "images": sum.Images, "pairs": sum.Pairs,
		})
	}

	res.Duration = time.Since(start)
	return res, nil
}

// Plan is the work a run would do: its images and selected pairs.
type Plan struct {
	Images    []imageio.Image
	Selection pairs.Selection
}

// Plan lists the images and selects pairs without extracting tiles.
func (o *Orchestrator) Plan(ctx context.Context) (Plan, error) {
	images, err := o.listImages()
	if err != nil {
		return Plan{}, err
	}
	src, err := imageio.NewCache(o.loaders, o.cfg.Processing.ImageCacheSize)
	if err != nil {
		return Plan{}, err
	}
	sel, err := o.selector(src).Select(ctx, images)
	if err != nil {
		return Plan{}, fmt.Errorf("select pairs: %w", err)
	}
	return Plan{Images: images, Selection: sel}, nil
}

// ExportStores writes the stores of a finished run to a COLMAP database.
func ExportStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (export.Summary, error) {
	fs, err := store.Open(cfg.Store.Backend, cfg.FeaturePath())
	if err != nil {
		return export.Summary{}, fmt.Errorf("open feature store: %w", err)
	}
	defer fs.Close()
	ms, err := store.Open(cfg.Store.Backend, cfg.MatchPath())
	if err != nil {
		return export.Summary{}, fmt.Errorf("open match store: %w", err)
	}
	defer ms.Close()
	cams, err := export.LoadCameraOptions(cfg.Export.CameraOptions)
	if err != nil {
		return export.Summary{}, fmt.Errorf("camera options: %w", err)
	}
	return export.Colmap(ctx, cfg.ColmapDatabase(), fs, ms, cams, log)
}

func (o *Orchestrator) listImages() ([]imageio.Image, error) {
	dir := o.cfg.General.ImageDir
	if dir == "" {
		return nil, &config.Error{Field: "general.image_dir", Reason: "image directory is required"}
	}
	paths, err := fsutil.ListImages(dir)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	usable := paths[:0]
	for _, p := range paths {
		if o.loaders.CanLoad(p) {
			usable = append(usable, p)
		} else {
			o.log.Warn("no loader for image, skipping", "path", p)
		}
	}
	return imageio.LoadImages(o.loaders, usable, func(path string, err error) {
		o.log.Warn("unreadable image, skipping", "path", path, "error", err)
	})
}

func (o *Orchestrator) selector(src tilematch.Source) pairs.Selector {
	s := pairs.Selector{
		Strategy: o.cfg.General.Strategy,
		Overlap:  o.cfg.General.Overlap,
		TopK:     o.cfg.LowRes.TopK,
		MinScore: o.cfg.LowRes.MinScore,
	}
	if s.Strategy == config.StrategyMatchingLowres {
		coarse := tilematch.NewCoarse(o.extractor, o.matcher, src, o.cfg.LowRes.MaxSize)
		if o.cfg.LowRes.Scorer == "descriptor" {
			s.Scorer = pairs.DescriptorScorer{Source: coarse}
		} else {
			s.Scorer = pairs.MatchCountScorer{Source: coarse, Matcher: o.matcher}
		}
	}
	return s
}

// extractImages tiles and extracts every image taking part in a pair and
// merges its tile keypoints into one image-level set.
func (o *Orchestrator) extractImages(ctx context.Context, tm *tilematch.Matcher, images []imageio.Image, selected []pairs.Pair) (map[int]*imageState, error) {
	g := o.cfg.General
	states := map[int]*imageState{}
	for _, p := range selected {
		for _, id := range []int{p.A, p.B} {
			if _, ok := states[id]; ok {
				continue
			}
			im := images[id]
			grid, err := tiling.ForPolicy(g.Tiling, im.ID, im.Width, im.Height, g.TileSize, g.TileOverlap)
			if err != nil {
				return nil, fmt.Errorf("tile %s: %w", im.Name, err)
			}
			states[id] = &imageState{image: im, grid: grid}
		}
	}

	ids := make([]int, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	err := forEach(ctx, o.cfg.Processing.Workers, len(ids), func(ctx context.Context, i int) {
		st := states[ids[i]]
		sets, err := tm.ImageFeatures(ctx, st.image, st.grid)
		if err != nil {
			st.err = err
			return
		}
		st.sets = sets
		st.merged, st.err = merge.Keypoints(sets, g.DedupTolerance)
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		st := states[id]
		if st.err != nil {
			o.log.Warn("image extraction failed", "image", st.image.Name, "error", st.err)
			continue
		}
		logging.LogStep(o.log, "extract", "done", map[string]any{
			"image": st.image.Name, "tiles": len(st.grid.Tiles), "keypoints": st.merged.Len(),
		})
	}
	return states, nil
}

// matchPairs fans tile pairs out to the worker pool. Each image pair is
// merged and written once its last tile pair is done.
func (o *Orchestrator) matchPairs(ctx context.Context, tm *tilematch.Matcher, src tilematch.Source, states map[int]*imageState, selected []pairs.Pair, ms store.MatchStore, res *RunResult) (map[int]bool, error) {
	g := o.cfg.General
	var pre *tilematch.Coarse
	if g.Tiling == config.TilingPreselection {
		pre = tilematch.NewCoarse(o.extractor, o.matcher, src, o.cfg.Preselection.MaxSize)
	}

	var (
		units   []tileUnit
		results sync.Mutex
		matched = map[int]bool{}
	)
	for _, p := range selected {
		a, b := states[p.A], states[p.B]
		if a.err != nil || b.err != nil {
			o.skipPair(p, "extraction failed", errors.Join(a.err, b.err), res)
			continue
		}
		tps := o.tilePairs(ctx, pre, a, b)
		if len(tps) == 0 {
			o.skipPair(p, "no tile pairs", nil, res)
			continue
		}
		ps := &pairState{pair: p, pending: len(tps), total: len(tps)}
		for _, tp := range tps {
			units = append(units, tileUnit{pair: ps, tp: tp})
		}
	}
	res.TilePairs = len(units)

	err := forEach(ctx, o.cfg.Processing.Workers, len(units), func(ctx context.Context, i int) {
		u := units[i]
		ps := u.pair
		a, b := states[ps.pair.A], states[ps.pair.B]
		raw, err := tm.MatchTiles(ctx, a.image, b.image, u.tp)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			metrics.TilePairs.WithLabelValues("failed").Inc()
			o.log.Warn("tile pair failed", "pair", ps.pair.Key(), "tile_a", u.tp.A.Index, "tile_b", u.tp.B.Index, "error", err)
		case len(raw) == 0:
			metrics.TilePairs.WithLabelValues("empty").Inc()
		default:
			metrics.TilePairs.WithLabelValues("ok").Inc()
		}

		ps.mu.Lock()
		ps.raw = append(ps.raw, raw...)
		if err != nil {
			ps.failed++
		}
		ps.pending--
		done := ps.pending == 0
		ps.mu.Unlock()
		if !done {
			return
		}

		n, err := o.finalizePair(ctx, ps, a.merged, b.merged, ms)
		results.Lock()
		defer results.Unlock()
		res.TileFailures += ps.failed
		if err != nil {
			o.skipPair(ps.pair, "finalize failed", err, res)
			return
		}
		if n == 0 {
			res.PairsSkipped++
			metrics.PairsCompleted.WithLabelValues("skipped").Inc()
			return
		}
		matched[ps.pair.A] = true
		matched[ps.pair.B] = true
		res.PairsMatched++
		res.Matches += n
		metrics.PairsCompleted.WithLabelValues("matched").Inc()
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}

func (o *Orchestrator) tilePairs(ctx context.Context, pre *tilematch.Coarse, a, b *imageState) []tiling.TilePair {
	var corr []tiling.Correspondence
	if pre != nil {
		c, err := pre.Correspondences(ctx, a.image, b.image)
		switch {
		case err != nil:
			o.log.Warn("preselection failed, using all tile pairs", "a", a.image.Name, "b", b.image.Name, "error", err)
		case len(c) >= o.cfg.Preselection.MinMatches:
			corr = c
		}
	}
	tps, fallback := tiling.Pairs(o.cfg.General.Tiling, a.grid, b.grid, corr)
	if fallback {
		o.log.Debug("no coarse correspondences, using all tile pairs", "a", a.image.Name, "b", b.image.Name)
	}
	return tps
}

// finalizePair merges the accumulated raw matches and writes them. It
// returns the number of matches written; zero means the pair was dropped.
func (o *Orchestrator) finalizePair(ctx context.Context, ps *pairState, a, b *merge.Merged, ms store.MatchStore) (int, error) {
	if ps.failed == ps.total {
		return 0, fmt.Errorf("all %d tile pairs failed", ps.total)
	}
	final, err := merge.Matches(ps.raw, a, b)
	if err != nil {
		return 0, err
	}
	if len(final) == 0 || len(final) < o.cfg.General.MinMatches {
		logging.LogPairSkipped(o.log, ps.pair.Key(), fmt.Sprintf("%d matches below minimum %d", len(final), o.cfg.General.MinMatches), nil)
		return 0, nil
	}
	if err := ms.PutMatches(ctx, store.PairKey{A: ps.pair.A, B: ps.pair.B}, final); err != nil {
		return 0, err
	}
	return len(final), nil
}

func (o *Orchestrator) skipPair(p pairs.Pair, reason string, err error, res *RunResult) {
	logging.LogPairSkipped(o.log, p.Key(), reason, err)
	metrics.PairsCompleted.WithLabelValues("failed").Inc()
	res.PairsSkipped++
}

// writeFeatures stores the merged keypoints of every image that has at
// least one stored match set.
func (o *Orchestrator) writeFeatures(ctx context.Context, fs store.FeatureStore, states map[int]*imageState, matched map[int]bool, res *RunResult) error {
	ids := make([]int, 0, len(matched))
	for id := range matched {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		st := states[id]
		if err := fs.PutFeatures(ctx, st.image, st.merged.Features); err != nil {
			return fmt.Errorf("write features of %s: %w", st.image.Name, err)
		}
		res.Keypoints += st.merged.Len()
		if err := o.runs.RecordImageMetadata(storage.ImageMetadata{
			FilePath:  st.image.Path,
			RunID:     o.runID,
			Width:     st.image.Width,
			Height:    st.image.Height,
			Keypoints: st.merged.Len(),
		}); err != nil {
			o.log.Warn("record image metadata", "image", st.image.Name, "error", err)
		}
	}
	return nil
}

// forEach runs fn for 0..n-1 on at most workers goroutines. It returns the
// context error when ctx is cancelled before every index was handled.
func forEach(ctx context.Context, workers, n int, fn func(ctx context.Context, i int)) error {
	if workers < 1 {
		workers = 1
	}
	idx := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers && w < n; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				fn(ctx, i)
			}
		}()
	}
	var err error
feed:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case idx <- i:
		}
	}
	close(idx)
	wg.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}
