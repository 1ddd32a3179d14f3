package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalid is matched by every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// Error reports a configuration value that cannot be used. It is fatal and
// raised before any work is scheduled.
type Error struct {
	Field  string
	Value  string
	Reason string
}

func (e *Error) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("config: %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *Error) Is(target error) bool { return target == ErrInvalid }

// Validate checks option combinations that the decoders cannot check alone.
func (c *Config) Validate() error {
	g := c.General
	if _, err := ParseStrategy(string(g.Strategy)); err != nil {
		return err
	}
	if _, err := ParseTilingPolicy(string(g.Tiling)); err != nil {
		return err
	}
	if _, err := ParseQuality(string(g.Quality)); err != nil {
		return err
	}
	if _, err := ParseStoreBackend(string(c.Store.Backend)); err != nil {
		return err
	}
	if _, _, err := SplitPipeline(g.Pipeline); err != nil {
		return err
	}
	if g.Strategy == StrategySequential && g.Overlap < 1 {
		return &Error{Field: "general.overlap", Value: strconv.Itoa(g.Overlap), Reason: "sequential overlap must be at least 1"}
	}
	if g.Tiling.Enabled() {
		if g.TileOverlap <= 0 {
			return &Error{Field: "general.tile_overlap", Value: strconv.Itoa(g.TileOverlap), Reason: "tile overlap must be positive when tiling is enabled"}
		}
		if g.TileSize.Width <= 2*g.TileOverlap || g.TileSize.Height <= 2*g.TileOverlap {
			return &Error{Field: "general.tile_size", Value: g.TileSize.String(), Reason: "tile size must exceed twice the tile overlap"}
		}
	}
	if g.DedupTolerance < 0 {
		return &Error{Field: "general.dedup_tolerance", Value: strconv.FormatFloat(g.DedupTolerance, 'g', -1, 64), Reason: "tolerance must not be negative"}
	}
	if g.MinMatches < 0 {
		return &Error{Field: "general.min_matches", Value: strconv.Itoa(g.MinMatches), Reason: "must not be negative"}
	}
	if g.Strategy == StrategyMatchingLowres {
		if c.LowRes.TopK < 0 {
			return &Error{Field: "lowres.top_k", Value: strconv.Itoa(c.LowRes.TopK), Reason: "must not be negative"}
		}
		if c.LowRes.TopK == 0 && c.LowRes.MinScore <= 0 {
			return &Error{Field: "lowres.top_k", Value: "0", Reason: "top_k must be at least 1 when no min_score is set"}
		}
		if c.LowRes.MaxSize < 8 {
			return &Error{Field: "lowres.max_size", Value: strconv.Itoa(c.LowRes.MaxSize), Reason: "too small"}
		}
		switch c.LowRes.Scorer {
		case "matches", "descriptor":
		default:
			return &Error{Field: "lowres.scorer", Value: c.LowRes.Scorer, Reason: "unknown scorer"}
		}
	}
	if g.Tiling == TilingPreselection && c.Preselection.MaxSize < 8 {
		return &Error{Field: "preselection.max_size", Value: strconv.Itoa(c.Preselection.MaxSize), Reason: "too small"}
	}
	if c.Processing.Workers < 1 {
		return &Error{Field: "processing.workers", Value: strconv.Itoa(c.Processing.Workers), Reason: "at least one worker is required"}
	}
	for name, tool := range c.Tools {
		if tool.Command == "" {
			return &Error{Field: "tools." + name + ".command", Reason: "command is required"}
		}
	}
	return nil
}

// fingerprinted is the part of the configuration that determines store contents.
type fingerprinted struct {
	Pipeline       string       `json:"pipeline"`
	Strategy       Strategy     `json:"strategy"`
	Overlap        int          `json:"overlap"`
	Tiling         TilingPolicy `json:"tiling"`
	TileSize       TileSize     `json:"tile_size"`
	TileOverlap    int          `json:"tile_overlap"`
	DedupTolerance float64      `json:"dedup_tolerance"`
	MinMatches     int          `json:"min_matches"`
	Quality        Quality      `json:"quality"`
	LowRes         LowRes       `json:"lowres"`
	Preselection   Preselection `json:"preselection"`
	Extractor      ModelConfig  `json:"extractor"`
	Matcher        ModelConfig  `json:"matcher"`
}

// Fingerprint hashes the settings that affect matching output. Paths, worker
// counts and logging do not contribute.
func (c *Config) Fingerprint() string {
	g := c.General
	fp := fingerprinted{
		Pipeline:       g.Pipeline,
		Strategy:       g.Strategy,
		Overlap:        g.Overlap,
		Tiling:         g.Tiling,
		TileSize:       g.TileSize,
		TileOverlap:    g.TileOverlap,
		DedupTolerance: g.DedupTolerance,
		MinMatches:     g.MinMatches,
		Quality:        g.Quality,
		LowRes:         c.LowRes,
		Preselection:   c.Preselection,
		Extractor:      c.Extractor,
		Matcher:        c.Matcher,
	}
	if g.Strategy != StrategySequential {
		fp.Overlap = 0
	}
	// map keys are sorted by encoding/json
	data, _ := json.Marshal(fp)
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
