package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Strategy names how candidate image pairs are chosen.
type Strategy string

const (
	StrategyBruteforce     Strategy = "bruteforce"
	StrategySequential     Strategy = "sequential"
	StrategyMatchingLowres Strategy = "matching_lowres"
)

// Strategies lists every accepted strategy name.
var Strategies = []Strategy{StrategyBruteforce, StrategySequential, StrategyMatchingLowres}

// ParseStrategy resolves a strategy name. Unknown names are a configuration error.
func ParseStrategy(s string) (Strategy, error) {
	for _, v := range Strategies {
		if string(v) == s {
			return v, nil
		}
	}
	return "", &Error{Field: "general.strategy", Value: s, Reason: "unknown strategy"}
}

func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Strategy) String() string { return string(s) }

// TilingPolicy names how images are subdivided and tile pairs chosen.
type TilingPolicy string

const (
	TilingNone         TilingPolicy = "none"
	TilingGrid         TilingPolicy = "grid"
	TilingExhaustive   TilingPolicy = "exhaustive"
	TilingPreselection TilingPolicy = "preselection"
)

// TilingPolicies lists every accepted tiling policy.
var TilingPolicies = []TilingPolicy{TilingNone, TilingGrid, TilingExhaustive, TilingPreselection}

// ParseTilingPolicy resolves a tiling policy name.
func ParseTilingPolicy(s string) (TilingPolicy, error) {
	for _, v := range TilingPolicies {
		if string(v) == s {
			return v, nil
		}
	}
	return "", &Error{Field: "general.tiling", Value: s, Reason: "unknown tiling policy"}
}

func (p *TilingPolicy) UnmarshalText(b []byte) error {
	v, err := ParseTilingPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p TilingPolicy) String() string { return string(p) }

// Enabled reports whether images are split into more than one tile.
func (p TilingPolicy) Enabled() bool { return p != TilingNone && p != "" }

// Quality selects the resize factor applied before extraction.
type Quality string

const (
	QualityHighest Quality = "highest"
	QualityHigh    Quality = "high"
	QualityMedium  Quality = "medium"
	QualityLow     Quality = "low"
	QualityLowest  Quality = "lowest"
)

var qualityScale = map[Quality]float64{
	QualityHighest: 2,
	QualityHigh:    1,
	QualityMedium:  0.5,
	QualityLow:     0.25,
	QualityLowest:  0.125,
}

// ParseQuality resolves a quality preset name.
func ParseQuality(s string) (Quality, error) {
	q := Quality(s)
	if _, ok := qualityScale[q]; !ok {
		return "", &Error{Field: "general.quality", Value: s, Reason: "unknown quality preset"}
	}
	return q, nil
}

func (q *Quality) UnmarshalText(b []byte) error {
	v, err := ParseQuality(string(b))
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// Scale returns the resize factor for the preset; unknown presets scale by 1.
func (q Quality) Scale() float64 {
	if s, ok := qualityScale[q]; ok {
		return s
	}
	return 1
}

// StoreBackend selects the feature/match store implementation.
type StoreBackend string

const (
	BackendSQLite StoreBackend = "sqlite"
	BackendPebble StoreBackend = "pebble"
)

// ParseStoreBackend resolves a store backend name.
func ParseStoreBackend(s string) (StoreBackend, error) {
	switch StoreBackend(s) {
	case BackendSQLite, BackendPebble:
		return StoreBackend(s), nil
	}
	return "", &Error{Field: "store.backend", Value: s, Reason: "unknown store backend"}
}

func (b *StoreBackend) UnmarshalText(p []byte) error {
	v, err := ParseStoreBackend(string(p))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Suffix is appended to the store base name.
func (b StoreBackend) Suffix() string {
	if b == BackendPebble {
		return ".pebble"
	}
	return ".db"
}

// TileSize is the nominal tile width and height in pixels.
// It decodes from [w, h] or a single number for square tiles.
type TileSize struct {
	Width  int
	Height int
}

func (t TileSize) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{t.Width, t.Height})
}

func (t *TileSize) UnmarshalJSON(b []byte) error {
	var pair []int
	if err := json.Unmarshal(b, &pair); err == nil {
		if len(pair) != 2 {
			return &Error{Field: "general.tile_size", Value: string(b), Reason: "expected [width, height]"}
		}
		t.Width, t.Height = pair[0], pair[1]
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return &Error{Field: "general.tile_size", Value: string(b), Reason: "expected [width, height] or a number"}
	}
	t.Width, t.Height = n, n
	return nil
}

// ParseTileSize accepts "WxH" or a single number.
func ParseTileSize(s string) (TileSize, error) {
	w, h, found := strings.Cut(strings.ToLower(s), "x")
	if !found {
		h = w
	}
	wi, err1 := strconv.Atoi(strings.TrimSpace(w))
	hi, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil {
		return TileSize{}, &Error{Field: "general.tile_size", Value: s, Reason: "expected WxH"}
	}
	return TileSize{Width: wi, Height: hi}, nil
}

func (t TileSize) String() string { return fmt.Sprintf("%dx%d", t.Width, t.Height) }

var (
	knownExtractors = map[string]bool{
		"superpoint": true, "disk": true, "aliked": true, "dedode": true,
		"keynetaffnethardnet": true, "orb": true, "sift": true,
	}
	knownMatchers = map[string]bool{
		"lightglue": true, "kornia_matcher": true, "nn": true,
	}
	// detector-free models match image pairs directly and have no keypoint stage
	detectorFree = map[string]bool{"loftr": true, "roma": true, "se2loftr": true}
)

// SplitPipeline breaks "extractor+matcher" into its parts.
func SplitPipeline(name string) (extractor, matcher string, err error) {
	if detectorFree[name] {
		return "", "", &Error{Field: "general.pipeline", Value: name, Reason: "detector-free pipelines are not supported"}
	}
	extractor, matcher, ok := strings.Cut(name, "+")
	if !ok || extractor == "" || matcher == "" {
		return "", "", &Error{Field: "general.pipeline", Value: name, Reason: "expected extractor+matcher"}
	}
	if !knownExtractors[extractor] {
		return "", "", &Error{Field: "general.pipeline", Value: name, Reason: "unknown extractor " + strconv.Quote(extractor)}
	}
	if !knownMatchers[matcher] {
		return "", "", &Error{Field: "general.pipeline", Value: name, Reason: "unknown matcher " + strconv.Quote(matcher)}
	}
	return extractor, matcher, nil
}
