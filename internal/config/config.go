package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	defaultConfigPath = "~/.config/dimatch/config.json"
	configEnv         = "DIMATCH_CONFIG"
)

// Config holds user-editable settings for a matching run.
type Config struct {
	General      General         `json:"general"`
	LowRes       LowRes          `json:"lowres"`
	Preselection Preselection    `json:"preselection"`
	Extractor    ModelConfig     `json:"extractor"`
	Matcher      ModelConfig     `json:"matcher"`
	Tools        map[string]Tool `json:"tools"`
	Processing   Processing      `json:"processing"`
	Store        StoreConfig     `json:"store"`
	Export       ExportConfig    `json:"export"`
	Logging      Logging         `json:"logging"`
	Paths        Paths           `json:"paths"`
	Server       ServerConfig    `json:"server"`
	Extra        map[string]any  `json:"extra,omitempty"`
	source       string
}

// General captures the run options: what to match and how.
type General struct {
	ImageDir       string       `json:"image_dir"`
	OutputDir      string       `json:"output_dir"`
	Pipeline       string       `json:"pipeline"`
	Strategy       Strategy     `json:"strategy"`
	Overlap        int          `json:"overlap"`
	Tiling         TilingPolicy `json:"tiling"`
	TileSize       TileSize     `json:"tile_size"`
	TileOverlap    int          `json:"tile_overlap"`
	DedupTolerance float64      `json:"dedup_tolerance"`
	MinMatches     int          `json:"min_matches"`
	Quality        Quality      `json:"quality"`
}

// LowRes configures the matching_lowres pair selection.
type LowRes struct {
	MaxSize  int     `json:"max_size"`  // longest side after downsampling
	TopK     int     `json:"top_k"`     // neighbours kept per image, 0 disables
	MinScore float64 `json:"min_score"` // similarity threshold, 0 disables
	Scorer   string  `json:"scorer"`    // "matches" or "descriptor"
}

// Preselection configures coarse tile-pair pruning.
type Preselection struct {
	MaxSize    int `json:"max_size"`
	MinMatches int `json:"min_matches"`
}

// ModelConfig carries per-extractor or per-matcher parameters.
type ModelConfig struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// Tool describes an external command that runs a model family.
type Tool struct {
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	TimeoutSec int      `json:"timeout_sec"`
}

// Processing captures execution preferences.
type Processing struct {
	Workers        int    `json:"workers"`
	TempDir        string `json:"temp_dir"`
	ImageCacheSize int    `json:"image_cache_size"`
}

// StoreConfig selects the feature/match store backend.
type StoreConfig struct {
	Backend StoreBackend `json:"backend"`
}

// ExportConfig controls the COLMAP database export.
type ExportConfig struct {
	Colmap        bool   `json:"colmap"`
	Database      string `json:"database"`
	CameraOptions string `json:"camera_options"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Addr            string `json:"addr"`
	GRPCAddr        string `json:"grpc_addr"`
	WatchDebounceMS int    `json:"watch_debounce_ms"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(configEnv)
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := LoadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// LoadFile decodes the JSON file at path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.Merge(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge decodes the JSON file at path into cfg, overriding only the keys
// present in the file.
func (c *Config) Merge(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		var cerr *Error
		if errors.As(err, &cerr) {
			return cerr
		}
		return fmt.Errorf("decode %s: %w", path, err)
	}
	c.source = path
	return nil
}

// Source returns the file the configuration was loaded from, if any.
func (c *Config) Source() string {
	return c.source
}

// Default returns the built-in configuration.
func Default() *Config {
	workers := runtime.NumCPU() * 3 / 4
	if workers < 1 {
		workers = 1
	}
	return &Config{
		General: General{
			OutputDir:      "./results",
			Pipeline:       "orb+kornia_matcher",
			Strategy:       StrategyMatchingLowres,
			Overlap:        1,
			Tiling:         TilingNone,
			TileSize:       TileSize{Width: 2400, Height: 2000},
			TileOverlap:    50,
			DedupTolerance: 1.0,
			MinMatches:     20,
			Quality:        QualityHigh,
		},
		LowRes: LowRes{
			MaxSize: 1000,
			TopK:    10,
			Scorer:  "matches",
		},
		Preselection: Preselection{
			MaxSize:    1000,
			MinMatches: 1,
		},
		Extractor: ModelConfig{Params: map[string]any{"max_keypoints": 4096}},
		Matcher:   ModelConfig{Params: map[string]any{}},
		Tools:     map[string]Tool{},
		Processing: Processing{
			Workers:        workers,
			TempDir:        os.TempDir(),
			ImageCacheSize: 8,
		},
		Store: StoreConfig{Backend: BackendSQLite},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./results",
			DatabasePath:  filepath.Join(os.TempDir(), "dimatch.db"),
		},
		Server: ServerConfig{
			Addr:            ":8080",
			GRPCAddr:        ":9090",
			WatchDebounceMS: 2000,
		},
	}
}

// Clone returns a deep copy suitable for per-run overrides.
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		// every field is JSON-encodable
		panic(err)
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	out.source = c.source
	return out
}

// FeaturePath returns where the feature store lives for this run.
func (c *Config) FeaturePath() string {
	return filepath.Join(c.General.OutputDir, "features"+c.Store.Backend.Suffix())
}

// MatchPath returns where the match store lives for this run.
func (c *Config) MatchPath() string {
	return filepath.Join(c.General.OutputDir, "matches"+c.Store.Backend.Suffix())
}

// ColmapDatabase returns the export database path.
func (c *Config) ColmapDatabase() string {
	if c.Export.Database != "" {
		return c.Export.Database
	}
	return filepath.Join(c.General.OutputDir, "database.db")
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
