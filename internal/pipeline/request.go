package pipeline

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"dimatch/internal/config"
)

// Request overrides the base configuration for one submitted job.
type Request struct {
	Type      JobType             `json:"type"`
	ImageDir  string              `json:"image_dir"`
	OutputDir string              `json:"output_dir"`
	Pipeline  string              `json:"pipeline,omitempty"`
	Strategy  config.Strategy     `json:"strategy,omitempty"`
	Overlap   int                 `json:"overlap,omitempty"`
	Tiling    config.TilingPolicy `json:"tiling,omitempty"`
	TileSize  *config.TileSize    `json:"tile_size,omitempty"`
	Quality   config.Quality      `json:"quality,omitempty"`
	Backend   config.StoreBackend `json:"store,omitempty"`
	Colmap    *bool               `json:"export_colmap,omitempty"`
}

// DecodeRequest reads a JSON request, rejecting unknown fields and names.
func DecodeRequest(r io.Reader) (Request, error) {
	var req Request
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// Apply returns a copy of base with the request's overrides.
func (req Request) Apply(base *config.Config) *config.Config {
	cfg := base.Clone()
	g := &cfg.General
	if req.ImageDir != "" {
		g.ImageDir = req.ImageDir
	}
	if req.OutputDir != "" {
		g.OutputDir = req.OutputDir
	}
	if req.Pipeline != "" {
		g.Pipeline = req.Pipeline
	}
	if req.Strategy != "" {
		g.Strategy = req.Strategy
	}
	if req.Overlap != 0 {
		g.Overlap = req.Overlap
	}
	if req.Tiling != "" {
		g.Tiling = req.Tiling
	}
	if req.TileSize != nil {
		g.TileSize = *req.TileSize
	}
	if req.Quality != "" {
		g.Quality = req.Quality
	}
	if req.Backend != "" {
		cfg.Store.Backend = req.Backend
	}
	if req.Colmap != nil {
		cfg.Export.Colmap = *req.Colmap
	}
	return cfg
}

// Job builds a validated job with a fresh id.
func (req Request) Job(base *config.Config) (Job, error) {
	switch req.Type {
	case "":
		req.Type = JobMatch
	case JobMatch, JobPairs, JobExport:
	default:
		return Job{}, fmt.Errorf("unknown job type: %s", req.Type)
	}
	cfg := req.Apply(base)
	if req.Type != JobExport {
		if err := cfg.Validate(); err != nil {
			return Job{}, err
		}
		if cfg.General.ImageDir == "" {
			return Job{}, &config.Error{Field: "general.image_dir", Reason: "image directory is required"}
		}
	}
	return Job{ID: uuid.NewString(), Type: req.Type, Config: cfg}, nil
}
