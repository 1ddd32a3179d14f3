// Package external runs extractor and matcher models that live outside the
// process. Each call starts the configured command, writes a JSON request to
// its stdin and reads a JSON response from its stdout.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"strings"
	"time"

	"dimatch/internal/config"
	"dimatch/internal/features"
)

// ToolStatus represents the availability of a tool.
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckTool verifies that the command of tool can be found and reports its
// version if it answers --version.
func CheckTool(ctx context.Context, tool config.Tool) ToolStatus {
	path, err := exec.LookPath(tool.Command)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, append(append([]string{}, tool.Args...), "--version")...).CombinedOutput()
	if err != nil && len(output) == 0 {
		// still usable; not every tool implements --version
		return ToolStatus{Available: true, Path: path, Version: "unknown"}
	}
	return ToolStatus{Available: true, Path: path, Version: extractVersion(string(output))}
}

func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}

type runner struct {
	name    string
	tool    config.Tool
	params  map[string]any
	tempDir string
}

func newRunner(cfg *config.Config, name string, params map[string]any) (*runner, error) {
	tool, ok := cfg.Tools[name]
	if !ok || tool.Command == "" {
		return nil, &config.Error{Field: "tools." + name, Reason: "no command configured for " + name}
	}
	if _, err := exec.LookPath(tool.Command); err != nil {
		return nil, &config.Error{Field: "tools." + name + ".command", Value: tool.Command, Reason: "not found in PATH"}
	}
	return &runner{name: name, tool: tool, params: params, tempDir: cfg.Processing.TempDir}, nil
}

func (r *runner) call(ctx context.Context, op string, req any, resp any) error {
	if r.tool.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.tool.TimeoutSec)*time.Second)
		defer cancel()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	args := append(append([]string{}, r.tool.Args...), op)
	cmd := exec.CommandContext(ctx, r.tool.Command, args...)
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w: %s", r.name, op, err, strings.TrimSpace(stderr.String()))
	}
	if err := json.Unmarshal(stdout.Bytes(), resp); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", r.name, op, err)
	}
	return nil
}

type wireFeatures struct {
	Keypoints   [][]float64 `json:"keypoints"` // x, y[, score[, scale[, angle]]]
	Descriptors [][]float32 `json:"descriptors"`
	Binary      bool        `json:"binary,omitempty"`
	Width       int         `json:"width,omitempty"`
	Height      int         `json:"height,omitempty"`
}

func toWire(f features.Features) wireFeatures {
	w := wireFeatures{Descriptors: f.Descriptors, Binary: f.Kind == features.Binary}
	w.Keypoints = make([][]float64, len(f.Keypoints))
	for i, kp := range f.Keypoints {
		w.Keypoints[i] = []float64{kp.X, kp.Y, kp.Score, kp.Scale, kp.Angle}
	}
	return w
}

func fromWire(w wireFeatures) (features.Features, error) {
	f := features.Features{Descriptors: w.Descriptors}
	if w.Binary {
		f.Kind = features.Binary
	}
	f.Keypoints = make([]features.Keypoint, len(w.Keypoints))
	for i, k := range w.Keypoints {
		if len(k) < 2 {
			return features.Features{}, fmt.Errorf("keypoint %d has %d values", i, len(k))
		}
		kp := features.Keypoint{X: k[0], Y: k[1]}
		if len(k) > 2 {
			kp.Score = k[2]
		}
		if len(k) > 3 {
			kp.Scale = k[3]
		}
		if len(k) > 4 {
			kp.Angle = k[4]
		}
		f.Keypoints[i] = kp
	}
	return f, f.Validate()
}

// Extractor runs a keypoint model such as SuperPoint, DISK or ALIKED.
type Extractor struct {
	r *runner
}

// NewExtractor returns a factory for the extractor called name.
func NewExtractor(name string) func(cfg *config.Config) (features.Extractor, error) {
	return func(cfg *config.Config) (features.Extractor, error) {
		r, err := newRunner(cfg, name, cfg.Extractor.Params)
		if err != nil {
			return nil, err
		}
		return &Extractor{r: r}, nil
	}
}

func (e *Extractor) Name() string { return e.r.name }

type extractRequest struct {
	Model  string         `json:"model"`
	Image  string         `json:"image"`
	Params map[string]any `json:"params,omitempty"`
}

func (e *Extractor) Extract(ctx context.Context, img image.Image) (features.Features, error) {
	f, err := os.CreateTemp(e.r.tempDir, "dimatch-*.png")
	if err != nil {
		return features.Features{}, err
	}
	defer os.Remove(f.Name())
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return features.Features{}, fmt.Errorf("write region: %w", err)
	}
	if err := f.Close(); err != nil {
		return features.Features{}, err
	}

	var resp wireFeatures
	req := extractRequest{Model: e.r.name, Image: f.Name(), Params: e.r.params}
	if err := e.r.call(ctx, "extract", req, &resp); err != nil {
		return features.Features{}, err
	}
	return fromWire(resp)
}

// Matcher runs a learned matcher such as LightGlue.
type Matcher struct {
	r         *runner
	extractor string
}

// NewMatcher returns a factory for the matcher called name. The extractor
// name is passed along because learned matchers are trained per extractor.
func NewMatcher(name string) func(cfg *config.Config) (features.Matcher, error) {
	return func(cfg *config.Config) (features.Matcher, error) {
		r, err := newRunner(cfg, name, cfg.Matcher.Params)
		if err != nil {
			return nil, err
		}
		ex, _, err := config.SplitPipeline(cfg.General.Pipeline)
		if err != nil {
			return nil, err
		}
		return &Matcher{r: r, extractor: ex}, nil
	}
}

func (m *Matcher) Name() string { return m.r.name }

type matchRequest struct {
	Model     string         `json:"model"`
	Extractor string         `json:"extractor"`
	Params    map[string]any `json:"params,omitempty"`
	A         wireFeatures   `json:"a"`
	B         wireFeatures   `json:"b"`
}

type matchResponse struct {
	Matches [][]float64 `json:"matches"` // index a, index b, score
}

func (m *Matcher) Match(ctx context.Context, a, b features.Features) ([]features.Match, error) {
	req := matchRequest{
		Model:     m.r.name,
		Extractor: m.extractor,
		Params:    m.r.params,
		A:         toWire(a),
		B:         toWire(b),
	}
	var resp matchResponse
	if err := m.r.call(ctx, "match", req, &resp); err != nil {
		return nil, err
	}
	out := make([]features.Match, 0, len(resp.Matches))
	for i, row := range resp.Matches {
		if len(row) < 2 {
			return nil, fmt.Errorf("match %d has %d values", i, len(row))
		}
		mt := features.Match{A: int(row[0]), B: int(row[1]), Score: 1}
		if len(row) > 2 {
			mt.Score = row[2]
		}
		out = append(out, mt)
	}
	return out, nil
}
