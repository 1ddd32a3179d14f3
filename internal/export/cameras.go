package export

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// CameraModel is a COLMAP camera model id.
type CameraModel int

const (
	SimplePinhole CameraModel = 0
	Pinhole       CameraModel = 1
	SimpleRadial  CameraModel = 2
	Radial        CameraModel = 3
	OpenCV        CameraModel = 4
	FullOpenCV    CameraModel = 6
)

var cameraModels = map[string]CameraModel{
	"simple-pinhole": SimplePinhole,
	"pinhole":        Pinhole,
	"simple-radial":  SimpleRadial,
	"radial":         Radial,
	"opencv":         OpenCV,
	"full-opencv":    FullOpenCV,
}

var paramCount = map[CameraModel]int{
	SimplePinhole: 3,
	Pinhole:       4,
	SimpleRadial:  4,
	Radial:        5,
	OpenCV:        8,
	FullOpenCV:    12,
}

// ParseCameraModel accepts names like "simple-radial", "SIMPLE_RADIAL" or "pinhole".
func ParseCameraModel(s string) (CameraModel, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	m, ok := cameraModels[name]
	if !ok {
		return 0, fmt.Errorf("unknown camera model %q", s)
	}
	return m, nil
}

func (m CameraModel) String() string {
	for name, v := range cameraModels {
		if v == m {
			return name
		}
	}
	return fmt.Sprintf("model(%d)", int(m))
}

// DefaultParams guesses intrinsics from the image size.
func (m CameraModel) DefaultParams(width, height int) []float64 {
	f := 1.2 * float64(max(width, height))
	cx, cy := float64(width)/2, float64(height)/2
	out := make([]float64, paramCount[m])
	switch m {
	case SimplePinhole, SimpleRadial, Radial:
		out[0], out[1], out[2] = f, cx, cy
	default:
		out[0], out[1], out[2], out[3] = f, f, cx, cy
	}
	return out
}

// Camera is a user-supplied camera shared by a set of images.
type Camera struct {
	Model  CameraModel
	Params []float64 // nil means guessed from the first image
	Images []string
}

// CameraOptions assigns camera models to images.
type CameraOptions struct {
	Model        CameraModel
	SingleCamera bool
	Cameras      []Camera
}

// DefaultCameraOptions gives every image its own SIMPLE_RADIAL camera.
func DefaultCameraOptions() CameraOptions {
	return CameraOptions{Model: SimpleRadial}
}

type cameraSection struct {
	CameraModel  string    `json:"camera_model"`
	SingleCamera bool      `json:"single_camera"`
	Intrinsics   []float64 `json:"intrinsics"`
	Images       string    `json:"images"`
}

// LoadCameraOptions reads a camera options file:
//
//	{"general": {"camera_model": "pinhole", "single_camera": true},
//	 "cam0": {"camera_model": "opencv", "intrinsics": [...], "images": "a.jpg,b.jpg"}}
func LoadCameraOptions(path string) (CameraOptions, error) {
	opts := DefaultCameraOptions()
	if path == "" {
		return opts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	var sections map[string]cameraSection
	if err := json.Unmarshal(data, &sections); err != nil {
		return opts, fmt.Errorf("decode camera options %s: %w", path, err)
	}

	if g, ok := sections["general"]; ok {
		if g.CameraModel != "" {
			if opts.Model, err = ParseCameraModel(g.CameraModel); err != nil {
				return opts, err
			}
		}
		opts.SingleCamera = g.SingleCamera
	}

	names := make([]string, 0, len(sections))
	for name := range sections {
		if name != "general" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		sec := sections[name]
		cam := Camera{Model: opts.Model}
		if sec.CameraModel != "" {
			if cam.Model, err = ParseCameraModel(sec.CameraModel); err != nil {
				return opts, fmt.Errorf("%s: %w", name, err)
			}
		}
		if len(sec.Intrinsics) > 0 {
			if len(sec.Intrinsics) != paramCount[cam.Model] {
				return opts, fmt.Errorf("%s: %s takes %d intrinsics, got %d", name, cam.Model, paramCount[cam.Model], len(sec.Intrinsics))
			}
			cam.Params = sec.Intrinsics
		}
		for _, im := range strings.Split(sec.Images, ",") {
			if im = strings.TrimSpace(im); im != "" {
				cam.Images = append(cam.Images, im)
			}
		}
		opts.Cameras = append(opts.Cameras, cam)
	}
	return opts, nil
}
