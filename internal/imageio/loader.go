package imageio

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	// decoders registered with image.Decode
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupported is returned when no loader accepts a path.
var ErrUnsupported = errors.New("unsupported image format")

// Loader decodes one family of image formats.
type Loader interface {
	CanLoad(path string) bool
	Load(path string) (image.Image, error)
}

// Registry picks the first registered loader that accepts a path.
type Registry struct {
	mu      sync.RWMutex
	loaders []Loader
}

// NewRegistry returns a registry holding the standard Go decoders followed by
// any extra loaders.
func NewRegistry(extra ...Loader) *Registry {
	r := &Registry{}
	r.Register(StdLoader{})
	for _, l := range extra {
		r.Register(l)
	}
	return r
}

// Register appends a loader.
func (r *Registry) Register(l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders = append(r.loaders, l)
}

func (r *Registry) loaderFor(path string) (Loader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.loaders {
		if l.CanLoad(path) {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", path, ErrUnsupported)
}

// CanLoad reports whether any loader accepts path.
func (r *Registry) CanLoad(path string) bool {
	_, err := r.loaderFor(path)
	return err == nil
}

// Load decodes path with the first loader that accepts it.
func (r *Registry) Load(path string) (image.Image, error) {
	l, err := r.loaderFor(path)
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}

// Dimensions returns the pixel size of path, reading only the header when
// the loader supports it.
func (r *Registry) Dimensions(path string) (int, int, error) {
	l, err := r.loaderFor(path)
	if err != nil {
		return 0, 0, err
	}
	if cl, ok := l.(interface {
		Config(path string) (image.Config, error)
	}); ok {
		cfg, err := cl.Config(path)
		if err == nil {
			return cfg.Width, cfg.Height, nil
		}
	}
	img, err := l.Load(path)
	if err != nil {
		return 0, 0, err
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

var stdExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
	".webp": {},
}

// StdLoader decodes the formats registered with the image package.
type StdLoader struct{}

func (StdLoader) CanLoad(path string) bool {
	_, ok := stdExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (StdLoader) Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func (StdLoader) Config(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	return cfg, err
}

var defaultRegistry = NewRegistry()

// Open decodes path with the standard loaders.
func Open(path string) (image.Image, error) {
	return defaultRegistry.Load(path)
}
