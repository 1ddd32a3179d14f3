package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// decodable by the Go image packages
var nativeExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".webp": {},
}

// need the ImageMagick loader
var magickExts = map[string]struct{}{
	".heic": {},
	".heif": {},
	".jp2":  {},
	".dng":  {},
	".nef":  {},
	".cr2":  {},
	".arw":  {},
	".orf":  {},
	".raf":  {},
}

// ListImages returns all image-like files directly inside root, sorted by name.
// The order is the image order used by sequential pair selection.
func ListImages(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsImageFile(e.Name()) {
			files = append(files, filepath.Join(root, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := nativeExts[ext]; ok {
		return true
	}
	_, ok := magickExts[ext]
	return ok
}

// NeedsMagick reports whether path can only be decoded through ImageMagick.
func NeedsMagick(path string) bool {
	_, ok := magickExts[strings.ToLower(filepath.Ext(path))]
	return ok
}
