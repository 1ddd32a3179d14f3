package imageio

import (
	"image"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache keeps recently decoded images in memory. Large images are decoded
// once per tile batch instead of once per tile.
type Cache struct {
	reg    *Registry
	images *lru.Cache[string, image.Image]
}

// NewCache returns a cache holding at most size decoded images.
func NewCache(reg *Registry, size int) (*Cache, error) {
	if size < 1 {
		size = 1
	}
	images, err := lru.New[string, image.Image](size)
	if err != nil {
		return nil, err
	}
	return &Cache{reg: reg, images: images}, nil
}

// Get returns the decoded pixels of im.
func (c *Cache) Get(im Image) (image.Image, error) {
	if img, ok := c.images.Get(im.Path); ok {
		return img, nil
	}
	img, err := c.reg.Load(im.Path)
	if err != nil {
		return nil, err
	}
	c.images.Add(im.Path, img)
	return img, nil
}

// Region returns the pixels of r in im with the origin moved to (0,0).
func (c *Cache) Region(im Image, r image.Rectangle) (image.Image, error) {
	img, err := c.Get(im)
	if err != nil {
		return nil, err
	}
	if r == img.Bounds() && r.Min == (image.Point{}) {
		return img, nil
	}
	return Crop(img, r), nil
}

// Len reports the number of cached images.
func (c *Cache) Len() int { return c.images.Len() }
