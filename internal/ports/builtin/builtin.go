// Package builtin registers every extractor and matcher shipped with dimatch.
package builtin

import (
	"dimatch/internal/ports"
	"dimatch/internal/ports/external"
	"dimatch/internal/ports/nn"
	"dimatch/internal/ports/opencv"
)

// learned models run through an external tool
var (
	externalExtractors = []string{"superpoint", "disk", "aliked", "dedode", "keynetaffnethardnet"}
	externalMatchers   = []string{"lightglue"}
)

// Register adds the built-in implementations to r.
func Register(r *ports.Registry) {
	r.RegisterExtractor("orb", opencv.NewORB)
	r.RegisterExtractor("sift", opencv.NewSIFT)
	r.RegisterMatcher("kornia_matcher", opencv.NewBF)
	r.RegisterMatcher("nn", nn.New)

	for _, name := range externalExtractors {
		r.RegisterExtractor(name, external.NewExtractor(name))
	}
	for _, name := range externalMatchers {
		r.RegisterMatcher(name, external.NewMatcher(name))
	}
}

// Registry returns a registry holding the built-in implementations.
func Registry() *ports.Registry {
	r := ports.NewRegistry()
	Register(r)
	return r
}
