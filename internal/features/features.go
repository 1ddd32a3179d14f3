// Package features defines the keypoint, descriptor and match types exchanged
// with extractor and matcher implementations.
package features

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// DescriptorKind tells matchers how to compare descriptor vectors.
type DescriptorKind int

const (
	// Float descriptors are compared by Euclidean or cosine distance.
	Float DescriptorKind = iota
	// Binary descriptors hold one byte per element and are compared by Hamming distance.
	Binary
)

func (k DescriptorKind) String() string {
	if k == Binary {
		return "binary"
	}
	return "float"
}

// Keypoint is a sub-pixel detection. Scale and Angle are zero when the
// extractor does not estimate them.
type Keypoint struct {
	X, Y  float64
	Scale float64
	Angle float64
	Score float64
}

// Features are the detections of one image region. Descriptors[i] belongs
// to Keypoints[i].
type Features struct {
	Keypoints   []Keypoint
	Descriptors [][]float32
	Kind        DescriptorKind
}

// Len returns the number of keypoints.
func (f Features) Len() int { return len(f.Keypoints) }

// Validate checks that descriptors line up with keypoints.
func (f Features) Validate() error {
	if len(f.Descriptors) != 0 && len(f.Descriptors) != len(f.Keypoints) {
		return fmt.Errorf("%d keypoints but %d descriptors", len(f.Keypoints), len(f.Descriptors))
	}
	return nil
}

// Translate returns a copy with every keypoint scaled by (sx, sy) and then
// offset by (dx, dy).
func (f Features) Translate(sx, sy, dx, dy float64) Features {
	out := Features{
		Keypoints:   make([]Keypoint, len(f.Keypoints)),
		Descriptors: f.Descriptors,
		Kind:        f.Kind,
	}
	for i, kp := range f.Keypoints {
		kp.X = kp.X*sx + dx
		kp.Y = kp.Y*sy + dy
		kp.Scale *= (sx + sy) / 2
		out.Keypoints[i] = kp
	}
	return out
}

// Match links keypoint A of the first set to keypoint B of the second.
// Higher scores are more confident.
type Match struct {
	A, B  int
	Score float64
}

// Extractor detects and describes keypoints in an image region. Coordinates
// are relative to the region's origin. Implementations must be deterministic
// and safe for concurrent use.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, img image.Image) (Features, error)
}

// Matcher pairs keypoints of two feature sets. Implementations must be safe
// for concurrent use.
type Matcher interface {
	Name() string
	Match(ctx context.Context, a, b Features) ([]Match, error)
}

// ErrNoKeypoints marks a region in which the extractor found nothing.
var ErrNoKeypoints = errors.New("no keypoints")

// ExtractionError wraps a failed extraction.
type ExtractionError struct {
	Extractor string
	Region    string
	Err       error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s with %s: %v", e.Region, e.Extractor, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// MatchingError wraps a failed match.
type MatchingError struct {
	Matcher string
	Pair    string
	Err     error
}

func (e *MatchingError) Error() string {
	return fmt.Sprintf("match %s with %s: %v", e.Pair, e.Matcher, e.Err)
}

func (e *MatchingError) Unwrap() error { return e.Err }

// CheckMatches rejects indices outside the two feature sets.
func CheckMatches(ms []Match, a, b Features) error {
	for _, m := range ms {
		if m.A < 0 || m.A >= a.Len() || m.B < 0 || m.B >= b.Len() {
			return fmt.Errorf("match (%d,%d) out of range for %d/%d keypoints", m.A, m.B, a.Len(), b.Len())
		}
	}
	return nil
}
