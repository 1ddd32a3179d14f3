// Package opencv provides ORB and SIFT extractors and a brute-force
// descriptor matcher backed by OpenCV.
package opencv

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"

	"dimatch/internal/config"
	"dimatch/internal/features"
	"dimatch/internal/ports"
)

// Algorithm selects the OpenCV detector.
type Algorithm string

const (
	ORB  Algorithm = "orb"
	SIFT Algorithm = "sift"
)

// Extractor detects and describes keypoints with ORB or SIFT. A new OpenCV
// detector is created per call, so one Extractor serves concurrent callers.
type Extractor struct {
	Algorithm    Algorithm
	MaxKeypoints int
}

// NewORB builds the ORB extractor; max_keypoints bounds the detections.
func NewORB(cfg *config.Config) (features.Extractor, error) {
	return &Extractor{Algorithm: ORB, MaxKeypoints: ports.Int(cfg.Extractor.Params, "max_keypoints", 4096)}, nil
}

// NewSIFT builds the SIFT extractor.
func NewSIFT(cfg *config.Config) (features.Extractor, error) {
	return &Extractor{Algorithm: SIFT, MaxKeypoints: ports.Int(cfg.Extractor.Params, "max_keypoints", 4096)}, nil
}

func (e *Extractor) Name() string { return string(e.Algorithm) }

func (e *Extractor) Extract(ctx context.Context, img image.Image) (features.Features, error) {
	if err := ctx.Err(); err != nil {
		return features.Features{}, err
	}
	rgb, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return features.Features{}, fmt.Errorf("convert image: %w", err)
	}
	defer rgb.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(rgb, &gray, gocv.ColorRGBToGray)

	mask := gocv.NewMat()
	defer mask.Close()

	var (
		kps  []gocv.KeyPoint
		desc gocv.Mat
		kind features.DescriptorKind
	)
	switch e.Algorithm {
	case ORB:
		orb := gocv.NewORBWithParams(e.MaxKeypoints, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
		defer orb.Close()
		kps, desc = orb.DetectAndCompute(gray, mask)
		kind = features.Binary
	case SIFT:
		sift := gocv.NewSIFT()
		defer sift.Close()
		kps, desc = sift.DetectAndCompute(gray, mask)
		kind = features.Float
	default:
		return features.Features{}, fmt.Errorf("unknown algorithm %q", e.Algorithm)
	}
	defer desc.Close()

	f := features.Features{Kind: kind}
	if len(kps) == 0 || desc.Empty() {
		return f, nil
	}
	if desc.Rows() != len(kps) {
		return f, fmt.Errorf("%d keypoints but %d descriptor rows", len(kps), desc.Rows())
	}

	order := make([]int, len(kps))
	for i := range order {
		order[i] = i
	}
	// strongest first, position as tie-break, so truncation is deterministic
	sort.SliceStable(order, func(i, j int) bool {
		a, b := kps[order[i]], kps[order[j]]
		if a.Response != b.Response {
			return a.Response > b.Response
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	if e.MaxKeypoints > 0 && len(order) > e.MaxKeypoints {
		order = order[:e.MaxKeypoints]
	}

	cols := desc.Cols()
	for _, i := range order {
		kp := kps[i]
		f.Keypoints = append(f.Keypoints, features.Keypoint{
			X:     kp.X,
			Y:     kp.Y,
			Scale: kp.Size,
			Angle: kp.Angle,
			Score: kp.Response,
		})
		row := make([]float32, cols)
		for c := 0; c < cols; c++ {
			if kind == features.Binary {
				row[c] = float32(desc.GetUCharAt(i, c))
			} else {
				row[c] = desc.GetFloatAt(i, c)
			}
		}
		f.Descriptors = append(f.Descriptors, row)
	}
	return f, nil
}

// BFMatcher runs OpenCV's brute-force k-NN matcher with a ratio test. The
// norm follows the descriptor kind: Hamming for binary, L2 for float.
type BFMatcher struct {
	Ratio     float64
	CrossTest bool
}

// NewBF builds the matcher registered as kornia_matcher.
func NewBF(cfg *config.Config) (features.Matcher, error) {
	return &BFMatcher{
		Ratio:     ports.Float(cfg.Matcher.Params, "ratio", 0.8),
		CrossTest: ports.Bool(cfg.Matcher.Params, "cross_check", false),
	}, nil
}

func (m *BFMatcher) Name() string { return "kornia_matcher" }

func (m *BFMatcher) Match(ctx context.Context, a, b features.Features) ([]features.Match, error) {
	if len(a.Descriptors) == 0 || len(b.Descriptors) == 0 {
		return nil, nil
	}
	if a.Kind != b.Kind {
		return nil, fmt.Errorf("descriptor kinds differ: %s vs %s", a.Kind, b.Kind)
	}
	qa, err := descriptorMat(a)
	if err != nil {
		return nil, err
	}
	defer qa.Close()
	tb, err := descriptorMat(b)
	if err != nil {
		return nil, err
	}
	defer tb.Close()

	norm := gocv.NormL2
	if a.Kind == features.Binary {
		norm = gocv.NormHamming
	}
	bf := gocv.NewBFMatcherWithParams(norm, false)
	defer bf.Close()

	k := 2
	if len(b.Descriptors) < 2 {
		k = 1
	}
	knn := bf.KnnMatch(qa, tb, k)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var reverse map[int]int
	if m.CrossTest {
		reverse = make(map[int]int)
		for _, ms := range bf.KnnMatch(tb, qa, 1) {
			if len(ms) > 0 {
				reverse[ms[0].QueryIdx] = ms[0].TrainIdx
			}
		}
	}

	var out []features.Match
	for _, ms := range knn {
		if len(ms) == 0 {
			continue
		}
		best := ms[0]
		if m.Ratio > 0 && len(ms) > 1 && best.Distance >= m.Ratio*ms[1].Distance {
			continue
		}
		if reverse != nil && reverse[best.TrainIdx] != best.QueryIdx {
			continue
		}
		out = append(out, features.Match{A: best.QueryIdx, B: best.TrainIdx, Score: 1 / (1 + best.Distance)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].A < out[j].A })
	return out, nil
}

func descriptorMat(f features.Features) (gocv.Mat, error) {
	rows, cols := len(f.Descriptors), len(f.Descriptors[0])
	if f.Kind == features.Binary {
		buf := make([]byte, 0, rows*cols)
		for _, d := range f.Descriptors {
			for _, v := range d {
				buf = append(buf, uint8(v))
			}
		}
		return gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8U, buf)
	}
	buf := make([]byte, 0, rows*cols*4)
	for _, d := range f.Descriptors {
		for _, v := range d {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV32F, buf)
}
