package features

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslate(t *testing.T) {
	f := Features{Keypoints: []Keypoint{{X: 1, Y: 2, Scale: 3}}}
	out := f.Translate(2, 2, 100, 50)
	assert.Equal(t, Keypoint{X: 102, Y: 54, Scale: 6}, out.Keypoints[0])
	assert.Equal(t, 1.0, f.Keypoints[0].X, "source must not change")
}

func TestErrorsUnwrap(t *testing.T) {
	err := &ExtractionError{Extractor: "orb", Region: "img0/t3", Err: ErrNoKeypoints}
	assert.True(t, errors.Is(err, ErrNoKeypoints))
	assert.Contains(t, err.Error(), "img0/t3")

	merr := &MatchingError{Matcher: "nn", Pair: "0-1", Err: errors.New("boom")}
	assert.EqualError(t, merr, "match 0-1 with nn: boom")
}

func TestCheckMatches(t *testing.T) {
	a := Features{Keypoints: make([]Keypoint, 2)}
	b := Features{Keypoints: make([]Keypoint, 1)}
	assert.NoError(t, CheckMatches([]Match{{A: 1, B: 0}}, a, b))
	assert.Error(t, CheckMatches([]Match{{A: 2, B: 0}}, a, b))
}

func TestValidate(t *testing.T) {
	f := Features{Keypoints: make([]Keypoint, 2), Descriptors: [][]float32{{1}}}
	assert.Error(t, f.Validate())
}
