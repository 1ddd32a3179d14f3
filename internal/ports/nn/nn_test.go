package nn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dimatch/internal/config"
	"dimatch/internal/features"
)

func floats(vs ...[]float32) features.Features {
	return features.Features{Keypoints: make([]features.Keypoint, len(vs)), Descriptors: vs}
}

func TestMutualNearest(t *testing.T) {
	m := &Matcher{Ratio: 0.8, Mutual: true}
	a := floats([]float32{0, 0}, []float32{10, 10}, []float32{5, 5.1})
	b := floats([]float32{10, 10.2}, []float32{0, 0.1})

	ms, err := m.Match(context.Background(), a, b)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, 0, ms[0].A)
	assert.Equal(t, 1, ms[0].B)
	assert.Equal(t, 1, ms[1].A)
	assert.Equal(t, 0, ms[1].B)
	assert.Greater(t, ms[0].Score, ms[1].Score)
}

func TestRatioRejectsAmbiguous(t *testing.T) {
	m := &Matcher{Ratio: 0.8}
	a := floats([]float32{0, 0})
	b := floats([]float32{1, 0}, []float32{0, 1.05})
	ms, err := m.Match(context.Background(), a, b)
	require.NoError(t, err)
	assert.Empty(t, ms)

	m.Ratio = 0
	ms, err = m.Match(context.Background(), a, b)
	require.NoError(t, err)
	assert.Len(t, ms, 1)
}

func TestHamming(t *testing.T) {
	m := &Matcher{Mutual: true}
	a := features.Features{Keypoints: make([]features.Keypoint, 1), Descriptors: [][]float32{{0xff, 0x0f}}, Kind: features.Binary}
	b := features.Features{Keypoints: make([]features.Keypoint, 2), Descriptors: [][]float32{{0x00, 0x00}, {0xfe, 0x0f}}, Kind: features.Binary}
	ms, err := m.Match(context.Background(), a, b)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, 1, ms[0].B)
	assert.Equal(t, 0.5, ms[0].Score)
}

func TestMismatchedKinds(t *testing.T) {
	a := floats([]float32{1})
	b := features.Features{Keypoints: make([]features.Keypoint, 1), Descriptors: [][]float32{{1}}, Kind: features.Binary}
	_, err := (&Matcher{}).Match(context.Background(), a, b)
	assert.Error(t, err)
}

func TestNewReadsParams(t *testing.T) {
	cfg := config.Default()
	cfg.Matcher.Params = map[string]any{"ratio": 0.9, "mutual": false}
	m, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, &Matcher{Ratio: 0.9, Mutual: false}, m)

	cfg.Matcher.Params["ratio"] = 2.0
	_, err = New(cfg)
	assert.ErrorIs(t, err, config.ErrInvalid)
}
