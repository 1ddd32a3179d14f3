package pairs

import (
	"context"
	"fmt"

	"dimatch/internal/config"
	"dimatch/internal/imageio"
)

// Selector picks pairs according to a configured strategy.
type Selector struct {
	Strategy config.Strategy
	Overlap  int
	TopK     int
	MinScore float64
	Scorer   Scorer // required for matching_lowres
}

// Select returns the deduplicated pairs of images. Fewer than two images
// yield an empty selection.
func (s Selector) Select(ctx context.Context, images []imageio.Image) (Selection, error) {
	sel := Selection{Strategy: s.Strategy, Considered: allPairs(len(images))}
	if len(images) < 2 {
		return sel, nil
	}

	var (
		out []Pair
		err error
	)
	switch s.Strategy {
	case config.StrategyBruteforce:
		out = Bruteforce(len(images))
	case config.StrategySequential:
		out, err = Sequential(len(images), s.Overlap)
	case config.StrategyMatchingLowres:
		if s.Scorer == nil {
			return sel, fmt.Errorf("matching_lowres: no scorer configured")
		}
		out, err = LowRes(ctx, images, s.Scorer, s.TopK, s.MinScore)
	default:
		_, err = config.ParseStrategy(string(s.Strategy))
	}
	if err != nil {
		return sel, err
	}
	sel.Pairs = normalize(out)
	return sel, nil
}
