package detect

import (
	"context"
	"fmt"
)

// Scorer produces an anomaly score in [0, 1] from an event's normalized
// features. Implementations may call out to an external model; the engine
// only requires determinism for identical feature vectors.
type Scorer interface {
	Score(ctx context.Context, features map[string]float64) (float64, error)
}

// MeanScorer is the built-in scorer: the mean of the selected features,
// which are already normalized to [0, 1] upstream. Good enough for rules
// whose feature extraction has done the real work.
type MeanScorer struct{}

// Score returns the arithmetic mean of the feature values
func (MeanScorer) Score(_ context.Context, features map[string]float64) (float64, error) {
	if len(features) == 0 {
		return 0, fmt.Errorf("no features to score")
	}
	sum := 0.0
	for _, v := range features {
		sum += v
	}
	return sum / float64(len(features)), nil
}
