package classify

import (
	"context"
	"errors"
	"fmt"
	"math"

	"malinject/internal/matrix"
)

// Scores holds one score per class.
type Scores []float64

// Classifier scores a rendered sample. Implementations wrap the external model.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, image matrix.Matrix) (Scores, error)
}

// Argmax returns the index of the highest score, preferring the lowest index on ties.
func (s Scores) Argmax() int {
	best := -1
	for i, v := range s {
		if best < 0 || v > s[best] {
			best = i
		}
	}
	return best
}

func (s Scores) Validate() error {
	if len(s) == 0 {
		return errors.New("classifier returned no scores")
	}
	for i, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("classifier score %d is not finite", i)
		}
	}
	return nil
}

// At returns the score of class, or zero when the class is out of range.
func (s Scores) At(class int) float64 {
	if class < 0 || class >= len(s) {
		return 0
	}
	return s[class]
}

func (s Scores) Clone() Scores {
	if s == nil {
		return nil
	}
	out := make(Scores, len(s))
	copy(out, s)
	return out
}
