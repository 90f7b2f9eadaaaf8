package classify

import (
	"context"
	"math"

	"malinject/internal/matrix"
)

// DefaultClasses is the number of malware families in the Big2015 layout.
const DefaultClasses = 9

// HistogramSurrogate is a deterministic stand-in for the image classifier.
// It buckets byte values into one bin per class and returns the softmax of the
// bin frequencies, so filling padding with one value shifts mass toward that
// value's class.
type HistogramSurrogate struct {
	Classes     int
	Temperature float64
}

func (HistogramSurrogate) Name() string {
	return "histogram-surrogate"
}

func (h HistogramSurrogate) Classify(ctx context.Context, image matrix.Matrix) (Scores, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	classes := h.Classes
	if classes <= 0 {
		classes = DefaultClasses
	}
	temperature := h.Temperature
	if temperature <= 0 {
		temperature = 0.1
	}
	if image.Len() == 0 {
		return nil, matrix.ErrEmptyInput
	}

	bins := make([]float64, classes)
	for _, b := range image.Data[:image.Len()] {
		bins[int(b)*classes/256]++
	}

	total := float64(image.Len())
	maxLogit := math.Inf(-1)
	for i := range bins {
		bins[i] = bins[i] / total / temperature
		maxLogit = math.Max(maxLogit, bins[i])
	}
	sum := 0.0
	for i := range bins {
		bins[i] = math.Exp(bins[i] - maxLogit)
		sum += bins[i]
	}
	scores := make(Scores, classes)
	for i := range bins {
		scores[i] = bins[i] / sum
	}
	return scores, nil
}
