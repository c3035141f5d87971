// Package logits selects the next token from a logit vector.
package logits

import (
	"errors"
	"math"
)

// ErrEmptyLogits is returned when there is nothing to select from.
var ErrEmptyLogits = errors.New("logits: empty vector")

// Argmax returns the index of the largest value. Ties go to the lowest
// index and NaN entries never win. It returns -1 for an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		return -1
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV || (isNaN(bestV) && !isNaN(x[i])) {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// Greedy is deterministic argmax selection.
type Greedy struct{}

func (Greedy) Select(logits []float32) (int, error) {
	id := Argmax(logits)
	if id < 0 {
		return -1, ErrEmptyLogits
	}
	return id, nil
}

func isNaN(v float32) bool { return math.IsNaN(float64(v)) }
