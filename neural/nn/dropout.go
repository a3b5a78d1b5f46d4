package nn

import (
	"fmt"

	"golang.org/x/exp/rand"

	. "github.com/golangast/meldecoder/neural/tensor"
)

// Dropout zeroes elements with probability P and scales the survivors by
// 1/(1-P), so the expected activation is unchanged.
type Dropout struct {
	P   float64
	rng *rand.Rand
}

// NewDropout creates a dropout layer drawing its masks from rng.
func NewDropout(rng *rand.Rand, p float64) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %v", p)
	}
	return &Dropout{P: p, rng: rng}, nil
}

// Forward applies dropout when active is true. Inactive or zero-probability
// dropout returns the input unchanged.
func (d *Dropout) Forward(input *Tensor, active bool) *Tensor {
	if !active || d.P == 0 {
		return input
	}
	scale := 1.0 / (1.0 - d.P)
	out := Zeros(input.Shape...)
	for i, v := range input.Data {
		if d.rng.Float64() >= d.P {
			out.Data[i] = v * scale
		}
	}
	return out
}
