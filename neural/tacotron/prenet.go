package tacotron

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/golangast/meldecoder/neural/nn"
	. "github.com/golangast/meldecoder/neural/tensor"
)

// PreNet is the two-layer bottleneck applied to every frame before it
// enters the recurrence: (Linear -> ReLU -> Dropout) twice.
type PreNet struct {
	Layers  []*nn.Linear
	Dropout *nn.Dropout
}

// NewPreNet creates a prenet mapping inputDim -> outputDim -> outputDim.
func NewPreNet(rng *rand.Rand, inputDim, outputDim int, dropoutP float64) (*PreNet, error) {
	first, err := nn.NewLinear(rng, inputDim, outputDim, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create prenet layer 1: %w", err)
	}
	second, err := nn.NewLinear(rng, outputDim, outputDim, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create prenet layer 2: %w", err)
	}
	dropout, err := nn.NewDropout(rng, dropoutP)
	if err != nil {
		return nil, fmt.Errorf("failed to create prenet dropout: %w", err)
	}
	return &PreNet{Layers: []*nn.Linear{first, second}, Dropout: dropout}, nil
}

// Parameters returns all learnable parameters of the prenet.
func (p *PreNet) Parameters() []*Tensor {
	params := []*Tensor{}
	for _, l := range p.Layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// Forward transforms frames shaped [batch, mel] or [batch, length, mel].
func (p *PreNet) Forward(frames *Tensor, dropout bool) (*Tensor, error) {
	out := frames
	for i, l := range p.Layers {
		y, err := l.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("prenet layer %d failed: %w", i+1, err)
		}
		out = p.Dropout.Forward(y.ReLU(), dropout)
	}
	return out, nil
}
