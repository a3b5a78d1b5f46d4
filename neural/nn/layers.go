package nn

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	. "github.com/golangast/meldecoder/neural/tensor"
)

// Linear represents a linear layer (fully connected layer).
// Weights are stored [inputDim, outputDim] so Forward is input @ Weights.
type Linear struct {
	Weights *Tensor
	Biases  *Tensor // nil when the layer has no bias
}

// NewLinear creates a new Linear layer with Xavier-uniform weights and zero
// biases. Pass bias=false for a projection without an additive term.
func NewLinear(rng *rand.Rand, inputDim, outputDim int, bias bool) (*Linear, error) {
	if inputDim <= 0 || outputDim <= 0 {
		return nil, fmt.Errorf("linear layer dimensions must be positive, got %d -> %d", inputDim, outputDim)
	}

	// Xavier (Glorot) uniform initialization
	limit := math.Sqrt(6.0 / float64(inputDim+outputDim))
	weightsData := make([]float64, inputDim*outputDim)
	for i := range weightsData {
		weightsData[i] = (rng.Float64()*2 - 1) * limit
	}

	l := &Linear{Weights: NewTensor([]int{inputDim, outputDim}, weightsData)}
	if bias {
		l.Biases = Zeros(outputDim)
	}
	return l, nil
}

// InputDim returns the width the layer expects on its last axis.
func (l *Linear) InputDim() int { return l.Weights.Shape[0] }

// OutputDim returns the width the layer produces.
func (l *Linear) OutputDim() int { return l.Weights.Shape[1] }

// Parameters returns all learnable parameters of the layer.
func (l *Linear) Parameters() []*Tensor {
	params := []*Tensor{l.Weights}
	if l.Biases != nil {
		params = append(params, l.Biases)
	}
	return params
}

// Forward performs the forward pass of the Linear layer.
// Input is 2D [batch_size, input_dim] or 3D [batch_size, sequence_length, input_dim].
func (l *Linear) Forward(input *Tensor) (*Tensor, error) {
	if input == nil {
		return nil, fmt.Errorf("Linear.Forward received a nil input tensor")
	}
	if input.Dim(-1) != l.InputDim() {
		return nil, fmt.Errorf("linear layer expects last dimension %d, got shape %v", l.InputDim(), input.Shape)
	}

	var output *Tensor
	var err error

	switch len(input.Shape) {
	case 2:
		output, err = input.MatMul(l.Weights)
		if err != nil {
			return nil, fmt.Errorf("linear layer 2D matrix multiplication failed: %w", err)
		}

	case 3:
		// Fold [batch, seq, in] into [batch*seq, in], multiply, unfold.
		batchSize, seqLength := input.Shape[0], input.Shape[1]
		flat, err := input.Reshape(batchSize*seqLength, l.InputDim())
		if err != nil {
			return nil, err
		}
		output2D, err := flat.MatMul(l.Weights)
		if err != nil {
			return nil, fmt.Errorf("linear layer 3D matrix multiplication failed: %w", err)
		}
		output, err = output2D.Reshape(batchSize, seqLength, l.OutputDim())
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("linear layer only supports 2D or 3D input, got %d dimensions", len(input.Shape))
	}

	if l.Biases != nil {
		output, err = output.AddWithBroadcast(l.Biases)
		if err != nil {
			return nil, fmt.Errorf("linear layer bias addition failed: %w", err)
		}
	}

	return output, nil
}
