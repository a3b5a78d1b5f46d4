package nn

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	. "github.com/golangast/meldecoder/neural/tensor"
)

// Conv1D is a bias-free 1-D convolution over [batch, in_channels, length]
// input with symmetric zero padding and stride 1.
type Conv1D struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Padding     int
	// Weights is [OutChannels, InChannels, KernelSize].
	Weights *Tensor
}

// NewConv1D creates a convolution with Kaiming-uniform style weights
// bounded by 1/sqrt(inChannels*kernelSize).
func NewConv1D(rng *rand.Rand, inChannels, outChannels, kernelSize, padding int) (*Conv1D, error) {
	if inChannels <= 0 || outChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("conv1d dimensions must be positive, got in %d out %d kernel %d", inChannels, outChannels, kernelSize)
	}
	if padding < 0 {
		return nil, fmt.Errorf("conv1d padding must be non-negative, got %d", padding)
	}

	bound := 1.0 / math.Sqrt(float64(inChannels*kernelSize))
	w := Zeros(outChannels, inChannels, kernelSize)
	for i := range w.Data {
		w.Data[i] = (rng.Float64()*2 - 1) * bound
	}

	return &Conv1D{
		InChannels:  inChannels,
		OutChannels: outChannels,
		KernelSize:  kernelSize,
		Padding:     padding,
		Weights:     w,
	}, nil
}

// Parameters returns all learnable parameters of the layer.
func (c *Conv1D) Parameters() []*Tensor {
	return []*Tensor{c.Weights}
}

// OutputLength returns the output length for an input of the given length.
func (c *Conv1D) OutputLength(length int) int {
	return length + 2*c.Padding - c.KernelSize + 1
}

// ForwardTransposed convolves input [batch, in_channels, length] and returns
// the result channels-last as [batch, out_length, out_channels].
//
// The input windows are unrolled into a [batch*out_length, in_channels*kernel]
// matrix and multiplied with the flattened kernel.
func (c *Conv1D) ForwardTransposed(input *Tensor) (*Tensor, error) {
	if len(input.Shape) != 3 || input.Shape[1] != c.InChannels {
		return nil, fmt.Errorf("conv1d expects input [batch, %d, length], got %v", c.InChannels, input.Shape)
	}

	batchSize, length := input.Shape[0], input.Shape[2]
	outLength := c.OutputLength(length)
	if outLength <= 0 {
		return nil, fmt.Errorf("conv1d input length %d is too short for kernel %d with padding %d", length, c.KernelSize, c.Padding)
	}

	window := c.InChannels * c.KernelSize
	cols := Zeros(batchSize*outLength, window)
	for b := 0; b < batchSize; b++ {
		for t := 0; t < outLength; t++ {
			row := cols.Data[(b*outLength+t)*window : (b*outLength+t+1)*window]
			for ch := 0; ch < c.InChannels; ch++ {
				src := input.Data[(b*c.InChannels+ch)*length : (b*c.InChannels+ch+1)*length]
				for k := 0; k < c.KernelSize; k++ {
					pos := t + k - c.Padding
					if pos >= 0 && pos < length {
						row[ch*c.KernelSize+k] = src[pos]
					}
				}
			}
		}
	}

	// [out, in*kernel] -> [in*kernel, out]
	kernel, err := c.Weights.Reshape(c.OutChannels, window)
	if err != nil {
		return nil, err
	}
	kernelT, err := kernel.Transpose(0, 1)
	if err != nil {
		return nil, err
	}

	out, err := cols.MatMul(kernelT)
	if err != nil {
		return nil, fmt.Errorf("conv1d matrix multiplication failed: %w", err)
	}
	return out.Reshape(batchSize, outLength, c.OutChannels)
}

// Forward convolves input [batch, in_channels, length] into
// [batch, out_channels, out_length].
func (c *Conv1D) Forward(input *Tensor) (*Tensor, error) {
	out, err := c.ForwardTransposed(input)
	if err != nil {
		return nil, err
	}
	return out.Transpose(1, 2)
}
