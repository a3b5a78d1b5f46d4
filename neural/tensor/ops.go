package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Add performs element-wise addition of two tensors.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	if !compareShapes(t.Shape, other.Shape) {
		return nil, fmt.Errorf("mismatched shapes for Add operation: %v and %v", t.Shape, other.Shape)
	}
	resultData := make([]float64, len(t.Data))
	floats.AddTo(resultData, t.Data, other.Data)
	return NewTensor(t.Shape, resultData), nil
}

// Mul performs element-wise multiplication of two tensors.
func (t *Tensor) Mul(other *Tensor) (*Tensor, error) {
	if !compareShapes(t.Shape, other.Shape) {
		return nil, fmt.Errorf("mismatched shapes for Mul operation: %v and %v", t.Shape, other.Shape)
	}
	resultData := make([]float64, len(t.Data))
	floats.MulTo(resultData, t.Data, other.Data)
	return NewTensor(t.Shape, resultData), nil
}

// MulScalar multiplies every element by val.
func (t *Tensor) MulScalar(val float64) *Tensor {
	resultData := make([]float64, len(t.Data))
	floats.ScaleTo(resultData, val, t.Data)
	return NewTensor(t.Shape, resultData)
}

// AddWithBroadcast adds other to t using numpy-style broadcasting. Shapes are
// aligned from the right; a dimension of 1 stretches to match.
func (t *Tensor) AddWithBroadcast(other *Tensor) (*Tensor, error) {
	// Determine the output shape after broadcasting
	maxDims := max(len(t.Shape), len(other.Shape))
	resultShape := make([]int, maxDims)

	// Pad shapes with 1s on the left to make them the same length
	paddedTShape := padShape(t.Shape, maxDims)
	paddedOtherShape := padShape(other.Shape, maxDims)

	for i := 0; i < maxDims; i++ {
		dimT := paddedTShape[i]
		dimOther := paddedOtherShape[i]

		if dimT != dimOther && dimT != 1 && dimOther != 1 {
			return nil, fmt.Errorf("unsupported shapes for AddWithBroadcast operation: %v and %v (dimension mismatch at index %d: %d vs %d)", t.Shape, other.Shape, i, dimT, dimOther)
		}
		resultShape[i] = max(dimT, dimOther)
	}

	// Fast path: identical shapes.
	if compareShapes(paddedTShape, paddedOtherShape) {
		resultData := make([]float64, len(t.Data))
		floats.AddTo(resultData, t.Data, other.Data)
		return NewTensor(resultShape, resultData), nil
	}

	stridesT := calculateStrides(paddedTShape)
	stridesOther := calculateStrides(paddedOtherShape)
	stridesResult := calculateStrides(resultShape)

	resultSize := shapeSize(resultShape)
	resultData := make([]float64, resultSize)

	for i := 0; i < resultSize; i++ {
		coords := getCoords(i, resultShape, stridesResult)

		idxT := 0
		idxOther := 0
		for dim := 0; dim < maxDims; dim++ {
			if paddedTShape[dim] != 1 {
				idxT += coords[dim] * stridesT[dim]
			}
			if paddedOtherShape[dim] != 1 {
				idxOther += coords[dim] * stridesOther[dim]
			}
		}
		resultData[i] = t.Data[idxT] + other.Data[idxOther]
	}

	return NewTensor(resultShape, resultData), nil
}

func padShape(shape []int, dims int) []int {
	padded := make([]int, dims)
	for i := range padded {
		padded[i] = 1
	}
	copy(padded[dims-len(shape):], shape)
	return padded
}

// Apply returns a new tensor with fn applied to every element.
func (t *Tensor) Apply(fn func(float64) float64) *Tensor {
	resultData := make([]float64, len(t.Data))
	for i, val := range t.Data {
		resultData[i] = fn(val)
	}
	return NewTensor(t.Shape, resultData)
}

// Tanh applies the hyperbolic tangent function element-wise to the tensor.
func (t *Tensor) Tanh() *Tensor {
	return t.Apply(math.Tanh)
}

// Sigmoid applies the sigmoid function element-wise to the tensor.
func (t *Tensor) Sigmoid() *Tensor {
	return t.Apply(Sigmoid)
}

// ReLU clamps negative elements to zero.
func (t *Tensor) ReLU() *Tensor {
	return t.Apply(func(v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	})
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Softmax applies the softmax function along a specified axis.
func (t *Tensor) Softmax(axis int) (*Tensor, error) {
	axis, err := normalizeAxis(axis, len(t.Shape))
	if err != nil {
		return nil, fmt.Errorf("softmax: %w", err)
	}

	outputData := make([]float64, len(t.Data))

	// Calculate the size of the dimension along which softmax is applied
	axisDimSize := t.Shape[axis]

	// Calculate the number of elements before and after the axis
	outerSize := shapeSize(t.Shape[:axis])
	innerSize := shapeSize(t.Shape[axis+1:])

	for i := 0; i < outerSize; i++ {
		for j := 0; j < innerSize; j++ {
			base := i*axisDimSize*innerSize + j

			// Subtract the max for numerical stability
			maxVal := math.Inf(-1)
			for k := 0; k < axisDimSize; k++ {
				if v := t.Data[base+k*innerSize]; v > maxVal {
					maxVal = v
				}
			}

			sumExp := 0.0
			for k := 0; k < axisDimSize; k++ {
				idx := base + k*innerSize
				expVal := math.Exp(t.Data[idx] - maxVal)
				outputData[idx] = expVal
				sumExp += expVal
			}

			for k := 0; k < axisDimSize; k++ {
				outputData[base+k*innerSize] /= sumExp
			}
		}
	}

	return NewTensor(t.Shape, outputData), nil
}

// Sum returns the sum of all elements in a tensor along a given axis.
// The summed axis is removed from the result shape.
func (t *Tensor) Sum(axis int) (*Tensor, error) {
	axis, err := normalizeAxis(axis, len(t.Shape))
	if err != nil {
		return nil, fmt.Errorf("sum: %w", err)
	}

	newShape := make([]int, 0, len(t.Shape)-1)
	newShape = append(newShape, t.Shape[:axis]...)
	newShape = append(newShape, t.Shape[axis+1:]...)

	axisDimSize := t.Shape[axis]
	outerSize := shapeSize(t.Shape[:axis])
	innerSize := shapeSize(t.Shape[axis+1:])
	newData := make([]float64, outerSize*innerSize)

	for i := 0; i < outerSize; i++ {
		for k := 0; k < axisDimSize; k++ {
			src := t.Data[(i*axisDimSize+k)*innerSize : (i*axisDimSize+k+1)*innerSize]
			floats.Add(newData[i*innerSize:(i+1)*innerSize], src)
		}
	}

	return NewTensor(newShape, newData), nil
}
