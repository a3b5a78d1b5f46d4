// Package tensor provides a small dense float64 tensor used by the decoder
// layers. Data is stored row-major in a flat slice; Shape lists the size of
// every axis from outermost to innermost.
package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Tensor represents a multi-dimensional array of float64 values.
type Tensor struct {
	Data  []float64
	Shape []int
}

// NewTensor creates a new Tensor with the given shape and optional data.
// A nil data slice allocates zeros.
func NewTensor(shape []int, data []float64) *Tensor {
	if data == nil {
		data = make([]float64, shapeSize(shape))
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Data:  data,
		Shape: s,
	}
}

// Zeros returns a zero-filled tensor of the given shape.
func Zeros(shape ...int) *Tensor {
	return NewTensor(shape, nil)
}

// FromData creates a tensor of the given shape over data, checking the length.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if len(data) != shapeSize(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, shapeSize(shape))
	}
	return NewTensor(shape, data), nil
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	newData := make([]float64, len(t.Data))
	copy(newData, t.Data)
	return NewTensor(t.Shape, newData)
}

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Dim returns the size of an axis. Negative axes count from the end.
func (t *Tensor) Dim(axis int) int {
	if axis < 0 {
		axis += len(t.Shape)
	}
	return t.Shape[axis]
}

// SameShape reports whether two tensors have identical shapes.
func (t *Tensor) SameShape(other *Tensor) bool {
	return compareShapes(t.Shape, other.Shape)
}

// HasNaN reports whether any element is NaN or infinite.
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// EqualApprox reports whether both tensors have the same shape and all
// elements agree within tol.
func (t *Tensor) EqualApprox(other *Tensor, tol float64) bool {
	if !t.SameShape(other) {
		return false
	}
	return floats.EqualApprox(t.Data, other.Data, tol)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

func (t *Tensor) Get(indices ...int) float64 {
	return t.Data[t.flatIndex("Get", indices)]
}

func (t *Tensor) Set(value float64, indices ...int) {
	t.Data[t.flatIndex("Set", indices)] = value
}

func (t *Tensor) flatIndex(op string, indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("%s: number of indices %d does not match tensor dimensions %d", op, len(indices), len(t.Shape)))
	}
	strides := calculateStrides(t.Shape)
	flatIndex := 0
	for i, index := range indices {
		if index < 0 || index >= t.Shape[i] {
			panic(fmt.Sprintf("%s: index %d out of bounds for dimension %d (size %d)", op, index, i, t.Shape[i]))
		}
		flatIndex += index * strides[i]
	}
	return flatIndex
}

// compareShapes is a helper function to compare two shapes.
func compareShapes(s1, s2 []int) bool {
	if len(s1) != len(s2) {
		return false
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			return false
		}
	}
	return true
}

func compareShapesExceptAxis(s1, s2 []int, ignoredAxis int) bool {
	if len(s1) != len(s2) {
		return false
	}
	for i := range s1 {
		if i != ignoredAxis && s1[i] != s2[i] {
			return false
		}
	}
	return true
}

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// Helper function to calculate strides
func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// Helper function to get N-dimensional coordinates from a flat index
func getCoords(flatIndex int, shape, strides []int) []int {
	coords := make([]int, len(shape))
	tempIdx := flatIndex
	for dim := 0; dim < len(shape); dim++ {
		if strides[dim] == 0 {
			continue
		}
		coords[dim] = tempIdx / strides[dim]
		tempIdx %= strides[dim]
	}
	return coords
}

func normalizeAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, fmt.Errorf("axis %d out of bounds for tensor of rank %d", axis, rank)
	}
	return axis, nil
}
