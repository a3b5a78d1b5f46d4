package tensor

import (
	"fmt"
)

// Reshape returns a new Tensor with the same data but a new shape. A single
// -1 entry is inferred from the element count.
func (t *Tensor) Reshape(newShape ...int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	inferred := -1
	known := 1
	for i, dim := range shape {
		if dim == -1 {
			if inferred >= 0 {
				return nil, fmt.Errorf("cannot reshape tensor from %v to %v: more than one inferred dimension", t.Shape, newShape)
			}
			inferred = i
			continue
		}
		known *= dim
	}
	if inferred >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor from %v to %v: %d elements do not divide evenly", t.Shape, newShape, len(t.Data))
		}
		shape[inferred] = len(t.Data) / known
	}

	if shapeSize(shape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape tensor from %v to %v: total number of elements mismatch (%d vs %d)", t.Shape, newShape, len(t.Data), shapeSize(shape))
	}

	// The reshaped tensor shares the underlying data array.
	return &Tensor{Data: t.Data, Shape: shape}, nil
}

// Unsqueeze inserts an axis of size 1 at the given position.
func (t *Tensor) Unsqueeze(axis int) (*Tensor, error) {
	if axis < 0 {
		axis += len(t.Shape) + 1
	}
	if axis < 0 || axis > len(t.Shape) {
		return nil, fmt.Errorf("unsqueeze: axis %d out of bounds for shape %v", axis, t.Shape)
	}
	newShape := make([]int, 0, len(t.Shape)+1)
	newShape = append(newShape, t.Shape[:axis]...)
	newShape = append(newShape, 1)
	newShape = append(newShape, t.Shape[axis:]...)
	return t.Reshape(newShape...)
}

// Squeeze removes an axis of size 1.
func (t *Tensor) Squeeze(axis int) (*Tensor, error) {
	axis, err := normalizeAxis(axis, len(t.Shape))
	if err != nil {
		return nil, fmt.Errorf("squeeze: %w", err)
	}
	if t.Shape[axis] != 1 {
		return nil, fmt.Errorf("squeeze: axis %d of shape %v has size %d, want 1", axis, t.Shape, t.Shape[axis])
	}
	newShape := make([]int, 0, len(t.Shape)-1)
	newShape = append(newShape, t.Shape[:axis]...)
	newShape = append(newShape, t.Shape[axis+1:]...)
	return t.Reshape(newShape...)
}

// Transpose transposes a tensor by swapping two specified axes.
// The result is a contiguous copy.
func (t *Tensor) Transpose(axis1, axis2 int) (*Tensor, error) {
	var err error
	if axis1, err = normalizeAxis(axis1, len(t.Shape)); err != nil {
		return nil, fmt.Errorf("transpose: %w", err)
	}
	if axis2, err = normalizeAxis(axis2, len(t.Shape)); err != nil {
		return nil, fmt.Errorf("transpose: %w", err)
	}
	if axis1 == axis2 {
		return t.Clone(), nil
	}

	newShape := make([]int, len(t.Shape))
	copy(newShape, t.Shape)
	newShape[axis1], newShape[axis2] = newShape[axis2], newShape[axis1]

	newData := make([]float64, len(t.Data))

	oldStrides := calculateStrides(t.Shape)
	newStrides := calculateStrides(newShape)

	// Map every element of the source to its position in the new layout
	for i := range t.Data {
		coords := getCoords(i, t.Shape, oldStrides)
		coords[axis1], coords[axis2] = coords[axis2], coords[axis1]

		newFlatIndex := 0
		for dim, c := range coords {
			newFlatIndex += c * newStrides[dim]
		}
		newData[newFlatIndex] = t.Data[i]
	}

	return NewTensor(newShape, newData), nil
}

// Slice returns a new Tensor representing a slice of the original tensor along a given axis.
// It takes the axis, start index (inclusive), and end index (exclusive) for the slice.
func (t *Tensor) Slice(axis, start, end int) (*Tensor, error) {
	axis, err := normalizeAxis(axis, len(t.Shape))
	if err != nil {
		return nil, fmt.Errorf("slice: %w", err)
	}
	if start < 0 || end > t.Shape[axis] || start > end {
		return nil, fmt.Errorf("invalid slice indices for axis %d: start %d, end %d for dimension size %d", axis, start, end, t.Shape[axis])
	}

	newShape := make([]int, len(t.Shape))
	copy(newShape, t.Shape)
	newShape[axis] = end - start

	axisDimSize := t.Shape[axis]
	outerSize := shapeSize(t.Shape[:axis])
	innerSize := shapeSize(t.Shape[axis+1:])
	chunk := (end - start) * innerSize

	newData := make([]float64, outerSize*chunk)
	for i := 0; i < outerSize; i++ {
		src := (i*axisDimSize + start) * innerSize
		copy(newData[i*chunk:(i+1)*chunk], t.Data[src:src+chunk])
	}

	return NewTensor(newShape, newData), nil
}

// Index selects position index along axis and drops that axis.
func (t *Tensor) Index(axis, index int) (*Tensor, error) {
	sliced, err := t.Slice(axis, index, index+1)
	if err != nil {
		return nil, err
	}
	return sliced.Squeeze(axis)
}

// Concat concatenates a slice of tensors along a specified axis.
// All tensors must have the same shape except for the dimension along the concatenation axis.
func Concat(tensors []*Tensor, axis int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}

	rank := len(tensors[0].Shape)
	axis, err := normalizeAxis(axis, rank)
	if err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}

	newShape := make([]int, rank)
	copy(newShape, tensors[0].Shape)
	concatDimSize := 0
	for i, t := range tensors {
		if i > 0 && !compareShapesExceptAxis(tensors[0].Shape, t.Shape, axis) {
			return nil, fmt.Errorf("mismatched shapes for concatenation along axis %d: %v and %v", axis, tensors[0].Shape, t.Shape)
		}
		concatDimSize += t.Shape[axis]
	}
	newShape[axis] = concatDimSize

	outerSize := shapeSize(newShape[:axis])
	innerSize := shapeSize(newShape[axis+1:])

	newData := make([]float64, shapeSize(newShape))
	offset := 0
	for i := 0; i < outerSize; i++ {
		for _, t := range tensors {
			chunk := t.Shape[axis] * innerSize
			copy(newData[offset:offset+chunk], t.Data[i*chunk:(i+1)*chunk])
			offset += chunk
		}
	}

	return NewTensor(newShape, newData), nil
}

// Stack joins tensors of identical shape along a new axis.
func Stack(tensors []*Tensor, axis int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("stack requires at least one tensor")
	}
	expanded := make([]*Tensor, len(tensors))
	for i, t := range tensors {
		if !compareShapes(t.Shape, tensors[0].Shape) {
			return nil, fmt.Errorf("mismatched shapes for stack: %v and %v", tensors[0].Shape, t.Shape)
		}
		u, err := t.Unsqueeze(axis)
		if err != nil {
			return nil, fmt.Errorf("stack: %w", err)
		}
		expanded[i] = u
	}
	return Concat(expanded, axis)
}
