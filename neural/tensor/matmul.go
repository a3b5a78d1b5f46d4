package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MatMul performs 2D matrix multiplication [m,k] x [k,n] -> [m,n].
func (t *Tensor) MatMul(other *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 || len(other.Shape) != 2 {
		return nil, fmt.Errorf("MatMul expects 2D tensors, got %v and %v", t.Shape, other.Shape)
	}
	if t.Shape[1] != other.Shape[0] {
		return nil, fmt.Errorf("incompatible shapes for 2D matrix multiplication: %v and %v", t.Shape, other.Shape)
	}

	rows, inner, cols := t.Shape[0], t.Shape[1], other.Shape[1]
	resultData := make([]float64, rows*cols)
	if rows == 0 || inner == 0 || cols == 0 {
		// gonum refuses zero-length matrices; the product is all zeros anyway.
		return NewTensor([]int{rows, cols}, resultData), nil
	}

	a := mat.NewDense(rows, inner, t.Data)
	b := mat.NewDense(inner, cols, other.Data)
	c := mat.NewDense(rows, cols, resultData)
	c.Mul(a, b)

	return NewTensor([]int{rows, cols}, resultData), nil
}

// BatchMatMul multiplies matching batches of matrices:
// [b,m,k] x [b,k,n] -> [b,m,n].
func (t *Tensor) BatchMatMul(other *Tensor) (*Tensor, error) {
	if len(t.Shape) != 3 || len(other.Shape) != 3 {
		return nil, fmt.Errorf("BatchMatMul expects 3D tensors, got %v and %v", t.Shape, other.Shape)
	}
	if t.Shape[0] != other.Shape[0] {
		return nil, fmt.Errorf("batch size mismatch for BatchMatMul: %v and %v", t.Shape, other.Shape)
	}
	if t.Shape[2] != other.Shape[1] {
		return nil, fmt.Errorf("incompatible shapes for batched matrix multiplication: %v and %v", t.Shape, other.Shape)
	}

	batch, rows, inner, cols := t.Shape[0], t.Shape[1], t.Shape[2], other.Shape[2]
	resultData := make([]float64, batch*rows*cols)

	for b := 0; b < batch; b++ {
		left := NewTensor([]int{rows, inner}, t.Data[b*rows*inner:(b+1)*rows*inner])
		right := NewTensor([]int{inner, cols}, other.Data[b*inner*cols:(b+1)*inner*cols])
		product, err := left.MatMul(right)
		if err != nil {
			return nil, fmt.Errorf("BatchMatMul batch %d: %w", b, err)
		}
		copy(resultData[b*rows*cols:(b+1)*rows*cols], product.Data)
	}

	return NewTensor([]int{batch, rows, cols}, resultData), nil
}
