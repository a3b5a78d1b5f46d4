package tacotron

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/golangast/meldecoder/neural/nn"
	. "github.com/golangast/meldecoder/neural/tensor"
)

// LocationSensitiveAttention scores every encoder position from the decoder
// query, the encoder value at that position, and convolutional features of
// the previous and cumulative alignments. Feeding the alignment history back
// in keeps the decoder moving forward through the input instead of skipping
// or repeating parts of it.
type LocationSensitiveAttention struct {
	AttnDim int

	QueryProj    *nn.Linear // [query_dim, attn_dim], no bias
	ValueProj    *nn.Linear // [embedding_dim, attn_dim], no bias
	LocationConv *nn.Conv1D // 2 -> filter_size channels, no bias
	LocationProj *nn.Linear // [filter_size, attn_dim], no bias
	AlignProj    *nn.Linear // [attn_dim, 1], with bias
	Bias         *Tensor    // [attn_dim]
}

// NewLocationSensitiveAttention builds the attention module.
// queryDim is the width of the decoder state used as the query.
func NewLocationSensitiveAttention(rng *rand.Rand, queryDim, embeddingDim, attnDim, filterSize, kernelSize int) (*LocationSensitiveAttention, error) {
	queryProj, err := nn.NewLinear(rng, queryDim, attnDim, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create query projection: %w", err)
	}
	valueProj, err := nn.NewLinear(rng, embeddingDim, attnDim, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create value projection: %w", err)
	}
	alignProj, err := nn.NewLinear(rng, attnDim, 1, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create alignment projection: %w", err)
	}
	locationConv, err := nn.NewConv1D(rng, 2, filterSize, kernelSize, (kernelSize-1)/2)
	if err != nil {
		return nil, fmt.Errorf("failed to create location convolution: %w", err)
	}
	locationProj, err := nn.NewLinear(rng, filterSize, attnDim, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create location projection: %w", err)
	}

	bias := Zeros(attnDim)
	for i := range bias.Data {
		bias.Data[i] = rng.Float64()*0.2 - 0.1
	}

	return &LocationSensitiveAttention{
		AttnDim:      attnDim,
		QueryProj:    queryProj,
		ValueProj:    valueProj,
		LocationConv: locationConv,
		LocationProj: locationProj,
		AlignProj:    alignProj,
		Bias:         bias,
	}, nil
}

// Parameters returns all learnable parameters of the module.
func (a *LocationSensitiveAttention) Parameters() []*Tensor {
	params := []*Tensor{}
	params = append(params, a.QueryProj.Parameters()...)
	params = append(params, a.ValueProj.Parameters()...)
	params = append(params, a.LocationConv.Parameters()...)
	params = append(params, a.LocationProj.Parameters()...)
	params = append(params, a.AlignProj.Parameters()...)
	return append(params, a.Bias)
}

// Forward computes the context vector and alignment for one decoding step.
//
//	query         [batch, query_dim]
//	value         [batch, input_length, embedding_dim]
//	lastAlignment [batch, 2, input_length] (previous and cumulative alignment)
//
// It returns context [batch, embedding_dim] and alignment [batch, input_length].
func (a *LocationSensitiveAttention) Forward(query, value, lastAlignment *Tensor) (*Tensor, *Tensor, error) {
	if err := a.checkShapes(query, value, lastAlignment); err != nil {
		return nil, nil, err
	}
	batchSize, inputLength := value.Shape[0], value.Shape[1]

	// [batch, query_dim] -> [batch, 1, attn_dim], broadcast over positions
	q, err := a.QueryProj.Forward(query)
	if err != nil {
		return nil, nil, fmt.Errorf("attention query projection failed: %w", err)
	}
	q, err = q.Reshape(batchSize, 1, a.AttnDim)
	if err != nil {
		return nil, nil, err
	}

	v, err := a.ValueProj.Forward(value)
	if err != nil {
		return nil, nil, fmt.Errorf("attention value projection failed: %w", err)
	}

	// [batch, 2, T] -> [batch, T, filters] -> [batch, T, attn_dim]
	loc, err := a.LocationConv.ForwardTransposed(lastAlignment)
	if err != nil {
		return nil, nil, fmt.Errorf("attention location convolution failed: %w", err)
	}
	loc, err = a.LocationProj.Forward(loc)
	if err != nil {
		return nil, nil, fmt.Errorf("attention location projection failed: %w", err)
	}

	energy, err := v.AddWithBroadcast(q)
	if err != nil {
		return nil, nil, err
	}
	if energy, err = energy.Add(loc); err != nil {
		return nil, nil, err
	}
	if energy, err = energy.AddWithBroadcast(a.Bias); err != nil {
		return nil, nil, err
	}

	scores, err := a.AlignProj.Forward(energy.Tanh())
	if err != nil {
		return nil, nil, fmt.Errorf("attention alignment projection failed: %w", err)
	}
	scores, err = scores.Reshape(batchSize, inputLength)
	if err != nil {
		return nil, nil, err
	}

	alignment, err := scores.Softmax(-1)
	if err != nil {
		return nil, nil, err
	}

	// [batch, 1, T] x [batch, T, embedding_dim] -> [batch, embedding_dim]
	weights, err := alignment.Reshape(batchSize, 1, inputLength)
	if err != nil {
		return nil, nil, err
	}
	context, err := weights.BatchMatMul(value)
	if err != nil {
		return nil, nil, fmt.Errorf("attention context computation failed: %w", err)
	}
	context, err = context.Squeeze(1)
	if err != nil {
		return nil, nil, err
	}

	return context, alignment, nil
}

func (a *LocationSensitiveAttention) checkShapes(query, value, lastAlignment *Tensor) error {
	if query == nil || value == nil || lastAlignment == nil {
		return fmt.Errorf("%w: attention requires query, value and alignment history", ErrShapeMismatch)
	}
	if query.Rank() != 2 {
		return fmt.Errorf("%w: query must be [batch, %d], got %v", ErrShapeMismatch, a.QueryProj.InputDim(), query.Shape)
	}
	if value.Rank() != 3 {
		return fmt.Errorf("%w: value must be [batch, length, %d], got %v", ErrShapeMismatch, a.ValueProj.InputDim(), value.Shape)
	}
	if lastAlignment.Rank() != 3 || lastAlignment.Shape[1] != 2 {
		return fmt.Errorf("%w: alignment history must be [batch, 2, length], got %v", ErrShapeMismatch, lastAlignment.Shape)
	}
	if query.Shape[0] != value.Shape[0] || lastAlignment.Shape[0] != value.Shape[0] {
		return fmt.Errorf("%w: batch size differs between query %v, value %v and alignment history %v", ErrShapeMismatch, query.Shape, value.Shape, lastAlignment.Shape)
	}
	if lastAlignment.Shape[2] != value.Shape[1] {
		return fmt.Errorf("%w: alignment history %v does not cover value length %d", ErrShapeMismatch, lastAlignment.Shape, value.Shape[1])
	}
	return nil
}
