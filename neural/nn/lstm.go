package nn

import (
	"fmt"
	"log"
	"math"
	"os"

	"golang.org/x/exp/rand"

	. "github.com/golangast/meldecoder/neural/tensor"
)

func init() {
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// LSTMState is the recurrent state carried between steps of one LSTMCell.
// Output is the cell output h and Hidden is the cell memory c, both
// [batch_size, hidden_size].
type LSTMState struct {
	Output *Tensor
	Hidden *Tensor
}

// ZeroLSTMState returns an all-zero state for the given batch and width.
func ZeroLSTMState(batchSize, hiddenSize int) LSTMState {
	return LSTMState{
		Output: Zeros(batchSize, hiddenSize),
		Hidden: Zeros(batchSize, hiddenSize),
	}
}

// LSTMCell represents a single LSTM cell.
type LSTMCell struct {
	InputSize  int
	HiddenSize int

	// Weight matrices, each [InputSize+HiddenSize, HiddenSize]
	Wf, Wi, Wc, Wo *Tensor
	// Bias vectors
	Bf, Bi, Bc, Bo *Tensor
}

// NewLSTMCell creates a new LSTMCell. All weights and biases are drawn from
// U(-1/sqrt(hiddenSize), 1/sqrt(hiddenSize)).
func NewLSTMCell(rng *rand.Rand, inputSize, hiddenSize int) (*LSTMCell, error) {
	if inputSize <= 0 || hiddenSize <= 0 {
		return nil, fmt.Errorf("LSTM cell dimensions must be positive, got input %d hidden %d", inputSize, hiddenSize)
	}

	bound := 1.0 / math.Sqrt(float64(hiddenSize))
	uniform := func(shape ...int) *Tensor {
		t := Zeros(shape...)
		for i := range t.Data {
			t.Data[i] = (rng.Float64()*2 - 1) * bound
		}
		return t
	}

	combined := inputSize + hiddenSize
	return &LSTMCell{
		InputSize:  inputSize,
		HiddenSize: hiddenSize,
		Wf:         uniform(combined, hiddenSize),
		Wi:         uniform(combined, hiddenSize),
		Wc:         uniform(combined, hiddenSize),
		Wo:         uniform(combined, hiddenSize),
		Bf:         uniform(hiddenSize),
		Bi:         uniform(hiddenSize),
		Bc:         uniform(hiddenSize),
		Bo:         uniform(hiddenSize),
	}, nil
}

// Parameters returns all learnable parameters of the LSTMCell.
func (c *LSTMCell) Parameters() []*Tensor {
	return []*Tensor{c.Wf, c.Wi, c.Wc, c.Wo, c.Bf, c.Bi, c.Bc, c.Bo}
}

// gate computes act(combined @ w + b).
func gate(combined, w, b *Tensor, act func(*Tensor) *Tensor) (*Tensor, error) {
	z, err := combined.MatMul(w)
	if err != nil {
		return nil, err
	}
	z, err = z.AddWithBroadcast(b)
	if err != nil {
		return nil, err
	}
	return act(z), nil
}

// Forward performs one step of the LSTMCell. The previous state is not
// modified; the new state is returned.
func (c *LSTMCell) Forward(input *Tensor, prev LSTMState) (LSTMState, error) {
	if len(input.Shape) != 2 || input.Shape[1] != c.InputSize {
		return LSTMState{}, fmt.Errorf("LSTMCell.Forward expects input [batch, %d], got %v", c.InputSize, input.Shape)
	}
	if prev.Output == nil || prev.Hidden == nil {
		return LSTMState{}, fmt.Errorf("LSTMCell.Forward received an incomplete previous state")
	}

	// Concatenate input and previous output
	combined, err := Concat([]*Tensor{input, prev.Output}, 1)
	if err != nil {
		return LSTMState{}, fmt.Errorf("LSTMCell.Forward: failed to combine input and state: %w", err)
	}

	sigmoid := (*Tensor).Sigmoid
	tanh := (*Tensor).Tanh

	ft, err := gate(combined, c.Wf, c.Bf, sigmoid)
	if err != nil {
		return LSTMState{}, fmt.Errorf("LSTMCell.Forward: forget gate failed: %w", err)
	}
	it, err := gate(combined, c.Wi, c.Bi, sigmoid)
	if err != nil {
		return LSTMState{}, fmt.Errorf("LSTMCell.Forward: input gate failed: %w", err)
	}
	cct, err := gate(combined, c.Wc, c.Bc, tanh)
	if err != nil {
		return LSTMState{}, fmt.Errorf("LSTMCell.Forward: candidate failed: %w", err)
	}
	ot, err := gate(combined, c.Wo, c.Bo, sigmoid)
	if err != nil {
		return LSTMState{}, fmt.Errorf("LSTMCell.Forward: output gate failed: %w", err)
	}

	// ct = ft * prev_c + it * cct
	ct, err := ft.Mul(prev.Hidden)
	if err != nil {
		return LSTMState{}, fmt.Errorf("LSTMCell.Forward: Mul operation failed for cell state: %w", err)
	}
	itCct, err := it.Mul(cct)
	if err != nil {
		return LSTMState{}, err
	}
	ct, err = ct.Add(itCct)
	if err != nil {
		return LSTMState{}, err
	}

	// ht = ot * tanh(ct)
	ht, err := ot.Mul(ct.Tanh())
	if err != nil {
		return LSTMState{}, fmt.Errorf("LSTMCell.Forward: Mul operation failed for hidden state: %w", err)
	}

	return LSTMState{Output: ht, Hidden: ct}, nil
}
