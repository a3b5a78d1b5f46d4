package tacotron

import (
	"fmt"

	"github.com/golangast/meldecoder/neural/nn"
	. "github.com/golangast/meldecoder/neural/tensor"
)

// Loss is the decoder's reconstruction loss against target frames.
type Loss struct {
	Mel   float64 // masked mean squared error over mel frames
	Stop  float64 // binary cross-entropy of the stop logits
	Total float64

	MelGrad  *Tensor // d(Mel)/d(MelOutputs), [batch, num_mel_bins, steps]
	StopGrad *Tensor // d(Stop)/d(StopOutputs), [batch, steps]
}

// ComputeLoss scores a decoded sequence against targets [batch, length,
// num_mel_bins]. out must cover exactly length steps, which holds for
// teacher-forced decoding and for autoregressive decoding with targets.
//
// targetLengths gives the unpadded length of each target; nil means every
// target is full length. Mel frames past a target's length are ignored, and
// the stop target is 1 from the target's last frame onwards.
func ComputeLoss(out *DecoderOutput, targets *Tensor, targetLengths []int) (Loss, error) {
	if out == nil || targets == nil {
		return Loss{}, fmt.Errorf("loss requires decoder output and targets")
	}
	if targets.Rank() != 3 {
		return Loss{}, fmt.Errorf("%w: targets must be [batch, length, mel], got %v", ErrShapeMismatch, targets.Shape)
	}
	batchSize, length, numMels := targets.Shape[0], targets.Shape[1], targets.Shape[2]
	if out.Steps != length || out.MelOutputs.Dim(0) != batchSize || out.MelOutputs.Dim(1) != numMels {
		return Loss{}, fmt.Errorf("%w: decoder output %v does not cover targets %v", ErrShapeMismatch, out.MelOutputs.Shape, targets.Shape)
	}
	if targetLengths == nil {
		targetLengths = make([]int, batchSize)
		for b := range targetLengths {
			targetLengths[b] = length
		}
	}
	if len(targetLengths) != batchSize {
		return Loss{}, fmt.Errorf("%w: %d target lengths for batch %d", ErrShapeMismatch, len(targetLengths), batchSize)
	}

	melTargets, err := targets.Transpose(1, 2)
	if err != nil {
		return Loss{}, err
	}
	melMask := Zeros(batchSize, numMels, length)
	stopTargets := Zeros(batchSize, length)
	for b, n := range targetLengths {
		if n < 1 || n > length {
			return Loss{}, fmt.Errorf("target length %d out of range [1, %d]", n, length)
		}
		for m := 0; m < numMels; m++ {
			for s := 0; s < n; s++ {
				melMask.Set(1, b, m, s)
			}
		}
		for s := n - 1; s < length; s++ {
			stopTargets.Set(1, b, s)
		}
	}

	melLoss, melGrad, err := nn.MSELoss(out.MelOutputs, melTargets, melMask)
	if err != nil {
		return Loss{}, fmt.Errorf("mel loss failed: %w", err)
	}
	stopLoss, stopGrad, err := nn.BCEWithLogitsLoss(out.StopOutputs, stopTargets, nil)
	if err != nil {
		return Loss{}, fmt.Errorf("stop loss failed: %w", err)
	}

	return Loss{
		Mel:      melLoss,
		Stop:     stopLoss,
		Total:    melLoss + stopLoss,
		MelGrad:  melGrad,
		StopGrad: stopGrad,
	}, nil
}
