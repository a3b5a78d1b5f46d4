package nn

import (
	"fmt"
	"math"

	. "github.com/golangast/meldecoder/neural/tensor"
)

// MSELoss calculates the mean squared error between predictions and targets
// of identical shape. mask, if non-nil, has the same shape and selects the
// elements that count (1) and those that are ignored (0).
// Returns the scalar loss and its gradient with respect to predictions.
func MSELoss(predictions, targets, mask *Tensor) (float64, *Tensor, error) {
	if err := checkLossShapes(predictions, targets, mask); err != nil {
		return 0, nil, err
	}

	loss, count := 0.0, 0.0
	grad := Zeros(predictions.Shape...)
	for i, p := range predictions.Data {
		w := 1.0
		if mask != nil {
			w = mask.Data[i]
		}
		if w == 0 {
			continue
		}
		diff := p - targets.Data[i]
		loss += w * diff * diff
		grad.Data[i] = 2 * w * diff
		count += w
	}
	if count == 0 {
		return 0, grad, nil
	}
	for i := range grad.Data {
		grad.Data[i] /= count
	}
	return loss / count, grad, nil
}

// BCEWithLogitsLoss calculates binary cross-entropy on raw logits against
// targets in [0, 1]. mask follows MSELoss.
// Returns the scalar loss and its gradient with respect to logits.
func BCEWithLogitsLoss(logits, targets, mask *Tensor) (float64, *Tensor, error) {
	if err := checkLossShapes(logits, targets, mask); err != nil {
		return 0, nil, err
	}

	loss, count := 0.0, 0.0
	grad := Zeros(logits.Shape...)
	for i, x := range logits.Data {
		w := 1.0
		if mask != nil {
			w = mask.Data[i]
		}
		if w == 0 {
			continue
		}
		y := targets.Data[i]
		// max(x, 0) - x*y + log(1 + exp(-|x|)) stays finite for large |x|
		loss += w * (math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x))))
		grad.Data[i] = w * (Sigmoid(x) - y)
		count += w
	}
	if count == 0 {
		return 0, grad, nil
	}
	for i := range grad.Data {
		grad.Data[i] /= count
	}
	return loss / count, grad, nil
}

func checkLossShapes(predictions, targets, mask *Tensor) error {
	if predictions == nil || targets == nil {
		return fmt.Errorf("loss requires predictions and targets")
	}
	if !predictions.SameShape(targets) {
		return fmt.Errorf("loss shape mismatch: predictions %v, targets %v", predictions.Shape, targets.Shape)
	}
	if mask != nil && !mask.SameShape(predictions) {
		return fmt.Errorf("loss mask shape %v does not match predictions %v", mask.Shape, predictions.Shape)
	}
	return nil
}
