package nn_test

import (
	"math"
	"testing"

	. "github.com/golangast/meldecoder/neural/nn"
	. "github.com/golangast/meldecoder/neural/tensor"
)

func TestMSELoss(t *testing.T) {
	pred, _ := FromData([]float64{1, 2, 3, 4}, 2, 2)
	target, _ := FromData([]float64{1, 0, 3, 0}, 2, 2)

	loss, grad, err := MSELoss(pred, target, nil)
	if err != nil {
		t.Fatalf("MSELoss failed: %v", err)
	}
	if math.Abs(loss-5) > 1e-12 {
		t.Errorf("loss = %v, want 5", loss)
	}
	want, _ := FromData([]float64{0, 1, 0, 2}, 2, 2)
	if !grad.EqualApprox(want, 1e-12) {
		t.Errorf("grad = %v, want %v", grad.Data, want.Data)
	}

	mask, _ := FromData([]float64{1, 1, 1, 0}, 2, 2)
	loss, grad, err = MSELoss(pred, target, mask)
	if err != nil {
		t.Fatalf("masked MSELoss failed: %v", err)
	}
	if math.Abs(loss-4.0/3) > 1e-12 {
		t.Errorf("masked loss = %v, want 4/3", loss)
	}
	if grad.Data[3] != 0 {
		t.Errorf("masked element has gradient %v", grad.Data[3])
	}

	if _, _, err := MSELoss(pred, Zeros(4), nil); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestBCEWithLogitsLoss(t *testing.T) {
	logits, _ := FromData([]float64{0, 100, -100}, 3)
	targets, _ := FromData([]float64{1, 1, 0}, 3)

	loss, grad, err := BCEWithLogitsLoss(logits, targets, nil)
	if err != nil {
		t.Fatalf("BCEWithLogitsLoss failed: %v", err)
	}
	// Only the zero logit contributes: log(2) / 3
	if math.Abs(loss-math.Ln2/3) > 1e-12 {
		t.Errorf("loss = %v, want %v", loss, math.Ln2/3)
	}
	if math.Abs(grad.Data[0]+0.5/3) > 1e-12 {
		t.Errorf("grad[0] = %v, want %v", grad.Data[0], -0.5/3)
	}
	if math.IsNaN(loss) || grad.HasNaN() {
		t.Error("loss is not finite for large logits")
	}
}
