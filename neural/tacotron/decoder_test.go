package tacotron

import (
	"errors"
	"math"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/exp/rand"

	. "github.com/golangast/meldecoder/neural/tensor"
)

func smallConfig() Config {
	return Config{
		NumMelBins:             6,
		PrenetDim:              4,
		AttnLSTMDim:            8,
		DecoderLSTMDim:         8,
		EmbeddingDim:           8,
		AttnDim:                4,
		LocationConvFilterSize: 3,
		LocationConvKernelSize: 3,
		MaxDecodingStep:        10,
		StopThreshold:          0.5,
		StopPolicy:             StopWhenAll,
	}
}

func newTestDecoder(t *testing.T, cfg Config, seed uint64) *Decoder {
	t.Helper()
	d, err := NewDecoder(cfg, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	return d
}

func checkShape(t *testing.T, name string, got *Tensor, want ...int) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s is nil", name)
	}
	if !shapeEquals(got.Shape, want) {
		t.Fatalf("%s shape = %v, want %v", name, got.Shape, want)
	}
}

func shapeEquals(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// setStopOnContext makes the stop logit equal to the first context feature.
func setStopOnContext(d *Decoder) {
	w := d.StopGenerator.Weights
	for i := range w.Data {
		w.Data[i] = 0
	}
	w.Data[d.Config.DecoderLSTMDim] = 1
	d.StopGenerator.Biases.Data[0] = 0
}

func TestNewDecoderParameterCount(t *testing.T) {
	d := newTestDecoder(t, smallConfig(), 1)
	// prenet 40, attention LSTM 672, decoder LSTM 800, attention 103,
	// mel generator 102, stop generator 17
	if got := d.NumParameters(); got != 1734 {
		t.Errorf("NumParameters() = %d, want 1734", got)
	}
	if !d.Training() {
		t.Error("new decoder should start in training mode")
	}
}

func TestNewDecoderRejectsInvalidConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.AttnDim = 0
	if _, err := NewDecoder(cfg, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestTeacherForcedShapes(t *testing.T) {
	cfg := smallConfig()
	d := newTestDecoder(t, cfg, 2)
	rng := rand.New(rand.NewSource(20))

	enc := randomTensor(rng, 2, 5, 8)
	targets := randomTensor(rng, 2, 3, cfg.NumMelBins)

	out, err := d.Forward(enc, targets, 1)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Mode != TeacherForced {
		t.Fatalf("mode = %v, want teacher-forced", out.Mode)
	}
	if out.Steps != 3 {
		t.Fatalf("steps = %d, want 3", out.Steps)
	}
	checkShape(t, "mel outputs", out.MelOutputs, 2, cfg.NumMelBins, 3)
	checkShape(t, "stop outputs", out.StopOutputs, 2, 3)
	checkShape(t, "alignments", out.Alignments, 2, 3, 5)
	if len(out.Lengths) != 2 || out.Lengths[0] != 3 || out.Lengths[1] != 3 {
		t.Errorf("lengths = %v, want [3 3]", out.Lengths)
	}

	for b := 0; b < 2; b++ {
		for s := 0; s < 3; s++ {
			sum := 0.0
			for i := 0; i < 5; i++ {
				sum += out.Alignments.Get(b, s, i)
			}
			if math.Abs(sum-1) > 1e-5 {
				t.Errorf("alignment [%d][%d] sums to %v", b, s, sum)
			}
		}
	}
}

func TestTeacherForcedStepCountFollowsTargets(t *testing.T) {
	cfg := smallConfig()
	d := newTestDecoder(t, cfg, 3)
	rng := rand.New(rand.NewSource(30))
	enc := randomTensor(rng, 1, 4, 8)

	for _, length := range []int{1, 2, 7, 15} {
		out, err := d.Decode(enc, randomTensor(rng, 1, length, cfg.NumMelBins), TeacherForced)
		if err != nil {
			t.Fatalf("Decode(length %d) failed: %v", length, err)
		}
		if out.Steps != length {
			t.Errorf("length %d: steps = %d", length, out.Steps)
		}
		checkShape(t, "mel outputs", out.MelOutputs, 1, cfg.NumMelBins, length)
	}
}

func TestAutoregressiveRunsToMaxSteps(t *testing.T) {
	cfg := smallConfig()
	cfg.StopThreshold = 1.1
	d := newTestDecoder(t, cfg, 4)
	d.Eval()
	rng := rand.New(rand.NewSource(40))

	out, err := d.Forward(randomTensor(rng, 2, 5, 8), nil, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Mode != Autoregressive {
		t.Fatalf("mode = %v, want autoregressive", out.Mode)
	}
	if out.Steps != 10 {
		t.Fatalf("steps = %d, want 10", out.Steps)
	}
	checkShape(t, "mel outputs", out.MelOutputs, 2, cfg.NumMelBins, 10)
	checkShape(t, "stop outputs", out.StopOutputs, 2, 10)
	checkShape(t, "alignments", out.Alignments, 2, 10, 5)
	if out.Lengths[0] != 10 || out.Lengths[1] != 10 {
		t.Errorf("lengths = %v, want [10 10]", out.Lengths)
	}
}

func TestAutoregressiveWithTargetsIgnoresStop(t *testing.T) {
	cfg := smallConfig()
	d := newTestDecoder(t, cfg, 5)
	d.StopGenerator.Biases.Data[0] = 50
	rng := rand.New(rand.NewSource(50))

	out, err := d.Forward(randomTensor(rng, 2, 5, 8), randomTensor(rng, 2, 4, cfg.NumMelBins), 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Mode != Autoregressive || out.Steps != 4 {
		t.Fatalf("mode %v steps %d, want autoregressive with 4 steps", out.Mode, out.Steps)
	}
}

func TestAutoregressiveEarlyStop(t *testing.T) {
	cfg := smallConfig()
	rng := rand.New(rand.NewSource(60))

	// The first context feature is +10 for sequence 0 and -10 for
	// sequence 1, so only sequence 0 ever signals stop.
	enc := randomTensor(rng, 2, 5, 8)
	for i := 0; i < 5; i++ {
		enc.Set(10, 0, i, 0)
		enc.Set(-10, 1, i, 0)
	}

	tests := []struct {
		policy      StopPolicy
		wantSteps   int
		wantLengths []int
	}{
		{StopWhenAll, 10, []int{1, 10}},
		{StopWhenAny, 1, []int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			cfg.StopPolicy = tt.policy
			d := newTestDecoder(t, cfg, 6)
			setStopOnContext(d)

			out, err := d.Forward(enc, nil, 0)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			if out.Steps != tt.wantSteps {
				t.Errorf("steps = %d, want %d", out.Steps, tt.wantSteps)
			}
			if len(out.Lengths) != 2 || out.Lengths[0] != tt.wantLengths[0] || out.Lengths[1] != tt.wantLengths[1] {
				t.Errorf("lengths = %v, want %v\n%s", out.Lengths, tt.wantLengths, spew.Sdump(out.StopOutputs))
			}
		})
	}
}

func TestAutoregressiveStopsAfterFirstStep(t *testing.T) {
	cfg := smallConfig()
	d := newTestDecoder(t, cfg, 7)
	d.StopGenerator.Biases.Data[0] = 50
	rng := rand.New(rand.NewSource(70))

	out, err := d.Forward(randomTensor(rng, 3, 5, 8), nil, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Steps != 1 {
		t.Fatalf("steps = %d, want 1", out.Steps)
	}
	checkShape(t, "mel outputs", out.MelOutputs, 3, cfg.NumMelBins, 1)
}

func TestForwardStepAccumulatesAlignment(t *testing.T) {
	cfg := smallConfig()
	d := newTestDecoder(t, cfg, 8)
	d.Eval()
	rng := rand.New(rand.NewSource(80))
	enc := randomTensor(rng, 2, 6, 8)

	state, err := d.InitState(enc)
	if err != nil {
		t.Fatalf("InitState failed: %v", err)
	}
	sum := Zeros(2, 6)
	input := Zeros(2, cfg.NumMelBins)
	for step := 0; step < 5; step++ {
		frame, err := d.PreNet.Forward(input, false)
		if err != nil {
			t.Fatalf("prenet failed: %v", err)
		}
		prevCum := state.AlignmentCum.Clone()
		res, err := d.ForwardStep(frame, enc, state)
		if err != nil {
			t.Fatalf("ForwardStep %d failed: %v", step, err)
		}
		if sum, err = sum.Add(res.State.Alignment); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		for i, v := range res.State.AlignmentCum.Data {
			if v < prevCum.Data[i] {
				t.Fatalf("cumulative alignment decreased at step %d", step)
			}
		}
		if !res.State.AlignmentCum.EqualApprox(sum, 1e-12) {
			t.Fatalf("step %d: cumulative alignment %v, want %v", step, res.State.AlignmentCum.Data, sum.Data)
		}
		state = res.State
		input = res.Mel
	}
}

func TestForwardStepDoesNotMutateState(t *testing.T) {
	cfg := smallConfig()
	d := newTestDecoder(t, cfg, 9)
	rng := rand.New(rand.NewSource(90))
	enc := randomTensor(rng, 2, 5, 8)

	state, err := d.InitState(enc)
	if err != nil {
		t.Fatalf("InitState failed: %v", err)
	}
	frame := randomTensor(rng, 2, cfg.PrenetDim)
	res, err := d.ForwardStep(frame, enc, state)
	if err != nil {
		t.Fatalf("ForwardStep failed: %v", err)
	}
	state = res.State

	before := []*Tensor{
		state.Attention.Output.Clone(), state.Attention.Hidden.Clone(),
		state.Decoder.Output.Clone(), state.Decoder.Hidden.Clone(),
		state.Alignment.Clone(), state.AlignmentCum.Clone(), state.Context.Clone(),
	}
	if _, err := d.ForwardStep(frame, enc, state); err != nil {
		t.Fatalf("ForwardStep failed: %v", err)
	}
	after := []*Tensor{
		state.Attention.Output, state.Attention.Hidden,
		state.Decoder.Output, state.Decoder.Hidden,
		state.Alignment, state.AlignmentCum, state.Context,
	}
	for i := range before {
		if !after[i].EqualApprox(before[i], 0) {
			t.Errorf("state tensor %d changed:\n%s", i, spew.Sdump(before[i], after[i]))
		}
	}
}

func TestFirstStepMatchesAcrossModes(t *testing.T) {
	cfg := smallConfig()
	cfg.StopThreshold = 1.1
	d := newTestDecoder(t, cfg, 10)
	d.Eval()
	rng := rand.New(rand.NewSource(100))
	enc := randomTensor(rng, 2, 5, 8)

	tf, err := d.Decode(enc, randomTensor(rng, 2, 3, cfg.NumMelBins), TeacherForced)
	if err != nil {
		t.Fatalf("teacher-forced Decode failed: %v", err)
	}
	ar, err := d.Decode(enc, nil, Autoregressive)
	if err != nil {
		t.Fatalf("autoregressive Decode failed: %v", err)
	}

	// Both modes consume the go frame first.
	for b := 0; b < 2; b++ {
		for m := 0; m < cfg.NumMelBins; m++ {
			if math.Abs(tf.MelOutputs.Get(b, m, 0)-ar.MelOutputs.Get(b, m, 0)) > 1e-9 {
				t.Fatalf("first frame differs at [%d][%d]: %v vs %v", b, m, tf.MelOutputs.Get(b, m, 0), ar.MelOutputs.Get(b, m, 0))
			}
		}
	}
}

func TestEvalIsDeterministic(t *testing.T) {
	cfg := smallConfig()
	cfg.StopThreshold = 1.1
	cfg.PrenetDropoutP = 0.5
	cfg.AttnDropoutP = 0.1
	cfg.DecoderDropoutP = 0.1
	d := newTestDecoder(t, cfg, 11)
	rng := rand.New(rand.NewSource(110))
	enc := randomTensor(rng, 1, 5, 8)

	d.Eval()
	first, err := d.Forward(enc, nil, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	second, err := d.Forward(enc, nil, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !first.MelOutputs.EqualApprox(second.MelOutputs, 0) {
		t.Error("eval mode without prenet dropout should be deterministic")
	}

	d.Train()
	third, err := d.Forward(enc, nil, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if third.MelOutputs.EqualApprox(first.MelOutputs, 0) {
		t.Error("training mode should apply dropout")
	}
}

func TestForwardValidation(t *testing.T) {
	cfg := smallConfig()
	rng := rand.New(rand.NewSource(120))
	enc := randomTensor(rng, 2, 5, 8)
	targets := randomTensor(rng, 2, 3, cfg.NumMelBins)

	// No layers: validation must fail before any of them is touched.
	d := &Decoder{Config: cfg}

	tests := []struct {
		name    string
		enc     *Tensor
		targets *Tensor
		ratio   float64
		want    error
	}{
		{"nil encoder outputs", nil, targets, 1, ErrNilEncoderOutputs},
		{"ratio below zero", enc, targets, -0.1, ErrInvalidTeacherForcingRatio},
		{"ratio above one", enc, targets, 1.5, ErrInvalidTeacherForcingRatio},
		{"teacher forcing without targets", enc, nil, 0.5, ErrTeacherForcingWithoutTargets},
		{"encoder width", randomTensor(rng, 2, 5, 7), targets, 1, ErrShapeMismatch},
		{"encoder rank", randomTensor(rng, 2, 8), targets, 1, ErrShapeMismatch},
		{"empty encoder outputs", Zeros(2, 0, 8), targets, 1, ErrShapeMismatch},
		{"target width", enc, randomTensor(rng, 2, 3, 5), 1, ErrShapeMismatch},
		{"target batch", enc, randomTensor(rng, 1, 3, cfg.NumMelBins), 1, ErrShapeMismatch},
		{"empty targets", enc, Zeros(2, 0, cfg.NumMelBins), 1, ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Forward(tt.enc, tt.targets, tt.ratio)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTeacherForcingWithoutTargetsMessage(t *testing.T) {
	d := newTestDecoder(t, smallConfig(), 13)
	_, err := d.Forward(randomTensor(rand.New(rand.NewSource(130)), 1, 5, 8), nil, 1)
	if err == nil || err.Error() != "teacher forcing must be disabled when no targets are provided" {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := d.Decode(Zeros(1, 5, 8), nil, TeacherForced); !errors.Is(err, ErrTeacherForcingWithoutTargets) {
		t.Errorf("Decode err = %v, want ErrTeacherForcingWithoutTargets", err)
	}
}

func TestChooseMode(t *testing.T) {
	rng := rand.New(rand.NewSource(140))
	for i := 0; i < 100; i++ {
		if m := ChooseMode(rng, 0); m != Autoregressive {
			t.Fatalf("ratio 0 chose %v", m)
		}
		if m := ChooseMode(rng, 1); m != TeacherForced {
			t.Fatalf("ratio 1 chose %v", m)
		}
	}

	tf := 0
	for i := 0; i < 2000; i++ {
		if ChooseMode(rng, 0.5) == TeacherForced {
			tf++
		}
	}
	if tf < 800 || tf > 1200 {
		t.Errorf("ratio 0.5 chose teacher forcing %d of 2000 times", tf)
	}
}
