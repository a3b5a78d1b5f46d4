package tacotron

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/exp/rand"

	"github.com/golangast/meldecoder/neural/nn"
	. "github.com/golangast/meldecoder/neural/tensor"
)

// DecoderState is everything one decoding step reads and produces. Steps
// never modify the state they are given; ForwardStep returns a new one.
type DecoderState struct {
	Attention    nn.LSTMState // attention LSTM, [batch, attn_lstm_dim]
	Decoder      nn.LSTMState // decoder LSTM, [batch, decoder_lstm_dim]
	Alignment    *Tensor      // last step's alignment, [batch, input_length]
	AlignmentCum *Tensor      // sum of all alignments so far, [batch, input_length]
	Context      *Tensor      // last step's context, [batch, embedding_dim]
}

// StepResult is the output of a single decoding step.
type StepResult struct {
	Mel   *Tensor // predicted frame, [batch, num_mel_bins]
	Stop  *Tensor // stop logit, [batch, 1]
	State DecoderState
}

// DecoderOutput collects a whole decoded sequence.
type DecoderOutput struct {
	MelOutputs  *Tensor // [batch, num_mel_bins, steps]
	StopOutputs *Tensor // [batch, steps]
	Alignments  *Tensor // [batch, steps, input_length]

	// Lengths holds, per sequence, the number of frames up to and including
	// the first step whose stop probability crossed the threshold, or the
	// step count if it never did.
	Lengths []int
	Mode    DecodingMode
	Steps   int
}

// Decoder is an autoregressive recurrent network that predicts a mel
// spectrogram from encoder outputs one frame at a time.
//
// A Decoder holds a random source for dropout and the teacher-forcing draw,
// so it must not be used by several goroutines at once.
type Decoder struct {
	Config Config

	PreNet        *PreNet
	AttnLSTM      *nn.LSTMCell
	DecoderLSTM   *nn.LSTMCell
	Attention     *LocationSensitiveAttention
	MelGenerator  *nn.Linear
	StopGenerator *nn.Linear

	attnDropout    *nn.Dropout
	decoderDropout *nn.Dropout
	rng            *rand.Rand
	training       bool
}

// NewDecoder creates a decoder with randomly initialised weights. A nil rng
// is replaced by one seeded from the clock. The decoder starts in training
// mode.
func NewDecoder(cfg Config, rng *rand.Rand) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
	}

	prenet, err := NewPreNet(rng, cfg.NumMelBins, cfg.PrenetDim, cfg.PrenetDropoutP)
	if err != nil {
		return nil, fmt.Errorf("failed to create prenet: %w", err)
	}
	attnLSTM, err := nn.NewLSTMCell(rng, cfg.PrenetDim+cfg.EmbeddingDim, cfg.AttnLSTMDim)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention LSTM: %w", err)
	}
	decoderLSTM, err := nn.NewLSTMCell(rng, cfg.AttnLSTMDim+cfg.EmbeddingDim, cfg.DecoderLSTMDim)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder LSTM: %w", err)
	}
	attention, err := NewLocationSensitiveAttention(rng, cfg.AttnLSTMDim, cfg.EmbeddingDim, cfg.AttnDim,
		cfg.LocationConvFilterSize, cfg.LocationConvKernelSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention: %w", err)
	}
	melGenerator, err := nn.NewLinear(rng, cfg.DecoderLSTMDim+cfg.EmbeddingDim, cfg.NumMelBins, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create mel generator: %w", err)
	}
	stopGenerator, err := nn.NewLinear(rng, cfg.DecoderLSTMDim+cfg.EmbeddingDim, 1, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create stop generator: %w", err)
	}
	attnDropout, err := nn.NewDropout(rng, cfg.AttnDropoutP)
	if err != nil {
		return nil, fmt.Errorf("failed to create attention dropout: %w", err)
	}
	decoderDropout, err := nn.NewDropout(rng, cfg.DecoderDropoutP)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder dropout: %w", err)
	}

	d := &Decoder{
		Config:         cfg,
		PreNet:         prenet,
		AttnLSTM:       attnLSTM,
		DecoderLSTM:    decoderLSTM,
		Attention:      attention,
		MelGenerator:   melGenerator,
		StopGenerator:  stopGenerator,
		attnDropout:    attnDropout,
		decoderDropout: decoderDropout,
		rng:            rng,
		training:       true,
	}
	if cfg.Verbose {
		log.Printf("decoder created: mel=%d prenet=%d lstm=%d/%d embedding=%d attn=%d params=%d",
			cfg.NumMelBins, cfg.PrenetDim, cfg.AttnLSTMDim, cfg.DecoderLSTMDim, cfg.EmbeddingDim, cfg.AttnDim, d.NumParameters())
	}
	return d, nil
}

// Train enables dropout on the LSTM outputs.
func (d *Decoder) Train() { d.training = true }

// Eval disables dropout on the LSTM outputs. Prenet dropout stays on when
// Config.PrenetDropoutAtInference is set.
func (d *Decoder) Eval() { d.training = false }

// Training reports whether the decoder is in training mode.
func (d *Decoder) Training() bool { return d.training }

// Parameters returns all learnable parameters of the decoder.
func (d *Decoder) Parameters() []*Tensor {
	params := []*Tensor{}
	params = append(params, d.PreNet.Parameters()...)
	params = append(params, d.AttnLSTM.Parameters()...)
	params = append(params, d.DecoderLSTM.Parameters()...)
	params = append(params, d.Attention.Parameters()...)
	params = append(params, d.MelGenerator.Parameters()...)
	params = append(params, d.StopGenerator.Parameters()...)
	return params
}

// NumParameters counts the scalar weights of the decoder.
func (d *Decoder) NumParameters() int {
	n := 0
	for _, p := range d.Parameters() {
		n += p.Size()
	}
	return n
}

// InitState returns the all-zero state for a new sequence.
func (d *Decoder) InitState(encoderOutputs *Tensor) (DecoderState, error) {
	if err := d.checkEncoderOutputs(encoderOutputs); err != nil {
		return DecoderState{}, err
	}
	batchSize, seqLength := encoderOutputs.Shape[0], encoderOutputs.Shape[1]

	return DecoderState{
		Attention:    nn.ZeroLSTMState(batchSize, d.Config.AttnLSTMDim),
		Decoder:      nn.ZeroLSTMState(batchSize, d.Config.DecoderLSTMDim),
		Alignment:    Zeros(batchSize, seqLength),
		AlignmentCum: Zeros(batchSize, seqLength),
		Context:      Zeros(batchSize, d.Config.EmbeddingDim),
	}, nil
}

// ForwardStep runs one decoding step. frame is the prenet output for the
// previous frame, [batch, prenet_dim].
func (d *Decoder) ForwardStep(frame, encoderOutputs *Tensor, state DecoderState) (StepResult, error) {
	// Attention LSTM over [prenet frame; previous context]
	input, err := Concat([]*Tensor{frame, state.Context}, 1)
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to build attention LSTM input: %w", err)
	}
	attnState, err := d.AttnLSTM.Forward(input, state.Attention)
	if err != nil {
		return StepResult{}, fmt.Errorf("attention LSTM step failed: %w", err)
	}
	attnState.Output = d.attnDropout.Forward(attnState.Output, d.training)

	// Attention over the encoder outputs, conditioned on alignment history
	history, err := Stack([]*Tensor{state.Alignment, state.AlignmentCum}, 1)
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to stack alignment history: %w", err)
	}
	context, alignment, err := d.Attention.Forward(attnState.Output, encoderOutputs, history)
	if err != nil {
		return StepResult{}, fmt.Errorf("attention step failed: %w", err)
	}
	alignmentCum, err := state.AlignmentCum.Add(alignment)
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to accumulate alignment: %w", err)
	}

	// Decoder LSTM over [attention LSTM output; new context]
	input, err = Concat([]*Tensor{attnState.Output, context}, 1)
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to build decoder LSTM input: %w", err)
	}
	decState, err := d.DecoderLSTM.Forward(input, state.Decoder)
	if err != nil {
		return StepResult{}, fmt.Errorf("decoder LSTM step failed: %w", err)
	}
	decState.Output = d.decoderDropout.Forward(decState.Output, d.training)

	// Project [decoder LSTM memory; context] to a frame and a stop logit
	output, err := Concat([]*Tensor{decState.Hidden, context}, 1)
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to build generator input: %w", err)
	}
	mel, err := d.MelGenerator.Forward(output)
	if err != nil {
		return StepResult{}, fmt.Errorf("mel generator failed: %w", err)
	}
	stop, err := d.StopGenerator.Forward(output)
	if err != nil {
		return StepResult{}, fmt.Errorf("stop generator failed: %w", err)
	}

	return StepResult{
		Mel:  mel,
		Stop: stop,
		State: DecoderState{
			Attention:    attnState,
			Decoder:      decState,
			Alignment:    alignment,
			AlignmentCum: alignmentCum,
			Context:      context,
		},
	}, nil
}

// Forward decodes a whole sequence. One random draw against
// teacherForcingRatio picks the mode for the entire call. targets may be nil
// for inference, in which case teacherForcingRatio must be 0.
func (d *Decoder) Forward(encoderOutputs, targets *Tensor, teacherForcingRatio float64) (*DecoderOutput, error) {
	if err := d.validateArgs(encoderOutputs, targets, teacherForcingRatio); err != nil {
		return nil, err
	}
	return d.Decode(encoderOutputs, targets, ChooseMode(d.rng, teacherForcingRatio))
}

// Decode decodes a whole sequence in the given mode.
//
// TeacherForced requires targets and runs exactly one step per target frame.
// Autoregressive without targets runs at most Config.MaxDecodingStep steps
// and halts early according to Config.StopPolicy. Autoregressive with
// targets runs exactly one step per target frame, feeding back predictions.
func (d *Decoder) Decode(encoderOutputs, targets *Tensor, mode DecodingMode) (*DecoderOutput, error) {
	if err := d.checkEncoderOutputs(encoderOutputs); err != nil {
		return nil, err
	}
	if targets != nil {
		if err := d.checkTargets(encoderOutputs, targets); err != nil {
			return nil, err
		}
	}

	switch mode {
	case TeacherForced:
		if targets == nil {
			return nil, ErrTeacherForcingWithoutTargets
		}
		return d.decodeTeacherForced(encoderOutputs, targets)
	case Autoregressive:
		return d.decodeAutoregressive(encoderOutputs, targets)
	default:
		return nil, fmt.Errorf("unknown decoding mode %d", mode)
	}
}

func (d *Decoder) prenetDropout() bool {
	return d.training || d.Config.PrenetDropoutAtInference
}

func (d *Decoder) decodeTeacherForced(encoderOutputs, targets *Tensor) (*DecoderOutput, error) {
	batchSize, targetLength := targets.Shape[0], targets.Shape[1]

	// Prepend the all-zero go frame: step i consumes frame i.
	goFrame := Zeros(batchSize, 1, d.Config.NumMelBins)
	inputs, err := Concat([]*Tensor{goFrame, targets}, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to prepend go frame: %w", err)
	}
	inputs, err = d.PreNet.Forward(inputs, d.prenetDropout())
	if err != nil {
		return nil, err
	}

	state, err := d.InitState(encoderOutputs)
	if err != nil {
		return nil, err
	}

	var mels, stops, alignments []*Tensor
	for di := 0; di < targetLength; di++ {
		frame, err := inputs.Index(1, di)
		if err != nil {
			return nil, err
		}
		step, err := d.ForwardStep(frame, encoderOutputs, state)
		if err != nil {
			return nil, fmt.Errorf("decoding step %d failed: %w", di, err)
		}
		state = step.State
		mels = append(mels, step.Mel)
		stops = append(stops, step.Stop)
		alignments = append(alignments, step.State.Alignment)
	}

	lengths := make([]int, batchSize)
	for b := range lengths {
		lengths[b] = targetLength
	}
	return d.parseOutputs(mels, stops, alignments, lengths, TeacherForced)
}

func (d *Decoder) decodeAutoregressive(encoderOutputs, targets *Tensor) (*DecoderOutput, error) {
	batchSize := encoderOutputs.Shape[0]

	maxSteps := d.Config.MaxDecodingStep
	earlyStop := true
	if targets != nil {
		maxSteps = targets.Shape[1]
		earlyStop = false
	}

	state, err := d.InitState(encoderOutputs)
	if err != nil {
		return nil, err
	}

	lengths := make([]int, batchSize)
	stopped := make([]bool, batchSize)
	input := Zeros(batchSize, d.Config.NumMelBins)

	var mels, stops, alignments []*Tensor
	for di := 0; di < maxSteps; di++ {
		frame, err := d.PreNet.Forward(input, d.prenetDropout())
		if err != nil {
			return nil, err
		}
		step, err := d.ForwardStep(frame, encoderOutputs, state)
		if err != nil {
			return nil, fmt.Errorf("decoding step %d failed: %w", di, err)
		}
		state = step.State
		mels = append(mels, step.Mel)
		stops = append(stops, step.Stop)
		alignments = append(alignments, step.State.Alignment)

		if earlyStop && d.updateStopped(step.Stop, stopped, lengths, di+1) {
			if d.Config.Verbose {
				log.Printf("decoder stopped after %d of %d steps (policy %s)", di+1, maxSteps, d.Config.StopPolicy)
			}
			break
		}
		input = step.Mel
	}

	for b := range lengths {
		if lengths[b] == 0 {
			lengths[b] = len(mels)
		}
	}
	return d.parseOutputs(mels, stops, alignments, lengths, Autoregressive)
}

// updateStopped marks sequences whose stop probability crossed the threshold
// at this step and reports whether the loop should halt.
func (d *Decoder) updateStopped(stop *Tensor, stopped []bool, lengths []int, steps int) bool {
	anyStopped, allStopped := false, true
	for b := range stopped {
		if !stopped[b] && Sigmoid(stop.Data[b]) > d.Config.StopThreshold {
			stopped[b] = true
			lengths[b] = steps
		}
		anyStopped = anyStopped || stopped[b]
		allStopped = allStopped && stopped[b]
	}
	if d.Config.StopPolicy == StopWhenAny {
		return anyStopped
	}
	return allStopped
}

// parseOutputs stacks the per-step results into time-major tensors.
func (d *Decoder) parseOutputs(mels, stops, alignments []*Tensor, lengths []int, mode DecodingMode) (*DecoderOutput, error) {
	if len(mels) == 0 {
		return nil, fmt.Errorf("decoder produced no frames")
	}

	melOutputs, err := Stack(mels, 2)
	if err != nil {
		return nil, fmt.Errorf("failed to stack mel outputs: %w", err)
	}
	stopOutputs, err := Concat(stops, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to stack stop outputs: %w", err)
	}
	alignmentOutputs, err := Stack(alignments, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to stack alignments: %w", err)
	}

	return &DecoderOutput{
		MelOutputs:  melOutputs,
		StopOutputs: stopOutputs,
		Alignments:  alignmentOutputs,
		Lengths:     lengths,
		Mode:        mode,
		Steps:       len(mels),
	}, nil
}

// validateArgs checks every precondition of Forward before any computation.
func (d *Decoder) validateArgs(encoderOutputs, targets *Tensor, teacherForcingRatio float64) error {
	if err := d.checkEncoderOutputs(encoderOutputs); err != nil {
		return err
	}
	if teacherForcingRatio < 0 || teacherForcingRatio > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidTeacherForcingRatio, teacherForcingRatio)
	}
	if targets == nil {
		if teacherForcingRatio > 0 {
			return ErrTeacherForcingWithoutTargets
		}
		return nil
	}
	return d.checkTargets(encoderOutputs, targets)
}

func (d *Decoder) checkEncoderOutputs(encoderOutputs *Tensor) error {
	if encoderOutputs == nil {
		return ErrNilEncoderOutputs
	}
	if encoderOutputs.Rank() != 3 || encoderOutputs.Shape[2] != d.Config.EmbeddingDim {
		return fmt.Errorf("%w: encoder outputs must be [batch, length, %d], got %v", ErrShapeMismatch, d.Config.EmbeddingDim, encoderOutputs.Shape)
	}
	if encoderOutputs.Shape[0] == 0 || encoderOutputs.Shape[1] == 0 {
		return fmt.Errorf("%w: encoder outputs must be non-empty, got %v", ErrShapeMismatch, encoderOutputs.Shape)
	}
	return nil
}

func (d *Decoder) checkTargets(encoderOutputs, targets *Tensor) error {
	if targets.Rank() != 3 || targets.Shape[2] != d.Config.NumMelBins {
		return fmt.Errorf("%w: targets must be [batch, length, %d], got %v", ErrShapeMismatch, d.Config.NumMelBins, targets.Shape)
	}
	if targets.Shape[0] != encoderOutputs.Shape[0] {
		return fmt.Errorf("%w: targets batch %d differs from encoder outputs batch %d", ErrShapeMismatch, targets.Shape[0], encoderOutputs.Shape[0])
	}
	if targets.Shape[1] == 0 {
		return fmt.Errorf("%w: targets must contain at least one frame", ErrShapeMismatch)
	}
	return nil
}
