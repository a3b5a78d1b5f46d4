package tacotron

import (
	"errors"

	"golang.org/x/exp/rand"
)

var (
	// ErrNilEncoderOutputs is returned when the decoder is called without
	// encoder outputs.
	ErrNilEncoderOutputs = errors.New("encoder outputs are required")
	// ErrTeacherForcingWithoutTargets is returned when teacher forcing is
	// requested but no target frames were supplied.
	ErrTeacherForcingWithoutTargets = errors.New("teacher forcing must be disabled when no targets are provided")
	// ErrInvalidTeacherForcingRatio is returned for a ratio outside [0, 1].
	ErrInvalidTeacherForcingRatio = errors.New("teacher forcing ratio must be in [0, 1]")
	// ErrInvalidConfig wraps every Config.Validate failure.
	ErrInvalidConfig = errors.New("invalid decoder config")
	// ErrShapeMismatch wraps tensor shape errors raised by the decoder's
	// own argument checks.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// DecodingMode selects how each step's input frame is produced.
type DecodingMode int

const (
	// TeacherForced feeds the ground-truth previous frame at every step.
	TeacherForced DecodingMode = iota
	// Autoregressive feeds the decoder's own previous prediction.
	Autoregressive
)

func (m DecodingMode) String() string {
	switch m {
	case TeacherForced:
		return "teacher-forced"
	case Autoregressive:
		return "autoregressive"
	default:
		return "unknown"
	}
}

// ChooseMode makes the single per-call draw: teacher forcing with
// probability ratio, otherwise autoregressive.
func ChooseMode(rng *rand.Rand, ratio float64) DecodingMode {
	if rng.Float64() < ratio {
		return TeacherForced
	}
	return Autoregressive
}

// StopPolicy decides when a batched autoregressive loop halts.
type StopPolicy string

const (
	// StopWhenAll halts once every sequence has signalled stop at least once.
	StopWhenAll StopPolicy = "all"
	// StopWhenAny halts as soon as one sequence signals stop.
	StopWhenAny StopPolicy = "any"
)
