package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"github.com/golangast/meldecoder/neural/tacotron"
	. "github.com/golangast/meldecoder/neural/tensor"
)

func main() {
	defaults := tacotron.DefaultConfig()

	configPath := flag.String("config", "", "Path to a JSON decoder config; flags set on the command line override it")
	numMelBins := flag.Int("num_mel_bins", defaults.NumMelBins, "Number of mel filters")
	prenetDim := flag.Int("prenet_dim", defaults.PrenetDim, "Width of the prenet layers")
	attnLSTMDim := flag.Int("attn_lstm_dim", defaults.AttnLSTMDim, "Width of the attention LSTM")
	decoderLSTMDim := flag.Int("decoder_lstm_dim", defaults.DecoderLSTMDim, "Width of the decoder LSTM")
	embeddingDim := flag.Int("embedding_dim", defaults.EmbeddingDim, "Width of the encoder outputs")
	attnDim := flag.Int("attn_dim", defaults.AttnDim, "Width of the attention space")
	filterSize := flag.Int("location_conv_filter_size", defaults.LocationConvFilterSize, "Number of location filters")
	kernelSize := flag.Int("location_conv_kernel_size", defaults.LocationConvKernelSize, "Location convolution kernel width (odd)")
	prenetDropout := flag.Float64("prenet_dropout_p", defaults.PrenetDropoutP, "Prenet dropout probability")
	attnDropout := flag.Float64("attn_dropout_p", defaults.AttnDropoutP, "Attention LSTM output dropout probability")
	decoderDropout := flag.Float64("decoder_dropout_p", defaults.DecoderDropoutP, "Decoder LSTM output dropout probability")
	maxSteps := flag.Int("max_decoding_step", defaults.MaxDecodingStep, "Maximum autoregressive steps")
	stopThreshold := flag.Float64("stop_threshold", defaults.StopThreshold, "Stop probability threshold")
	stopPolicy := flag.String("stop_policy", string(defaults.StopPolicy), "Batched stop policy: all or any")
	prenetAtInference := flag.Bool("prenet_dropout_at_inference", defaults.PrenetDropoutAtInference, "Keep prenet dropout on in eval mode")
	verbose := flag.Bool("verbose", false, "Log decoder construction and early stops")

	seed := flag.Uint64("seed", 0, "Random seed; 0 seeds from the clock")
	batchSize := flag.Int("batch", 2, "Number of sequences to decode")
	inputLength := flag.Int("input_length", 20, "Length of the random encoder outputs")
	targetLength := flag.Int("target_length", 0, "Length of random target frames; 0 decodes without targets")
	ratio := flag.Float64("teacher_forcing_ratio", 0, "Probability of teacher forcing (requires targets)")
	train := flag.Bool("train", false, "Run in training mode")
	dump := flag.Bool("dump", false, "Dump the decoder outputs")
	flag.Parse()

	cfg := defaults
	if *configPath != "" {
		loaded, err := tacotron.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	// Apply only the flags given explicitly, so a config file is not
	// overwritten by flag defaults.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "num_mel_bins":
			cfg.NumMelBins = *numMelBins
		case "prenet_dim":
			cfg.PrenetDim = *prenetDim
		case "attn_lstm_dim":
			cfg.AttnLSTMDim = *attnLSTMDim
		case "decoder_lstm_dim":
			cfg.DecoderLSTMDim = *decoderLSTMDim
		case "embedding_dim":
			cfg.EmbeddingDim = *embeddingDim
		case "attn_dim":
			cfg.AttnDim = *attnDim
		case "location_conv_filter_size":
			cfg.LocationConvFilterSize = *filterSize
		case "location_conv_kernel_size":
			cfg.LocationConvKernelSize = *kernelSize
		case "prenet_dropout_p":
			cfg.PrenetDropoutP = *prenetDropout
		case "attn_dropout_p":
			cfg.AttnDropoutP = *attnDropout
		case "decoder_dropout_p":
			cfg.DecoderDropoutP = *decoderDropout
		case "max_decoding_step":
			cfg.MaxDecodingStep = *maxSteps
		case "stop_threshold":
			cfg.StopThreshold = *stopThreshold
		case "stop_policy":
			cfg.StopPolicy = tacotron.StopPolicy(*stopPolicy)
		case "prenet_dropout_at_inference":
			cfg.PrenetDropoutAtInference = *prenetAtInference
		case "verbose":
			cfg.Verbose = *verbose
		}
	})

	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewSource(*seed))

	decoder, err := tacotron.NewDecoder(cfg, rng)
	if err != nil {
		log.Fatalf("Failed to create decoder: %v", err)
	}
	if !*train {
		decoder.Eval()
	}
	log.Printf("Decoder ready: %d parameters, seed %d", decoder.NumParameters(), *seed)

	encoderOutputs := randomTensor(rng, *batchSize, *inputLength, cfg.EmbeddingDim)
	var targets *Tensor
	if *targetLength > 0 {
		targets = randomTensor(rng, *batchSize, *targetLength, cfg.NumMelBins)
	}

	start := time.Now()
	out, err := decoder.Forward(encoderOutputs, targets, *ratio)
	if err != nil {
		log.Fatalf("Failed to decode: %v", err)
	}
	log.Printf("Decoded %d steps in %s (%s)", out.Steps, time.Since(start), out.Mode)

	fmt.Printf("Mel outputs:  %v\n", out.MelOutputs.Shape)
	fmt.Printf("Stop outputs: %v\n", out.StopOutputs.Shape)
	fmt.Printf("Alignments:   %v\n", out.Alignments.Shape)
	fmt.Printf("Lengths:      %v\n", out.Lengths)

	if err := printAlignmentPath(out.Alignments); err != nil {
		log.Fatalf("Failed to summarise alignments: %v", err)
	}

	if *dump {
		spew.Dump(out)
	}
}

func randomTensor(rng *rand.Rand, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

// printAlignmentPath prints, for every sequence, the most attended encoder
// position at each step and the row sum of the alignment.
func printAlignmentPath(alignments *Tensor) error {
	batchSize, steps := alignments.Dim(0), alignments.Dim(1)
	for b := 0; b < batchSize; b++ {
		seq, err := alignments.Index(0, b)
		if err != nil {
			return err
		}
		path := make([]int, steps)
		minSum, maxSum := 1.0, 1.0
		for s := 0; s < steps; s++ {
			row, err := seq.Index(0, s)
			if err != nil {
				return err
			}
			path[s] = floats.MaxIdx(row.Data)
			sum := floats.Sum(row.Data)
			minSum = min(minSum, sum)
			maxSum = max(maxSum, sum)
		}
		fmt.Printf("Sequence %d attention path: %v (row sums in [%.6f, %.6f])\n", b, path, minSum, maxSum)
	}
	return nil
}
