package tacotron

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the construction-time hyperparameters of the decoder. It is
// fixed for the lifetime of a Decoder.
type Config struct {
	NumMelBins             int     `json:"num_mel_bins"`              // number of mel filters
	PrenetDim              int     `json:"prenet_dim"`                // width of both prenet layers
	AttnLSTMDim            int     `json:"attn_lstm_dim"`             // width of the attention LSTM
	DecoderLSTMDim         int     `json:"decoder_lstm_dim"`          // width of the decoder LSTM
	EmbeddingDim           int     `json:"embedding_dim"`             // width of the encoder outputs
	AttnDim                int     `json:"attn_dim"`                  // width of the attention space
	LocationConvFilterSize int     `json:"location_conv_filter_size"` // number of location filters
	LocationConvKernelSize int     `json:"location_conv_kernel_size"` // odd kernel width
	PrenetDropoutP         float64 `json:"prenet_dropout_p"`
	AttnDropoutP           float64 `json:"attn_dropout_p"`
	DecoderDropoutP        float64 `json:"decoder_dropout_p"`
	MaxDecodingStep        int     `json:"max_decoding_step"`
	StopThreshold          float64 `json:"stop_threshold"`

	// StopPolicy decides how per-sequence stop signals end a batched
	// autoregressive loop.
	StopPolicy StopPolicy `json:"stop_policy"`

	// PrenetDropoutAtInference keeps prenet dropout on in eval mode, which
	// is how Tacotron 2 introduces output variation at inference.
	PrenetDropoutAtInference bool `json:"prenet_dropout_at_inference"`

	// Verbose logs construction and early stops.
	Verbose bool `json:"verbose"`
}

// DefaultConfig returns the Tacotron 2 hyperparameters.
func DefaultConfig() Config {
	return Config{
		NumMelBins:               80,
		PrenetDim:                256,
		AttnLSTMDim:              1024,
		DecoderLSTMDim:           1024,
		EmbeddingDim:             512,
		AttnDim:                  128,
		LocationConvFilterSize:   32,
		LocationConvKernelSize:   31,
		PrenetDropoutP:           0.5,
		AttnDropoutP:             0.1,
		DecoderDropoutP:          0.1,
		MaxDecodingStep:          1000,
		StopThreshold:            0.5,
		StopPolicy:               StopWhenAll,
		PrenetDropoutAtInference: true,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"num_mel_bins", c.NumMelBins},
		{"prenet_dim", c.PrenetDim},
		{"attn_lstm_dim", c.AttnLSTMDim},
		{"decoder_lstm_dim", c.DecoderLSTMDim},
		{"embedding_dim", c.EmbeddingDim},
		{"attn_dim", c.AttnDim},
		{"location_conv_filter_size", c.LocationConvFilterSize},
		{"location_conv_kernel_size", c.LocationConvKernelSize},
		{"max_decoding_step", c.MaxDecodingStep},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.value)
		}
	}
	if c.LocationConvKernelSize%2 == 0 {
		return fmt.Errorf("%w: location_conv_kernel_size must be odd to preserve the input length, got %d", ErrInvalidConfig, c.LocationConvKernelSize)
	}

	dropouts := []struct {
		name  string
		value float64
	}{
		{"prenet_dropout_p", c.PrenetDropoutP},
		{"attn_dropout_p", c.AttnDropoutP},
		{"decoder_dropout_p", c.DecoderDropoutP},
	}
	for _, d := range dropouts {
		if d.value < 0 || d.value >= 1 {
			return fmt.Errorf("%w: %s must be in [0, 1), got %v", ErrInvalidConfig, d.name, d.value)
		}
	}

	if c.StopPolicy != StopWhenAll && c.StopPolicy != StopWhenAny {
		return fmt.Errorf("%w: unknown stop_policy %q", ErrInvalidConfig, c.StopPolicy)
	}
	return nil
}

// LoadConfig reads a JSON file over DefaultConfig, so the file only needs to
// name the fields it changes.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
