package llmserve

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the serving-side knobs for the engine. Model shape lives with
// the model itself; this covers scheduling, KV cache capacity, the EOS id,
// the async idle wait and the sampler seed.
type Config struct {
	MaxBatchSize      int  `yaml:"max_batch_size"`
	MaxTokensPerBatch int  `yaml:"max_tokens_per_batch"`
	UsePagedAttention bool `yaml:"use_paged_attention"`
	BlockSize         int  `yaml:"block_size"`
	NumBlocks         int  `yaml:"num_blocks"`
	EOSTokenID        int  `yaml:"eos_token_id"`
	ArrivalWaitMillis int  `yaml:"arrival_wait_millis"`
	SamplerSeed       int64 `yaml:"sampler_seed"`
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// NewConfig creates a serving Config with default values.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		MaxBatchSize:      8,
		MaxTokensPerBatch: 512,
		UsePagedAttention: true,
		BlockSize:         16,
		NumBlocks:         256,
		EOSTokenID:        2,
		ArrivalWaitMillis: 50,
		SamplerSeed:       0,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be >= 1, got %d", c.MaxBatchSize)
	}
	if c.MaxTokensPerBatch < 1 {
		return fmt.Errorf("max_tokens_per_batch must be >= 1, got %d", c.MaxTokensPerBatch)
	}
	if c.BlockSize < 1 {
		return fmt.Errorf("block_size must be >= 1, got %d", c.BlockSize)
	}
	if c.NumBlocks < 1 {
		return fmt.Errorf("num_blocks must be >= 1, got %d", c.NumBlocks)
	}
	return nil
}

// WithMaxBatchSize sets the maximum number of requests per batch.
func WithMaxBatchSize(n int) ConfigOption {
	return func(c *Config) { c.MaxBatchSize = n }
}

// WithMaxTokensPerBatch sets the token budget for one scheduled batch.
func WithMaxTokensPerBatch(n int) ConfigOption {
	return func(c *Config) { c.MaxTokensPerBatch = n }
}

// WithPagedAttention enables or disables the paged KV cache path.
func WithPagedAttention(b bool) ConfigOption {
	return func(c *Config) { c.UsePagedAttention = b }
}

// WithBlockSize sets the KV cache block size in tokens.
func WithBlockSize(n int) ConfigOption {
	return func(c *Config) { c.BlockSize = n }
}

// WithNumBlocks sets the total number of physical KV cache blocks.
func WithNumBlocks(n int) ConfigOption {
	return func(c *Config) { c.NumBlocks = n }
}

// WithEOSTokenID sets the end-of-sequence token id.
func WithEOSTokenID(id int) ConfigOption {
	return func(c *Config) { c.EOSTokenID = id }
}

// WithArrivalWaitMillis sets the bounded wait used by the async loop when idle.
func WithArrivalWaitMillis(ms int) ConfigOption {
	return func(c *Config) { c.ArrivalWaitMillis = ms }
}

// WithSamplerSeed sets the base seed mixed into per-request sampler seeds.
func WithSamplerSeed(seed int64) ConfigOption {
	return func(c *Config) { c.SamplerSeed = seed }
}

// LoadConfigFile reads serving knobs from a YAML file and applies any extra
// options on top of it.
func LoadConfigFile(path string, opts ...ConfigOption) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	c, err := NewConfig()
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}
