// Package nn holds the gomlx graphs of both generative models: the map
// feature extractor, the autoregressive transformer with its per-category
// decoder chains, the diffusion drift backbone with its count predictors,
// and the training losses.
package nn

import (
	"fmt"

	"github.com/Noofbiz/sceneSynth/autoregressive"
	"github.com/Noofbiz/sceneSynth/diffusion"
)

// Config holds the network sizes. Zero fields are replaced by defaults in
// WithDefaults.
type Config struct {
	// Filters are the channel counts of the stride-2 convolution stages.
	Filters    []int `yaml:"filters"`
	FeatureDim int   `yaml:"feature_dim"`

	DModel      int `yaml:"d_model"`
	Heads       int `yaml:"heads"`
	Layers      int `yaml:"layers"`
	FeedForward int `yaml:"feed_forward"`
	Mixtures    int `yaml:"mixtures"`
	MaxAgents   int `yaml:"max_agents"`

	CategoryEmbed  int `yaml:"category_embed"`
	LocationEmbed  int `yaml:"location_embed"`
	ScalarEncoding int `yaml:"scalar_encoding"`
	HeadHidden     int `yaml:"head_hidden"`

	DiffusionDim    int `yaml:"diffusion_dim"`
	DiffusionHeads  int `yaml:"diffusion_heads"`
	DiffusionLayers int `yaml:"diffusion_layers"`
	CountHidden     int `yaml:"count_hidden"`
	MaxCount        int `yaml:"max_count"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if len(c.Filters) == 0 {
		c.Filters = []int{16, 32, 64, 64}
	}
	def := func(v *int, d int) {
		if *v == 0 {
			*v = d
		}
	}
	def(&c.FeatureDim, 64)
	def(&c.DModel, 768)
	def(&c.Heads, 12)
	def(&c.Layers, 6)
	def(&c.FeedForward, 2048)
	def(&c.Mixtures, autoregressive.DefaultMixtures)
	def(&c.MaxAgents, 128)
	def(&c.CategoryEmbed, 64)
	def(&c.LocationEmbed, 128)
	def(&c.ScalarEncoding, 64)
	def(&c.HeadHidden, 256)
	def(&c.DiffusionDim, 128)
	def(&c.DiffusionHeads, 4)
	def(&c.DiffusionLayers, 4)
	def(&c.CountHidden, 128)
	def(&c.MaxCount, diffusion.MaxCount)
	return c
}

// Validate checks divisibility and positivity constraints.
func (c Config) Validate() error {
	if c.DModel%c.Heads != 0 {
		return fmt.Errorf("d_model %d not divisible by %d heads", c.DModel, c.Heads)
	}
	if c.DiffusionDim%c.DiffusionHeads != 0 {
		return fmt.Errorf("diffusion_dim %d not divisible by %d heads", c.DiffusionDim, c.DiffusionHeads)
	}
	if c.ScalarEncoding%2 != 0 {
		return fmt.Errorf("scalar_encoding must be even, got %d", c.ScalarEncoding)
	}
	if c.MaxAgents < 2 {
		return fmt.Errorf("max_agents must be at least 2, got %d", c.MaxAgents)
	}
	for i, f := range c.Filters {
		if f <= 0 {
			return fmt.Errorf("filter stage %d has %d channels", i, f)
		}
	}
	return nil
}

// DecoderHeads returns the mixture head specs of a decoder chain.
func (c Config) DecoderHeads() autoregressive.Heads {
	return autoregressive.NewHeads(c.Mixtures)
}
