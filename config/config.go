// Package config loads the YAML configuration shared by every scenegen mode.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/Noofbiz/sceneSynth/autoregressive"
	"github.com/Noofbiz/sceneSynth/diffusion"
	"github.com/Noofbiz/sceneSynth/nn"
	"github.com/Noofbiz/sceneSynth/scene"
	"github.com/Noofbiz/sceneSynth/training"
)

// Config is the full configuration of a scenegen invocation.
type Config struct {
	// DataDir is a processed dataset directory (see package datasets).
	DataDir string `yaml:"data_dir"`
	// Checkpoint is read before generation and written by training.
	Checkpoint string `yaml:"checkpoint"`
	// Store is the SQLite database receiving generated scenes; empty
	// disables persistence.
	Store string `yaml:"store"`

	Network    nn.Config       `yaml:"network"`
	Training   training.Config `yaml:"training"`
	Generation Generation      `yaml:"generation"`
}

// Generation controls batch rollout.
type Generation struct {
	// Samples limits the number of dataset samples; zero means all.
	Samples int    `yaml:"samples"`
	Workers int    `yaml:"workers"`
	Seed    uint64 `yaml:"seed"`

	DiffusionSteps int `yaml:"diffusion_steps"`
	MaxSteps       int `yaml:"max_steps"`
	// Counts fixes the diffusion agent counts by category name.
	Counts map[string]int `yaml:"counts"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	return Config{
		DataDir:    "data/processed",
		Checkpoint: "output/model.ckpt",
		Network:    nn.Config{}.WithDefaults(),
		Training:   training.Config{}.WithDefaults(),
		Generation: Generation{
			Seed:           1,
			DiffusionSteps: diffusion.DefaultSteps,
			MaxSteps:       autoregressive.DefaultMaxSteps,
		},
	}
}

// Load reads path over Defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config file load err: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	c := Defaults()
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("config parse err: %w", err)
	}
	c.Network = c.Network.WithDefaults()
	c.Training = c.Training.WithDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	if err := c.Network.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("network: %w", err))
	}
	if err := c.Training.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("training: %w", err))
	}
	if c.Generation.DiffusionSteps < 1 {
		errs = append(errs, fmt.Errorf("generation: diffusion_steps must be positive, got %d", c.Generation.DiffusionSteps))
	}
	if c.Generation.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("generation: max_steps must be positive, got %d", c.Generation.MaxSteps))
	}
	if _, err := c.Generation.CategoryCounts(); err != nil {
		errs = append(errs, fmt.Errorf("generation: %w", err))
	}
	return errors.Join(errs...)
}

// CategoryCounts converts Counts to categories. It returns nil when no
// counts are configured.
func (g Generation) CategoryCounts() (map[scene.Category]int, error) {
	if len(g.Counts) == 0 {
		return nil, nil
	}
	out := make(map[scene.Category]int, len(g.Counts))
	for name, n := range g.Counts {
		c, err := scene.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		if !c.IsAgent() {
			return nil, fmt.Errorf("counts: %v is not an agent category", c)
		}
		if n < 0 {
			return nil, fmt.Errorf("counts: negative count %d for %v", n, c)
		}
		out[c] = n
	}
	return out, nil
}
