// Package training runs gradient descent on the two generative models with
// the gomlx trainer, owning the global step counter that the mixture heads
// read during von Mises warm-up.
package training

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/sceneSynth/checkpoint"
	"github.com/Noofbiz/sceneSynth/datasets"
	"github.com/Noofbiz/sceneSynth/nn"
	"github.com/Noofbiz/sceneSynth/scene"
)

var log = logrus.WithField("module", "training")

// ErrNonFiniteLoss stops training when a step produces NaN or Inf.
var ErrNonFiniteLoss = errors.New("loss is not finite")

// Config holds configurable hyperparameters for training.
type Config struct {
	// LearningRate used by the optimizer.
	LearningRate float64 `yaml:"learning_rate"`

	// Epochs to train for.
	Epochs int `yaml:"epochs"`

	// BatchSize for mini-batch updates.
	BatchSize int `yaml:"batch_size"`

	// Seed controls shuffling, prefix lengths and diffusion timesteps.
	Seed uint64 `yaml:"seed"`

	// Optimizer selects the gomlx optimizer: "adam" or "sgd".
	Optimizer string `yaml:"optimizer"`

	// Adam hyperparameters.
	Beta1   float64 `yaml:"adam_beta1"`
	Beta2   float64 `yaml:"adam_beta2"`
	Epsilon float64 `yaml:"adam_epsilon"`

	// ClipStep clips every update by value; zero disables clipping.
	ClipStep float64 `yaml:"clip_step"`

	// LogEvery controls how often the loss is logged, in steps.
	LogEvery int `yaml:"log_every"`

	// CheckpointPath, when set, receives a checkpoint every CheckpointEvery
	// steps and at the end of training.
	CheckpointPath  string `yaml:"checkpoint_path"`
	CheckpointEvery int    `yaml:"checkpoint_every"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.LearningRate == 0 {
		c.LearningRate = 1e-4
	}
	if c.Epochs == 0 {
		c.Epochs = 10
	}
	if c.BatchSize == 0 {
		c.BatchSize = 8
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	if c.Optimizer == "" {
		c.Optimizer = "adam"
	}
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-8
	}
	if c.LogEvery == 0 {
		c.LogEvery = 50
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = 1000
	}
	return c
}

// Validate rejects settings the trainer cannot run with.
func (c Config) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.Epochs < 1 || c.BatchSize < 1 {
		return fmt.Errorf("epochs (%d) and batch size (%d) must be positive", c.Epochs, c.BatchSize)
	}
	if c.Optimizer != "adam" && c.Optimizer != "sgd" {
		return fmt.Errorf("unknown optimizer %q", c.Optimizer)
	}
	return nil
}

// Model is a network that exposes its variables and a scalar training loss.
type Model interface {
	Context() *context.Context
	LossGraph(ctx *context.Context, inputs []*Node) *Node
}

// Inputs builds the graph inputs of one batch at the given global step.
type Inputs func(samples []*scene.Sample, step int64) ([]*tensors.Tensor, error)

// Trainer runs mini-batch training for one model.
type Trainer struct {
	Config Config
	// Step is the global step counter. It is fed to every batch and stored
	// in checkpoints.
	Step int64

	model   Model
	trainer *train.Trainer
	rng     *rand.Rand
}

// NewTrainer configures the optimizer on the model's context and builds the
// gomlx trainer.
func NewTrainer(backend backends.Backend, model Model, cfg Config) (*Trainer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := model.Context()
	ctx.SetParam("optimizer", cfg.Optimizer)
	ctx.SetParam("learning_rate", cfg.LearningRate)
	ctx.SetParam("adam_beta1", cfg.Beta1)
	ctx.SetParam("adam_beta2", cfg.Beta2)
	ctx.SetParam("adam_epsilon", cfg.Epsilon)
	if cfg.ClipStep > 0 {
		ctx.SetParam("clip_step_by_value", cfg.ClipStep)
	}

	modelFn := func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		return []*Node{model.LossGraph(ctx, inputs)}
	}
	lossFn := func(_ []*Node, predictions []*Node) *Node {
		return predictions[0]
	}
	t := &Trainer{
		Config:  cfg,
		model:   model,
		trainer: train.NewTrainer(backend, ctx, modelFn, lossFn, optimizers.FromContext(ctx), nil, nil),
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d)),
	}
	return t, nil
}

// Rand is the trainer's random source for batch construction.
func (t *Trainer) Rand() *rand.Rand { return t.rng }

// TrainStep applies one optimizer update and returns the batch loss.
func (t *Trainer) TrainStep(inputs []*tensors.Tensor) (loss float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("train step %d: %v", t.Step, r)
		}
	}()
	metrics := t.trainer.TrainStep(nil, inputs, nil)
	values, err := nn.Floats(metrics[0])
	if err != nil {
		return 0, fmt.Errorf("reading loss: %w", err)
	}
	loss = values[0]
	if math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0) {
		return loss, fmt.Errorf("%w at step %d", ErrNonFiniteLoss, t.Step)
	}
	t.Step++
	return loss, nil
}

// Run trains for Config.Epochs over ds, reshuffling every epoch, and returns
// the mean loss of the last epoch.
func (t *Trainer) Run(ds datasets.Dataset, inputs Inputs) (float64, error) {
	n := ds.Len()
	if n == 0 {
		return 0, datasets.ErrNoSamples
	}
	var epochLoss float64
	for ep := 0; ep < t.Config.Epochs; ep++ {
		ds.Shuffle(t.Config.Seed + uint64(ep))
		epochLoss = 0
		batches := 0
		for start := 0; start < n; start += t.Config.BatchSize {
			end := min(start+t.Config.BatchSize, n)
			idx := make([]int, 0, end-start)
			for i := start; i < end; i++ {
				idx = append(idx, i)
			}
			samples, err := ds.Batch(idx)
			if err != nil {
				return 0, fmt.Errorf("failed to read batch: %w", err)
			}
			in, err := inputs(samples, t.Step)
			if err != nil {
				return 0, fmt.Errorf("failed to build batch: %w", err)
			}
			loss, err := t.TrainStep(in)
			if err != nil {
				return 0, err
			}
			epochLoss += float64(loss)
			batches++
			if t.Step%int64(t.Config.LogEvery) == 0 {
				log.WithFields(logrus.Fields{"step": t.Step, "epoch": ep, "loss": loss}).Info("training")
			}
			if t.Config.CheckpointPath != "" && t.Step%int64(t.Config.CheckpointEvery) == 0 {
				if err := t.Save(t.Config.CheckpointPath); err != nil {
					return 0, err
				}
			}
		}
		epochLoss /= float64(batches)
		log.WithFields(logrus.Fields{"epoch": ep, "loss": epochLoss}).Info("epoch done")
	}
	if t.Config.CheckpointPath != "" {
		if err := t.Save(t.Config.CheckpointPath); err != nil {
			return 0, err
		}
	}
	return epochLoss, nil
}

// Save writes the model weights and the global step.
func (t *Trainer) Save(path string) error {
	return checkpoint.Save(path, nn.Snapshot(t.model.Context(), t.Step))
}

// Resume loads weights and the global step from a checkpoint.
func (t *Trainer) Resume(path string) error {
	f, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	nn.Restore(t.model.Context(), f)
	t.Step = f.Step
	return nil
}
