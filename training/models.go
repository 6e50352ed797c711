package training

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/Noofbiz/sceneSynth/datasets"
	"github.com/Noofbiz/sceneSynth/diffusion"
	"github.com/Noofbiz/sceneSynth/nn"
	"github.com/Noofbiz/sceneSynth/scene"
)

// AutoregressiveInputs builds prefix batches with a uniformly drawn
// prefix length per sample.
func (t *Trainer) AutoregressiveInputs(model *nn.Autoregressive) Inputs {
	return func(samples []*scene.Sample, step int64) ([]*tensors.Tensor, error) {
		b, err := datasets.NewAutoregressiveBatch(samples, model.Grid, model.Config.MaxAgents, t.rng)
		if err != nil {
			return nil, err
		}
		return b.Tensors(step), nil
	}
}

// DiffusionInputs builds batches noised on the host at one uniformly drawn
// timestep per batch.
func (t *Trainer) DiffusionInputs(schedule *diffusion.Schedule) Inputs {
	p := &diffusion.Perturber{Schedule: schedule, Rng: t.rng}
	return func(samples []*scene.Sample, _ int64) ([]*tensors.Tensor, error) {
		b, err := datasets.NewDiffusionBatch(samples, p)
		if err != nil {
			return nil, err
		}
		log.WithField("t", b.T).Debug("diffusion batch")
		return b.Tensors(), nil
	}
}
