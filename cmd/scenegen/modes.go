package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"time"

	"github.com/gomlx/gomlx/backends"

	"github.com/Noofbiz/sceneSynth/autoregressive"
	"github.com/Noofbiz/sceneSynth/checkpoint"
	"github.com/Noofbiz/sceneSynth/config"
	"github.com/Noofbiz/sceneSynth/datasets"
	"github.com/Noofbiz/sceneSynth/diffusion"
	"github.com/Noofbiz/sceneSynth/nn"
	"github.com/Noofbiz/sceneSynth/rollout"
	"github.com/Noofbiz/sceneSynth/scenestore"
	"github.com/Noofbiz/sceneSynth/training"
)

// session holds the backend and dataset shared by every mode.
type session struct {
	cfg     config.Config
	backend backends.Backend
	ds      *datasets.SceneDataset
}

func newSession(c config.Config) (*session, error) {
	ds, err := datasets.NewSceneDataset(c.DataDir)
	if err != nil {
		return nil, fmt.Errorf("loading dataset: %w", err)
	}
	log.Infof("loaded %d samples from %s (%d agents dropped)", ds.Len(), c.DataDir, ds.Dropped)
	backend, err := nn.NewBackend()
	if err != nil {
		return nil, err
	}
	return &session{cfg: c, backend: backend, ds: ds}, nil
}

func (s *session) trainingConfig() training.Config {
	tc := s.cfg.Training
	if tc.CheckpointPath == "" {
		tc.CheckpointPath = s.cfg.Checkpoint
	}
	return tc
}

// train runs the trainer, resuming first when a checkpoint already exists.
func (s *session) train(model training.Model, inputs func(*training.Trainer) training.Inputs) error {
	tr, err := training.NewTrainer(s.backend, model, s.trainingConfig())
	if err != nil {
		return err
	}
	if _, err := os.Stat(tr.Config.CheckpointPath); err == nil {
		if err := tr.Resume(tr.Config.CheckpointPath); err != nil {
			return fmt.Errorf("resuming: %w", err)
		}
		log.Infof("resumed from %s at step %d", tr.Config.CheckpointPath, tr.Step)
	}
	start := time.Now()
	loss, err := tr.Run(s.ds, inputs(tr))
	if err != nil {
		return err
	}
	log.Infof("training finished after %d steps in %s, last epoch loss %.4f", tr.Step, time.Since(start).Round(time.Second), loss)
	return nil
}

// restore loads the configured checkpoint into model and returns its step.
func (s *session) restore(model training.Model) (int64, error) {
	f, err := checkpoint.Load(s.cfg.Checkpoint)
	if err != nil {
		return 0, err
	}
	nn.Restore(model.Context(), f)
	log.Infof("loaded %d tensors from %s (step %d)", len(f.Tensors), s.cfg.Checkpoint, f.Step)
	return f.Step, nil
}

func trainAutoregressive(c config.Config) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	model, err := nn.NewAutoregressive(s.backend, nn.NewContext(), c.Network)
	if err != nil {
		return err
	}
	return s.train(model, func(tr *training.Trainer) training.Inputs {
		return tr.AutoregressiveInputs(model)
	})
}

func trainDiffusion(c config.Config) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	schedule, err := diffusion.NewSchedule(c.Generation.DiffusionSteps)
	if err != nil {
		return err
	}
	model, err := nn.NewDiffusion(s.backend, nn.NewContext(), c.Network)
	if err != nil {
		return err
	}
	return s.train(model, func(tr *training.Trainer) training.Inputs {
		return tr.DiffusionInputs(schedule)
	})
}

func generateAutoregressive(c config.Config, csvPath string) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	model, err := nn.NewAutoregressive(s.backend, nn.NewContext(), c.Network)
	if err != nil {
		return err
	}
	step, err := s.restore(model)
	if err != nil {
		return err
	}
	gen := rollout.Autoregressive(model, c.Network.DecoderHeads(), nil, c.Generation.MaxSteps, int(step))
	return s.generate("autoregressive", gen, csvPath)
}

func generateDiffusion(c config.Config, csvPath string) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	schedule, err := diffusion.NewSchedule(c.Generation.DiffusionSteps)
	if err != nil {
		return err
	}
	counts, err := c.Generation.CategoryCounts()
	if err != nil {
		return err
	}
	model, err := nn.NewDiffusion(s.backend, nn.NewContext(), c.Network)
	if err != nil {
		return err
	}
	if _, err := s.restore(model); err != nil {
		return err
	}
	return s.generate("diffusion", rollout.Diffusion(model, schedule, counts), csvPath)
}

// generate runs gen over the dataset and persists the results. Interrupts
// stop the pool; scenes finished before that are still written.
func (s *session) generate(modelName string, gen rollout.GenerateFunc, csvPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g := s.cfg.Generation
	start := time.Now()
	results, runErr := rollout.NewRunner(gen, g.Workers, g.Seed).Run(ctx, s.ds, g.Samples)
	log.Infof("generated %d scenes in %s", len(results), time.Since(start).Round(time.Millisecond))

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if s.cfg.Store != "" {
		if err := persist(s.cfg.Store, &scenestore.Run{
			Model:      modelName,
			Checkpoint: s.cfg.Checkpoint,
			Seed:       g.Seed,
		}, results); err != nil {
			errs = append(errs, err)
		}
	}
	if csvPath != "" {
		if err := writeAgentsFile(csvPath, results); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// evaluateAutoregressive reports the mean ground-truth-conditioned NLL of one random
// prefix length per sample.
func evaluateAutoregressive(c config.Config) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	model, err := nn.NewAutoregressive(s.backend, nn.NewContext(), c.Network)
	if err != nil {
		return err
	}
	step, err := s.restore(model)
	if err != nil {
		return err
	}
	g := autoregressive.NewGenerator(model, c.Network.DecoderHeads(), c.Generation.Seed)
	g.TrainStep = int(step)
	rng := rand.New(rand.NewPCG(c.Generation.Seed, 0))

	n := s.ds.Len()
	if c.Generation.Samples > 0 && c.Generation.Samples < n {
		n = c.Generation.Samples
	}
	mean, scored, err := evaluate(g, s.ds, n, rng)
	if err != nil {
		return err
	}
	log.Infof("evaluated %d samples: total %.4f category %.4f location %.4f size %.4f heading %.4f moving %.4f speed %.4f yaw rate %.4f",
		scored, mean.Total(), mean.Category, mean.Location, mean.Size, mean.Heading, mean.Moving, mean.Speed, mean.YawRate)
	return nil
}

// evaluate averages the NLL over the first n samples of ds. Samples that fail
// to load or score are logged and skipped.
func evaluate(g *autoregressive.Generator, ds datasets.Dataset, n int, rng *rand.Rand) (autoregressive.NLL, int, error) {
	var sum autoregressive.NLL
	scored := 0
	for i := 0; i < n; i++ {
		sample, err := ds.Sample(i)
		if err != nil {
			log.Warnf("sample %d: %v", i, err)
			continue
		}
		seq := sample.Sequence()
		nKeep := rng.IntN(seq.Len())
		nll, err := g.Evaluate(sample.Map, seq, nKeep)
		if err != nil {
			log.Warnf("sample %s: %v", sample.Token, err)
			continue
		}
		sum = sum.Add(nll)
		scored++
	}
	if scored == 0 {
		return autoregressive.NLL{}, 0, datasets.ErrNoSamples
	}
	return sum.Scale(1 / float64(scored)), scored, nil
}
