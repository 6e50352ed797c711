// Package rollout runs a generator over many dataset samples in parallel.
// Per-sample seeds are drawn serially before any work starts, so the results
// do not depend on the number of workers.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/sceneSynth/autoregressive"
	"github.com/Noofbiz/sceneSynth/datasets"
	"github.com/Noofbiz/sceneSynth/diffusion"
	"github.com/Noofbiz/sceneSynth/scene"
)

var log = logrus.WithField("module", "rollout")

// Result is the outcome of one generation call.
type Result struct {
	Index   int
	Token   string
	Seed    uint64
	Agents  []scene.Agent
	Outcome string
	// DriftNorms is the diffusion convergence trace; empty for the
	// autoregressive model.
	DriftNorms []float64
	Err        error
}

// GenerateFunc produces one scene for a sample.
type GenerateFunc func(s *scene.Sample, seed uint64) (Result, error)

// Runner fans generation calls out over a worker pool.
type Runner struct {
	Generate GenerateFunc
	// Workers defaults to the number of CPUs.
	Workers int

	rng *rand.Rand
}

// NewRunner creates a runner whose per-sample seeds derive from seed.
func NewRunner(gen GenerateFunc, workers int, seed uint64) *Runner {
	return &Runner{
		Generate: gen,
		Workers:  workers,
		rng:      rand.New(rand.NewPCG(seed, seed^0xda942042e4dd58b5)),
	}
}

// Run generates a scene for each of the first n samples of ds (all samples
// when n <= 0). Failures of individual samples are reported in
// Result.Err; Run itself fails only when a sample cannot be loaded or ctx is
// cancelled.
func (r *Runner) Run(ctx context.Context, ds datasets.Dataset, n int) ([]Result, error) {
	if n <= 0 || n > ds.Len() {
		n = ds.Len()
	}
	if n == 0 {
		return nil, datasets.ErrNoSamples
	}

	// Precompute independent seeds (serial access to the runner RNG).
	seeds := make([]uint64, n)
	for i := range seeds {
		seeds[i] = r.rng.Uint64()
	}

	workerCount := r.Workers
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	workerCount = min(workerCount, n)

	results := make([]Result, n)
	loadErrs := make([]error, n)
	jobs := make(chan int, n)
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				s, err := ds.Sample(i)
				if err != nil {
					loadErrs[i] = err
					continue
				}
				res, err := r.Generate(s, seeds[i])
				res.Index, res.Token, res.Seed = i, s.Token, seeds[i]
				if err != nil {
					res.Err = err
					log.WithFields(logrus.Fields{"sample": s.Token, "error": err}).Warn("generation failed")
				}
				results[i] = res
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := errors.Join(loadErrs...); err != nil {
		return nil, fmt.Errorf("loading samples: %w", err)
	}
	failed := lo.CountBy(results, func(r Result) bool { return r.Err != nil })
	log.WithFields(logrus.Fields{"samples": n, "failed": failed, "workers": workerCount}).Info("rollout done")
	return results, nil
}

// Autoregressive returns a GenerateFunc sampling with net. pins, when not
// nil, is applied to every sample. maxSteps and trainStep override the
// generator defaults when positive. A step-cap hit is not an error: the
// partial scene is kept and the outcome records it.
func Autoregressive(net autoregressive.Network, heads autoregressive.Heads, pins autoregressive.Pins, maxSteps, trainStep int) GenerateFunc {
	return func(s *scene.Sample, seed uint64) (Result, error) {
		g := autoregressive.NewGenerator(net, heads, seed)
		if maxSteps > 0 {
			g.MaxSteps = maxSteps
		}
		if trainStep > 0 {
			g.TrainStep = trainStep
		}
		res, err := g.Generate(s.Map, pins)
		if err != nil && !errors.Is(err, autoregressive.ErrStepCap) {
			return Result{}, err
		}
		return Result{Agents: res.Agents(), Outcome: res.Outcome.String()}, nil
	}
}

// Diffusion returns a GenerateFunc sampling with the backbone. counts, when
// not nil, fixes the number of agents per category.
func Diffusion(b diffusion.Backbone, schedule *diffusion.Schedule, counts map[scene.Category]int) GenerateFunc {
	return func(s *scene.Sample, seed uint64) (Result, error) {
		sampler := diffusion.NewSampler(b, schedule, seed)
		tr, err := sampler.Generate([]*scene.Map{s.Map}, diffusion.Options{Counts: counts})
		if err != nil {
			return Result{}, err
		}
		return Result{Agents: tr.Agents(), Outcome: autoregressive.Completed.String(), DriftNorms: tr.DriftNorms}, nil
	}
}
