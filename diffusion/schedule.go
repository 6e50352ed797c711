// Package diffusion implements the spatial noising process over map rasters
// and the reverse sampler that denoises agent positions with a learned drift.
package diffusion

import (
	"fmt"
	"math"
)

// DefaultSteps is the number of diffusion timesteps.
const DefaultSteps = 1000

// Schedule endpoints. Blur widths grow from 1 to 128 pixels, diffuse bump
// widths from 0.01 to 10 in normalized units.
const (
	BlurStart    = 1.0
	BlurEnd      = 128.0
	DiffuseStart = 1e-2
	DiffuseEnd   = 10.0
)

// Schedule holds the per-timestep blur and diffuse factors.
type Schedule struct {
	Blur    []float64
	Diffuse []float64
}

// NewSchedule builds the default geometric schedules over steps timesteps.
func NewSchedule(steps int) (*Schedule, error) {
	if steps < 1 {
		return nil, fmt.Errorf("diffusion schedule needs at least one step, got %d", steps)
	}
	return &Schedule{
		Blur:    Geometric(steps, BlurStart, BlurEnd),
		Diffuse: Geometric(steps, DiffuseStart, DiffuseEnd),
	}, nil
}

// Steps is the number of timesteps T.
func (s *Schedule) Steps() int { return len(s.Blur) }

// Normalized maps timestep t to t/T, the time input of the drift network.
func (s *Schedule) Normalized(t int) float64 {
	return float64(t) / float64(s.Steps())
}

// Geometric returns n values interpolated linearly in log space from start
// to end inclusive.
func Geometric(n int, start, end float64) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	ls, le := math.Log(start), math.Log(end)
	for i := range out {
		out[i] = math.Exp(ls + (le-ls)*float64(i)/float64(n-1))
	}
	return out
}
