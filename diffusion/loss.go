package diffusion

import (
	"fmt"
	"math/rand/v2"

	"github.com/Noofbiz/sceneSynth/mdn"
	"github.com/Noofbiz/sceneSynth/scene"
)

// LossWeights combine the count and noise terms of the training objective.
type LossWeights struct {
	Length   float64
	Noise    float64
	Category map[scene.Category]float64
}

// DefaultLossWeights weights vehicles twice as much as the other categories
// and down-weights the count term.
func DefaultLossWeights() LossWeights {
	return LossWeights{
		Length: 0.1,
		Noise:  1,
		Category: map[scene.Category]float64{
			scene.Pedestrian: 1,
			scene.Bicyclist:  1,
			scene.Vehicle:    2,
		},
	}
}

// LossBreakdown reports the per-category terms and their weighted total.
type LossBreakdown struct {
	Length map[scene.Category]float64
	Noise  map[scene.Category]float64
	Total  float64
}

// CountNLL is the cross-entropy of the count logits for a true count. Counts
// above the predictor range are capped.
func CountNLL(logits []float32, count int) float64 {
	count = min(max(count, 0), len(logits)-1)
	return -mdn.LogSoftmax(mdn.Float64s(logits))[count]
}

// NoiseMSE is the mean squared error between predicted drift and the true
// noise over all agents and both coordinates. It is zero for no agents.
func NoiseMSE(pred, noise scene.Positions) (float64, error) {
	if len(pred) != len(noise) {
		return 0, fmt.Errorf("%w: %d predictions for %d targets", ErrDriftShape, len(pred), len(noise))
	}
	if len(pred) == 0 {
		return 0, nil
	}
	s := 0.0
	for i := range pred {
		dx, dy := pred[i][0]-noise[i][0], pred[i][1]-noise[i][1]
		s += dx*dx + dy*dy
	}
	return s / float64(2*len(pred)), nil
}

// Loss evaluates the training objective on host values. factor is the
// diffuse factor of the sampled timestep; the noise term is divided by it.
func (w LossWeights) Loss(countLogits map[scene.Category][]float32, counts map[scene.Category]int,
	pred, noise scene.FieldPositions, factor float64) (LossBreakdown, error) {
	out := LossBreakdown{
		Length: make(map[scene.Category]float64, len(scene.AgentCategories)),
		Noise:  make(map[scene.Category]float64, len(scene.AgentCategories)),
	}
	for _, c := range scene.AgentCategories {
		if logits, ok := countLogits[c]; ok {
			out.Length[c] = CountNLL(logits, counts[c])
			out.Total += w.Length * out.Length[c]
		}
		mse, err := NoiseMSE(pred[c], noise[c])
		if err != nil {
			return out, fmt.Errorf("%v: %w", c, err)
		}
		out.Noise[c] = mse / factor
		out.Total += w.Noise * w.Category[c] * out.Noise[c]
	}
	return out, nil
}

// Noised is one training example after the forward process.
type Noised struct {
	T         int
	TNormed   float64
	Factor    float64
	Original  scene.FieldPositions
	Perturbed scene.FieldPositions
	Noise     scene.FieldPositions
}

// UniformTimestep draws a training timestep in [0, T).
func (s *Schedule) UniformTimestep(rng *rand.Rand) int {
	return rng.IntN(s.Steps())
}

// NoiseScene perturbs every category of original at timestep t using the
// occupancy priors of m.
func (p *Perturber) NoiseScene(m *scene.Map, original scene.FieldPositions, t int) (*Noised, error) {
	n := &Noised{
		T:         t,
		TNormed:   p.Schedule.Normalized(t),
		Factor:    p.Schedule.Diffuse[t],
		Original:  original,
		Perturbed: make(scene.FieldPositions, len(scene.AgentCategories)),
		Noise:     make(scene.FieldPositions, len(scene.AgentCategories)),
	}
	for _, c := range scene.AgentCategories {
		perturbed, noise, err := p.Perturb(original[c], t, m.Occupancy(c), m.Size)
		if err != nil {
			return nil, fmt.Errorf("perturb %v: %w", c, err)
		}
		n.Perturbed[c] = perturbed
		n.Noise[c] = noise
	}
	return n, nil
}
