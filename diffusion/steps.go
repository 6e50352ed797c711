package diffusion

import "math"

// StepRule gives the update coefficients for timesteps t with
// From <= t < To.
type StepRule struct {
	From, To int
	Drift    float64
	Noise    float64
}

// StepTable is an ordered list of non-overlapping rules covering every
// timestep.
type StepTable []StepRule

// DefaultStepTable holds the reverse-process step sizes. The constants are
// empirical: a small final correction, damped steps below t=400, and full
// steps above it.
var DefaultStepTable = StepTable{
	{From: 0, To: 1, Drift: 0.2, Noise: 0},
	{From: 1, To: 400, Drift: 0.1, Noise: 0.1},
	{From: 400, To: math.MaxInt, Drift: 1, Noise: 1},
}

// Lookup returns the rule covering t. The zero rule is returned for
// uncovered timesteps.
func (s StepTable) Lookup(t int) StepRule {
	for _, r := range s {
		if t >= r.From && t < r.To {
			return r
		}
	}
	return StepRule{From: t, To: t + 1}
}

// Apply performs one update in place:
// x = clamp(x - drift*grad + noise*(perturbed - x)).
// perturbed may be nil when the rule's noise coefficient is zero.
func (r StepRule) Apply(x, grad, perturbed [][2]float64) {
	for i := range x {
		for d := 0; d < 2; d++ {
			v := x[i][d] - r.Drift*grad[i][d]
			if r.Noise != 0 && perturbed != nil {
				v += r.Noise * (perturbed[i][d] - x[i][d])
			}
			x[i][d] = min(1, max(-1, v))
		}
	}
}
