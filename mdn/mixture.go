// Package mdn evaluates and samples the mixture distributions emitted by the
// network heads. The raw parameter layout and the clamps applied here match
// the in-graph versions used for training losses.
package mdn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Family selects the per-component distribution.
type Family int

const (
	// LogNormal models strictly positive magnitudes (box size, speed).
	LogNormal Family = iota
	// VonMises models angles (heading, yaw rate).
	VonMises
)

func (f Family) String() string {
	switch f {
	case LogNormal:
		return "lognormal"
	case VonMises:
		return "vonmises"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// Calibration constants shared with the graph implementation.
const (
	// WarmupSteps is the number of training steps during which von Mises
	// concentration is frozen at WarmupConcentration.
	WarmupSteps         = 6000
	WarmupConcentration = 8.0

	// ScaleGain multiplies sigmoid(raw) for log-normal scales.
	ScaleGain = 0.5
	// ConcentrationOffset is added to exp(raw) for von Mises concentration.
	ConcentrationOffset = 7.0

	MinScale = 0.1
	MaxScale = 10.0
)

var (
	ErrInvalidSpec = errors.New("invalid mixture spec")
	ErrRawWidth    = errors.New("raw parameter vector has wrong width")
	ErrDimension   = errors.New("value has wrong dimension")
)

// Spec describes a head: the family, the event dimension and the number of
// mixture components.
type Spec struct {
	Family Family
	Dim    int
	K      int
}

// Width is the length of the raw parameter vector: K weight logits followed
// by K blocks of Dim locations and Dim raw scales.
func (s Spec) Width() int {
	return (1 + 2*s.Dim) * s.K
}

// Validate rejects empty mixtures and unknown families.
func (s Spec) Validate() error {
	if s.K < 1 {
		return fmt.Errorf("%w: K=%d", ErrInvalidSpec, s.K)
	}
	if s.Dim < 1 {
		return fmt.Errorf("%w: Dim=%d", ErrInvalidSpec, s.Dim)
	}
	if s.Family != LogNormal && s.Family != VonMises {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, s.Family)
	}
	return nil
}

// Component holds one mixture component. Scale is the log-space standard
// deviation for LogNormal and the concentration for VonMises.
type Component struct {
	Loc   []float64
	Scale []float64
}

// Mixture is a decoded distribution ready for evaluation or sampling.
type Mixture struct {
	Spec       Spec
	LogWeights []float64
	Components []Component
}

// Scale maps a raw scale parameter to the clamped positive scale of the
// family. step is the training-iteration counter; it only matters for
// VonMises during warm-up.
func Scale(f Family, raw float64, step int) float64 {
	switch f {
	case VonMises:
		if step < WarmupSteps {
			return WarmupConcentration
		}
		return clamp(ConcentrationOffset+math.Exp(raw), MinScale, MaxScale)
	default:
		return clamp(sigmoid(raw)*ScaleGain, MinScale, MaxScale)
	}
}

// Decode turns a raw head output into a Mixture.
func Decode(spec Spec, raw []float32, step int) (*Mixture, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if len(raw) != spec.Width() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrRawWidth, len(raw), spec.Width())
	}
	logits := make([]float64, spec.K)
	for k := range logits {
		logits[k] = float64(raw[k])
	}
	m := &Mixture{
		Spec:       spec,
		LogWeights: LogSoftmax(logits),
		Components: make([]Component, spec.K),
	}
	block := 2 * spec.Dim
	for k := 0; k < spec.K; k++ {
		params := raw[spec.K+k*block : spec.K+(k+1)*block]
		c := Component{Loc: make([]float64, spec.Dim), Scale: make([]float64, spec.Dim)}
		for d := 0; d < spec.Dim; d++ {
			c.Loc[d] = float64(params[d])
			c.Scale[d] = Scale(spec.Family, float64(params[spec.Dim+d]), step)
		}
		m.Components[k] = c
	}
	return m, nil
}

// LogProb is the log-density of x under the mixture.
func (m *Mixture) LogProb(x []float64) (float64, error) {
	if len(x) != m.Spec.Dim {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(x), m.Spec.Dim)
	}
	terms := make([]float64, len(m.Components))
	for k, c := range m.Components {
		lp := m.LogWeights[k]
		for d, v := range x {
			lp += componentLogProb(m.Spec.Family, v, c.Loc[d], c.Scale[d])
		}
		terms[k] = lp
	}
	return floats.LogSumExp(terms), nil
}

func componentLogProb(f Family, x, loc, scale float64) float64 {
	switch f {
	case VonMises:
		return scale*math.Cos(x-loc) - math.Log(2*math.Pi) - LogI0(scale)
	default:
		if x <= 0 {
			return math.Inf(-1)
		}
		lx := math.Log(x)
		z := (lx - loc) / scale
		return -lx - math.Log(scale) - 0.5*math.Log(2*math.Pi) - 0.5*z*z
	}
}

// Sample draws one value. LogNormal samples are strictly positive and
// VonMises samples lie in (-pi, pi].
func (m *Mixture) Sample(rng *rand.Rand) []float64 {
	k := sampleIndex(rng, m.LogWeights)
	c := m.Components[k]
	out := make([]float64, m.Spec.Dim)
	for d := range out {
		switch m.Spec.Family {
		case VonMises:
			out[d] = SampleVonMises(rng, c.Loc[d], c.Scale[d])
		default:
			z := distuv.Normal{Mu: c.Loc[d], Sigma: c.Scale[d], Src: rng}.Rand()
			out[d] = positive(math.Exp(z))
		}
	}
	return out
}

// Mode returns the location of the heaviest component mapped into the value
// domain. It is used when a deterministic decode is requested.
func (m *Mixture) Mode() []float64 {
	k := floats.MaxIdx(m.LogWeights)
	out := make([]float64, m.Spec.Dim)
	for d, loc := range m.Components[k].Loc {
		if m.Spec.Family == VonMises {
			out[d] = WrapAngle(loc)
		} else {
			out[d] = positive(math.Exp(loc))
		}
	}
	return out
}

func positive(v float64) float64 {
	if v <= 0 || math.IsNaN(v) {
		return math.SmallestNonzeroFloat64
	}
	if math.IsInf(v, 1) {
		return math.MaxFloat64
	}
	return v
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
