package mdn

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawVector(spec Spec, logits []float32, loc, scale float32) []float32 {
	raw := make([]float32, spec.Width())
	copy(raw, logits)
	for k := 0; k < spec.K; k++ {
		base := spec.K + k*2*spec.Dim
		for d := 0; d < spec.Dim; d++ {
			raw[base+d] = loc
			raw[base+spec.Dim+d] = scale
		}
	}
	return raw
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := Decode(Spec{Family: LogNormal, Dim: 1, K: 0}, nil, 0)
	assert.True(t, errors.Is(err, ErrInvalidSpec))

	spec := Spec{Family: LogNormal, Dim: 2, K: 3}
	assert.Equal(t, 15, spec.Width())
	_, err = Decode(spec, make([]float32, 14), 0)
	assert.True(t, errors.Is(err, ErrRawWidth))
}

func TestScaleClamps(t *testing.T) {
	for _, raw := range []float64{-1e6, -3, 0, 3, 1e6} {
		s := Scale(LogNormal, raw, 0)
		assert.GreaterOrEqual(t, s, MinScale)
		assert.LessOrEqual(t, s, ScaleGain)
	}
	assert.Equal(t, WarmupConcentration, Scale(VonMises, 50, 0))
	assert.Equal(t, WarmupConcentration, Scale(VonMises, -50, WarmupSteps-1))
	assert.InDelta(t, ConcentrationOffset, Scale(VonMises, -50, WarmupSteps), 1e-12)
	assert.Equal(t, MaxScale, Scale(VonMises, 50, WarmupSteps))
}

func TestLogNormalSamplesStrictlyPositive(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	spec := Spec{Family: LogNormal, Dim: 2, K: 4}
	for _, loc := range []float32{-1000, -5, 0, 3} {
		m, err := Decode(spec, rawVector(spec, []float32{0, 1, -2, 0.5}, loc, 0), 0)
		require.NoError(t, err)
		for i := 0; i < 500; i++ {
			for _, v := range m.Sample(rng) {
				require.Greater(t, v, 0.0)
				require.False(t, math.IsInf(v, 0))
			}
		}
	}
}

func TestVonMisesSamplesInRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	spec := Spec{Family: VonMises, Dim: 1, K: 2}
	for _, loc := range []float32{math.Pi, -math.Pi, 3.1, 12} {
		m, err := Decode(spec, rawVector(spec, []float32{0, 0}, loc, 0), WarmupSteps+1)
		require.NoError(t, err)
		for i := 0; i < 1000; i++ {
			v := m.Sample(rng)[0]
			require.Greater(t, v, -math.Pi)
			require.LessOrEqual(t, v, math.Pi)
		}
	}
}

func TestVonMisesConcentratesAroundLoc(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	var sx, sy float64
	const n = 5000
	for i := 0; i < n; i++ {
		a := SampleVonMises(rng, 1.0, 8)
		sx += math.Cos(a)
		sy += math.Sin(a)
	}
	assert.InDelta(t, 1.0, math.Atan2(sy, sx), 0.05)
}

func TestLogProbIntegratesToOne(t *testing.T) {
	vm := Spec{Family: VonMises, Dim: 1, K: 2}
	m, err := Decode(vm, rawVector(vm, []float32{0.3, -0.4}, 0.7, 0), 0)
	require.NoError(t, err)
	const steps = 20000
	h := 2 * math.Pi / steps
	total := 0.0
	for i := 0; i < steps; i++ {
		lp, err := m.LogProb([]float64{-math.Pi + (float64(i)+0.5)*h})
		require.NoError(t, err)
		total += math.Exp(lp) * h
	}
	assert.InDelta(t, 1.0, total, 1e-3)

	ln := Spec{Family: LogNormal, Dim: 1, K: 1}
	m, err = Decode(ln, rawVector(ln, []float32{0}, 0, 2), 0)
	require.NoError(t, err)
	total = 0
	h = 1e-4
	for x := h / 2; x < 10; x += h {
		lp, err := m.LogProb([]float64{x})
		require.NoError(t, err)
		total += math.Exp(lp) * h
	}
	assert.InDelta(t, 1.0, total, 1e-3)

	lp, err := m.LogProb([]float64{0})
	require.NoError(t, err)
	assert.True(t, math.IsInf(lp, -1))

	_, err = m.LogProb([]float64{1, 2})
	assert.True(t, errors.Is(err, ErrDimension))
}

func TestLogI0MatchesSeries(t *testing.T) {
	series := func(x float64) float64 {
		sum, term := 1.0, 1.0
		q := x * x / 4
		for k := 1; k < 200; k++ {
			term *= q / float64(k*k)
			sum += term
		}
		return math.Log(sum)
	}
	for _, x := range []float64{0, 0.1, 1, 3.7, 3.8, 7, 8, 10} {
		assert.InDelta(t, series(x), LogI0(x), 1e-6, "x=%v", x)
	}
}

func TestWrapAngle(t *testing.T) {
	assert.InDelta(t, math.Pi, WrapAngle(-math.Pi), 1e-12)
	assert.InDelta(t, math.Pi, WrapAngle(math.Pi), 1e-12)
	assert.InDelta(t, 0.5, WrapAngle(0.5+4*math.Pi), 1e-9)
	assert.InDelta(t, -0.5, WrapAngle(-0.5-2*math.Pi), 1e-9)
}

func TestSampleLogitsAndBernoulli(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	for i := 0; i < 100; i++ {
		assert.Equal(t, 2, SampleLogits(rng, []float64{-50, -50, 50}))
		assert.True(t, SampleBernoulli(rng, 40))
		assert.False(t, SampleBernoulli(rng, -40))
	}
	assert.InDelta(t, math.Log(0.5), BernoulliLogProb(0, true), 1e-12)
	assert.InDelta(t, -1000.0, BernoulliLogProb(1000, false), 1e-9)
	p := Softmax([]float64{1, 1, 1, 1})
	for _, v := range p {
		assert.InDelta(t, 0.25, v, 1e-12)
	}
}

func TestModeUsesHeaviestComponent(t *testing.T) {
	spec := Spec{Family: LogNormal, Dim: 1, K: 2}
	raw := []float32{0, 5, 1, 0, 2, 0}
	m, err := Decode(spec, raw, 0)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(2), m.Mode()[0], 1e-9)
}
