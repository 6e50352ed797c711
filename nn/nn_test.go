package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/sceneSynth/autoregressive"
	"github.com/Noofbiz/sceneSynth/diffusion"
	"github.com/Noofbiz/sceneSynth/mdn"
	"github.com/Noofbiz/sceneSynth/scene"
)

func tinyConfig() Config {
	return Config{
		Filters:         []int{4},
		FeatureDim:      8,
		DModel:          8,
		Heads:           2,
		Layers:          1,
		FeedForward:     16,
		Mixtures:        2,
		MaxAgents:       8,
		CategoryEmbed:   4,
		LocationEmbed:   4,
		ScalarEncoding:  4,
		HeadHidden:      8,
		DiffusionDim:    8,
		DiffusionHeads:  2,
		DiffusionLayers: 1,
		CountHidden:     8,
		MaxCount:        5,
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 768, cfg.DModel)
	assert.Equal(t, 12, cfg.Heads)
	assert.Equal(t, diffusion.MaxCount, cfg.MaxCount)

	cfg.Heads = 7
	assert.Error(t, cfg.Validate())
}

func TestMixtureLogProbMatchesHost(t *testing.T) {
	backend, err := NewBackend()
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(1, 2))

	cases := []struct {
		spec mdn.Spec
		x    []float32
		step int
	}{
		{mdn.Spec{Family: mdn.LogNormal, Dim: 2, K: 3}, []float32{1.8, 4.4}, 0},
		{mdn.Spec{Family: mdn.VonMises, Dim: 1, K: 3}, []float32{0.7}, 10},
		{mdn.Spec{Family: mdn.VonMises, Dim: 1, K: 3}, []float32{-2.5}, mdn.WarmupSteps + 1},
	}
	for _, tc := range cases {
		raw := make([]float32, tc.spec.Width())
		for i := range raw {
			raw[i] = float32(rng.NormFloat64())
		}
		spec := tc.spec
		r, err := newRunner(backend, NewContext(), "logprob", func(_ *context.Context, in []*Node) []*Node {
			return []*Node{MixtureLogProb(in[0], in[1], in[2], spec)}
		})
		require.NoError(t, err)
		out, err := r.run(FloatTensor(raw, 1, spec.Width()), FloatTensor(tc.x, 1, spec.Dim), ScalarTensor(float32(tc.step)))
		require.NoError(t, err)
		got, err := Floats(out[0])
		require.NoError(t, err)

		m, err := mdn.Decode(spec, raw, tc.step)
		require.NoError(t, err)
		want, err := m.LogProb(mdn.Float64s(tc.x))
		require.NoError(t, err)
		assert.InDelta(t, want, float64(got[0]), 1e-3, "%v", spec.Family)
	}
}

func TestLogI0MatchesHost(t *testing.T) {
	backend, err := NewBackend()
	require.NoError(t, err)
	xs := []float32{0.1, 1, 3.7, 3.8, 8, 10}
	r, err := newRunner(backend, NewContext(), "logi0", func(_ *context.Context, in []*Node) []*Node {
		return []*Node{logI0(in[0])}
	})
	require.NoError(t, err)
	out, err := r.run(FloatTensor(xs, len(xs)))
	require.NoError(t, err)
	got, err := Floats(out[0])
	require.NoError(t, err)
	for i, x := range xs {
		assert.InDelta(t, mdn.LogI0(float64(x)), float64(got[i]), 1e-4, "x=%v", x)
	}
}

func TestAutoregressiveGenerateWithPins(t *testing.T) {
	backend, err := NewBackend()
	require.NoError(t, err)
	model, err := NewAutoregressive(backend, NewContext(), tinyConfig())
	require.NoError(t, err)

	g := autoregressive.NewGenerator(model, model.Config.DecoderHeads(), 3)
	pins := autoregressive.Pins{0: autoregressive.PinCategory(scene.Vehicle), 1: autoregressive.PinCategory(scene.End)}
	res, err := g.Generate(scene.NewMap(16), pins)
	require.NoError(t, err)
	assert.Equal(t, autoregressive.Completed, res.Outcome)
	require.Equal(t, 1, res.Len())
	a := res.Agents()[0]
	assert.Equal(t, scene.Vehicle, a.Category)
	assert.Greater(t, a.BBox.Width, 0.0)
	assert.Greater(t, a.BBox.Length, 0.0)
	assert.Less(t, math.Abs(a.X), scene.AxesLimit)
	assert.Less(t, math.Abs(a.Y), scene.AxesLimit)
}

func TestDiffusionBackboneShapes(t *testing.T) {
	backend, err := NewBackend()
	require.NoError(t, err)
	model, err := NewDiffusion(backend, NewContext(), tinyConfig())
	require.NoError(t, err)

	feats, err := model.Encode(scene.NewMap(16))
	require.NoError(t, err)
	logits, err := model.CountLogits(feats)
	require.NoError(t, err)
	for _, c := range scene.AgentCategories {
		assert.Len(t, logits[c], 6, "%v", c)
	}

	pos := scene.FieldPositions{
		scene.Pedestrian: {{0.1, 0.2}, {-0.5, 0.5}},
		scene.Bicyclist:  {},
		scene.Vehicle:    {{0.9, -0.9}},
	}
	drift, err := model.Drift(feats, pos, pos.Clone(), 0.5)
	require.NoError(t, err)
	assert.Len(t, drift[scene.Pedestrian], 2)
	assert.Len(t, drift[scene.Bicyclist], 0)
	assert.Len(t, drift[scene.Vehicle], 1)

	empty := scene.FieldPositions{scene.Pedestrian: {}, scene.Bicyclist: {}, scene.Vehicle: {}}
	drift, err = model.Drift(feats, empty, empty, 0.1)
	require.NoError(t, err)
	assert.Zero(t, drift.Total())

	schedule, err := diffusion.NewSchedule(3)
	require.NoError(t, err)
	s := diffusion.NewSampler(model, schedule, 5)
	tr, err := s.Generate([]*scene.Map{scene.NewMap(16)}, diffusion.Options{
		Counts: map[scene.Category]int{scene.Pedestrian: 1, scene.Vehicle: 2},
	})
	require.NoError(t, err)
	assert.Len(t, tr.Steps, 3)
	assert.Equal(t, [3]int{1, 2, 2}, tr.Shape(scene.Vehicle))
}

func TestSnapshotRestore(t *testing.T) {
	backend, err := NewBackend()
	require.NoError(t, err)
	ctx := NewContext()
	model, err := NewDiffusion(backend, ctx, tinyConfig())
	require.NoError(t, err)
	feats, err := model.Encode(scene.NewMap(16))
	require.NoError(t, err)
	before, err := model.CountLogits(feats)
	require.NoError(t, err)

	snap := Snapshot(ctx, 42)
	assert.Equal(t, int64(42), snap.Step)
	assert.NotEmpty(t, snap.Tensors)
	floats, others := 0, 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Value().DType() == dtypes.Float32 {
			floats++
		} else {
			others++
		}
	})
	assert.Positive(t, others, "context should hold non-float32 state")
	assert.Len(t, snap.Tensors, floats)
	for name, tensor := range snap.Tensors {
		assert.NoError(t, tensor.Validate(), name)
	}

	ctx2 := NewContext()
	Restore(ctx2, snap)
	model2, err := NewDiffusion(backend, ctx2, tinyConfig())
	require.NoError(t, err)
	feats2, err := model2.Encode(scene.NewMap(16))
	require.NoError(t, err)
	after, err := model2.CountLogits(feats2)
	require.NoError(t, err)
	for _, c := range scene.AgentCategories {
		assert.InDeltaSlice(t, before[c], after[c], 1e-5)
	}
}

func TestFloatsRejectsOtherDTypes(t *testing.T) {
	got, err := Floats(FloatTensor([]float32{1, 2}, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)

	_, err = Floats(IntTensor([]int32{1, 2}, 2))
	assert.ErrorIs(t, err, ErrDType)
	_, err = Floats(nil)
	assert.ErrorIs(t, err, ErrDType)
}
