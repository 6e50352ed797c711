package diffusion

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/sceneSynth/scene"
)

func TestScheduleEndpoints(t *testing.T) {
	s, err := NewSchedule(DefaultSteps)
	require.NoError(t, err)
	require.Equal(t, DefaultSteps, s.Steps())
	assert.InDelta(t, BlurStart, s.Blur[0], 1e-9)
	assert.InDelta(t, BlurEnd, s.Blur[DefaultSteps-1], 1e-9)
	assert.InDelta(t, DiffuseStart, s.Diffuse[0], 1e-12)
	assert.InDelta(t, DiffuseEnd, s.Diffuse[DefaultSteps-1], 1e-9)
	for i := 1; i < DefaultSteps; i++ {
		require.Greater(t, s.Blur[i], s.Blur[i-1])
		require.Greater(t, s.Diffuse[i], s.Diffuse[i-1])
	}
	assert.InDelta(t, 0.5, s.Normalized(500), 1e-12)

	_, err = NewSchedule(0)
	assert.Error(t, err)
}

func TestPlanBoxBlurVariance(t *testing.T) {
	for _, sigma := range []float64{0.5, 1, 2, 3.3, 5, 10, 31.7, 64, 128} {
		plan, err := PlanBoxBlur(sigma, DefaultBoxPasses)
		require.NoError(t, err)
		assert.Equal(t, 1, plan.Lower%2, "sigma=%v", sigma)
		assert.Equal(t, plan.Lower+2, plan.Upper, "sigma=%v", sigma)
		assert.GreaterOrEqual(t, plan.M, 0)
		assert.LessOrEqual(t, plan.M, plan.Passes)
		assert.InDelta(t, sigma*sigma, plan.IdealVariance(), 1e-9*sigma*sigma+1e-12, "sigma=%v", sigma)
		tol := float64(plan.Lower+1) / 6
		assert.LessOrEqual(t, math.Abs(plan.Variance()-sigma*sigma), tol+1e-9, "sigma=%v", sigma)
	}
	_, err := PlanBoxBlur(1, 0)
	assert.Error(t, err)
	_, err = PlanBoxBlur(math.NaN(), 5)
	assert.Error(t, err)
}

func TestBlurPreservesConstant(t *testing.T) {
	const size = 16
	img := make([]float64, size*size)
	for i := range img {
		img[i] = 0.25
	}
	out, err := Blur(img, size, 40)
	require.NoError(t, err)
	for _, v := range out {
		require.InDelta(t, 0.25, v, 1e-12)
	}
	assert.Equal(t, 0.25, img[0])
}

func TestBlurImpulseVarianceMatchesPlan(t *testing.T) {
	const size = 121
	const sigma = 3.0
	img := make([]float64, size*size)
	c := size / 2
	img[c*size+c] = 1
	out, err := Blur(img, size, sigma)
	require.NoError(t, err)

	plan, err := PlanBoxBlur(sigma, DefaultBoxPasses)
	require.NoError(t, err)
	var mass, varX float64
	for r := 0; r < size; r++ {
		for col := 0; col < size; col++ {
			v := out[r*size+col]
			mass += v
			d := float64(col - c)
			varX += v * d * d
		}
	}
	assert.InDelta(t, 1.0, mass, 1e-9)
	assert.InDelta(t, plan.Variance(), varX, 1e-6)
}

func TestReflect101(t *testing.T) {
	want := map[int]int{-3: 3, -2: 2, -1: 1, 0: 0, 4: 4, 5: 3, 6: 2, 9: 1, 13: 3}
	for i, w := range want {
		assert.Equal(t, w, reflect101(i, 5), "i=%d", i)
	}
	assert.Equal(t, 0, reflect101(7, 1))
}

func TestBumpAndPixelMapping(t *testing.T) {
	const size = 40
	b := Bump(size, [2]float64{0, 0}, 0.05)
	sum := 0.0
	best := 0
	for i, v := range b {
		sum += v
		if v > b[best] {
			best = i
		}
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	p := PixelToPoint(best, size)
	assert.InDelta(t, 0, p[0], 0.06)
	assert.InDelta(t, 0, p[1], 0.06)

	assert.Equal(t, [2]float64{-1, 1}, PixelToPoint(0, 4))
	assert.Equal(t, [2]float64{0, 0}, PixelToPoint(2*4+2, 4))
}

func TestPerturbStaysNearAtSmallTimestep(t *testing.T) {
	s, err := NewSchedule(DefaultSteps)
	require.NoError(t, err)
	p := &Perturber{Schedule: s, Rng: rand.New(rand.NewPCG(1, 1))}
	const size = 64
	area := make([]float64, size*size)
	for i := range area {
		area[i] = 1
	}
	pts := scene.Positions{{0.5, -0.25}, {-0.8, 0.9}}
	perturbed, noise, err := p.Perturb(pts, 0, area, size)
	require.NoError(t, err)
	require.Len(t, perturbed, 2)
	for i := range pts {
		for d := 0; d < 2; d++ {
			assert.InDelta(t, pts[i][d], perturbed[i][d], 0.1)
			assert.InDelta(t, perturbed[i][d]-pts[i][d], noise[i][d], 1e-12)
		}
	}

	_, _, err = p.Perturb(pts, DefaultSteps, area, size)
	assert.Error(t, err)
	empty, _, err := p.Perturb(nil, 3, area, size)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPerturbFollowsPriorAtLargeTimestep(t *testing.T) {
	s, err := NewSchedule(10)
	require.NoError(t, err)
	s.Blur[9] = 1
	p := &Perturber{Schedule: s, Rng: rand.New(rand.NewPCG(2, 2))}
	const size = 32
	area := make([]float64, size*size)
	// only the left half is occupied
	for r := 0; r < size; r++ {
		for c := 0; c < size/2; c++ {
			area[r*size+c] = 1
		}
	}
	left := 0
	for i := 0; i < 200; i++ {
		perturbed, _, err := p.Perturb(scene.Positions{{0, 0}}, 9, area, size)
		require.NoError(t, err)
		if perturbed[0][0] < 0 {
			left++
		}
	}
	assert.Greater(t, left, 180)
}

func TestStepTable(t *testing.T) {
	cases := []struct {
		t            int
		drift, noise float64
	}{
		{0, 0.2, 0},
		{1, 0.1, 0.1},
		{399, 0.1, 0.1},
		{400, 1, 1},
		{999, 1, 1},
	}
	for _, c := range cases {
		r := DefaultStepTable.Lookup(c.t)
		assert.Equal(t, c.drift, r.Drift, "t=%d", c.t)
		assert.Equal(t, c.noise, r.Noise, "t=%d", c.t)
	}

	x := [][2]float64{{0.5, 0.5}, {0.95, -0.95}}
	grad := [][2]float64{{1, -1}, {-1, 1}}
	DefaultStepTable.Lookup(0).Apply(x, grad, nil)
	assert.InDelta(t, 0.3, x[0][0], 1e-12)
	assert.InDelta(t, 0.7, x[0][1], 1e-12)
	assert.Equal(t, [2]float64{1, -1}, x[1])

	x = [][2]float64{{0, 0}}
	DefaultStepTable.Lookup(500).Apply(x, [][2]float64{{0.1, 0}}, [][2]float64{{0.3, -0.2}})
	assert.InDelta(t, 0.2, x[0][0], 1e-12)
	assert.InDelta(t, -0.2, x[0][1], 1e-12)
}

// stubBackbone pulls every point toward the origin and emits count logits
// peaked at fixed counts.
type stubBackbone struct {
	counts  map[scene.Category]int
	pull    float64
	encodes int
	calls   []float64
}

func (s *stubBackbone) Encode(m *scene.Map) (Features, error) {
	s.encodes++
	return m.Size, nil
}

func (s *stubBackbone) CountLogits(Features) (map[scene.Category][]float32, error) {
	out := map[scene.Category][]float32{}
	for _, c := range scene.AgentCategories {
		l := make([]float32, MaxCount+1)
		for i := range l {
			l[i] = -100
		}
		l[s.counts[c]] = 100
		out[c] = l
	}
	return out, nil
}

func (s *stubBackbone) Drift(_ Features, pos, _ scene.FieldPositions, tNormed float64) (scene.FieldPositions, error) {
	s.calls = append(s.calls, tNormed)
	out := scene.FieldPositions{}
	for c, p := range pos {
		d := make(scene.Positions, len(p))
		for i := range p {
			d[i] = [2]float64{s.pull * p[i][0], s.pull * p[i][1]}
		}
		out[c] = d
	}
	return out, nil
}

func drivableMap(size int) *scene.Map {
	m := scene.NewMap(size)
	for r := 0; r < size; r++ {
		for c := 0; c < size; c++ {
			m.Set(scene.ChannelDrivable, r, c, 1)
			if r < size/4 {
				m.Set(scene.ChannelWalkway, r, c, 1)
			}
		}
	}
	return m
}

func TestGenerateWithSuppliedCounts(t *testing.T) {
	sched, err := NewSchedule(DefaultSteps)
	require.NoError(t, err)
	bb := &stubBackbone{pull: 0.05}
	s := NewSampler(bb, sched, 42)
	counts := map[scene.Category]int{scene.Pedestrian: 2, scene.Bicyclist: 0, scene.Vehicle: 1}

	tr, err := s.Generate([]*scene.Map{drivableMap(32)}, Options{Counts: counts})
	require.NoError(t, err)
	assert.Equal(t, 1, bb.encodes)
	require.Len(t, tr.Steps, DefaultSteps)
	require.Len(t, tr.DriftNorms, DefaultSteps)
	assert.Equal(t, [3]int{1, 2, 2}, tr.Shape(scene.Pedestrian))
	assert.Equal(t, [3]int{1, 0, 2}, tr.Shape(scene.Bicyclist))
	assert.Equal(t, [3]int{1, 1, 2}, tr.Shape(scene.Vehicle))
	for _, step := range tr.Steps {
		for _, c := range scene.AgentCategories {
			require.Len(t, step[c], counts[c])
			for _, p := range step[c] {
				require.LessOrEqual(t, math.Abs(p[0]), 1.0)
				require.LessOrEqual(t, math.Abs(p[1]), 1.0)
			}
		}
	}
	assert.Len(t, tr.Agents(), 3)
	assert.InDelta(t, float64(DefaultSteps-1)/DefaultSteps, bb.calls[0], 1e-12)
	assert.Equal(t, 0.0, bb.calls[len(bb.calls)-1])
}

func TestGenerateFinalStepIsDriftOnly(t *testing.T) {
	sched, err := NewSchedule(3)
	require.NoError(t, err)
	s := NewSampler(&stubBackbone{pull: 0}, sched, 7)
	tr, err := s.Generate([]*scene.Map{drivableMap(16)},
		Options{Counts: map[scene.Category]int{scene.Vehicle: 3}})
	require.NoError(t, err)
	require.Len(t, tr.Steps, 3)
	// zero drift and zero noise coefficient at t=0 leave positions untouched
	assert.Equal(t, tr.Steps[1][scene.Vehicle], tr.Steps[2][scene.Vehicle])
	for _, v := range tr.DriftNorms {
		assert.Equal(t, 0.0, v)
	}
}

func TestGenerateSamplesCounts(t *testing.T) {
	sched, err := NewSchedule(5)
	require.NoError(t, err)
	want := map[scene.Category]int{scene.Pedestrian: 4, scene.Bicyclist: 1, scene.Vehicle: 6}
	s := NewSampler(&stubBackbone{counts: want, pull: 0.1}, sched, 3)
	tr, err := s.Generate([]*scene.Map{drivableMap(16)}, Options{})
	require.NoError(t, err)
	assert.Equal(t, want, tr.Counts)
	assert.Equal(t, 11, tr.Final().Total())
}

func TestGenerateRejectsBatchSize(t *testing.T) {
	sched, err := NewSchedule(5)
	require.NoError(t, err)
	s := NewSampler(&stubBackbone{}, sched, 1)
	_, err = s.Generate(nil, Options{})
	assert.True(t, errors.Is(err, ErrBatchSize))
	_, err = s.Generate([]*scene.Map{drivableMap(8), drivableMap(8)}, Options{})
	assert.True(t, errors.Is(err, ErrBatchSize))
	_, err = s.Generate([]*scene.Map{drivableMap(8)},
		Options{Counts: map[scene.Category]int{scene.Vehicle: -1}})
	assert.Error(t, err)
}

type badDrift struct{ stubBackbone }

func (b *badDrift) Drift(Features, scene.FieldPositions, scene.FieldPositions, float64) (scene.FieldPositions, error) {
	return scene.FieldPositions{}, nil
}

func TestGenerateRejectsMismatchedDrift(t *testing.T) {
	sched, err := NewSchedule(2)
	require.NoError(t, err)
	s := NewSampler(&badDrift{}, sched, 1)
	_, err = s.Generate([]*scene.Map{drivableMap(8)},
		Options{Counts: map[scene.Category]int{scene.Vehicle: 1}})
	assert.True(t, errors.Is(err, ErrDriftShape))
}

func TestLoss(t *testing.T) {
	w := DefaultLossWeights()
	logits := map[scene.Category][]float32{}
	counts := map[scene.Category]int{}
	pred := scene.FieldPositions{}
	noise := scene.FieldPositions{}
	for _, c := range scene.AgentCategories {
		logits[c] = []float32{0, 0, 0, 0}
		counts[c] = 1
		pred[c] = scene.Positions{{1, 0}}
		noise[c] = scene.Positions{{0, 0}}
	}
	counts[scene.Vehicle] = 10
	b, err := w.Loss(logits, counts, pred, noise, 2)
	require.NoError(t, err)
	for _, c := range scene.AgentCategories {
		assert.InDelta(t, math.Log(4), b.Length[c], 1e-9)
		assert.InDelta(t, 0.25, b.Noise[c], 1e-12)
	}
	want := 0.1*3*math.Log(4) + 0.25*(1+1+2)
	assert.InDelta(t, want, b.Total, 1e-9)

	noise[scene.Vehicle] = scene.Positions{}
	_, err = w.Loss(logits, counts, pred, noise, 2)
	assert.True(t, errors.Is(err, ErrDriftShape))
}

func TestNoiseScene(t *testing.T) {
	sched, err := NewSchedule(DefaultSteps)
	require.NoError(t, err)
	p := &Perturber{Schedule: sched, Rng: rand.New(rand.NewPCG(9, 9))}
	m := drivableMap(32)
	orig := scene.FieldPositions{
		scene.Pedestrian: scene.Positions{{0, 0.8}},
		scene.Bicyclist:  scene.Positions{},
		scene.Vehicle:    scene.Positions{{0.1, 0.1}, {-0.5, -0.5}},
	}
	n, err := p.NoiseScene(m, orig, 10)
	require.NoError(t, err)
	assert.Equal(t, sched.Diffuse[10], n.Factor)
	for _, c := range scene.AgentCategories {
		require.Len(t, n.Perturbed[c], len(orig[c]))
		require.Len(t, n.Noise[c], len(orig[c]))
	}
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 100; i++ {
		ts := sched.UniformTimestep(rng)
		require.GreaterOrEqual(t, ts, 0)
		require.Less(t, ts, DefaultSteps)
	}
}
