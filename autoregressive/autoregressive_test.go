package autoregressive

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/sceneSynth/mdn"
	"github.com/Noofbiz/sceneSynth/scene"
)

func TestGridRoundTrip(t *testing.T) {
	g := DefaultGrid
	require.Equal(t, 400, g.Bins())
	for idx := 0; idx < g.Bins(); idx++ {
		x, y := g.Decode(idx)
		require.Equal(t, idx, g.Encode(x, y), "cell %d", idx)
	}
	for _, p := range [][2]float64{{0, 0}, {-39.9, 39.9}, {13.2, -7.7}, {3.999, 4.0}} {
		idx := g.Encode(p[0], p[1])
		x, y := g.Decode(idx)
		assert.Equal(t, idx, g.Encode(x, y))
		assert.LessOrEqual(t, math.Abs(x-p[0]), g.Cell/2)
		assert.LessOrEqual(t, math.Abs(y-p[1]), g.Cell/2)
	}
	assert.Equal(t, 0, g.Encode(-40, -40))
	assert.Equal(t, g.Bins()-1, g.Encode(40, 40))
	assert.Equal(t, g.Bins()-1, g.Encode(1e9, 1e9))
	assert.Equal(t, 10*20+10, g.Encode(0, 0))
	assert.Equal(t, 1, g.Encode(-39, -35))
}

// stubNet is a deterministic network: summaries are the number of placed
// agents, logits are fixed and every decoder records its calls.
type stubNet struct {
	heads      Heads
	catLogits  []float32
	decoders   map[scene.Category]*stubDecoder
	encodes    int
	summarized [][]scene.Agent
}

func newStubNet(k int) *stubNet {
	n := &stubNet{
		heads:     NewHeads(k),
		catLogits: []float32{0, 0, 0, 0},
		decoders:  map[scene.Category]*stubDecoder{},
	}
	for _, c := range scene.AgentCategories {
		n.decoders[c] = &stubDecoder{heads: n.heads, bins: DefaultGrid.Bins()}
	}
	return n
}

func (n *stubNet) EncodeMap(*scene.Map) (MapFeatures, error) {
	n.encodes++
	return "features", nil
}

func (n *stubNet) Summarize(_ MapFeatures, placed []scene.Agent) (Summary, error) {
	cp := append([]scene.Agent(nil), placed...)
	n.summarized = append(n.summarized, cp)
	return len(placed), nil
}

func (n *stubNet) CategoryLogits(Summary) ([]float32, error) { return n.catLogits, nil }

func (n *stubNet) Decoder(c scene.Category) Decoder { return n.decoders[c] }

type stubDecoder struct {
	heads       Heads
	bins        int
	locCalls    int
	shapeCalls  int
	motionCalls int
	movingLogit float32
}

func (d *stubDecoder) LocationLogits(Summary) ([]float32, error) {
	d.locCalls++
	l := make([]float32, d.bins)
	l[42] = 50
	return l, nil
}

func (d *stubDecoder) ShapeParams(Summary, int) ([]float32, []float32, error) {
	d.shapeCalls++
	return make([]float32, d.heads.Size.Width()), make([]float32, d.heads.Heading.Width()), nil
}

func (d *stubDecoder) MotionParams(Summary, int, scene.BBox) (float32, []float32, []float32, error) {
	d.motionCalls++
	return d.movingLogit, make([]float32, d.heads.Speed.Width()), make([]float32, d.heads.YawRate.Width()), nil
}

func TestGenerateForcedVehicleThenEnd(t *testing.T) {
	net := newStubNet(3)
	g := NewGenerator(net, net.heads, 1)
	pins := Pins{0: PinCategory(scene.Vehicle), 1: PinCategory(scene.End)}

	res, err := g.Generate(scene.NewMap(16), pins)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Outcome)
	require.Equal(t, 1, res.Len())
	a := res.Agents()[0]
	assert.Equal(t, scene.Vehicle, a.Category)
	assert.Greater(t, a.BBox.Width, 0.0)
	assert.Greater(t, a.BBox.Length, 0.0)
	assert.Greater(t, a.BBox.Heading, -math.Pi)
	assert.LessOrEqual(t, a.BBox.Heading, math.Pi)
	assert.Equal(t, 42, res.Steps[0].Location)
	x, y := DefaultGrid.Decode(42)
	assert.Equal(t, x, a.X)
	assert.Equal(t, y, a.Y)

	assert.Equal(t, 1, net.encodes)
	assert.Equal(t, 1, net.decoders[scene.Vehicle].locCalls)
	assert.Zero(t, net.decoders[scene.Pedestrian].locCalls)
	assert.Zero(t, net.decoders[scene.Bicyclist].locCalls)
	require.Len(t, net.summarized, 2)
	assert.Empty(t, net.summarized[0])
	assert.Len(t, net.summarized[1], 1)
}

func TestGenerateStepCap(t *testing.T) {
	net := newStubNet(2)
	net.catLogits = []float32{-100, -100, 100, -100}
	g := NewGenerator(net, net.heads, 2)
	g.MaxSteps = 5

	res, err := g.Generate(scene.NewMap(8), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStepCap))
	require.NotNil(t, res)
	assert.Equal(t, StepCapReached, res.Outcome)
	assert.Equal(t, 5, res.Len())
	for _, a := range res.Agents() {
		assert.Equal(t, scene.Bicyclist, a.Category)
	}
	assert.Equal(t, 5, net.decoders[scene.Bicyclist].shapeCalls)
}

func TestGeneratePinnedAttributesSkipHeads(t *testing.T) {
	net := newStubNet(2)
	g := NewGenerator(net, net.heads, 3)
	loc := 7
	box := scene.BBox{Width: 0.6, Length: 0.8, Heading: 1.2}
	vel := scene.Velocity{Speed: 1.5, YawRate: 0.1}
	ped := scene.Pedestrian
	pins := Pins{
		0: {Category: &ped, Location: &loc, BBox: &box, Velocity: &vel},
		1: PinCategory(scene.End),
	}
	res, err := g.Generate(scene.NewMap(8), pins)
	require.NoError(t, err)
	require.Equal(t, 1, res.Len())
	a := res.Agents()[0]
	assert.Equal(t, box, a.BBox)
	assert.Equal(t, vel, a.Velocity)
	assert.True(t, res.Steps[0].Moving)
	assert.Equal(t, loc, res.Steps[0].Location)
	d := net.decoders[scene.Pedestrian]
	assert.Zero(t, d.locCalls+d.shapeCalls+d.motionCalls)
}

func TestGenerateMotionGate(t *testing.T) {
	net := newStubNet(2)
	net.decoders[scene.Vehicle].movingLogit = -100
	g := NewGenerator(net, net.heads, 4)
	pins := Pins{0: PinCategory(scene.Vehicle), 1: PinCategory(scene.End)}
	res, err := g.Generate(scene.NewMap(8), pins)
	require.NoError(t, err)
	assert.False(t, res.Steps[0].Moving)
	assert.Equal(t, scene.Velocity{}, res.Agents()[0].Velocity)

	net.decoders[scene.Vehicle].movingLogit = 100
	res, err = g.Generate(scene.NewMap(8), pins)
	require.NoError(t, err)
	assert.True(t, res.Steps[0].Moving)
	assert.Greater(t, res.Agents()[0].Velocity.Speed, 0.0)
}

func TestGenerateRejectsBadInput(t *testing.T) {
	net := newStubNet(2)
	g := NewGenerator(net, net.heads, 5)
	_, err := g.Generate(&scene.Map{Size: 4}, nil)
	assert.True(t, errors.Is(err, scene.ErrMapShape))

	bad := 999
	_, err = g.Generate(scene.NewMap(4), Pins{0: {Category: ptr(scene.Vehicle), Location: &bad}})
	assert.Error(t, err)

	_, err = g.Generate(scene.NewMap(4), Pins{0: PinCategory(scene.Category(9))})
	assert.Error(t, err)
}

func ptr[T any](v T) *T { return &v }

func TestEvaluateSelectsDecoderByCategory(t *testing.T) {
	net := newStubNet(2)
	g := NewGenerator(net, net.heads, 6)
	sample := &scene.Sample{
		Token: "eval",
		Map:   scene.NewMap(8),
		Agents: []scene.Agent{
			{Category: scene.Pedestrian, X: 1, Y: 1, BBox: scene.BBox{Width: 0.5, Length: 0.5}},
			{Category: scene.Vehicle, X: -10, Y: 5, BBox: scene.BBox{Width: 2, Length: 4.5, Heading: 0.3},
				Velocity: scene.Velocity{Speed: 5, YawRate: 0.05}},
		},
	}
	seq := sample.Sequence()

	nll, err := g.Evaluate(sample.Map, seq, 1)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), nll.Category, 1e-9)
	assert.Greater(t, nll.Location, 0.0)
	assert.NotZero(t, nll.Speed)
	assert.Equal(t, 1, net.decoders[scene.Vehicle].locCalls)
	assert.Zero(t, net.decoders[scene.Pedestrian].locCalls)
	assert.False(t, math.IsNaN(nll.Total()))

	end, err := g.Evaluate(sample.Map, seq, 2)
	require.NoError(t, err)
	assert.Equal(t, NLL{Category: end.Category}, end)

	ped, err := g.Evaluate(sample.Map, seq, 0)
	require.NoError(t, err)
	assert.Zero(t, ped.Speed)
	assert.Zero(t, ped.YawRate)
	assert.InDelta(t, -mdn.BernoulliLogProb(0, false), ped.Moving, 1e-12)

	_, err = g.Evaluate(sample.Map, seq, 3)
	assert.Error(t, err)
}
