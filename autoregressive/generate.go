package autoregressive

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/sceneSynth/mdn"
	"github.com/Noofbiz/sceneSynth/scene"
)

var log = logrus.WithField("module", "autoregressive")

// DefaultMaxSteps bounds generation when the End category is never drawn.
const DefaultMaxSteps = 100

// ErrStepCap is returned, together with the partial result, when generation
// hits the step cap without drawing End.
var ErrStepCap = errors.New("generation reached the step cap without an end token")

// Outcome tells how a generation call terminated.
type Outcome int

const (
	Completed Outcome = iota
	StepCapReached
)

func (o Outcome) String() string {
	if o == StepCapReached {
		return "step_cap_reached"
	}
	return "completed"
}

// Pin forces attributes of the agent placed at one step. Nil fields are
// sampled.
type Pin struct {
	Category *scene.Category
	// Location is a grid cell index; see Grid.Encode.
	Location *int
	BBox     *scene.BBox
	Velocity *scene.Velocity
}

// Pins maps a zero-based step index to the attributes forced at that step.
type Pins map[int]Pin

// PinCategory returns a Pin that only forces the category.
func PinCategory(c scene.Category) Pin {
	return Pin{Category: &c}
}

// Step records the decoded agent and the choices made for it.
type Step struct {
	Agent    scene.Agent
	Location int
	Moving   bool
}

// Result is the output of a generation call.
type Result struct {
	Steps   []Step
	Outcome Outcome
}

// Agents returns the placed agents in generation order.
func (r *Result) Agents() []scene.Agent {
	out := make([]scene.Agent, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.Agent
	}
	return out
}

// Len is the number of placed agents, excluding End.
func (r *Result) Len() int { return len(r.Steps) }

// Generator runs the autoregressive state machine.
type Generator struct {
	Net      Network
	Heads    Heads
	Grid     Grid
	MaxSteps int
	// TrainStep is the training-step counter of the loaded weights; it
	// selects the von Mises concentration regime of the heads.
	TrainStep int

	rng *rand.Rand
}

// NewGenerator creates a generator with default grid and step cap.
func NewGenerator(net Network, heads Heads, seed uint64) *Generator {
	return &Generator{
		Net:       net,
		Heads:     heads,
		Grid:      DefaultGrid,
		MaxSteps:  DefaultMaxSteps,
		TrainStep: mdn.WarmupSteps,
		rng:       rand.New(rand.NewPCG(seed, seed^0xda942042e4dd58b5)),
	}
}

// state is the generation state: the agents placed so far.
type state struct {
	placed []scene.Agent
	steps  []Step
}

// Generate places agents on m until End is drawn or MaxSteps agents have
// been placed. On the step cap it returns the partial result and ErrStepCap.
func (g *Generator) Generate(m *scene.Map, pins Pins) (*Result, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	feats, err := g.Net.EncodeMap(m)
	if err != nil {
		return nil, fmt.Errorf("encoding map: %w", err)
	}
	st := &state{}
	for i := 0; i < g.MaxSteps; i++ {
		step, done, err := g.transition(feats, st, pins[i])
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if done {
			log.Debugf("end token after %d agents", len(st.placed))
			return &Result{Steps: st.steps, Outcome: Completed}, nil
		}
		st.placed = append(st.placed, step.Agent)
		st.steps = append(st.steps, step)
	}
	log.Warnf("step cap %d reached", g.MaxSteps)
	return &Result{Steps: st.steps, Outcome: StepCapReached}, ErrStepCap
}

// transition queries the network once. done is true when End was chosen.
func (g *Generator) transition(feats MapFeatures, st *state, pin Pin) (Step, bool, error) {
	summary, err := g.Net.Summarize(feats, st.placed)
	if err != nil {
		return Step{}, false, err
	}
	var cat scene.Category
	if pin.Category != nil {
		cat = *pin.Category
	} else {
		logits, err := g.Net.CategoryLogits(summary)
		if err != nil {
			return Step{}, false, err
		}
		cat = scene.Category(mdn.SampleLogits(g.rng, mdn.Float64s(logits)))
	}
	if !cat.Valid() {
		return Step{}, false, fmt.Errorf("invalid category %d", int(cat))
	}
	if cat == scene.End {
		return Step{}, true, nil
	}
	step, err := g.decode(g.Net.Decoder(cat), summary, cat, pin)
	return step, false, err
}

func (g *Generator) decode(dec Decoder, summary Summary, cat scene.Category, pin Pin) (Step, error) {
	step := Step{Agent: scene.Agent{Category: cat}}

	if pin.Location != nil {
		step.Location = *pin.Location
	} else {
		logits, err := dec.LocationLogits(summary)
		if err != nil {
			return step, fmt.Errorf("location: %w", err)
		}
		step.Location = mdn.SampleLogits(g.rng, mdn.Float64s(logits))
	}
	if step.Location < 0 || step.Location >= g.Grid.Bins() {
		return step, fmt.Errorf("location cell %d outside grid", step.Location)
	}
	step.Agent.X, step.Agent.Y = g.Grid.Decode(step.Location)

	if pin.BBox != nil {
		step.Agent.BBox = *pin.BBox
	} else {
		sizeRaw, headingRaw, err := dec.ShapeParams(summary, step.Location)
		if err != nil {
			return step, fmt.Errorf("shape: %w", err)
		}
		size, err := g.sample(g.Heads.Size, sizeRaw)
		if err != nil {
			return step, fmt.Errorf("size: %w", err)
		}
		heading, err := g.sample(g.Heads.Heading, headingRaw)
		if err != nil {
			return step, fmt.Errorf("heading: %w", err)
		}
		step.Agent.BBox = scene.BBox{Width: size[0], Length: size[1], Heading: heading[0]}
	}

	if pin.Velocity != nil {
		step.Agent.Velocity = *pin.Velocity
		step.Moving = pin.Velocity.Moving()
		return step, nil
	}
	movingLogit, speedRaw, yawRaw, err := dec.MotionParams(summary, step.Location, step.Agent.BBox)
	if err != nil {
		return step, fmt.Errorf("motion: %w", err)
	}
	step.Moving = mdn.SampleBernoulli(g.rng, float64(movingLogit))
	speed, err := g.sample(g.Heads.Speed, speedRaw)
	if err != nil {
		return step, fmt.Errorf("speed: %w", err)
	}
	yaw, err := g.sample(g.Heads.YawRate, yawRaw)
	if err != nil {
		return step, fmt.Errorf("yaw rate: %w", err)
	}
	if step.Moving {
		step.Agent.Velocity = scene.Velocity{Speed: speed[0], YawRate: yaw[0]}
	}
	return step, nil
}

func (g *Generator) sample(spec mdn.Spec, raw []float32) ([]float64, error) {
	mix, err := mdn.Decode(spec, raw, g.TrainStep)
	if err != nil {
		return nil, err
	}
	return mix.Sample(g.rng), nil
}
