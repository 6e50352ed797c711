package autoregressive

import (
	"fmt"

	"github.com/Noofbiz/sceneSynth/mdn"
	"github.com/Noofbiz/sceneSynth/scene"
)

// NLL holds the negative log-likelihood of each attribute of one target
// agent.
type NLL struct {
	Category float64
	Location float64
	Size     float64
	Heading  float64
	Moving   float64
	Speed    float64
	YawRate  float64
}

// Total sums all terms.
func (n NLL) Total() float64 {
	return n.Category + n.Location + n.Size + n.Heading + n.Moving + n.Speed + n.YawRate
}

// Add sums two NLLs term by term.
func (n NLL) Add(o NLL) NLL {
	return NLL{
		Category: n.Category + o.Category,
		Location: n.Location + o.Location,
		Size:     n.Size + o.Size,
		Heading:  n.Heading + o.Heading,
		Moving:   n.Moving + o.Moving,
		Speed:    n.Speed + o.Speed,
		YawRate:  n.YawRate + o.YawRate,
	}
}

// Scale multiplies every term by f.
func (n NLL) Scale(f float64) NLL {
	return NLL{
		Category: n.Category * f,
		Location: n.Location * f,
		Size:     n.Size * f,
		Heading:  n.Heading * f,
		Moving:   n.Moving * f,
		Speed:    n.Speed * f,
		YawRate:  n.YawRate * f,
	}
}

// Evaluate scores element nKeep of seq given the first nKeep agents as
// context. Every head is conditioned on the ground-truth values of the
// earlier heads. Attributes are scored by the decoder owned by the target's
// category; an End target only scores the category head.
func (g *Generator) Evaluate(m *scene.Map, seq scene.Sequence, nKeep int) (NLL, error) {
	if err := seq.Validate(); err != nil {
		return NLL{}, err
	}
	if nKeep < 0 || nKeep >= seq.Len() {
		return NLL{}, fmt.Errorf("context length %d outside [0, %d)", nKeep, seq.Len())
	}
	feats, err := g.Net.EncodeMap(m)
	if err != nil {
		return NLL{}, fmt.Errorf("encoding map: %w", err)
	}
	placed := make([]scene.Agent, nKeep)
	for i := range placed {
		placed[i] = seq.Agent(i)
	}
	target := seq.Agent(nKeep)
	summary, err := g.Net.Summarize(feats, placed)
	if err != nil {
		return NLL{}, err
	}
	logits, err := g.Net.CategoryLogits(summary)
	if err != nil {
		return NLL{}, err
	}
	out := NLL{Category: -mdn.LogSoftmax(mdn.Float64s(logits))[target.Category]}
	if target.Category.IsAgent() {
		attrs, err := g.attributeNLL(g.Net.Decoder(target.Category), summary, target)
		if err != nil {
			return NLL{}, fmt.Errorf("%v decoder: %w", target.Category, err)
		}
		out = out.Add(attrs)
	}
	return out, nil
}

func (g *Generator) attributeNLL(dec Decoder, summary Summary, target scene.Agent) (NLL, error) {
	var out NLL
	loc := g.Grid.Encode(target.X, target.Y)
	locLogits, err := dec.LocationLogits(summary)
	if err != nil {
		return out, err
	}
	out.Location = -mdn.LogSoftmax(mdn.Float64s(locLogits))[loc]

	sizeRaw, headingRaw, err := dec.ShapeParams(summary, loc)
	if err != nil {
		return out, err
	}
	if out.Size, err = g.nll(g.Heads.Size, sizeRaw, target.BBox.Width, target.BBox.Length); err != nil {
		return out, err
	}
	if out.Heading, err = g.nll(g.Heads.Heading, headingRaw, target.BBox.Heading); err != nil {
		return out, err
	}

	movingLogit, speedRaw, yawRaw, err := dec.MotionParams(summary, loc, target.BBox)
	if err != nil {
		return out, err
	}
	moving := target.Velocity.Moving()
	out.Moving = -mdn.BernoulliLogProb(float64(movingLogit), moving)
	if !moving {
		return out, nil
	}
	if out.Speed, err = g.nll(g.Heads.Speed, speedRaw, target.Velocity.Speed); err != nil {
		return out, err
	}
	if out.YawRate, err = g.nll(g.Heads.YawRate, yawRaw, target.Velocity.YawRate); err != nil {
		return out, err
	}
	return out, nil
}

func (g *Generator) nll(spec mdn.Spec, raw []float32, x ...float64) (float64, error) {
	mix, err := mdn.Decode(spec, raw, g.TrainStep)
	if err != nil {
		return 0, err
	}
	lp, err := mix.LogProb(x)
	if err != nil {
		return 0, err
	}
	return -lp, nil
}
