package nn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/Noofbiz/sceneSynth/autoregressive"
	"github.com/Noofbiz/sceneSynth/scene"
)

// DecoderChain is the six-head decoder of one agent category. The model owns
// one instance per category; each lives under its own variable scope so no
// weights are shared.
type DecoderChain struct {
	Category scene.Category
	Heads    autoregressive.Heads
	Bins     int
	Hidden   int
}

// NewDecoderChains builds the three category decoders.
func NewDecoderChains(cfg Config, grid autoregressive.Grid) map[scene.Category]DecoderChain {
	out := make(map[scene.Category]DecoderChain, len(scene.AgentCategories))
	for _, c := range scene.AgentCategories {
		out[c] = DecoderChain{
			Category: c,
			Heads:    cfg.DecoderHeads(),
			Bins:     grid.Bins(),
			Hidden:   cfg.HeadHidden,
		}
	}
	return out
}

func (d DecoderChain) scope(ctx *context.Context) *context.Context {
	return ctx.In("decoder_" + d.Category.String())
}

// Location returns [B, Bins] location logits.
func (d DecoderChain) Location(ctx *context.Context, summary *Node) *Node {
	return mlp(d.scope(ctx).In("location"), summary, d.Hidden, d.Bins)
}

// Shape returns raw size and heading mixture parameters conditioned on the
// summary and the embedding of the chosen location.
func (d DecoderChain) Shape(ctx *context.Context, summary, locEmbed *Node) (size, heading *Node) {
	in := Concatenate([]*Node{summary, locEmbed}, 1)
	size = MixtureHead(d.scope(ctx).In("size"), in, d.Hidden, d.Heads.Size)
	heading = MixtureHead(d.scope(ctx).In("heading"), in, d.Hidden, d.Heads.Heading)
	return size, heading
}

// Motion returns the motion gate logit [B] and raw speed and yaw-rate
// mixture parameters conditioned on summary, location and box encodings.
func (d DecoderChain) Motion(ctx *context.Context, summary, locEmbed, boxEnc *Node) (moving, speed, yawRate *Node) {
	in := Concatenate([]*Node{summary, locEmbed, boxEnc}, 1)
	b := dimsOf(summary)[0]
	moving = Reshape(mlp(d.scope(ctx).In("moving"), in, d.Hidden, 1), b)
	speed = MixtureHead(d.scope(ctx).In("speed"), in, d.Hidden, d.Heads.Speed)
	yawRate = MixtureHead(d.scope(ctx).In("yaw_rate"), in, d.Hidden, d.Heads.YawRate)
	return moving, speed, yawRate
}

// targets holds the ground-truth attributes of the next agent.
type targets struct {
	category *Node // int32 [B]
	location *Node // int32 [B]
	box      *Node // [B, 3]: width, length, heading
	velocity *Node // [B, 2]: speed, yaw rate
	moving   *Node // [B] in {0, 1}
	step     *Node // scalar training step
}

// attributeNLL is the per-row negative log-likelihood of every attribute
// under this decoder, conditioned on the ground-truth inputs.
func (d DecoderChain) attributeNLL(ctx *context.Context, m *Autoregressive, summary *Node, t targets) *Node {
	locEmbed := m.locationEmbedding(ctx, t.location, summary)
	boxEnc := sinusoid(t.box, m.Config.ScalarEncoding)

	nll := categoricalNLL(d.Location(ctx, summary), t.location)

	sizeRaw, headingRaw := d.Shape(ctx, summary, locEmbed)
	wl := sliceAxis(t.box, 1, 0, 2)
	heading := sliceAxis(t.box, 1, 2, 3)
	nll = Sub(nll, MixtureLogProb(sizeRaw, wl, t.step, d.Heads.Size))
	nll = Sub(nll, MixtureLogProb(headingRaw, heading, t.step, d.Heads.Heading))

	movingLogit, speedRaw, yawRaw := d.Motion(ctx, summary, locEmbed, boxEnc)
	nll = Add(nll, bernoulliNLL(movingLogit, t.moving))
	speed := sliceAxis(t.velocity, 1, 0, 1)
	yaw := sliceAxis(t.velocity, 1, 1, 2)
	motion := Neg(Add(MixtureLogProb(speedRaw, speed, t.step, d.Heads.Speed),
		MixtureLogProb(yawRaw, yaw, t.step, d.Heads.YawRate)))
	return Add(nll, Mul(motion, t.moving))
}
