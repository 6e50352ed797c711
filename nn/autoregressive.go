package nn

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"

	"github.com/Noofbiz/sceneSynth/autoregressive"
	"github.com/Noofbiz/sceneSynth/datasets"
	"github.com/Noofbiz/sceneSynth/scene"
)

// ScopeAutoregressive is the variable scope of the autoregressive model.
const ScopeAutoregressive = "autoregressive"

// Autoregressive is the transformer sequence model. It implements
// autoregressive.Network for generation and provides LossGraph for
// training.
type Autoregressive struct {
	Config   Config
	Grid     autoregressive.Grid
	Decoders map[scene.Category]DecoderChain

	backend backends.Backend
	ctx     *context.Context

	mu      sync.Mutex
	runners map[string]*runner
}

// NewAutoregressive creates the model over a variable context shared with
// its trainer.
func NewAutoregressive(backend backends.Backend, ctx *context.Context, cfg Config) (*Autoregressive, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	grid := autoregressive.DefaultGrid
	return &Autoregressive{
		Config:   cfg,
		Grid:     grid,
		Decoders: NewDecoderChains(cfg, grid),
		backend:  backend,
		ctx:      ctx,
		runners:  make(map[string]*runner),
	}, nil
}

// Context returns the variable context holding the model weights.
func (m *Autoregressive) Context() *context.Context { return m.ctx }

func (m *Autoregressive) encodeMap(ctx *context.Context, maps *Node) *Node {
	_, pooled := FeatureExtractor(ctx.In("features"), m.Config, maps)
	return pooled
}

func (m *Autoregressive) locationEmbedding(ctx *context.Context, loc, ref *Node) *Node {
	return embed(ctx.In("location_embedding"), loc, ref, m.Grid.Bins(), m.Config.LocationEmbed)
}

// summarize encodes [summary, map, agents...] and returns the final summary
// token [B, DModel]. cats and locs are int32 [B, L]; boxes [B, L, 3]; vels
// [B, L, 2]; mask [B, L+2, L+2] with ones where attention is allowed.
func (m *Autoregressive) summarize(ctx *context.Context, pooled, cats, locs, boxes, vels, mask *Node) *Node {
	cfg := m.Config
	g := pooled.Graph()
	d := dimsOf(cats)
	b, l, dm := d[0], d[1], cfg.DModel

	obj := Concatenate([]*Node{
		embed(ctx.In("category_embedding"), cats, boxes, scene.NumCategories, cfg.CategoryEmbed),
		m.locationEmbedding(ctx, locs, boxes),
		sinusoid(boxes, cfg.ScalarEncoding),
		sinusoid(vels, cfg.ScalarEncoding),
	}, 2)
	obj = mlp(ctx.In("object"), obj, dm, dm)
	pe := ctx.In("positional").VariableWithShape("embeddings",
		shapes.Make(obj.DType(), cfg.MaxAgents, dm)).ValueGraph(g)
	pe = Reshape(sliceAxis(pe, 0, 0, l), 1, l, dm)
	obj = Add(obj, broadcastTo(pe, b, l, dm))

	mapToken := Reshape(layers.Dense(ctx.In("map"), pooled, true, dm), b, 1, dm)
	q := ctx.In("summary").VariableWithShape("token", shapes.Make(obj.DType(), 1, 1, dm)).ValueGraph(g)
	x := Concatenate([]*Node{broadcastTo(q, b, 1, dm), mapToken, obj}, 1)

	attend := GreaterThan(mask, ZerosLike(mask))
	for i := 0; i < cfg.Layers; i++ {
		x = encoderLayer(ctx.In(fmt.Sprintf("encoder_%d", i)), x, attend, cfg.Heads, dm, cfg.FeedForward)
	}
	return Reshape(sliceAxis(x, 1, 0, 1), b, dm)
}

func (m *Autoregressive) categoryLogits(ctx *context.Context, summary *Node) *Node {
	return mlp(ctx.In("category"), summary, m.Config.HeadHidden, scene.NumCategories)
}

// LossGraph is the next-agent training loss over ground-truth prefixes.
// inputs follow datasets.AutoregressiveBatch.Tensors with the scalar training step
// appended. Each row's attribute loss comes from the decoder of its target
// category, selected with a mask; rows whose target is End only contribute
// the category loss.
func (m *Autoregressive) LossGraph(ctx *context.Context, inputs []*Node) *Node {
	ctx = ctx.In(ScopeAutoregressive)
	maps, cats, locs, boxes, vels, mask := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4], inputs[5]
	t := targets{
		category: inputs[6],
		location: inputs[7],
		box:      inputs[8],
		velocity: inputs[9],
		moving:   inputs[10],
		step:     inputs[11],
	}
	pooled := m.encodeMap(ctx, maps)
	summary := m.summarize(ctx, pooled, cats, locs, boxes, vels, mask)
	loss := categoricalNLL(m.categoryLogits(ctx, summary), t.category)

	b := dimsOf(summary)[0]
	selector := OneHot(t.category, scene.NumCategories, summary.DType())
	for _, c := range scene.AgentCategories {
		attr := m.Decoders[c].attributeNLL(ctx, m, summary, t)
		sel := Reshape(sliceAxis(selector, 1, int(c), int(c)+1), b)
		loss = Add(loss, Where(GreaterThan(sel, ZerosLike(sel)), attr, ZerosLike(attr)))
	}
	return ReduceAllMean(loss)
}

func (m *Autoregressive) runner(name string, fn GraphFn) (*runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runners[name]; ok {
		return r, nil
	}
	r, err := newRunner(m.backend, m.ctx, name, fn)
	if err != nil {
		return nil, err
	}
	m.runners[name] = r
	return r, nil
}

type arFeatures struct {
	pooled *tensors.Tensor
}

type arSummary struct {
	summary   *tensors.Tensor
	catLogits []float32
}

// EncodeMap runs the feature extractor once.
func (m *Autoregressive) EncodeMap(mp *scene.Map) (autoregressive.MapFeatures, error) {
	r, err := m.runner("map", func(ctx *context.Context, in []*Node) []*Node {
		return []*Node{m.encodeMap(ctx.In(ScopeAutoregressive), in[0])}
	})
	if err != nil {
		return nil, err
	}
	out, err := r.run(MapTensor(mp))
	if err != nil {
		return nil, err
	}
	return arFeatures{pooled: out[0]}, nil
}

// Summarize encodes the placed agents.
func (m *Autoregressive) Summarize(f autoregressive.MapFeatures, placed []scene.Agent) (autoregressive.Summary, error) {
	feats, ok := f.(arFeatures)
	if !ok {
		return nil, fmt.Errorf("unexpected map features %T", f)
	}
	if len(placed) >= m.Config.MaxAgents {
		return nil, fmt.Errorf("%d placed agents exceed max_agents %d", len(placed), m.Config.MaxAgents)
	}
	r, err := m.runner("summary", func(ctx *context.Context, in []*Node) []*Node {
		ctx = ctx.In(ScopeAutoregressive)
		s := m.summarize(ctx, in[0], in[1], in[2], in[3], in[4], in[5])
		return []*Node{s, m.categoryLogits(ctx, s)}
	})
	if err != nil {
		return nil, err
	}
	l := max(1, len(placed))
	tok := datasets.EncodeAgents(placed, m.Grid, l)
	mask := datasets.PrefixMask(len(placed), l)
	out, err := r.run(feats.pooled,
		IntTensor(tok.Categories, 1, l),
		IntTensor(tok.Locations, 1, l),
		FloatTensor(tok.Boxes, 1, l, 3),
		FloatTensor(tok.Velocities, 1, l, 2),
		FloatTensor(mask, 1, l+2, l+2))
	if err != nil {
		return nil, err
	}
	logits, err := Floats(out[1])
	if err != nil {
		return nil, err
	}
	return arSummary{summary: out[0], catLogits: logits}, nil
}

// CategoryLogits returns the category head output for a summary.
func (m *Autoregressive) CategoryLogits(s autoregressive.Summary) ([]float32, error) {
	sum, ok := s.(arSummary)
	if !ok {
		return nil, fmt.Errorf("unexpected summary %T", s)
	}
	return sum.catLogits, nil
}

// Decoder returns the host adapter of the category's decoder chain.
func (m *Autoregressive) Decoder(c scene.Category) autoregressive.Decoder {
	return &decoderRunner{model: m, chain: m.Decoders[c]}
}

type decoderRunner struct {
	model *Autoregressive
	chain DecoderChain
}

func (d *decoderRunner) name(head string) string {
	return head + "_" + d.chain.Category.String()
}

func summaryTensor(s autoregressive.Summary) (*tensors.Tensor, error) {
	sum, ok := s.(arSummary)
	if !ok {
		return nil, fmt.Errorf("unexpected summary %T", s)
	}
	return sum.summary, nil
}

func (d *decoderRunner) LocationLogits(s autoregressive.Summary) ([]float32, error) {
	st, err := summaryTensor(s)
	if err != nil {
		return nil, err
	}
	r, err := d.model.runner(d.name("location"), func(ctx *context.Context, in []*Node) []*Node {
		return []*Node{d.chain.Location(ctx.In(ScopeAutoregressive), in[0])}
	})
	if err != nil {
		return nil, err
	}
	out, err := r.run(st)
	if err != nil {
		return nil, err
	}
	return Floats(out[0])
}

func (d *decoderRunner) ShapeParams(s autoregressive.Summary, location int) (size, heading []float32, err error) {
	st, err := summaryTensor(s)
	if err != nil {
		return nil, nil, err
	}
	r, err := d.model.runner(d.name("shape"), func(ctx *context.Context, in []*Node) []*Node {
		ctx = ctx.In(ScopeAutoregressive)
		size, heading := d.chain.Shape(ctx, in[0], d.model.locationEmbedding(ctx, in[1], in[0]))
		return []*Node{size, heading}
	})
	if err != nil {
		return nil, nil, err
	}
	out, err := r.run(st, IntTensor([]int32{int32(location)}, 1))
	if err != nil {
		return nil, nil, err
	}
	if size, err = Floats(out[0]); err != nil {
		return nil, nil, err
	}
	heading, err = Floats(out[1])
	return size, heading, err
}

func (d *decoderRunner) MotionParams(s autoregressive.Summary, location int, box scene.BBox) (moving float32, speed, yawRate []float32, err error) {
	st, err := summaryTensor(s)
	if err != nil {
		return 0, nil, nil, err
	}
	r, err := d.model.runner(d.name("motion"), func(ctx *context.Context, in []*Node) []*Node {
		ctx = ctx.In(ScopeAutoregressive)
		locEmbed := d.model.locationEmbedding(ctx, in[1], in[0])
		mv, sp, yaw := d.chain.Motion(ctx, in[0], locEmbed, sinusoid(in[2], d.model.Config.ScalarEncoding))
		return []*Node{mv, sp, yaw}
	})
	if err != nil {
		return 0, nil, nil, err
	}
	boxData := []float32{float32(box.Width), float32(box.Length), float32(box.Heading)}
	out, err := r.run(st, IntTensor([]int32{int32(location)}, 1), FloatTensor(boxData, 1, 3))
	if err != nil {
		return 0, nil, nil, err
	}
	mv, err := Floats(out[0])
	if err != nil {
		return 0, nil, nil, err
	}
	if speed, err = Floats(out[1]); err != nil {
		return 0, nil, nil, err
	}
	yawRate, err = Floats(out[2])
	return mv[0], speed, yawRate, err
}

// MapTensor converts a raster to the [1, S, S, C] layout of the feature
// extractor.
func MapTensor(m *scene.Map) *tensors.Tensor {
	return FloatTensor(m.HWC(), 1, m.Size, m.Size, scene.NumChannels)
}
