package nn

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"

	"github.com/Noofbiz/sceneSynth/diffusion"
	"github.com/Noofbiz/sceneSynth/scene"
)

// ScopeDiffusion is the variable scope of the diffusion model.
const ScopeDiffusion = "diffusion"

// timeScale spreads the normalized timestep over the sinusoid frequencies.
const timeScale = 1000

// Diffusion holds the count predictors and the drift backbone. It implements
// diffusion.Backbone.
type Diffusion struct {
	Config  Config
	Weights diffusion.LossWeights

	backend backends.Backend
	ctx     *context.Context

	mu      sync.Mutex
	runners map[string]*runner
}

// NewDiffusion creates the model over a variable context shared with its
// trainer.
func NewDiffusion(backend backends.Backend, ctx *context.Context, cfg Config) (*Diffusion, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Diffusion{
		Config:  cfg,
		Weights: diffusion.DefaultLossWeights(),
		backend: backend,
		ctx:     ctx,
		runners: make(map[string]*runner),
	}, nil
}

// Context returns the variable context holding the model weights.
func (m *Diffusion) Context() *context.Context { return m.ctx }

// countLogits returns [B, MaxCount+1] logits per agent category.
func (m *Diffusion) countLogits(ctx *context.Context, pooled *Node) []*Node {
	out := make([]*Node, 0, len(scene.AgentCategories))
	for _, c := range scene.AgentCategories {
		cc := ctx.In("count_" + c.String())
		h := layers.Dense(cc.In("hidden"), pooled, true, m.Config.CountHidden)
		h = activations.Relu(layerNorm(cc.In("norm"), h))
		out = append(out, layers.Dense(cc.In("output"), h, true, m.Config.MaxCount+1))
	}
	return out
}

// drift predicts [B, N, 2] from current positions pos and reference
// positions orig [B, N, 2], int32 categories [B, N], an attention mask
// [B, N, N] with ones on allowed pairs and the normalized timestep [B].
func (m *Diffusion) drift(ctx *context.Context, dense, pooled, pos, orig, cats, mask, tNorm *Node) *Node {
	cfg := m.Config
	d := dimsOf(cats)
	b, n, dim := d[0], d[1], cfg.DiffusionDim

	tokens := Concatenate([]*Node{
		sinusoid(pos, cfg.ScalarEncoding),
		sinusoid(orig, cfg.ScalarEncoding),
		Sub(pos, orig),
		embed(ctx.In("category_embedding"), cats, pos, scene.NumCategories, cfg.CategoryEmbed),
	}, 2)
	x := mlp(ctx.In("agent"), tokens, dim, dim)

	tEnc := mlp(ctx.In("time"), sinusoid(Reshape(MulScalar(tNorm, timeScale), b, 1), cfg.ScalarEncoding), dim, dim)
	cond := Add(tEnc, layers.Dense(ctx.In("context"), pooled, true, dim))
	x = Add(x, broadcastTo(Reshape(cond, b, 1, dim), b, n, dim))

	mapTok := mapTokens(ctx.In("map_tokens"), dense, dim, cfg.ScalarEncoding)
	attend := GreaterThan(mask, ZerosLike(mask))
	for i := 0; i < cfg.DiffusionLayers; i++ {
		lc := ctx.In(fmt.Sprintf("layer_%d", i))
		cross := multiHeadAttention(lc.In("cross_attention"), x, mapTok, nil, cfg.DiffusionHeads, dim)
		x = layerNorm(lc.In("norm_cross"), Add(x, cross))
		x = encoderLayer(lc.In("self"), x, attend, cfg.DiffusionHeads, dim, 2*dim)
	}
	return layers.Dense(ctx.In("drift"), x, true, 2)
}

// LossGraph is the training objective. inputs follow
// datasets.DiffusionBatch.Tensors: maps, perturbed positions, original
// positions, categories, attention mask, validity [B, N], noise [B, N, 2],
// int32 counts [B, 3], normalized timestep [B] and the scalar diffuse
// factor.
func (m *Diffusion) LossGraph(ctx *context.Context, inputs []*Node) *Node {
	ctx = ctx.In(ScopeDiffusion)
	maps, pos, orig, cats, mask := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
	valid, noise, counts, tNorm, factor := inputs[5], inputs[6], inputs[7], inputs[8], inputs[9]

	dense, pooled := FeatureExtractor(ctx.In("features"), m.Config, maps)
	b := dimsOf(pooled)[0]

	var terms []*Node
	for i, logits := range m.countLogits(ctx, pooled) {
		target := Reshape(sliceAxis(counts, 1, i, i+1), b)
		terms = append(terms, MulScalar(ReduceAllMean(categoricalNLL(logits, target)), m.Weights.Length))
	}

	pred := m.drift(ctx, dense, pooled, pos, orig, cats, mask, tNorm)
	sq := MulScalar(ReduceSum(Square(Sub(pred, noise)), 2), 0.5)
	selector := OneHot(cats, scene.NumCategories, pos.DType())
	n := dimsOf(cats)[1]
	for _, c := range scene.AgentCategories {
		sel := Mul(Reshape(sliceAxis(selector, 2, int(c), int(c)+1), b, n), valid)
		mse := Div(maskedMean(sq, sel), factor)
		terms = append(terms, MulScalar(mse, m.Weights.Noise*m.Weights.Category[c]))
	}
	loss := terms[0]
	for _, t := range terms[1:] {
		loss = Add(loss, t)
	}
	return loss
}

func (m *Diffusion) runner(name string, fn GraphFn) (*runner, error) {
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

type diffusionFeatures struct {
	dense  *tensors.Tensor
	pooled *tensors.Tensor
}

// Encode runs the feature extractor on a single map.
func (m *Diffusion) Encode(mp *scene.Map) (diffusion.Features, error) {
	r, err := m.runner("features", func(ctx *context.Context, in []*Node) []*Node {
		dense, pooled := FeatureExtractor(ctx.In(ScopeDiffusion).In("features"), m.Config, in[0])
		return []*Node{dense, pooled}
	})
	if err != nil {
		return nil, err
	}
	out, err := r.run(MapTensor(mp))
	if err != nil {
		return nil, err
	}
	return diffusionFeatures{dense: out[0], pooled: out[1]}, nil
}

func asDiffusionFeatures(f diffusion.Features) (diffusionFeatures, error) {
	feats, ok := f.(diffusionFeatures)
	if !ok {
		return feats, fmt.Errorf("unexpected diffusion features %T", f)
	}
	return feats, nil
}

// CountLogits evaluates the three count predictors.
func (m *Diffusion) CountLogits(f diffusion.Features) (map[scene.Category][]float32, error) {
	feats, err := asDiffusionFeatures(f)
	if err != nil {
		return nil, err
	}
	r, err := m.runner("counts", func(ctx *context.Context, in []*Node) []*Node {
		return m.countLogits(ctx.In(ScopeDiffusion), in[0])
	})
	if err != nil {
		return nil, err
	}
	out, err := r.run(feats.pooled)
	if err != nil {
		return nil, err
	}
	logits := make(map[scene.Category][]float32, len(out))
	for i, c := range scene.AgentCategories {
		if logits[c], err = Floats(out[i]); err != nil {
			return nil, err
		}
	}
	return logits, nil
}

// Drift predicts the drift of every agent. All categories attend to each
// other in one sequence ordered pedestrians, bicyclists, vehicles.
func (m *Diffusion) Drift(f diffusion.Features, pos, original scene.FieldPositions, tNormed float64) (scene.FieldPositions, error) {
	feats, err := asDiffusionFeatures(f)
	if err != nil {
		return nil, err
	}
	n := pos.Total()
	out := make(scene.FieldPositions, len(scene.AgentCategories))
	if n == 0 {
		for _, c := range scene.AgentCategories {
			out[c] = scene.Positions{}
		}
		return out, nil
	}

	posData := make([]float32, 0, 2*n)
	origData := make([]float32, 0, 2*n)
	cats := make([]int32, 0, n)
	for _, c := range scene.AgentCategories {
		if len(original[c]) != len(pos[c]) {
			return nil, fmt.Errorf("%w: %v has %d originals for %d agents", diffusion.ErrDriftShape, c, len(original[c]), len(pos[c]))
		}
		for i, p := range pos[c] {
			o := original[c][i]
			posData = append(posData, float32(p[0]), float32(p[1]))
			origData = append(origData, float32(o[0]), float32(o[1]))
			cats = append(cats, int32(c))
		}
	}
	mask := make([]float32, n*n)
	for i := range mask {
		mask[i] = 1
	}

	r, err := m.runner("drift", func(ctx *context.Context, in []*Node) []*Node {
		return []*Node{m.drift(ctx.In(ScopeDiffusion), in[0], in[1], in[2], in[3], in[4], in[5], in[6])}
	})
	if err != nil {
		return nil, err
	}
	res, err := r.run(feats.dense, feats.pooled,
		FloatTensor(posData, 1, n, 2),
		FloatTensor(origData, 1, n, 2),
		IntTensor(cats, 1, n),
		FloatTensor(mask, 1, n, n),
		FloatTensor([]float32{float32(tNormed)}, 1))
	if err != nil {
		return nil, err
	}
	flat, err := Floats(res[0])
	if err != nil {
		return nil, err
	}
	k := 0
	for _, c := range scene.AgentCategories {
		d := make(scene.Positions, len(pos[c]))
		for i := range d {
			d[i] = [2]float64{float64(flat[2*k]), float64(flat[2*k+1])}
			k++
		}
		out[c] = d
	}
	return out, nil
}
