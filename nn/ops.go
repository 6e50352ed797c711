package nn

import (
	"math"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

func dimsOf(x *Node) []int {
	return slices.Clone(x.Shape().Dimensions)
}

// broadcastTo expands the size-1 axes of x to dims. x must have the same
// rank as dims.
func broadcastTo(x *Node, dims ...int) *Node {
	if slices.Equal(x.Shape().Dimensions, dims) {
		return x
	}
	return BroadcastToDims(x, dims...)
}

// sliceAxis keeps positions [start, end) of axis. It gathers instead of
// slicing so that its gradient is a scatter-add rather than a Pad, which the
// simplego backend lacks.
func sliceAxis(x *Node, axis, start, end int) *Node {
	rank := x.Rank()
	if axis < 0 {
		axis += rank
	}
	perm := make([]int, 0, rank)
	perm = append(perm, axis)
	for i := 0; i < rank; i++ {
		if i != axis {
			perm = append(perm, i)
		}
	}
	moved := x
	if axis != 0 {
		moved = TransposeAllAxes(x, perm...)
	}
	idx := make([]int32, end-start)
	for i := range idx {
		idx[i] = int32(start + i)
	}
	out := Gather(moved, Reshape(Const(x.Graph(), idx), end-start, 1), true)
	if axis == 0 {
		return out
	}
	inv := make([]int, rank)
	for i, p := range perm {
		inv[p] = i
	}
	return TransposeAllAxes(out, inv...)
}

// fill returns a tensor shaped like x holding v.
func fill(x *Node, v float64) *Node {
	return AddScalar(ZerosLike(x), v)
}

// lastAxis is the index of the feature axis.
func lastAxis(x *Node) int {
	return x.Rank() - 1
}

// sinusoid encodes every scalar in the last axis of x, shaped [..., n], with
// dim sine and cosine features, returning [..., n*dim].
func sinusoid(x *Node, dim int) *Node {
	half := dim / 2
	freqs := make([]float32, half)
	for i := range freqs {
		freqs[i] = float32(math.Exp(-math.Log(10000) * float64(i) / float64(half)))
	}
	d := dimsOf(x)
	full := append(slices.Clone(d), half)
	fd := make([]int, len(full))
	for i := range fd {
		fd[i] = 1
	}
	fd[len(fd)-1] = half
	xs := broadcastTo(Reshape(x, append(slices.Clone(d), 1)...), full...)
	f := broadcastTo(Reshape(Const(x.Graph(), freqs), fd...), full...)
	angles := Mul(xs, f)
	enc := Concatenate([]*Node{Sin(angles), Cos(angles)}, len(full)-1)
	out := slices.Clone(d)
	out[len(out)-1] = d[len(d)-1] * 2 * half
	return Reshape(enc, out...)
}

// embed is a lookup table over vocab entries, built as a bias-free dense
// layer over one-hot indices.
func embed(ctx *context.Context, indices, ref *Node, vocab, dim int) *Node {
	return layers.Dense(ctx, OneHot(indices, vocab, ref.DType()), false, dim)
}

// mlp is Dense -> ReLU -> Dense.
func mlp(ctx *context.Context, x *Node, hidden, out int) *Node {
	h := layers.Dense(ctx.In("hidden"), x, true, hidden)
	h = activations.Relu(h)
	return layers.Dense(ctx.In("output"), h, true, out)
}

func layerNorm(ctx *context.Context, x *Node) *Node {
	return layers.LayerNormalization(ctx, x, lastAxis(x)).Done()
}

// multiHeadAttention attends query [B, Lq, D] over keyValue [B, Lk, D].
// mask, if not nil, is a boolean [B, Lq, Lk] where true allows attention.
func multiHeadAttention(ctx *context.Context, query, keyValue, mask *Node, heads, dim int) *Node {
	b, lq, lk := dimsOf(query)[0], dimsOf(query)[1], dimsOf(keyValue)[1]
	headDim := dim / heads
	q := layers.Dense(ctx.In("query"), query, true, heads, headDim)
	k := layers.Dense(ctx.In("key"), keyValue, true, heads, headDim)
	v := layers.Dense(ctx.In("value"), keyValue, true, heads, headDim)

	scores := MulScalar(Einsum("bqhd,bkhd->bhqk", q, k), 1/math.Sqrt(float64(headDim)))
	if mask != nil {
		m := broadcastTo(Reshape(mask, b, 1, lq, lk), b, heads, lq, lk)
		scores = Where(m, scores, fill(scores, -1e9))
	}
	probs := Softmax(scores, 3)
	attended := Einsum("bhqk,bkhd->bhqd", probs, v)
	w := ctx.In("output").VariableWithShape("weights",
		shapes.Make(query.DType(), heads, headDim, dim)).ValueGraph(query.Graph())
	return Einsum("bhqd,hde->bqe", attended, w)
}

// encoderLayer is a post-norm transformer encoder block.
func encoderLayer(ctx *context.Context, x, mask *Node, heads, dim, ff int) *Node {
	att := multiHeadAttention(ctx.In("attention"), x, x, mask, heads, dim)
	x = layerNorm(ctx.In("norm_attention"), Add(x, att))
	h := mlp(ctx.In("feed_forward"), x, ff, dim)
	return layerNorm(ctx.In("norm_feed_forward"), Add(x, h))
}

// logSumExp reduces the last axis of a rank-2 tensor.
func logSumExp(x *Node) *Node {
	d := dimsOf(x)
	m := StopGradient(ReduceMax(x, 1))
	shifted := Sub(x, broadcastTo(Reshape(m, d[0], 1), d...))
	return Add(m, Log(ReduceSum(Exp(shifted), 1)))
}

// categoricalNLL is -log softmax(logits)[target] per row; logits [B, N],
// target int32 [B].
func categoricalNLL(logits, target *Node) *Node {
	n := dimsOf(logits)[1]
	return Neg(ReduceSum(Mul(OneHot(target, n, logits.DType()), LogSoftmax(logits, 1)), 1))
}

// bernoulliNLL is the binary cross-entropy of logit against y in {0, 1}.
func bernoulliNLL(logit, y *Node) *Node {
	softplus := Add(Log(AddScalar(Exp(Neg(Abs(logit))), 1)), Max(logit, ZerosLike(logit)))
	return Sub(softplus, Mul(y, logit))
}

// logI0 mirrors mdn.LogI0 in-graph. x must be positive.
func logI0(x *Node) *Node {
	t := Square(MulScalar(x, 1/3.75))
	small := polynomial(t, 1, 3.5156229, 3.0899424, 1.2067492, 0.2659732, 0.0360768, 0.0045813)
	small = Log(small)

	safe := Max(x, fill(x, 1e-6))
	u := Div(fill(safe, 3.75), safe)
	large := polynomial(u, 0.39894228, 0.01328592, 0.00225319, -0.00157565, 0.00916281,
		-0.02057706, 0.02635537, -0.01647633, 0.00392377)
	large = Add(Sub(safe, MulScalar(Log(safe), 0.5)), Log(large))
	return Where(LessOrEqual(x, fill(x, 3.75)), small, large)
}

// polynomial evaluates c0 + c1*t + c2*t^2 + ... with Horner's rule.
func polynomial(t *Node, coef ...float64) *Node {
	acc := fill(t, coef[len(coef)-1])
	for i := len(coef) - 2; i >= 0; i-- {
		acc = AddScalar(Mul(acc, t), coef[i])
	}
	return acc
}

// maskedMean averages values over entries where weights is non-zero; it
// returns zero when all weights are zero.
func maskedMean(values, weights *Node) *Node {
	num := ReduceAllSum(Mul(values, weights))
	den := ReduceAllSum(weights)
	return Div(num, Max(den, fill(den, 1)))
}
