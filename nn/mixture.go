package nn

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/Noofbiz/sceneSynth/mdn"
)

// MixtureHead emits the raw parameter vector [B, spec.Width()] of a mixture
// conditioned on x [B, F]. Use mdn.Decode on the host or MixtureLogProb in
// the graph to interpret it.
func MixtureHead(ctx *context.Context, x *Node, hidden int, spec mdn.Spec) *Node {
	return mlp(ctx, x, hidden, spec.Width())
}

// mixtureScale applies the family's clamps to raw scales. step is a scalar
// holding the training-step counter.
func mixtureScale(raw, step *Node, f mdn.Family) *Node {
	if f != mdn.VonMises {
		return ClipScalar(MulScalar(Sigmoid(raw), mdn.ScaleGain), mdn.MinScale, mdn.MaxScale)
	}
	learned := ClipScalar(AddScalar(Exp(raw), mdn.ConcentrationOffset), mdn.MinScale, mdn.MaxScale)
	warm := ConvertDType(LessThan(step, fill(step, mdn.WarmupSteps)), raw.DType())
	w := Mul(OnesLike(learned), warm)
	return Add(MulScalar(w, mdn.WarmupConcentration), Mul(OneMinus(w), learned))
}

// MixtureLogProb is the log-density of x [B, spec.Dim] under the mixture
// described by raw [B, spec.Width()], returning [B].
func MixtureLogProb(raw, x, step *Node, spec mdn.Spec) *Node {
	b := dimsOf(raw)[0]
	k, d := spec.K, spec.Dim
	logits := sliceAxis(raw, 1, 0, k)
	params := Reshape(sliceAxis(raw, 1, k, spec.Width()), b, k, 2*d)
	loc := sliceAxis(params, 2, 0, d)
	scale := mixtureScale(sliceAxis(params, 2, d, 2*d), step, spec.Family)
	xb := broadcastTo(Reshape(x, b, 1, d), b, k, d)

	var comp *Node
	switch spec.Family {
	case mdn.VonMises:
		comp = Sub(Mul(scale, Cos(Sub(xb, loc))), logI0(scale))
		comp = AddScalar(comp, -math.Log(2*math.Pi))
	default:
		lx := Log(Max(xb, fill(xb, 1e-6)))
		z := Div(Sub(lx, loc), scale)
		comp = Neg(Add(Add(lx, Log(scale)), MulScalar(Square(z), 0.5)))
		comp = AddScalar(comp, -0.5*math.Log(2*math.Pi))
	}
	return logSumExp(Add(LogSoftmax(logits, 1), ReduceSum(comp, 2)))
}
