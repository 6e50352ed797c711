package nn

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// FeatureExtractor maps rasters [B, S, S, C] to a dense feature map
// [B, S/2^n, S/2^n, FeatureDim] and its spatial mean [B, FeatureDim].
func FeatureExtractor(ctx *context.Context, cfg Config, maps *Node) (dense, pooled *Node) {
	x := maps
	for i, filters := range cfg.Filters {
		x = activations.Relu(conv(ctx.In(fmt.Sprintf("conv_%d", i)), x, filters, 3, 2))
	}
	dense = layers.Dense(ctx.In("project"), x, true, cfg.FeatureDim)
	pooled = ReduceMean(dense, 1, 2)
	return dense, pooled
}

// conv is a kernel x kernel convolution with SAME padding over x
// [B, H, W, C], built as a patch gather followed by a dense layer. Its
// gradient needs only scatter-add and dot products, both available on the
// simplego backend.
func conv(ctx *context.Context, x *Node, filters, kernel, stride int) *Node {
	g := x.Graph()
	d := dimsOf(x)
	b, h, w, c := d[0], d[1], d[2], d[3]
	ho, wo := (h+stride-1)/stride, (w+stride-1)/stride
	padH := max((ho-1)*stride+kernel-h, 0) / 2
	padW := max((wo-1)*stride+kernel-w, 0) / 2

	// Row h*w is the zero row used for cells outside the raster.
	outside := int32(h * w)
	idx := make([]int32, 0, ho*wo*kernel*kernel)
	for r := 0; r < ho; r++ {
		for q := 0; q < wo; q++ {
			for kr := 0; kr < kernel; kr++ {
				for kq := 0; kq < kernel; kq++ {
					row, col := r*stride+kr-padH, q*stride+kq-padW
					if row < 0 || row >= h || col < 0 || col >= w {
						idx = append(idx, outside)
						continue
					}
					idx = append(idx, int32(row*w+col))
				}
			}
		}
	}
	rows := Reshape(TransposeAllAxes(x, 1, 2, 0, 3), h*w, b, c)
	rows = Concatenate([]*Node{rows, Zeros(g, shapes.Make(x.DType(), 1, b, c))}, 0)
	patches := Gather(rows, Reshape(Const(g, idx), ho*wo, kernel*kernel, 1))
	patches = Reshape(TransposeAllAxes(patches, 2, 0, 1, 3), b, ho, wo, kernel*kernel*c)
	return layers.Dense(ctx, patches, true, filters)
}

// mapTokens flattens a dense feature map into [B, h*w, dim] tokens and adds
// an encoding of each cell centre in normalized coordinates.
func mapTokens(ctx *context.Context, dense *Node, dim, encoding int) *Node {
	d := dimsOf(dense)
	b, h, w, f := d[0], d[1], d[2], d[3]
	coords := make([]float32, 0, h*w*2)
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			x := -1 + (2*float32(c)+1)/float32(w)
			y := 1 - (2*float32(r)+1)/float32(h)
			coords = append(coords, x, y)
		}
	}
	pos := Reshape(Const(dense.Graph(), coords), 1, h*w, 2)
	posEnc := layers.Dense(ctx.In("position"), sinusoid(pos, encoding), true, dim)
	tokens := layers.Dense(ctx.In("features"), Reshape(dense, b, h*w, f), true, dim)
	return Add(tokens, broadcastTo(posEnc, b, h*w, dim))
}
