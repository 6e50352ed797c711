package nn

import (
	"errors"
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// GraphFn is the signature of every graph compiled in this package.
type GraphFn func(ctx *context.Context, inputs []*Node) []*Node

// NewBackend returns the pure Go backend used for training and inference.
func NewBackend() (backends.Backend, error) {
	backend, err := simplego.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to create gomlx simplego backend: %w", err)
	}
	return backend, nil
}

// NewContext returns a variable context that reuses variables on repeated
// graph builds, so inference graphs share the weights of training graphs.
func NewContext() *context.Context {
	return context.New().Checked(false)
}

// runner compiles a graph function once and executes it for any input
// shape; gomlx caches one compiled graph per shape.
type runner struct {
	name string
	exec *context.Exec
}

func newRunner(backend backends.Backend, ctx *context.Context, name string, fn GraphFn) (*runner, error) {
	e, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return fn(ctx, inputs)
	})
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", name, err)
	}
	return &runner{name: name, exec: e}, nil
}

func (r *runner) run(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	args := make([]any, len(inputs))
	for i, t := range inputs {
		args[i] = t
	}
	out, err := r.exec.Exec(args...)
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", r.name, err)
	}
	return out, nil
}

// FloatTensor wraps flat float32 data.
func FloatTensor(data []float32, dims ...int) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// IntTensor wraps flat int32 data.
func IntTensor(data []int32, dims ...int) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// ScalarTensor wraps a single float32.
func ScalarTensor(v float32) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions([]float32{v})
}

// ErrDType is returned when a tensor does not hold float32 values.
var ErrDType = errors.New("tensor is not float32")

// Floats copies a float32 tensor to a flat slice.
func Floats(t *tensors.Tensor) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil tensor", ErrDType)
	}
	if dt := t.DType(); dt != dtypes.Float32 {
		return nil, fmt.Errorf("%w: got %s", ErrDType, dt)
	}
	return tensors.CopyFlatData[float32](t), nil
}
