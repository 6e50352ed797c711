package nn

import (
	"path"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/sceneSynth/checkpoint"
)

var log = logrus.WithField("module", "nn")

// variableKey joins an absolute scope and a variable name into a checkpoint
// name without the leading separator.
func variableKey(scope, name string) string {
	return path.Join(scope, name)[1:]
}

// Snapshot copies every float32 variable of ctx into a checkpoint.
func Snapshot(ctx *context.Context, step int64) *checkpoint.File {
	f := &checkpoint.File{Step: step, Tensors: make(map[string]checkpoint.Tensor)}
	ctx.EnumerateVariables(func(v *context.Variable) {
		value := v.Value()
		if value == nil || value.DType() != dtypes.Float32 {
			log.WithField("variable", v.ScopeAndName()).Debug("skipping non-float32 variable")
			return
		}
		f.Tensors[variableKey(v.Scope(), v.Name())] = checkpoint.Tensor{
			Dims: slices.Clone(value.Shape().Dimensions),
			Data: tensors.CopyFlatData[float32](value),
		}
	})
	return f
}

// Restore loads every tensor of f into ctx, creating variables that do not
// exist yet.
func Restore(ctx *context.Context, f *checkpoint.File) {
	for _, name := range f.Names() {
		t := f.Tensors[name]
		scope, varName := path.Split("/" + name)
		scope = path.Clean(scope)
		value := tensors.FromFlatDataAndDimensions(t.Data, t.Dims...)
		if v := ctx.GetVariableByScopeAndName(scope, varName); v != nil {
			v.SetValue(value)
			continue
		}
		ctx.InAbsPath(scope).VariableWithValue(varName, value)
	}
	log.WithFields(logrus.Fields{"tensors": len(f.Tensors), "step": f.Step}).Info("restored weights")
}
