package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadStripsPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "model.ckpt")
	f := &File{
		Step: 6001,
		Tensors: map[string]Tensor{
			"module.autoregressive/category/output/weights": {Dims: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
			"diffusion/drift/biases":                        {Dims: []int{2}, Data: []float32{0.5, -0.5}},
		},
	}
	require.NoError(t, Save(path, f))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(6001), got.Step)
	want := []string{"autoregressive/category/output/weights", "diffusion/drift/biases"}
	if diff := cmp.Diff(want, got.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []float32{1, 2, 3, 4}, got.Tensors["autoregressive/category/output/weights"].Data)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must not be left behind")
}

func TestSaveRejectsBadShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ckpt")
	err := Save(path, &File{Tensors: map[string]Tensor{"w": {Dims: []int{3}, Data: []float32{1}}}})
	require.ErrorIs(t, err, ErrShape)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestStripPrefix(t *testing.T) {
	assert.Equal(t, "a/b", StripPrefix("module.a/b"))
	assert.Equal(t, "a/b", StripPrefix("a/b"))
}
