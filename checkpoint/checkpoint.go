// Package checkpoint stores model weights as a mapping from variable names to
// flat float32 tensors, together with the global training step.
package checkpoint

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "checkpoint")

// DistributedPrefix is prepended to every name by data-parallel wrappers.
const DistributedPrefix = "module."

// ErrShape is returned when a tensor's data does not match its dimensions.
var ErrShape = errors.New("tensor data does not match dimensions")

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Dims []int
	Data []float32
}

// Size is the number of elements implied by Dims.
func (t Tensor) Size() int {
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Validate checks that Data holds exactly Size elements.
func (t Tensor) Validate() error {
	if len(t.Data) != t.Size() {
		return fmt.Errorf("%w: %d values for dims %v", ErrShape, len(t.Data), t.Dims)
	}
	return nil
}

// File is the content of one checkpoint.
type File struct {
	Step    int64
	Tensors map[string]Tensor
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := lo.Keys(f.Tensors)
	slices.Sort(names)
	return names
}

// StripPrefix removes the distributed-training prefix from a name.
func StripPrefix(name string) string {
	return strings.TrimPrefix(name, DistributedPrefix)
}

// Save writes f to path atomically: it encodes into a temporary file in the
// same directory and renames it over path.
func Save(path string, f *File) error {
	for name, t := range f.Tensors {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tensor %q: %w", name, err)
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := gob.NewEncoder(tmp).Encode(f); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming checkpoint: %w", err)
	}
	log.WithFields(logrus.Fields{"path": path, "tensors": len(f.Tensors), "step": f.Step}).Info("saved checkpoint")
	return nil
}

// Load reads a checkpoint and strips the distributed prefix from every
// tensor name.
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint: %w", err)
	}
	defer fh.Close()
	var raw File
	if err := gob.NewDecoder(fh).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", path, err)
	}
	out := &File{Step: raw.Step, Tensors: make(map[string]Tensor, len(raw.Tensors))}
	for name, t := range raw.Tensors {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		out.Tensors[StripPrefix(name)] = t
	}
	log.WithFields(logrus.Fields{"path": path, "tensors": len(out.Tensors), "step": out.Step}).Debug("loaded checkpoint")
	return out, nil
}
