package tfimport

import (
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrReaderUnavailable is returned (wrapped) when the checkpoint can't be read because the capability to read
// its format is not available.
var ErrReaderUnavailable = errors.New("checkpoint reader unavailable")

// VariableInfo describes one variable stored in a checkpoint.
type VariableInfo struct {
	Name  string
	Shape shapes.Shape
}

// Reader is the capability of reading a checkpoint: enumerate its variables and load them by name.
type Reader interface {
	// Variables stored in the checkpoint.
	Variables() ([]VariableInfo, error)

	// Load the value of the variable with the given name.
	Load(name string) (*tensors.Tensor, error)
}

// MemoryReader is a Reader of tensors already in memory.
type MemoryReader map[string]*tensors.Tensor

// Variables implements Reader. Variables are sorted by name.
func (r MemoryReader) Variables() ([]VariableInfo, error) {
	infos := make([]VariableInfo, 0, len(r))
	for _, name := range xslices.SortedKeys(r) {
		infos = append(infos, VariableInfo{Name: name, Shape: r[name].Shape()})
	}
	return infos, nil
}

// Load implements Reader.
func (r MemoryReader) Load(name string) (*tensors.Tensor, error) {
	t, found := r[name]
	if !found {
		return nil, errors.Errorf("variable %q not found in checkpoint", name)
	}
	return t, nil
}

type unavailableReader struct {
	reason string
}

// Unavailable returns a Reader that fails every call with an error wrapping ErrReaderUnavailable, with the
// given reason.
func Unavailable(reason string) Reader {
	return unavailableReader{reason: reason}
}

func (r unavailableReader) err() error {
	return errors.Wrap(ErrReaderUnavailable, r.reason)
}

// Variables implements Reader.
func (r unavailableReader) Variables() ([]VariableInfo, error) { return nil, r.err() }

// Load implements Reader.
func (r unavailableReader) Load(string) (*tensors.Tensor, error) { return nil, r.err() }

// OpenReader returns the Reader for the checkpoint in checkpointPath, selected by its format:
//
//   - "*.safetensors": a SafetensorsReader.
//   - A native TensorFlow checkpoint ("model.ckpt" prefix, "*.index" or "*.data-?????-of-?????" files): it returns
//     an error wrapping ErrReaderUnavailable, since there is no reader for TensorFlow's bundle format. Convert it to
//     ".safetensors" first.
func OpenReader(checkpointPath string) (Reader, error) {
	checkpointPath = data.ReplaceTildeInDir(checkpointPath)
	base := filepath.Base(checkpointPath)
	switch {
	case strings.HasSuffix(base, ".safetensors"):
		return OpenSafetensors(checkpointPath)
	case isTFCheckpoint(checkpointPath):
		return nil, errors.Wrapf(ErrReaderUnavailable,
			"%q is a TensorFlow checkpoint, which can only be read by TensorFlow: convert it to .safetensors", checkpointPath)
	}
	return nil, errors.Errorf("unknown checkpoint format for %q, it should be a .safetensors file", checkpointPath)
}

func isTFCheckpoint(checkpointPath string) bool {
	base := filepath.Base(checkpointPath)
	if strings.HasSuffix(base, ".index") || strings.Contains(base, ".data-") || strings.Contains(base, ".ckpt") {
		return true
	}
	// Checkpoint prefix, as given to TensorFlow's savers.
	_, err := os.Stat(checkpointPath + ".index")
	return err == nil
}
