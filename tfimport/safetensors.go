package tfimport

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/nlpodyssey/safetensors"
	"github.com/pkg/errors"
	"os"
	"slices"
)

// safetensorsDTypes maps the safetensors element types to GoMLX dtypes.
var safetensorsDTypes = map[safetensors.DType]dtypes.DType{
	safetensors.Bool: dtypes.Bool,
	safetensors.U8:   dtypes.Uint8,
	safetensors.I8:   dtypes.Int8,
	safetensors.I16:  dtypes.Int16,
	safetensors.U16:  dtypes.Uint16,
	safetensors.F16:  dtypes.Float16,
	safetensors.BF16: dtypes.BFloat16,
	safetensors.I32:  dtypes.Int32,
	safetensors.U32:  dtypes.Uint32,
	safetensors.F32:  dtypes.Float32,
	safetensors.F64:  dtypes.Float64,
	safetensors.I64:  dtypes.Int64,
	safetensors.U64:  dtypes.Uint64,
}

// SafetensorsReader reads checkpoints stored in the ".safetensors" format.
//
// The variable names are expected to be the TensorFlow ones (e.g. "bert/encoder/layer_0/attention/self/query/kernel").
// "BF16" and "F64" values are converted to Float32 when loaded, other dtypes are loaded as is.
type SafetensorsReader struct {
	Path    string
	content safetensors.SafeTensors
}

// OpenSafetensors reads the ".safetensors" file in filePath.
func OpenSafetensors(filePath string) (*SafetensorsReader, error) {
	buffer, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint %q", filePath)
	}
	content, err := safetensors.Deserialize(buffer)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoint %q", filePath)
	}
	r := &SafetensorsReader{Path: filePath, content: content}
	for _, named := range content.Tensors() {
		if _, err = r.shape(named.Name, named.TensorView); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// shape of the tensor in the checkpoint, before any conversion.
func (r *SafetensorsReader) shape(name string, view safetensors.TensorView) (shapes.Shape, error) {
	dtype, found := safetensorsDTypes[view.DType()]
	if !found {
		return shapes.Shape{}, errors.Errorf("variable %q of %q has unknown dtype %v", name, r.Path, view.DType())
	}
	dims := make([]int, len(view.Shape()))
	for ii, dim := range view.Shape() {
		dims[ii] = int(dim)
	}
	return shapes.Make(dtype, dims...), nil
}

// loadedDType is the dtype of the tensor returned by Load for a stored dtype.
func loadedDType(dtype dtypes.DType) dtypes.DType {
	if dtype == dtypes.BFloat16 || dtype == dtypes.Float64 {
		return dtypes.Float32
	}
	return dtype
}

// Variables implements Reader. Variables are sorted by name.
func (r *SafetensorsReader) Variables() ([]VariableInfo, error) {
	names := r.content.Names()
	slices.Sort(names)
	infos := make([]VariableInfo, 0, len(names))
	for _, name := range names {
		view, _ := r.content.Tensor(name)
		shape, err := r.shape(name, view)
		if err != nil {
			return nil, err
		}
		shape.DType = loadedDType(shape.DType)
		infos = append(infos, VariableInfo{Name: name, Shape: shape})
	}
	return infos, nil
}

// Load implements Reader.
func (r *SafetensorsReader) Load(name string) (*tensors.Tensor, error) {
	view, found := r.content.Tensor(name)
	if !found {
		return nil, errors.Errorf("variable %q not found in checkpoint %q", name, r.Path)
	}
	shape, err := r.shape(name, view)
	if err != nil {
		return nil, err
	}
	t := tensors.FromShape(shape)
	var numBytes int
	err = t.MutableBytes(func(data []byte) {
		numBytes = copy(data, view.Data())
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to access data of variable %q", name)
	}
	if numBytes != len(view.Data()) {
		return nil, errors.Errorf("variable %q in %q has %d bytes, but shape %s holds %d",
			name, r.Path, len(view.Data()), shape, numBytes)
	}
	return toFloat32(t), nil
}

// toFloat32 converts BFloat16 and Float64 tensors to Float32, the other dtypes are returned unchanged.
func toFloat32(t *tensors.Tensor) *tensors.Tensor {
	var values []float32
	switch t.DType() {
	case dtypes.BFloat16:
		tensors.ConstFlatData[bfloat16.BFloat16](t, func(flat []bfloat16.BFloat16) {
			values = make([]float32, len(flat))
			for ii, v := range flat {
				values[ii] = v.Float32()
			}
		})
	case dtypes.Float64:
		tensors.ConstFlatData[float64](t, func(flat []float64) {
			values = make([]float32, len(flat))
			for ii, v := range flat {
				values[ii] = float32(v)
			}
		})
	default:
		return t
	}
	return tensors.FromFlatDataAndDimensions(values, t.Shape().Dimensions...)
}
