// Package xtensors implements host-side manipulation of tensors: copies, conversions to Go slices,
// slicing along the leading axis and the few matrix operations needed to remap checkpoints.
//
// Only the dtypes used by BERT are supported: Float32, Float16, Int32 and Int64.
package xtensors

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Number is the set of Go types of the supported dtypes.
type Number interface {
	float32 | float16.Float16 | int32 | int64
}

func unsupported(t *tensors.Tensor, op string) error {
	return errors.Errorf("xtensors.%s: dtype %s not supported", op, t.DType())
}

// Clone returns a deep copy of t, not sharing any storage with it.
func Clone(t *tensors.Tensor) (*tensors.Tensor, error) {
	switch t.DType() {
	case dtypes.Float32:
		return cloneT[float32](t), nil
	case dtypes.Float16:
		return cloneT[float16.Float16](t), nil
	case dtypes.Int32:
		return cloneT[int32](t), nil
	case dtypes.Int64:
		return cloneT[int64](t), nil
	}
	return nil, unsupported(t, "Clone")
}

func cloneT[T Number](t *tensors.Tensor) *tensors.Tensor {
	var data []T
	tensors.ConstFlatData[T](t, func(flat []T) {
		data = make([]T, len(flat))
		copy(data, flat)
	})
	return tensors.FromFlatDataAndDimensions(data, t.Shape().Dimensions...)
}

// Float32s returns a copy of the flat contents of t converted to float32.
// Integer tensors are converted as well.
func Float32s(t *tensors.Tensor) ([]float32, error) {
	switch t.DType() {
	case dtypes.Float32:
		return toFloat32[float32](t, func(v float32) float32 { return v }), nil
	case dtypes.Float16:
		return toFloat32[float16.Float16](t, func(v float16.Float16) float32 { return v.Float32() }), nil
	case dtypes.Int32:
		return toFloat32[int32](t, func(v int32) float32 { return float32(v) }), nil
	case dtypes.Int64:
		return toFloat32[int64](t, func(v int64) float32 { return float32(v) }), nil
	}
	return nil, unsupported(t, "Float32s")
}

func toFloat32[T Number](t *tensors.Tensor, convertFn func(T) float32) []float32 {
	var values []float32
	tensors.ConstFlatData[T](t, func(flat []T) {
		values = make([]float32, len(flat))
		for ii, v := range flat {
			values[ii] = convertFn(v)
		}
	})
	return values
}

// Int32s returns a copy of the flat contents of an integer tensor converted to int32.
func Int32s(t *tensors.Tensor) ([]int32, error) {
	var values []int32
	switch t.DType() {
	case dtypes.Int32:
		tensors.ConstFlatData[int32](t, func(flat []int32) {
			values = make([]int32, len(flat))
			copy(values, flat)
		})
	case dtypes.Int64:
		tensors.ConstFlatData[int64](t, func(flat []int64) {
			values = make([]int32, len(flat))
			for ii, v := range flat {
				values[ii] = int32(v)
			}
		})
	default:
		return nil, unsupported(t, "Int32s")
	}
	return values, nil
}

// ToFloat16 narrows a Float32 tensor to a new Float16 tensor. Other dtypes return an error.
func ToFloat16(t *tensors.Tensor) (*tensors.Tensor, error) {
	if t.DType() != dtypes.Float32 {
		return nil, unsupported(t, "ToFloat16")
	}
	var data []float16.Float16
	tensors.ConstFlatData[float32](t, func(flat []float32) {
		data = make([]float16.Float16, len(flat))
		for ii, v := range flat {
			data[ii] = float16.Fromfloat32(v)
		}
	})
	return tensors.FromFlatDataAndDimensions(data, t.Shape().Dimensions...), nil
}

// leadingAxis returns the size of the leading axis of t and the number of elements in each of its slices.
func leadingAxis(t *tensors.Tensor) (size, stride int, err error) {
	dims := t.Shape().Dimensions
	if len(dims) == 0 {
		return 0, 0, errors.Errorf("scalar tensors have no leading axis to slice")
	}
	size = dims[0]
	stride = 1
	for _, dim := range dims[1:] {
		stride *= dim
	}
	return
}

// SliceLeading returns a copy of t[idx], that is, t indexed on its leading axis. The result has rank one less than t.
func SliceLeading(t *tensors.Tensor, idx int) (*tensors.Tensor, error) {
	size, _, err := leadingAxis(t)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= size {
		return nil, errors.Errorf("xtensors.SliceLeading: index %d out of range for leading axis of size %d", idx, size)
	}
	switch t.DType() {
	case dtypes.Float32:
		return sliceLeadingT[float32](t, idx), nil
	case dtypes.Float16:
		return sliceLeadingT[float16.Float16](t, idx), nil
	case dtypes.Int32:
		return sliceLeadingT[int32](t, idx), nil
	case dtypes.Int64:
		return sliceLeadingT[int64](t, idx), nil
	}
	return nil, unsupported(t, "SliceLeading")
}

func sliceLeadingT[T Number](t *tensors.Tensor, idx int) *tensors.Tensor {
	_, stride, _ := leadingAxis(t)
	data := make([]T, stride)
	tensors.ConstFlatData[T](t, func(flat []T) {
		copy(data, flat[idx*stride:(idx+1)*stride])
	})
	return tensors.FromFlatDataAndDimensions(data, t.Shape().Dimensions[1:]...)
}

// Stack creates a new tensor with a new leading axis, holding copies of the given tensors.
// All tensors must have the same shape.
func Stack(ts []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("xtensors.Stack requires at least one tensor")
	}
	shape := ts[0].Shape()
	for ii, t := range ts[1:] {
		if !shape.Equal(t.Shape()) {
			return nil, errors.Errorf("xtensors.Stack: tensor #%d has shape %s, wanted %s", ii+1, t.Shape(), shape)
		}
	}
	switch shape.DType {
	case dtypes.Float32:
		return stackT[float32](ts), nil
	case dtypes.Float16:
		return stackT[float16.Float16](ts), nil
	case dtypes.Int32:
		return stackT[int32](ts), nil
	case dtypes.Int64:
		return stackT[int64](ts), nil
	}
	return nil, unsupported(ts[0], "Stack")
}

func stackT[T Number](ts []*tensors.Tensor) *tensors.Tensor {
	shape := ts[0].Shape()
	stride := shape.Size()
	data := make([]T, 0, stride*len(ts))
	for _, t := range ts {
		tensors.ConstFlatData[T](t, func(flat []T) {
			data = append(data, flat...)
		})
	}
	dims := append([]int{len(ts)}, shape.Dimensions...)
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// AllEqual returns whether every element of the integer tensor t equals value.
func AllEqual(t *tensors.Tensor, value int32) (bool, error) {
	values, err := Int32s(t)
	if err != nil {
		return false, err
	}
	for _, v := range values {
		if v != value {
			return false, nil
		}
	}
	return true, nil
}

// Zeros returns a new tensor of the given dtype and dimensions, filled with zeros.
func Zeros(dtype dtypes.DType, dimensions ...int) *tensors.Tensor {
	return tensors.FromShape(shapes.Make(dtype, dimensions...))
}

// Reshape returns a copy of t with the given dimensions, which must have the same total size.
func Reshape(t *tensors.Tensor, dimensions ...int) (*tensors.Tensor, error) {
	newShape := shapes.Make(t.DType(), dimensions...)
	if newShape.Size() != t.Shape().Size() {
		return nil, errors.Errorf("xtensors.Reshape: can't reshape %s to %v", t.Shape(), dimensions)
	}
	clone, err := Clone(t)
	if err != nil {
		return nil, err
	}
	switch t.DType() {
	case dtypes.Float32:
		return reshapeT[float32](clone, dimensions), nil
	case dtypes.Float16:
		return reshapeT[float16.Float16](clone, dimensions), nil
	case dtypes.Int32:
		return reshapeT[int32](clone, dimensions), nil
	case dtypes.Int64:
		return reshapeT[int64](clone, dimensions), nil
	}
	return nil, unsupported(t, "Reshape")
}

func reshapeT[T Number](t *tensors.Tensor, dimensions []int) *tensors.Tensor {
	var data []T
	tensors.ConstFlatData[T](t, func(flat []T) { data = flat })
	return tensors.FromFlatDataAndDimensions(data, dimensions...)
}

// MergeLeading stacks the tensors and merges the new axis with the following one: n tensors shaped [b, ...]
// become one tensor shaped [n*b, ...].
func MergeLeading(ts []*tensors.Tensor) (*tensors.Tensor, error) {
	stacked, err := Stack(ts)
	if err != nil {
		return nil, err
	}
	dims := stacked.Shape().Dimensions
	if len(dims) < 2 {
		return nil, errors.New("xtensors.MergeLeading requires tensors of rank >= 1")
	}
	merged := append([]int{dims[0] * dims[1]}, dims[2:]...)
	return Reshape(stacked, merged...)
}

// SplitLeading is the inverse of MergeLeading: it splits t shaped [n*b, ...] in n tensors shaped [b, ...].
func SplitLeading(t *tensors.Tensor, n int) ([]*tensors.Tensor, error) {
	size, _, err := leadingAxis(t)
	if err != nil {
		return nil, err
	}
	if n <= 0 || size%n != 0 {
		return nil, errors.Errorf("xtensors.SplitLeading: leading axis of size %d can't be split in %d parts", size, n)
	}
	dims := t.Shape().Dimensions
	parts, err := Reshape(t, append([]int{n, size / n}, dims[1:]...)...)
	if err != nil {
		return nil, err
	}
	split := make([]*tensors.Tensor, n)
	for ii := range n {
		if split[ii], err = SliceLeading(parts, ii); err != nil {
			return nil, err
		}
	}
	return split, nil
}
