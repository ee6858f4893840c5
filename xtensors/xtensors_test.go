package xtensors

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"testing"
)

func TestCloneDoesNotAlias(t *testing.T) {
	src := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	clone, err := Clone(src)
	require.NoError(t, err)
	tensors.MutableFlatData[float32](src, func(flat []float32) { flat[0] = 100 })
	values, err := Float32s(clone)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4}, values)
	require.Equal(t, []int{2, 2}, clone.Shape().Dimensions)
}

func TestToFloat16(t *testing.T) {
	src := tensors.FromFlatDataAndDimensions([]float32{0.5, -2, 1024}, 3)
	narrow, err := ToFloat16(src)
	require.NoError(t, err)
	require.Equal(t, dtypes.Float16, narrow.DType())
	values, err := Float32s(narrow)
	require.NoError(t, err)
	require.Equal(t, []float32{0.5, -2, 1024}, values)

	_, err = ToFloat16(narrow)
	require.Error(t, err, "Float16 can't be narrowed further")
}

func TestSliceAndStack(t *testing.T) {
	src := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 3, 2)
	second, err := SliceLeading(src, 1)
	require.NoError(t, err)
	values, err := Int32s(second)
	require.NoError(t, err)
	require.Equal(t, []int32{3, 4}, values)
	_, err = SliceLeading(src, 3)
	require.Error(t, err)

	var parts []*tensors.Tensor
	for ii := range 3 {
		parts = append(parts, must1(t)(SliceLeading(src, ii)))
	}
	stacked, err := Stack(parts)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, stacked.Shape().Dimensions)
	values, err = Int32s(stacked)
	require.NoError(t, err)
	require.Equal(t, []int32{1, 2, 3, 4, 5, 6}, values)
}

func must1(t *testing.T) func(*tensors.Tensor, error) *tensors.Tensor {
	return func(value *tensors.Tensor, err error) *tensors.Tensor {
		require.NoError(t, err)
		return value
	}
}

func TestAllEqual(t *testing.T) {
	allZeros, err := AllEqual(tensors.FromFlatDataAndDimensions([]int32{0, 0, 0}, 3), 0)
	require.NoError(t, err)
	require.True(t, allZeros)
	allZeros, err = AllEqual(tensors.FromFlatDataAndDimensions([]int64{0, 7, 0}, 3), 0)
	require.NoError(t, err)
	require.False(t, allZeros)
}

func TestTranspose2D(t *testing.T) {
	src := tensors.FromFlatDataAndDimensions([]float16.Float16{
		float16.Fromfloat32(1), float16.Fromfloat32(2), float16.Fromfloat32(3),
		float16.Fromfloat32(4), float16.Fromfloat32(5), float16.Fromfloat32(6),
	}, 2, 3)
	transposed, err := Transpose2D(src)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, transposed.Shape().Dimensions)
	values, err := Float32s(transposed)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 4, 2, 5, 3, 6}, values)
}

func TestResizeRows(t *testing.T) {
	src := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	padded, err := ResizeRows(src, 3)
	require.NoError(t, err)
	values, _ := Float32s(padded)
	require.Equal(t, []float32{1, 2, 3, 4, 0, 0}, values)

	cropped, err := ResizeRows(src, 1)
	require.NoError(t, err)
	values, _ = Float32s(cropped)
	require.Equal(t, []float32{1, 2}, values)
}

func TestPutColumns(t *testing.T) {
	dst := NewMatrix(dtypes.Float32, 2, 4)
	src := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, PutColumns(dst, src, 2))
	values, _ := Float32s(dst)
	require.Equal(t, []float32{0, 0, 1, 2, 0, 0, 3, 4}, values)

	require.Error(t, PutColumns(dst, src, 3), "doesn't fit")
	require.Error(t, PutColumns(dst, tensors.FromFlatDataAndDimensions([]int32{1, 2}, 2, 1), 0), "dtype mismatch")
}

func TestMergeAndSplitLeading(t *testing.T) {
	a := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	b := tensors.FromFlatDataAndDimensions([]float32{5, 6, 7, 8}, 2, 2)
	merged, err := MergeLeading([]*tensors.Tensor{a, b})
	require.NoError(t, err)
	require.Equal(t, []int{4, 2}, merged.Shape().Dimensions)
	values, err := Float32s(merged)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, values)

	split, err := SplitLeading(merged, 2)
	require.NoError(t, err)
	require.Len(t, split, 2)
	require.Equal(t, []int{2, 2}, split[1].Shape().Dimensions)
	values, err = Float32s(split[1])
	require.NoError(t, err)
	require.Equal(t, []float32{5, 6, 7, 8}, values)

	_, err = SplitLeading(merged, 3)
	require.Error(t, err)
	_, err = Reshape(merged, 3, 3)
	require.Error(t, err)
}
