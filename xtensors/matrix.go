package xtensors

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

func matrixDims(t *tensors.Tensor, op string) (rows, cols int, err error) {
	dims := t.Shape().Dimensions
	if len(dims) != 2 {
		return 0, 0, errors.Errorf("xtensors.%s requires a matrix (rank-2 tensor), got shape %s", op, t.Shape())
	}
	return dims[0], dims[1], nil
}

// Transpose2D returns a new transposed copy of the matrix t.
func Transpose2D(t *tensors.Tensor) (*tensors.Tensor, error) {
	if _, _, err := matrixDims(t, "Transpose2D"); err != nil {
		return nil, err
	}
	switch t.DType() {
	case dtypes.Float32:
		return transposeT[float32](t), nil
	case dtypes.Float16:
		return transposeT[float16.Float16](t), nil
	case dtypes.Int32:
		return transposeT[int32](t), nil
	case dtypes.Int64:
		return transposeT[int64](t), nil
	}
	return nil, unsupported(t, "Transpose2D")
}

func transposeT[T Number](t *tensors.Tensor) *tensors.Tensor {
	rows, cols, _ := matrixDims(t, "Transpose2D")
	data := make([]T, rows*cols)
	tensors.ConstFlatData[T](t, func(flat []T) {
		for row := range rows {
			for col := range cols {
				data[col*rows+row] = flat[row*cols+col]
			}
		}
	})
	return tensors.FromFlatDataAndDimensions(data, cols, rows)
}

// ResizeRows returns a new matrix with numRows rows: rows beyond numRows are dropped, and missing rows are
// filled with zeros.
func ResizeRows(t *tensors.Tensor, numRows int) (*tensors.Tensor, error) {
	if _, _, err := matrixDims(t, "ResizeRows"); err != nil {
		return nil, err
	}
	if numRows <= 0 {
		return nil, errors.Errorf("xtensors.ResizeRows: invalid number of rows %d", numRows)
	}
	switch t.DType() {
	case dtypes.Float32:
		return resizeRowsT[float32](t, numRows), nil
	case dtypes.Float16:
		return resizeRowsT[float16.Float16](t, numRows), nil
	case dtypes.Int32:
		return resizeRowsT[int32](t, numRows), nil
	case dtypes.Int64:
		return resizeRowsT[int64](t, numRows), nil
	}
	return nil, unsupported(t, "ResizeRows")
}

func resizeRowsT[T Number](t *tensors.Tensor, numRows int) *tensors.Tensor {
	rows, cols, _ := matrixDims(t, "ResizeRows")
	data := make([]T, numRows*cols)
	tensors.ConstFlatData[T](t, func(flat []T) {
		copy(data, flat[:min(rows, numRows)*cols])
	})
	return tensors.FromFlatDataAndDimensions(data, numRows, cols)
}

// NewMatrix returns a zero-filled matrix of the given dtype.
func NewMatrix(dtype dtypes.DType, rows, cols int) *tensors.Tensor {
	return tensors.FromShape(shapes.Make(dtype, rows, cols))
}

// PutColumns copies the matrix src into dst, starting at column colOffset of dst.
// Both matrices must have the same dtype and number of rows, and src must fit in dst.
func PutColumns(dst, src *tensors.Tensor, colOffset int) error {
	dstRows, dstCols, err := matrixDims(dst, "PutColumns")
	if err != nil {
		return err
	}
	srcRows, srcCols, err := matrixDims(src, "PutColumns")
	if err != nil {
		return err
	}
	if dst.DType() != src.DType() {
		return errors.Errorf("xtensors.PutColumns: dtype mismatch, dst is %s and src is %s", dst.DType(), src.DType())
	}
	if dstRows != srcRows || colOffset < 0 || colOffset+srcCols > dstCols {
		return errors.Errorf("xtensors.PutColumns: can't put %s at column %d of %s", src.Shape(), colOffset, dst.Shape())
	}
	switch dst.DType() {
	case dtypes.Float32:
		putColumnsT[float32](dst, src, colOffset)
	case dtypes.Float16:
		putColumnsT[float16.Float16](dst, src, colOffset)
	case dtypes.Int32:
		putColumnsT[int32](dst, src, colOffset)
	case dtypes.Int64:
		putColumnsT[int64](dst, src, colOffset)
	default:
		return unsupported(dst, "PutColumns")
	}
	return nil
}

func putColumnsT[T Number](dst, src *tensors.Tensor, colOffset int) {
	rows, srcCols, _ := matrixDims(src, "PutColumns")
	dstCols := dst.Shape().Dimensions[1]
	tensors.ConstFlatData[T](src, func(srcFlat []T) {
		tensors.MutableFlatData[T](dst, func(dstFlat []T) {
			for row := range rows {
				start := row*dstCols + colOffset
				copy(dstFlat[start:start+srcCols], srcFlat[row*srcCols:(row+1)*srcCols])
			}
		})
	})
}
