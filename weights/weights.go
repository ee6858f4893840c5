// Package weights saves and reads BERT model weights.
//
// A weights file is a msgpack stream: a header with the number of tensors, followed by one record per tensor
// with its "/" separated name, dtype, dimensions and flat data.
package weights

import (
	"bufio"
	"github.com/gomlx/bert/trees"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	"github.com/x448/float16"
	"io"
	"os"
	"path/filepath"
)

// Format identifies weights files.
const Format = "bert-weights"

// Version of the weights file format.
const Version = 1

type header struct {
	Format  string `msgpack:"format"`
	Version int    `msgpack:"version"`
	Count   int    `msgpack:"count"`
}

// record of one tensor. Only one of the data fields is set, according to DType.
type record struct {
	Name    string    `msgpack:"name"`
	DType   string    `msgpack:"dtype"`
	Dims    []int     `msgpack:"dims"`
	Float32 []float32 `msgpack:"f32,omitempty"`
	Float16 []uint16  `msgpack:"f16,omitempty"`
	Int32   []int32   `msgpack:"i32,omitempty"`
}

func newRecord(name string, t *tensors.Tensor) (*record, error) {
	r := &record{Name: name, DType: t.DType().String(), Dims: t.Shape().Dimensions}
	switch t.DType() {
	case dtypes.Float32:
		tensors.ConstFlatData[float32](t, func(flat []float32) {
			r.Float32 = make([]float32, len(flat))
			copy(r.Float32, flat)
		})
	case dtypes.Float16:
		tensors.ConstFlatData[float16.Float16](t, func(flat []float16.Float16) {
			r.Float16 = make([]uint16, len(flat))
			for ii, v := range flat {
				r.Float16[ii] = v.Bits()
			}
		})
	case dtypes.Int32:
		tensors.ConstFlatData[int32](t, func(flat []int32) {
			r.Int32 = make([]int32, len(flat))
			copy(r.Int32, flat)
		})
	default:
		return nil, errors.Errorf("weight %q has unsupported dtype %s", name, t.DType())
	}
	return r, nil
}

func (r *record) tensor() (*tensors.Tensor, error) {
	size := 1
	for _, dim := range r.Dims {
		size *= dim
	}
	var t *tensors.Tensor
	var length int
	switch r.DType {
	case dtypes.Float32.String():
		length = len(r.Float32)
		if length == size {
			t = tensors.FromFlatDataAndDimensions(r.Float32, r.Dims...)
		}
	case dtypes.Float16.String():
		length = len(r.Float16)
		if length == size {
			values := make([]float16.Float16, length)
			for ii, bits := range r.Float16 {
				values[ii] = float16.Frombits(bits)
			}
			t = tensors.FromFlatDataAndDimensions(values, r.Dims...)
		}
	case dtypes.Int32.String():
		length = len(r.Int32)
		if length == size {
			t = tensors.FromFlatDataAndDimensions(r.Int32, r.Dims...)
		}
	default:
		return nil, errors.Errorf("weight %q has unsupported dtype %q", r.Name, r.DType)
	}
	if t == nil {
		return nil, errors.Errorf("weight %q has %d values, but dimensions %v require %d", r.Name, length, r.Dims, size)
	}
	return t, nil
}

// countingWriter counts the bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Save writes the weights in tree to filePath, creating its directory if needed.
// It returns the number of bytes written.
func Save(filePath string, tree *trees.Tree[*tensors.Tensor]) (int64, error) {
	filePath = data.ReplaceTildeInDir(filePath)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return 0, errors.Wrapf(err, "failed to create directory for weights file %q", filePath)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create weights file %q", filePath)
	}
	buffered := bufio.NewWriter(f)
	counter := &countingWriter{w: buffered}
	err = encode(counter, tree)
	if err == nil {
		err = buffered.Flush()
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return counter.n, errors.Wrapf(err, "failed to write weights file %q", filePath)
	}
	return counter.n, nil
}

func encode(w io.Writer, tree *trees.Tree[*tensors.Tensor]) error {
	enc := msgpack.NewEncoder(w)
	if err := enc.Encode(&header{Format: Format, Version: Version, Count: tree.NumLeaves()}); err != nil {
		return err
	}
	for p, t := range tree.OrderedLeaves() {
		r, err := newRecord(p.String(), t)
		if err != nil {
			return err
		}
		if err = enc.Encode(r); err != nil {
			return errors.Wrapf(err, "encoding weight %q", p)
		}
	}
	return nil
}

// Read the weights saved with Save in filePath.
func Read(filePath string) (*trees.Tree[*tensors.Tensor], error) {
	tree := trees.New[*tensors.Tensor]()
	err := decode(filePath, func(r *record) error {
		t, err := r.tensor()
		if err != nil {
			return err
		}
		return tree.Set(trees.ParsePath(r.Name), t)
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// decode calls recordFn for each record in the weights file.
func decode[R any](filePath string, recordFn func(r *R) error) error {
	filePath = data.ReplaceTildeInDir(filePath)
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open weights file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := msgpack.NewDecoder(bufio.NewReader(f))
	var h header
	if err = dec.Decode(&h); err != nil {
		return errors.Wrapf(err, "failed to read header of weights file %q", filePath)
	}
	if h.Format != Format || h.Version != Version {
		return errors.Errorf("%q is not a weights file (format %q, version %d)", filePath, h.Format, h.Version)
	}
	for ii := range h.Count {
		r := new(R)
		if err = dec.Decode(r); err != nil {
			return errors.Wrapf(err, "failed to read weight #%d of %q", ii, filePath)
		}
		if err = recordFn(r); err != nil {
			return errors.WithMessagef(err, "in weights file %q", filePath)
		}
	}
	return nil
}
