package tfimport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"github.com/goccy/go-json"
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/trees"
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func smallConfig() *bert.Config {
	c := bert.DefaultConfig()
	c.NumLayers = 1
	c.HiddenSize = 2
	c.AttentionHeads = 1
	c.VocabLength = 3
	c.CustomOps = nil
	return c
}

func matrix(rows, cols int, start float32) *tensors.Tensor {
	data := make([]float32, rows*cols)
	for ii := range data {
		data[ii] = start + float32(ii)
	}
	return tensors.FromFlatDataAndDimensions(data, rows, cols)
}

func values(t *testing.T, tree *trees.Tree[*tensors.Tensor], name string) ([]float32, []int) {
	tensor, found := tree.Get(trees.ParsePath(name))
	require.Truef(t, found, "initializer %q not found", name)
	v, err := xtensors.Float32s(tensor)
	require.NoError(t, err)
	return v, tensor.Shape().Dimensions
}

func TestMapping(t *testing.T) {
	config := smallConfig()
	config.NumLayers = 2
	mapping := Mapping(config)
	require.Equal(t, bert.EmbeddingDict, mapping["bert/embeddings/word_embeddings"])
	require.Equal(t, "Layer1/Attention/QKV", mapping["bert/encoder/layer_1/attention/self/key/kernel"])
	require.Equal(t, "Layer0/FF/2/B", mapping["bert/encoder/layer_0/output/dense/bias"])
	require.Equal(t, bert.CLSBeta, mapping["cls/predictions/transform/LayerNorm/beta"])
	require.Len(t, mapping, 11+2*12)
}

func TestQKVOrderIndependence(t *testing.T) {
	config := smallConfig()
	mapping := Mapping(config)
	parts := map[string]*tensors.Tensor{
		"bert/encoder/layer_0/attention/self/query/kernel": matrix(2, 2, 0),
		"bert/encoder/layer_0/attention/self/key/kernel":   matrix(2, 2, 10),
		"bert/encoder/layer_0/attention/self/value/kernel": matrix(2, 2, 20),
	}
	orders := [][]string{
		{"query", "key", "value"},
		{"value", "query", "key"},
		{"key", "value", "query"},
	}
	var want []float32
	for _, order := range orders {
		var names []string
		var arrays []*tensors.Tensor
		for _, part := range order {
			name := fmt.Sprintf("bert/encoder/layer_0/attention/self/%s/kernel", part)
			names = append(names, name)
			arrays = append(arrays, parts[name])
		}
		tree, err := GenerateInitializers(mapping, config, names, arrays)
		require.NoError(t, err)
		got, dims := values(t, tree, "Layer0/Attention/QKV")
		require.Equal(t, []int{2, 6}, dims)
		if want == nil {
			want = got
			require.Equal(t, []float32{0, 1, 10, 11, 20, 21, 2, 3, 12, 13, 22, 23}, want)
		}
		require.Equalf(t, want, got, "order %v", order)
	}

	// Missing part.
	_, err := GenerateInitializers(mapping, config,
		[]string{"bert/encoder/layer_0/attention/self/query/kernel"},
		[]*tensors.Tensor{matrix(2, 2, 0)})
	require.ErrorContains(t, err, "missing")
}

func TestVocabularyPadAndCrop(t *testing.T) {
	config := smallConfig()
	mapping := Mapping(config)
	name := []string{"bert/embeddings/word_embeddings"}

	// Checkpoint vocabulary smaller than the model's: padded.
	tree, err := GenerateInitializers(mapping, config, name, []*tensors.Tensor{matrix(2, 2, 1)})
	require.NoError(t, err)
	got, dims := values(t, tree, bert.EmbeddingDict)
	require.Equal(t, []int{3, 2}, dims)
	require.Equal(t, []float32{1, 2, 3, 4, 0, 0}, got)

	// Larger: cropped.
	tree, err = GenerateInitializers(mapping, config, name, []*tensors.Tensor{matrix(5, 2, 1)})
	require.NoError(t, err)
	got, dims = values(t, tree, bert.EmbeddingDict)
	require.Equal(t, []int{3, 2}, dims)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, got)

	// Other tensors are never resized.
	tree, err = GenerateInitializers(mapping, config, []string{"bert/embeddings/position_embeddings"},
		[]*tensors.Tensor{matrix(5, 2, 1)})
	require.NoError(t, err)
	_, dims = values(t, tree, bert.PositionalDict)
	require.Equal(t, []int{5, 2}, dims)
}

func TestGatherTranspose(t *testing.T) {
	config := smallConfig()
	config.CustomOps = []string{bert.CustomOpGather}
	mapping := Mapping(config)
	names := []string{
		"bert/embeddings/word_embeddings",
		"bert/embeddings/position_embeddings",
		"bert/embeddings/token_type_embeddings",
	}
	arrays := []*tensors.Tensor{matrix(3, 2, 0), matrix(4, 2, 0), matrix(2, 2, 0)}
	tree, err := GenerateInitializers(mapping, config, names, arrays)
	require.NoError(t, err)
	got, dims := values(t, tree, bert.EmbeddingDict)
	require.Equal(t, []int{2, 3}, dims)
	require.Equal(t, []float32{0, 2, 4, 1, 3, 5}, got)
	_, dims = values(t, tree, bert.PositionalDict)
	require.Equal(t, []int{2, 4}, dims)
	got, dims = values(t, tree, bert.SegmentDict)
	require.Equal(t, []int{2, 2}, dims, "segment embeddings are never transposed")
	require.Equal(t, []float32{0, 1, 2, 3}, got)
}

func TestNarrowingAndCopies(t *testing.T) {
	config := smallConfig()
	config.DType = dtypes.Float16
	mapping := Mapping(config)
	gamma := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	tree, err := GenerateInitializers(mapping, config,
		[]string{"bert/embeddings/LayerNorm/gamma", "unknown/variable"},
		[]*tensors.Tensor{gamma, matrix(1, 1, 0)})
	require.NoError(t, err)
	require.Equal(t, 1, tree.NumLeaves(), "unknown names are ignored")
	converted, _ := tree.Get(trees.ParsePath(bert.EmbeddingGamma))
	require.Equal(t, dtypes.Float16, converted.DType())

	config.DType = dtypes.Float32
	tree, err = GenerateInitializers(mapping, config, []string{"bert/embeddings/LayerNorm/gamma"}, []*tensors.Tensor{gamma})
	require.NoError(t, err)
	tensors.MutableFlatData[float32](gamma, func(flat []float32) { flat[0] = 100 })
	got, _ := values(t, tree, bert.EmbeddingGamma)
	require.Equal(t, []float32{1, 2}, got, "initializers must not alias the checkpoint arrays")
}

func TestUnavailableReader(t *testing.T) {
	_, err := LoadInitializersFrom(Unavailable("no TensorFlow"), smallConfig())
	require.True(t, errors.Is(err, ErrReaderUnavailable))

	dir := t.TempDir()
	_, err = OpenReader(filepath.Join(dir, "model.ckpt-1000.index"))
	require.True(t, errors.Is(err, ErrReaderUnavailable))
	_, err = LoadInitializers(filepath.Join(dir, "model.ckpt"), smallConfig())
	require.True(t, errors.Is(err, ErrReaderUnavailable))
	_, err = OpenReader(filepath.Join(dir, "weights.bin"))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrReaderUnavailable))
}

type safetensorsEntry struct {
	dtype string
	shape []int
	raw   []byte
}

// writeSafetensors writes float32 tensors in the ".safetensors" format.
func writeSafetensors(t *testing.T, filePath string, variables map[string][]float32, shapes map[string][]int) {
	entries := make(map[string]safetensorsEntry, len(variables))
	for name, data := range variables {
		var raw bytes.Buffer
		require.NoError(t, binary.Write(&raw, binary.LittleEndian, data))
		entries[name] = safetensorsEntry{dtype: "F32", shape: shapes[name], raw: raw.Bytes()}
	}
	writeSafetensorsEntries(t, filePath, entries)
}

func writeSafetensorsEntries(t *testing.T, filePath string, entries map[string]safetensorsEntry) {
	header := make(map[string]any)
	var payload bytes.Buffer
	for _, name := range xslices.SortedKeys(entries) {
		entry := entries[name]
		start := payload.Len()
		payload.Write(entry.raw)
		shape := entry.shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = map[string]any{
			"dtype":        entry.dtype,
			"shape":        shape,
			"data_offsets": []int{start, payload.Len()},
		}
	}
	header["__metadata__"] = map[string]string{"format": "tf"}
	headerBytes, err := json.Marshal(header)
	require.NoError(t, err)
	var contents bytes.Buffer
	require.NoError(t, binary.Write(&contents, binary.LittleEndian, uint64(len(headerBytes))))
	contents.Write(headerBytes)
	contents.Write(payload.Bytes())
	require.NoError(t, os.WriteFile(filePath, contents.Bytes(), 0o644))
}

func TestSafetensorsReader(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "bert.safetensors")
	writeSafetensors(t, filePath,
		map[string][]float32{
			"bert/embeddings/LayerNorm/beta": {0.5, -0.5},
			"global_step":                    {7},
		},
		map[string][]int{
			"bert/embeddings/LayerNorm/beta": {2},
			"global_step":                    {},
		})

	reader, err := OpenReader(filePath)
	require.NoError(t, err)
	infos, err := reader.Variables()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, "bert/embeddings/LayerNorm/beta", infos[0].Name)
	require.Equal(t, []int{2}, infos[0].Shape.Dimensions)

	tree, err := LoadInitializers(filePath, smallConfig())
	require.NoError(t, err)
	require.Equal(t, 1, tree.NumLeaves())
	got, _ := values(t, tree, bert.EmbeddingBeta)
	require.Equal(t, []float32{0.5, -0.5}, got)

	_, err = reader.Load("missing")
	require.Error(t, err)
}

func TestSafetensorsReaderDTypes(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "mixed.safetensors")
	var f64 bytes.Buffer
	require.NoError(t, binary.Write(&f64, binary.LittleEndian, []float64{1.5, -2}))
	writeSafetensorsEntries(t, filePath, map[string]safetensorsEntry{
		// 1.0 and -2.0 in bfloat16.
		"bf16": {dtype: "BF16", shape: []int{2}, raw: []byte{0x80, 0x3f, 0x00, 0xc0}},
		"f64":  {dtype: "F64", shape: []int{2}, raw: f64.Bytes()},
		"i8":   {dtype: "I8", shape: []int{1, 2}, raw: []byte{3, 0xfc}},
		"u8":   {dtype: "U8", shape: []int{3}, raw: []byte{1, 2, 255}},
	})

	reader, err := OpenSafetensors(filePath)
	require.NoError(t, err)
	infos, err := reader.Variables()
	require.NoError(t, err)
	require.Len(t, infos, 4)
	require.Equal(t, "bf16", infos[0].Name)
	require.Equal(t, dtypes.Float32, infos[0].Shape.DType)
	require.Equal(t, dtypes.Float32, infos[1].Shape.DType)
	require.Equal(t, dtypes.Int8, infos[2].Shape.DType)
	require.Equal(t, []int{1, 2}, infos[2].Shape.Dimensions)

	bf16, err := reader.Load("bf16")
	require.NoError(t, err)
	require.Equal(t, []float32{1, -2}, bf16.Value())
	f64Tensor, err := reader.Load("f64")
	require.NoError(t, err)
	require.Equal(t, []float32{1.5, -2}, f64Tensor.Value())
	i8, err := reader.Load("i8")
	require.NoError(t, err)
	require.Equal(t, [][]int8{{3, -4}}, i8.Value())
	u8, err := reader.Load("u8")
	require.NoError(t, err)
	require.Equal(t, []uint8{1, 2, 255}, u8.Value())
}

func TestSafetensorsReaderInvalid(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "truncated.safetensors")
	require.NoError(t, os.WriteFile(filePath, []byte{1, 2, 3}, 0o644))
	_, err := OpenSafetensors(filePath)
	require.Error(t, err)
	_, err = OpenSafetensors(filepath.Join(t.TempDir(), "missing.safetensors"))
	require.Error(t, err)
}
