package weights

import (
	"github.com/gomlx/bert/trees"
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"os"
	"path/filepath"
	"testing"
)

func createWeights(t *testing.T) *trees.Tree[*tensors.Tensor] {
	tree, err := trees.FromFlat(map[string]*tensors.Tensor{
		"Embedding/Gamma": tensors.FromFlatDataAndDimensions([]float32{1, 3}, 2),
		"Layer0/FF/1/W": tensors.FromFlatDataAndDimensions(
			[]float16.Float16{float16.Fromfloat32(-1), float16.Fromfloat32(0.5)}, 1, 2),
		"Step": tensors.FromFlatDataAndDimensions([]int32{42}),
	})
	require.NoError(t, err)
	return tree
}

func TestSaveAndRead(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "ckpts", "model_1.ckpt")
	n, err := Save(filePath, createWeights(t))
	require.NoError(t, err)
	info, err := os.Stat(filePath)
	require.NoError(t, err)
	require.Equal(t, info.Size(), n)

	tree, err := Read(filePath)
	require.NoError(t, err)
	require.Equal(t, 3, tree.NumLeaves())

	ff, found := tree.Get(trees.ParsePath("Layer0/FF/1/W"))
	require.True(t, found)
	require.Equal(t, dtypes.Float16, ff.DType())
	require.Equal(t, []int{1, 2}, ff.Shape().Dimensions)
	values, err := xtensors.Float32s(ff)
	require.NoError(t, err)
	require.Equal(t, []float32{-1, 0.5}, values)

	step, _ := tree.Get(trees.ParsePath("Step"))
	require.Equal(t, 0, step.Shape().Rank())
	stepValue, err := xtensors.Int32s(step)
	require.NoError(t, err)
	require.Equal(t, []int32{42}, stepValue)

	entries, err := ReadMetadata(filePath)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "Embedding/Gamma", entries[0].Name)
	require.Equal(t, dtypes.Float32, entries[0].Shape.DType)
	require.Equal(t, "Layer0/FF/1/W", entries[1].Name)
}

func TestReadInvalidFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(filePath, []byte("not msgpack"), 0o644))
	_, err := Read(filePath)
	require.Error(t, err)
	_, err = Read(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

type scalar struct {
	name  string
	value float64
	step  int
}

type recordingWriter struct {
	scalars []scalar
}

func (w *recordingWriter) AddScalar(name string, value float64, step int) error {
	w.scalars = append(w.scalars, scalar{name, value, step})
	return nil
}

func TestStatistics(t *testing.T) {
	tree := createWeights(t)
	stats, err := Statistics(tree)
	require.NoError(t, err)
	gamma := stats["Embedding/Gamma"]
	require.InDelta(t, 2.0, gamma.Mean, 1e-9)
	require.InDelta(t, 1.0, gamma.Std, 1e-9)
	require.Equal(t, 1.0, gamma.Min)
	require.Equal(t, 3.0, gamma.Max)
	require.InDelta(t, 0.75, stats["Layer0/FF/1/W"].AbsMean, 1e-9)

	w := &recordingWriter{}
	require.NoError(t, WriteStatistics(w, tree, 10))
	require.Len(t, w.scalars, 6)
	require.Equal(t, scalar{"weights/Embedding/Gamma/mean", 2, 10}, w.scalars[0])
	require.Equal(t, "weights/Embedding/Gamma/std", w.scalars[1].name)
}
