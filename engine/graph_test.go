package engine

import (
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/data"
	"github.com/gomlx/bert/optimizer"
	"github.com/gomlx/bert/options"
	"github.com/gomlx/bert/weights"
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// tinyOptions configures a model small enough to compile and run quickly.
func tinyOptions(task bert.TaskType, inference bool) *options.Options {
	opts := &options.Options{
		Config: bert.Config{
			Task:                task,
			DType:               dtypes.Float32,
			VocabLength:         32,
			HiddenSize:          8,
			SequenceLength:      8,
			MaxPositionalLength: 16,
			FFSize:              16,
			AttentionHeads:      2,
			NumLayers:           1,
			LayersPerIPU:        1,
			MaskTokens:          2,
			BatchSize:           2,
			CustomOps:           []string{bert.CustomOpGather},
			NoDropout:           true,
			LayerNormEpsilon:    1e-3,
		},
		Inference:                  inference,
		Epochs:                     1,
		BatchesPerStep:             2,
		GradientAccumulationFactor: 2,
		ReplicationFactor:          1,
		StepsPerLog:                1,
		SyntheticData:              true,
		SyntheticSteps:             1,
		Seed:                       1,
	}
	opts.Optimizer.LearningRate = 0.01
	return opts
}

func backendOrSkip(t *testing.T) backends.Backend {
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() { backend = backends.New() })
	if err != nil {
		t.Skipf("no backend available: %v", err)
	}
	return backend
}

func firstBatch(t *testing.T, opts *options.Options) data.Batch {
	ds, err := data.NewSynthetic(opts)
	require.NoError(t, err)
	for batch, err := range ds.Batches() {
		require.NoError(t, err)
		return batch
	}
	t.Fatal("no batches")
	return nil
}

func TestGraphSessionTraining(t *testing.T) {
	backend := backendOrSkip(t)
	opts := tinyOptions(bert.Pretraining, false)
	snapshot := &optimizer.Snapshot{Kind: optimizer.SGD, LearningRate: 0.01, LossScaling: 1}
	session, err := NewGraphSession(backend, opts, nil, snapshot)
	require.NoError(t, err)
	require.Equal(t, 2, session.BatchesPerStep())

	batch := firstBatch(t, opts)
	require.NoError(t, session.Run(NewSyncStepIO(batch, session.Anchors())))
	values, err := session.Anchors().Values()
	require.NoError(t, err)
	// 4 micro-batches per step (2 batches x 2 accumulated), each of 2 examples with 2 masked tokens.
	require.Equal(t, []int{4, 2, 2}, values[bert.OutputMLMLoss].Shape().Dimensions)
	require.Equal(t, []int{4, 2}, values[bert.OutputNSPPredictions].Shape().Dimensions)
	require.Equal(t, dtypes.Int32, values[bert.OutputMLMPredictions].DType())

	require.NoError(t, session.UpdateOptimizer(optimizer.Snapshot{Kind: optimizer.SGD, LearningRate: 0.001}))
	require.NoError(t, session.OptimizerFromHost())
	require.Error(t, session.UpdateOptimizer(optimizer.Snapshot{Kind: optimizer.Adam}))

	_, err = session.CycleCount()
	require.True(t, errors.Is(err, ErrCycleCountUnavailable))

	dir := t.TempDir()
	weightsPath := filepath.Join(dir, "model.ckpt")
	require.NoError(t, session.SaveWeights(weightsPath))
	saved, err := weights.Read(weightsPath)
	require.NoError(t, err)
	qkv, found := saved.Get([]string{"Layer0", "Attention", "QKV"})
	require.True(t, found)
	require.Equal(t, []int{8, 24}, qkv.Shape().Dimensions)
	embedding, found := saved.Get([]string{"Embedding", "Embedding_Dict"})
	require.True(t, found)
	require.Equal(t, []int{8, 32}, embedding.Shape().Dimensions, "gather embeddings are stored transposed")

	// A new session initialized from the saved weights.
	_, err = NewGraphSession(backend, opts, saved, nil)
	require.NoError(t, err)

	require.NoError(t, session.WriteProfile(dir))
	_, err = os.Stat(filepath.Join(dir, ProfileFileName))
	require.NoError(t, err)
}

func TestGraphSessionSquadInference(t *testing.T) {
	backend := backendOrSkip(t)
	opts := tinyOptions(bert.Squad, true)
	opts.GradientAccumulationFactor = 1
	session, err := NewGraphSession(backend, opts, nil, nil)
	require.NoError(t, err)
	require.Error(t, session.UpdateOptimizer(optimizer.Snapshot{}))

	batch := firstBatch(t, opts)
	io := NewCallbackStepIO(session.Anchors())
	io.SetBatch(batch)
	require.NoError(t, session.Run(io))
	startTimes, endTimes := io.Timestamps()
	require.Len(t, startTimes[bert.InputIndices], 2)
	require.Len(t, endTimes[bert.OutputStartLogits], 2)

	values, err := session.Anchors().Values()
	require.NoError(t, err)
	start := values[bert.OutputStartLogits]
	require.Equal(t, []int{2, 2, 8}, start.Shape().Dimensions)
	for _, value := range mustFloat32s(t, start) {
		require.False(t, math.IsNaN(float64(value)))
	}
}

func mustFloat32s(t *testing.T, value *tensors.Tensor) []float32 {
	values, err := xtensors.Float32s(value)
	require.NoError(t, err)
	return values
}
