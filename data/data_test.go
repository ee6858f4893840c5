package data

import (
	"fmt"
	"github.com/goccy/go-json"
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/options"
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func smallOptions(task bert.TaskType) *options.Options {
	opts := &options.Options{
		Config:                     *bert.DefaultConfig(),
		Epochs:                     1,
		BatchesPerStep:             2,
		GradientAccumulationFactor: 2,
		ReplicationFactor:          1,
		SyntheticData:              true,
		SyntheticSteps:             3,
		Seed:                       42,
	}
	opts.Config.Task = task
	opts.Config.BatchSize = 2
	opts.Config.SequenceLength = 8
	opts.Config.MaskTokens = 3
	opts.Config.VocabLength = 50
	return opts
}

func collect(t *testing.T, ds Dataset) []Batch {
	var batches []Batch
	for batch, err := range ds.Batches() {
		require.NoError(t, err)
		batches = append(batches, batch)
	}
	return batches
}

func TestSyntheticPretraining(t *testing.T) {
	opts := smallOptions(bert.Pretraining)
	ds, err := NewSynthetic(opts)
	require.NoError(t, err)
	require.Equal(t, 3, ds.Len())
	require.Equal(t, 2, ds.BatchesPerStep())

	batches := collect(t, ds)
	require.Len(t, batches, 3)
	for _, batch := range batches {
		require.Equal(t, []int{4, 2, 8}, batch[bert.InputIndices].Shape().Dimensions)
		require.Equal(t, []int{4, 2}, batch[bert.InputMaskTokensMaskIdx].Shape().Dimensions)
		require.Equal(t, []int{4, 2, 3}, batch[bert.LabelMask].Shape().Dimensions)
		allZero, err := batch.AllZero(bert.LabelNames(bert.Pretraining, false))
		require.NoError(t, err)
		require.False(t, allZero)

		maskLabels, err := xtensors.Int32s(batch[bert.LabelMask])
		require.NoError(t, err)
		numMasked, err := xtensors.Int32s(batch[bert.InputMaskTokensMaskIdx])
		require.NoError(t, err)
		for ii, n := range numMasked {
			require.NotZero(t, maskLabels[ii*3], "first masked token must always be a valid label")
			for jj := int(n); jj < 3; jj++ {
				require.Zero(t, maskLabels[ii*3+jj])
			}
		}
	}

	// Same seed, same batches on every epoch.
	again := collect(t, ds)
	first, err := xtensors.Int32s(batches[0][bert.InputIndices])
	require.NoError(t, err)
	second, err := xtensors.Int32s(again[0][bert.InputIndices])
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSyntheticSquadInference(t *testing.T) {
	opts := smallOptions(bert.Squad)
	opts.Inference = true
	ds, err := NewSynthetic(opts)
	require.NoError(t, err)
	batch := collect(t, ds)[0]
	require.Contains(t, batch, bert.InputSeqPadIdx)
	require.NotContains(t, batch, bert.LabelStart)

	opts.Inference = false
	ds, err = NewSynthetic(opts)
	require.NoError(t, err)
	batch = collect(t, ds)[0]
	starts, err := xtensors.Int32s(batch[bert.LabelStart])
	require.NoError(t, err)
	ends, err := xtensors.Int32s(batch[bert.LabelEnd])
	require.NoError(t, err)
	padIdx, err := xtensors.Int32s(batch[bert.InputSeqPadIdx])
	require.NoError(t, err)
	for ii := range starts {
		require.LessOrEqual(t, starts[ii], ends[ii])
		require.Less(t, ends[ii], padIdx[ii])
	}
}

func TestBatchHelpers(t *testing.T) {
	batch := Batch{
		"a": tensors.FromFlatDataAndDimensions([]int32{0, 0, 0, 0}, 2, 2),
		"b": tensors.FromFlatDataAndDimensions([]int32{0, 1, 2, 3}, 2, 2),
	}
	allZero, err := batch.AllZero([]string{"a"})
	require.NoError(t, err)
	require.True(t, allZero)
	allZero, err = batch.AllZero([]string{"a", "b"})
	require.NoError(t, err)
	require.False(t, allZero)
	_, err = batch.AllZero([]string{"c"})
	require.Error(t, err)

	selected, err := batch.Select([]string{"b"})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	_, err = batch.Select([]string{"c"})
	require.Error(t, err)

	micro, err := batch.MicroBatch(1)
	require.NoError(t, err)
	values, err := xtensors.Int32s(micro["b"])
	require.NoError(t, err)
	require.Equal(t, []int32{2, 3}, values)
}

func TestSliceDatasetStopsEarly(t *testing.T) {
	ds := &SliceDataset{Steps: []Batch{{}, {}, {}}, NumBatchesPerStep: 1}
	require.Equal(t, 3, ds.Len())
	count := 0
	for range ds.Batches() {
		count++
		if count == 2 {
			break
		}
	}
	require.Equal(t, 2, count)
}

func writeExamples(t *testing.T, examples []Example) string {
	filePath := filepath.Join(t.TempDir(), "examples.jsonl")
	var sb strings.Builder
	for _, example := range examples {
		line, err := json.Marshal(&example)
		require.NoError(t, err)
		sb.Write(line)
		sb.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(filePath, []byte(sb.String()), 0o644))
	return filePath
}

func TestJSONLDataset(t *testing.T) {
	opts := smallOptions(bert.Pretraining)
	opts.SyntheticData = false
	opts.BatchesPerStep = 1
	opts.GradientAccumulationFactor = 1
	var examples []Example
	for ii := range 5 {
		examples = append(examples, Example{
			UniqueID:          int64(100 + ii),
			Indices:           []int32{1, 2, 3, 99, 5, 6, 7, 8, 9, 10},
			Segments:          []int32{0, 0, 1},
			MaskTokensMaskIdx: 2,
			SequenceMaskIdx:   6,
			MaskLabels:        []int32{4, 77},
			NSPLabel:          1,
		})
	}
	opts.InputFiles = []string{writeExamples(t, examples)}
	ds, err := NewJSONLDataset(opts)
	require.NoError(t, err)
	require.Len(t, ds.Examples, 5)
	require.Equal(t, 2, ds.Len(), "last example doesn't fill a step")

	batches := collect(t, ds)
	require.Len(t, batches, 2)
	batch := batches[1]
	indices, err := xtensors.Int32s(batch[bert.InputIndices])
	require.NoError(t, err)
	require.Equal(t, []int32{1, 2, 3, 0, 5, 6, 7, 8}, indices[:8], "cropped, out of vocabulary replaced by 0")
	positions, err := xtensors.Int32s(batch[bert.InputPositions])
	require.NoError(t, err)
	require.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7}, positions[:8])
	segments, err := xtensors.Int32s(batch[bert.InputSegments])
	require.NoError(t, err)
	require.Equal(t, []int32{0, 0, 1, 0, 0, 0, 0, 0}, segments[:8])
	maskLabels, err := xtensors.Int32s(batch[bert.LabelMask])
	require.NoError(t, err)
	require.Equal(t, []int32{4, 0, 0, 4, 0, 0}, maskLabels)
	var ids []int64
	tensors.ConstFlatData[int64](batch[UniqueIDs], func(flat []int64) { ids = append(ids, flat...) })
	require.Equal(t, []int64{102, 103}, ids)

	// Not enough examples for a step.
	opts.BatchesPerStep = 4
	_, err = NewJSONLDataset(opts)
	require.Error(t, err)

	badPath := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(badPath, []byte("{not json\n"), 0o644))
	_, err = ReadExamples(badPath)
	require.Error(t, err)
}

func TestJSONLResultSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	sink, err := NewJSONLResultSink(dir)
	require.NoError(t, err)
	// 1 micro-batch of 2 examples, sequence length 3.
	batch := Batch{UniqueIDs: tensors.FromFlatDataAndDimensions([]int64{7, 8}, 1, 2)}
	results := map[string]*tensors.Tensor{
		bert.OutputStartLogits: tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3),
		bert.OutputEndLogits:   tensors.FromFlatDataAndDimensions([]float32{6, 5, 4, 3, 2, 1}, 1, 2, 3),
	}
	require.NoError(t, sink.AddResults(batch, results))
	require.Equal(t, 2, sink.NumResults())
	require.Error(t, sink.AddResults(batch, map[string]*tensors.Tensor{}))
	require.NoError(t, sink.WritePredictions())

	examples, err := os.ReadFile(sink.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(examples)), "\n")
	require.Len(t, lines, 2)
	var result RawResult
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &result))
	require.Equal(t, int64(8), result.UniqueID)
	require.Equal(t, []float32{4, 5, 6}, result.StartLogits)
	require.Equal(t, []float32{3, 2, 1}, result.EndLogits, fmt.Sprintf("line: %s", lines[1]))
}
