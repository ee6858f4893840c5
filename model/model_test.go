package model

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func backendOrSkip(t *testing.T) backends.Backend {
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() { backend = backends.New() })
	if err != nil {
		t.Skipf("no backend available: %v", err)
	}
	return backend
}

func TestLengthMask(t *testing.T) {
	backend := backendOrSkip(t)
	exec := NewExec(backend, func(lengths *Node) *Node { return LengthMask(lengths, 4) })
	mask := exec.Call(tensors.FromValue([]int32{0, 2, 4}))[0]
	require.Equal(t, [][]bool{
		{false, false, false, false},
		{true, true, false, false},
		{true, true, true, true},
	}, mask.Value())
}

func TestPretrainingMask(t *testing.T) {
	backend := backendOrSkip(t)
	// 2 mask tokens at the start of sequences of 6 positions.
	exec := NewExec(backend, func(numMasked, seqLength *Node) *Node {
		return PretrainingMask(numMasked, seqLength, 2, 6)
	})
	mask := exec.Call(tensors.FromValue([]int32{1, 2}), tensors.FromValue([]int32{4, 6}))[0]
	require.Equal(t, [][]bool{
		{true, false, true, true, false, false},
		{true, true, true, true, true, true},
	}, mask.Value())
}

func TestGelu(t *testing.T) {
	backend := backendOrSkip(t)
	exec := NewExec(backend, Gelu)
	values := exec.Call(tensors.FromValue([]float32{-10, 0, 10}))[0].Value().([]float32)
	require.InDelta(t, 0, values[0], 1e-4)
	require.InDelta(t, 0, values[1], 1e-6)
	require.InDelta(t, 10, values[2], 1e-4)
}

func TestObjectiveLoss(t *testing.T) {
	backend := backendOrSkip(t)
	exec := NewExec(backend, func(logits, labels *Node) []*Node {
		outputs := make(map[string]*Node)
		sum, count := objectiveLoss(outputs, "loss", "predictions", logits, labels, 0)
		return []*Node{outputs["loss"], outputs["predictions"], sum, count}
	})
	// Probabilities of the first row are 1/4 and 3/4; the label of the second row is ignored.
	logThree := float32(math.Log(3))
	results := exec.Call(
		tensors.FromValue([][]float32{{0, logThree}, {5, 0}}),
		tensors.FromValue([]int32{1, 0}))
	losses := results[0].Value().([]float32)
	require.InDelta(t, -math.Log(0.75), losses[0], 1e-5)
	require.Equal(t, float32(0), losses[1])
	require.Equal(t, []int32{1, 0}, results[1].Value())
	require.InDelta(t, -math.Log(0.75), results[2].Value(), 1e-5)
	require.InDelta(t, 1.0, results[3].Value(), 1e-6)
}
