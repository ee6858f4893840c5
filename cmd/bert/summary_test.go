package main

import (
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/metrics"
	"github.com/gomlx/bert/options"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestSummary(t *testing.T) {
	opts := &options.Options{
		Config:                     *bert.DefaultConfig(),
		Epochs:                     2,
		ContinueTrainingFromEpoch:  1,
		BatchesPerStep:             2,
		GradientAccumulationFactor: 1,
		ReplicationFactor:          1,
		StepsPerLog:                1,
	}
	opts.Config.BatchSize = 4
	it, err := metrics.NewIteration(opts, 2, 10, nil)
	require.NoError(t, err)
	for range 5 {
		it.AddDuration(500*time.Millisecond, 0)
		it.Count++
	}

	s := newSummary("Training", it, opts)
	require.Equal(t, 5, s.Steps)
	require.Equal(t, 40, s.Samples)
	require.InDelta(t, 0.5, s.Duration, 1e-9)
	require.InDelta(t, 16.0, s.Throughput, 1e-9)

	s.NumSaves = 3
	rendered := renderSummaries([]*summary{s})
	require.Contains(t, rendered, "Training (PRETRAINING)")
	require.Contains(t, rendered, "Models saved")
	require.NotContains(t, rendered, "Results")
}

func TestProgressHooksDisabled(t *testing.T) {
	hooks, bar := progressHooks(&options.Options{}, 10, "training")
	require.Nil(t, hooks.OnStep)
	require.Nil(t, bar)
	bar.finish()
}
