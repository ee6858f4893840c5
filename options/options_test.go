package options

import (
	"flag"
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/optimizer"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func parse(t *testing.T, args ...string) (*Options, error) {
	fs := flag.NewFlagSet("bert", flag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return flags.Options()
}

func TestDefaults(t *testing.T) {
	o, err := parse(t, "-synthetic-data")
	require.NoError(t, err)
	require.Equal(t, bert.Pretraining, o.Config.Task)
	require.Equal(t, dtypes.Float32, o.Config.DType)
	require.Equal(t, []string{bert.CustomOpGather, bert.CustomOpAttention}, o.Config.CustomOps)
	require.Equal(t, 1, o.SamplesPerStep())
	require.Nil(t, o.Optimizer.Schedule)
	require.False(t, o.UsesCallbackIO())

	_, err = parse(t)
	require.ErrorContains(t, err, "input-files")
}

func TestFlags(t *testing.T) {
	o, err := parse(t, "-task=squad", "-inference", "-low-latency-inference", "-dtype=float16",
		"-batches-per-step=4", "-batch-size=3", "-input-files=a.jsonl, b.jsonl",
		"-lr-schedule-by-epoch=0:0.1,2:0.01", "-optimizer=adam")
	require.NoError(t, err)
	require.Equal(t, bert.Squad, o.Config.Task)
	require.Equal(t, dtypes.Float16, o.Config.DType)
	require.True(t, o.Config.NoDropout, "inference never uses dropout")
	require.Equal(t, 4*3, o.SamplesPerStep())
	require.Equal(t, 4, o.MicroBatchesPerStep())
	require.Equal(t, []string{"a.jsonl", "b.jsonl"}, o.InputFiles)
	require.Equal(t, optimizer.EpochMode, o.Optimizer.Schedule.Mode)
	require.Equal(t, optimizer.Adam, o.Optimizer.Kind)
	require.True(t, o.UsesCallbackIO())
	require.True(t, o.SavesResults())

	_, err = parse(t, "-synthetic-data", "-lr-schedule-by-epoch=0:0.1", "-lr-schedule-by-step=0:0.1")
	require.Error(t, err)
	_, err = parse(t, "-synthetic-data", "-low-latency-inference")
	require.ErrorContains(t, err, "SQUAD")
	_, err = parse(t, "-synthetic-data", "-task=squad", "-inference", "-low-latency-inference", "-replication-factor=2")
	require.ErrorContains(t, err, "replication-factor")
	_, err = parse(t, "-synthetic-data", "-task=glue")
	require.Error(t, err)
}

func TestConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
epochs: 5
steps-per-save: 50
synthetic-data: true
custom-ops: [gather]
learning-rate: 0.01
`), 0o644))
	o, err := parse(t, "-config", configPath, "-epochs=2")
	require.NoError(t, err)
	require.Equal(t, 2, o.Epochs, "command line takes precedence over the options file")
	require.Equal(t, 50, o.StepsPerSave)
	require.True(t, o.SyntheticData)
	require.Equal(t, []string{bert.CustomOpGather}, o.Config.CustomOps)
	require.Equal(t, 0.01, o.Optimizer.LearningRate)

	require.NoError(t, os.WriteFile(configPath, []byte("unknown-flag: 1\n"), 0o644))
	_, err = parse(t, "-config", configPath)
	require.ErrorContains(t, err, "unknown flag")
}

func TestModelPath(t *testing.T) {
	o := &Options{CheckpointDir: "ckpts"}
	require.Equal(t, filepath.Join("ckpts", "model.ckpt"), o.ModelPath(-1, 120, false))
	require.Equal(t, filepath.Join("ckpts", "model_3.ckpt"), o.ModelPath(3, 120, false))
	require.Equal(t, filepath.Join("ckpts", "model_0:50.ckpt"), o.ModelPath(0, 50, true))
}

func TestValidationOptions(t *testing.T) {
	o, err := parse(t, "-synthetic-data", "-epochs=3", "-continue-training-from-epoch=1",
		"-tf-checkpoint=bert.safetensors", "-validation-files=dev.jsonl", "-checkpoint-dir=ckpts")
	require.NoError(t, err)
	v := ValidationOptions(o)
	require.True(t, v.Inference)
	require.Equal(t, 1, v.Epochs)
	require.Equal(t, 0, v.ContinueTrainingFromEpoch)
	require.Empty(t, v.TFCheckpoint)
	require.Equal(t, filepath.Join("ckpts", "model.ckpt"), v.WeightsCheckpoint)
	require.Equal(t, []string{"dev.jsonl"}, v.InputFiles)
	require.NoError(t, v.Validate())

	// The original is not changed.
	require.False(t, o.Inference)
	require.Equal(t, 3, o.Epochs)
}

func TestValidationOptionsWithoutTraining(t *testing.T) {
	o, err := parse(t, "-synthetic-data", "-no-training", "-tf-checkpoint=bert.safetensors", "-checkpoint-dir=ckpts")
	require.NoError(t, err)
	v := ValidationOptions(o)
	require.True(t, v.Inference)
	require.Equal(t, "bert.safetensors", v.TFCheckpoint)
	require.Empty(t, v.WeightsCheckpoint)

	o, err = parse(t, "-synthetic-data", "-no-training", "-weights-checkpoint=trained.ckpt")
	require.NoError(t, err)
	v = ValidationOptions(o)
	require.Equal(t, "trained.ckpt", v.WeightsCheckpoint)
	require.Empty(t, v.TFCheckpoint)
}
