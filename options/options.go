// Package options holds the single options record of a BERT training or inference run, its command-line flags and
// the optional YAML options file.
package options

import (
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/optimizer"
	"github.com/pkg/errors"
	"path/filepath"
	"strconv"
)

// ModelFileName is the base name of the weights files saved in the checkpoint directory.
const ModelFileName = "model"

// ModelFileExt is the extension of the weights files saved in the checkpoint directory.
const ModelFileExt = ".ckpt"

// Options of a run. It is created once from the flags and not changed afterwards.
type Options struct {
	// Config of the model.
	Config bert.Config

	Inference    bool
	NoTraining   bool
	NoValidation bool

	Epochs                    int
	ContinueTrainingFromEpoch int

	BatchesPerStep             int
	GradientAccumulationFactor int
	ReplicationFactor          int

	StepsPerLog   int
	StepsPerSave  int
	EpochsPerSave int

	// AggregateMetricsOverSteps is the size of the rolling windows of metrics. If 0, the number of steps per epoch.
	AggregateMetricsOverSteps int

	Optimizer optimizer.Options

	CheckpointDir string
	LogDir        string

	// Initial weights: at most one of TFCheckpoint and WeightsCheckpoint.
	TFCheckpoint      string
	WeightsCheckpoint string

	NoModelSave bool

	SyntheticData bool

	// SyntheticSteps is the number of steps per epoch of the synthetic dataset.
	SyntheticSteps int

	LowLatencyInference bool
	RealtimeScheduler   bool
	ReportHWCycleCount  bool

	// Profile writes a report of the compiled program to ProfileDir after the first step, and exits.
	Profile    bool
	ProfileDir string

	Seed int64

	InputFiles      []string
	ValidationFiles []string
	SquadResultsDir string

	// Progress displays a progress bar along the steps.
	Progress bool
}

// SamplesPerStep is the number of examples processed in each step.
func (o *Options) SamplesPerStep() int {
	return o.BatchesPerStep * o.GradientAccumulationFactor * o.ReplicationFactor * o.Config.BatchSize
}

// MicroBatchesPerStep is the size of the leading axis of the batches fed to each step: every step runs
// BatchesPerStep batches, each accumulating gradients over GradientAccumulationFactor micro-batches on each of the
// ReplicationFactor replicas.
func (o *Options) MicroBatchesPerStep() int {
	return o.BatchesPerStep * o.GradientAccumulationFactor * o.ReplicationFactor
}

// UsesCallbackIO returns whether inference uses the low-latency mode with input and output callbacks.
func (o *Options) UsesCallbackIO() bool {
	return o.Inference && o.LowLatencyInference && o.Config.Task == bert.Squad
}

// SavesResults returns whether inference results are written for post-processing.
func (o *Options) SavesResults() bool {
	return o.Inference && o.Config.Task == bert.Squad && !o.SyntheticData
}

// ModelPath returns the path of the weights file saved in the checkpoint directory. If epoch < 0 it's not included
// in the name, and the step is included only if withStep is true.
//
// Examples: "model.ckpt", "model_3.ckpt", "model_0:150.ckpt".
func (o *Options) ModelPath(epoch int, step int, withStep bool) string {
	name := ModelFileName
	if epoch >= 0 {
		name += "_" + strconv.Itoa(epoch)
	}
	if withStep {
		name += ":" + strconv.Itoa(step)
	}
	return filepath.Join(o.CheckpointDir, name+ModelFileExt)
}

// Validate checks the options for inconsistencies.
func (o *Options) Validate() error {
	if err := o.Config.Validate(); err != nil {
		return err
	}
	switch {
	case o.Epochs < 1:
		return errors.Errorf("epochs must be >= 1, got %d", o.Epochs)
	case o.ContinueTrainingFromEpoch < 0 || o.ContinueTrainingFromEpoch >= o.Epochs:
		return errors.Errorf("continue-training-from-epoch (%d) must be in 0..%d", o.ContinueTrainingFromEpoch, o.Epochs-1)
	case o.BatchesPerStep < 1:
		return errors.Errorf("batches-per-step must be >= 1, got %d", o.BatchesPerStep)
	case o.GradientAccumulationFactor < 1:
		return errors.Errorf("gradient-accumulation-factor must be >= 1, got %d", o.GradientAccumulationFactor)
	case o.ReplicationFactor < 1:
		return errors.Errorf("replication-factor must be >= 1, got %d", o.ReplicationFactor)
	case o.StepsPerLog < 1:
		return errors.Errorf("steps-per-log must be >= 1, got %d", o.StepsPerLog)
	case o.AggregateMetricsOverSteps < 0:
		return errors.Errorf("aggregate-metrics-over-steps must be >= 0, got %d", o.AggregateMetricsOverSteps)
	case o.TFCheckpoint != "" && o.WeightsCheckpoint != "":
		return errors.New("only one of tf-checkpoint and weights-checkpoint can be given")
	case !o.SyntheticData && len(o.InputFiles) == 0:
		return errors.New("input-files are required, unless using synthetic-data")
	case o.SyntheticData && o.SyntheticSteps < 1:
		return errors.Errorf("synthetic-steps must be >= 1, got %d", o.SyntheticSteps)
	case o.Optimizer.LearningRate <= 0 && !o.Inference:
		return errors.Errorf("learning-rate must be > 0, got %g", o.Optimizer.LearningRate)
	case o.Profile && o.ProfileDir == "":
		return errors.New("profile requires profile-dir")
	case o.LowLatencyInference && o.Config.Task != bert.Squad:
		return errors.New("low-latency-inference is only supported for the SQUAD task")
	case o.LowLatencyInference && (o.GradientAccumulationFactor != 1 || o.ReplicationFactor != 1):
		return errors.New("low-latency-inference requires gradient-accumulation-factor and replication-factor of 1")
	}
	return nil
}

// ValidationOptions derives the options of the validation run that follows training: inference over the
// validation files, starting from the last weights saved by training (if training ran and saved them).
// Otherwise the initial checkpoints are kept.
func ValidationOptions(o *Options) *Options {
	v := *o
	v.Config.CustomOps = append([]string(nil), o.Config.CustomOps...)
	v.Inference = true
	v.NoTraining = true
	v.NoValidation = true
	v.Epochs = 1
	v.ContinueTrainingFromEpoch = 0
	v.LowLatencyInference = false
	v.Profile = false
	if len(o.ValidationFiles) > 0 {
		v.InputFiles = append([]string(nil), o.ValidationFiles...)
	}
	if !o.NoTraining && !o.NoModelSave {
		v.TFCheckpoint = ""
		v.WeightsCheckpoint = o.ModelPath(-1, 0, false)
	}
	return &v
}
