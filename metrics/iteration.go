// Package metrics aggregates the metrics of a training or inference run: losses and accuracies masked by the label
// ignore values, step durations, throughput and device cycles, over bounded rolling windows of recent steps.
package metrics

import (
	"fmt"
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/options"
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"strings"
	"time"
)

// Names of the scalars written by Iteration.
const (
	ScalarLearningRate = "defaultLearningRate"
	ScalarLossMLM      = "loss/MLM"
	ScalarLossNSP      = "loss/NSP"
	ScalarAccuracyMLM  = "accuracy/MLM"
	ScalarAccuracyNSP  = "accuracy/NSP"
	ScalarLoss         = "loss"
	ScalarAccuracy     = "accuracy"
)

// Iteration tracks the progress of a run and the metrics of its recent steps.
//
// It is owned by the loop driving the run, and is not safe for concurrent use.
type Iteration struct {
	// Count is the global step count. It starts at StartEpoch*StepsPerEpoch.
	Count int

	// Epoch being processed.
	Epoch int

	StartEpoch, Epochs int
	StepsPerEpoch      int
	StepsPerLog        int

	// SamplesPerStep is the number of examples processed by each step.
	SamplesPerStep int

	// LearningRate currently in effect, reported along with the metrics.
	LearningRate float64

	// Durations of the recent steps, in seconds.
	Durations *Window[float64]

	// Cycles of the recent steps, if reported by the device.
	Cycles *Window[uint64]

	writer Writer
	stats  taskStats
}

// taskStats is the part of Iteration that depends on the task: one variant per task.
type taskStats interface {
	// record the metrics of a step and write the rolling averages.
	record(labels, outputs map[string]*tensors.Tensor, writer Writer, step int) error

	// report the rolling averages.
	report() string
}

// NewIteration creates the Iteration for a run with the given options, with stepsPerEpoch steps per epoch, each of
// batchesPerStep micro-batches. Scalars are written to writer.
//
// The rolling windows hold opts.AggregateMetricsOverSteps values, or stepsPerEpoch if that is 0.
func NewIteration(opts *options.Options, batchesPerStep, stepsPerEpoch int, writer Writer) (*Iteration, error) {
	if stepsPerEpoch < 1 {
		return nil, errors.Errorf("NewIteration requires steps per epoch >= 1, got %d", stepsPerEpoch)
	}
	recordingSteps := opts.AggregateMetricsOverSteps
	if recordingSteps <= 0 {
		recordingSteps = stepsPerEpoch
	}
	if writer == nil {
		writer = NopWriter{}
	}
	it := &Iteration{
		Count:          opts.ContinueTrainingFromEpoch * stepsPerEpoch,
		Epoch:          opts.ContinueTrainingFromEpoch,
		StartEpoch:     opts.ContinueTrainingFromEpoch,
		Epochs:         opts.Epochs,
		StepsPerEpoch:  stepsPerEpoch,
		StepsPerLog:    max(opts.StepsPerLog, 1),
		SamplesPerStep: batchesPerStep * opts.GradientAccumulationFactor * opts.ReplicationFactor * opts.Config.BatchSize,
		LearningRate:   opts.Optimizer.LearningRate,
		Durations:      NewWindow[float64](recordingSteps),
		Cycles:         NewWindow[uint64](recordingSteps),
		writer:         writer,
	}
	switch opts.Config.Task {
	case bert.Pretraining:
		it.stats = &pretrainingStats{
			mlmLosses:     NewWindow[float64](recordingSteps),
			nspLosses:     NewWindow[float64](recordingSteps),
			mlmAccuracies: NewWindow[float64](recordingSteps),
			nspAccuracies: NewWindow[float64](recordingSteps),
		}
	case bert.Squad:
		it.stats = &singleObjectiveStats{
			objectives: bert.Objectives(bert.Squad),
			losses:     NewWindow[float64](recordingSteps),
			accuracies: NewWindow[float64](recordingSteps),
		}
	default:
		return nil, errors.Errorf("no metrics for task %s", opts.Config.Task)
	}
	return it, nil
}

// ShouldLog returns whether the current step is to be logged.
func (it *Iteration) ShouldLog() bool {
	return it.Count%it.StepsPerLog == 0
}

// AddDuration records the duration of a step, and its device cycles if cycles > 0.
func (it *Iteration) AddDuration(duration time.Duration, cycles uint64) {
	it.Durations.Push(duration.Seconds())
	if cycles > 0 {
		it.Cycles.Push(cycles)
	}
}

// Record the metrics of a step: its duration, device cycles (if > 0), and the losses and accuracies computed from
// the labels of the batch and the outputs of the model. The rolling averages and the learning rate are written as
// scalars at step Count.
func (it *Iteration) Record(duration time.Duration, cycles uint64, labels, outputs map[string]*tensors.Tensor) error {
	it.AddDuration(duration, cycles)
	if err := it.writer.AddScalar(ScalarLearningRate, it.LearningRate, it.Count); err != nil {
		return err
	}
	return it.stats.record(labels, outputs, it.writer, it.Count)
}

// Throughput of each recorded step, in samples per second.
func (it *Iteration) Throughput() []float64 {
	durations := it.Durations.Values()
	throughput := make([]float64, len(durations))
	for ii, d := range durations {
		throughput[ii] = float64(it.SamplesPerStep) / d
	}
	return throughput
}

// Report returns a line with the progress and the averaged metrics.
func (it *Iteration) Report() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Iteration: %6d Epoch: %6.2f/%d ", it.Count, float64(it.Count)/float64(it.StepsPerEpoch), it.Epochs)
	sb.WriteString(it.stats.report())
	_, _ = fmt.Fprintf(&sb, "Learning Rate: %.5f ", it.LearningRate)
	sb.WriteString(it.timingReport())
	return sb.String()
}

func (it *Iteration) timingReport() string {
	s := fmt.Sprintf("Duration: %6.4f s Throughput: %6.1f samples/s", Mean(it.Durations), mean(it.Throughput()))
	if it.Cycles.Len() > 0 {
		s += fmt.Sprintf(" Cycles: %.0f", Mean(it.Cycles))
	}
	return s
}

// LatencyStats summarizes the per-sample round-trip latencies of a step.
type LatencyStats struct {
	Mean, Min, Max time.Duration
}

// InferenceReport returns a line with the averaged duration and throughput of inference, the latency if not nil
// and the device cycles of the step if > 0.
func (it *Iteration) InferenceReport(latency *LatencyStats, cycles uint64) string {
	s := fmt.Sprintf("Iteration: %6d Duration: %6.4f s Throughput: %6.1f samples/s",
		it.Count, Mean(it.Durations), mean(it.Throughput()))
	if latency != nil {
		s += fmt.Sprintf(" Per-sample Latency: %.6f %.6f %.6f seconds (mean min max)",
			latency.Mean.Seconds(), latency.Min.Seconds(), latency.Max.Seconds())
	}
	if cycles > 0 {
		s += fmt.Sprintf(" Cycles: %d", cycles)
	}
	return s
}

// objective gathers the flat labels, losses and predictions of one objective.
func objective(names bert.ObjectiveOutputs, labels, outputs map[string]*tensors.Tensor) (o Objective, err error) {
	label, lossT, predT := labels[names.Label], outputs[names.Loss], outputs[names.Predictions]
	if label == nil || lossT == nil || predT == nil {
		return o, errors.Errorf("missing %q label, %q loss or %q predictions", names.Label, names.Loss, names.Predictions)
	}
	if o.Labels, err = xtensors.Int32s(label); err != nil {
		return
	}
	if o.Losses, err = xtensors.Float32s(lossT); err != nil {
		return
	}
	o.Predictions, err = xtensors.Int32s(predT)
	return
}

// pretrainingStats tracks the two objectives of pretraining, MLM and NSP, separately.
type pretrainingStats struct {
	mlmLosses, nspLosses, mlmAccuracies, nspAccuracies *Window[float64]
}

func (s *pretrainingStats) record(labels, outputs map[string]*tensors.Tensor, writer Writer, step int) error {
	objectives := bert.Objectives(bert.Pretraining)
	mlm, err := objective(objectives[0], labels, outputs)
	if err != nil {
		return err
	}
	nsp, err := objective(objectives[1], labels, outputs)
	if err != nil {
		return err
	}
	losses, accuracies, err := PretrainingStats(mlm, nsp)
	if err != nil {
		return err
	}
	s.mlmLosses.Push(losses[0])
	s.nspLosses.Push(losses[1])
	s.mlmAccuracies.Push(accuracies[0])
	s.nspAccuracies.Push(accuracies[1])
	for _, scalar := range []struct {
		name   string
		window *Window[float64]
	}{
		{ScalarLossMLM, s.mlmLosses},
		{ScalarLossNSP, s.nspLosses},
		{ScalarAccuracyMLM, s.mlmAccuracies},
		{ScalarAccuracyNSP, s.nspAccuracies},
	} {
		if err = writer.AddScalar(scalar.name, Mean(scalar.window), step); err != nil {
			return err
		}
	}
	return nil
}

func (s *pretrainingStats) report() string {
	return fmt.Sprintf("Loss (MLM NSP): %5.3f %5.3f Accuracy (MLM NSP): %5.3f %5.3f ",
		Mean(s.mlmLosses), Mean(s.nspLosses), Mean(s.mlmAccuracies), Mean(s.nspAccuracies))
}

// singleObjectiveStats combines all its objectives (e.g. SQuAD's start and end positions) in one loss and accuracy.
type singleObjectiveStats struct {
	objectives         []bert.ObjectiveOutputs
	losses, accuracies *Window[float64]
}

func (s *singleObjectiveStats) record(labels, outputs map[string]*tensors.Tensor, writer Writer, step int) error {
	objectives := make([]Objective, 0, len(s.objectives))
	for _, names := range s.objectives {
		o, err := objective(names, labels, outputs)
		if err != nil {
			return err
		}
		objectives = append(objectives, o)
	}
	loss, accuracy, err := OutputStats(objectives, nil)
	if err != nil {
		return err
	}
	s.losses.Push(loss)
	s.accuracies.Push(accuracy)
	if err = writer.AddScalar(ScalarLoss, Mean(s.losses), step); err != nil {
		return err
	}
	return writer.AddScalar(ScalarAccuracy, Mean(s.accuracies), step)
}

func (s *singleObjectiveStats) report() string {
	return fmt.Sprintf("Loss: %5.3f Accuracy: %5.3f ", Mean(s.losses), Mean(s.accuracies))
}
