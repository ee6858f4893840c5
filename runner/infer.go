package runner

import (
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/data"
	"github.com/gomlx/bert/engine"
	"github.com/gomlx/bert/metrics"
	"github.com/gomlx/bert/options"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"time"
)

// Inferer drives inference of a session over a dataset.
type Inferer struct {
	Opts      *options.Options
	Session   engine.Session
	Dataset   data.Dataset
	Iteration *metrics.Iteration

	// Results receive the outputs of every step, if not nil.
	Results data.ResultSink

	Hooks Hooks

	// labelNames are set when the outputs include losses and predictions (pretraining validation): their metrics
	// are then recorded like in training.
	labelNames []string
	cycles     cycleCounter
}

// NewInferer creates an Inferer. Results may be nil.
func NewInferer(opts *options.Options, session engine.Session, dataset data.Dataset,
	results data.ResultSink) (*Inferer, error) {
	if session.BatchesPerStep() != dataset.BatchesPerStep() {
		return nil, errors.Errorf("session runs %d batches per step, but the dataset yields %d",
			session.BatchesPerStep(), dataset.BatchesPerStep())
	}
	it, err := metrics.NewIteration(opts, dataset.BatchesPerStep(), dataset.Len(), nil)
	if err != nil {
		return nil, err
	}
	inf := &Inferer{
		Opts:      opts,
		Session:   session,
		Dataset:   dataset,
		Iteration: it,
		Results:   results,
		cycles:    cycleCounter{enabled: opts.ReportHWCycleCount},
	}
	if opts.Config.Task == bert.Pretraining {
		inf.labelNames = bert.LabelNames(opts.Config.Task, true)
	}
	return inf, nil
}

// InferLoop runs inference over the dataset: once, or Epochs times for synthetic data.
//
// Real-time scheduling, if enabled, is held for the duration of the loop. The results are written after it.
func (inf *Inferer) InferLoop() error {
	repeatCount := 1
	if inf.Opts.SyntheticData {
		repeatCount = inf.Opts.Epochs
	}
	var callbackIO *engine.CallbackStepIO
	if inf.Opts.UsesCallbackIO() {
		callbackIO = engine.NewCallbackStepIO(inf.Session.Anchors())
	}

	if err := inf.loop(repeatCount, callbackIO); err != nil {
		return err
	}
	if inf.Results != nil {
		return inf.Results.WritePredictions()
	}
	return nil
}

func (inf *Inferer) loop(repeatCount int, callbackIO *engine.CallbackStepIO) error {
	release := Realtime(inf.Opts.RealtimeScheduler)
	defer release()
	it := inf.Iteration
	for it.Epoch = 0; it.Epoch < repeatCount; it.Epoch++ {
		for batch, err := range inf.Dataset.Batches() {
			if err != nil {
				return errors.WithMessagef(err, "reading batch of step %d", it.Count)
			}
			if err = inf.ProcessData(batch, callbackIO); err != nil {
				return err
			}
		}
	}
	return nil
}

// ProcessData runs one inference step over batch. If callbackIO is not nil it feeds the step, and the latency of the
// step is measured from its timestamps.
//
// When metrics are recorded, steps whose labels are all padding are skipped.
func (inf *Inferer) ProcessData(batch data.Batch, callbackIO *engine.CallbackStepIO) error {
	it := inf.Iteration
	if inf.labelNames != nil {
		padding, err := batch.AllZero(inf.labelNames)
		if err != nil {
			return err
		}
		if padding {
			klog.V(1).Infof("Skipping step %d: all labels are padding", it.Count)
			it.Count++
			inf.Hooks.step(it)
			return nil
		}
	}
	var io engine.StepIO
	if callbackIO != nil {
		callbackIO.SetBatch(batch)
		defer callbackIO.ClearTimestamps()
		io = callbackIO
	} else {
		io = engine.NewSyncStepIO(batch, inf.Session.Anchors())
	}

	start := time.Now()
	if err := runStep(inf.Opts, inf.Session, io); err != nil {
		return err
	}
	duration := time.Since(start)
	cycles, err := inf.cycles.read(inf.Session)
	if err != nil {
		return err
	}
	outputs, err := inf.Session.Anchors().Values()
	if err != nil {
		return err
	}

	var latency *metrics.LatencyStats
	if callbackIO != nil {
		startTimes, endTimes := callbackIO.Timestamps()
		latency, err = ComputeLatency(startTimes, endTimes, inf.Opts.BatchesPerStep)
		if err != nil {
			return err
		}
	}

	if inf.labelNames != nil {
		labels, err := batch.Select(inf.labelNames)
		if err != nil {
			return err
		}
		if err = it.Record(duration, cycles, labels, outputs); err != nil {
			return errors.WithMessagef(err, "recording metrics of step %d", it.Count)
		}
	} else {
		it.AddDuration(duration, 0)
	}
	if it.ShouldLog() {
		if inf.labelNames != nil {
			klog.Info(it.Report())
		} else {
			klog.Info(it.InferenceReport(latency, cycles))
		}
	}
	it.Count++

	if inf.Results != nil {
		if err = inf.Results.AddResults(batch, outputs); err != nil {
			return err
		}
	}
	inf.Hooks.step(it)
	return nil
}
