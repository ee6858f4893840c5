package runner

import (
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/data"
	"github.com/gomlx/bert/engine"
	"github.com/gomlx/bert/metrics"
	"github.com/gomlx/bert/optimizer"
	"github.com/gomlx/bert/options"
	"github.com/gomlx/bert/weights"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"time"
)

// Trainer drives the training of a session over a dataset.
type Trainer struct {
	Opts      *options.Options
	Session   engine.Session
	Dataset   data.Dataset
	Iteration *metrics.Iteration
	Optimizer *optimizer.ScheduledFactory

	// Writer receives the metrics of the steps and the statistics of the weights saved.
	Writer metrics.Writer

	Hooks Hooks

	labelNames []string
	cycles     cycleCounter

	// NumSaves counts the models saved.
	NumSaves int
}

// NewTrainer creates a Trainer. The factory must be the one that created the optimizer of the session, positioned
// at StartPosition. A nil writer discards the metrics.
func NewTrainer(opts *options.Options, session engine.Session, dataset data.Dataset,
	factory *optimizer.ScheduledFactory, writer metrics.Writer) (*Trainer, error) {
	if session.BatchesPerStep() != dataset.BatchesPerStep() {
		return nil, errors.Errorf("session runs %d batches per step, but the dataset yields %d",
			session.BatchesPerStep(), dataset.BatchesPerStep())
	}
	if writer == nil {
		writer = metrics.NopWriter{}
	}
	it, err := metrics.NewIteration(opts, dataset.BatchesPerStep(), dataset.Len(), writer)
	if err != nil {
		return nil, err
	}
	it.LearningRate = factory.LearningRate()
	return &Trainer{
		Opts:       opts,
		Session:    session,
		Dataset:    dataset,
		Iteration:  it,
		Optimizer:  factory,
		Writer:     writer,
		labelNames: bert.LabelNames(opts.Config.Task, false),
		cycles:     cycleCounter{enabled: opts.ReportHWCycleCount},
	}, nil
}

func (tr *Trainer) position() optimizer.Position {
	return optimizer.Position{Step: tr.Iteration.Count, Epoch: tr.Iteration.Epoch}
}

// ProcessData runs one training step over batch.
//
// A batch whose labels are all padding is skipped: only the step counter is incremented. This happens at the tail
// of datasets generated with a larger vocabulary, whose labels were cropped away.
func (tr *Trainer) ProcessData(batch data.Batch) error {
	it := tr.Iteration
	padding, err := batch.AllZero(tr.labelNames)
	if err != nil {
		return err
	}
	if padding {
		klog.V(1).Infof("Skipping step %d: all labels are padding", it.Count)
		it.Count++
		tr.Hooks.step(it)
		return nil
	}

	start := time.Now()
	if err = runStep(tr.Opts, tr.Session, engine.NewSyncStepIO(batch, tr.Session.Anchors())); err != nil {
		return err
	}
	duration := time.Since(start)
	cycles, err := tr.cycles.read(tr.Session)
	if err != nil {
		return err
	}

	labels, err := batch.Select(tr.labelNames)
	if err != nil {
		return err
	}
	outputs, err := tr.Session.Anchors().Values()
	if err != nil {
		return err
	}
	if err = it.Record(duration, cycles, labels, outputs); err != nil {
		return errors.WithMessagef(err, "recording metrics of step %d", it.Count)
	}
	if it.ShouldLog() {
		klog.Info(it.Report())
	}

	// In StepMode this fires when the step counter is in the schedule, and in EpochMode at the first step of a
	// scheduled epoch.
	if pos := tr.position(); tr.Optimizer.ShouldUpdate(pos) {
		snapshot := tr.Optimizer.UpdateAndCreate(pos)
		if err = tr.Session.UpdateOptimizer(snapshot); err != nil {
			return err
		}
		if err = tr.Session.OptimizerFromHost(); err != nil {
			return err
		}
		it.LearningRate = snapshot.LearningRate
	}

	it.Count++
	tr.Hooks.step(it)
	return nil
}

// TrainLoop trains from the start epoch to the last one.
//
// The model is saved at the start, every StepsPerSave steps and every EpochsPerSave epochs (if > 0), and at the end.
func (tr *Trainer) TrainLoop() error {
	it := tr.Iteration
	if err := tr.save(it.Epoch, false); err != nil {
		return err
	}
	for it.Epoch = it.StartEpoch; it.Epoch < tr.Opts.Epochs; it.Epoch++ {
		for batch, err := range tr.Dataset.Batches() {
			if err != nil {
				return errors.WithMessagef(err, "reading batch of epoch %d", it.Epoch)
			}
			if err = tr.ProcessData(batch); err != nil {
				return err
			}
			if tr.Opts.StepsPerSave > 0 && it.Count%tr.Opts.StepsPerSave == 0 {
				if err = tr.save(it.Epoch, true); err != nil {
					return err
				}
			}
		}
		if tr.Opts.EpochsPerSave > 0 && it.Epoch%tr.Opts.EpochsPerSave == 0 {
			if err := tr.save(it.Epoch+1, false); err != nil {
				return err
			}
		}
	}
	return tr.save(-1, false)
}

// save the model weights as "model[_<epoch>][:<step>]" in the checkpoint directory, and write their statistics.
// The epoch is omitted if < 0.
func (tr *Trainer) save(epoch int, withStep bool) error {
	if tr.Opts.NoModelSave {
		return nil
	}
	step := tr.Iteration.Count
	path := tr.Opts.ModelPath(epoch, step, withStep)
	klog.Infof("Saving model to: %s", path)
	if err := tr.Session.SaveWeights(path); err != nil {
		return errors.WithMessagef(err, "saving model at step %d", step)
	}
	tr.NumSaves++
	tree, err := tr.Session.Weights()
	if err != nil {
		return err
	}
	return weights.WriteStatistics(tr.Writer, tree, step)
}
