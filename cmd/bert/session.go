package main

import (
	"flag"
	"github.com/gomlx/bert/data"
	"github.com/gomlx/bert/download/huggingface"
	"github.com/gomlx/bert/engine"
	"github.com/gomlx/bert/metrics"
	"github.com/gomlx/bert/optimizer"
	"github.com/gomlx/bert/options"
	"github.com/gomlx/bert/runner"
	"github.com/gomlx/bert/tfimport"
	"github.com/gomlx/bert/trees"
	"github.com/gomlx/bert/weights"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/tensors"
	"k8s.io/klog/v2"
)

var (
	flagHFModel  = flag.String("hf-model", "", "HuggingFace model id (e.g. google-bert/bert-base-uncased) to initialize the weights from.")
	flagHFToken  = flag.String("hf-token", "", "HuggingFace token, only needed for gated models.")
	flagCacheDir = flag.String("cache-dir", "~/.cache/gomlx/bert", "Directory where HuggingFace models are downloaded.")
)

// loadInitializers returns the initial weights of the model, or nil if they are initialized randomly.
func loadInitializers(opts *options.Options) (*trees.Tree[*tensors.Tensor], error) {
	switch {
	case opts.WeightsCheckpoint != "":
		klog.Infof("Initialising from weights checkpoint: %s", opts.WeightsCheckpoint)
		return weights.Read(opts.WeightsCheckpoint)
	case opts.TFCheckpoint != "":
		klog.Infof("Initialising from TF checkpoint: %s", opts.TFCheckpoint)
		return tfimport.LoadInitializers(opts.TFCheckpoint, &opts.Config)
	case *flagHFModel != "":
		klog.Infof("Initialising from HuggingFace model: %s", *flagHFModel)
		reader, err := huggingface.Download(*flagHFModel, *flagHFToken, *flagCacheDir)
		if err != nil {
			return nil, err
		}
		return tfimport.LoadInitializersFrom(reader, &opts.Config)
	}
	return nil, nil
}

func newDataset(opts *options.Options) (data.Dataset, error) {
	if opts.SyntheticData {
		return data.NewSynthetic(opts)
	}
	return data.NewJSONLDataset(opts)
}

// runMain runs the training or the inference configured by opts, and returns its summary.
func runMain(opts *options.Options) (*summary, error) {
	initializers, err := loadInitializers(opts)
	if err != nil {
		return nil, err
	}
	dataset, err := newDataset(opts)
	if err != nil {
		return nil, err
	}
	klog.Infof("Dataset length: %d", dataset.Len())

	backend, err := engine.AcquireDevice(opts)
	if err != nil {
		return nil, err
	}
	if opts.Inference {
		return runInference(opts, backend, initializers, dataset)
	}
	return runTraining(opts, backend, initializers, dataset)
}

func runTraining(opts *options.Options, backend backends.Backend, initializers *trees.Tree[*tensors.Tensor],
	dataset data.Dataset) (*summary, error) {
	factory, err := optimizer.New(opts.Optimizer, runner.StartPosition(opts, dataset.Len()))
	if err != nil {
		return nil, err
	}
	snapshot := factory.Create()
	session, err := engine.NewGraphSession(backend, opts, initializers, &snapshot)
	if err != nil {
		return nil, err
	}
	writer, err := metrics.NewJSONLWriter(opts.LogDir, opts.CheckpointDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := writer.Close(); err != nil {
			klog.Errorf("Failed to close metrics: %+v", err)
		}
	}()
	klog.Infof("Writing metrics to %s", writer.Dir)

	trainer, err := runner.NewTrainer(opts, session, dataset, factory, writer)
	if err != nil {
		return nil, err
	}
	numSteps := (opts.Epochs - opts.ContinueTrainingFromEpoch) * dataset.Len()
	var bar *progressBar
	trainer.Hooks, bar = progressHooks(opts, numSteps, "training")

	klog.Info("Training Started")
	err = trainer.TrainLoop()
	bar.finish()
	s := newSummary("Training", trainer.Iteration, opts)
	s.NumSaves = trainer.NumSaves
	if err == nil {
		klog.Info("Training Finished")
	}
	return s, err
}

func runInference(opts *options.Options, backend backends.Backend, initializers *trees.Tree[*tensors.Tensor],
	dataset data.Dataset) (*summary, error) {
	session, err := engine.NewGraphSession(backend, opts, initializers, nil)
	if err != nil {
		return nil, err
	}
	var results data.ResultSink
	var resultsPath string
	if opts.SavesResults() {
		sink, err := data.NewJSONLResultSink(opts.SquadResultsDir)
		if err != nil {
			return nil, err
		}
		results, resultsPath = sink, sink.Path
	}
	inferer, err := runner.NewInferer(opts, session, dataset, results)
	if err != nil {
		return nil, err
	}
	numSteps := dataset.Len()
	if opts.SyntheticData {
		numSteps *= opts.Epochs
	}
	var bar *progressBar
	inferer.Hooks, bar = progressHooks(opts, numSteps, "inference")

	klog.Info("Inference Started")
	err = inferer.InferLoop()
	bar.finish()
	s := newSummary("Inference", inferer.Iteration, opts)
	s.ResultsPath = resultsPath
	return s, err
}
