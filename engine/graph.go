package engine

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/model"
	"github.com/gomlx/bert/optimizer"
	"github.com/gomlx/bert/options"
	"github.com/gomlx/bert/trees"
	"github.com/gomlx/bert/weights"
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"slices"
)

// GraphSession implements Session with a GoMLX graph of the model.
//
// Each batch of a step accumulates GradientAccumulationFactor micro-batches on ReplicationFactor replicas: they are
// merged and executed as one larger batch, which is equivalent to accumulating their gradients.
type GraphSession struct {
	backend backends.Backend
	ctx     *context.Context
	model   *model.Bert

	training       bool
	batchesPerStep int
	microBatches   int
	feedNames      []string
	outputNames    []string
	anchors        *Anchors

	exec     *context.Exec
	compiled bool
	lastErr  error

	optimizerKind optimizer.Kind
	optimizer     optimizers.Interface
	learningRate  *context.Variable
	pending       *optimizer.Snapshot
}

// NewGraphSession creates the session of the model configured by opts, with the weights initialized from
// initializers (if not nil) and the other weights randomly.
//
// If snapshot is nil the session runs inference, otherwise it trains with the optimizer described by snapshot.
// The outputs of every micro-batch are anchored (ReturnAll).
func NewGraphSession(backend backends.Backend, opts *options.Options, initializers *trees.Tree[*tensors.Tensor],
	snapshot *optimizer.Snapshot) (*GraphSession, error) {
	config := opts.Config
	s := &GraphSession{
		backend:        backend,
		ctx:            context.New(),
		model:          model.New(&config),
		training:       snapshot != nil,
		batchesPerStep: opts.BatchesPerStep,
		microBatches:   opts.MicroBatchesPerStep(),
	}
	inference := !s.training
	s.feedNames = append(bert.InputNames(config.Task), bert.LabelNames(config.Task, inference)...)
	s.outputNames = bert.OutputNames(config.Task, inference)
	s.anchors = NewAnchors(s.outputNames, ReturnType{Kind: ReturnAll}, s.microBatches)
	s.ctx.RngStateFromSeed(opts.Seed)

	if initializers != nil {
		if err := s.model.LoadInitializers(s.ctx, initializers); err != nil {
			return nil, err
		}
		klog.V(1).Infof("Loaded %d weights from host", initializers.NumLeaves())
	}

	if s.training {
		s.optimizerKind = snapshot.Kind
		s.ctx.SetParam(optimizers.ParamLearningRate, snapshot.LearningRate)
		switch snapshot.Kind {
		case optimizer.SGD:
			if snapshot.Momentum != 0 || snapshot.Dampening != 0 || snapshot.WeightDecay != 0 {
				klog.Warningf("SGD momentum, dampening and weight decay are not supported and are ignored: %s", snapshot)
			}
			s.optimizer = optimizers.StochasticGradientDescent()
		case optimizer.Adam:
			s.optimizer = optimizers.Adam().WeightDecay(snapshot.WeightDecay).Done()
		default:
			return nil, errors.Errorf("unsupported optimizer %s", snapshot.Kind)
		}
		s.learningRate = optimizers.LearningRateVar(s.ctx, dtypes.Float32, snapshot.LearningRate)
	}

	s.exec = context.NewExec(backend, s.ctx, s.stepGraph)
	return s, nil
}

// stepGraph builds the graph that runs one batch. Inputs are given in the order of feedNames and outputs are
// returned in the order of outputNames.
func (s *GraphSession) stepGraph(ctx *context.Context, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	ctx.SetTraining(g, s.training)
	feed := make(map[string]*Node, len(inputs))
	for ii, name := range s.feedNames {
		feed[name] = inputs[ii]
	}
	outputs, loss := s.model.Build(ctx, feed, !s.training)
	if s.training {
		s.optimizer.UpdateGraph(ctx, g, loss)
	}
	results := make([]*Node, len(s.outputNames))
	for ii, name := range s.outputNames {
		results[ii] = outputs[name]
		if results[ii] == nil {
			exceptions.Panicf("model didn't generate output %q", name)
		}
	}
	return results
}

// Run implements Session.
func (s *GraphSession) Run(io StepIO) error {
	s.anchors.Reset()
	group := s.microBatches / s.batchesPerStep
	for batchIdx := range s.batchesPerStep {
		first := batchIdx * group
		args := make([]any, len(s.feedNames))
		for ii, name := range s.feedNames {
			parts := make([]*tensors.Tensor, group)
			for jj := range group {
				var err error
				parts[jj], err = io.Input(name, first+jj)
				if err != nil {
					return errors.WithMessagef(err, "reading input %q of micro-batch %d", name, first+jj)
				}
			}
			merged, err := xtensors.MergeLeading(parts)
			if err != nil {
				return errors.WithMessagef(err, "merging input %q", name)
			}
			args[ii] = merged
		}

		var results []*tensors.Tensor
		err := exceptions.TryCatch[error](func() { results = s.exec.Call(args...) })
		if err != nil {
			s.lastErr = err
			if !s.compiled {
				return errors.Wrapf(ErrPrepareDevice, "%+v", err)
			}
			return errors.WithMessagef(err, "running batch %d of the step", batchIdx)
		}
		s.compiled = true
		for _, name := range s.feedNames {
			for jj := range group {
				io.InputComplete(name, first+jj)
			}
		}

		for ii, name := range s.outputNames {
			parts, err := xtensors.SplitLeading(results[ii], group)
			if err != nil {
				return errors.WithMessagef(err, "splitting output %q", name)
			}
			for jj, part := range parts {
				if err = io.OutputComplete(name, first+jj, part); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// UpdateOptimizer implements Session.
func (s *GraphSession) UpdateOptimizer(snapshot optimizer.Snapshot) error {
	if !s.training {
		return errors.New("inference sessions have no optimizer")
	}
	if snapshot.Kind != s.optimizerKind {
		return errors.Errorf("optimizer can't change from %s to %s during training", s.optimizerKind, snapshot.Kind)
	}
	s.pending = &snapshot
	return nil
}

// OptimizerFromHost implements Session.
func (s *GraphSession) OptimizerFromHost() error {
	if s.pending == nil {
		return nil
	}
	s.learningRate.SetValue(tensors.FromScalar(float32(s.pending.LearningRate)))
	klog.V(1).Infof("Optimizer updated: %s", s.pending)
	s.pending = nil
	return nil
}

// CycleCount implements Session: GoMLX devices don't report cycle counts.
func (s *GraphSession) CycleCount() (uint64, error) {
	return 0, ErrCycleCountUnavailable
}

// Weights implements Session.
func (s *GraphSession) Weights() (*trees.Tree[*tensors.Tensor], error) {
	return s.model.Weights(s.ctx)
}

// SaveWeights implements Session.
func (s *GraphSession) SaveWeights(path string) error {
	tree, err := s.Weights()
	if err != nil {
		return err
	}
	n, err := weights.Save(path, tree)
	if err != nil {
		return err
	}
	klog.V(1).Infof("Saved %d weights (%s) to %q", tree.NumLeaves(), humanize.Bytes(uint64(n)), path)
	return nil
}

// Anchors implements Session.
func (s *GraphSession) Anchors() *Anchors { return s.anchors }

// BatchesPerStep implements Session.
func (s *GraphSession) BatchesPerStep() int { return s.batchesPerStep }

// FeedNames returns the names of the inputs read for each micro-batch.
func (s *GraphSession) FeedNames() []string { return slices.Clone(s.feedNames) }
