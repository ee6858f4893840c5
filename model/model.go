// Package model implements the BERT encoder and its task heads as a GoMLX graph.
//
// All weights are context variables under the "bert" scope, named as in package bert: e.g. the weight
// "Layer0/Attention/QKV" is the variable "QKV" in the scope "/bert/Layer0/Attention". Weights that are not loaded
// from a checkpoint (see LoadInitializers) are created with random values on the first graph built.
package model

import (
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/trees"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"strings"
)

// Scope of the model variables in the context.
const Scope = "bert"

// Bert model for one configuration.
type Bert struct {
	Config *bert.Config
}

// New creates a Bert model for the config.
func New(config *bert.Config) *Bert {
	return &Bert{Config: config}
}

// LoadInitializers creates the model variables with the values of the initializers, e.g. as returned by
// tfimport.LoadInitializers or weights.Read. It must be called before the first graph is built.
func (m *Bert) LoadInitializers(ctx *context.Context, initializers *trees.Tree[*tensors.Tensor]) error {
	ctx = ctx.In(Scope)
	for treePath, value := range initializers.OrderedLeaves() {
		if value.DType() != m.Config.DType {
			return errors.Errorf("initializer %q has dtype %s, the model uses %s", treePath, value.DType(), m.Config.DType)
		}
		varCtx := ctx
		for _, scope := range treePath.Scope() {
			varCtx = varCtx.In(scope)
		}
		varCtx.VariableWithValue(treePath.Name(), value)
	}
	return nil
}

// Weights returns the current values of all the model variables.
func (m *Bert) Weights(ctx *context.Context) (*trees.Tree[*tensors.Tensor], error) {
	tree := trees.New[*tensors.Tensor]()
	prefix := context.ScopeSeparator + Scope
	var err error
	ctx.EnumerateVariables(func(v *context.Variable) {
		if err != nil {
			return
		}
		scope := v.Scope()
		if scope != prefix && !strings.HasPrefix(scope, prefix+context.ScopeSeparator) {
			return
		}
		treePath := trees.ParsePath(strings.TrimPrefix(scope, prefix))
		treePath = append(treePath, v.Name())
		err = tree.Set(treePath, v.Value())
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// Build the model graph for the inputs (see bert.InputNames and bert.LabelNames), each shaped with a leading
// batch axis.
//
// It returns the outputs named by bert.OutputNames, and the total loss (nil for SQuAD inference). The total loss
// is the sum over the objectives of the mean loss over their non-ignored positions.
func (m *Bert) Build(ctx *context.Context, inputs map[string]*Node, inference bool) (outputs map[string]*Node, loss *Node) {
	cfg := m.Config
	ctx = ctx.In(Scope)
	for _, name := range bert.InputNames(cfg.Task) {
		if inputs[name] == nil {
			exceptions.Panicf("model input %q not given", name)
		}
	}

	var keyMask *Node
	switch cfg.Task {
	case bert.Pretraining:
		keyMask = PretrainingMask(inputs[bert.InputMaskTokensMaskIdx], inputs[bert.InputSequenceMaskIdx],
			cfg.MaskTokens, cfg.SequenceLength)
	case bert.Squad:
		keyMask = LengthMask(inputs[bert.InputSeqPadIdx], cfg.SequenceLength)
	}

	x := m.Embeddings(ctx, inputs[bert.InputIndices], inputs[bert.InputPositions], inputs[bert.InputSegments])
	for layer := range cfg.NumLayers {
		x = Attention(ctx, cfg, layer, x, keyMask)
		x = FeedForward(ctx, cfg, layer, x)
	}

	outputs = make(map[string]*Node)
	switch cfg.Task {
	case bert.Pretraining:
		mlmLogits, nspLogits := m.PretrainingHeads(ctx, x)
		mlmLoss, mlmCount := objectiveLoss(outputs, bert.OutputMLMLoss, bert.OutputMLMPredictions,
			mlmLogits, inputs[bert.LabelMask], bert.MLMIgnoreIndex)
		nspLoss, nspCount := objectiveLoss(outputs, bert.OutputNSPLoss, bert.OutputNSPPredictions,
			nspLogits, inputs[bert.LabelNSP], bert.NSPIgnoreIndex)
		loss = Add(meanLoss(mlmLoss, mlmCount), meanLoss(nspLoss, nspCount))

	case bert.Squad:
		startLogits, endLogits := m.SquadHead(ctx, x, keyMask)
		if inference {
			outputs[bert.OutputStartLogits] = startLogits
			outputs[bert.OutputEndLogits] = endLogits
			return outputs, nil
		}
		startLoss, startCount := objectiveLoss(outputs, bert.OutputStartLoss, bert.OutputStartPredictions,
			startLogits, inputs[bert.LabelStart], -1)
		endLoss, endCount := objectiveLoss(outputs, bert.OutputEndLoss, bert.OutputEndPredictions,
			endLogits, inputs[bert.LabelEnd], -1)
		loss = Add(meanLoss(startLoss, startCount), meanLoss(endLoss, endCount))
	}
	return outputs, loss
}

// embeddingTable returns the table of the named embedding shaped [numEntries, HiddenSize]. With the gather custom
// op tables are stored transposed.
func (m *Bert) embeddingTable(ctx *context.Context, g *Graph, name string, numEntries int) *Node {
	cfg := m.Config
	if name != bert.SegmentDict && cfg.UsesGatherEmbedding() {
		return Transpose(weight(ctx, g, name, cfg.DType, nil, cfg.HiddenSize, numEntries), 0, 1)
	}
	return weight(ctx, g, name, cfg.DType, nil, numEntries, cfg.HiddenSize)
}

func lookup(table, ids *Node) *Node {
	dims := ids.Shape().Dimensions
	return Gather(table, Reshape(ConvertDType(ids, dtypes.Int32), append(append([]int{}, dims...), 1)...))
}

// Embeddings sums the word, position and segment embeddings of the tokens, and normalizes them.
func (m *Bert) Embeddings(ctx *context.Context, indices, positions, segments *Node) *Node {
	cfg := m.Config
	g := indices.Graph()
	x := lookup(m.embeddingTable(ctx, g, bert.EmbeddingDict, cfg.VocabLength), indices)
	x = Add(x, lookup(m.embeddingTable(ctx, g, bert.PositionalDict, cfg.MaxPositionalLength), positions))
	x = Add(x, lookup(m.embeddingTable(ctx, g, bert.SegmentDict, 2), segments))
	x = LayerNorm(ctx, x, bert.EmbeddingGamma, bert.EmbeddingBeta, cfg.LayerNormEpsilon)
	return dropout(ctx, m.Config, x)
}

// PretrainingHeads returns the MLM logits shaped [batchSize, MaskTokens, VocabLength], predicted from the first
// MaskTokens positions with a decoder tied to the word embedding, and the NSP logits shaped [batchSize, 2]
// predicted from the position MaskTokens.
func (m *Bert) PretrainingHeads(ctx *context.Context, x *Node) (mlmLogits, nspLogits *Node) {
	cfg := m.Config
	g := x.Graph()
	masked := Slice(x, AxisRange(), AxisRange(0, cfg.MaskTokens), AxisRange())
	transformed := Gelu(Dense(ctx, masked, bert.LMPredictionW, bert.LMPredictionB, cfg.HiddenSize))
	transformed = LayerNorm(ctx, transformed, bert.CLSGamma, bert.CLSBeta, cfg.LayerNormEpsilon)
	decoder := Transpose(m.embeddingTable(ctx, g, bert.EmbeddingDict, cfg.VocabLength), 0, 1)
	mlmLogits = matMulLast(transformed, decoder)

	batchSize := x.Shape().Dim(0)
	pooled := Reshape(Slice(x, AxisRange(), AxisElem(cfg.MaskTokens), AxisRange()), batchSize, cfg.HiddenSize)
	pooled = Tanh(Dense(ctx, pooled, bert.NSPPoolW, bert.NSPPoolB, cfg.HiddenSize))
	nspLogits = Dense(ctx, pooled, bert.NSPW, bert.NSPB, 2)
	return
}

// SquadHead returns the start and end logits, shaped [batchSize, sequenceLength]. Padding positions (where
// keyMask is false) are masked out.
func (m *Bert) SquadHead(ctx *context.Context, x, keyMask *Node) (startLogits, endLogits *Node) {
	dims := x.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]
	logits := Dense(ctx, x, bert.SquadW, bert.SquadB, 2)
	additiveMask := MulScalar(OneMinus(ConvertDType(keyMask, logits.DType())), maskedValue)
	split := func(idx int) *Node {
		part := Reshape(Slice(logits, AxisRange(), AxisRange(), AxisElem(idx)), batchSize, seqLen)
		return Add(part, additiveMask)
	}
	return split(0), split(1)
}

// objectiveLoss sets the per-position loss and the predictions of an objective in outputs. It returns the summed
// loss and the number of positions not ignored. If ignoreIndex < 0 no position is ignored.
func objectiveLoss(outputs map[string]*Node, lossName, predictionsName string, logits, labels *Node,
	ignoreIndex int) (sum, count *Node) {
	if labels == nil {
		exceptions.Panicf("labels for %q not given", lossName)
	}
	g := logits.Graph()
	labels = ConvertDType(labels, dtypes.Int32)
	classAxis := logits.Rank() - 1
	logProbs := LogSoftmax(ConvertDType(logits, dtypes.Float32), classAxis)
	oneHot := OneHot(labels, logits.Shape().Dim(classAxis), dtypes.Float32)
	nll := Neg(ReduceSum(Mul(oneHot, logProbs), classAxis))

	valid := OnesLike(nll)
	if ignoreIndex >= 0 {
		valid = ConvertDType(NotEqual(labels, Scalar(g, dtypes.Int32, ignoreIndex)), dtypes.Float32)
		nll = Mul(nll, valid)
	}
	outputs[lossName] = nll
	outputs[predictionsName] = ArgMax(logits, classAxis, dtypes.Int32)
	return ReduceAllSum(nll), ReduceAllSum(valid)
}

func meanLoss(sum, count *Node) *Node {
	return Div(sum, Max(count, OnesLike(count)))
}
