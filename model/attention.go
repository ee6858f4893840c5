package model

import (
	"github.com/gomlx/bert/bert"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"math"
)

// maskedValue is added to the attention logits of the masked out keys.
const maskedValue = -10000.0

// LengthMask returns a boolean mask shaped [batchSize, sequenceLength], true for positions < lengths.
// Lengths is shaped [batchSize].
func LengthMask(lengths *Node, sequenceLength int) *Node {
	g := lengths.Graph()
	batchSize := lengths.Shape().Dim(0)
	positions := Iota(g, shapes.Make(dtypes.Int32, batchSize, sequenceLength), 1)
	limits := BroadcastToDims(Reshape(ConvertDType(lengths, dtypes.Int32), batchSize, 1), batchSize, sequenceLength)
	return LessThan(positions, limits)
}

// PretrainingMask returns the mask of the valid positions of pretraining sequences, where the first maskTokens
// positions hold the masked tokens: position j is valid if j < numMasked, or if maskTokens <= j < seqLength.
func PretrainingMask(numMasked, seqLength *Node, maskTokens, sequenceLength int) *Node {
	g := numMasked.Graph()
	batchSize := numMasked.Shape().Dim(0)
	positions := Iota(g, shapes.Make(dtypes.Int32, batchSize, sequenceLength), 1)
	afterMasked := GreaterOrEqual(positions, BroadcastToDims(Scalar(g, dtypes.Int32, maskTokens), batchSize, sequenceLength))
	return Or(
		LengthMask(numMasked, sequenceLength),
		And(afterMasked, LengthMask(seqLength, sequenceLength)))
}

// Attention implements the self-attention block of an encoder layer, including its residual connection and
// normalization. The query, key and value projections are fused in one [HiddenSize, 3*HiddenSize] weight.
//
// x is shaped [batchSize, sequenceLength, HiddenSize] and keyMask [batchSize, sequenceLength].
func Attention(ctx *context.Context, config *bert.Config, layer int, x, keyMask *Node) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	batchSize, seqLen, hidden := dims[0], dims[1], dims[2]
	numHeads, headDim := config.AttentionHeads, config.HeadDim()

	qkvWeights := weight(ctx, g, bert.LayerName(layer, bert.AttentionQKV), x.DType(), nil, hidden, 3*hidden)
	qkv := matMulLast(x, qkvWeights)
	project := func(part int) *Node {
		projection := Slice(qkv, AxisRange(), AxisRange(), AxisRange(part*hidden, (part+1)*hidden))
		return Reshape(projection, batchSize, seqLen, numHeads, headDim)
	}
	query, key, value := project(0), project(1), project(2)
	query = MulScalar(query, 1/math.Sqrt(float64(headDim)))

	logits := Einsum("bqnd,bknd->bnqk", query, key)
	additiveMask := MulScalar(OneMinus(ConvertDType(keyMask, logits.DType())), maskedValue)
	additiveMask = BroadcastToDims(Reshape(additiveMask, batchSize, 1, 1, seqLen), batchSize, numHeads, seqLen, seqLen)
	probs := Softmax(Add(logits, additiveMask), -1)
	probs = dropout(ctx, config, probs)

	attended := Einsum("bnqk,bknd->bqnd", probs, value)
	attended = Reshape(attended, batchSize, seqLen, hidden)
	out := Dense(ctx, attended, bert.LayerName(layer, bert.AttentionOut), "", hidden)
	out = dropout(ctx, config, out)
	return LayerNorm(ctx, Add(x, out),
		bert.LayerName(layer, bert.AttentionGamma), bert.LayerName(layer, bert.AttentionBeta), config.LayerNormEpsilon)
}

// FeedForward implements the feed-forward block of an encoder layer, including its residual connection and
// normalization.
func FeedForward(ctx *context.Context, config *bert.Config, layer int, x *Node) *Node {
	hidden := Dense(ctx, x, bert.LayerName(layer, bert.FF1W), bert.LayerName(layer, bert.FF1B), config.FFSize)
	hidden = Gelu(hidden)
	out := Dense(ctx, hidden, bert.LayerName(layer, bert.FF2W), bert.LayerName(layer, bert.FF2B), config.HiddenSize)
	out = dropout(ctx, config, out)
	return LayerNorm(ctx, Add(x, out),
		bert.LayerName(layer, bert.FFGamma), bert.LayerName(layer, bert.FFBeta), config.LayerNormEpsilon)
}

// DropoutRate used everywhere in the model, unless the config disables dropout.
const DropoutRate = 0.1

func dropout(ctx *context.Context, config *bert.Config, x *Node) *Node {
	if config.NoDropout {
		return x
	}
	return layers.DropoutStatic(ctx, x, DropoutRate)
}
