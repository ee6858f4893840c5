package model

import (
	"github.com/gomlx/bert/trees"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"math"
)

// weight returns the value of the variable named by the "/" separated weight name (see package bert), creating it
// with the given initializer if it was not loaded. If initializer is nil the context default is used.
func weight(ctx *context.Context, g *Graph, weightName string, dtype dtypes.DType,
	initializer initializers.VariableInitializer, dims ...int) *Node {
	path := trees.ParsePath(weightName)
	for _, scope := range path.Scope() {
		ctx = ctx.In(scope)
	}
	name := path.Name()
	if v := ctx.InspectVariable(ctx.Scope(), name); v != nil {
		return v.ValueGraph(g)
	}
	if initializer != nil {
		ctx = ctx.WithInitializer(initializer)
	}
	return ctx.VariableWithShape(name, shapes.Make(dtype, dims...)).ValueGraph(g)
}

// LayerNorm normalizes x over its last axis to zero mean and unit variance, and applies the learned scale (gamma)
// and offset (beta) weights.
func LayerNorm(ctx *context.Context, x *Node, gammaName, betaName string, epsilon float64) *Node {
	g := x.Graph()
	dim := x.Shape().Dim(-1)
	mean := ReduceAndKeep(x, ReduceMean, -1)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, -1)
	normalizedX := Mul(centered, Rsqrt(AddScalar(variance, epsilon)))

	gamma := weight(ctx, g, gammaName, x.DType(), initializers.One, dim)
	beta := weight(ctx, g, betaName, x.DType(), initializers.Zero, dim)
	gamma = ExpandLeftToRank(gamma, normalizedX.Rank())
	beta = ExpandLeftToRank(beta, normalizedX.Rank())
	return Add(Mul(normalizedX, gamma), beta)
}

// Dense applies x·W (+ B if biasName is not empty) over the last axis of x.
func Dense(ctx *context.Context, x *Node, weightName, biasName string, outputDim int) *Node {
	g := x.Graph()
	w := weight(ctx, g, weightName, x.DType(), nil, x.Shape().Dim(-1), outputDim)
	y := matMulLast(x, w)
	if biasName != "" {
		b := weight(ctx, g, biasName, x.DType(), initializers.Zero, outputDim)
		y = Add(y, ExpandLeftToRank(b, y.Rank()))
	}
	return y
}

// matMulLast multiplies the last axis of x by the matrix w, shaped [x.Dim(-1), outputDim].
func matMulLast(x, w *Node) *Node {
	dims := x.Shape().Dimensions
	inputDim := dims[len(dims)-1]
	flat := Reshape(x, x.Shape().Size()/inputDim, inputDim)
	y := Dot(flat, w)
	outputDims := append(append([]int{}, dims[:len(dims)-1]...), w.Shape().Dim(-1))
	return Reshape(y, outputDims...)
}

// Gelu activation, in its tanh approximation.
func Gelu(x *Node) *Node {
	cube := Mul(x, Mul(x, x))
	inner := MulScalar(Add(x, MulScalar(cube, 0.044715)), math.Sqrt(2/math.Pi))
	return Mul(MulScalar(x, 0.5), OnePlus(Tanh(inner)))
}
