// Package tfimport converts BERT checkpoints from Google Research's TensorFlow naming to the model initializers.
//
// The checkpoint is read through a Reader. The variables found are renamed with the table returned by Mapping,
// and adapted to the model configuration by GenerateInitializers: the query, key and value kernels of each layer
// are fused in one matrix, the vocabulary is padded or cropped, embeddings are transposed for the gather embedding,
// and values are narrowed to Float16 if the model requires it.
package tfimport

import (
	"fmt"
	"github.com/gomlx/bert/bert"
)

// layerMapping maps the names under "bert/encoder/layer_<i>/" to the layer initializer names.
var layerMapping = map[string]string{
	"attention/self/query/kernel":      bert.AttentionQKV,
	"attention/self/key/kernel":        bert.AttentionQKV,
	"attention/self/value/kernel":      bert.AttentionQKV,
	"attention/output/dense/kernel":    bert.AttentionOut,
	"attention/output/LayerNorm/gamma": bert.AttentionGamma,
	"attention/output/LayerNorm/beta":  bert.AttentionBeta,
	"intermediate/dense/kernel":        bert.FF1W,
	"intermediate/dense/bias":          bert.FF1B,
	"output/dense/kernel":              bert.FF2W,
	"output/dense/bias":                bert.FF2B,
	"output/LayerNorm/gamma":           bert.FFGamma,
	"output/LayerNorm/beta":            bert.FFBeta,
}

// Mapping returns the table of TensorFlow variable names to model initializer names, for a model with
// config.NumLayers layers.
//
// The query, key and value kernels of a layer all map to the same bert.AttentionQKV initializer.
// The next-sentence-prediction classifier is not mapped: TensorFlow stores it transposed and it is trained
// from scratch.
func Mapping(config *bert.Config) map[string]string {
	mapping := map[string]string{
		"bert/embeddings/word_embeddings":           bert.EmbeddingDict,
		"bert/embeddings/position_embeddings":       bert.PositionalDict,
		"bert/embeddings/token_type_embeddings":     bert.SegmentDict,
		"bert/embeddings/LayerNorm/gamma":           bert.EmbeddingGamma,
		"bert/embeddings/LayerNorm/beta":            bert.EmbeddingBeta,
		"bert/pooler/dense/kernel":                  bert.NSPPoolW,
		"bert/pooler/dense/bias":                    bert.NSPPoolB,
		"cls/predictions/transform/dense/kernel":    bert.LMPredictionW,
		"cls/predictions/transform/dense/bias":      bert.LMPredictionB,
		"cls/predictions/transform/LayerNorm/gamma": bert.CLSGamma,
		"cls/predictions/transform/LayerNorm/beta":  bert.CLSBeta,
	}
	for layer := range config.NumLayers {
		prefix := fmt.Sprintf("bert/encoder/layer_%d/", layer)
		for source, target := range layerMapping {
			mapping[prefix+source] = bert.LayerName(layer, target)
		}
	}
	return mapping
}
