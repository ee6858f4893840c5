package huggingface

import (
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/tfimport"
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestConvertName(t *testing.T) {
	for _, tc := range []struct {
		name, tfName string
		transpose    bool
	}{
		{"bert.embeddings.word_embeddings.weight", "bert/embeddings/word_embeddings", false},
		{"embeddings.position_embeddings.weight", "bert/embeddings/position_embeddings", false},
		{"bert.embeddings.token_type_embeddings.weight", "bert/embeddings/token_type_embeddings", false},
		{"bert.embeddings.LayerNorm.weight", "bert/embeddings/LayerNorm/gamma", false},
		{"bert.embeddings.LayerNorm.beta", "bert/embeddings/LayerNorm/beta", false},
		{"bert.encoder.layer.3.attention.self.query.weight", "bert/encoder/layer_3/attention/self/query/kernel", true},
		{"bert.encoder.layer.3.attention.self.value.bias", "bert/encoder/layer_3/attention/self/value/bias", false},
		{"bert.encoder.layer.0.attention.output.dense.weight", "bert/encoder/layer_0/attention/output/dense/kernel", true},
		{"bert.encoder.layer.0.attention.output.LayerNorm.gamma", "bert/encoder/layer_0/attention/output/LayerNorm/gamma", false},
		{"bert.encoder.layer.11.intermediate.dense.bias", "bert/encoder/layer_11/intermediate/dense/bias", false},
		{"bert.encoder.layer.11.output.dense.weight", "bert/encoder/layer_11/output/dense/kernel", true},
		{"bert.encoder.layer.11.output.LayerNorm.bias", "bert/encoder/layer_11/output/LayerNorm/beta", false},
		{"bert.pooler.dense.weight", "bert/pooler/dense/kernel", true},
		{"cls.predictions.transform.dense.bias", "cls/predictions/transform/dense/bias", false},
		{"cls.predictions.transform.LayerNorm.weight", "cls/predictions/transform/LayerNorm/gamma", false},
		{"cls.predictions.bias", "", false},
		{"cls.seq_relationship.weight", "", false},
		{"qa_outputs.weight", "", false},
		{"bert.encoder.layer.x.output.dense.weight", "", false},
		{"bert.embeddings.position_ids", "", false},
	} {
		tfName, transpose := ConvertName(tc.name)
		require.Equalf(t, tc.tfName, tfName, "converting %q", tc.name)
		require.Equalf(t, tc.transpose, transpose, "converting %q", tc.name)
	}
}

func TestConvertedNamesAreMapped(t *testing.T) {
	config := bert.DefaultConfig()
	config.NumLayers = 2
	mapping := tfimport.Mapping(config)
	var names []string
	for _, prefix := range []string{"bert.encoder.layer.0.", "bert.encoder.layer.1."} {
		for _, suffix := range []string{
			"attention.self.query.weight", "attention.self.key.weight", "attention.self.value.weight",
			"attention.output.dense.weight", "attention.output.LayerNorm.weight", "attention.output.LayerNorm.bias",
			"intermediate.dense.weight", "intermediate.dense.bias", "output.dense.weight", "output.dense.bias",
			"output.LayerNorm.weight", "output.LayerNorm.bias",
		} {
			names = append(names, prefix+suffix)
		}
	}
	names = append(names, "bert.embeddings.word_embeddings.weight", "bert.embeddings.position_embeddings.weight",
		"bert.embeddings.token_type_embeddings.weight", "bert.embeddings.LayerNorm.weight",
		"bert.embeddings.LayerNorm.bias", "bert.pooler.dense.weight", "bert.pooler.dense.bias",
		"cls.predictions.transform.dense.weight", "cls.predictions.transform.dense.bias",
		"cls.predictions.transform.LayerNorm.weight", "cls.predictions.transform.LayerNorm.bias")
	mapped := make(map[string]bool)
	for _, name := range names {
		tfName, _ := ConvertName(name)
		_, found := mapping[tfName]
		require.Truef(t, found, "%q converted to %q, which is not mapped", name, tfName)
		mapped[tfName] = true
	}
	require.Len(t, mapped, len(mapping), "every mapped TensorFlow name has a HuggingFace counterpart")
}

func TestAdd(t *testing.T) {
	reader := make(tfimport.MemoryReader)
	// HuggingFace Linear weights are [out, in].
	weight := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	require.NoError(t, Add(reader, "bert.pooler.dense.weight", weight))
	require.NoError(t, Add(reader, "cls.seq_relationship.bias", tensors.FromFlatDataAndDimensions([]float32{0, 1}, 2)))
	require.Len(t, reader, 1)

	kernel, err := reader.Load("bert/pooler/dense/kernel")
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, kernel.Shape().Dimensions)
	values, err := xtensors.Float32s(kernel)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 3, 5, 2, 4, 6}, values)

	// Both "weight" and "gamma" map to the same name.
	gamma := tensors.FromFlatDataAndDimensions([]float32{1, 1}, 2)
	require.NoError(t, Add(reader, "bert.embeddings.LayerNorm.weight", gamma))
	require.Error(t, Add(reader, "bert.embeddings.LayerNorm.gamma", gamma))
}
