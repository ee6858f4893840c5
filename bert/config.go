// Package bert holds the configuration of the BERT model: sizes, precision, the task it is trained for and
// how it is laid out on the devices.
package bert

import (
	"github.com/goccy/go-json"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"os"
	"slices"
	"strings"
)

// TaskType is the task the model is built for. It selects the heads of the model, the inputs it takes and
// how its outputs are scored.
type TaskType int

const (
	UnknownTask TaskType = iota

	// Pretraining has two objectives: masked-language-model (MLM) and next-sentence-prediction (NSP).
	Pretraining

	// Squad is extractive question-answering: a single objective predicting start and end positions.
	Squad
)

var taskNames = map[TaskType]string{
	UnknownTask: "UNKNOWN",
	Pretraining: "PRETRAINING",
	Squad:       "SQUAD",
}

// String implements fmt.Stringer.
func (t TaskType) String() string {
	if name, found := taskNames[t]; found {
		return name
	}
	return "UNKNOWN"
}

// ParseTaskType converts "PRETRAINING" or "SQUAD" (case-insensitive) to a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	for t, name := range taskNames {
		if t != UnknownTask && strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return UnknownTask, errors.Errorf("unknown task %q, valid values are PRETRAINING or SQUAD", s)
}

// ExecutionMode defines how the model graph is laid out on the devices.
type ExecutionMode int

const (
	// DefaultExecution runs each layer on its virtual graph without overlapping micro-batches.
	DefaultExecution ExecutionMode = iota

	// PipelineExecution splits layers in stages that process overlapping micro-batches.
	PipelineExecution
)

// String implements fmt.Stringer.
func (m ExecutionMode) String() string {
	if m == PipelineExecution {
		return "PIPELINE"
	}
	return "DEFAULT"
}

// ParseExecutionMode converts "DEFAULT" or "PIPELINE" (case-insensitive) to an ExecutionMode.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch strings.ToUpper(s) {
	case "", "DEFAULT":
		return DefaultExecution, nil
	case "PIPELINE":
		return PipelineExecution, nil
	}
	return DefaultExecution, errors.Errorf("unknown execution mode %q, valid values are DEFAULT or PIPELINE", s)
}

// Custom operations the model may use.
const (
	CustomOpGather    = "gather"
	CustomOpAttention = "attention"
)

// Config of the BERT model.
type Config struct {
	Task          TaskType
	ExecutionMode ExecutionMode
	DType         dtypes.DType

	VocabLength         int
	HiddenSize          int
	SequenceLength      int
	MaxPositionalLength int
	FFSize              int
	AttentionHeads      int
	NumLayers           int
	LayersPerIPU        int

	// MaskTokens is the number of masked tokens per sequence, for Pretraining. The dataset places them at the
	// start of the sequence.
	MaskTokens int
	BatchSize  int

	// CustomOps enabled, see CustomOpGather and CustomOpAttention.
	CustomOps []string

	NoDropout                    bool
	LayerNormEpsilon             float64
	ProjectionSerializationSteps int
}

// DefaultConfig returns a BERT-Base config for pretraining.
func DefaultConfig() *Config {
	return &Config{
		Task:                         Pretraining,
		ExecutionMode:                DefaultExecution,
		DType:                        dtypes.Float32,
		VocabLength:                  30400,
		HiddenSize:                   768,
		SequenceLength:               128,
		MaxPositionalLength:          512,
		FFSize:                       3072,
		AttentionHeads:               12,
		NumLayers:                    12,
		LayersPerIPU:                 4,
		MaskTokens:                   20,
		BatchSize:                    1,
		CustomOps:                    []string{CustomOpGather, CustomOpAttention},
		LayerNormEpsilon:             1e-3,
		ProjectionSerializationSteps: 5,
	}
}

// UsesGatherEmbedding returns whether the embedding lookups use the gather custom op, in which case the
// embedding tables are stored transposed ([HiddenSize, N]).
func (c *Config) UsesGatherEmbedding() bool {
	return slices.Contains(c.CustomOps, CustomOpGather)
}

// HeadDim is the size of each attention head.
func (c *Config) HeadDim() int {
	return c.HiddenSize / c.AttentionHeads
}

// Validate checks the config for inconsistencies.
func (c *Config) Validate() error {
	switch {
	case c.Task != Pretraining && c.Task != Squad:
		return errors.Errorf("invalid task %s", c.Task)
	case c.DType != dtypes.Float32 && c.DType != dtypes.Float16:
		return errors.Errorf("dtype must be Float32 or Float16, got %s", c.DType)
	case c.VocabLength <= 0 || c.HiddenSize <= 0 || c.FFSize <= 0 || c.NumLayers <= 0:
		return errors.Errorf("vocab length, hidden size, ff size and number of layers must be > 0")
	case c.AttentionHeads <= 0 || c.HiddenSize%c.AttentionHeads != 0:
		return errors.Errorf("hidden size (%d) must be divisible by the number of attention heads (%d)",
			c.HiddenSize, c.AttentionHeads)
	case c.SequenceLength <= 0 || c.SequenceLength > c.MaxPositionalLength:
		return errors.Errorf("sequence length (%d) must be in 1..%d (max positional length)",
			c.SequenceLength, c.MaxPositionalLength)
	case c.BatchSize <= 0:
		return errors.Errorf("batch size must be > 0, got %d", c.BatchSize)
	case c.LayersPerIPU <= 0:
		return errors.Errorf("layers per IPU must be > 0, got %d", c.LayersPerIPU)
	}
	if c.Task == Pretraining && (c.MaskTokens <= 0 || c.MaskTokens >= c.SequenceLength) {
		return errors.Errorf("mask tokens (%d) must be in 1..%d for pretraining", c.MaskTokens, c.SequenceLength-1)
	}
	return nil
}

// tfConfig is the JSON format of Google Research's "bert_config.json".
type tfConfig struct {
	VocabSize             int `json:"vocab_size"`
	HiddenSize            int `json:"hidden_size"`
	MaxPositionEmbeddings int `json:"max_position_embeddings"`
	IntermediateSize      int `json:"intermediate_size"`
	NumAttentionHeads     int `json:"num_attention_heads"`
	NumHiddenLayers       int `json:"num_hidden_layers"`
}

// LoadTFConfig reads the model configuration from Google Research's checkpoint format ("bert_config.json").
//
// The fields not in that file take the values used when importing such checkpoints: batch size 1, Float32,
// no dropout and both custom ops enabled.
func LoadTFConfig(configPath string) (*Config, error) {
	configPath = data.ReplaceTildeInDir(configPath)
	contents, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read BERT config from %q", configPath)
	}
	var tf tfConfig
	if err = json.Unmarshal(contents, &tf); err != nil {
		return nil, errors.Wrapf(err, "failed to parse BERT config in %q", configPath)
	}
	c := DefaultConfig()
	c.VocabLength = tf.VocabSize
	c.HiddenSize = tf.HiddenSize
	c.SequenceLength = tf.MaxPositionEmbeddings
	c.MaxPositionalLength = tf.MaxPositionEmbeddings
	c.FFSize = tf.IntermediateSize
	c.AttentionHeads = tf.NumAttentionHeads
	c.NumLayers = tf.NumHiddenLayers
	c.ProjectionSerializationSteps = 2
	c.BatchSize = 1
	c.DType = dtypes.Float32
	c.NoDropout = true
	c.CustomOps = []string{CustomOpGather, CustomOpAttention}
	return c, nil
}
