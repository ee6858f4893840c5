package tfimport

import (
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/trees"
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"strings"
)

// Load reads from the checkpoint the variables that are present in mapping. Other variables are ignored.
//
// It returns the names of the variables read, and their values, in the order enumerated by the reader.
func Load(reader Reader, mapping map[string]string) (names []string, arrays []*tensors.Tensor, err error) {
	infos, err := reader.Variables()
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to list checkpoint variables")
	}
	for _, info := range infos {
		if _, found := mapping[info.Name]; !found {
			klog.V(2).Infof("checkpoint variable %q (%s) not used", info.Name, info.Shape)
			continue
		}
		var t *tensors.Tensor
		t, err = reader.Load(info.Name)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "failed to load checkpoint variable %q", info.Name)
		}
		names = append(names, info.Name)
		arrays = append(arrays, t)
	}
	return
}

// qkvPartOffsets maps the name of the query, key and value parts to their position in the fused QKV matrix.
var qkvPartOffsets = map[string]int{"query": 0, "key": 1, "value": 2}

// qkvBuffer holds a fused QKV matrix being assembled.
type qkvBuffer struct {
	matrix *tensors.Tensor
	filled [3]bool
}

// GenerateInitializers converts the checkpoint variables (names and arrays, as returned by Load) to the model
// initializers, organized in a tree by their "/" separated names.
//
// Each variable is renamed with mapping, and:
//
//   - Float32 values are narrowed to Float16 if config.DType is Float16.
//   - The query, key and value kernels of a layer, shaped [in, out], are written to the column ranges
//     [0, out), [out, 2*out) and [2*out, 3*out) of a fused QKV matrix shaped [in, 3*out].
//     The order in which the parts are given doesn't matter, but all three must be present.
//   - The word embedding table is cropped or padded with zero rows to config.VocabLength rows.
//   - The word and positional embedding tables are transposed if config uses the gather embedding.
//
// The returned tensors never share storage with the given arrays.
func GenerateInitializers(mapping map[string]string, config *bert.Config, names []string, arrays []*tensors.Tensor) (
	*trees.Tree[*tensors.Tensor], error) {
	if len(names) != len(arrays) {
		return nil, errors.Errorf("GenerateInitializers got %d names but %d arrays", len(names), len(arrays))
	}
	initializers := make(map[string]*tensors.Tensor, len(names))
	qkvBuffers := make(map[string]*qkvBuffer)
	for ii, name := range names {
		target, found := mapping[name]
		if !found {
			continue
		}
		array := arrays[ii]
		var err error
		if config.DType == dtypes.Float16 && array.DType() == dtypes.Float32 {
			array, err = xtensors.ToFloat16(array)
			if err != nil {
				return nil, errors.WithMessagef(err, "converting %q to Float16", name)
			}
		}

		if strings.HasSuffix(target, bert.AttentionQKV) {
			if err = writeQKVPart(qkvBuffers, name, target, array); err != nil {
				return nil, err
			}
			continue
		}

		switch target {
		case bert.EmbeddingDict:
			array, err = resizeVocabulary(array, config.VocabLength)
		default:
			array, err = xtensors.Clone(array)
		}
		if err == nil && config.UsesGatherEmbedding() && (target == bert.EmbeddingDict || target == bert.PositionalDict) {
			array, err = xtensors.Transpose2D(array)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "converting %q to %q", name, target)
		}
		initializers[target] = array
	}

	for _, target := range xslices.SortedKeys(qkvBuffers) {
		buffer := qkvBuffers[target]
		for part, offset := range qkvPartOffsets {
			if !buffer.filled[offset] {
				return nil, errors.Errorf("checkpoint is missing the %q kernel of %q", part, target)
			}
		}
		initializers[target] = buffer.matrix
	}
	return trees.FromFlat(initializers)
}

// writeQKVPart writes the query, key or value kernel in name to its columns of the fused matrix target, creating it
// if needed.
func writeQKVPart(buffers map[string]*qkvBuffer, name, target string, array *tensors.Tensor) error {
	parts := strings.Split(name, "/")
	if len(parts) < 2 {
		return errors.Errorf("can't find QKV part of variable %q", name)
	}
	offset, found := qkvPartOffsets[parts[len(parts)-2]]
	if !found {
		return errors.Errorf("variable %q is not a query, key or value kernel", name)
	}
	dims := array.Shape().Dimensions
	if len(dims) != 2 {
		return errors.Errorf("QKV part %q must be a matrix, got shape %s", name, array.Shape())
	}
	buffer := buffers[target]
	if buffer == nil {
		buffer = &qkvBuffer{matrix: xtensors.NewMatrix(array.DType(), dims[0], 3*dims[1])}
		buffers[target] = buffer
	}
	if err := xtensors.PutColumns(buffer.matrix, array, offset*dims[1]); err != nil {
		return errors.WithMessagef(err, "writing %q to %q", name, target)
	}
	buffer.filled[offset] = true
	return nil
}

// resizeVocabulary crops or pads with zeros the embedding table to vocabLength rows.
func resizeVocabulary(table *tensors.Tensor, vocabLength int) (*tensors.Tensor, error) {
	dims := table.Shape().Dimensions
	if len(dims) == 2 && dims[0] > vocabLength {
		klog.Warningf("Cropping the vocabulary from %d to %d rows may negatively affect performance", dims[0], vocabLength)
	}
	return xtensors.ResizeRows(table, vocabLength)
}

// LoadInitializers opens the checkpoint in checkpointPath and converts it to the initializers of a model with the
// given config.
func LoadInitializers(checkpointPath string, config *bert.Config) (*trees.Tree[*tensors.Tensor], error) {
	reader, err := OpenReader(checkpointPath)
	if err != nil {
		return nil, err
	}
	return LoadInitializersFrom(reader, config)
}

// LoadInitializersFrom converts the checkpoint read by reader to the initializers of a model with the given config.
func LoadInitializersFrom(reader Reader, config *bert.Config) (*trees.Tree[*tensors.Tensor], error) {
	mapping := Mapping(config)
	names, arrays, err := Load(reader, mapping)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Loaded %d variables from checkpoint", len(names))
	return GenerateInitializers(mapping, config, names, arrays)
}
