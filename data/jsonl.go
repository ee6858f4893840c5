package data

import (
	"bufio"
	"github.com/goccy/go-json"
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/options"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"io"
	"iter"
	"k8s.io/klog/v2"
	"os"
)

// Example is one tokenized example, as stored in a line of a JSON-lines input file.
//
// Sequences shorter than the configured sequence length are padded with zeros, longer ones are cropped. Token ids
// outside the vocabulary are replaced by 0 (padding).
type Example struct {
	UniqueID int64 `json:"unique_id,omitempty"`

	Indices []int32 `json:"indices"`

	// Positions default to 0, 1, ..., SequenceLength-1 if not given.
	Positions []int32 `json:"positions,omitempty"`
	Segments  []int32 `json:"segments"`

	// Pretraining.
	MaskTokensMaskIdx int32   `json:"mask_tokens_mask_idx"`
	SequenceMaskIdx   int32   `json:"sequence_mask_idx"`
	MaskLabels        []int32 `json:"mask_labels"`
	NSPLabel          int32   `json:"nsp_labels"`

	// SQuAD.
	SeqPadIdx  int32 `json:"seq_pad_idx"`
	StartLabel int32 `json:"start_labels"`
	EndLabel   int32 `json:"end_labels"`
}

// JSONLDataset is a Dataset of the examples read from JSON-lines files, one Example per line, in file order.
// Examples that don't fill a complete step at the end are dropped.
type JSONLDataset struct {
	Config    bert.Config
	Inference bool
	Examples  []Example

	batchesPerStep, microBatches int
}

// NewJSONLDataset reads all the examples of opts.InputFiles.
func NewJSONLDataset(opts *options.Options) (*JSONLDataset, error) {
	ds := &JSONLDataset{
		Config:         opts.Config,
		Inference:      opts.Inference,
		batchesPerStep: opts.BatchesPerStep,
		microBatches:   opts.MicroBatchesPerStep(),
	}
	for _, filePath := range opts.InputFiles {
		examples, err := ReadExamples(filePath)
		if err != nil {
			return nil, err
		}
		ds.Examples = append(ds.Examples, examples...)
	}
	if ds.Len() == 0 {
		return nil, errors.Errorf("not enough examples in %v for a single step of %d examples",
			opts.InputFiles, ds.examplesPerStep())
	}
	klog.V(1).Infof("Read %d examples from %d files: %d steps per epoch", len(ds.Examples), len(opts.InputFiles), ds.Len())
	return ds, nil
}

// ReadExamples reads the examples of a JSON-lines file.
func ReadExamples(filePath string) ([]Example, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open examples file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var examples []Example
	dec := json.NewDecoder(bufio.NewReader(f))
	for {
		var example Example
		err = dec.Decode(&example)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse example #%d of %q", len(examples), filePath)
		}
		examples = append(examples, example)
	}
	return examples, nil
}

func (ds *JSONLDataset) examplesPerStep() int {
	return ds.microBatches * ds.Config.BatchSize
}

// Len implements Dataset.
func (ds *JSONLDataset) Len() int { return len(ds.Examples) / ds.examplesPerStep() }

// BatchesPerStep implements Dataset.
func (ds *JSONLDataset) BatchesPerStep() int { return ds.batchesPerStep }

// Batches implements Dataset.
func (ds *JSONLDataset) Batches() iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		perStep := ds.examplesPerStep()
		for step := range ds.Len() {
			if !yield(ds.batch(ds.Examples[step*perStep:(step+1)*perStep]), nil) {
				return
			}
		}
	}
}

// fit copies values into dst, cropping or leaving the zero padding, and replacing out of vocabulary ids by 0
// if vocab > 0.
func fit(dst, values []int32, vocab int) {
	n := copy(dst, values)
	if vocab <= 0 {
		return
	}
	for ii := range n {
		if dst[ii] < 0 || int(dst[ii]) >= vocab {
			dst[ii] = 0
		}
	}
}

func (ds *JSONLDataset) batch(examples []Example) Batch {
	cfg := &ds.Config
	m, b, s := ds.microBatches, cfg.BatchSize, cfg.SequenceLength
	n := len(examples)
	ids := make([]int64, n)
	indices := make([]int32, n*s)
	positions := make([]int32, n*s)
	segments := make([]int32, n*s)
	for ii, example := range examples {
		ids[ii] = example.UniqueID
		fit(indices[ii*s:(ii+1)*s], example.Indices, cfg.VocabLength)
		fit(segments[ii*s:(ii+1)*s], example.Segments, 0)
		if len(example.Positions) > 0 {
			fit(positions[ii*s:(ii+1)*s], example.Positions, 0)
		} else {
			for pos := range s {
				positions[ii*s+pos] = int32(pos)
			}
		}
	}
	batch := Batch{
		UniqueIDs:           tensors.FromFlatDataAndDimensions(ids, m, b),
		bert.InputIndices:   tensors.FromFlatDataAndDimensions(indices, m, b, s),
		bert.InputPositions: tensors.FromFlatDataAndDimensions(positions, m, b, s),
		bert.InputSegments:  tensors.FromFlatDataAndDimensions(segments, m, b, s),
	}

	perExample := func(fn func(Example) int32) *tensors.Tensor {
		values := make([]int32, n)
		for ii, example := range examples {
			values[ii] = fn(example)
		}
		return tensors.FromFlatDataAndDimensions(values, m, b)
	}
	switch cfg.Task {
	case bert.Pretraining:
		maskLabels := make([]int32, n*cfg.MaskTokens)
		for ii, example := range examples {
			fit(maskLabels[ii*cfg.MaskTokens:(ii+1)*cfg.MaskTokens], example.MaskLabels, cfg.VocabLength)
		}
		batch[bert.InputMaskTokensMaskIdx] = perExample(func(e Example) int32 { return e.MaskTokensMaskIdx })
		batch[bert.InputSequenceMaskIdx] = perExample(func(e Example) int32 { return e.SequenceMaskIdx })
		batch[bert.LabelMask] = tensors.FromFlatDataAndDimensions(maskLabels, m, b, cfg.MaskTokens)
		batch[bert.LabelNSP] = perExample(func(e Example) int32 { return e.NSPLabel })
	case bert.Squad:
		batch[bert.InputSeqPadIdx] = perExample(func(e Example) int32 { return e.SeqPadIdx })
		if !ds.Inference {
			batch[bert.LabelStart] = perExample(func(e Example) int32 { return e.StartLabel })
			batch[bert.LabelEnd] = perExample(func(e Example) int32 { return e.EndLabel })
		}
	}
	return batch
}
