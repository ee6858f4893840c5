// Package data defines the batches fed to the model and the datasets that produce them: synthetic data, fixed lists
// of batches and tokenized examples read from JSON-lines files. It also holds the sinks of inference results.
package data

import (
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"iter"
)

// Batch holds the tensors fed to one step, by input name (see bert.InputNames and bert.LabelNames).
//
// Every tensor has a leading axis of micro-batches (options.Options.MicroBatchesPerStep), followed by the batch
// size and the per-example dimensions.
type Batch map[string]*tensors.Tensor

// UniqueIDs is the name of an optional int64 tensor shaped [microBatches, batchSize] identifying each example of
// the batch. It is not fed to the model, and is used to match inference results to the examples.
const UniqueIDs = "unique_ids"

// Select returns the tensors of the batch with the given names. It fails if any is missing.
func (b Batch) Select(names []string) (map[string]*tensors.Tensor, error) {
	selected := make(map[string]*tensors.Tensor, len(names))
	for _, name := range names {
		t, found := b[name]
		if !found {
			return nil, errors.Errorf("batch has no %q tensor", name)
		}
		selected[name] = t
	}
	return selected, nil
}

// AllZero returns whether every value of every tensor named is zero. For labels, zero is padding.
// It fails if any tensor is missing.
func (b Batch) AllZero(names []string) (bool, error) {
	for _, name := range names {
		t, found := b[name]
		if !found {
			return false, errors.Errorf("batch has no %q tensor", name)
		}
		zero, err := xtensors.AllEqual(t, 0)
		if err != nil {
			return false, errors.WithMessagef(err, "tensor %q", name)
		}
		if !zero {
			return false, nil
		}
	}
	return true, nil
}

// MicroBatch returns the tensors of the micro-batch idx, without the leading axis.
func (b Batch) MicroBatch(idx int) (Batch, error) {
	micro := make(Batch, len(b))
	for name, t := range b {
		sliced, err := xtensors.SliceLeading(t, idx)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", name)
		}
		micro[name] = sliced
	}
	return micro, nil
}

// Dataset produces the batches of an epoch.
type Dataset interface {
	// Len is the number of steps per epoch.
	Len() int

	// BatchesPerStep is the number of batches processed by the device in each step.
	BatchesPerStep() int

	// Batches iterates over the batches of one epoch. Each call starts a new epoch.
	Batches() iter.Seq2[Batch, error]
}

// SliceDataset is a Dataset over a fixed list of batches.
type SliceDataset struct {
	Steps             []Batch
	NumBatchesPerStep int
}

// Len implements Dataset.
func (ds *SliceDataset) Len() int { return len(ds.Steps) }

// BatchesPerStep implements Dataset.
func (ds *SliceDataset) BatchesPerStep() int { return ds.NumBatchesPerStep }

// Batches implements Dataset.
func (ds *SliceDataset) Batches() iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		for _, batch := range ds.Steps {
			if !yield(batch, nil) {
				return
			}
		}
	}
}
