package data

import (
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/options"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"iter"
	"math/rand"
)

// Synthetic generates random but valid inputs for the task of the config. Every epoch generates the same
// batches, drawn from a generator seeded with Seed.
//
// Labels are never all padding: every sequence has at least one masked token, and NSP and SQuAD labels are always
// valid.
type Synthetic struct {
	Config    bert.Config
	Inference bool
	Seed      int64

	numSteps, batchesPerStep, microBatches int
}

// NewSynthetic creates a Synthetic dataset of opts.SyntheticSteps steps per epoch.
func NewSynthetic(opts *options.Options) (*Synthetic, error) {
	if opts.SyntheticSteps < 1 {
		return nil, errors.Errorf("synthetic dataset requires at least 1 step, got %d", opts.SyntheticSteps)
	}
	return &Synthetic{
		Config:         opts.Config,
		Inference:      opts.Inference,
		Seed:           opts.Seed,
		numSteps:       opts.SyntheticSteps,
		batchesPerStep: opts.BatchesPerStep,
		microBatches:   opts.MicroBatchesPerStep(),
	}, nil
}

// Len implements Dataset.
func (ds *Synthetic) Len() int { return ds.numSteps }

// BatchesPerStep implements Dataset.
func (ds *Synthetic) BatchesPerStep() int { return ds.batchesPerStep }

// Batches implements Dataset.
func (ds *Synthetic) Batches() iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		rng := rand.New(rand.NewSource(ds.Seed))
		for range ds.numSteps {
			if !yield(ds.generate(rng), nil) {
				return
			}
		}
	}
}

// randRange returns a random value in [from, to).
func randRange(rng *rand.Rand, from, to int) int32 {
	return int32(from + rng.Intn(to-from))
}

func (ds *Synthetic) generate(rng *rand.Rand) Batch {
	cfg := &ds.Config
	m, b, s := ds.microBatches, cfg.BatchSize, cfg.SequenceLength
	n := m * b
	indices := make([]int32, n*s)
	positions := make([]int32, n*s)
	segments := make([]int32, n*s)
	for ii := range indices {
		pos := ii % s
		indices[ii] = randRange(rng, 1, cfg.VocabLength)
		positions[ii] = int32(pos)
		if pos >= s/2 {
			segments[ii] = 1
		}
	}
	batch := Batch{
		bert.InputIndices:   tensors.FromFlatDataAndDimensions(indices, m, b, s),
		bert.InputPositions: tensors.FromFlatDataAndDimensions(positions, m, b, s),
		bert.InputSegments:  tensors.FromFlatDataAndDimensions(segments, m, b, s),
	}

	switch cfg.Task {
	case bert.Pretraining:
		numMasked := make([]int32, n)
		seqLen := make([]int32, n)
		maskLabels := make([]int32, n*cfg.MaskTokens)
		nspLabels := make([]int32, n)
		for ii := range n {
			numMasked[ii] = randRange(rng, 1, cfg.MaskTokens+1)
			seqLen[ii] = randRange(rng, cfg.MaskTokens+1, s+1)
			for jj := range int(numMasked[ii]) {
				maskLabels[ii*cfg.MaskTokens+jj] = randRange(rng, 1, cfg.VocabLength)
			}
			nspLabels[ii] = randRange(rng, 0, 2)
		}
		batch[bert.InputMaskTokensMaskIdx] = tensors.FromFlatDataAndDimensions(numMasked, m, b)
		batch[bert.InputSequenceMaskIdx] = tensors.FromFlatDataAndDimensions(seqLen, m, b)
		batch[bert.LabelMask] = tensors.FromFlatDataAndDimensions(maskLabels, m, b, cfg.MaskTokens)
		batch[bert.LabelNSP] = tensors.FromFlatDataAndDimensions(nspLabels, m, b)

	case bert.Squad:
		padIdx := make([]int32, n)
		starts := make([]int32, n)
		ends := make([]int32, n)
		for ii := range n {
			padIdx[ii] = randRange(rng, min(2, s), s+1)
			starts[ii] = randRange(rng, 0, int(padIdx[ii]))
			ends[ii] = randRange(rng, int(starts[ii]), int(padIdx[ii]))
		}
		batch[bert.InputSeqPadIdx] = tensors.FromFlatDataAndDimensions(padIdx, m, b)
		if !ds.Inference {
			batch[bert.LabelStart] = tensors.FromFlatDataAndDimensions(starts, m, b)
			batch[bert.LabelEnd] = tensors.FromFlatDataAndDimensions(ends, m, b)
		}
	}
	return batch
}
