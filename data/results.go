package data

import (
	"bufio"
	"github.com/goccy/go-json"
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"os"
	"path/filepath"
)

// ResultSink receives the results of inference, step by step.
type ResultSink interface {
	// AddResults of the step that processed batch. Results are the outputs of the model by name, with the same
	// leading micro-batches axis as the batch.
	AddResults(batch Batch, results map[string]*tensors.Tensor) error

	// WritePredictions is called once after the last step.
	WritePredictions() error
}

// RawResultsFileName is the name of the file written by JSONLResultSink.
const RawResultsFileName = "raw_results.jsonl"

// RawResult holds the SQuAD logits of one example.
type RawResult struct {
	UniqueID    int64     `json:"unique_id"`
	StartLogits []float32 `json:"start_logits"`
	EndLogits   []float32 `json:"end_logits"`
}

// JSONLResultSink writes the raw SQuAD results, one RawResult per line, for post-processing into answers.
type JSONLResultSink struct {
	Path string

	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder

	numResults int
}

// NewJSONLResultSink creates the raw results file in dir.
func NewJSONLResultSink(dir string) (*JSONLResultSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create results directory %q", dir)
	}
	sink := &JSONLResultSink{Path: filepath.Join(dir, RawResultsFileName)}
	var err error
	sink.f, err = os.Create(sink.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create results file %q", sink.Path)
	}
	sink.buf = bufio.NewWriter(sink.f)
	sink.enc = json.NewEncoder(sink.buf)
	return sink, nil
}

// NumResults written so far.
func (sink *JSONLResultSink) NumResults() int { return sink.numResults }

// AddResults implements ResultSink.
func (sink *JSONLResultSink) AddResults(batch Batch, results map[string]*tensors.Tensor) error {
	startT, endT := results[bert.OutputStartLogits], results[bert.OutputEndLogits]
	if startT == nil || endT == nil {
		return errors.Errorf("results require %q and %q", bert.OutputStartLogits, bert.OutputEndLogits)
	}
	if !startT.Shape().Equal(endT.Shape()) || startT.Rank() < 2 {
		return errors.Errorf("start and end logits must have the same shape of rank >= 2, got %s and %s",
			startT.Shape(), endT.Shape())
	}
	starts, err := xtensors.Float32s(startT)
	if err != nil {
		return err
	}
	ends, err := xtensors.Float32s(endT)
	if err != nil {
		return err
	}
	seqLen := startT.Shape().Dimensions[startT.Rank()-1]
	numExamples := len(starts) / seqLen

	var ids []int64
	if idsT, found := batch[UniqueIDs]; found {
		tensors.ConstFlatData[int64](idsT, func(flat []int64) {
			ids = append(ids, flat...)
		})
		if len(ids) != numExamples {
			return errors.Errorf("batch has %d unique ids, but results have %d examples", len(ids), numExamples)
		}
	}
	for ii := range numExamples {
		result := RawResult{
			UniqueID:    int64(sink.numResults),
			StartLogits: starts[ii*seqLen : (ii+1)*seqLen],
			EndLogits:   ends[ii*seqLen : (ii+1)*seqLen],
		}
		if ids != nil {
			result.UniqueID = ids[ii]
		}
		if err = sink.enc.Encode(&result); err != nil {
			return errors.Wrapf(err, "failed to write results to %q", sink.Path)
		}
		sink.numResults++
	}
	return nil
}

// WritePredictions implements ResultSink: it flushes and closes the results file.
func (sink *JSONLResultSink) WritePredictions() error {
	err := sink.buf.Flush()
	if closeErr := sink.f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write results to %q", sink.Path)
	}
	return nil
}
