package engine

import (
	"github.com/gomlx/bert/data"
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"maps"
	"slices"
	"sync"
	"time"
)

// StepIO moves the inputs and outputs of a step between the host and the device, one micro-batch at a time.
//
// Implementations must be safe for concurrent use: a Session may request inputs and deliver outputs of different
// micro-batches from different goroutines.
type StepIO interface {
	// Input returns the named input for the micro-batch idx.
	Input(name string, idx int) (*tensors.Tensor, error)

	// InputComplete is called once the device consumed the named input of the micro-batch idx.
	InputComplete(name string, idx int)

	// OutputComplete delivers the named output of the micro-batch idx.
	OutputComplete(name string, idx int, value *tensors.Tensor) error
}

// SyncStepIO feeds a fixed batch and writes the outputs to the anchors.
type SyncStepIO struct {
	Batch   data.Batch
	Anchors *Anchors
}

// NewSyncStepIO creates a SyncStepIO for one step.
func NewSyncStepIO(batch data.Batch, anchors *Anchors) *SyncStepIO {
	return &SyncStepIO{Batch: batch, Anchors: anchors}
}

func microBatchInput(batch data.Batch, name string, idx int) (*tensors.Tensor, error) {
	t, found := batch[name]
	if !found {
		return nil, errors.Errorf("input %q not in batch", name)
	}
	return xtensors.SliceLeading(t, idx)
}

// Input implements StepIO.
func (io *SyncStepIO) Input(name string, idx int) (*tensors.Tensor, error) {
	return microBatchInput(io.Batch, name, idx)
}

// InputComplete implements StepIO.
func (io *SyncStepIO) InputComplete(string, int) {}

// OutputComplete implements StepIO.
func (io *SyncStepIO) OutputComplete(name string, idx int, value *tensors.Tensor) error {
	return io.Anchors.Set(name, idx, value)
}

// CallbackStepIO is a StepIO created once for all steps, fed with the batch of each step by SetBatch. It records
// the time each input is requested and each output is delivered, to measure per-sample latencies.
type CallbackStepIO struct {
	anchors *Anchors

	mu         sync.Mutex
	batch      data.Batch
	startTimes map[string][]time.Time
	endTimes   map[string][]time.Time

	now func() time.Time
}

// NewCallbackStepIO creates a CallbackStepIO that writes outputs to anchors.
func NewCallbackStepIO(anchors *Anchors) *CallbackStepIO {
	return &CallbackStepIO{
		anchors:    anchors,
		startTimes: make(map[string][]time.Time),
		endTimes:   make(map[string][]time.Time),
		now:        time.Now,
	}
}

// SetBatch sets the batch fed by the following step.
func (io *CallbackStepIO) SetBatch(batch data.Batch) {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.batch = batch
}

// Input implements StepIO. It records the time of the request.
func (io *CallbackStepIO) Input(name string, idx int) (*tensors.Tensor, error) {
	io.mu.Lock()
	io.startTimes[name] = append(io.startTimes[name], io.now())
	batch := io.batch
	io.mu.Unlock()
	return microBatchInput(batch, name, idx)
}

// InputComplete implements StepIO.
func (io *CallbackStepIO) InputComplete(string, int) {}

// OutputComplete implements StepIO. It records the time of the delivery.
func (io *CallbackStepIO) OutputComplete(name string, idx int, value *tensors.Tensor) error {
	if err := io.anchors.Set(name, idx, value); err != nil {
		return err
	}
	io.mu.Lock()
	defer io.mu.Unlock()
	io.endTimes[name] = append(io.endTimes[name], io.now())
	return nil
}

// Timestamps returns copies of the times inputs were requested and outputs delivered, per tensor name, in the order
// they happened.
func (io *CallbackStepIO) Timestamps() (startTimes, endTimes map[string][]time.Time) {
	io.mu.Lock()
	defer io.mu.Unlock()
	clone := func(m map[string][]time.Time) map[string][]time.Time {
		c := maps.Clone(m)
		for k, v := range c {
			c[k] = slices.Clone(v)
		}
		return c
	}
	return clone(io.startTimes), clone(io.endTimes)
}

// ClearTimestamps discards the times recorded so far.
func (io *CallbackStepIO) ClearTimestamps() {
	io.mu.Lock()
	defer io.mu.Unlock()
	clear(io.startTimes)
	clear(io.endTimes)
}
