// Package engine defines the contract of the execution engine that runs the BERT program on a device, and
// implements it with GoMLX in GraphSession.
//
// Each step runs BatchesPerStep batches. Its inputs and outputs move through a StepIO, one micro-batch at a time,
// and the outputs retained are collected in the Anchors of the session.
package engine

import (
	"github.com/gomlx/bert/bert"
	"github.com/gomlx/bert/optimizer"
	"github.com/gomlx/bert/options"
	"github.com/gomlx/bert/trees"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math/bits"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	// ErrDeviceUnavailable is returned when no device could be acquired.
	ErrDeviceUnavailable = errors.New("failed to acquire device")

	// ErrPrepareDevice is returned when the program fails to compile for the device.
	ErrPrepareDevice = errors.New("failed to prepare device")

	// ErrCycleCountUnavailable is returned by sessions whose device doesn't report cycle counts.
	ErrCycleCountUnavailable = errors.New("device cycle count not available")
)

// Session runs the compiled program on an acquired device.
type Session interface {
	// Run one step: BatchesPerStep batches read from io, whose outputs are written back to io.
	// It returns only after every output of the step was delivered to io.
	Run(io StepIO) error

	// UpdateOptimizer stages a new optimizer configuration, applied by OptimizerFromHost.
	UpdateOptimizer(snapshot optimizer.Snapshot) error

	// OptimizerFromHost pushes the staged optimizer configuration to the device.
	OptimizerFromHost() error

	// CycleCount of the last step, or ErrCycleCountUnavailable.
	CycleCount() (uint64, error)

	// SaveWeights writes the current model weights to path.
	SaveWeights(path string) error

	// Weights returns a copy of the current model weights.
	Weights() (*trees.Tree[*tensors.Tensor], error)

	// WriteProfile writes a report of the compiled program to dir.
	WriteProfile(dir string) error

	// Anchors hold the outputs of the last step.
	Anchors() *Anchors

	// BatchesPerStep run by each step.
	BatchesPerStep() int
}

// layerOffset is the number of extra devices used by the embeddings, in addition to the encoder layers.
const layerOffset = 1

// RequiredDevices returns the number of devices needed to run the model, with the layers split layersPerIPU per
// device (plus one for the embeddings) and the given replication, and the number to request: the smallest power of
// two that holds them.
func RequiredDevices(config *bert.Config, replicationFactor int) (requested, needed int) {
	layersPerDevice := max(config.LayersPerIPU, 1)
	needed = (config.NumLayers+layersPerDevice-1)/layersPerDevice + layerOffset
	needed *= max(replicationFactor, 1)
	requested = 1 << bits.Len(uint(needed-1))
	return
}

// AcquireDevice creates the backend the program runs on.
func AcquireDevice(opts *options.Options) (backend backends.Backend, err error) {
	requested, needed := RequiredDevices(&opts.Config, opts.ReplicationFactor)
	klog.Infof("Requesting %d devices (%d needed)", requested, needed)
	err = exceptions.TryCatch[error](func() { backend = backends.New() })
	if err != nil {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%v", err)
	}
	klog.Infof("Acquired device: %s", backend.Name())
	return backend, nil
}
