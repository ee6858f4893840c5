// Package runner drives training and inference: it feeds the batches of a dataset to an engine.Session step by
// step, records the metrics of each step, updates the optimizer along its schedule and saves the model.
package runner

import (
	"github.com/gomlx/bert/engine"
	"github.com/gomlx/bert/metrics"
	"github.com/gomlx/bert/optimizer"
	"github.com/gomlx/bert/options"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrProfiled is returned by the loops after the profile report was written following the first step.
	// It's not a failure: the run is meant to stop there.
	ErrProfiled = errors.New("profile written, stopping run")

	// ErrLatencyMismatch is returned when the number of measured round trips doesn't match the batches of the step.
	ErrLatencyMismatch = errors.New("number of timings doesn't match items in the batch")
)

// Hooks are optional callbacks of the loops.
type Hooks struct {
	// OnStep is called after each step, with the step counter already incremented.
	OnStep func(it *metrics.Iteration)
}

func (h Hooks) step(it *metrics.Iteration) {
	if h.OnStep != nil {
		h.OnStep(it)
	}
}

// StartPosition is the position in the optimizer schedule where training resumes.
func StartPosition(opts *options.Options, stepsPerEpoch int) optimizer.Position {
	return optimizer.Position{
		Step:  opts.ContinueTrainingFromEpoch * stepsPerEpoch,
		Epoch: opts.ContinueTrainingFromEpoch,
	}
}

// cycleCounter reads the device cycles of each step, if requested. Devices that can't report them are warned about
// once.
type cycleCounter struct {
	enabled bool
}

func (c *cycleCounter) read(session engine.Session) (uint64, error) {
	if !c.enabled {
		return 0, nil
	}
	cycles, err := session.CycleCount()
	if errors.Is(err, engine.ErrCycleCountUnavailable) {
		klog.Warningf("%v: cycles won't be reported", err)
		c.enabled = false
		return 0, nil
	}
	return cycles, err
}

// runStep runs one step, writing the profile report if requested: after the step, or before returning the error if
// the program failed to compile.
func runStep(opts *options.Options, session engine.Session, io engine.StepIO) error {
	err := session.Run(io)
	if !opts.Profile {
		return err
	}
	if err != nil && !errors.Is(err, engine.ErrPrepareDevice) {
		return err
	}
	if profileErr := session.WriteProfile(opts.ProfileDir); profileErr != nil {
		klog.Errorf("Failed to write profile: %+v", profileErr)
	} else {
		klog.Infof("Profile written to %s", opts.ProfileDir)
	}
	if err != nil {
		return err
	}
	return ErrProfiled
}
