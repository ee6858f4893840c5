package optimizer

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options configure the optimizer and its schedule.
type Options struct {
	Kind         Kind
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	LossScaling  float64

	// Schedule of the learning rate. If nil the learning rate is constant.
	Schedule *Schedule

	// WarmupSteps, if > 0, linearly ramps up the learning rate over the first steps, up to the rate scheduled at
	// step WarmupSteps. Only valid with no schedule or with a StepMode schedule.
	WarmupSteps int
}

// Position of the training in the schedule.
type Position struct {
	Step, Epoch int
}

func (m Mode) key(pos Position) int {
	if m == EpochMode {
		return pos.Epoch
	}
	return pos.Step
}

// ScheduledFactory creates optimizer snapshots following the learning rate schedule.
//
// An update is due when the position reaches a scheduled step or epoch that hasn't been applied yet: so in
// EpochMode the update happens once, at the first step of the scheduled epoch.
type ScheduledFactory struct {
	opts        Options
	schedule    *Schedule
	current     Snapshot
	lastApplied int
}

// New creates a ScheduledFactory for training starting at the given position.
func New(opts Options, start Position) (*ScheduledFactory, error) {
	if opts.LossScaling == 0 {
		opts.LossScaling = 1
	}
	f := &ScheduledFactory{opts: opts, schedule: opts.Schedule, lastApplied: -1}
	if opts.WarmupSteps > 0 {
		if f.schedule != nil && f.schedule.Mode != StepMode {
			return nil, errors.Errorf("learning rate warm-up requires a schedule by step, got a schedule by %s",
				f.schedule.Mode)
		}
		f.schedule = warmupSchedule(f.schedule, opts.LearningRate, opts.WarmupSteps)
	}
	f.current = f.snapshot(opts.LearningRate)
	if f.schedule != nil {
		if rate, key, found := f.schedule.rateAt(f.schedule.Mode.key(start)); found {
			f.current.LearningRate = rate
			f.lastApplied = key
		}
	}
	return f, nil
}

// warmupSchedule returns a copy of schedule with per-step entries for the steps [0, warmupSteps): the rate grows
// linearly up to the rate at warmupSteps.
func warmupSchedule(schedule *Schedule, baseRate float64, warmupSteps int) *Schedule {
	warmup := &Schedule{Mode: StepMode, Rates: make(map[int]float64)}
	target := baseRate
	if schedule != nil {
		for k, r := range schedule.Rates {
			warmup.Rates[k] = r
		}
		if rate, _, found := schedule.rateAt(warmupSteps); found {
			target = rate
		}
	}
	for step := range warmupSteps {
		warmup.Rates[step] = target * float64(step+1) / float64(warmupSteps+1)
	}
	warmup.Rates[warmupSteps] = target
	return warmup
}

func (f *ScheduledFactory) snapshot(learningRate float64) Snapshot {
	return Snapshot{
		Kind:         f.opts.Kind,
		LearningRate: learningRate,
		Momentum:     f.opts.Momentum,
		Dampening:    f.opts.Dampening,
		WeightDecay:  f.opts.WeightDecay,
		LossScaling:  f.opts.LossScaling,
	}
}

// Create returns the current optimizer snapshot.
func (f *ScheduledFactory) Create() Snapshot {
	return f.current
}

// LearningRate currently in effect.
func (f *ScheduledFactory) LearningRate() float64 {
	return f.current.LearningRate
}

// Schedule used, including the warm-up entries. It is nil for a constant learning rate.
func (f *ScheduledFactory) Schedule() *Schedule {
	return f.schedule
}

// ShouldUpdate returns whether an update of the optimizer is due at pos. It doesn't change the factory.
func (f *ScheduledFactory) ShouldUpdate(pos Position) bool {
	if f.schedule == nil {
		return false
	}
	key := f.schedule.Mode.key(pos)
	_, scheduled := f.schedule.Rates[key]
	return scheduled && key != f.lastApplied
}

// UpdateAndCreate moves the factory to pos and returns the updated snapshot.
// The scheduled step or epoch of pos is marked as applied, so ShouldUpdate won't fire again for it.
func (f *ScheduledFactory) UpdateAndCreate(pos Position) Snapshot {
	if f.schedule == nil {
		return f.current
	}
	if rate, key, found := f.schedule.rateAt(f.schedule.Mode.key(pos)); found {
		f.current.LearningRate = rate
		f.lastApplied = key
		klog.V(1).Infof("Optimizer updated at %s %d: %s", f.schedule.Mode, key, f.current)
	}
	return f.current
}
