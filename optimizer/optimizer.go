// Package optimizer drives the optimizer hyper-parameters along training: it holds the learning rate schedule,
// decides when an update is due and creates the Snapshot of the optimizer to push to the engine.
package optimizer

import (
	"fmt"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"strconv"
	"strings"
)

// Kind of optimizer.
type Kind int

const (
	SGD Kind = iota
	Adam
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k == Adam {
		return "ADAM"
	}
	return "SGD"
}

// ParseKind converts "SGD" or "ADAM" (case-insensitive) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(s) {
	case "SGD":
		return SGD, nil
	case "ADAM":
		return Adam, nil
	}
	return SGD, errors.Errorf("unknown optimizer %q, valid values are SGD or ADAM", s)
}

// Snapshot of the optimizer hyper-parameters, as pushed to the engine.
type Snapshot struct {
	Kind         Kind
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	LossScaling  float64
}

// String implements fmt.Stringer.
func (s Snapshot) String() string {
	return fmt.Sprintf("%s(lr=%g, momentum=%g, dampening=%g, weight_decay=%g, loss_scaling=%g)",
		s.Kind, s.LearningRate, s.Momentum, s.Dampening, s.WeightDecay, s.LossScaling)
}

// Mode is the granularity of the schedule.
type Mode int

const (
	// StepMode schedules are keyed by the global step count.
	StepMode Mode = iota

	// EpochMode schedules are keyed by the epoch index.
	EpochMode
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == EpochMode {
		return "EPOCH"
	}
	return "STEP"
}

// Schedule of learning rates: Rates maps a step or epoch (depending on Mode) to the learning rate that takes effect
// from it on.
type Schedule struct {
	Mode  Mode
	Rates map[int]float64
}

// ParseSchedule parses a schedule given as a comma separated list of "<step or epoch>:<learning rate>" pairs,
// e.g. "0:1e-4,100:0.01".
func ParseSchedule(mode Mode, s string) (*Schedule, error) {
	schedule := &Schedule{Mode: mode, Rates: make(map[int]float64)}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		keyStr, rateStr, found := strings.Cut(entry, ":")
		if !found {
			return nil, errors.Errorf("invalid schedule entry %q in %q, expected <%s>:<learning rate>",
				entry, s, strings.ToLower(mode.String()))
		}
		key, err := strconv.Atoi(strings.TrimSpace(keyStr))
		if err != nil || key < 0 {
			return nil, errors.Errorf("invalid %s %q in schedule %q", strings.ToLower(mode.String()), keyStr, s)
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(rateStr), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid learning rate %q in schedule %q", rateStr, s)
		}
		schedule.Rates[key] = rate
	}
	if len(schedule.Rates) == 0 {
		return nil, errors.Errorf("empty learning rate schedule %q", s)
	}
	return schedule, nil
}

// rateAt returns the rate of the largest scheduled key <= key, and the key itself. If there is none, found is false.
func (s *Schedule) rateAt(key int) (rate float64, scheduledKey int, found bool) {
	scheduledKey = -1
	for k, r := range s.Rates {
		if k <= key && k > scheduledKey {
			rate, scheduledKey, found = r, k, true
		}
	}
	return
}

// Keys returns the scheduled steps or epochs in increasing order.
func (s *Schedule) Keys() []int {
	return xslices.SortedKeys(s.Rates)
}
