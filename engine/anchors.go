package engine

import (
	"fmt"
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"strconv"
	"strings"
	"sync"
)

// ReturnKind defines which micro-batches of a step an anchor retains.
type ReturnKind int

const (
	// ReturnAll retains every micro-batch.
	ReturnAll ReturnKind = iota

	// ReturnFinal retains only the last micro-batch.
	ReturnFinal

	// ReturnEveryN retains every N-th micro-batch.
	ReturnEveryN
)

// ReturnType of an anchor.
type ReturnType struct {
	Kind ReturnKind

	// N is the period for ReturnEveryN.
	N int
}

// String implements fmt.Stringer: "ALL", "FINAL" or "EVERYN(n)".
func (rt ReturnType) String() string {
	switch rt.Kind {
	case ReturnFinal:
		return "FINAL"
	case ReturnEveryN:
		return fmt.Sprintf("EVERYN(%d)", rt.N)
	}
	return "ALL"
}

// ParseReturnType parses the values returned by ReturnType.String.
func ParseReturnType(s string) (ReturnType, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	switch upper {
	case "ALL":
		return ReturnType{Kind: ReturnAll}, nil
	case "FINAL":
		return ReturnType{Kind: ReturnFinal}, nil
	}
	if strings.HasPrefix(upper, "EVERYN(") && strings.HasSuffix(upper, ")") {
		n, err := strconv.Atoi(upper[len("EVERYN(") : len(upper)-1])
		if err == nil && n > 0 {
			return ReturnType{Kind: ReturnEveryN, N: n}, nil
		}
	}
	return ReturnType{}, errors.Errorf("invalid anchor return type %q, valid values are ALL, FINAL or EVERYN(n)", s)
}

// Retains returns whether the micro-batch idx of a step of numMicroBatches is retained.
func (rt ReturnType) Retains(idx, numMicroBatches int) bool {
	switch rt.Kind {
	case ReturnFinal:
		return idx == numMicroBatches-1
	case ReturnEveryN:
		return (idx+1)%rt.N == 0
	}
	return true
}

// Anchors collect the outputs of a step retained by their return types. It's safe for concurrent use.
type Anchors struct {
	mu              sync.Mutex
	returnTypes     map[string]ReturnType
	names           []string
	numMicroBatches int
	values          map[string]map[int]*tensors.Tensor
}

// NewAnchors creates the Anchors of the named outputs, all with the same return type, for steps of
// numMicroBatches micro-batches.
func NewAnchors(names []string, returnType ReturnType, numMicroBatches int) *Anchors {
	a := &Anchors{
		returnTypes:     make(map[string]ReturnType, len(names)),
		names:           append([]string(nil), names...),
		numMicroBatches: numMicroBatches,
	}
	for _, name := range names {
		a.returnTypes[name] = returnType
	}
	a.Reset()
	return a
}

// Names of the anchored outputs.
func (a *Anchors) Names() []string { return a.names }

// ReturnType of the named anchor.
func (a *Anchors) ReturnType(name string) ReturnType {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.returnTypes[name]
}

// SetReturnType changes the return type of the named anchor.
func (a *Anchors) SetReturnType(name string, returnType ReturnType) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.returnTypes[name] = returnType
}

// Reset discards the values of the previous step.
func (a *Anchors) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values = make(map[string]map[int]*tensors.Tensor, len(a.names))
	for _, name := range a.names {
		a.values[name] = make(map[int]*tensors.Tensor)
	}
}

// Set the value of the named output for the micro-batch idx. Values not retained by the return type are dropped.
func (a *Anchors) Set(name string, idx int, value *tensors.Tensor) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rt, found := a.returnTypes[name]
	if !found {
		return errors.Errorf("output %q is not anchored", name)
	}
	if idx < 0 || idx >= a.numMicroBatches {
		return errors.Errorf("micro-batch %d of output %q out of range, there are %d per step", idx, name, a.numMicroBatches)
	}
	if rt.Retains(idx, a.numMicroBatches) {
		a.values[name][idx] = value
	}
	return nil
}

// Get returns the retained values of the named output, stacked in a new leading axis.
// It fails if any retained micro-batch is missing.
func (a *Anchors) Get(name string) (*tensors.Tensor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rt, found := a.returnTypes[name]
	if !found {
		return nil, errors.Errorf("output %q is not anchored", name)
	}
	var parts []*tensors.Tensor
	for idx := range a.numMicroBatches {
		if !rt.Retains(idx, a.numMicroBatches) {
			continue
		}
		value, found := a.values[name][idx]
		if !found {
			return nil, errors.Errorf("output %q of micro-batch %d is missing", name, idx)
		}
		parts = append(parts, value)
	}
	if len(parts) == 0 {
		return nil, errors.Errorf("output %q retains no micro-batch with return type %s", name, rt)
	}
	return xtensors.Stack(parts)
}

// Values returns all the anchored outputs, see Get.
func (a *Anchors) Values() (map[string]*tensors.Tensor, error) {
	values := make(map[string]*tensors.Tensor, len(a.names))
	for _, name := range a.names {
		value, err := a.Get(name)
		if err != nil {
			return nil, err
		}
		values[name] = value
	}
	return values, nil
}
