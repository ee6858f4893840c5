package weights

import (
	"github.com/gomlx/bert/trees"
	"github.com/gomlx/bert/xtensors"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"math"
)

// Stats summarizes the values of one weight tensor.
type Stats struct {
	Mean, Std, Min, Max, AbsMean float64
}

// ComputeStats of the values of the tensor t.
func ComputeStats(t *tensors.Tensor) (Stats, error) {
	values, err := xtensors.Float32s(t)
	if err != nil {
		return Stats{}, err
	}
	if len(values) == 0 {
		return Stats{}, nil
	}
	s := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, v := range values {
		f := float64(v)
		s.Mean += f
		s.AbsMean += math.Abs(f)
		s.Min = min(s.Min, f)
		s.Max = max(s.Max, f)
	}
	n := float64(len(values))
	s.Mean /= n
	s.AbsMean /= n
	for _, v := range values {
		d := float64(v) - s.Mean
		s.Std += d * d
	}
	s.Std = math.Sqrt(s.Std / n)
	return s, nil
}

// Statistics computes the Stats of each weight in tree, keyed by its "/" separated name.
func Statistics(tree *trees.Tree[*tensors.Tensor]) (map[string]Stats, error) {
	stats := make(map[string]Stats, tree.NumLeaves())
	for p, t := range tree.OrderedLeaves() {
		s, err := ComputeStats(t)
		if err != nil {
			return nil, errors.WithMessagef(err, "statistics of %q", p)
		}
		stats[p.String()] = s
	}
	return stats, nil
}

// ScalarWriter receives time-series scalars.
type ScalarWriter interface {
	AddScalar(name string, value float64, step int) error
}

// WriteStatistics writes the mean and standard deviation of each weight as the scalars
// "weights/<name>/mean" and "weights/<name>/std", at the given step.
func WriteStatistics(writer ScalarWriter, tree *trees.Tree[*tensors.Tensor], step int) error {
	for p, t := range tree.OrderedLeaves() {
		s, err := ComputeStats(t)
		if err != nil {
			return errors.WithMessagef(err, "statistics of %q", p)
		}
		name := "weights/" + p.String()
		if err = writer.AddScalar(name+"/mean", s.Mean, step); err != nil {
			return err
		}
		if err = writer.AddScalar(name+"/std", s.Std, step); err != nil {
			return err
		}
	}
	return nil
}
