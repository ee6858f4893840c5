package metrics

import (
	"github.com/gomlx/bert/bert"
	"github.com/pkg/errors"
	"math"
)

// Objective holds the flattened labels, per-position losses and predictions of one objective (e.g. MLM) for a step.
// All slices have the same length: one entry per position.
type Objective struct {
	Labels      []int32
	Losses      []float32
	Predictions []int32
}

// OutputStats computes the loss and accuracy of a step over the given objectives, which must all have the same
// number of positions.
//
// If ignore is not nil, positions whose label equals *ignore are masked out of that objective. For each position,
// the losses of the objectives not masked out are summed and divided by the number of such objectives; the step loss
// is the mean of these over the positions where at least one objective is not masked out. The accuracy is the number
// of correct predictions over the number of positions not masked out, across all objectives.
//
// The losses of the objectives are not modified. If every position is masked out, loss and accuracy are NaN.
func OutputStats(objectives []Objective, ignore *int32) (loss, accuracy float64, err error) {
	if len(objectives) == 0 {
		return 0, 0, errors.New("OutputStats requires at least one objective")
	}
	numPositions := len(objectives[0].Labels)
	for ii, o := range objectives {
		if len(o.Labels) != numPositions || len(o.Losses) != numPositions || len(o.Predictions) != numPositions {
			return 0, 0, errors.Errorf("objective #%d has %d labels, %d losses and %d predictions, expected %d of each",
				ii, len(o.Labels), len(o.Losses), len(o.Predictions), numPositions)
		}
	}

	var lossSum float64
	var numRetained, numAttempted, numCorrect int
	for pos := range numPositions {
		var positionLoss float64
		var numLosses int
		for _, o := range objectives {
			label := o.Labels[pos]
			if ignore != nil && label == *ignore {
				continue
			}
			numLosses++
			positionLoss += float64(o.Losses[pos])
			if o.Predictions[pos] == label {
				numCorrect++
			}
		}
		if numLosses == 0 {
			continue
		}
		lossSum += positionLoss / float64(numLosses)
		numRetained++
		numAttempted += numLosses
	}
	if numRetained == 0 {
		return math.NaN(), math.NaN(), nil
	}
	return lossSum / float64(numRetained), float64(numCorrect) / float64(numAttempted), nil
}

// PretrainingStats returns the losses and accuracies of the MLM and NSP objectives, in this order.
// MLM positions with label bert.MLMIgnoreIndex and NSP positions with label bert.NSPIgnoreIndex are masked out.
func PretrainingStats(mlm, nsp Objective) (losses, accuracies [2]float64, err error) {
	mlmIgnore, nspIgnore := int32(bert.MLMIgnoreIndex), int32(bert.NSPIgnoreIndex)
	losses[0], accuracies[0], err = OutputStats([]Objective{mlm}, &mlmIgnore)
	if err != nil {
		return losses, accuracies, errors.WithMessage(err, "MLM")
	}
	losses[1], accuracies[1], err = OutputStats([]Objective{nsp}, &nspIgnore)
	if err != nil {
		return losses, accuracies, errors.WithMessage(err, "NSP")
	}
	return
}
