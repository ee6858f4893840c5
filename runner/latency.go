package runner

import (
	"github.com/gomlx/bert/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"maps"
	"slices"
	"time"
)

// timingAnchor returns the name whose last timestamp is the earliest (latest=false) or the latest (latest=true).
// Names are visited in sorted order, so ties are broken consistently.
func timingAnchor(times map[string][]time.Time, latest bool) (anchor string, found bool) {
	var best time.Time
	for _, name := range slices.Sorted(maps.Keys(times)) {
		ts := times[name]
		if len(ts) == 0 {
			continue
		}
		last := ts[len(ts)-1]
		if !found || (latest && last.After(best)) || (!latest && last.Before(best)) {
			anchor, best, found = name, last, true
		}
	}
	return
}

// ComputeLatency returns the statistics of the per-sample round-trip latencies of a step, given the times each input
// was requested and each output delivered.
//
// The round trips are measured between the two tensors most separated in time: the input requested first and the
// output delivered last. There must be exactly batchesPerStep of them, otherwise ErrLatencyMismatch is returned.
func ComputeLatency(startTimes, endTimes map[string][]time.Time, batchesPerStep int) (*metrics.LatencyStats, error) {
	startID, foundStart := timingAnchor(startTimes, false)
	endID, foundEnd := timingAnchor(endTimes, true)
	if !foundStart || !foundEnd {
		return nil, errors.Wrap(ErrLatencyMismatch, "no timings recorded")
	}
	starts, ends := startTimes[startID], endTimes[endID]
	numRoundTrips := min(len(starts), len(ends))
	if numRoundTrips != batchesPerStep {
		return nil, errors.Wrapf(ErrLatencyMismatch, "%d round trips measured between %q and %q, %d batches per step",
			numRoundTrips, startID, endID, batchesPerStep)
	}

	stats := &metrics.LatencyStats{}
	var sum time.Duration
	for ii := range numRoundTrips {
		rtt := ends[ii].Sub(starts[ii])
		klog.V(2).Infof("LATENCY: %d %s", ii, rtt)
		sum += rtt
		if ii == 0 || rtt < stats.Min {
			stats.Min = rtt
		}
		if ii == 0 || rtt > stats.Max {
			stats.Max = rtt
		}
	}
	stats.Mean = sum / time.Duration(batchesPerStep)
	return stats, nil
}
