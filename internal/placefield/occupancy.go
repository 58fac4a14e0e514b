// Package placefield builds spatial tuning curves ("ratemaps") from
// spike trains and a behavioural position trace: an occupancy histogram
// of time spent per spatial bin, per-unit firing-rate curves normalised
// by that occupancy, and an immutable Store snapshot that the decoder
// package queries.
package placefield

import (
	"fmt"

	"github.com/spikedata/replay.report/internal/neuro"
)

// Occupancy is the time (seconds) the animal spent in each spatial bin,
// restricted to a set of epochs and an optional movement direction. It
// normalises firing rates and can serve as a decoding prior.
type Occupancy struct {
	Seconds []float64            // per bin, seconds
	Binning neuro.SpatialBinning // the discretization Seconds was built with

	// OutOfRangeSamples counts inter-sample intervals whose midpoint
	// position fell outside the configured spatial range. These are
	// dropped, not clamped; a nonzero count is a diagnostic, not an
	// error.
	OutOfRangeSamples int
}

// TotalSeconds returns the summed occupancy across bins.
func (o *Occupancy) TotalSeconds() float64 {
	var total float64
	for _, s := range o.Seconds {
		total += s
	}
	return total
}

// Empty reports whether no time at all was accumulated, e.g. when a
// direction filter removed every sample.
func (o *Occupancy) Empty() bool { return o.TotalSeconds() == 0 }

// Prior returns the occupancy normalised to a probability distribution
// over bins. Returns nil when the occupancy is empty; callers fall back
// to a uniform prior in that case.
func (o *Occupancy) Prior() []float64 {
	total := o.TotalSeconds()
	if total == 0 {
		return nil
	}
	p := make([]float64, len(o.Seconds))
	for i, s := range o.Seconds {
		p[i] = s / total
	}
	return p
}

// directionSmoothSamples is the half-width, in samples, of the window
// used to derive movement direction from position deltas. A single-delta
// sign flickers with tracking jitter at low speeds.
const directionSmoothSamples = 3

// sampleDirections derives a per-sample movement direction from the sign
// of the position change across a small smoothing window.
func sampleDirections(trace neuro.PositionTrace) []neuro.Direction {
	n := len(trace.Times)
	dirs := make([]neuro.Direction, n)
	for i := 0; i < n; i++ {
		lo := i - directionSmoothSamples
		if lo < 0 {
			lo = 0
		}
		hi := i + directionSmoothSamples
		if hi > n-1 {
			hi = n - 1
		}
		delta := trace.Positions[hi] - trace.Positions[lo]
		switch {
		case delta > 0:
			dirs[i] = neuro.DirForward
		case delta < 0:
			dirs[i] = neuro.DirReverse
		default:
			dirs[i] = neuro.DirBoth
		}
	}
	return dirs
}

// directionMatches reports whether a sample moving in got satisfies the
// requested filter. A stationary sample (got == DirBoth) matches only
// the unfiltered case.
func directionMatches(want, got neuro.Direction) bool {
	if want == neuro.DirBoth {
		return true
	}
	return want == got
}

// ComputeOccupancy accumulates time-weighted occupancy per spatial bin.
// Each inter-sample interval contributes its duration to the bin
// containing the midpoint position, provided the interval midpoint time
// falls inside the union of epochs and the sample's movement direction
// matches dir. Intervals whose midpoint position is outside the binning
// range are dropped and counted in OutOfRangeSamples.
func ComputeOccupancy(trace neuro.PositionTrace, epochs neuro.EpochTable, binning neuro.SpatialBinning, dir neuro.Direction) (*Occupancy, error) {
	if err := binning.Validate(); err != nil {
		return nil, err
	}
	if err := trace.Validate(); err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, &neuro.ConfigError{Op: "occupancy", Reason: "no epochs selected"}
	}

	occ := &Occupancy{
		Seconds: make([]float64, binning.NBins()),
		Binning: binning,
	}
	dirs := sampleDirections(trace)

	for i := 0; i+1 < len(trace.Times); i++ {
		midTime := (trace.Times[i] + trace.Times[i+1]) / 2
		if !epochs.Contains(midTime) {
			continue
		}
		if !directionMatches(dir, dirs[i]) {
			continue
		}
		midPos := (trace.Positions[i] + trace.Positions[i+1]) / 2
		bin, ok := binning.BinOf(midPos)
		if !ok {
			occ.OutOfRangeSamples++
			continue
		}
		occ.Seconds[bin] += trace.Times[i+1] - trace.Times[i]
	}
	return occ, nil
}

// checkLength guards persistence round trips that rebuild an Occupancy
// from stored rows.
func (o *Occupancy) checkLength() error {
	if len(o.Seconds) != o.Binning.NBins() {
		return &neuro.ConfigError{Op: "occupancy", Reason: fmt.Sprintf("seconds length %d does not match binning (%d bins)", len(o.Seconds), o.Binning.NBins())}
	}
	return nil
}
