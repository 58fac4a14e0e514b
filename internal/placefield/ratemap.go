package placefield

import (
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/spikedata/replay.report/internal/neuro"
)

// RateMapConfig selects which behaviour feeds a tuning-curve build and
// how the result is discretized and smoothed.
type RateMapConfig struct {
	// TrackLabel selects epochs from the caller's epoch table.
	TrackLabel string `json:"track_label"`

	// RunDir restricts samples and spikes to one movement direction.
	RunDir neuro.Direction `json:"run_dir"`

	// BinWidth is the spatial bin size in cm.
	BinWidth float64 `json:"bin_width"`

	// SmoothBins is the Gaussian smoothing bandwidth applied across
	// spatial bins, expressed in bins. Zero disables smoothing. This is
	// spatial smoothing of the tuning curve, distinct from the temporal
	// posterior smoothing configured on a behaviour decode.
	SmoothBins float64 `json:"smooth_bins"`

	// RangeMin/RangeMax fix the spatial range of the binning. When both
	// are zero the range is derived from the position extremes observed
	// inside the selected epochs.
	RangeMin float64 `json:"range_min,omitempty"`
	RangeMax float64 `json:"range_max,omitempty"`
}

// Validate checks the configuration before a build.
func (c RateMapConfig) Validate() error {
	if c.TrackLabel == "" {
		return &neuro.ConfigError{Op: "ratemap", Reason: "track label is required"}
	}
	if c.BinWidth <= 0 {
		return &neuro.ConfigError{Op: "ratemap", Reason: fmt.Sprintf("bin width must be positive, got %g", c.BinWidth)}
	}
	if c.SmoothBins < 0 {
		return &neuro.ConfigError{Op: "ratemap", Reason: fmt.Sprintf("smooth bins must be non-negative, got %g", c.SmoothBins)}
	}
	if c.RangeMax < c.RangeMin {
		return &neuro.ConfigError{Op: "ratemap", Reason: "range max below range min"}
	}
	return nil
}

// Builder combines spike trains with the position trace and epoch table
// to produce tuning-curve stores. One Builder can produce many stores
// with different configurations.
type Builder struct {
	Trace  neuro.PositionTrace
	Epochs neuro.EpochTable
	Spikes []neuro.SpikeTrain
}

// Compute builds a tuning-curve store: occupancy over the selected
// epochs and direction, per-unit spike histograms with position linearly
// interpolated at spike time, rate normalisation by occupancy, and
// masked Gaussian smoothing. Zero-occupancy bins are marked invalid,
// never divided through.
func (b *Builder) Compute(cfg RateMapConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := b.Trace.Validate(); err != nil {
		return nil, err
	}
	for _, s := range b.Spikes {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}

	epochs := b.Epochs.ForLabel(cfg.TrackLabel)
	if len(epochs) == 0 {
		return nil, &neuro.ConfigError{Op: "ratemap", Reason: fmt.Sprintf("no epochs with label %q", cfg.TrackLabel)}
	}

	binning, err := b.binningFor(cfg, epochs)
	if err != nil {
		return nil, err
	}

	occ, err := ComputeOccupancy(b.Trace, epochs, binning, cfg.RunDir)
	if err != nil {
		return nil, err
	}
	if occ.Empty() {
		return nil, &neuro.ConfigError{Op: "ratemap", Reason: fmt.Sprintf("direction filter %s leaves no occupancy on track %q", cfg.RunDir, cfg.TrackLabel)}
	}
	if occ.OutOfRangeSamples > 0 {
		log.Printf("ratemap %q: %d position samples outside [%g, %g) dropped", cfg.TrackLabel, occ.OutOfRangeSamples, binning.Min, binning.Max)
	}

	dirs := sampleDirections(b.Trace)
	n := binning.NBins()
	curves := make(map[neuro.UnitID]TuningCurve, len(b.Spikes))
	for _, train := range b.Spikes {
		counts := make([]float64, n)
		for _, t := range train.Times {
			if !epochs.Contains(t) {
				continue
			}
			if cfg.RunDir != neuro.DirBoth && !directionMatches(cfg.RunDir, directionAt(b.Trace, dirs, t)) {
				continue
			}
			pos, ok := b.Trace.At(t)
			if !ok {
				continue
			}
			bin, ok := binning.BinOf(pos)
			if !ok {
				continue
			}
			counts[bin]++
		}

		curve := TuningCurve{
			Rates: make([]float64, n),
			Valid: make([]bool, n),
		}
		for i := 0; i < n; i++ {
			if occ.Seconds[i] > 0 {
				curve.Rates[i] = counts[i] / occ.Seconds[i]
				curve.Valid[i] = true
			} else {
				curve.Rates[i] = math.NaN()
			}
		}
		curve.Rates = smoothMasked(curve.Rates, curve.Valid, cfg.SmoothBins)
		curves[train.Unit] = curve
	}

	return &Store{binning: binning, occupancy: occ, curves: curves, cfg: cfg}, nil
}

// binningFor resolves the spatial binning: explicit range when
// configured, otherwise the position extremes inside the selected
// epochs, widened by a half bin so the extreme samples stay in range.
func (b *Builder) binningFor(cfg RateMapConfig, epochs neuro.EpochTable) (neuro.SpatialBinning, error) {
	if cfg.RangeMin != 0 || cfg.RangeMax != 0 {
		bn := neuro.SpatialBinning{Min: cfg.RangeMin, Max: cfg.RangeMax, BinWidth: cfg.BinWidth}
		return bn, bn.Validate()
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for i, t := range b.Trace.Times {
		if !epochs.Contains(t) {
			continue
		}
		if p := b.Trace.Positions[i]; p < lo {
			lo = p
		}
		if p := b.Trace.Positions[i]; p > hi {
			hi = p
		}
	}
	if math.IsInf(lo, 1) {
		return neuro.SpatialBinning{}, &neuro.ConfigError{Op: "ratemap", Reason: fmt.Sprintf("no position samples inside epochs with label %q", cfg.TrackLabel)}
	}
	// Half-open bins: widen the top so the maximum sample maps inside.
	bn := neuro.SpatialBinning{Min: lo, Max: hi + cfg.BinWidth/2, BinWidth: cfg.BinWidth}
	return bn, bn.Validate()
}

// directionAt returns the movement direction at an arbitrary time by
// looking up the enclosing position sample.
func directionAt(trace neuro.PositionTrace, dirs []neuro.Direction, t float64) neuro.Direction {
	if t <= trace.Times[0] {
		return dirs[0]
	}
	if t >= trace.Times[len(trace.Times)-1] {
		return dirs[len(dirs)-1]
	}
	i := sort.SearchFloat64s(trace.Times, t)
	if i > 0 && trace.Times[i] != t {
		i--
	}
	return dirs[i]
}
