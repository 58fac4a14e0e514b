// Package neuro holds the core data model shared by the place-field and
// decoding packages: spike trains, the behavioural position trace, the
// epoch table, and the spatial binning that ties a trained tuning-curve
// store to the decoder that queries it.
//
// All times are seconds on the recording clock; positions are the 1-D
// linearized track coordinate in centimetres. The engine never mutates
// caller-supplied slices.
package neuro

import (
	"fmt"
	"math"
	"sort"
)

// UnitID identifies a sorted neural unit. IDs come from the upstream
// spike-sorting layer and are opaque to the engine.
type UnitID string

// SpikeTrain is an ordered sequence of spike timestamps for one unit.
// Times must be non-decreasing.
type SpikeTrain struct {
	Unit  UnitID
	Times []float64 // seconds, non-decreasing
}

// Validate checks the timestamp ordering invariant.
func (s SpikeTrain) Validate() error {
	for i := 1; i < len(s.Times); i++ {
		if s.Times[i] < s.Times[i-1] {
			return &ConfigError{Op: "spikes", Reason: fmt.Sprintf("unit %s: timestamps out of order at index %d", s.Unit, i)}
		}
	}
	return nil
}

// CountBetween returns the number of spikes with start <= t < end.
func (s SpikeTrain) CountBetween(start, end float64) int {
	lo := sort.SearchFloat64s(s.Times, start)
	hi := sort.SearchFloat64s(s.Times, end)
	return hi - lo
}

// PositionTrace is the behavioural position record: parallel slices of
// strictly increasing timestamps and linearized positions.
type PositionTrace struct {
	Times     []float64 // seconds, strictly increasing
	Positions []float64 // cm, same length as Times
}

// Validate checks the trace invariants: matched lengths, at least two
// samples, strictly increasing timestamps.
func (p PositionTrace) Validate() error {
	if len(p.Times) != len(p.Positions) {
		return &ConfigError{Op: "position", Reason: fmt.Sprintf("times (%d) and positions (%d) differ in length", len(p.Times), len(p.Positions))}
	}
	if len(p.Times) < 2 {
		return &ConfigError{Op: "position", Reason: "trace needs at least two samples"}
	}
	for i := 1; i < len(p.Times); i++ {
		if p.Times[i] <= p.Times[i-1] {
			return &ConfigError{Op: "position", Reason: fmt.Sprintf("timestamps not strictly increasing at index %d", i)}
		}
	}
	return nil
}

// Start returns the first timestamp of the trace.
func (p PositionTrace) Start() float64 { return p.Times[0] }

// End returns the last timestamp of the trace.
func (p PositionTrace) End() float64 { return p.Times[len(p.Times)-1] }

// Covers reports whether [start, end] lies inside the recorded time range.
func (p PositionTrace) Covers(start, end float64) bool {
	if len(p.Times) < 2 {
		return false
	}
	return start >= p.Start() && end <= p.End()
}

// At returns the position at time t by linear interpolation between the
// surrounding samples. The second return is false when t is outside the
// recorded range.
func (p PositionTrace) At(t float64) (float64, bool) {
	n := len(p.Times)
	if n < 2 || t < p.Times[0] || t > p.Times[n-1] {
		return 0, false
	}
	i := sort.SearchFloat64s(p.Times, t)
	if i < n && p.Times[i] == t {
		return p.Positions[i], true
	}
	// t is strictly between samples i-1 and i.
	t0, t1 := p.Times[i-1], p.Times[i]
	x0, x1 := p.Positions[i-1], p.Positions[i]
	frac := (t - t0) / (t1 - t0)
	return x0 + frac*(x1-x0), true
}

// Direction selects which movement direction of the animal contributes
// to a tuning-curve computation.
type Direction int

const (
	DirBoth Direction = iota
	DirForward
	DirReverse
)

func (d Direction) String() string {
	switch d {
	case DirForward:
		return "forward"
	case DirReverse:
		return "reverse"
	default:
		return "both"
	}
}

// ParseDirection converts a direction name to a Direction value.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "forward":
		return DirForward, nil
	case "reverse":
		return DirReverse, nil
	case "both", "":
		return DirBoth, nil
	}
	return DirBoth, &ConfigError{Op: "direction", Reason: fmt.Sprintf("unknown direction %q (want forward, reverse or both)", s)}
}

// Epoch is a labelled time window restricting which behaviour feeds a
// tuning-curve computation, e.g. one traversal block of a maze track.
type Epoch struct {
	Start float64   `json:"start"`
	End   float64   `json:"end"`
	Label string    `json:"label"`
	Dir   Direction `json:"direction"`
}

// Duration returns the epoch length in seconds.
func (e Epoch) Duration() float64 { return e.End - e.Start }

// EpochTable is a set of epochs. Epochs may overlap; membership tests
// treat the table as a union.
type EpochTable []Epoch

// ForLabel returns the epochs carrying the given track label.
func (t EpochTable) ForLabel(label string) EpochTable {
	var out EpochTable
	for _, e := range t {
		if e.Label == label {
			out = append(out, e)
		}
	}
	return out
}

// Contains reports whether ts falls inside the union of epochs.
func (t EpochTable) Contains(ts float64) bool {
	for _, e := range t {
		if ts >= e.Start && ts < e.End {
			return true
		}
	}
	return false
}

// TotalDuration sums the epoch lengths. Overlapping epochs are counted
// once per epoch, not merged.
func (t EpochTable) TotalDuration() float64 {
	var total float64
	for _, e := range t {
		total += e.Duration()
	}
	return total
}

// SpatialBinning discretizes the track coordinate into equal-width bins.
// A tuning-curve store records the binning it was built with, and a
// decoder refuses to operate against a store whose binning differs.
type SpatialBinning struct {
	Min      float64 `json:"min"`       // cm, inclusive lower edge
	Max      float64 `json:"max"`       // cm, exclusive upper edge
	BinWidth float64 `json:"bin_width"` // cm
}

// binningTolerance absorbs float drift when binnings built from the same
// parameters are compared after a serialization round trip.
const binningTolerance = 1e-9

// Validate checks that the binning defines at least one bin.
func (b SpatialBinning) Validate() error {
	if b.BinWidth <= 0 {
		return &ConfigError{Op: "binning", Reason: fmt.Sprintf("bin width must be positive, got %g", b.BinWidth)}
	}
	if b.Max <= b.Min {
		return &ConfigError{Op: "binning", Reason: fmt.Sprintf("empty spatial range [%g, %g)", b.Min, b.Max)}
	}
	return nil
}

// NBins returns the number of bins covering [Min, Max).
func (b SpatialBinning) NBins() int {
	return int(math.Ceil((b.Max - b.Min) / b.BinWidth * (1 - binningTolerance)))
}

// BinOf maps a position to its bin index. The second return is false
// when the position lies outside [Min, Max).
func (b SpatialBinning) BinOf(pos float64) (int, bool) {
	if pos < b.Min || pos >= b.Max {
		return 0, false
	}
	i := int((pos - b.Min) / b.BinWidth)
	if i >= b.NBins() { // pos just under Max with Max not a multiple of BinWidth
		i = b.NBins() - 1
	}
	return i, true
}

// Centers returns the bin-centre positions, used for MAP and mean
// position estimates.
func (b SpatialBinning) Centers() []float64 {
	n := b.NBins()
	centers := make([]float64, n)
	for i := range centers {
		centers[i] = b.Min + (float64(i)+0.5)*b.BinWidth
	}
	return centers
}

// Same reports whether two binnings are equal within tolerance.
func (b SpatialBinning) Same(o SpatialBinning) bool {
	return math.Abs(b.Min-o.Min) < binningTolerance &&
		math.Abs(b.Max-o.Max) < binningTolerance &&
		math.Abs(b.BinWidth-o.BinWidth) < binningTolerance
}
