package placefield

import (
	"math"
	"sort"

	"github.com/spikedata/replay.report/internal/neuro"
)

// TuningCurve is one unit's estimated firing rate (spikes/second) per
// spatial bin. Bins with zero occupancy have no reliable rate estimate:
// their Rates entry is NaN and Valid entry false.
type TuningCurve struct {
	Rates []float64
	Valid []bool
}

// Peak returns the maximum rate over valid bins, or 0 when no bin is
// valid.
func (c TuningCurve) Peak() float64 {
	var peak float64
	for i, r := range c.Rates {
		if c.Valid[i] && r > peak {
			peak = r
		}
	}
	return peak
}

// ArgMax returns the bin index of the peak rate, or -1 when no bin is
// valid.
func (c TuningCurve) ArgMax() int {
	best, bestRate := -1, math.Inf(-1)
	for i, r := range c.Rates {
		if c.Valid[i] && r > bestRate {
			best, bestRate = i, r
		}
	}
	return best
}

func (c TuningCurve) clone() TuningCurve {
	out := TuningCurve{
		Rates: make([]float64, len(c.Rates)),
		Valid: make([]bool, len(c.Valid)),
	}
	copy(out.Rates, c.Rates)
	copy(out.Valid, c.Valid)
	return out
}

// Store is an immutable snapshot of per-unit tuning curves plus the
// occupancy and spatial binning they were built with. It is the trained
// model all decoding operates against and is safe to share read-only
// across concurrent decode sessions.
type Store struct {
	binning   neuro.SpatialBinning
	occupancy *Occupancy
	curves    map[neuro.UnitID]TuningCurve
	cfg       RateMapConfig
}

// NewStore assembles a Store from already-computed parts. It exists for
// persistence round trips; use Builder.Compute to build one from raw
// spikes and behaviour.
func NewStore(binning neuro.SpatialBinning, occ *Occupancy, curves map[neuro.UnitID]TuningCurve, cfg RateMapConfig) (*Store, error) {
	if err := binning.Validate(); err != nil {
		return nil, err
	}
	if !occ.Binning.Same(binning) {
		return nil, &neuro.ConfigError{Op: "store", Reason: "occupancy binning differs from store binning"}
	}
	if err := occ.checkLength(); err != nil {
		return nil, err
	}
	n := binning.NBins()
	copied := make(map[neuro.UnitID]TuningCurve, len(curves))
	for id, c := range curves {
		if len(c.Rates) != n || len(c.Valid) != n {
			return nil, &neuro.ConfigError{Op: "store", Reason: "tuning curve length does not match binning"}
		}
		copied[id] = c.clone()
	}
	return &Store{binning: binning, occupancy: occ, curves: copied, cfg: cfg}, nil
}

// Binning returns the spatial binning the store was built with.
func (s *Store) Binning() neuro.SpatialBinning { return s.binning }

// Config returns the ratemap configuration the store was built with.
func (s *Store) Config() RateMapConfig { return s.cfg }

// Units returns the unit IDs in the store, sorted for deterministic
// iteration.
func (s *Store) Units() []neuro.UnitID {
	units := make([]neuro.UnitID, 0, len(s.curves))
	for id := range s.curves {
		units = append(units, id)
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	return units
}

// Curve returns the tuning curve for a unit. The returned slices are
// copies; mutating them does not affect the store.
func (s *Store) Curve(id neuro.UnitID) (TuningCurve, bool) {
	c, ok := s.curves[id]
	if !ok {
		return TuningCurve{}, false
	}
	return c.clone(), true
}

// PeakRate returns the unit's maximum firing rate over valid bins, or 0
// for an unknown unit.
func (s *Store) PeakRate(id neuro.UnitID) float64 {
	c, ok := s.curves[id]
	if !ok {
		return 0
	}
	return c.Peak()
}

// OccupancySeconds returns a copy of the occupancy vector.
func (s *Store) OccupancySeconds() []float64 {
	out := make([]float64, len(s.occupancy.Seconds))
	copy(out, s.occupancy.Seconds)
	return out
}

// OccupancyPrior returns the occupancy normalised to a distribution, or
// nil when the occupancy is empty.
func (s *Store) OccupancyPrior() []float64 { return s.occupancy.Prior() }

// OutOfRangeSamples exposes the occupancy diagnostic count.
func (s *Store) OutOfRangeSamples() int { return s.occupancy.OutOfRangeSamples }

// UnitsByFieldPosition returns unit IDs ordered by the spatial bin of
// their tuning-curve peak, the conventional ordering for raster and
// replay displays. Units with no valid bins sort last.
func (s *Store) UnitsByFieldPosition() []neuro.UnitID {
	units := s.Units()
	sort.SliceStable(units, func(i, j int) bool {
		ai := s.curves[units[i]].ArgMax()
		aj := s.curves[units[j]].ArgMax()
		if ai < 0 {
			return false
		}
		if aj < 0 {
			return true
		}
		return ai < aj
	})
	return units
}

// Reassigned returns a new Store whose curves are reassigned among the
// same unit IDs following order: the curve previously held by the i-th
// sorted unit moves to order[i]. Used to build unit-identity shuffle
// null distributions; the occupancy and binning are shared unchanged.
func (s *Store) Reassigned(order []neuro.UnitID) (*Store, error) {
	units := s.Units()
	if len(order) != len(units) {
		return nil, &neuro.ConfigError{Op: "shuffle", Reason: "permutation length does not match unit count"}
	}
	seen := make(map[neuro.UnitID]bool, len(order))
	curves := make(map[neuro.UnitID]TuningCurve, len(order))
	for i, id := range order {
		if _, ok := s.curves[id]; !ok {
			return nil, &neuro.ConfigError{Op: "shuffle", Reason: "permutation names unknown unit " + string(id)}
		}
		if seen[id] {
			return nil, &neuro.ConfigError{Op: "shuffle", Reason: "permutation repeats unit " + string(id)}
		}
		seen[id] = true
		curves[id] = s.curves[units[i]]
	}
	return &Store{binning: s.binning, occupancy: s.occupancy, curves: curves, cfg: s.cfg}, nil
}
