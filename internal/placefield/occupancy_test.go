package placefield

import (
	"errors"
	"math"
	"testing"

	"github.com/spikedata/replay.report/internal/neuro"
)

// rampTrace builds a trace walking 0..end cm at 1 cm per sample, one
// sample per dt seconds.
func rampTrace(end float64, dt float64) neuro.PositionTrace {
	n := int(end) + 1
	trace := neuro.PositionTrace{
		Times:     make([]float64, n),
		Positions: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		trace.Times[i] = float64(i) * dt
		trace.Positions[i] = float64(i)
	}
	return trace
}

func TestComputeOccupancyUniformRamp(t *testing.T) {
	// 0..100 cm at 10 cm/s: 1 s spent in every 10 cm bin.
	trace := rampTrace(100, 0.1)
	epochs := neuro.EpochTable{{Start: 0, End: 11, Label: "maze1"}}
	binning := neuro.SpatialBinning{Min: 0, Max: 100, BinWidth: 10}

	occ, err := ComputeOccupancy(trace, epochs, binning, neuro.DirBoth)
	if err != nil {
		t.Fatalf("ComputeOccupancy: %v", err)
	}
	if got := len(occ.Seconds); got != 10 {
		t.Fatalf("len(Seconds) = %d, want 10", got)
	}
	for i, s := range occ.Seconds {
		if math.Abs(s-1.0) > 0.11 { // edge bins lose one half-interval
			t.Errorf("bin %d occupancy = %v, want ~1s", i, s)
		}
	}
	if occ.Empty() {
		t.Error("occupancy should not be empty")
	}
}

func TestComputeOccupancyOutOfRange(t *testing.T) {
	// Trace entirely outside the configured spatial range: all-zero
	// occupancy with a diagnostic count, not an error.
	trace := neuro.PositionTrace{
		Times:     []float64{0, 1, 2, 3},
		Positions: []float64{200, 210, 220, 230},
	}
	epochs := neuro.EpochTable{{Start: 0, End: 10, Label: "maze1"}}
	binning := neuro.SpatialBinning{Min: 0, Max: 100, BinWidth: 10}

	occ, err := ComputeOccupancy(trace, epochs, binning, neuro.DirBoth)
	if err != nil {
		t.Fatalf("ComputeOccupancy: %v", err)
	}
	if !occ.Empty() {
		t.Errorf("occupancy = %v, want all zero", occ.Seconds)
	}
	if occ.OutOfRangeSamples != 3 {
		t.Errorf("OutOfRangeSamples = %d, want 3", occ.OutOfRangeSamples)
	}
}

func TestComputeOccupancyEpochRestriction(t *testing.T) {
	trace := rampTrace(100, 0.1)
	// Only the first half of the run is in an epoch.
	epochs := neuro.EpochTable{{Start: 0, End: 5, Label: "half"}}
	binning := neuro.SpatialBinning{Min: 0, Max: 100, BinWidth: 10}

	occ, err := ComputeOccupancy(trace, epochs, binning, neuro.DirBoth)
	if err != nil {
		t.Fatalf("ComputeOccupancy: %v", err)
	}
	// Bins past 50 cm are only visited after t=5s and must stay empty.
	for i := 6; i < 10; i++ {
		if occ.Seconds[i] != 0 {
			t.Errorf("bin %d occupancy = %v, want 0 (outside epoch)", i, occ.Seconds[i])
		}
	}
	if occ.Seconds[2] == 0 {
		t.Error("bin 2 should have occupancy inside the epoch")
	}
}

func TestComputeOccupancyDirectionFilter(t *testing.T) {
	// Out-and-back run: forward 0..50, reverse 50..0.
	n := 101
	trace := neuro.PositionTrace{Times: make([]float64, n), Positions: make([]float64, n)}
	for i := 0; i < n; i++ {
		trace.Times[i] = float64(i) * 0.1
		if i <= 50 {
			trace.Positions[i] = float64(i)
		} else {
			trace.Positions[i] = float64(100 - i)
		}
	}
	epochs := neuro.EpochTable{{Start: 0, End: 11, Label: "maze1"}}
	binning := neuro.SpatialBinning{Min: 0, Max: 51, BinWidth: 10}

	fwd, err := ComputeOccupancy(trace, epochs, binning, neuro.DirForward)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	rev, err := ComputeOccupancy(trace, epochs, binning, neuro.DirReverse)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	both, err := ComputeOccupancy(trace, epochs, binning, neuro.DirBoth)
	if err != nil {
		t.Fatalf("both: %v", err)
	}

	if fwd.Empty() || rev.Empty() {
		t.Fatal("direction-filtered occupancies should both be non-empty for an out-and-back run")
	}
	// Splitting by direction cannot create time: each direction holds
	// roughly half, and together no more than the unfiltered total
	// (samples near the turnaround are ambiguous and may be dropped).
	if fwd.TotalSeconds()+rev.TotalSeconds() > both.TotalSeconds()+1e-9 {
		t.Errorf("fwd (%v) + rev (%v) exceeds unfiltered total (%v)",
			fwd.TotalSeconds(), rev.TotalSeconds(), both.TotalSeconds())
	}
}

func TestComputeOccupancyNoEpochs(t *testing.T) {
	trace := rampTrace(10, 0.1)
	binning := neuro.SpatialBinning{Min: 0, Max: 10, BinWidth: 1}
	var cfgErr *neuro.ConfigError
	_, err := ComputeOccupancy(trace, nil, binning, neuro.DirBoth)
	if !errors.As(err, &cfgErr) {
		t.Errorf("ComputeOccupancy with no epochs = %v, want ConfigError", err)
	}
}

func TestOccupancyPrior(t *testing.T) {
	occ := &Occupancy{
		Seconds: []float64{1, 3, 0, 4},
		Binning: neuro.SpatialBinning{Min: 0, Max: 4, BinWidth: 1},
	}
	p := occ.Prior()
	var sum float64
	for _, v := range p {
		sum += v
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("prior sums to %v, want 1", sum)
	}
	if p[1] != 0.375 {
		t.Errorf("prior[1] = %v, want 0.375", p[1])
	}

	empty := &Occupancy{Seconds: []float64{0, 0}, Binning: neuro.SpatialBinning{Min: 0, Max: 2, BinWidth: 1}}
	if empty.Prior() != nil {
		t.Error("empty occupancy should have nil prior")
	}
}
