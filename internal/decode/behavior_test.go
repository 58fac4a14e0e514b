package decode

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/spikedata/replay.report/internal/neuro"
)

// behaviourInputs builds a trace walking 0..100 cm over 10 s plus spike
// trains matching the testStore tuning: u1 fires while the animal is in
// bin 4, u2 in bin 7, u3 sparsely everywhere.
func behaviourInputs() ([]neuro.SpikeTrain, neuro.PositionTrace) {
	n := 101
	trace := neuro.PositionTrace{Times: make([]float64, n), Positions: make([]float64, n)}
	for i := 0; i < n; i++ {
		trace.Times[i] = float64(i) * 0.1
		trace.Positions[i] = float64(i)
	}

	burst := func(tStart, tEnd, interval float64) []float64 {
		var times []float64
		for t := tStart; t < tEnd; t += interval {
			times = append(times, t)
		}
		return times
	}
	spikes := []neuro.SpikeTrain{
		{Unit: "u1", Times: burst(4, 5, 0.05)},  // 40-50 cm
		{Unit: "u2", Times: burst(7, 8, 0.066)}, // 70-80 cm
		{Unit: "u3", Times: burst(0, 10, 0.5)},
	}
	return spikes, trace
}

func TestEstimateBehaviorTracksPosition(t *testing.T) {
	d := newTestDecoder(t, PriorUniform)
	spikes, trace := behaviourInputs()

	res, err := d.EstimateBehavior(context.Background(), spikes, trace, BehaviorConfig{WindowSize: 0.5})
	if err != nil {
		t.Fatalf("EstimateBehavior: %v", err)
	}
	if got := len(res.Windows); got != 20 {
		t.Fatalf("windows = %d, want 20 for 10 s at 0.5 s", got)
	}
	if res.RunID == uuid.Nil {
		t.Error("RunID not assigned")
	}

	for i, w := range res.Windows {
		if w.Posterior.Degenerate {
			continue
		}
		assertSumsToOne(t, w.Posterior.P)
		if math.IsNaN(w.ActualPos) {
			t.Errorf("window %d has no actual position despite full coverage", i)
		}
	}

	// Windows while the animal crosses u1's field decode near it.
	for i := 8; i < 10; i++ { // 4.0-5.0 s
		w := res.Windows[i]
		if w.Posterior.Degenerate {
			continue
		}
		if w.Posterior.MAPBin != 4 {
			t.Errorf("window %d (t=%v) MAPBin = %d, want 4", i, w.Window.Start, w.Posterior.MAPBin)
		}
	}
}

func TestEstimateBehaviorOverlappingWindows(t *testing.T) {
	d := newTestDecoder(t, PriorUniform)
	spikes, trace := behaviourInputs()

	res, err := d.EstimateBehavior(context.Background(), spikes, trace, BehaviorConfig{WindowSize: 0.5, Step: 0.25})
	if err != nil {
		t.Fatalf("EstimateBehavior: %v", err)
	}
	if got := len(res.Windows); got != 39 {
		t.Errorf("windows = %d, want 39 with 0.25 s stride", got)
	}
	for i := 1; i < len(res.Windows); i++ {
		if res.Windows[i].Window.Start <= res.Windows[i-1].Window.Start {
			t.Fatal("windows out of time order")
		}
	}
}

func TestEstimateBehaviorTemporalSmoothing(t *testing.T) {
	d := newTestDecoder(t, PriorUniform)
	spikes, trace := behaviourInputs()

	raw, err := d.EstimateBehavior(context.Background(), spikes, trace, BehaviorConfig{WindowSize: 0.5})
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	smoothed, err := d.EstimateBehavior(context.Background(), spikes, trace, BehaviorConfig{WindowSize: 0.5, PosteriorSmoothSigma: 1})
	if err != nil {
		t.Fatalf("smoothed: %v", err)
	}

	if len(raw.Windows) != len(smoothed.Windows) {
		t.Fatalf("window counts differ: %d vs %d", len(raw.Windows), len(smoothed.Windows))
	}
	for i, w := range smoothed.Windows {
		assertSumsToOne(t, w.Posterior.P)
		_ = i
	}
	// Smoothing spreads mass: the sharpest window should be less sharp.
	var rawMax, smMax float64
	for i := range raw.Windows {
		if m := maxOf(raw.Windows[i].Posterior.P); m > rawMax {
			rawMax = m
		}
		if m := maxOf(smoothed.Windows[i].Posterior.P); m > smMax {
			smMax = m
		}
	}
	if smMax >= rawMax {
		t.Errorf("temporal smoothing did not spread mass: raw max %v, smoothed max %v", rawMax, smMax)
	}
}

func maxOf(p []float64) float64 {
	var m float64
	for _, v := range p {
		if v > m {
			m = v
		}
	}
	return m
}

func TestStreamBehaviorEarlyAbort(t *testing.T) {
	d := newTestDecoder(t, PriorUniform)
	spikes, trace := behaviourInputs()

	sentinel := errors.New("stop")
	var seen int
	err := d.StreamBehavior(context.Background(), spikes, trace, BehaviorConfig{WindowSize: 0.5}, func(w WindowResult) error {
		seen++
		if seen == 3 {
			return sentinel
		}
		return nil
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("StreamBehavior = %v, want sentinel", err)
	}
	if seen != 3 {
		t.Errorf("callback ran %d times, want 3", seen)
	}
}

func TestStreamBehaviorContextCancel(t *testing.T) {
	d := newTestDecoder(t, PriorUniform)
	spikes, trace := behaviourInputs()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.StreamBehavior(ctx, spikes, trace, BehaviorConfig{WindowSize: 0.5}, func(WindowResult) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("StreamBehavior = %v, want context.Canceled", err)
	}
}

func TestEstimateBehaviorSpanOutsideCoverage(t *testing.T) {
	d := newTestDecoder(t, PriorUniform)
	spikes, trace := behaviourInputs()

	var rangeErr *neuro.RangeError
	_, err := d.EstimateBehavior(context.Background(), spikes, trace, BehaviorConfig{Start: 5, End: 99, WindowSize: 0.5})
	if !errors.As(err, &rangeErr) {
		t.Errorf("EstimateBehavior beyond coverage = %v, want RangeError", err)
	}
}

func TestMedianAbsError(t *testing.T) {
	d := newTestDecoder(t, PriorUniform)
	spikes, trace := behaviourInputs()
	res, err := d.EstimateBehavior(context.Background(), spikes, trace, BehaviorConfig{WindowSize: 0.5})
	if err != nil {
		t.Fatalf("EstimateBehavior: %v", err)
	}
	mae := res.MedianAbsError()
	if math.IsNaN(mae) {
		t.Fatal("MedianAbsError = NaN, want a value with informative windows present")
	}
	if mae < 0 || mae > 100 {
		t.Errorf("MedianAbsError = %v, want within the track", mae)
	}
}
