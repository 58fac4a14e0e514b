package decode

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spikedata/replay.report/internal/neuro"
)

// Event is an externally detected time window to decode, e.g. one
// window per detected ripple.
type Event struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns the event length in seconds.
func (e Event) Duration() float64 { return e.End - e.Start }

// PartialWindowPolicy decides what happens to the trailing sub-window
// when an event's duration is not a multiple of the window size.
type PartialWindowPolicy int

const (
	// PartialInclude keeps the trailing sub-window with its true,
	// shorter duration; the Poisson model scales by actual τ so the
	// shorter window is decoded correctly.
	PartialInclude PartialWindowPolicy = iota
	// PartialDrop discards the trailing sub-window.
	PartialDrop
)

func (p PartialWindowPolicy) String() string {
	if p == PartialDrop {
		return "drop"
	}
	return "include"
}

// EventConfig drives event decoding.
type EventConfig struct {
	// WindowSize is the sub-window width in seconds within each event.
	WindowSize float64 `json:"window_size"`

	// Partial selects the trailing partial sub-window policy.
	Partial PartialWindowPolicy `json:"partial"`

	// MinPeakRateHz excludes units whose tuning-curve peak is below
	// this rate, the conventional guard against near-silent units
	// contributing noise to event posteriors. Zero disables.
	MinPeakRateHz float64 `json:"min_peak_rate_hz,omitempty"`

	// Parallelism bounds how many events decode concurrently. Zero or
	// one decodes sequentially. Parallelism is applied only across
	// events, never within one posterior computation.
	Parallelism int `json:"parallelism,omitempty"`
}

// Validate checks the configuration.
func (c EventConfig) Validate() error {
	if c.WindowSize <= 0 {
		return &neuro.ConfigError{Op: "events", Reason: fmt.Sprintf("window size must be positive, got %g", c.WindowSize)}
	}
	if c.Partial != PartialInclude && c.Partial != PartialDrop {
		return &neuro.ConfigError{Op: "events", Reason: fmt.Sprintf("unknown partial-window policy %d", c.Partial)}
	}
	if c.MinPeakRateHz < 0 {
		return &neuro.ConfigError{Op: "events", Reason: "min peak rate must be non-negative"}
	}
	return nil
}

// EventResult groups the decoded sub-windows of one event, in time
// order, keyed by the event's index in the input sequence.
type EventResult struct {
	Index   int
	Event   Event
	Windows []WindowResult
}

// EventDecodeResult holds the per-event results of one event run, in
// input order, plus the units excluded by the peak-rate filter.
type EventDecodeResult struct {
	RunID         uuid.UUID
	Events        []EventResult
	ExcludedUnits []neuro.UnitID
}

// DecodeEvents decodes a set of externally supplied event windows. Each
// event is subdivided into sub-windows of cfg.WindowSize (trailing
// partial window per policy) and decoded like the continuous case, with
// results grouped per event. Events are validated against the recording
// coverage up front: any event outside it fails the whole call with a
// RangeError. Independent events may decode in parallel per
// cfg.Parallelism; results keep input order.
func (d *Decoder) DecodeEvents(ctx context.Context, spikes []neuro.SpikeTrain, trace neuro.PositionTrace, events []Event, cfg EventConfig) (*EventDecodeResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := trace.Validate(); err != nil {
		return nil, err
	}
	for i, ev := range events {
		if ev.End <= ev.Start {
			return nil, &neuro.ConfigError{Op: "events", Reason: fmt.Sprintf("event %d has non-positive duration", i)}
		}
		if !trace.Covers(ev.Start, ev.End) {
			return nil, &neuro.RangeError{Start: ev.Start, End: ev.End, Reason: fmt.Sprintf("event %d outside recording coverage [%.3f, %.3f]", i, trace.Start(), trace.End())}
		}
	}

	kept, excluded := d.filterUnits(spikes, cfg.MinPeakRateHz)
	if len(excluded) > 0 {
		log.Printf("decode events: excluding %d units below %g Hz peak rate", len(excluded), cfg.MinPeakRateHz)
	}

	res := &EventDecodeResult{
		RunID:         uuid.New(),
		Events:        make([]EventResult, len(events)),
		ExcludedUnits: excluded,
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Parallelism > 1 {
		g.SetLimit(cfg.Parallelism)
	} else {
		g.SetLimit(1)
	}
	for i, ev := range events {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res.Events[i] = d.decodeOneEvent(i, ev, kept, trace, cfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// StreamEvents is the lazily-produced form of DecodeEvents: events are
// decoded sequentially in input order and fn is called once per decoded
// sub-window. A non-nil error from fn aborts the run. Validation is
// identical to DecodeEvents.
func (d *Decoder) StreamEvents(ctx context.Context, spikes []neuro.SpikeTrain, trace neuro.PositionTrace, events []Event, cfg EventConfig, fn func(eventIndex int, w WindowResult) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := trace.Validate(); err != nil {
		return err
	}
	for i, ev := range events {
		if ev.End <= ev.Start {
			return &neuro.ConfigError{Op: "events", Reason: fmt.Sprintf("event %d has non-positive duration", i)}
		}
		if !trace.Covers(ev.Start, ev.End) {
			return &neuro.RangeError{Start: ev.Start, End: ev.End, Reason: fmt.Sprintf("event %d outside recording coverage [%.3f, %.3f]", i, trace.Start(), trace.End())}
		}
	}

	kept, _ := d.filterUnits(spikes, cfg.MinPeakRateHz)
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, sub := range subdivide(ev, cfg) {
			w := countWindow(kept, sub.Start, sub.End)
			post := d.Decode(w)
			actual := math.NaN()
			if pos, ok := trace.At((sub.Start + sub.End) / 2); ok {
				actual = pos
			}
			if err := fn(i, WindowResult{Window: w, Posterior: post, ActualPos: actual}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Decoder) decodeOneEvent(index int, ev Event, spikes []neuro.SpikeTrain, trace neuro.PositionTrace, cfg EventConfig) EventResult {
	subs := subdivide(ev, cfg)
	out := EventResult{Index: index, Event: ev, Windows: make([]WindowResult, 0, len(subs))}
	for _, sub := range subs {
		w := countWindow(spikes, sub.Start, sub.End)
		post := d.Decode(w)
		actual := math.NaN()
		if pos, ok := trace.At((sub.Start + sub.End) / 2); ok {
			actual = pos
		}
		out.Windows = append(out.Windows, WindowResult{Window: w, Posterior: post, ActualPos: actual})
	}
	return out
}

// subdivide slices an event into sub-windows of cfg.WindowSize. The
// count is deterministic: floor(duration/size) full windows, plus one
// partial window under PartialInclude when a remainder above the float
// noise floor is left.
func subdivide(ev Event, cfg EventConfig) []Event {
	const remainderEps = 1e-9
	var subs []Event
	start := ev.Start
	for start+cfg.WindowSize <= ev.End+remainderEps {
		subs = append(subs, Event{Start: start, End: start + cfg.WindowSize})
		start += cfg.WindowSize
	}
	if remainder := ev.End - start; remainder > remainderEps && cfg.Partial == PartialInclude {
		subs = append(subs, Event{Start: start, End: ev.End})
	}
	return subs
}

// filterUnits drops units whose stored tuning-curve peak is below
// minPeak, and units with no curve in the store at all (those would be
// skipped per window anyway; dropping them up front keeps the
// diagnostics quiet during event runs).
func (d *Decoder) filterUnits(spikes []neuro.SpikeTrain, minPeak float64) (kept []neuro.SpikeTrain, excluded []neuro.UnitID) {
	for _, train := range spikes {
		if _, ok := d.logRate[train.Unit]; !ok {
			excluded = append(excluded, train.Unit)
			continue
		}
		if minPeak > 0 && d.store.PeakRate(train.Unit) < minPeak {
			excluded = append(excluded, train.Unit)
			continue
		}
		kept = append(kept, train)
	}
	return kept, excluded
}
