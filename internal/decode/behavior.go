package decode

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/spikedata/replay.report/internal/neuro"
)

// BehaviorConfig drives continuous decoding over the behaviour
// timeline.
type BehaviorConfig struct {
	// Start and End bound the decoded span. Both zero means the full
	// coverage of the position trace.
	Start float64 `json:"start,omitempty"`
	End   float64 `json:"end,omitempty"`

	// WindowSize is the decode window width τ in seconds.
	WindowSize float64 `json:"window_size"`

	// Step is the stride between consecutive window starts in seconds.
	// Zero means non-overlapping windows (Step == WindowSize); a
	// smaller value produces overlapping windows.
	Step float64 `json:"step,omitempty"`

	// PosteriorSmoothSigma applies Gaussian smoothing across the
	// posterior sequence in time, expressed in windows. Zero disables.
	// This is temporal smoothing of decoder output, deliberately named
	// apart from the spatial SmoothBins used when building ratemaps.
	PosteriorSmoothSigma float64 `json:"posterior_smooth_sigma,omitempty"`
}

// Validate checks the configuration.
func (c BehaviorConfig) Validate() error {
	if c.WindowSize <= 0 {
		return &neuro.ConfigError{Op: "behavior", Reason: fmt.Sprintf("window size must be positive, got %g", c.WindowSize)}
	}
	if c.Step < 0 {
		return &neuro.ConfigError{Op: "behavior", Reason: "step must be non-negative"}
	}
	if c.PosteriorSmoothSigma < 0 {
		return &neuro.ConfigError{Op: "behavior", Reason: "posterior smooth sigma must be non-negative"}
	}
	if c.End < c.Start {
		return &neuro.ConfigError{Op: "behavior", Reason: "end before start"}
	}
	return nil
}

func (c BehaviorConfig) step() float64 {
	if c.Step > 0 {
		return c.Step
	}
	return c.WindowSize
}

// WindowResult is one decoded window: the spike counts that went in,
// the posterior that came out, and (when the position trace covers the
// window) the animal's actual position at the window midpoint, for
// decode-error analysis.
type WindowResult struct {
	Window    Window
	Posterior Posterior

	// ActualPos is the interpolated true position at the window
	// midpoint; NaN when unavailable.
	ActualPos float64
}

// DecodeResult is an ordered sequence of decoded windows from one
// behaviour run.
type DecodeResult struct {
	RunID   uuid.UUID
	Windows []WindowResult
}

// MedianAbsError returns the median absolute difference between MAP
// position and actual position over non-degenerate windows with a known
// actual position. Returns NaN when no window qualifies.
func (r *DecodeResult) MedianAbsError() float64 {
	var errs []float64
	for _, w := range r.Windows {
		if w.Posterior.Degenerate || math.IsNaN(w.ActualPos) {
			continue
		}
		errs = append(errs, math.Abs(w.Posterior.MAPPos-w.ActualPos))
	}
	if len(errs) == 0 {
		return math.NaN()
	}
	return median(errs)
}

// EstimateBehavior walks the recording timeline in fixed windows,
// counts spikes per unit, decodes each window, and returns the ordered
// result. With PosteriorSmoothSigma set, the posterior sequence is
// additionally smoothed across time and point estimates recomputed.
func (d *Decoder) EstimateBehavior(ctx context.Context, spikes []neuro.SpikeTrain, trace neuro.PositionTrace, cfg BehaviorConfig) (*DecodeResult, error) {
	res := &DecodeResult{RunID: uuid.New()}
	err := d.StreamBehavior(ctx, spikes, trace, cfg, func(w WindowResult) error {
		res.Windows = append(res.Windows, w)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cfg.PosteriorSmoothSigma > 0 {
		d.smoothPosteriorSequence(res.Windows, cfg.PosteriorSmoothSigma)
	}
	return res, nil
}

// StreamBehavior is the lazily-produced form of EstimateBehavior: fn is
// called once per window in time order, and a non-nil error from fn
// aborts the walk. Temporal posterior smoothing does not apply here
// since it needs the materialised sequence.
func (d *Decoder) StreamBehavior(ctx context.Context, spikes []neuro.SpikeTrain, trace neuro.PositionTrace, cfg BehaviorConfig, fn func(WindowResult) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := trace.Validate(); err != nil {
		return err
	}

	start, end := cfg.Start, cfg.End
	if start == 0 && end == 0 {
		start, end = trace.Start(), trace.End()
	}
	if !trace.Covers(start, end) {
		return &neuro.RangeError{Start: start, End: end, Reason: fmt.Sprintf("position trace covers [%.3f, %.3f]", trace.Start(), trace.End())}
	}

	step := cfg.step()
	for ws := start; ws+cfg.WindowSize <= end+1e-12; ws += step {
		if err := ctx.Err(); err != nil {
			return err
		}
		we := ws + cfg.WindowSize
		w := countWindow(spikes, ws, we)
		post := d.Decode(w)

		actual := math.NaN()
		if pos, ok := trace.At((ws + we) / 2); ok {
			actual = pos
		}
		if err := fn(WindowResult{Window: w, Posterior: post, ActualPos: actual}); err != nil {
			return err
		}
	}
	return nil
}

// smoothPosteriorSequence applies a Gaussian kernel across windows,
// per spatial bin, then renormalises each window and recomputes its
// point estimates. Degenerate windows participate like any other: they
// carry the prior, which is the correct no-information contribution.
func (d *Decoder) smoothPosteriorSequence(windows []WindowResult, sigma float64) {
	nT := len(windows)
	if nT == 0 {
		return
	}
	nB := len(windows[0].Posterior.P)

	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	for i := -radius; i <= radius; i++ {
		kernel[i+radius] = math.Exp(-float64(i*i) / (2 * sigma * sigma))
	}

	smoothed := make([][]float64, nT)
	for t := 0; t < nT; t++ {
		p := make([]float64, nB)
		var wsum float64
		for j := -radius; j <= radius; j++ {
			idx := t + j
			if idx < 0 || idx >= nT {
				continue
			}
			w := kernel[j+radius]
			wsum += w
			src := windows[idx].Posterior.P
			for b := 0; b < nB; b++ {
				p[b] += w * src[b]
			}
		}
		var total float64
		for b := 0; b < nB; b++ {
			p[b] /= wsum
			total += p[b]
		}
		if total > 0 {
			for b := 0; b < nB; b++ {
				p[b] /= total
			}
		}
		smoothed[t] = p
	}
	for t := 0; t < nT; t++ {
		deg := windows[t].Posterior.Degenerate
		windows[t].Posterior = d.pointEstimates(smoothed[t], deg)
	}
}

func median(xs []float64) float64 {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
