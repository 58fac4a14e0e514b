// Package decode implements Bayesian position decoding against a
// tuning-curve store: a Poisson observation model turning ensemble
// spike counts in a time window into a posterior over spatial bins,
// plus two session modes that drive it: a sliding window over the
// continuous behaviour timeline and per-event decoding of externally
// detected windows.
package decode

import (
	"fmt"
	"log"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/spikedata/replay.report/internal/neuro"
	"github.com/spikedata/replay.report/internal/placefield"
)

// Prior selects the spatial prior applied to every decoded window.
type Prior int

const (
	// PriorUniform weighs all bins equally.
	PriorUniform Prior = iota
	// PriorOccupancy weighs bins by the time the animal spent in them
	// during tuning-curve construction.
	PriorOccupancy
)

func (p Prior) String() string {
	if p == PriorOccupancy {
		return "occupancy"
	}
	return "uniform"
}

// Config configures a Decoder. BinWidth must match the store's spatial
// binning; the mismatch is the classic way to decode against the wrong
// model, so it is checked rather than assumed.
type Config struct {
	// BinWidth is the expected spatial bin width (cm) of the store.
	BinWidth float64 `json:"bin_width"`

	// Prior is the spatial prior; uniform unless the caller opts in to
	// occupancy weighting.
	Prior Prior `json:"prior"`
}

// Window is a decode step: a time interval plus the spike count
// observed per unit inside it. Transient, constructed per step.
type Window struct {
	Start, End float64
	Counts     map[neuro.UnitID]int
}

// Duration returns the window length in seconds.
func (w Window) Duration() float64 { return w.End - w.Start }

// TotalSpikes sums the counts across units.
func (w Window) TotalSpikes() int {
	var n int
	for _, c := range w.Counts {
		n += c
	}
	return n
}

// Posterior is the decoded distribution over spatial bins for one
// window, with both point estimates the caller may choose between.
type Posterior struct {
	// P is the posterior probability per bin, summing to 1.
	P []float64

	// MAPBin is the bin of maximum posterior; MAPPos its centre (cm).
	MAPBin int
	MAPPos float64

	// MeanPos is the posterior-weighted mean position (cm).
	MeanPos float64

	// Degenerate marks a window that carried no information (zero
	// spikes across all units, or no finite likelihood anywhere); the
	// posterior then equals the prior exactly.
	Degenerate bool
}

// rateFloorHz is the minimum firing rate assumed inside the decodable
// support. Tuning curves estimated from finite data contain hard zeros
// wherever a unit happened never to fire; taken literally those assign
// zero likelihood to the bin for any window in which the unit fires.
const rateFloorHz = 1e-3

// Decoder computes posteriors against one immutable tuning-curve store.
// A Decoder is safe for concurrent use: decoding reads only the store
// snapshot taken at construction.
type Decoder struct {
	store   *placefield.Store
	cfg     Config
	units   []neuro.UnitID
	logRate map[neuro.UnitID][]float64 // log(λ_u(b)), -Inf where λ is 0 or the bin invalid
	rate    map[neuro.UnitID][]float64 // λ_u(b), 0 where invalid
	support []bool                     // bins with nonzero occupancy
	centers []float64
	prior   []float64 // normalised over support

	mu           sync.Mutex
	unknownUnits map[neuro.UnitID]int // diagnostic tally of counts for units absent from the store
}

// NewDecoder binds a decoder to a tuning-curve store. A store built
// with a different spatial bin width than cfg.BinWidth is rejected with
// a ConfigError.
func NewDecoder(store *placefield.Store, cfg Config) (*Decoder, error) {
	binning := store.Binning()
	if math.Abs(cfg.BinWidth-binning.BinWidth) > 1e-9 {
		return nil, &neuro.ConfigError{
			Op:     "decoder",
			Reason: fmt.Sprintf("store built with bin width %g, decoder configured with %g", binning.BinWidth, cfg.BinWidth),
		}
	}

	n := binning.NBins()
	occ := store.OccupancySeconds()
	support := make([]bool, n)
	for i, s := range occ {
		support[i] = s > 0
	}

	d := &Decoder{
		store:        store,
		cfg:          cfg,
		units:        store.Units(),
		logRate:      make(map[neuro.UnitID][]float64, len(store.Units())),
		rate:         make(map[neuro.UnitID][]float64, len(store.Units())),
		support:      support,
		centers:      binning.Centers(),
		unknownUnits: make(map[neuro.UnitID]int),
	}

	for _, id := range d.units {
		curve, _ := store.Curve(id)
		lr := make([]float64, n)
		r := make([]float64, n)
		for b := 0; b < n; b++ {
			if !support[b] || !curve.Valid[b] {
				lr[b] = math.Inf(-1)
				r[b] = 0
				continue
			}
			// Floor the rate inside the support: a hard zero would
			// veto a bin outright on a single stray spike, which sparse
			// ensembles produce constantly.
			rate := curve.Rates[b]
			if rate < rateFloorHz {
				rate = rateFloorHz
			}
			lr[b] = math.Log(rate)
			r[b] = rate
		}
		d.logRate[id] = lr
		d.rate[id] = r
	}

	prior, err := buildPrior(cfg.Prior, store, support)
	if err != nil {
		return nil, err
	}
	d.prior = prior
	return d, nil
}

// buildPrior normalises the requested prior over the support bins.
func buildPrior(p Prior, store *placefield.Store, support []bool) ([]float64, error) {
	n := len(support)
	prior := make([]float64, n)
	switch p {
	case PriorUniform:
		var count int
		for _, ok := range support {
			if ok {
				count++
			}
		}
		if count == 0 {
			return nil, &neuro.ConfigError{Op: "decoder", Reason: "store occupancy is empty, no bins to decode over"}
		}
		for i, ok := range support {
			if ok {
				prior[i] = 1 / float64(count)
			}
		}
	case PriorOccupancy:
		occ := store.OccupancyPrior()
		if occ == nil {
			return nil, &neuro.ConfigError{Op: "decoder", Reason: "occupancy prior requested but store occupancy is empty"}
		}
		copy(prior, occ)
	default:
		return nil, &neuro.ConfigError{Op: "decoder", Reason: fmt.Sprintf("unknown prior %d", p)}
	}
	return prior, nil
}

// Prior returns a copy of the decoder's normalised prior distribution.
func (d *Decoder) Prior() []float64 {
	out := make([]float64, len(d.prior))
	copy(out, d.prior)
	return out
}

// Store returns the tuning-curve store the decoder was built against.
func (d *Decoder) Store() *placefield.Store { return d.store }

// Config returns the decoder configuration.
func (d *Decoder) Config() Config { return d.cfg }

// Decode computes the posterior over spatial bins for one spike-count
// window. Under the Poisson observation model, for window duration τ
// and per-unit counts n_u:
//
//	log P(counts | bin b) = Σ_u [ n_u·log(λ_u(b)·τ) − λ_u(b)·τ ]
//
// with terms independent of b dropped. The posterior is prior times
// exp(log-likelihood), computed in log space and normalised after
// subtracting the per-window maximum.
//
// A window with zero spikes across all known units yields the prior
// exactly, flagged Degenerate. Counts for units absent from the store
// are skipped and tallied as diagnostics, never fatal.
func (d *Decoder) Decode(w Window) Posterior {
	tau := w.Duration()
	n := len(d.prior)
	logPost := make([]float64, n)
	logTau := math.Log(tau)

	var total int
	for id, count := range w.Counts {
		if count < 0 {
			continue
		}
		lr, ok := d.logRate[id]
		if !ok {
			d.noteUnknown(id, count)
			continue
		}
		rate := d.rate[id]
		for b := 0; b < n; b++ {
			if !d.support[b] || math.IsInf(logPost[b], -1) {
				continue
			}
			if count > 0 {
				logPost[b] += float64(count)*(lr[b]+logTau) - rate[b]*tau
			} else {
				logPost[b] -= rate[b] * tau
			}
		}
		total += count
	}

	if total == 0 {
		return d.priorPosterior()
	}

	// Fold in the prior and normalise in log space.
	finite := false
	for b := 0; b < n; b++ {
		if !d.support[b] || d.prior[b] == 0 {
			logPost[b] = math.Inf(-1)
			continue
		}
		logPost[b] += math.Log(d.prior[b])
		if !math.IsInf(logPost[b], -1) {
			finite = true
		}
	}
	if !finite {
		// Spikes observed from units with zero rate everywhere in the
		// support: no bin explains the data. Fall back to the prior.
		return d.priorPosterior()
	}

	lse := floats.LogSumExp(logPost)
	p := make([]float64, n)
	for b := range p {
		if math.IsInf(logPost[b], -1) {
			continue
		}
		p[b] = math.Exp(logPost[b] - lse)
	}
	return d.pointEstimates(p, false)
}

// priorPosterior returns the prior as the posterior for a degenerate
// window.
func (d *Decoder) priorPosterior() Posterior {
	p := make([]float64, len(d.prior))
	copy(p, d.prior)
	return d.pointEstimates(p, true)
}

// pointEstimates fills in the MAP and mean position estimates.
func (d *Decoder) pointEstimates(p []float64, degenerate bool) Posterior {
	mapBin := floats.MaxIdx(p)
	var mean float64
	for b, v := range p {
		mean += v * d.centers[b]
	}
	return Posterior{
		P:          p,
		MAPBin:     mapBin,
		MAPPos:     d.centers[mapBin],
		MeanPos:    mean,
		Degenerate: degenerate,
	}
}

func (d *Decoder) noteUnknown(id neuro.UnitID, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.unknownUnits[id]; !seen {
		log.Printf("decode: ignoring counts for unit %s not present in tuning-curve store", id)
	}
	d.unknownUnits[id] += count
}

// UnknownUnitCounts returns the diagnostic tally of spike counts seen
// for units absent from the store.
func (d *Decoder) UnknownUnitCounts() map[neuro.UnitID]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[neuro.UnitID]int, len(d.unknownUnits))
	for id, c := range d.unknownUnits {
		out[id] = c
	}
	return out
}

// countWindow builds the per-unit spike counts for [start, end).
func countWindow(spikes []neuro.SpikeTrain, start, end float64) Window {
	counts := make(map[neuro.UnitID]int, len(spikes))
	for _, train := range spikes {
		counts[train.Unit] = train.CountBetween(start, end)
	}
	return Window{Start: start, End: end, Counts: counts}
}
