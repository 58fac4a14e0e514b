// Package replay scores decoded event posteriors for trajectory-like
// structure, the downstream step of ripple decoding: a replayed run
// shows up as posterior mass concentrated along a line through the
// time-by-position matrix. Scores are compared against shuffle null
// distributions to obtain per-event p-values (Kloosterman et al. 2012).
package replay

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/spikedata/replay.report/internal/decode"
	"github.com/spikedata/replay.report/internal/neuro"
)

// Config tunes the line-fit scoring.
type Config struct {
	// NumLines is how many random lines are sampled per event.
	NumLines int

	// Seed makes scoring reproducible. Zero seeds from a fixed default
	// so results are deterministic unless the caller opts out.
	Seed int64

	// Parallelism bounds concurrent event scoring; zero or one is
	// sequential.
	Parallelism int
}

// Validate checks the configuration, applying defaults for zero values.
func (c *Config) Validate() error {
	if c.NumLines == 0 {
		c.NumLines = 5000
	}
	if c.NumLines < 0 {
		return &neuro.ConfigError{Op: "replay", Reason: fmt.Sprintf("num lines must be positive, got %d", c.NumLines)}
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	return nil
}

// Score is the best line fit found for one event.
type Score struct {
	// Value is the mean posterior mass along the best line.
	Value float64

	// Slope is the best line's slope in bins per window; its sign is
	// the replay direction.
	Slope float64
}

// EventMatrix extracts the time-by-bin posterior matrix of a decoded
// event, the input shape the scorer works on. Degenerate windows carry
// the prior, which is the correct no-information column.
func EventMatrix(ev decode.EventResult) [][]float64 {
	m := make([][]float64, len(ev.Windows))
	for i, w := range ev.Windows {
		col := make([]float64, len(w.Posterior.P))
		copy(col, w.Posterior.P)
		m[i] = col
	}
	return m
}

// ScoreEvent fits random lines through a time-by-bin posterior matrix
// and returns the best. For each candidate line the posterior is read
// at the line's bin per time step; time steps where the line leaves the
// track take the column median instead, so short excursions off the
// edge do not zero the line out.
func ScoreEvent(post [][]float64, rng *rand.Rand, numLines int) Score {
	nt := len(post)
	if nt == 0 || len(post[0]) == 0 {
		return Score{Value: math.NaN()}
	}
	npos := len(post[0])

	sm := smoothColumns(post)
	medians := columnMedians(sm)

	tmid := (float64(nt) + 1) / 2
	pmid := (float64(npos) + 1) / 2
	diag := math.Sqrt(float64((nt-1)*(nt-1) + (npos-1)*(npos-1)))

	best := Score{Value: math.Inf(-1)}
	for l := 0; l < numLines; l++ {
		theta := rng.Float64()*math.Pi - math.Pi/2
		intercept := rng.Float64()*diag - diag/2

		sinT, cosT := math.Sincos(theta)
		if sinT == 0 {
			continue
		}
		var sum float64
		for t := 0; t < nt; t++ {
			y := int((intercept-(float64(t)-tmid)*cosT)/sinT + pmid)
			if y < 0 || y >= npos {
				sum += medians[t]
			} else {
				sum += sm[t][y]
			}
		}
		mean := sum / float64(nt)
		if mean > best.Value {
			best = Score{Value: mean, Slope: -1 / math.Tan(theta)}
		}
	}
	return best
}

// ScoreEvents scores each event posterior, fanning out across events.
// Each event gets its own deterministic sub-seed so results do not
// depend on scheduling order.
func ScoreEvents(ctx context.Context, events [][][]float64, cfg Config) ([]Score, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scores := make([]Score, len(events))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Parallelism > 1 {
		g.SetLimit(cfg.Parallelism)
	} else {
		g.SetLimit(1)
	}
	for i, post := range events {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(cfg.Seed + int64(i)))
			scores[i] = ScoreEvent(post, rng, cfg.NumLines)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

// smoothColumns applies a 3-tap box sum along the position axis,
// thickening the posterior ridge so a line one bin off still collects
// mass.
func smoothColumns(post [][]float64) [][]float64 {
	nt := len(post)
	npos := len(post[0])
	out := make([][]float64, nt)
	for t := 0; t < nt; t++ {
		col := make([]float64, npos)
		for b := 0; b < npos; b++ {
			s := post[t][b]
			if b > 0 {
				s += post[t][b-1]
			}
			if b+1 < npos {
				s += post[t][b+1]
			}
			col[b] = s
		}
		out[t] = col
	}
	return out
}

func columnMedians(post [][]float64) []float64 {
	meds := make([]float64, len(post))
	for t, col := range post {
		sorted := make([]float64, len(col))
		copy(sorted, col)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			meds[t] = sorted[mid]
		} else {
			meds[t] = (sorted[mid-1] + sorted[mid]) / 2
		}
	}
	return meds
}
