package replay

import (
	"context"
	"math/rand"

	"github.com/spikedata/replay.report/internal/neuro"
	"github.com/spikedata/replay.report/internal/placefield"
)

// ColumnCycleShuffle returns a copy of an event posterior with each
// time column circularly shifted along the position axis by a random
// amount. This destroys trajectory structure while preserving each
// column's sharpness, the standard null for line-fit scores.
func ColumnCycleShuffle(post [][]float64, rng *rand.Rand) [][]float64 {
	out := make([][]float64, len(post))
	for t, col := range post {
		npos := len(col)
		shifted := make([]float64, npos)
		if npos == 0 {
			out[t] = shifted
			continue
		}
		shift := rng.Intn(npos)
		for b := 0; b < npos; b++ {
			shifted[(b+shift)%npos] = col[b]
		}
		out[t] = shifted
	}
	return out
}

// ColumnShuffleScores builds a null score distribution: nIter rounds of
// column-cycle shuffling and rescoring every event. The result is
// indexed [iteration][event].
func ColumnShuffleScores(ctx context.Context, events [][][]float64, nIter int, cfg Config) ([][]Score, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	null := make([][]Score, nIter)
	for it := 0; it < nIter; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng := rand.New(rand.NewSource(cfg.Seed + int64(1e6) + int64(it)))
		shuffled := make([][][]float64, len(events))
		for i, post := range events {
			shuffled[i] = ColumnCycleShuffle(post, rng)
		}
		iterCfg := cfg
		iterCfg.Seed = cfg.Seed + int64(it+1)*7919
		scores, err := ScoreEvents(ctx, shuffled, iterCfg)
		if err != nil {
			return nil, err
		}
		null[it] = scores
	}
	return null, nil
}

// ShuffledStore reassigns tuning curves among units at random, the
// unit-identity null: decoding events against a shuffled store measures
// how much structure survives when fields no longer belong to the units
// that fired.
func ShuffledStore(store *placefield.Store, rng *rand.Rand) (*placefield.Store, error) {
	units := store.Units()
	order := make([]neuro.UnitID, len(units))
	copy(order, units)
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	return store.Reassigned(order)
}

// PValues returns, per event, the fraction of null iterations whose
// score meets or beats the actual score, with the +1 correction that
// keeps p away from zero for finite null sets.
func PValues(actual []Score, null [][]Score) []float64 {
	p := make([]float64, len(actual))
	for i := range actual {
		exceed := 0
		for _, iter := range null {
			if iter[i].Value >= actual[i].Value {
				exceed++
			}
		}
		p[i] = float64(exceed+1) / float64(len(null)+1)
	}
	return p
}
