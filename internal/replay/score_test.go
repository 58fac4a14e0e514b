package replay

import (
	"context"
	"math"
	"math/rand"
	"testing"
)

// diagonalEvent builds a posterior matrix with all mass marching one
// bin per window, a perfect replay trajectory.
func diagonalEvent(nt, npos int) [][]float64 {
	post := make([][]float64, nt)
	for t := 0; t < nt; t++ {
		col := make([]float64, npos)
		col[t%npos] = 1
		post[t] = col
	}
	return post
}

// flatEvent builds a structureless posterior: uniform every window.
func flatEvent(nt, npos int) [][]float64 {
	post := make([][]float64, nt)
	for t := 0; t < nt; t++ {
		col := make([]float64, npos)
		for b := range col {
			col[b] = 1 / float64(npos)
		}
		post[t] = col
	}
	return post
}

func TestScoreEventPrefersTrajectory(t *testing.T) {
	rngA := rand.New(rand.NewSource(1))
	rngB := rand.New(rand.NewSource(1))

	traj := ScoreEvent(diagonalEvent(12, 20), rngA, 5000)
	flat := ScoreEvent(flatEvent(12, 20), rngB, 5000)

	if math.IsNaN(traj.Value) || math.IsNaN(flat.Value) {
		t.Fatal("scores should be finite")
	}
	if traj.Value <= flat.Value {
		t.Errorf("trajectory score %v should beat flat score %v", traj.Value, flat.Value)
	}
}

func TestScoreEventDeterministicWithSeed(t *testing.T) {
	post := diagonalEvent(10, 15)
	a := ScoreEvent(post, rand.New(rand.NewSource(42)), 2000)
	b := ScoreEvent(post, rand.New(rand.NewSource(42)), 2000)
	if a != b {
		t.Errorf("same seed gave different scores: %+v vs %+v", a, b)
	}
}

func TestScoreEventEmpty(t *testing.T) {
	s := ScoreEvent(nil, rand.New(rand.NewSource(1)), 100)
	if !math.IsNaN(s.Value) {
		t.Errorf("empty event score = %v, want NaN", s.Value)
	}
}

func TestScoreEventsMatchesSequentialOrder(t *testing.T) {
	events := [][][]float64{
		diagonalEvent(8, 12),
		flatEvent(8, 12),
		diagonalEvent(6, 12),
	}
	cfg := Config{NumLines: 1000, Seed: 7}
	seq, err := ScoreEvents(context.Background(), events, cfg)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	par, err := ScoreEvents(context.Background(), events, Config{NumLines: 1000, Seed: 7, Parallelism: 3})
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	for i := range seq {
		if seq[i] != par[i] {
			t.Errorf("event %d: parallel score %+v != sequential %+v", i, par[i], seq[i])
		}
	}
}

func TestColumnCycleShuffleDestroysStructure(t *testing.T) {
	post := diagonalEvent(12, 20)
	rng := rand.New(rand.NewSource(3))
	shuffled := ColumnCycleShuffle(post, rng)

	// Each column still carries exactly one unit of mass.
	for t2, col := range shuffled {
		var sum float64
		for _, v := range col {
			sum += v
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("column %d mass = %v, want 1 after shuffle", t2, sum)
		}
	}

	// The input is untouched.
	for t2 := 0; t2 < 12; t2++ {
		if post[t2][t2%20] != 1 {
			t.Fatal("shuffle mutated its input")
		}
	}
}

func TestPValuesSeparateTrajectoryFromFlat(t *testing.T) {
	ctx := context.Background()
	events := [][][]float64{diagonalEvent(12, 20), flatEvent(12, 20)}
	cfg := Config{NumLines: 1500, Seed: 11}

	actual, err := ScoreEvents(ctx, events, cfg)
	if err != nil {
		t.Fatalf("ScoreEvents: %v", err)
	}
	null, err := ColumnShuffleScores(ctx, events, 40, cfg)
	if err != nil {
		t.Fatalf("ColumnShuffleScores: %v", err)
	}
	p := PValues(actual, null)

	if p[0] >= 0.1 {
		t.Errorf("trajectory event p = %v, want < 0.1", p[0])
	}
	if p[1] < 0.1 {
		t.Errorf("flat event p = %v, want unremarkable (>= 0.1)", p[1])
	}
	for i, v := range p {
		if v <= 0 || v > 1 {
			t.Errorf("p[%d] = %v outside (0, 1]", i, v)
		}
	}
}

func TestPValuesBounds(t *testing.T) {
	actual := []Score{{Value: 10}}
	null := [][]Score{{{Value: 1}}, {{Value: 2}}, {{Value: 3}}}
	p := PValues(actual, null)
	if got, want := p[0], 0.25; got != want { // (0+1)/(3+1)
		t.Errorf("p = %v, want %v", got, want)
	}
}
