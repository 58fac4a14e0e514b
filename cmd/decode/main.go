// Command decode trains tuning curves from a recorded session, decodes
// behaviour and candidate events against them, and records results to
// sqlite. With -listen set it then serves the results over HTTP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spikedata/replay.report/internal/api"
	"github.com/spikedata/replay.report/internal/decode"
	"github.com/spikedata/replay.report/internal/decodedb"
	"github.com/spikedata/replay.report/internal/neuro"
	"github.com/spikedata/replay.report/internal/placefield"
	"github.com/spikedata/replay.report/internal/replay"
	"github.com/spikedata/replay.report/internal/version"
)

var (
	sessionPath   = flag.String("session", "", "Path to session JSON bundle")
	dbFile        = flag.String("db", "decode_data.db", "Path to sqlite database")
	migrationsDir = flag.String("migrations", "migrations", "Path to migrations directory")
	trackLabel    = flag.String("track", "", "Epoch label to train on")
	runDir        = flag.String("dir", "both", "Run direction filter: both, forward, reverse")
	binWidth      = flag.Float64("bin-width", 2, "Spatial bin width")
	smoothBins    = flag.Float64("smooth", 2, "Tuning-curve smoothing sigma in bins")
	windowSize    = flag.Float64("window", 0.25, "Decode window size in seconds")
	step          = flag.Float64("step", 0, "Window step in seconds (0 = non-overlapping)")
	eventWindow   = flag.Float64("event-window", 0.02, "Event decode window size in seconds")
	minPeakRate   = flag.Float64("min-peak", 1, "Exclude units below this peak rate from event decoding (0 = keep all)")
	parallelism   = flag.Int("parallelism", 4, "Concurrent event decodes")
	shuffles      = flag.Int("shuffles", 500, "Column-cycle shuffles per event for replay p-values (0 = skip scoring)")
	listen        = flag.String("listen", "", "Serve results over HTTP on this address after decoding")
)

// sessionBundle is the on-disk session format: spike times per unit,
// the position trace, labelled epochs, and optional candidate events.
type sessionBundle struct {
	Spikes   map[string][]float64 `json:"spikes"`
	Position struct {
		Times     []float64 `json:"times"`
		Positions []float64 `json:"positions"`
	} `json:"position"`
	Epochs []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Label string  `json:"label"`
	} `json:"epochs"`
	Events []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"events"`
}

func loadSession(path string) ([]neuro.SpikeTrain, *neuro.PositionTrace, neuro.EpochTable, []decode.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to read session file: %w", err)
	}
	var bundle sessionBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to parse session file: %w", err)
	}

	spikes := make([]neuro.SpikeTrain, 0, len(bundle.Spikes))
	for unit, times := range bundle.Spikes {
		train := neuro.SpikeTrain{Unit: neuro.UnitID(unit), Times: times}
		if err := train.Validate(); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("unit %s: %w", unit, err)
		}
		spikes = append(spikes, train)
	}

	trace := &neuro.PositionTrace{
		Times:     bundle.Position.Times,
		Positions: bundle.Position.Positions,
	}
	if err := trace.Validate(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("position trace: %w", err)
	}

	epochs := make(neuro.EpochTable, 0, len(bundle.Epochs))
	for _, e := range bundle.Epochs {
		epochs = append(epochs, neuro.Epoch{Start: e.Start, End: e.End, Label: e.Label})
	}

	events := make([]decode.Event, 0, len(bundle.Events))
	for _, e := range bundle.Events {
		events = append(events, decode.Event{Start: e.Start, End: e.End})
	}
	return spikes, trace, epochs, events, nil
}

func trainStore(spikes []neuro.SpikeTrain, trace *neuro.PositionTrace, epochs neuro.EpochTable) (*placefield.Store, error) {
	dir, err := neuro.ParseDirection(*runDir)
	if err != nil {
		return nil, err
	}
	builder := &placefield.Builder{Trace: *trace, Epochs: epochs, Spikes: spikes}
	return builder.Compute(placefield.RateMapConfig{
		TrackLabel: *trackLabel,
		RunDir:     dir,
		BinWidth:   *binWidth,
		SmoothBins: *smoothBins,
	})
}

func decodeBehavior(ctx context.Context, db *decodedb.DB, storeID string, dec *decode.Decoder, spikes []neuro.SpikeTrain, trace *neuro.PositionTrace) error {
	cfg := decode.BehaviorConfig{WindowSize: *windowSize, Step: *step}
	res, err := dec.EstimateBehavior(ctx, spikes, *trace, cfg)
	if err != nil {
		return fmt.Errorf("behaviour decode failed: %w", err)
	}
	log.Printf("Behaviour run %s: %d windows, median error %.2f", res.RunID, len(res.Windows), res.MedianAbsError())
	return db.RecordBehaviorRun(ctx, storeID, res, cfg)
}

func decodeAndScoreEvents(ctx context.Context, db *decodedb.DB, storeID string, dec *decode.Decoder, spikes []neuro.SpikeTrain, trace *neuro.PositionTrace, events []decode.Event) error {
	cfg := decode.EventConfig{
		WindowSize:    *eventWindow,
		MinPeakRateHz: *minPeakRate,
		Parallelism:   *parallelism,
	}
	res, err := dec.DecodeEvents(ctx, spikes, *trace, events, cfg)
	if err != nil {
		return fmt.Errorf("event decode failed: %w", err)
	}
	if len(res.ExcludedUnits) > 0 {
		log.Printf("Excluded %d units below %.1f Hz peak rate", len(res.ExcludedUnits), *minPeakRate)
	}
	log.Printf("Event run %s: %d events", res.RunID, len(res.Events))
	if err := db.RecordEventRun(ctx, storeID, res, cfg); err != nil {
		return err
	}

	if *shuffles <= 0 {
		return nil
	}
	matrices := make([][][]float64, len(res.Events))
	for i, ev := range res.Events {
		matrices[i] = replay.EventMatrix(ev)
	}
	scoreCfg := replay.Config{Parallelism: *parallelism}
	scores, err := replay.ScoreEvents(ctx, matrices, scoreCfg)
	if err != nil {
		return fmt.Errorf("replay scoring failed: %w", err)
	}
	null, err := replay.ColumnShuffleScores(ctx, matrices, *shuffles, scoreCfg)
	if err != nil {
		return fmt.Errorf("shuffle scoring failed: %w", err)
	}
	pvals := replay.PValues(scores, null)
	for i, score := range scores {
		log.Printf("Event %d: replay score %.3f (slope %.1f), p = %.4f",
			i, score.Value, score.Slope, pvals[i])
	}
	return nil
}

func serve(ctx context.Context, db *decodedb.DB, store *placefield.Store) error {
	srv := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(api.NewServer(db, store).ServeMux()),
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Printf("Serving on %s", *listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func main() {
	flag.Parse()
	log.Printf("decode %s (%s)", version.Version, version.GitSHA)

	if *sessionPath == "" {
		log.Fatal("Session file is required (-session)")
	}
	if *trackLabel == "" {
		log.Fatal("Track label is required (-track)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spikes, trace, epochs, events, err := loadSession(*sessionPath)
	if err != nil {
		log.Fatalf("failed to load session: %v", err)
	}
	log.Printf("Loaded session: %d units, %d position samples, %d epochs, %d events",
		len(spikes), len(trace.Times), len(epochs), len(events))

	store, err := trainStore(spikes, trace, epochs)
	if err != nil {
		log.Fatalf("failed to build tuning curves: %v", err)
	}
	log.Printf("Trained %d tuning curves over %d bins", len(store.Units()), store.Binning().NBins())

	db, err := decodedb.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.MigrateUp(*migrationsDir); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	storeID, err := db.SaveStore(ctx, store)
	if err != nil {
		log.Fatalf("failed to save store: %v", err)
	}
	log.Printf("Saved tuning-curve store %s", storeID)

	dec, err := decode.NewDecoder(store, decode.Config{BinWidth: *binWidth})
	if err != nil {
		log.Fatalf("failed to build decoder: %v", err)
	}

	if err := decodeBehavior(ctx, db, storeID, dec, spikes, trace); err != nil {
		log.Fatalf("%v", err)
	}
	if len(events) > 0 {
		if err := decodeAndScoreEvents(ctx, db, storeID, dec, spikes, trace, events); err != nil {
			log.Fatalf("%v", err)
		}
	}

	if *listen != "" {
		if err := serve(ctx, db, store); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
