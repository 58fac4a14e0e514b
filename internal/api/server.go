// Package api serves trained tuning curves and recorded decode runs
// over HTTP as JSON. Handlers are read-only; decoding itself runs in
// cmd/decode before the server starts.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spikedata/replay.report/internal/decodedb"
	"github.com/spikedata/replay.report/internal/placefield"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	db    *decodedb.DB
	store *placefield.Store
}

// NewServer wires the handlers to a database and the active
// tuning-curve store. The store may be nil when serving history only;
// store-backed routes then return 404.
func NewServer(db *decodedb.DB, store *placefield.Store) *Server {
	return &Server{
		db:    db,
		store: store,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/units", s.listUnits)
	mux.HandleFunc("/api/ratemaps", s.showRateMaps)
	mux.HandleFunc("/api/occupancy", s.showOccupancy)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/", s.showRunWindows)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusNotFound, "No tuning-curve store loaded")
		return false
	}
	return true
}

// UnitAPI summarises one unit of the active store.
type UnitAPI struct {
	UnitID        string  `json:"unit_id"`
	PeakRate      float64 `json:"peak_rate"`
	FieldPosition float64 `json:"field_position"`
}

func (s *Server) listUnits(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.requireStore(w, r) {
		return
	}

	centers := s.store.Binning().Centers()
	units := make([]UnitAPI, 0, len(s.store.Units()))
	for _, id := range s.store.UnitsByFieldPosition() {
		curve, _ := s.store.Curve(id)
		u := UnitAPI{UnitID: string(id), PeakRate: curve.Peak()}
		if argmax := curve.ArgMax(); argmax >= 0 {
			u.FieldPosition = centers[argmax]
		}
		units = append(units, u)
	}
	json.NewEncoder(w).Encode(units)
}

// RateMapAPI carries one unit's smoothed tuning curve. Rates for
// invalid bins are null.
type RateMapAPI struct {
	UnitID string     `json:"unit_id"`
	Rates  []*float64 `json:"rates"`
}

type rateMapsResponse struct {
	TrackLabel string       `json:"track_label"`
	RunDir     string       `json:"run_dir"`
	BinCenters []float64    `json:"bin_centers"`
	Units      []RateMapAPI `json:"units"`
}

func (s *Server) showRateMaps(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.requireStore(w, r) {
		return
	}

	cfg := s.store.Config()
	resp := rateMapsResponse{
		TrackLabel: cfg.TrackLabel,
		RunDir:     cfg.RunDir.String(),
		BinCenters: s.store.Binning().Centers(),
		Units:      []RateMapAPI{},
	}
	for _, id := range s.store.Units() {
		curve, _ := s.store.Curve(id)
		rates := make([]*float64, len(curve.Rates))
		for b := range curve.Rates {
			if curve.Valid[b] {
				v := curve.Rates[b]
				rates[b] = &v
			}
		}
		resp.Units = append(resp.Units, RateMapAPI{UnitID: string(id), Rates: rates})
	}
	json.NewEncoder(w).Encode(resp)
}

type occupancyResponse struct {
	BinCenters        []float64 `json:"bin_centers"`
	Seconds           []float64 `json:"seconds"`
	Prior             []float64 `json:"prior,omitempty"`
	OutOfRangeSamples int       `json:"out_of_range_samples"`
}

func (s *Server) showOccupancy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.requireStore(w, r) {
		return
	}

	json.NewEncoder(w).Encode(occupancyResponse{
		BinCenters:        s.store.Binning().Centers(),
		Seconds:           s.store.OccupancySeconds(),
		Prior:             s.store.OccupancyPrior(),
		OutOfRangeSamples: s.store.OutOfRangeSamples(),
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	runs, err := s.db.ListRuns(r.Context())
	if err != nil {
		log.Printf("Error listing runs: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []decodedb.RunSummary{}
	}
	json.NewEncoder(w).Encode(runs)
}

func (s *Server) showRunWindows(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid run ID")
		return
	}

	windows, err := s.db.RunWindows(r.Context(), runID)
	if err != nil {
		log.Printf("Error loading windows for run %s: %v", runID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to load run windows")
		return
	}
	if len(windows) == 0 {
		exists, err := s.runExists(r.Context(), runID)
		if err != nil {
			log.Printf("Error checking run %s: %v", runID, err)
			s.writeJSONError(w, http.StatusInternalServerError, "Failed to load run")
			return
		}
		if !exists {
			s.writeJSONError(w, http.StatusNotFound, "Run not found")
			return
		}
		windows = []decodedb.StoredWindow{}
	}
	json.NewEncoder(w).Encode(windows)
}

func (s *Server) runExists(ctx context.Context, runID string) (bool, error) {
	runs, err := s.db.ListRuns(ctx)
	if err != nil {
		return false, err
	}
	for _, run := range runs {
		if run.RunID == runID {
			return true, nil
		}
	}
	return false, nil
}
