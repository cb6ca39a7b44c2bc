// Package httpapi exposes the worker over HTTP: job submission, health,
// the public gallery index and its maintenance, and the recent-jobs ledger.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/you/tg-dubber/internal/backfill"
	"github.com/you/tg-dubber/internal/ledger"
	"github.com/you/tg-dubber/internal/pipeline"
)

type Pipeline interface {
	Submit(ctx context.Context, req pipeline.Request) (pipeline.Admission, error)
	Status() pipeline.Health
}

type Gallery interface {
	Index(ctx context.Context) ([]byte, error)
	RebuildIndex(ctx context.Context) (int, error)
}

type Jobs interface {
	Get(ctx context.Context, id string) (ledger.Entry, error)
	Recent(ctx context.Context, n int) ([]ledger.Entry, error)
}

// Backfill repairs stored records in the background.
type Backfill interface {
	Start(ctx context.Context, k backfill.Kind) error
	Status(k backfill.Kind) backfill.Progress
}

type Server struct {
	pipe     Pipeline
	gallery  Gallery
	jobs     Jobs     // optional
	backfill Backfill // optional
}

func New(p Pipeline, g Gallery, j Jobs) *Server {
	return &Server{pipe: p, gallery: g, jobs: j}
}

// WithBackfill enables the gallery maintenance routes.
func (s *Server) WithBackfill(b Backfill) *Server {
	s.backfill = b
	return s
}

// Router wires every route behind the logging middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(recoverer, logRequests)

	r.HandleFunc("/pipeline", s.submit).Methods(http.MethodPost)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/gallery", s.index).Methods(http.MethodGet)
	r.HandleFunc("/gallery/rebuild", s.rebuild).Methods(http.MethodPost)
	r.HandleFunc("/gallery/backfill/{kind}", s.startBackfill).Methods(http.MethodPost)
	r.HandleFunc("/gallery/backfill/{kind}", s.backfillStatus).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.recent).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.job).Methods(http.MethodGet)
	return r
}

/* ---------------------- handlers ---------------------- */

type submitResponse struct {
	Status   string `json:"status"`
	Position int    `json:"position"`
	JobID    string `json:"jobId"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	adm, err := s.pipe.Submit(r.Context(), req)
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := "accepted"
	if adm.Queued {
		status = "queued"
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Status: status, Position: adm.Position, JobID: adm.JobID})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	h := s.pipe.Status()
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		pipeline.Health
	}{OK: true, Health: h})
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	body, err := s.gallery.Index(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "gallery unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(body)
}

func (s *Server) rebuild(w http.ResponseWriter, r *http.Request) {
	n, err := s.gallery.RebuildIndex(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"videos": n})
}

func (s *Server) backfillKind(w http.ResponseWriter, r *http.Request) (backfill.Kind, bool) {
	if s.backfill == nil {
		writeError(w, http.StatusNotImplemented, "backfill disabled")
		return "", false
	}
	k, err := backfill.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return k, true
}

type backfillResponse struct {
	Status string `json:"status"`
	backfill.Progress
}

func (s *Server) startBackfill(w http.ResponseWriter, r *http.Request) {
	k, ok := s.backfillKind(w, r)
	if !ok {
		return
	}
	err := s.backfill.Start(r.Context(), k)
	switch {
	case errors.Is(err, backfill.ErrRunning):
		writeJSON(w, http.StatusConflict, backfillResponse{Status: "already_running", Progress: s.backfill.Status(k)})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, backfillResponse{Status: "started", Progress: s.backfill.Status(k)})
	}
}

func (s *Server) backfillStatus(w http.ResponseWriter, r *http.Request) {
	k, ok := s.backfillKind(w, r)
	if !ok {
		return
	}
	p := s.backfill.Status(k)
	status := "idle"
	if p.Running {
		status = "running"
	}
	writeJSON(w, http.StatusOK, backfillResponse{Status: status, Progress: p})
}

func (s *Server) recent(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusNotImplemented, "job ledger disabled")
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if n <= 0 || n > 100 {
		n = 20
	}
	entries, err := s.jobs.Recent(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": entries})
}

func (s *Server) job(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusNotImplemented, "job ledger disabled")
		return
	}
	e, err := s.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, redis.Nil) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

/* ---------------------- plumbing ---------------------- */

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := log.Info()
		if rec.status >= 500 {
			ev = log.Warn()
		}
		if r.URL.Path == "/health" {
			ev = log.Debug()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("http")
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				log.Error().Interface("panic", v).Str("path", r.URL.Path).Msg("handler panicked")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
