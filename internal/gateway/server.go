package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/platform/config"
	"github.com/chainflow-ai/chainflow/internal/platform/health"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
	"github.com/chainflow-ai/chainflow/internal/platform/metrics"
)

// ServerConfig wires the gateway HTTP server.
type ServerConfig struct {
	Runs    *RunManager
	Hub     *Hub
	Health  *health.Handler
	Metrics *metrics.Metrics
	Log     logger.Logger
	HTTP    config.HTTPConfig
}

// Server is the gateway's HTTP surface: run lifecycle API, WebSocket
// upgrade, health and metrics.
type Server struct {
	runs   *RunManager
	hub    *Hub
	log    logger.Logger
	router *mux.Router
	http   *http.Server
}

// NewServer builds the gateway server and its routes.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		runs:   cfg.Runs,
		hub:    cfg.Hub,
		log:    cfg.Log,
		router: mux.NewRouter(),
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/runs", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/runs", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/stop", s.handleStop).Methods(http.MethodPost)

	if cfg.Hub != nil {
		s.router.HandleFunc("/ws", cfg.Hub.ServeWS)
	}
	if cfg.Health != nil {
		s.router.HandleFunc("/healthz", cfg.Health.LivenessHandler())
		s.router.HandleFunc("/readyz", cfg.Health.ReadinessHandler())
	}
	if cfg.Metrics != nil {
		s.router.Handle("/metrics", cfg.Metrics.Handler())
		s.router.Use(cfg.Metrics.HTTPMetricsMiddleware())
	}
	if cfg.Log != nil {
		s.router.Use(logger.HTTPMiddleware(cfg.Log))
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	return s
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown drains the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type submitResponse struct {
	RunID string `json:"runId"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	run, err := s.runs.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitResponse{RunID: run.ID})
}

type runDetail struct {
	RunID     string             `json:"runId"`
	Status    string             `json:"status"`
	StartedAt time.Time          `json:"startedAt"`
	Stats     engine.QueueStats  `json:"stats"`
	Summary   *engine.RunSummary `json:"summary,omitempty"`
}

func runStatus(run *engine.Run) string {
	summary := run.Summary()
	switch {
	case summary == nil:
		return "running"
	case summary.Success:
		return "completed"
	default:
		return "failed"
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, ok := s.runs.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", id))
		return
	}

	s.writeJSON(w, http.StatusOK, runDetail{
		RunID:     run.ID,
		Status:    runStatus(run),
		StartedAt: run.StartedAt,
		Stats:     run.Queue.Stats(),
		Summary:   run.Summary(),
	})
}

type runListEntry struct {
	RunID      string    `json:"runId"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
	Executed   int       `json:"executed"`
	Failed     int       `json:"failed"`
	DurationMS int64     `json:"duration_ms"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	runs := s.runs.List()
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	entries := make([]runListEntry, 0, len(runs))
	for _, run := range runs {
		entry := runListEntry{
			RunID:     run.ID,
			Status:    runStatus(run),
			StartedAt: run.StartedAt,
		}
		if summary := run.Summary(); summary != nil {
			entry.Executed = summary.Executed
			entry.Failed = summary.Failed
			entry.DurationMS = summary.DurationMS
		}
		entries = append(entries, entry)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": entries})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.runs.Stop(id); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"runId": id, "status": "stopping"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && s.log != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if s.log != nil && status >= 500 {
		s.log.Error("request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
