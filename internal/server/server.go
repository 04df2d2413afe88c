// Package server exposes the triage pipeline over HTTP: message intake,
// session inspection, escalation lifecycle, and a websocket stream of
// audit-bus events for live monitors.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"triage/internal/bus"
	"triage/internal/logging"
	"triage/internal/memory"
	"triage/internal/metrics"
	"triage/internal/orchestrator"
	"triage/internal/ticket"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Config holds the HTTP surface settings.
type Config struct {
	Addr string
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{Addr: ":8080"}
}

// Server wires the orchestrator and the audit bus behind an HTTP API.
type Server struct {
	cfg       Config
	orch      *orchestrator.Orchestrator
	tickets   ticket.System
	collector *metrics.Collector
	rollups   *metrics.Store
	stream    *eventStream
	log       zerolog.Logger
}

// New builds a server. The bus feeds the websocket event stream; collector
// and rollups may be nil, disabling the stats endpoints.
func New(cfg Config, orch *orchestrator.Orchestrator, tickets ticket.System, b *bus.Bus, collector *metrics.Collector, rollups *metrics.Store) *Server {
	return &Server{
		cfg:       cfg,
		orch:      orch,
		tickets:   tickets,
		collector: collector,
		rollups:   rollups,
		stream:    newEventStream(b),
		log:       logging.ForComponent("server"),
	}
}

// Handler returns the routed HTTP handler. Exposed separately from Run so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/messages", s.handleMessage)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("POST /api/sessions/{id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/sessions/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /api/tickets", s.handleTickets)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/stats/daily", s.handleDailyStats)
	mux.HandleFunc("GET /api/events", s.stream.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Run serves until ctx is cancelled, then drains connections and the
// websocket clients.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.stream.start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.stream.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type messageRequest struct {
	SessionID string    `json:"session_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.SessionID == "" || req.Sender == "" {
		writeError(w, http.StatusBadRequest, "session_id and sender are required")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	res, err := s.orch.HandleMessage(r.Context(), req.SessionID, req.Sender, req.Text, ts)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", req.SessionID).Msg("handle message failed")
		writeError(w, http.StatusInternalServerError, "message processing failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.orch.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "session load failed")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	id := r.PathValue("id")
	if err := s.orch.ResolveEscalation(r.Context(), id, req.Resolution); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "resolved"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.ResetSession(r.Context(), id); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "reset"})
}

func (s *Server) handleTickets(w http.ResponseWriter, r *http.Request) {
	open, err := s.tickets.ListOpen(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ticket listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": open, "count": len(open)})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusNotFound, "stats collection is disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	if s.rollups == nil {
		writeError(w, http.StatusNotFound, "stats collection is disabled")
		return
	}
	days := 7
	if n := r.URL.Query().Get("days"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil && parsed > 0 {
			days = parsed
		}
	}
	daily, err := s.rollups.Daily(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"daily": daily})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "triage",
		"clients": s.stream.clientCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
