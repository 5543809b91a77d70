// Package statusapi exposes the integrity pipeline's read views and write
// operations over plain HTTP/JSON (spec.md §6). It is deliberately thin: a
// net/http.ServeMux in front of internal/pipeline.Pipeline, the same shape
// internal/health uses for its liveness/readiness probes, extended with
// JSON marshaling for the read views and a handful of POST actions for the
// write operations.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fd1az/obmonitor/internal/fault"
	"github.com/fd1az/obmonitor/internal/incident"
	"github.com/fd1az/obmonitor/internal/logger"
	"github.com/fd1az/obmonitor/internal/pipeline"
	"github.com/fd1az/obmonitor/internal/recorder"
)

// Server serves the status API's read views and write operations.
type Server struct {
	addr     string
	pipeline *pipeline.Pipeline
	log      logger.LoggerInterface
	server   *http.Server
}

// New builds a Server bound to addr, delegating every handler to p.
func New(addr string, p *pipeline.Pipeline, log logger.LoggerInterface) *Server {
	return &Server{addr: addr, pipeline: p, log: log}
}

// Start begins serving in the background. Call Stop to shut it down.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/overall_health", s.handleOverallHealth)
	mux.HandleFunc("/book_top", s.handleBookTop)
	mux.HandleFunc("/book_slice", s.handleBookSlice)
	mux.HandleFunc("/event_log_tail", s.handleEventLogTail)
	mux.HandleFunc("/start_recording", s.handleStartRecording)
	mux.HandleFunc("/stop_recording", s.handleStopRecording)
	mux.HandleFunc("/export_incident", s.handleExportIncident)
	mux.HandleFunc("/replay", s.handleReplay)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Error(context.Background(), "status api server stopped", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleOverallHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.OverallHealth())
}

type bookTopResponse struct {
	BestBid *[2]string `json:"best_bid"`
	BestAsk *[2]string `json:"best_ask"`
	Spread  *string    `json:"spread"`
	Mid     *string    `json:"mid"`
}

func (s *Server) handleBookTop(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	book, ok := s.pipeline.Book(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown symbol: %s", symbol))
		return
	}

	var resp bookTopResponse
	if bid, ok := book.BestBid(); ok {
		pair := [2]string{bid.Price.String(), bid.Qty.String()}
		resp.BestBid = &pair
	}
	if ask, ok := book.BestAsk(); ok {
		pair := [2]string{ask.Price.String(), ask.Qty.String()}
		resp.BestAsk = &pair
	}
	if spread, ok := book.Spread(); ok {
		s := spread.String()
		resp.Spread = &s
	}
	if mid, ok := book.Mid(); ok {
		m := mid.String()
		resp.Mid = &m
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBookSlice(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	book, ok := s.pipeline.Book(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown symbol: %s", symbol))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, book.SnapshotJSON(limit))
}

func (s *Server) handleEventLogTail(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, s.pipeline.EventLogTail(n))
}

type startRecordingRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req startRecordingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	sessionID, err := s.pipeline.StartRecording(req.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recording", "session_id": sessionID})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.pipeline.StopRecording(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type exportIncidentRequest struct {
	Symbol string          `json:"symbol"`
	Reason incident.Reason `json:"reason"`
}

func (s *Server) handleExportIncident(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req exportIncidentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = incident.ReasonManual
	}
	entry, err := s.pipeline.ExportIncident(r.Context(), req.Symbol, req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type replayMutationRequest struct {
	FrameIndex   int        `json:"frame_index"`
	Kind         fault.Kind `json:"kind"`
	SwapDistance int        `json:"swap_distance,omitempty"`
	PerturbDelta int64      `json:"perturb_delta,omitempty"`
}

type replayRequest struct {
	Path      string                  `json:"path"`
	Mode      string                  `json:"mode"`
	Speed     float64                 `json:"speed"`
	FaultPlan []replayMutationRequest `json:"fault_plan,omitempty"`
}

func (req replayRequest) parseMode() (recorder.Mode, error) {
	switch req.Mode {
	case "", "as_fast":
		return recorder.AsFast, nil
	case "realtime":
		return recorder.Realtime, nil
	case "speed":
		return recorder.Speed, nil
	default:
		return 0, fmt.Errorf("unknown replay mode: %s", req.Mode)
	}
}

// handleReplay runs a replay session synchronously against the caller's
// request context: a real replay of a bounded recorded journal finishes in
// well under the client's timeout, and synchronous replies let the caller
// observe replay errors directly instead of polling a second endpoint.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req replayRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	mode, err := req.parseMode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var plan *fault.Plan
	if len(req.FaultPlan) > 0 {
		mutations := make([]fault.Mutation, len(req.FaultPlan))
		for i, m := range req.FaultPlan {
			mutations[i] = fault.Mutation{
				FrameIndex:   m.FrameIndex,
				Kind:         m.Kind,
				SwapDistance: m.SwapDistance,
				PerturbDelta: m.PerturbDelta,
			}
		}
		plan = fault.NewPlan(mutations)
	}

	if err := s.pipeline.Replay(r.Context(), req.Path, mode, req.Speed, plan); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replay complete"})
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "expected POST")
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
