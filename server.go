// server.go: HTTP front end of the aggregation node
//
// Routes:
//   POST   /setup            register parameters and evaluation keys
//   POST   /compute          aggregate against a cached session
//   POST   /compute_average  self-contained aggregate (nothing cached)
//   GET    /sessions         list cached session ids
//   DELETE /sessions/{id}    drop a cached session
//   GET    /health           liveness and compute timing summary

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
)

type HealthOutput struct {
	Status       string      `json:"status"`
	Version      string      `json:"version"`
	Engine       string      `json:"engine"`
	EngineReady  bool        `json:"engine_ready"`
	EngineError  string      `json:"engine_error,omitempty"`
	Configured   bool        `json:"configured"`
	Sessions     int         `json:"sessions"`
	Offload      bool        `json:"offload"`
	Compress     bool        `json:"compress"`
	ComputeStats TimingStats `json:"compute_stats"`
}

type SessionsOutput struct {
	Current  string   `json:"current,omitempty"`
	Sessions []string `json:"sessions"`
}

type Server struct {
	node            *Node
	maxRequestBytes int64
	log             *slog.Logger
	engineErr       error // result of the startup self-check
}

func NewServer(node *Node, maxRequestBytes int64) *Server {
	s := &Server{node: node, maxRequestBytes: maxRequestBytes, log: node.Log}
	if s.engineErr = CheckEngine(); s.engineErr != nil {
		s.log.Error("engine self-check failed", "error", s.engineErr)
	}
	return s
}

// Handler returns the routed handler with logging and panic recovery.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/setup", s.handleSetup).Methods(http.MethodPost)
	r.HandleFunc("/compute", s.handleCompute).Methods(http.MethodPost)
	r.HandleFunc("/compute_average", s.handleComputeAverage).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Use(s.recoverMiddleware, s.logMiddleware)
	return r
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req SetupRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.node.Setup(&req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	var req ComputeRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.node.Compute(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleComputeAverage(w http.ResponseWriter, r *http.Request) {
	var req AverageRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.node.ComputeAverage(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	out := SessionsOutput{Sessions: s.node.Sessions.IDs()}
	if cur, err := s.node.Sessions.Current(); err == nil {
		out.Current = cur.ID
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.node.Sessions.Delete(id) {
		writeJSON(w, http.StatusNotFound, ErrorOutput{
			Error: fmt.Sprintf("unknown session %q", id),
			Kind:  string(KindNotConfigured),
		})
		return
	}
	s.log.Info("session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := HealthOutput{
		Status:       "ok",
		Version:      VERSION,
		Engine:       "lattigo/v6 ckks",
		EngineReady:  s.engineErr == nil,
		Configured:   s.node.Sessions.Len() > 0,
		Sessions:     s.node.Sessions.Len(),
		Offload:      s.node.Offload.Enabled(),
		Compress:     s.node.Codec.Compress,
		ComputeStats: s.node.Timings.Stats(),
	}
	if s.engineErr != nil {
		out.Status = "degraded"
		out.EngineError = s.engineErr.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// decode reads a size-limited JSON body into dst.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return newError(KindInvalidRequest, err, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return newError(KindInvalidRequest, err, "failed to parse request")
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	status := HTTPStatus(kind)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
	}

	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}
	s.log.Log(r.Context(), level, "request failed",
		"path", r.URL.Path,
		"kind", kind,
		"status", status,
		"error", err,
	)
	writeJSON(w, status, ErrorOutput{Error: err.Error(), Kind: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.log.Error("panic in handler", "path", r.URL.Path, "panic", v, "stack", string(debug.Stack()))
				writeJSON(w, http.StatusInternalServerError, ErrorOutput{
					Error: fmt.Sprintf("internal error: %v", v),
					Kind:  string(KindInternal),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
