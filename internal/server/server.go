// Package server exposes the inference core over a local HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/a-marczewski/tinyinfer/internal/catalog"
	"github.com/a-marczewski/tinyinfer/internal/engine"
	"github.com/a-marczewski/tinyinfer/internal/errdefs"
	"github.com/a-marczewski/tinyinfer/internal/inference"
	"github.com/a-marczewski/tinyinfer/internal/lifecycle"
	"github.com/a-marczewski/tinyinfer/internal/semantic"
	"github.com/a-marczewski/tinyinfer/internal/telemetry"
	"go.uber.org/zap"
)

const (
	maxBodyBytes = 1 << 20 // 1 MiB
	defaultTopK  = 5
)

// Server serves the engine on a loopback address.
type Server struct {
	engine *engine.Engine
	logger *zap.Logger
	addr   string

	mu           sync.Mutex
	server       *http.Server
	shutdownOnce sync.Once
}

// New creates a server for eng listening on addr.
func New(eng *engine.Engine, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: eng, logger: logger, addr: addr}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/load", s.handleLoad)
	mux.HandleFunc("POST /v1/unload", s.handleUnload)
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("POST /v1/documents", s.handleAddDocument)
	mux.HandleFunc("POST /v1/search", s.handleSearch)
	mux.HandleFunc("POST /v1/benchmark", s.handleBenchmark)
	mux.Handle("GET /metrics", s.engine.Metrics().Handler())
	return mux
}

// Start serves until Stop is called. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // generation and load responses are long-lived
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", zap.String("addr", s.addr))
	return srv.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	var err error
	s.shutdownOnce.Do(func() {
		err = srv.Shutdown(ctx)
	})
	return err
}

type stateView struct {
	State    string              `json:"state"`
	Progress float64             `json:"progress,omitempty"`
	Model    *catalog.Descriptor `json:"model,omitempty"`
	Message  string              `json:"message,omitempty"`
}

func viewOf(st lifecycle.State) stateView {
	v := stateView{State: st.Kind.String(), Progress: st.Progress, Message: st.Message}
	if st.HasModel() {
		m := st.Model
		v.Model = &m
	}
	return v
}

type statusResponse struct {
	Lifecycle    stateView                    `json:"lifecycle"`
	Privacy      telemetry.PrivacyCounters    `json:"privacy"`
	Performance  telemetry.PerformanceSummary `json:"performance"`
	Anomalous    bool                         `json:"privacy_anomaly"`
	Benchmarking bool                         `json:"benchmarking"`
	Documents    int                          `json:"documents"`
}

type loadRequest struct {
	ModelID string `json:"model_id"`
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type documentRequest struct {
	Text string `json:"text"`
}

type searchRequest struct {
	Query string `json:"query"`
	K     *int   `json:"k"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agg := s.engine.Telemetry()
	writeJSON(w, http.StatusOK, statusResponse{
		Lifecycle:    viewOf(s.engine.State()),
		Privacy:      s.engine.CurrentPrivacyCounters(),
		Performance:  s.engine.CurrentPerformanceSummary(),
		Anomalous:    agg.Anomalous(),
		Benchmarking: agg.Benchmarking(),
		Documents:    len(s.engine.Documents()),
	})
}

// handleLoad loads the named model, or probes and selects one when no model
// is named. It responds once the load settles.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}

	var err error
	if req.ModelID == "" {
		_, err = s.engine.Bootstrap(r.Context())
	} else {
		model, ok := s.engine.Catalog().ByIdentifier(req.ModelID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown model %q", req.ModelID))
			return
		}
		err = s.engine.Load(r.Context(), model)
	}
	if err != nil {
		s.logger.Warn("Load request failed", zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s.engine.State()))
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unload(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s.engine.State()))
}

// handleGenerate streams generation events as server-sent events. A client
// disconnect cancels the generation.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !s.decode(w, r, &req) {
		return
	}

	stream, err := s.engine.Generate(r.Context(), req.Prompt)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	defer stream.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for ev := range stream.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			stream.Cancel()
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	outcome, err := stream.Wait()
	if outcome == inference.Failed {
		data, _ := json.Marshal(errorResponse{Error: err.Error()})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	s.logger.Debug("Generation stream closed", zap.String("outcome", outcome.String()))
}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if !s.decode(w, r, &req) {
		return
	}
	doc, err := s.engine.AddDocument(r.Context(), req.Text)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	k := defaultTopK
	if req.K != nil {
		k = *req.K
	}
	results, err := s.engine.Search(r.Context(), req.Query, k)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]semantic.Result{"results": results})
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.RunBenchmark(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return s.decodeBody(w, r, v, false)
}

// decodeOptional accepts an empty body, whatever its framing, and leaves v
// untouched.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	return s.decodeBody(w, r, v, true)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if allowEmpty && errors.Is(err, io.EOF) {
		return true
	}
	if err != nil {
		s.logger.Debug("Invalid JSON in request body", zap.Error(err))
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON in request: %w", err))
		return false
	}
	return true
}

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrBusy), errors.Is(err, errdefs.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, errdefs.ErrLoadFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
