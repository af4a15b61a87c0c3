package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/courierkit/courier/internal/runtime"
	"github.com/courierkit/courier/internal/store"
	"github.com/courierkit/courier/pkg/id"
	logpkg "github.com/courierkit/courier/pkg/log"
)

type Server struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
	srv    *http.Server
	lis    net.Listener
}

func New(rt *runtime.Runtime, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	mux := http.NewServeMux()
	s := &Server{rt: rt, logger: logger.With(logpkg.Component("http")), srv: &http.Server{Handler: cors(mux)}}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.HandleFunc("/v1/messages/", s.handleMessage)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/events", s.handleEventsSSE)
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Metrics().Registry(), promhttp.HandlerOpts{}))
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitReq struct {
	Originator string `json:"originator"`
	Recipient  string `json:"recipient"`
	Payload    []byte `json:"payload"`
}

type submitResp struct {
	ID string `json:"id"`
}

// handleMessages serves POST /v1/messages (submit) and GET /v1/messages
// (list by state).
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	mid, err := s.rt.Service().Submit(r.Context(), req.Originator, req.Recipient, req.Payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, submitResp{ID: mid.String()})
	case errors.Is(err, store.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, store.ErrInvalidRecipient):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("submit failed", logpkg.Err(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	state := store.State(r.URL.Query().Get("state"))
	if !state.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state")
		return
	}
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}
	msgs, err := s.rt.Service().List(r.Context(), state, limit)
	if err != nil {
		s.logger.Error("list failed", logpkg.Err(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleMessage serves GET /v1/messages/{id}.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/v1/messages/")
	mid, err := id.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed message id")
		return
	}
	msg, err := s.rt.Service().Status(r.Context(), mid)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, msg)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	default:
		s.logger.Error("status failed", logpkg.Err(err))
		writeError(w, http.StatusInternalServerError, "status failed")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.rt.Service().Stats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", logpkg.Err(err))
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleEventsSSE streams status events for one originator as server-sent
// events until the client disconnects. Slow clients may miss events; the
// store is the ground truth.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	originator := r.URL.Query().Get("originator")
	if originator == "" {
		writeError(w, http.StatusBadRequest, "originator is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	token, events := s.rt.Notifier().Subscribe(originator)
	defer s.rt.Notifier().Unsubscribe(token)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
