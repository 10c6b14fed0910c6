// Package server exposes the daemon's HTTP API: device control, note
// retrieval, and a WebSocket event stream.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alfiehales0203-prog/RAMBLE/bluetooth"
	"github.com/alfiehales0203-prog/RAMBLE/storage"
	"github.com/alfiehales0203-prog/RAMBLE/utils"
)

// Server holds the dependencies for the HTTP API.
type Server struct {
	log      *zap.Logger
	manager  *bluetooth.Manager
	store    *storage.Store
	hub      *utils.WebSocketHub
	network  *utils.NetworkMonitor
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a server. network may be nil when monitoring is
// disabled.
func NewServer(log *zap.Logger, manager *bluetooth.Manager, store *storage.Store, hub *utils.WebSocketHub, network *utils.NetworkMonitor) *Server {
	return &Server{
		log:     log,
		manager: manager,
		store:   store,
		hub:     hub,
		network: network,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the full route tree. The WebSocket endpoint bypasses
// the middleware chain so the upgrade handshake is not wrapped.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.methodHandler(http.MethodGet, s.handleHealth))
	mux.HandleFunc("/api/status", s.methodHandler(http.MethodGet, s.handleStatus))

	mux.HandleFunc("/api/device/connect", s.methodHandler(http.MethodPost, s.handleConnect))
	mux.HandleFunc("/api/device/disconnect", s.methodHandler(http.MethodPost, s.handleDisconnect))
	mux.HandleFunc("/api/device/sync", s.methodHandler(http.MethodPost, s.handleSync))
	mux.HandleFunc("/api/device/delete", s.methodHandler(http.MethodPost, s.handleDeviceDelete))
	mux.HandleFunc("/api/device/probe", s.methodHandler(http.MethodGet, s.handleProbe))

	mux.HandleFunc("/api/notes", s.methodHandler(http.MethodGet, s.handleListNotes))
	mux.HandleFunc("/api/notes/", s.handleNoteByID)

	mux.HandleFunc("/api/network", s.methodHandler(http.MethodGet, s.handleNetwork))

	handler := s.loggingMiddleware(corsMiddleware(mux))

	mainMux := http.NewServeMux()
	mainMux.HandleFunc("/ws", s.handleWebSocket)
	mainMux.Handle("/", handler)
	return mainMux
}

// Start serves the API on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Shutdown stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) methodHandler(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
			return
		}
		handler(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("http: encode response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]any{
		"error":     message,
		"timestamp": time.Now().Unix(),
	}
	if err != nil {
		response["details"] = err.Error()
		s.log.Warn("http: request failed",
			zap.String("message", message),
			zap.Error(err))
	}
	s.writeJSON(w, statusCode, response)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.statusCode),
			zap.Duration("duration", time.Since(start)))
	})
}

// responseRecorder wraps http.ResponseWriter to capture the status code.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
