package server

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alfiehales0203-prog/RAMBLE/bluetooth"
	"github.com/alfiehales0203-prog/RAMBLE/storage"
	"github.com/alfiehales0203-prog/RAMBLE/utils"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 5 * time.Second
)

// StatusResponse is the /api/status body.
type StatusResponse struct {
	Status    string                  `json:"status"`
	Timestamp int64                   `json:"timestamp"`
	Session   bluetooth.SessionStatus `json:"session"`
	Notes     int64                   `json:"notes"`
	WSClients int                     `json:"wsClients"`
	Network   *utils.NetworkStatus    `json:"network,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"checks": map[string]bool{
			"session_manager": s.manager != nil,
			"store":           s.store != nil,
			"websocket_hub":   s.hub != nil,
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to count notes", err)
		return
	}

	resp := StatusResponse{
		Status:    "running",
		Timestamp: time.Now().Unix(),
		Session:   s.manager.Status(),
		Notes:     count,
		WSClients: s.hub.ClientCount(),
	}
	if s.network != nil {
		st := s.network.Status()
		resp.Network = &st
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	err := s.manager.Connect(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":    "connected",
			"timestamp": time.Now().Unix(),
		})
	case errors.Is(err, bluetooth.ErrAlreadyConnected):
		s.writeError(w, http.StatusConflict, "already connected", err)
	case errors.Is(err, bluetooth.ErrDeviceNotFound):
		s.writeError(w, http.StatusNotFound, "recorder not found", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "failed to connect", err)
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.manager.Disconnect()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "disconnected",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	err := s.manager.StartSync()
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":    "sync requested",
			"timestamp": time.Now().Unix(),
		})
	case errors.Is(err, bluetooth.ErrNotConnected):
		s.writeError(w, http.StatusConflict, "not connected", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "failed to request sync", err)
	}
}

func (s *Server) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	err := s.manager.RequestDelete()
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":    "delete requested",
			"timestamp": time.Now().Unix(),
		})
	case errors.Is(err, bluetooth.ErrNotConnected):
		s.writeError(w, http.StatusConflict, "not connected", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "failed to request delete", err)
	}
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alive":     s.manager.Probe(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := s.store.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list notes", err)
		return
	}
	s.writeJSON(w, http.StatusOK, notes)
}

// handleNoteByID routes /api/notes/{id} and /api/notes/{id}/audio.
func (s *Server) handleNoteByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/notes/")
	parts := strings.Split(rest, "/")

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id < 1 {
		s.writeError(w, http.StatusBadRequest, "invalid note id", nil)
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.handleGetNote(w, id)
		case http.MethodDelete:
			s.handleDeleteNote(w, id)
		default:
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		}
	case len(parts) == 2 && parts[1] == "audio":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
			return
		}
		s.handleNoteAudio(w, r, id)
	default:
		s.writeError(w, http.StatusNotFound, "not found", nil)
	}
}

func (s *Server) handleGetNote(w http.ResponseWriter, id int64) {
	note, err := s.store.Get(id)
	if errors.Is(err, storage.ErrNoteNotFound) {
		s.writeError(w, http.StatusNotFound, "note not found", nil)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load note", err)
		return
	}
	s.writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, id int64) {
	err := s.store.Delete(id)
	if errors.Is(err, storage.ErrNoteNotFound) {
		s.writeError(w, http.StatusNotFound, "note not found", nil)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to delete note", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "deleted",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleNoteAudio(w http.ResponseWriter, r *http.Request, id int64) {
	note, err := s.store.Get(id)
	if errors.Is(err, storage.ErrNoteNotFound) {
		s.writeError(w, http.StatusNotFound, "note not found", nil)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load note", err)
		return
	}

	if ctype := audioContentType(note.Filename); ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}
	w.Header().Set("Content-Disposition", `inline; filename="`+note.Filename+`"`)
	http.ServeFile(w, r, note.Path)
}

func audioContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".m4a", ".mp4", ".aac":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	default:
		return ""
	}
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if s.network == nil {
		s.writeError(w, http.StatusServiceUnavailable, "network monitoring disabled", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, s.network.Status())
}

// handleWebSocket upgrades the connection and parks it in the hub. The
// read loop only watches for the peer going away; pings ride on
// WriteControl so they never collide with hub broadcasts.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws: upgrade failed", zap.Error(err))
		return
	}
	s.log.Debug("ws: client connected", zap.String("remote", r.RemoteAddr))

	s.hub.AddClient(conn)
	defer func() {
		s.hub.RemoveClient(conn)
		s.log.Debug("ws: client disconnected", zap.String("remote", r.RemoteAddr))
	}()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug("ws: read error", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-readDone:
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
