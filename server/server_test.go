package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alfiehales0203-prog/RAMBLE/bluetooth"
	"github.com/alfiehales0203-prog/RAMBLE/storage"
	"github.com/alfiehales0203-prog/RAMBLE/utils"
)

// fakeTransport stands in for the BLE link.
type fakeTransport struct {
	mu     sync.Mutex
	writes [][]byte
	notif  chan []byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{notif: make(chan []byte, 16)}
}

func (f *fakeTransport) WriteCommand(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeTransport) Notifications() <-chan []byte { return f.notif }

func (f *fakeTransport) Device() (string, string) { return "AA:BB:CC:DD:EE:FF", "RambleRecorder" }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.notif)
	}
	return nil
}

func (f *fakeTransport) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.writes {
		if len(w) != 1 || w[0] != bluetooth.AckByte {
			out = append(out, string(w))
		}
	}
	return out
}

type testEnv struct {
	srv   *httptest.Server
	store *storage.Store
	hub   *utils.WebSocketHub
	ft    *fakeTransport
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop()

	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ft := newFakeTransport()
	manager := bluetooth.NewManager(log, store, bluetooth.Options{
		Dialer: func(ctx context.Context) (bluetooth.Transport, error) {
			return ft, nil
		},
	})
	hub := utils.NewWebSocketHub(log)

	s := NewServer(log, manager, store, hub, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(manager.Disconnect)

	return &testEnv{srv: srv, store: store, hub: hub, ft: ft}
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) post(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", nil)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, e.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	require.Equal(t, "healthy", body["status"])
}

func TestStatusStartsDisconnected(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body StatusResponse
	decodeBody(t, resp, &body)
	require.Equal(t, "running", body.Status)
	require.False(t, body.Session.Connected)
	require.Zero(t, body.Notes)
}

func TestDeviceLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/device/connect")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.get(t, "/api/status")
	var body StatusResponse
	decodeBody(t, resp, &body)
	require.True(t, body.Session.Connected)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", body.Session.Address)

	resp = env.post(t, "/api/device/connect")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/device/sync")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.Eventually(t, func() bool {
		cmds := env.ft.commands()
		return len(cmds) == 1 && cmds[0] == bluetooth.CmdSync
	}, 2*time.Second, 10*time.Millisecond)

	resp = env.post(t, "/api/device/disconnect")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.get(t, "/api/status")
	decodeBody(t, resp, &body)
	require.False(t, body.Session.Connected)
}

func TestSyncRequiresConnection(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/device/sync")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/device/delete")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestProbeWhileDisconnected(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/device/probe")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	require.Equal(t, false, body["alive"])
}

func TestNotesCRUD(t *testing.T) {
	env := newTestEnv(t)

	audio := []byte{0x00, 0x01, 0x02, 0xfe, 0xff}
	require.NoError(t, env.store.Save("note1.m4a", audio))

	resp := env.get(t, "/api/notes")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var notes []storage.Note
	decodeBody(t, resp, &notes)
	require.Len(t, notes, 1)
	require.Equal(t, "note1.m4a", notes[0].Filename)

	idPath := "/api/notes/" + strconv.FormatInt(notes[0].ID, 10)

	resp = env.get(t, idPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var note storage.Note
	decodeBody(t, resp, &note)
	require.Equal(t, int64(5), note.SizeBytes)

	resp = env.get(t, idPath+"/audio")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "audio/mp4", resp.Header.Get("Content-Type"))
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, audio, got)

	resp = env.delete(t, idPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.get(t, idPath)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestNoteRoutesRejectGarbage(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/notes/abc")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.get(t, "/api/notes/1/bogus")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.get(t, "/api/notes/99999")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestMethodChecks(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/device/sync")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/notes")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestNetworkDisabled(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/network")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestWebSocketReceivesBroadcasts(t *testing.T) {
	env := newTestEnv(t)

	wsURL := strings.Replace(env.srv.URL, "http", "ws", 1) + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return env.hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	env.hub.Broadcast(utils.WebSocketEvent{
		Type:      "note_saved",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"filename": "note1.m4a"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev utils.WebSocketEvent
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "note_saved", ev.Type)
}
