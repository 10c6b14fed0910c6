package bluetooth

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeTransport scripts the recorder side of a session.
type fakeTransport struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	notif    chan []byte
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{notif: make(chan []byte, 64)}
}

func (f *fakeTransport) WriteCommand(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
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

func (f *fakeTransport) push(chunk []byte) { f.notif <- chunk }

func (f *fakeTransport) countAcks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		if len(w) == 1 && w[0] == AckByte {
			n++
		}
	}
	return n
}

func (f *fakeTransport) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.writes {
		if len(w) != 1 || w[0] != AckByte {
			out = append(out, string(w))
		}
	}
	return out
}

// memorySink records saves and optionally fails them.
type memorySink struct {
	mu    sync.Mutex
	saved map[string][]byte
	err   error
}

func newMemorySink() *memorySink {
	return &memorySink{saved: make(map[string][]byte)}
}

func (s *memorySink) Save(filename string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.saved[filename] = cp
	return nil
}

func (s *memorySink) get(filename string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.saved[filename]
	return data, ok
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func newTestManager(t *testing.T, ft *fakeTransport, sink Sink) *Manager {
	t.Helper()
	return NewManager(zap.NewNop(), sink, Options{
		ProgressStep: 5,
		CommandQueue: 16,
		EventBuffer:  64,
		Dialer: func(ctx context.Context) (Transport, error) {
			return ft, nil
		},
	})
}

func waitEvent(t *testing.T, events <-chan SessionEvent, typ EventType) SessionEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting until %s", what)
}

func TestManagerSyncEndToEnd(t *testing.T) {
	ft := newFakeTransport()
	sink := newMemorySink()
	m := newTestManager(t, ft, sink)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	ev := waitEvent(t, m.Events(), EventConnected)
	if p, ok := ev.Payload.(ConnectedPayload); !ok || p.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("unexpected connected payload: %+v", ev.Payload)
	}

	if err := m.StartSync(); err != nil {
		t.Fatalf("start sync failed: %v", err)
	}

	ft.push([]byte("SYNC_START"))
	ft.push([]byte("FILE:note1.m4a,5"))
	ft.push([]byte{1, 2, 3})
	ft.push([]byte{4, 5})
	ft.push([]byte("SYNC_COMPLETE"))

	waitEvent(t, m.Events(), EventNoteSaved)
	waitEvent(t, m.Events(), EventSyncComplete)

	data, ok := sink.get("note1.m4a")
	if !ok {
		t.Fatalf("expected note1.m4a in sink")
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("unexpected sink data: %v", data)
	}

	if cmds := ft.commands(); len(cmds) != 1 || cmds[0] != CmdSync {
		t.Errorf("expected a single SYNC command write, got %v", cmds)
	}
	// Header plus two chunks.
	waitUntil(t, "3 acks written", func() bool { return ft.countAcks() == 3 })

	st := m.Status()
	if !st.Connected || st.Transfer.Stats.FilesCompleted != 1 {
		t.Errorf("unexpected status: %+v", st)
	}

	m.Disconnect()
	waitEvent(t, m.Events(), EventDisconnected)
	if m.Status().Connected {
		t.Errorf("expected disconnected status")
	}
}

func TestManagerDisconnectDiscardsPartial(t *testing.T) {
	ft := newFakeTransport()
	sink := newMemorySink()
	m := newTestManager(t, ft, sink)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitEvent(t, m.Events(), EventConnected)

	ft.push([]byte("FILE:half.m4a,100"))
	ft.push(bytes.Repeat([]byte{0x01}, 40))
	waitUntil(t, "partial received", func() bool {
		return m.Status().Transfer.Received == 40
	})

	m.Disconnect()
	ev := waitEvent(t, m.Events(), EventDisconnected)
	if p, ok := ev.Payload.(DisconnectedPayload); !ok || p.Reason != "requested" {
		t.Errorf("unexpected disconnect payload: %+v", ev.Payload)
	}

	if sink.count() != 0 {
		t.Errorf("partial file must never reach the sink")
	}
}

func TestManagerLinkLossTearsDownSession(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, newMemorySink())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitEvent(t, m.Events(), EventConnected)

	// The transport closing its stream is how link loss surfaces.
	ft.Close()

	ev := waitEvent(t, m.Events(), EventDisconnected)
	if p, ok := ev.Payload.(DisconnectedPayload); !ok || p.Reason != "link lost" {
		t.Errorf("unexpected disconnect payload: %+v", ev.Payload)
	}
	waitUntil(t, "session removed", func() bool { return !m.Status().Connected })
}

func TestManagerOperationsRequireConnection(t *testing.T) {
	m := newTestManager(t, newFakeTransport(), newMemorySink())

	if err := m.StartSync(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from StartSync, got %v", err)
	}
	if err := m.RequestDelete(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from RequestDelete, got %v", err)
	}
	if m.Probe() {
		t.Errorf("probe must report false when disconnected")
	}
	// Disconnect when not connected is a no-op.
	m.Disconnect()
}

func TestManagerConnectTwiceFails(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, newMemorySink())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	m.Disconnect()
}

func TestManagerConnectSurfacesDialError(t *testing.T) {
	dialErr := errors.New("no adapter")
	m := NewManager(zap.NewNop(), newMemorySink(), Options{
		Dialer: func(ctx context.Context) (Transport, error) {
			return nil, dialErr
		},
	})
	if err := m.Connect(context.Background()); !errors.Is(err, dialErr) {
		t.Errorf("expected dial error, got %v", err)
	}
	if m.Status().Connected {
		t.Errorf("failed connect must not leave a session")
	}
}

func TestManagerProbeOptimism(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft, newMemorySink())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !m.Probe() {
		t.Errorf("probe should be optimistic when the write succeeds")
	}

	ft.mu.Lock()
	ft.writeErr = errors.New("link down")
	ft.mu.Unlock()
	if m.Probe() {
		t.Errorf("probe must report false when the write fails")
	}
	ft.mu.Lock()
	ft.writeErr = nil
	ft.mu.Unlock()
	m.Disconnect()
}

func TestManagerStartSyncResetsStuckTransfer(t *testing.T) {
	ft := newFakeTransport()
	sink := newMemorySink()
	m := newTestManager(t, ft, sink)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitEvent(t, m.Events(), EventConnected)

	// A dead sync pass leaves the machine awaiting data.
	ft.push([]byte("FILE:stuck.m4a,1000"))
	ft.push(bytes.Repeat([]byte{0x02}, 10))
	waitUntil(t, "stuck partial", func() bool {
		return m.Status().Transfer.Received == 10
	})

	if err := m.StartSync(); err != nil {
		t.Fatalf("start sync failed: %v", err)
	}
	if got := m.Status().Transfer; got.Phase != PhaseIdle || got.Received != 0 {
		t.Errorf("expected reset transfer state, got %+v", got)
	}

	// The retried pass completes normally.
	ft.push([]byte("FILE:stuck.m4a,3"))
	ft.push([]byte{1, 2, 3})
	waitEvent(t, m.Events(), EventNoteSaved)
	if _, ok := sink.get("stuck.m4a"); !ok {
		t.Errorf("expected retried file in sink")
	}
	m.Disconnect()
}

func TestManagerSinkFailureIsNonFatal(t *testing.T) {
	ft := newFakeTransport()
	sink := newMemorySink()
	sink.err = errors.New("disk full")
	m := newTestManager(t, ft, sink)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitEvent(t, m.Events(), EventConnected)

	ft.push([]byte("FILE:doomed.m4a,2"))
	ft.push([]byte{1, 2})

	ev := waitEvent(t, m.Events(), EventSyncError)
	p, ok := ev.Payload.(SyncErrorPayload)
	if !ok || p.Filename != "doomed.m4a" {
		t.Errorf("unexpected sync error payload: %+v", ev.Payload)
	}

	// The session survives and the next file still flows.
	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()
	ft.push([]byte("FILE:fine.m4a,2"))
	ft.push([]byte{3, 4})
	waitEvent(t, m.Events(), EventNoteSaved)
	if _, ok := sink.get("fine.m4a"); !ok {
		t.Errorf("expected follow-up file in sink")
	}
	m.Disconnect()
}
