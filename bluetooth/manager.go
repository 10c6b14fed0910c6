package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrAlreadyConnected is returned by Connect when a session is live.
var ErrAlreadyConnected = errors.New("bluetooth: already connected")

// Sink persists completed note files. The manager guarantees data length
// equals the size the file header announced and calls Save at most once
// per completed file, from a dedicated goroutine.
type Sink interface {
	Save(filename string, data []byte) error
}

// TransportDialer opens a transport to the recorder. Production wiring
// uses DialRecorder; tests substitute a scripted fake.
type TransportDialer func(ctx context.Context) (Transport, error)

// Options configure a Manager.
type Options struct {
	Device       DeviceOptions
	ProgressStep int
	CommandQueue int
	EventBuffer  int

	// Dialer overrides the default BlueZ dialer.
	Dialer TransportDialer
}

// SessionStatus is the snapshot served by the HTTP status endpoint.
type SessionStatus struct {
	Connected     bool             `json:"connected"`
	Address       string           `json:"address,omitempty"`
	Name          string           `json:"name,omitempty"`
	Transfer      TransferSnapshot `json:"transfer"`
	AcksSent      uint64           `json:"acksSent"`
	AcksDropped   uint64           `json:"acksDropped"`
	EventsDropped uint64           `json:"eventsDropped"`
}

// Manager owns at most one live sync session with the recorder and is
// the daemon-facing API: connect, start a sync pass, request device-side
// deletion, probe liveness, disconnect. All session state hangs off the
// Manager value.
type Manager struct {
	mu   sync.RWMutex
	log  *zap.Logger
	sink Sink
	dial TransportDialer

	progressStep int
	queueSize    int

	session *session

	events        chan SessionEvent
	eventsDropped atomic.Uint64
}

// NewManager creates a manager. sink must be non-nil.
func NewManager(log *zap.Logger, sink Sink, opts Options) *Manager {
	if opts.EventBuffer < 1 {
		opts.EventBuffer = 64
	}
	m := &Manager{
		log:          log,
		sink:         sink,
		dial:         opts.Dialer,
		progressStep: opts.ProgressStep,
		queueSize:    opts.CommandQueue,
		events:       make(chan SessionEvent, opts.EventBuffer),
	}
	if m.dial == nil {
		device := opts.Device
		m.dial = func(ctx context.Context) (Transport, error) {
			return DialRecorder(ctx, log, device)
		}
	}
	return m
}

// Events is the session event stream. Events are emitted in the order
// the underlying chunks were processed; a slow consumer loses events
// rather than stalling the engine.
func (m *Manager) Events() <-chan SessionEvent {
	return m.events
}

// Connect establishes the transport and starts a new session. The
// engine never retries on its own; callers decide whether and when to
// call Connect again.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.RLock()
	connected := m.session != nil
	m.mu.RUnlock()
	if connected {
		return ErrAlreadyConnected
	}

	t, err := m.dial(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		t.Close()
		return ErrAlreadyConnected
	}
	sess := m.startSession(t)
	m.session = sess
	m.mu.Unlock()

	m.emit(newEvent(EventConnected, ConnectedPayload{Address: sess.address, Name: sess.name}))
	return nil
}

// StartSync asks the recorder to begin streaming its stored notes. The
// transfer machine is reset unconditionally first, so a session stuck
// awaiting data from a dead sync pass starts clean.
func (m *Manager) StartSync() error {
	s := m.current()
	if s == nil {
		return ErrNotConnected
	}
	s.transfer.Reset()
	if err := s.flow.Send([]byte(CmdSync)); err != nil {
		return fmt.Errorf("session: sync request: %w", err)
	}
	m.emit(newEvent(EventStatus, StatusPayload{Message: "sync requested"}))
	return nil
}

// RequestDelete asks the recorder to delete its synced files. There is no
// confirmation protocol: the outcome is only observable through later
// STATUS traffic from the device.
func (m *Manager) RequestDelete() error {
	s := m.current()
	if s == nil {
		return ErrNotConnected
	}
	if err := s.flow.Send([]byte(CmdDelete)); err != nil {
		return fmt.Errorf("session: delete request: %w", err)
	}
	m.emit(newEvent(EventStatus, StatusPayload{Message: "delete requested"}))
	return nil
}

// Probe writes PING and reports optimistic liveness: true means the
// write went out, not that the recorder answered. A PONG shows up later
// as a status event.
func (m *Manager) Probe() bool {
	s := m.current()
	if s == nil {
		return false
	}
	return s.flow.Send([]byte(CmdPing)) == nil
}

// Disconnect tears the session down: in-flight partial transfers are
// discarded, already completed files still reach the sink. No-op when
// not connected.
func (m *Manager) Disconnect() {
	s := m.current()
	if s == nil {
		return
	}
	m.teardown(s, "requested")
}

// Status returns the current session snapshot.
func (m *Manager) Status() SessionStatus {
	s := m.current()
	st := SessionStatus{EventsDropped: m.eventsDropped.Load()}
	if s == nil {
		return st
	}
	st.Connected = true
	st.Address = s.address
	st.Name = s.name
	st.Transfer = s.transfer.Snapshot()
	st.AcksSent = s.flow.AcksSent()
	st.AcksDropped = s.flow.AcksDropped()
	return st
}

func (m *Manager) current() *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// emit forwards an event without ever blocking the engine.
func (m *Manager) emit(ev SessionEvent) {
	select {
	case m.events <- ev:
	default:
		m.eventsDropped.Add(1)
		m.log.Debug("session: event dropped, slow consumer", zap.String("type", string(ev.Type)))
	}
}

// session binds one transport to the engine goroutines: a dispatch loop
// consuming notifications in order, the flow controller's writer, and a
// persist loop keeping sink calls off the dispatch path.
type session struct {
	m         *Manager
	transport Transport
	flow      *FlowController
	transfer  *TransferHandler

	address string
	name    string

	persistCh   chan CompletedFile
	done        chan struct{}
	persistDone chan struct{}
}

func (m *Manager) startSession(t Transport) *session {
	s := &session{
		m:           m,
		transport:   t,
		flow:        NewFlowController(m.log, t, m.queueSize),
		transfer:    NewTransferHandler(m.log, m.progressStep),
		persistCh:   make(chan CompletedFile, 16),
		done:        make(chan struct{}),
		persistDone: make(chan struct{}),
	}
	s.address, s.name = t.Device()

	s.transfer.SetAckFunc(s.flow.Acknowledge)
	s.transfer.SetEventFunc(m.emit)
	s.transfer.SetCompleteFunc(func(file CompletedFile) {
		s.persistCh <- file
	})

	go s.run()
	go s.persistLoop()
	return s
}

// run is the single consumer of inbound chunks. Classification, parsing
// and the state machine all execute here, so chunk effects are applied
// strictly in arrival order.
func (s *session) run() {
	for chunk := range s.transport.Notifications() {
		frame := ClassifyChunk(chunk)
		if frame.Kind == FrameControl {
			s.transfer.HandleControl(ParseControl(frame.Text))
		} else {
			s.transfer.HandlePayload(frame.Data)
		}
	}
	close(s.done)
	s.m.teardown(s, "link lost")
}

// persistLoop hands completed files to the sink in completion order. A
// sink failure is reported and the session keeps running.
func (s *session) persistLoop() {
	defer close(s.persistDone)
	for file := range s.persistCh {
		if err := s.m.sink.Save(file.Filename, file.Data); err != nil {
			s.m.log.Error("session: persist failed",
				zap.String("filename", file.Filename),
				zap.Error(err))
			s.m.emit(newEvent(EventSyncError, SyncErrorPayload{
				Filename: file.Filename,
				Error:    err.Error(),
			}))
			continue
		}
		s.m.emit(newEvent(EventNoteSaved, NoteSavedPayload{
			Filename: file.Filename,
			Size:     len(file.Data),
		}))
	}
}

// teardown closes one session exactly once, from whichever side noticed
// first: an explicit Disconnect or the dispatch loop observing link
// loss.
func (m *Manager) teardown(s *session, reason string) {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.mu.Unlock()

	s.transport.Close()
	<-s.done
	s.flow.Close()
	s.transfer.Reset()
	close(s.persistCh)
	<-s.persistDone

	m.emit(newEvent(EventDisconnected, DisconnectedPayload{Reason: reason}))
	m.log.Info("session: closed", zap.String("reason", reason))
}
