package bluetooth

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TransferPhase is the receive state machine phase.
type TransferPhase int

const (
	PhaseIdle TransferPhase = iota
	PhaseAwaitingData
)

func (p TransferPhase) String() string {
	if p == PhaseAwaitingData {
		return "awaiting_data"
	}
	return "idle"
}

// CompletedFile is an immutable snapshot of a fully received note. Data
// is exactly the number of bytes the file header announced.
type CompletedFile struct {
	Filename string
	Data     []byte
}

// TransferStats are cumulative counters for the lifetime of a session.
type TransferStats struct {
	FilesCompleted uint64 `json:"filesCompleted"`
	BytesSynced    uint64 `json:"bytesSynced"`
	ChunksReceived uint64 `json:"chunksReceived"`
	ChunksDropped  uint64 `json:"chunksDropped"`
}

// TransferSnapshot is a point-in-time view of the machine for the status
// API.
type TransferSnapshot struct {
	Phase    TransferPhase `json:"phase"`
	Filename string        `json:"filename,omitempty"`
	Received uint64        `json:"received"`
	Expected uint64        `json:"expected"`
	Percent  float64       `json:"percent"`
	LastPong time.Time     `json:"lastPong,omitempty"`
	Stats    TransferStats `json:"stats"`
}

// TransferHandler reassembles note files from the recorder's notification
// stream. It is driven from the single session dispatch goroutine; the
// mutex exists so status snapshots can be read from HTTP handlers.
//
// Idle: no transfer in progress, payload chunks are dropped.
// AwaitingData: a FILE header was accepted, payload chunks accumulate
// until the announced size is reached.
type TransferHandler struct {
	mu           sync.RWMutex
	log          *zap.Logger
	progressStep int

	phase    TransferPhase
	filename string
	expected uint64
	received uint64
	buf      []byte

	lastBucket int
	lastPong   time.Time
	stats      TransferStats

	ack      func()
	emit     func(SessionEvent)
	complete func(CompletedFile)
}

// NewTransferHandler creates an idle transfer handler. progressStep is
// the percent interval between progress events.
func NewTransferHandler(log *zap.Logger, progressStep int) *TransferHandler {
	if progressStep < 1 || progressStep > 100 {
		progressStep = 5
	}
	return &TransferHandler{
		log:          log,
		progressStep: progressStep,
		phase:        PhaseIdle,
		lastBucket:   -1,
	}
}

// SetAckFunc sets the function invoked exactly once per accepted file
// header and once per payload chunk.
func (h *TransferHandler) SetAckFunc(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ack = fn
}

// SetEventFunc sets the session event emitter.
func (h *TransferHandler) SetEventFunc(fn func(SessionEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emit = fn
}

// SetCompleteFunc sets the function that takes ownership of each
// completed file snapshot.
func (h *TransferHandler) SetCompleteFunc(fn func(CompletedFile)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.complete = fn
}

// HandleControl advances the machine for one parsed control line.
func (h *TransferHandler) HandleControl(msg ControlMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch msg.Kind {
	case ControlFileHeader:
		h.beginFileLocked(msg.Filename, msg.Size)
	case ControlSyncComplete:
		h.finishSyncLocked()
	case ControlSyncStart:
		h.log.Info("transfer: device sync started")
		h.emitLocked(newEvent(EventStatus, StatusPayload{Message: "sync started"}))
	case ControlPong:
		h.lastPong = time.Now()
		h.emitLocked(newEvent(EventStatus, StatusPayload{Message: "pong"}))
	case ControlError:
		h.log.Warn("transfer: device reported error", zap.String("detail", msg.Text))
		h.emitLocked(newEvent(EventStatus, StatusPayload{Message: "device error: " + msg.Text}))
	case ControlStatus:
		h.emitLocked(newEvent(EventStatus, StatusPayload{Message: msg.Text}))
	default:
		h.log.Debug("transfer: unrecognized control line", zap.String("text", preview(msg.Text)))
		h.emitLocked(newEvent(EventStatus, StatusPayload{Message: "unrecognized: " + preview(msg.Text)}))
	}
}

// HandlePayload appends one audio chunk to the transfer in progress.
// Chunks arriving while idle are dropped; the recorder only sends payload
// after a header, so a drop here means the header was lost or the
// classifier misjudged a frame.
func (h *TransferHandler) HandlePayload(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.phase != PhaseAwaitingData {
		h.stats.ChunksDropped++
		h.log.Warn("transfer: dropping payload chunk with no transfer in progress",
			zap.Int("size", len(data)))
		return
	}

	h.buf = append(h.buf, data...)
	h.received += uint64(len(data))
	h.stats.ChunksReceived++
	h.ackLocked()

	if h.received >= h.expected {
		h.completeLocked()
		return
	}
	h.progressLocked()
}

// Reset unconditionally returns the machine to idle, discarding any
// partial transfer. Called before each new sync request and on
// disconnect.
func (h *TransferHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phase == PhaseAwaitingData && h.received > 0 {
		h.log.Warn("transfer: discarding partial file on reset",
			zap.String("filename", h.filename),
			zap.Uint64("receivedBytes", h.received),
			zap.Uint64("expectedBytes", h.expected))
	}
	h.resetLocked()
}

// Snapshot returns the current machine state for the status API.
func (h *TransferHandler) Snapshot() TransferSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return TransferSnapshot{
		Phase:    h.phase,
		Filename: h.filename,
		Received: h.received,
		Expected: h.expected,
		Percent:  h.percentLocked(),
		LastPong: h.lastPong,
		Stats:    h.stats,
	}
}

// beginFileLocked starts a new transfer. A header always wins: any
// partial from a previous header is abandoned, its bytes never persisted.
func (h *TransferHandler) beginFileLocked(name string, size uint64) {
	if h.phase == PhaseAwaitingData && h.received > 0 {
		h.log.Warn("transfer: new header supersedes partial file",
			zap.String("abandoned", h.filename),
			zap.Uint64("receivedBytes", h.received),
			zap.String("incoming", name))
	}
	h.resetLocked()
	h.phase = PhaseAwaitingData
	h.filename = name
	h.expected = size

	h.ackLocked()
	h.log.Info("transfer: receiving file",
		zap.String("filename", name),
		zap.Uint64("size", size))
	h.emitLocked(newEvent(EventStatus, StatusPayload{
		Message: fmt.Sprintf("receiving %s (%d bytes)", name, size),
	}))
}

// completeLocked snapshots the finished file and hands it off. Only
// reached with received >= expected, so the slice below is in bounds.
func (h *TransferHandler) completeLocked() {
	if h.received > h.expected {
		h.log.Warn("transfer: device sent more bytes than announced, dropping excess",
			zap.String("filename", h.filename),
			zap.Uint64("expected", h.expected),
			zap.Uint64("received", h.received))
	}
	data := make([]byte, int(h.expected))
	copy(data, h.buf[:int(h.expected)])
	file := CompletedFile{Filename: h.filename, Data: data}

	h.stats.FilesCompleted++
	h.stats.BytesSynced += h.expected
	h.log.Info("transfer: file complete",
		zap.String("filename", file.Filename),
		zap.Int("size", len(file.Data)))

	h.resetLocked()
	if h.complete != nil {
		h.complete(file)
	}
}

// finishSyncLocked handles SYNC_COMPLETE. A truncated file in progress is
// discarded rather than persisted short.
func (h *TransferHandler) finishSyncLocked() {
	var discarded string
	if h.phase == PhaseAwaitingData && h.received > 0 {
		discarded = h.filename
		h.log.Warn("transfer: sync ended mid-file, discarding partial",
			zap.String("filename", h.filename),
			zap.Uint64("receivedBytes", h.received),
			zap.Uint64("expectedBytes", h.expected))
	}
	h.resetLocked()

	h.log.Info("transfer: sync complete",
		zap.Uint64("files", h.stats.FilesCompleted),
		zap.Uint64("bytes", h.stats.BytesSynced))
	h.emitLocked(newEvent(EventSyncComplete, SyncCompletePayload{
		FilesSynced:      h.stats.FilesCompleted,
		BytesSynced:      h.stats.BytesSynced,
		DiscardedPartial: discarded,
	}))
}

func (h *TransferHandler) resetLocked() {
	h.phase = PhaseIdle
	h.filename = ""
	h.expected = 0
	h.received = 0
	h.buf = h.buf[:0]
	h.lastBucket = -1
}

func (h *TransferHandler) progressLocked() {
	bucket := int(h.percentLocked()) / h.progressStep
	if bucket == h.lastBucket {
		return
	}
	h.lastBucket = bucket
	h.emitLocked(newEvent(EventProgress, ProgressPayload{
		Filename: h.filename,
		Received: h.received,
		Expected: h.expected,
		Percent:  h.percentLocked(),
	}))
}

func (h *TransferHandler) percentLocked() float64 {
	if h.expected == 0 {
		return 100
	}
	return float64(h.received) * 100 / float64(h.expected)
}

func (h *TransferHandler) ackLocked() {
	if h.ack != nil {
		h.ack()
	}
}

func (h *TransferHandler) emitLocked(ev SessionEvent) {
	if h.emit != nil {
		h.emit(ev)
	}
}

func preview(s string) string {
	const max = 48
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
