package bluetooth

import "time"

// EventType values double as the websocket wire "type" strings consumed
// by the UI.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventStatus       EventType = "status"
	EventProgress     EventType = "progress"
	EventNoteSaved    EventType = "note_saved"
	EventSyncComplete EventType = "sync_complete"
	EventSyncError    EventType = "sync_error"
)

// SessionEvent is one observable session state change, delivered in the
// order the underlying chunks were processed.
type SessionEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

type ConnectedPayload struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type DisconnectedPayload struct {
	Reason string `json:"reason"`
}

type StatusPayload struct {
	Message string `json:"message"`
}

type ProgressPayload struct {
	Filename string  `json:"filename"`
	Received uint64  `json:"received"`
	Expected uint64  `json:"expected"`
	Percent  float64 `json:"percent"`
}

type NoteSavedPayload struct {
	Filename string `json:"filename"`
	Size     int    `json:"size"`
}

type SyncCompletePayload struct {
	FilesSynced      uint64 `json:"filesSynced"`
	BytesSynced      uint64 `json:"bytesSynced"`
	DiscardedPartial string `json:"discardedPartial,omitempty"`
}

type SyncErrorPayload struct {
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error"`
}

func newEvent(t EventType, payload any) SessionEvent {
	return SessionEvent{Type: t, Timestamp: time.Now(), Payload: payload}
}
