package utils

import "time"

// WebSocketEvent is the envelope every /ws frame carries. Session
// events reuse their HTTP payload types; network status uses
// NetworkStatus.
type WebSocketEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NetworkStatus is the cached connectivity snapshot for the interface
// the daemon syncs over.
type NetworkStatus struct {
	Interface string    `json:"interface"`
	Up        bool      `json:"up"`
	OperState string    `json:"operState,omitempty"`
	Online    bool      `json:"online"`
	LatencyMs float64   `json:"latencyMs,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}
