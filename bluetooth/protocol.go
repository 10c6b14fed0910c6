package bluetooth

import (
	"strconv"
	"strings"
)

// Control lines sent by the recorder firmware on the data characteristic.
const (
	msgSyncStart    = "SYNC_START"
	msgSyncComplete = "SYNC_COMPLETE"
	msgPong         = "PONG"

	prefixFile   = "FILE:"
	prefixError  = "ERROR:"
	prefixStatus = "STATUS:"
)

// Commands written to the recorder's command characteristic.
const (
	CmdSync   = "SYNC"
	CmdDelete = "DELETE"
	CmdPing   = "PING"

	// AckByte is written once per accepted file header and once per
	// payload chunk. The firmware waits for it before sending the next
	// notification.
	AckByte byte = 0x06
)

// ControlKind identifies a parsed control line.
type ControlKind int

const (
	ControlUnrecognized ControlKind = iota
	ControlSyncStart
	ControlSyncComplete
	ControlFileHeader
	ControlError
	ControlStatus
	ControlPong
)

func (k ControlKind) String() string {
	switch k {
	case ControlSyncStart:
		return "sync_start"
	case ControlSyncComplete:
		return "sync_complete"
	case ControlFileHeader:
		return "file_header"
	case ControlError:
		return "error"
	case ControlStatus:
		return "status"
	case ControlPong:
		return "pong"
	default:
		return "unrecognized"
	}
}

// ControlMessage is one parsed control line. Filename and Size are set
// for file headers, Text carries the remainder for error/status lines and
// the raw line for unrecognized ones.
type ControlMessage struct {
	Kind     ControlKind
	Filename string
	Size     uint64
	Text     string
}

// ParseControl maps a control line to its message. Matching is exact and
// case sensitive; the firmware terminates lines without trailing
// whitespace, so nothing is trimmed here. Unknown or malformed lines are
// returned as ControlUnrecognized with the raw text preserved.
func ParseControl(text string) ControlMessage {
	switch text {
	case msgSyncStart:
		return ControlMessage{Kind: ControlSyncStart}
	case msgSyncComplete:
		return ControlMessage{Kind: ControlSyncComplete}
	case msgPong:
		return ControlMessage{Kind: ControlPong}
	}

	switch {
	case strings.HasPrefix(text, prefixFile):
		return parseFileHeader(text)
	case strings.HasPrefix(text, prefixError):
		return ControlMessage{Kind: ControlError, Text: strings.TrimPrefix(text, prefixError)}
	case strings.HasPrefix(text, prefixStatus):
		return ControlMessage{Kind: ControlStatus, Text: strings.TrimPrefix(text, prefixStatus)}
	}

	return ControlMessage{Kind: ControlUnrecognized, Text: text}
}

// parseFileHeader parses "FILE:<name>,<size>". The name is everything up
// to the first comma, the size a decimal unsigned integer.
func parseFileHeader(text string) ControlMessage {
	rest := strings.TrimPrefix(text, prefixFile)
	name, sizeStr, ok := strings.Cut(rest, ",")
	if !ok || name == "" {
		return ControlMessage{Kind: ControlUnrecognized, Text: text}
	}
	size, err := strconv.ParseUint(sizeStr, 10, 64)
	if err != nil {
		return ControlMessage{Kind: ControlUnrecognized, Text: text}
	}
	return ControlMessage{Kind: ControlFileHeader, Filename: name, Size: size}
}
