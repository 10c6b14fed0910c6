package bluetooth

// FrameKind says which of the two inbound frame classes a chunk belongs to.
type FrameKind int

const (
	FrameControl FrameKind = iota
	FramePayload
)

// controlMaxLen is the classification threshold. Chunks of this length or
// longer are always treated as audio payload.
const controlMaxLen = 100

// Frame is one classified notification chunk. Text is set for control
// frames, Data for payload frames.
type Frame struct {
	Kind FrameKind
	Text string
	Data []byte
}

// ClassifyChunk sorts an inbound notification chunk into control or
// payload. A chunk is control iff it is shorter than 100 bytes and every
// byte is printable ASCII (0x20..0x7e), tab, LF or CR. Everything else is
// audio payload.
//
// Known limitation: a final audio chunk shorter than 100 bytes whose
// bytes are all printable is misclassified as control and the transfer
// stalls until disconnect. The recorder firmware ships the same rule, so
// changing it here requires a firmware protocol rev.
func ClassifyChunk(chunk []byte) Frame {
	if len(chunk) >= controlMaxLen {
		return Frame{Kind: FramePayload, Data: chunk}
	}
	for _, b := range chunk {
		if b >= 0x20 && b <= 0x7e {
			continue
		}
		if b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		return Frame{Kind: FramePayload, Data: chunk}
	}
	return Frame{Kind: FrameControl, Text: string(chunk)}
}
