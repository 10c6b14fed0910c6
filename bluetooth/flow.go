package bluetooth

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned for writes issued after the session's
	// command writer shut down.
	ErrClosed = errors.New("bluetooth: command writer closed")
)

// CommandWriter is the write side of a transport, as seen by the flow
// controller.
type CommandWriter interface {
	WriteCommand(data []byte) error
}

// writeRequest is one queued outbound write. reply is nil for
// fire-and-forget acks.
type writeRequest struct {
	data  []byte
	reply chan error
}

// FlowController serializes every outbound write on the command
// characteristic through a single goroutine and implements the stop and
// wait ack policy: the recorder sends one notification, waits for one
// ack byte, then sends the next.
//
// Acks are fire-and-forget. A failed or dropped ack is logged and never
// retried; the recorder resolves a missing ack with its own timeout.
type FlowController struct {
	log   *zap.Logger
	w     CommandWriter
	queue chan writeRequest

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	acksSent    atomic.Uint64
	acksFailed  atomic.Uint64
	acksDropped atomic.Uint64
}

// NewFlowController starts the writer goroutine. queueSize bounds the
// number of in-flight writes.
func NewFlowController(log *zap.Logger, w CommandWriter, queueSize int) *FlowController {
	if queueSize < 1 {
		queueSize = 64
	}
	f := &FlowController{
		log:    log,
		w:      w,
		queue:  make(chan writeRequest, queueSize),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go f.run()
	return f
}

// Acknowledge queues one ack byte. It never blocks the caller: when the
// queue is full the ack is dropped and counted.
func (f *FlowController) Acknowledge() {
	select {
	case <-f.closed:
		return
	default:
	}
	select {
	case f.queue <- writeRequest{data: []byte{AckByte}}:
	default:
		f.acksDropped.Add(1)
		f.log.Warn("flow: ack queue full, ack dropped")
	}
}

// Send queues a command write and blocks until the writer performed it,
// returning the transport error. Ordering with previously queued acks is
// preserved.
func (f *FlowController) Send(data []byte) error {
	reply := make(chan error, 1)
	select {
	case <-f.closed:
		return ErrClosed
	case f.queue <- writeRequest{data: data, reply: reply}:
	}
	select {
	case err := <-reply:
		return err
	case <-f.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close stops the writer and waits for it to exit. Queued acks are
// discarded, queued commands fail with ErrClosed.
func (f *FlowController) Close() {
	f.closeOnce.Do(func() {
		close(f.closed)
	})
	<-f.done
}

// AcksSent reports successfully written acks.
func (f *FlowController) AcksSent() uint64 { return f.acksSent.Load() }

// AcksDropped reports acks lost to a full queue.
func (f *FlowController) AcksDropped() uint64 { return f.acksDropped.Load() }

func (f *FlowController) run() {
	defer close(f.done)
	for {
		select {
		case <-f.closed:
			f.drain()
			return
		case req := <-f.queue:
			f.write(req)
		}
	}
}

func (f *FlowController) write(req writeRequest) {
	err := f.w.WriteCommand(req.data)
	if req.reply != nil {
		req.reply <- err
		return
	}
	if err != nil {
		f.acksFailed.Add(1)
		f.log.Warn("flow: ack write failed", zap.Error(err))
		return
	}
	f.acksSent.Add(1)
}

func (f *FlowController) drain() {
	for {
		select {
		case req := <-f.queue:
			if req.reply != nil {
				req.reply <- ErrClosed
			}
		default:
			return
		}
	}
}
