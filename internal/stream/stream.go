// Package stream implements the Read Stream Handler and Write Stream
// Handler of spec §3/§4.3/§4.4: the per-half state (NotConfigured → Ready →
// Connecting → Connected → Error) and the I/O event plumbing that feeds the
// engine's single loop goroutine (spec §5: "loop-affine").
package stream

import (
	"net"
	"sync"

	"github.com/nimbuschat/pubsocket/pkg/constants"
)

// State is a per-half state, per spec §3.
type State int

const (
	NotConfigured State = iota
	Ready
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case NotConfigured:
		return "not_configured"
	case Ready:
		return "ready"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind tags what happened to a half.
type EventKind int

const (
	EventOpenComplete EventKind = iota
	EventCanRead
	EventCanWrite
	EventErr
	EventEnd
)

// Event is one I/O readiness notification, delivered onto the connection's
// single event channel — the suspension point of spec §5.
type Event struct {
	Kind EventKind
	Data []byte // populated for EventCanRead
	Err  error  // populated for EventErr
}

// Half tracks one stream half's state. All mutation should happen from the
// owning loop goroutine; Get is safe to call from other goroutines for the
// read-only composite-state checks spec §5 calls out ("IsReady", etc.).
type Half struct {
	mu    sync.Mutex
	state State
}

// Get returns the current state.
func (h *Half) Get() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Set transitions to the given state.
func (h *Half) Set(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// ReadHalf drives the read side: a background goroutine performs blocking
// reads in constants.ReadChunkSize pieces and forwards them as Events.
type ReadHalf struct {
	Half
}

// Run reads from conn until EOF, error, or stop is closed, forwarding each
// outcome as an Event on events. It is meant to run on its own goroutine;
// the receiving loop goroutine is the only place these events are acted on.
func (r *ReadHalf) Run(conn net.Conn, events chan<- Event, stop <-chan struct{}) {
	buf := make([]byte, constants.ReadChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case events <- Event{Kind: EventCanRead, Data: chunk}:
			case <-stop:
				return
			}
		}
		if err != nil {
			kind := EventErr
			if err.Error() == "EOF" {
				kind = EventEnd
			}
			select {
			case events <- Event{Kind: kind, Err: err}:
			case <-stop:
			}
			return
		}
	}
}

// WriteHalf drives the write side. Writes are performed synchronously by
// the loop goroutine itself (spec §5 treats "can accept bytes" as a
// suspension point between chunks, not a separate thread); WriteChunk
// caps each call at constants.ReadChunkSize so a large buffer is written in
// several observable steps (spec §4.3, scenario S3).
type WriteHalf struct {
	Half
	canAccept bool
}

// CanAcceptBytes reports whether the socket is currently ready to accept
// more bytes.
func (w *WriteHalf) CanAcceptBytes() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canAccept
}

// SetCanAcceptBytes updates write readiness.
func (w *WriteHalf) SetCanAcceptBytes(v bool) {
	w.mu.Lock()
	w.canAccept = v
	w.mu.Unlock()
}

// WriteChunk writes at most constants.ReadChunkSize bytes of data to conn,
// returning the number of bytes actually written. A negative-signaling
// error path (spec §4.3: "bytes_written < 0") is represented idiomatically
// as (0, err).
func WriteChunk(conn net.Conn, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	chunk := data
	if len(chunk) > constants.ReadChunkSize {
		chunk = chunk[:constants.ReadChunkSize]
	}
	return conn.Write(chunk)
}
