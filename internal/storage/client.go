package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/dreamware/kvconsole/internal/connection"
)

var (
	// ErrNil is returned by Do when the server replies with a nil value,
	// e.g. GET on a missing key.
	ErrNil = errors.New("nil reply")

	// ErrClientClosed is returned by calls on a closed client and is passed
	// to EventEnd listeners when the close was explicit.
	ErrClientClosed = errors.New("client closed")
)

// Event names a lifecycle notification emitted by a Client.
type Event string

const (
	// EventConnect fires when a physical connection to the server is established.
	EventConnect Event = "connect"
	// EventReady fires once the connection finished its handshake and is usable.
	EventReady Event = "ready"
	// EventError fires on transport or authentication failures.
	EventError Event = "error"
	// EventEnd fires when a connection is lost or the client is closed.
	EventEnd Event = "end"
)

// Listener receives an event. err is nil for connect and ready.
// Listeners run on the goroutine that observed the event and must not block.
type Listener func(err error)

// Client defines the store client used as a black box by the rest of the
// console. All implementations must be safe for concurrent use.
type Client interface {
	// Do sends one command and returns the raw reply.
	// Returns ErrNil for nil replies.
	Do(ctx context.Context, args ...any) (any, error)

	// ScanKeys returns every key matching the glob pattern, iterating with
	// SCAN in batches of count. Cluster clients scan every master.
	ScanKeys(ctx context.Context, match string, count int64) ([]string, error)

	// On registers a listener invoked on every occurrence of ev.
	On(ev Event, fn Listener)

	// Once registers a listener invoked on the next occurrence of ev only.
	Once(ev Event, fn Listener)

	// Close releases the underlying connections.
	// Closing twice is not an error.
	Close() error
}

// Factory creates a client for a descriptor. It must not block on network I/O;
// connections are established lazily.
type Factory func(d connection.Descriptor) (Client, error)

// Emitter implements the On/Once/Emit part of Client. The zero value is ready
// to use.
type Emitter struct {
	mu        sync.Mutex
	listeners map[Event][]listener
}

type listener struct {
	fn   Listener
	once bool
}

// On registers fn for every occurrence of ev.
func (e *Emitter) On(ev Event, fn Listener) {
	e.add(ev, listener{fn: fn})
}

// Once registers fn for the next occurrence of ev.
func (e *Emitter) Once(ev Event, fn Listener) {
	e.add(ev, listener{fn: fn, once: true})
}

func (e *Emitter) add(ev Event, l listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[Event][]listener)
	}
	e.listeners[ev] = append(e.listeners[ev], l)
}

// Emit calls every listener registered for ev. One-shot listeners are removed
// before any listener runs, so an event re-emitted from inside a listener does
// not reach them twice. Listeners are called without holding the lock.
func (e *Emitter) Emit(ev Event, err error) {
	e.mu.Lock()
	current := e.listeners[ev]
	kept := current[:0:0]
	for _, l := range current {
		if !l.once {
			kept = append(kept, l)
		}
	}
	if e.listeners != nil {
		e.listeners[ev] = kept
	}
	e.mu.Unlock()

	for _, l := range current {
		l.fn(err)
	}
}

// ListenerCount returns how many listeners are registered for ev.
func (e *Emitter) ListenerCount(ev Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[ev])
}
