package transport

import (
	"sync"

	mcperr "github.com/conikeec/mcpr/errors"
)

// State is the lifecycle position of a transport.
type State int

const (
	// StateIdle is the state before Start.
	StateIdle State = iota
	// StateConnected is the state between a successful Start and Close.
	StateConnected
	// StateClosed is terminal. A closed transport cannot be restarted.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MessageHandler receives each inbound message as a raw JSON string.
type MessageHandler func(message string)

// ErrorHandler receives transport-level failures observed outside a direct
// method call, such as a read error on a background reader.
type ErrorHandler func(err error)

// CloseHandler is invoked exactly once when the connection ends.
type CloseHandler func()

// ErrPushOnly is returned by Receive on transports that deliver inbound
// messages exclusively through the OnMessage callback.
var ErrPushOnly = mcperr.Transport("transport is push-only; register an OnMessage callback to receive")

// Transport moves whole JSON-RPC messages between two endpoints.
type Transport interface {
	// Start establishes the connection. It fails with an already-connected
	// error if called twice, and with a transition error after Close.
	Start() error

	// Close tears the connection down, joins any background reader, and
	// fires the OnClose callback once. Calling Close again is a no-op.
	Close() error

	// Send writes one message. The transport must be connected.
	Send(message string) error

	// Receive blocks for the next inbound message on pull transports.
	// Push-only transports return ErrPushOnly.
	Receive() (string, error)

	// IsConnected reports whether the transport is in the connected state.
	IsConnected() bool

	SetOnMessage(handler MessageHandler)
	SetOnError(handler ErrorHandler)
	SetOnClose(handler CloseHandler)
}

// connState is the shared lifecycle cell embedded by every transport. One
// mutex guards the state and the callback triple; callbacks are invoked
// outside the lock.
type connState struct {
	mu        sync.Mutex
	state     State
	onMessage MessageHandler
	onError   ErrorHandler
	onClose   CloseHandler
}

// begin performs the idle-to-connected transition.
func (c *connState) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnected:
		return mcperr.AlreadyConnected()
	case StateClosed:
		return mcperr.Transition("transport is closed and cannot be restarted")
	}
	c.state = StateConnected
	return nil
}

// end moves the transport to closed and reports whether this call performed
// the connected-to-closed transition. The caller that wins it owns resource
// teardown and the single OnClose invocation.
func (c *connState) end() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	performed := c.state == StateConnected
	c.state = StateClosed
	return performed
}

func (c *connState) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

func (c *connState) setOnMessage(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = h
}

func (c *connState) setOnError(h ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = h
}

func (c *connState) setOnClose(h CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = h
}

func (c *connState) message(msg string) {
	c.mu.Lock()
	h := c.onMessage
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (c *connState) failure(err error) {
	c.mu.Lock()
	h := c.onError
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (c *connState) closed() {
	c.mu.Lock()
	h := c.onClose
	c.mu.Unlock()
	if h != nil {
		h()
	}
}
