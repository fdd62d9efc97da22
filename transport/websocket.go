package transport

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	mcperr "github.com/conikeec/mcpr/errors"
)

// transientReadDelay is the pause after a timeout-style read error before
// the reader tries again.
const transientReadDelay = 10 * time.Millisecond

// WebSocketTransport moves one message per text frame over a websocket
// connection. Binary frames are logged and dropped; ping and pong frames
// are absorbed by the underlying connection. A single background reader
// pushes inbound frames to the OnMessage callback, so Receive returns
// ErrPushOnly.
type WebSocketTransport struct {
	st   connState
	url  string
	conn *websocket.Conn
	done chan struct{}
}

// DialWebSocket returns a client transport that dials url on Start.
func DialWebSocket(url string) *WebSocketTransport {
	return &WebSocketTransport{url: url}
}

// NewWebSocketConn wraps an already-established connection, typically one
// produced by UpgradeWebSocket on the accepting side.
func NewWebSocketConn(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// UpgradeWebSocket upgrades an HTTP request and wraps the resulting
// connection. The returned transport still needs Start.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request) (*WebSocketTransport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, mcperr.Transportf("websocket upgrade failed: %v", err)
	}
	return NewWebSocketConn(conn), nil
}

func (t *WebSocketTransport) Start() error {
	conn := t.conn
	if conn == nil {
		var err error
		conn, _, err = websocket.DefaultDialer.Dial(t.url, nil)
		if err != nil {
			return mcperr.Transportf("failed to connect to %s: %v", t.url, err)
		}
	}
	if err := t.st.begin(); err != nil {
		if t.conn == nil {
			conn.Close()
		}
		return err
	}
	t.conn = conn
	t.done = make(chan struct{})
	go t.readLoop(conn)
	return nil
}

// readLoop classifies read errors: a close frame or normal shutdown runs
// the close sequence quietly, timeout-style errors are retried, and
// everything else is fatal.
func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	defer close(t.done)
	for {
		if !t.st.connected() {
			return
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !t.st.connected() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.teardown(false)
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(transientReadDelay)
				continue
			}
			t.st.failure(mcperr.Transportf("websocket read failed: %v", err))
			t.teardown(false)
			return
		}
		switch msgType {
		case websocket.TextMessage:
			t.st.message(string(data))
		case websocket.BinaryMessage:
			slog.Warn("dropping binary websocket frame", "bytes", len(data))
		}
	}
}

func (t *WebSocketTransport) Send(message string) error {
	t.st.mu.Lock()
	if t.st.state != StateConnected {
		t.st.mu.Unlock()
		return mcperr.NotConnected()
	}
	err := t.conn.WriteMessage(websocket.TextMessage, []byte(message))
	t.st.mu.Unlock()
	if err != nil {
		return mcperr.Transportf("failed to write frame: %v", err)
	}
	return nil
}

// Receive is unsupported: inbound frames are pushed by the background
// reader to the OnMessage callback.
func (t *WebSocketTransport) Receive() (string, error) {
	return "", ErrPushOnly
}

func (t *WebSocketTransport) Close() error {
	t.teardown(true)
	return nil
}

func (t *WebSocketTransport) teardown(wait bool) {
	if !t.st.end() {
		return
	}
	if t.conn != nil {
		deadline := time.Now().Add(time.Second)
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		t.conn.Close()
	}
	if wait && t.done != nil {
		<-t.done
	}
	t.st.closed()
}

func (t *WebSocketTransport) IsConnected() bool { return t.st.connected() }

func (t *WebSocketTransport) SetOnMessage(h MessageHandler) { t.st.setOnMessage(h) }
func (t *WebSocketTransport) SetOnError(h ErrorHandler)     { t.st.setOnError(h) }
func (t *WebSocketTransport) SetOnClose(h CloseHandler)     { t.st.setOnClose(h) }
