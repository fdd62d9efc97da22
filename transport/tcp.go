package transport

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"time"

	mcperr "github.com/conikeec/mcpr/errors"
)

// acceptPoll bounds how long the listener blocks in Accept before
// rechecking the connection flag.
const acceptPoll = 100 * time.Millisecond

// TCPTransport moves newline-delimited messages over a TCP connection.
// DialTCP produces a client that connects out; ListenTCP produces a
// listener that serves one peer at a time and re-accepts when the peer
// disconnects. Both run a single background reader, so inbound messages
// arrive through the OnMessage callback and Receive returns ErrPushOnly.
type TCPTransport struct {
	st         connState
	addr       string
	listenMode bool

	// conn is the active peer connection. In listener mode it changes
	// whenever a new peer is accepted; guarded by st.mu.
	conn     net.Conn
	listener net.Listener
	done     chan struct{}
}

// DialTCP returns a client transport that connects to addr on Start.
func DialTCP(addr string) *TCPTransport {
	return &TCPTransport{addr: addr}
}

// ListenTCP returns a listening transport bound to addr on Start.
func ListenTCP(addr string) *TCPTransport {
	return &TCPTransport{addr: addr, listenMode: true}
}

// NewTCPConn wraps an already-established connection, for callers that
// manage their own dialing or accepting.
func NewTCPConn(conn net.Conn) *TCPTransport {
	return &TCPTransport{addr: conn.RemoteAddr().String(), conn: conn}
}

func (t *TCPTransport) Start() error {
	if t.listenMode {
		ln, err := net.Listen("tcp", t.addr)
		if err != nil {
			return mcperr.Transportf("failed to listen on %s: %v", t.addr, err)
		}
		if err := t.st.begin(); err != nil {
			ln.Close()
			return err
		}
		t.listener = ln
		t.done = make(chan struct{})
		go t.acceptLoop()
		return nil
	}

	conn := t.conn
	if conn == nil {
		var err error
		conn, err = net.Dial("tcp", t.addr)
		if err != nil {
			return mcperr.Transportf("failed to connect to %s: %v", t.addr, err)
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

// readLoop is the single background reader for dial mode. It exits on
// EOF, on a read error, or when Close tears the connection down.
func (t *TCPTransport) readLoop(conn net.Conn) {
	defer close(t.done)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if !t.st.connected() {
			return
		}
		t.st.message(scanner.Text())
	}
	if !t.st.connected() {
		return
	}
	if err := scanner.Err(); err != nil {
		t.st.failure(mcperr.Transportf("read failed: %v", err))
	}
	t.teardown(false)
}

// acceptLoop serves one peer at a time in listener mode, polling the
// connection flag between accept deadlines.
func (t *TCPTransport) acceptLoop() {
	defer close(t.done)
	for {
		if !t.st.connected() {
			return
		}
		if d, ok := t.listener.(interface{ SetDeadline(time.Time) error }); ok {
			d.SetDeadline(time.Now().Add(acceptPoll))
		}
		conn, err := t.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !t.st.connected() {
				return
			}
			t.st.failure(mcperr.Transportf("accept failed: %v", err))
			t.teardown(false)
			return
		}
		t.st.mu.Lock()
		t.conn = conn
		t.st.mu.Unlock()
		t.servePeer(conn)
		t.st.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.st.mu.Unlock()
		conn.Close()
	}
}

// servePeer reads the peer's lines until it disconnects or the transport
// closes. A peer disconnect does not close the listener; the loop goes
// back to accepting.
func (t *TCPTransport) servePeer(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if !t.st.connected() {
			return
		}
		t.st.message(scanner.Text())
	}
	if err := scanner.Err(); err != nil && t.st.connected() {
		slog.Debug("tcp peer read ended", "remote", conn.RemoteAddr().String(), "error", err)
	}
}

// Addr returns the bound listener address, or the local connection
// address in dial mode. It is only valid after Start.
func (t *TCPTransport) Addr() net.Addr {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr()
	}
	if t.conn != nil {
		return t.conn.LocalAddr()
	}
	return nil
}

func (t *TCPTransport) Send(message string) error {
	t.st.mu.Lock()
	if t.st.state != StateConnected {
		t.st.mu.Unlock()
		return mcperr.NotConnected()
	}
	conn := t.conn
	if conn == nil {
		t.st.mu.Unlock()
		return mcperr.Transport("no peer connected")
	}
	_, err := io.WriteString(conn, message+"\n")
	t.st.mu.Unlock()
	if err != nil {
		return mcperr.Transportf("failed to write message: %v", err)
	}
	return nil
}

// Receive is unsupported: inbound messages are pushed by the background
// reader to the OnMessage callback.
func (t *TCPTransport) Receive() (string, error) {
	return "", ErrPushOnly
}

func (t *TCPTransport) Close() error {
	t.teardown(true)
	return nil
}

// teardown performs the connected-to-closed sequence exactly once. wait
// is true when the caller is outside the background goroutine and must
// join it before returning.
func (t *TCPTransport) teardown(wait bool) {
	if !t.st.end() {
		return
	}
	t.st.mu.Lock()
	conn := t.conn
	ln := t.listener
	done := t.done
	t.st.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if ln != nil {
		ln.Close()
	}
	if wait && done != nil {
		<-done
	}
	t.st.closed()
}

func (t *TCPTransport) IsConnected() bool { return t.st.connected() }

func (t *TCPTransport) SetOnMessage(h MessageHandler) { t.st.setOnMessage(h) }
func (t *TCPTransport) SetOnError(h ErrorHandler)     { t.st.setOnError(h) }
func (t *TCPTransport) SetOnClose(h CloseHandler)     { t.st.setOnClose(h) }
