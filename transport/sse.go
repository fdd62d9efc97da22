package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	mcperr "github.com/conikeec/mcpr/errors"
)

const (
	// inboundQueueSize bounds the client-side event queue consumed by
	// Receive. Events beyond it are dropped with a log line.
	inboundQueueSize = 100
	// outboundQueueSize bounds each connected client's private queue on
	// the server side.
	outboundQueueSize = 16
	// drainWait is the best-effort window for flushing client queues
	// before the server shuts down.
	drainWait = 250 * time.Millisecond
)

// SSETransport moves messages over server-sent events. Inbound traffic
// rides the event stream; outbound traffic is an HTTP POST.
//
// NewSSEClient subscribes to a server's event stream and posts to its
// message endpoint. The background reader pushes each event to the
// OnMessage callback and also queues it, so Receive works in this mode.
//
// NewSSEServer runs an HTTP server with an event-stream endpoint and a
// message endpoint. Each connecting client gets a uuid and a private
// outbound queue; Send targets the current client, which defaults to
// the most recently connected one. Server mode is push-only.
type SSETransport struct {
	st connState

	// client mode
	eventsURL  string
	messageURL string
	httpClient *http.Client
	cancel     context.CancelFunc
	inbound    chan string

	// server mode
	serveMode bool
	addr      string
	ln        net.Listener
	srv       *http.Server
	clients   map[string]*sseClient
	current   string

	quit chan struct{}
	done chan struct{}
}

type sseClient struct {
	id  string
	out chan string
}

// NewSSEClient returns a client transport that subscribes to eventsURL
// and posts outbound messages to messageURL. The message URL may be
// empty; it is then learned from the server's "endpoint" event.
func NewSSEClient(eventsURL, messageURL string) *SSETransport {
	return &SSETransport{
		eventsURL:  eventsURL,
		messageURL: messageURL,
		httpClient: http.DefaultClient,
		inbound:    make(chan string, inboundQueueSize),
		quit:       make(chan struct{}),
	}
}

// NewSSEServer returns a server transport that listens on addr, serving
// the event stream at /events and accepting messages at /message.
func NewSSEServer(addr string) *SSETransport {
	return &SSETransport{
		serveMode: true,
		addr:      addr,
		clients:   make(map[string]*sseClient),
		quit:      make(chan struct{}),
	}
}

func (t *SSETransport) Start() error {
	if t.serveMode {
		return t.startServer()
	}
	return t.startClient()
}

func (t *SSETransport) startClient() error {
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.eventsURL, nil)
	if err != nil {
		cancel()
		return mcperr.Transportf("failed to build subscribe request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return mcperr.Transportf("failed to connect to %s: %v", t.eventsURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return mcperr.Transportf("unexpected status %d from %s", resp.StatusCode, t.eventsURL)
	}
	if err := t.st.begin(); err != nil {
		resp.Body.Close()
		cancel()
		return err
	}
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.readEvents(resp.Body)
	return nil
}

// readEvents consumes the event stream. Message events feed both the
// OnMessage callback and the bounded Receive queue; an "endpoint" event
// updates the message URL.
func (t *SSETransport) readEvents(body io.ReadCloser) {
	defer close(t.done)
	defer body.Close()
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if t.st.connected() && !errors.Is(err, context.Canceled) {
				t.st.failure(mcperr.Transportf("event stream read failed: %v", err))
				t.teardown(false)
			}
			return
		}
		if !t.st.connected() {
			return
		}
		switch ev.Type {
		case "endpoint":
			t.st.mu.Lock()
			t.messageURL = t.resolveEndpoint(ev.Data)
			t.st.mu.Unlock()
		default:
			select {
			case t.inbound <- ev.Data:
			default:
				slog.Warn("dropping inbound event, queue full")
			}
			t.st.message(ev.Data)
		}
	}
	if t.st.connected() {
		t.teardown(false)
	}
}

// resolveEndpoint turns a relative endpoint path from the server into a
// full URL against the events host.
func (t *SSETransport) resolveEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	base := t.eventsURL
	if i := strings.Index(base, "://"); i >= 0 {
		if j := strings.Index(base[i+3:], "/"); j >= 0 {
			base = base[:i+3+j]
		}
	}
	return base + endpoint
}

func (t *SSETransport) startServer() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return mcperr.Transportf("failed to listen on %s: %v", t.addr, err)
	}
	if err := t.st.begin(); err != nil {
		ln.Close()
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", t.handleEvents)
	mux.HandleFunc("POST /message", t.handleMessage)
	t.srv = &http.Server{Handler: mux}
	t.ln = ln
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		t.srv.Serve(ln)
	}()
	return nil
}

// handleEvents upgrades the request to an event stream, registers the
// client under a fresh uuid, and pumps its private queue until it
// disconnects or the server closes.
func (t *SSETransport) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "failed to upgrade to event stream", http.StatusInternalServerError)
		return
	}

	cl := &sseClient{id: uuid.New().String(), out: make(chan string, outboundQueueSize)}
	t.st.mu.Lock()
	t.clients[cl.id] = cl
	t.current = cl.id
	t.st.mu.Unlock()
	slog.Info("sse client connected", "client_id", cl.id)

	endpoint := sse.Message{Type: sse.Type("endpoint")}
	endpoint.AppendData("/message?client_id=" + cl.id)
	if err := sess.Send(&endpoint); err == nil {
		err = sess.Flush()
	}
	if err != nil {
		t.removeClient(cl.id)
		return
	}

	for {
		select {
		case body := <-cl.out:
			msg := sse.Message{Type: sse.Type("message")}
			msg.AppendData(body)
			if err := sess.Send(&msg); err == nil {
				err = sess.Flush()
			}
			if err != nil {
				slog.Warn("failed to deliver event", "client_id", cl.id, "error", err)
				t.removeClient(cl.id)
				return
			}
		case <-r.Context().Done():
			slog.Info("sse client disconnected", "client_id", cl.id)
			t.removeClient(cl.id)
			return
		case <-t.quit:
			t.removeClient(cl.id)
			return
		}
	}
}

func (t *SSETransport) removeClient(id string) {
	t.st.mu.Lock()
	delete(t.clients, id)
	if t.current == id {
		t.current = ""
		for other := range t.clients {
			t.current = other
			break
		}
	}
	t.st.mu.Unlock()
}

func (t *SSETransport) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	t.st.message(string(body))
}

// Addr returns the server's bound address. It is only valid after Start
// in server mode.
func (t *SSETransport) Addr() net.Addr {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// CurrentClient returns the id of the client Send targets, or "" when
// no client is connected. Server mode only.
func (t *SSETransport) CurrentClient() string {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	return t.current
}

// SetCurrentClient redirects Send to the named client. It fails with a
// not-found error if no such client is connected.
func (t *SSETransport) SetCurrentClient(id string) error {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if _, ok := t.clients[id]; !ok {
		return mcperr.NotFound("client " + id + " is not connected")
	}
	t.current = id
	return nil
}

func (t *SSETransport) Send(message string) error {
	if t.serveMode {
		return t.sendToClient(message)
	}
	t.st.mu.Lock()
	if t.st.state != StateConnected {
		t.st.mu.Unlock()
		return mcperr.NotConnected()
	}
	url := t.messageURL
	t.st.mu.Unlock()
	if url == "" {
		return mcperr.Transport("no message endpoint known yet")
	}
	resp, err := t.httpClient.Post(url, "application/json", strings.NewReader(message))
	if err != nil {
		return mcperr.Transportf("failed to post message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return mcperr.Transportf("unexpected status %d posting message", resp.StatusCode)
	}
	return nil
}

func (t *SSETransport) sendToClient(message string) error {
	t.st.mu.Lock()
	if t.st.state != StateConnected {
		t.st.mu.Unlock()
		return mcperr.NotConnected()
	}
	cl := t.clients[t.current]
	t.st.mu.Unlock()
	if cl == nil {
		return mcperr.Transport("no client connected")
	}
	select {
	case cl.out <- message:
		return nil
	default:
		return mcperr.Transportf("outbound queue full for client %s", cl.id)
	}
}

// Receive pops the next queued event in client mode. Server mode is
// push-only.
func (t *SSETransport) Receive() (string, error) {
	if t.serveMode {
		return "", ErrPushOnly
	}
	if !t.st.connected() {
		return "", mcperr.NotConnected()
	}
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.quit:
		return "", mcperr.Transport("end of stream")
	}
}

func (t *SSETransport) Close() error {
	t.teardown(true)
	return nil
}

func (t *SSETransport) teardown(wait bool) {
	if !t.st.end() {
		return
	}
	if t.serveMode {
		deadline := time.Now().Add(drainWait)
		for time.Now().Before(deadline) && t.pendingDeliveries() > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		close(t.quit)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		t.srv.Shutdown(ctx)
		cancel()
	} else {
		t.cancel()
		close(t.quit)
	}
	if wait && t.done != nil {
		<-t.done
	}
	t.st.closed()
}

func (t *SSETransport) pendingDeliveries() int {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	n := 0
	for _, cl := range t.clients {
		n += len(cl.out)
	}
	return n
}

func (t *SSETransport) IsConnected() bool { return t.st.connected() }

func (t *SSETransport) SetOnMessage(h MessageHandler) { t.st.setOnMessage(h) }
func (t *SSETransport) SetOnError(h ErrorHandler)     { t.st.setOnError(h) }
func (t *SSETransport) SetOnClose(h CloseHandler)     { t.st.setOnClose(h) }
