package transport

import (
	"errors"
	"testing"
	"time"
)

func startTCPPair(t *testing.T) (server, client *TCPTransport) {
	t.Helper()
	server = ListenTCP("127.0.0.1:0")
	if err := server.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	client = DialTCP(server.Addr().String())
	if err := client.Start(); err != nil {
		t.Fatalf("client Start: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return server, client
}

func TestTCPRoundTrip(t *testing.T) {
	server, client := startTCPPair(t)

	serverGot := make(chan string, 1)
	clientGot := make(chan string, 1)
	server.SetOnMessage(func(m string) { serverGot <- m })
	client.SetOnMessage(func(m string) { clientGot <- m })

	if err := client.Send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	if got := awaitString(t, serverGot); got != `{"jsonrpc":"2.0","id":1,"method":"ping"}` {
		t.Fatalf("server received %q", got)
	}

	if err := server.Send(`{"jsonrpc":"2.0","id":1,"result":{}}`); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	if got := awaitString(t, clientGot); got != `{"jsonrpc":"2.0","id":1,"result":{}}` {
		t.Fatalf("client received %q", got)
	}
}

func TestTCPReceiveIsPushOnly(t *testing.T) {
	server, client := startTCPPair(t)
	if _, err := client.Receive(); !errors.Is(err, ErrPushOnly) {
		t.Fatalf("client Receive: got %v, want ErrPushOnly", err)
	}
	if _, err := server.Receive(); !errors.Is(err, ErrPushOnly) {
		t.Fatalf("server Receive: got %v, want ErrPushOnly", err)
	}
}

func TestTCPPeerDisconnectClosesClient(t *testing.T) {
	server, client := startTCPPair(t)

	closed := make(chan struct{})
	client.SetOnClose(func() { close(closed) })

	server.Close()
	awaitSignal(t, closed)
	if client.IsConnected() {
		t.Fatal("client still connected after peer close")
	}
}

func TestTCPListenerSurvivesPeerExit(t *testing.T) {
	server := ListenTCP("127.0.0.1:0")
	if err := server.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	defer server.Close()

	got := make(chan string, 2)
	server.SetOnMessage(func(m string) { got <- m })

	first := DialTCP(server.Addr().String())
	if err := first.Start(); err != nil {
		t.Fatalf("first client Start: %v", err)
	}
	if err := first.Send("one"); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if m := awaitString(t, got); m != "one" {
		t.Fatalf("got %q, want \"one\"", m)
	}
	first.Close()

	// the listener goes back to accepting after the peer leaves
	second := DialTCP(server.Addr().String())
	var err error
	for range 20 {
		if err = second.Start(); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("second client Start: %v", err)
	}
	defer second.Close()
	if err := second.Send("two"); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if m := awaitString(t, got); m != "two" {
		t.Fatalf("got %q, want \"two\"", m)
	}
}
