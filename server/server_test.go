package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conikeec/mcpr/client"
	mcperr "github.com/conikeec/mcpr/errors"
	"github.com/conikeec/mcpr/schema"
	"github.com/conikeec/mcpr/transport"
)

func TestRegisterToolHandler(t *testing.T) {
	s := New(WithTool(schema.Tool{Name: "echo"}))

	err := s.RegisterToolHandler("missing", func(json.RawMessage) (any, error) { return nil, nil })
	if !mcperr.IsKind(err, mcperr.KindProtocol) {
		t.Fatalf("unknown tool: got %v, want protocol error", err)
	}
	if !strings.Contains(err.Error(), "Tool 'missing' not found in server configuration") {
		t.Fatalf("unknown tool message: %v", err)
	}

	if err := s.RegisterToolHandler("echo", func(json.RawMessage) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	err = s.RegisterToolHandler("echo", func(json.RawMessage) (any, error) { return nil, nil })
	if !mcperr.IsKind(err, mcperr.KindState) {
		t.Fatalf("duplicate registration: got %v, want state error", err)
	}
}

type staticPrompts struct{}

func (staticPrompts) ListPrompts() ([]schema.Prompt, error) {
	return []schema.Prompt{{Name: "greeting"}}, nil
}

func (staticPrompts) GetPromptMessages(name string, args map[string]any) ([]schema.PromptMessage, error) {
	if name != "greeting" {
		return nil, mcperr.NotFound("prompt " + name + " not found")
	}
	who, _ := args["who"].(string)
	return []schema.PromptMessage{{Role: "user", Content: "Hello, " + who}}, nil
}

type staticResources struct{}

func (staticResources) ListResources() ([]schema.Resource, error) {
	return []schema.Resource{{URI: "mem://motd", Name: "motd"}}, nil
}

func (staticResources) GetResource(uri string) (*schema.ResourceContents, error) {
	if uri != "mem://motd" {
		return nil, mcperr.NotFound("resource " + uri + " not found")
	}
	return &schema.ResourceContents{URI: uri, MimeType: "text/plain", Text: "hello"}, nil
}

// startSession wires a fully configured server to a client over in-memory
// pipes and completes the initialize handshake.
func startSession(t *testing.T) (*client.Client, <-chan error) {
	t.Helper()
	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()
	clientSide := transport.NewStdioPipe(clientRead, clientWrite)
	serverSide := transport.NewStdioPipe(serverRead, serverWrite)

	s := New(
		WithName("test-server"),
		WithVersion("1.0.0"),
		WithTool(schema.Tool{
			Name:        "echo",
			Description: "echoes its input",
			InputSchema: schema.MustSchema(`{
				"type": "object",
				"properties": { "text": { "type": "string" } },
				"required": ["text"]
			}`),
		}),
	)
	if err := s.RegisterToolHandler("echo", func(args json.RawMessage) (any, error) {
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, err
		}
		return map[string]string{"text": p.Text}, nil
	}); err != nil {
		t.Fatalf("RegisterToolHandler: %v", err)
	}
	if err := s.RegisterTool(schema.Tool{Name: "fail"}, func(json.RawMessage) (any, error) {
		return nil, fmt.Errorf("boom")
	}); err != nil {
		t.Fatalf("RegisterTool: %v", err)
	}
	s.SetPromptsProvider(staticPrompts{})
	s.SetResourcesProvider(staticResources{})

	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background(), serverSide) }()

	c := client.New(clientSide, client.WithClientInfo("test-client", "0.0.1"))
	info, err := c.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if info.Name != "test-server" {
		t.Fatalf("server info: got %+v", info)
	}
	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})
	return c, served
}

func TestServeToolCall(t *testing.T) {
	c, _ := startSession(t)

	var result map[string]string
	if err := c.CallTool(context.Background(), "echo", map[string]string{"text": "hi"}, &result); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result["text"] != "hi" {
		t.Fatalf("result: got %+v", result)
	}
}

func TestServeToolCallValidation(t *testing.T) {
	c, _ := startSession(t)

	// "text" is required by the input schema
	err := c.CallTool(context.Background(), "echo", map[string]int{"count": 3}, nil)
	if err == nil || !strings.Contains(err.Error(), "-32602") {
		t.Fatalf("got %v, want invalid params", err)
	}
}

func TestServeToolCallHandlerFailure(t *testing.T) {
	c, _ := startSession(t)

	err := c.CallTool(context.Background(), "fail", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "Tool execution failed: boom") {
		t.Fatalf("got %v, want tool execution failure", err)
	}
	if !strings.Contains(err.Error(), "-32000") {
		t.Fatalf("got %v, want application error code", err)
	}
}

func TestServeToolsCallContent(t *testing.T) {
	c, _ := startSession(t)

	result, err := c.CallToolContent(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallToolContent: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("content: got %+v", result)
	}
	if result.IsError {
		t.Fatal("unexpected is_error")
	}

	// handler failure arrives as an is_error result, not a protocol error
	result, err = c.CallToolContent(context.Background(), "fail", nil)
	if err != nil {
		t.Fatalf("CallToolContent fail: %v", err)
	}
	if !result.IsError || len(result.Content) != 1 || result.Content[0].Text != "boom" {
		t.Fatalf("failure content: got %+v", result)
	}
}

func TestServeToolNotFound(t *testing.T) {
	c, _ := startSession(t)

	_, err := c.GetTools(context.Background())
	if err != nil {
		t.Fatalf("GetTools: %v", err)
	}

	err = c.CallTool(context.Background(), "nope", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "Tool not found: nope") {
		t.Fatalf("got %v, want tool-not-found", err)
	}
}

func TestServeUnknownMethod(t *testing.T) {
	tr := &scriptTransport{}
	s := New(WithRetryDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, tr) }()
	for !tr.IsConnected() {
		time.Sleep(time.Millisecond)
	}

	tr.inject(`{"jsonrpc":"2.0","id":5,"method":"unknown_method"}`)
	deadline := time.Now().Add(2 * time.Second)
	for {
		tr.mu.Lock()
		var last string
		if len(tr.sent) > 0 {
			last = tr.sent[len(tr.sent)-1]
		}
		tr.mu.Unlock()
		if last != "" {
			if !strings.Contains(last, "-32601") ||
				!strings.Contains(last, "Method not found: unknown_method") {
				t.Fatalf("unknown method response: %s", last)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no response to unknown method")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-served
}

func TestServePromptsAndResources(t *testing.T) {
	c, _ := startSession(t)
	ctx := context.Background()

	prompts, err := c.GetPrompts(ctx)
	if err != nil || len(prompts) != 1 || prompts[0].Name != "greeting" {
		t.Fatalf("GetPrompts: %v %+v", err, prompts)
	}

	messages, err := c.GetPromptMessages(ctx, "greeting", map[string]any{"who": "world"})
	if err != nil || len(messages) != 1 || messages[0].Content != "Hello, world" {
		t.Fatalf("GetPromptMessages: %v %+v", err, messages)
	}

	resources, err := c.GetResources(ctx)
	if err != nil || len(resources) != 1 || resources[0].URI != "mem://motd" {
		t.Fatalf("GetResources: %v %+v", err, resources)
	}

	contents, err := c.GetResource(ctx, "mem://motd")
	if err != nil || contents.Text != "hello" {
		t.Fatalf("GetResource: %v %+v", err, contents)
	}

	if _, err := c.GetResource(ctx, "mem://nope"); err == nil {
		t.Fatal("GetResource for unknown uri succeeded")
	}
}

func TestServeShutdown(t *testing.T) {
	c, served := startSession(t)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after shutdown")
	}
}

// scriptTransport is a push transport with programmable Send failures,
// used to exercise the serve loop's retry policy.
type scriptTransport struct {
	mu        sync.Mutex
	connected bool
	onMessage transport.MessageHandler
	onError   transport.ErrorHandler
	onClose   transport.CloseHandler
	sendErrs  []error
	sent      []string
}

func (f *scriptTransport) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *scriptTransport) Close() error {
	f.mu.Lock()
	wasConnected := f.connected
	f.connected = false
	h := f.onClose
	f.mu.Unlock()
	if wasConnected && h != nil {
		h()
	}
	return nil
}

func (f *scriptTransport) Send(message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	if len(f.sendErrs) == 0 {
		return nil
	}
	err := f.sendErrs[0]
	f.sendErrs = f.sendErrs[1:]
	return err
}

func (f *scriptTransport) Receive() (string, error) { return "", transport.ErrPushOnly }

func (f *scriptTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *scriptTransport) SetOnMessage(h transport.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = h
}

func (f *scriptTransport) SetOnError(h transport.ErrorHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onError = h
}

func (f *scriptTransport) SetOnClose(h transport.CloseHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = h
}

func (f *scriptTransport) inject(raw string) {
	f.mu.Lock()
	h := f.onMessage
	f.mu.Unlock()
	h(raw)
}

func (f *scriptTransport) fail(err error) {
	f.mu.Lock()
	h := f.onError
	f.mu.Unlock()
	h(err)
}

func (f *scriptTransport) queueSendErrs(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, errs...)
}

const pingRequest = `{"jsonrpc":"2.0","id":1,"method":"get_tools"}`

func TestRetryGivesUpAtCap(t *testing.T) {
	tr := &scriptTransport{}
	s := New(WithMaxErrors(3), WithRetryDelay(time.Millisecond))

	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background(), tr) }()

	// wait for the serve loop to install its callbacks and start
	for !tr.IsConnected() {
		time.Sleep(time.Millisecond)
	}

	tr.queueSendErrs(
		mcperr.Internal("write failed"),
		mcperr.Internal("write failed"),
		mcperr.Internal("write failed"),
	)
	for range 3 {
		tr.inject(pingRequest)
	}

	select {
	case err := <-served:
		if err == nil || !strings.Contains(err.Error(), "giving up after 3 consecutive errors") {
			t.Fatalf("Serve returned %v, want consecutive-error failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not give up")
	}
}

func TestRetrySuccessResetsCounter(t *testing.T) {
	tr := &scriptTransport{}
	s := New(WithMaxErrors(3), WithRetryDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, tr) }()
	for !tr.IsConnected() {
		time.Sleep(time.Millisecond)
	}

	// two failures, one success, two failures: never three in a row
	tr.queueSendErrs(
		mcperr.Internal("write failed"),
		mcperr.Internal("write failed"),
		nil,
		mcperr.Internal("write failed"),
		mcperr.Internal("write failed"),
	)
	for range 5 {
		tr.inject(pingRequest)
	}

	select {
	case err := <-served:
		t.Fatalf("Serve stopped with %v, want it still running", err)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve returned %v after cancel, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}

func TestRetryTransientStatesDontCount(t *testing.T) {
	tr := &scriptTransport{}
	s := New(WithMaxErrors(2), WithRetryDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, tr) }()
	for !tr.IsConnected() {
		time.Sleep(time.Millisecond)
	}

	// connection-state churn far past the cap must not kill the loop
	for range 6 {
		tr.fail(mcperr.NotConnected())
		tr.fail(mcperr.AlreadyConnected())
	}

	select {
	case err := <-served:
		t.Fatalf("Serve stopped with %v, want it still running", err)
	case <-time.After(300 * time.Millisecond):
	}
	cancel()
	<-served
}

func TestRetryPeerResetZeroesCounter(t *testing.T) {
	tr := &scriptTransport{}
	s := New(WithMaxErrors(3), WithRetryDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, tr) }()
	for !tr.IsConnected() {
		time.Sleep(time.Millisecond)
	}

	// two failures, then a peer reset; two more failures should still be
	// under the cap because the reset starts the budget over
	tr.queueSendErrs(
		mcperr.Internal("write failed"),
		mcperr.Internal("write failed"),
	)
	tr.inject(pingRequest)
	tr.inject(pingRequest)
	time.Sleep(50 * time.Millisecond)
	tr.fail(mcperr.Transport("connection reset by peer"))
	time.Sleep(50 * time.Millisecond)
	tr.queueSendErrs(
		mcperr.Internal("write failed"),
		mcperr.Internal("write failed"),
	)
	tr.inject(pingRequest)
	tr.inject(pingRequest)

	select {
	case err := <-served:
		t.Fatalf("Serve stopped with %v, want it still running", err)
	case <-time.After(300 * time.Millisecond):
	}
	cancel()
	<-served
}

func TestServeAnswersParseError(t *testing.T) {
	tr := &scriptTransport{}
	s := New(WithRetryDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, tr) }()
	for !tr.IsConnected() {
		time.Sleep(time.Millisecond)
	}

	tr.inject("{not json")
	deadline := time.Now().Add(2 * time.Second)
	for {
		tr.mu.Lock()
		n := len(tr.sent)
		var last string
		if n > 0 {
			last = tr.sent[n-1]
		}
		tr.mu.Unlock()
		if n > 0 {
			if !strings.Contains(last, `-32700`) || !strings.Contains(last, `"id":null`) {
				t.Fatalf("parse error response: %s", last)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no response to malformed input")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-served
}
