// Package server implements the MCP server engine: tool registration and
// dispatch, prompt and resource providers, and a serve loop with a bounded
// retry policy over any transport.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcperr "github.com/conikeec/mcpr/errors"
	"github.com/conikeec/mcpr/jsonrpc"
	"github.com/conikeec/mcpr/schema"
	"github.com/conikeec/mcpr/transport"
)

const (
	// DefaultMaxErrors is how many consecutive dispatch failures the serve
	// loop tolerates before giving up.
	DefaultMaxErrors = 5
	// DefaultRetryDelay is the pause between retries after a failure.
	DefaultRetryDelay = 100 * time.Millisecond

	inboundQueueSize = 64
	faultQueueSize   = 16
)

// ToolHandler executes one tool call. args is the raw JSON argument
// payload, already validated against the tool's input schema when one is
// registered. The returned value is serialized into the response.
type ToolHandler func(args json.RawMessage) (any, error)

// ToolsProvider supplies a dynamic tool listing, overriding the statically
// registered tools.
type ToolsProvider interface {
	ListTools() ([]schema.Tool, error)
}

// PromptsProvider serves prompt listings and rendered prompt messages.
type PromptsProvider interface {
	ListPrompts() ([]schema.Prompt, error)
	GetPromptMessages(name string, args map[string]any) ([]schema.PromptMessage, error)
}

// ResourcesProvider serves resource listings and individual resources.
type ResourcesProvider interface {
	ListResources() ([]schema.Resource, error)
	GetResource(uri string) (*schema.ResourceContents, error)
}

// Server dispatches MCP requests arriving over a transport to registered
// tool handlers and providers.
type Server struct {
	name            string
	version         string
	protocolVersion string
	instructions    string
	logger          *slog.Logger
	maxErrors       int
	retryDelay      time.Duration

	mu        sync.Mutex
	tools     []schema.Tool
	toolIndex map[string]int
	handlers  map[string]ToolHandler
	prompts   PromptsProvider
	resources ResourcesProvider
	toolsProv ToolsProvider
}

// Option configures a Server.
type Option func(*Server)

// WithName sets the server name reported during initialize.
func WithName(name string) Option {
	return func(s *Server) { s.name = name }
}

// WithVersion sets the server version reported during initialize.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithInstructions sets the instructions string carried in the initialize
// result.
func WithInstructions(text string) Option {
	return func(s *Server) { s.instructions = text }
}

// WithLogger sets the logger used for dispatch and retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTool declares a tool in the server configuration. A handler must be
// attached separately with RegisterToolHandler.
func WithTool(tool schema.Tool) Option {
	return func(s *Server) { s.addTool(tool) }
}

// WithMaxErrors overrides the consecutive-failure cap of the serve loop.
func WithMaxErrors(n int) Option {
	return func(s *Server) { s.maxErrors = n }
}

// WithRetryDelay overrides the pause between serve-loop retries.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Server) { s.retryDelay = d }
}

// New returns a server with the given configuration.
func New(opts ...Option) *Server {
	s := &Server{
		name:            "mcpr-server",
		version:         "0.1.0",
		protocolVersion: schema.LatestProtocolVersion,
		logger:          slog.Default(),
		maxErrors:       DefaultMaxErrors,
		retryDelay:      DefaultRetryDelay,
		toolIndex:       make(map[string]int),
		handlers:        make(map[string]ToolHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) addTool(tool schema.Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.toolIndex[tool.Name]; ok {
		s.tools[i] = tool
		return
	}
	s.toolIndex[tool.Name] = len(s.tools)
	s.tools = append(s.tools, tool)
}

// RegisterToolHandler attaches a handler to a declared tool. The tool must
// already be part of the server configuration, and a tool can have only
// one handler.
func (s *Server) RegisterToolHandler(name string, h ToolHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.toolIndex[name]; !ok {
		return mcperr.Protocolf("Tool '%s' not found in server configuration", name)
	}
	if _, ok := s.handlers[name]; ok {
		return mcperr.Statef("handler for tool '%s' is already registered", name)
	}
	s.handlers[name] = h
	return nil
}

// RegisterTool declares a tool and attaches its handler in one step.
func (s *Server) RegisterTool(tool schema.Tool, h ToolHandler) error {
	s.addTool(tool)
	return s.RegisterToolHandler(tool.Name, h)
}

// SetToolsProvider installs a dynamic tool listing.
func (s *Server) SetToolsProvider(p ToolsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolsProv = p
}

// SetPromptsProvider installs the prompt provider.
func (s *Server) SetPromptsProvider(p PromptsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = p
}

// SetResourcesProvider installs the resource provider.
func (s *Server) SetResourcesProvider(p ResourcesProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = p
}

func (s *Server) listTools() ([]schema.Tool, error) {
	s.mu.Lock()
	prov := s.toolsProv
	static := make([]schema.Tool, len(s.tools))
	copy(static, s.tools)
	s.mu.Unlock()
	if prov != nil {
		return prov.ListTools()
	}
	return static, nil
}

// errShutdown signals a clean exit of the serve loop after a shutdown
// request has been acknowledged.
var errShutdown = mcperr.State("shutdown requested")

// Serve starts the transport and processes requests until the context is
// cancelled, a shutdown request arrives, the transport closes, or too many
// consecutive failures accumulate. The transport is closed on return.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	inbound := make(chan string, inboundQueueSize)
	faults := make(chan error, faultQueueSize)
	peerClosed := make(chan struct{})

	t.SetOnMessage(func(m string) {
		select {
		case inbound <- m:
		default:
			s.logger.Warn("inbound queue full, dropping message")
		}
	})
	t.SetOnError(func(err error) {
		select {
		case faults <- err:
		default:
		}
	})
	t.SetOnClose(func() { close(peerClosed) })

	if err := t.Start(); err != nil && !mcperr.IsKind(err, mcperr.KindAlreadyConnected) {
		return err
	}
	defer t.Close()
	go s.pump(t, faults)

	s.logger.Info("serving", "server", s.name, "version", s.version)

	consecutive := 0
	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case <-peerClosed:
			s.logger.Info("transport closed, stopping")
			return nil
		case err = <-faults:
		case raw := <-inbound:
			err = s.handleRaw(t, raw)
		}

		switch {
		case err == nil:
			consecutive = 0
		case err == errShutdown:
			s.logger.Info("shutdown requested, stopping")
			return nil
		case mcperr.IsKind(err, mcperr.KindNotConnected) || mcperr.IsKind(err, mcperr.KindAlreadyConnected):
			// connection churn; wait it out without touching the counter
			s.logger.Debug("transient connection state", "error", err)
			time.Sleep(s.retryDelay)
		case isPeerReset(err):
			// a reconnecting peer starts the error budget over
			s.logger.Debug("peer reset", "error", err)
			consecutive = 0
			time.Sleep(s.retryDelay)
		default:
			consecutive++
			s.logger.Warn("serve error", "error", err, "consecutive", consecutive)
			if consecutive >= s.maxErrors {
				return mcperr.Wrapf(err, "giving up after %d consecutive errors", consecutive)
			}
			time.Sleep(s.retryDelay)
		}
	}
}

// pump drives pull transports, feeding the OnMessage callback. It exits
// immediately on push-only transports. A real read failure ends the
// stream for good, so it is surfaced through the faults channel and the
// transport is closed to stop the serve loop.
func (s *Server) pump(t transport.Transport, faults chan<- error) {
	for {
		if _, err := t.Receive(); err != nil {
			if err != transport.ErrPushOnly && !mcperr.IsKind(err, mcperr.KindNotConnected) {
				select {
				case faults <- err:
				default:
				}
				t.Close()
			}
			return
		}
	}
}

// isPeerReset reports whether a transport error looks like the peer
// dropping the connection rather than a local fault.
func isPeerReset(err error) bool {
	e := mcperr.AsError(err)
	if e == nil || e.Kind() != mcperr.KindTransport {
		return false
	}
	msg := strings.ToLower(e.Message())
	for _, marker := range []string{"connection reset", "broken pipe", "end of stream"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// handleRaw decodes one inbound document, dispatches it, and writes the
// response. Undecodable input is answered with the appropriate protocol
// error and is not treated as a serve failure.
func (s *Server) handleRaw(t transport.Transport, raw string) error {
	msg, err := jsonrpc.DecodeMessage([]byte(raw))
	if err != nil {
		resp := jsonrpc.ResponseForDecodeError([]byte(raw), err)
		encoded, encErr := jsonrpc.Encode(resp)
		if encErr != nil {
			return encErr
		}
		return t.Send(encoded)
	}
	if msg.Request == nil {
		s.logger.Debug("ignoring non-request message")
		return nil
	}

	req := msg.Request
	s.logger.Debug("dispatching", "method", req.Method, "id", req.ID)
	result, rpcErr := s.dispatch(req)

	var encoded string
	if rpcErr != nil {
		encoded, err = jsonrpc.Encode(jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message))
	} else {
		var resp *jsonrpc.Response
		resp, err = jsonrpc.NewResponse(req.ID, result)
		if err == nil {
			encoded, err = jsonrpc.Encode(resp)
		}
	}
	if err != nil {
		return err
	}
	if err := t.Send(encoded); err != nil {
		return err
	}
	if req.Method == "shutdown" {
		return errShutdown
	}
	return nil
}

// dispatch routes one request to its handler and returns either a result
// value or the JSON-RPC error to send back.
func (s *Server) dispatch(req *jsonrpc.Request) (any, *jsonrpc.Error) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "shutdown":
		return map[string]any{}, nil
	case "tool_call":
		return s.handleToolCall(req.Params)
	case "tools/call":
		return s.handleToolsCall(req.Params)
	case "get_tools", "tools/list":
		tools, err := s.listTools()
		if err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: err.Error()}
		}
		return schema.ListToolsResult{Tools: tools}, nil
	case "get_prompts", "prompts/list":
		return s.handleListPrompts()
	case "get_prompt_messages":
		return s.handlePromptMessages(req.Params)
	case "get_resources", "resources/list":
		return s.handleListResources()
	case "get_resource", "resources/get":
		return s.handleGetResource(req.Params)
	default:
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeMethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		}
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *jsonrpc.Error) {
	var p schema.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid initialize params"}
		}
	}
	s.logger.Info("initialize", "client", p.ClientInfo.Name, "protocol_version", p.ProtocolVersion)

	tools, err := s.listTools()
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: err.Error()}
	}
	return schema.InitializeResult{
		ProtocolVersion: s.protocolVersion,
		Capabilities:    schema.ServerCapabilities{Tools: &schema.ToolsCapability{}},
		ServerInfo:      schema.Implementation{Name: s.name, Version: s.version},
		Instructions:    s.instructions,
		Tools:           tools,
	}, nil
}

// resolveTool returns the tool descriptor and handler for a call, or the
// JSON-RPC error describing why the call cannot proceed.
func (s *Server) resolveTool(name string, args json.RawMessage) (ToolHandler, *jsonrpc.Error) {
	s.mu.Lock()
	i, known := s.toolIndex[name]
	var tool schema.Tool
	if known {
		tool = s.tools[i]
	}
	h := s.handlers[name]
	s.mu.Unlock()

	if !known {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidParams,
			Message: fmt.Sprintf("Tool not found: %s", name),
		}
	}
	if tool.InputSchema != nil {
		payload := args
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		keyErrs, err := tool.InputSchema.ValidateBytes(context.Background(), payload)
		if err != nil {
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.CodeInvalidParams,
				Message: fmt.Sprintf("Invalid params: %v", err),
			}
		}
		if len(keyErrs) > 0 {
			return nil, &jsonrpc.Error{
				Code:    jsonrpc.CodeInvalidParams,
				Message: fmt.Sprintf("Invalid params: %s", keyErrs[0].Message),
			}
		}
	}
	if h == nil {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInternalError,
			Message: fmt.Sprintf("No handler registered for tool '%s'", name),
		}
	}
	return h, nil
}

func (s *Server) handleToolCall(params json.RawMessage) (any, *jsonrpc.Error) {
	var p schema.ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid tool_call params"}
	}
	h, rpcErr := s.resolveTool(p.Name, p.Parameters)
	if rpcErr != nil {
		return nil, rpcErr
	}
	value, err := h(p.Parameters)
	if err != nil {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeApplication,
			Message: fmt.Sprintf("Tool execution failed: %v", err),
		}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "failed to serialize tool result"}
	}
	return schema.ToolCallResult{Result: raw}, nil
}

// handleToolsCall serves the content-list spelling of a tool call. Handler
// failures become an is_error result rather than a protocol error.
func (s *Server) handleToolsCall(params json.RawMessage) (any, *jsonrpc.Error) {
	var p schema.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid tools/call params"}
	}
	args, err := json.Marshal(p.Arguments)
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid tools/call arguments"}
	}
	h, rpcErr := s.resolveTool(p.Name, args)
	if rpcErr != nil {
		return nil, rpcErr
	}
	value, err := h(args)
	if err != nil {
		return schema.CallToolResult{
			Content: []schema.TextContent{{Type: "text", Text: err.Error()}},
			IsError: true,
		}, nil
	}
	text, ok := value.(string)
	if !ok {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "failed to serialize tool result"}
		}
		text = string(raw)
	}
	return schema.CallToolResult{
		Content: []schema.TextContent{{Type: "text", Text: text}},
	}, nil
}

func (s *Server) handleListPrompts() (any, *jsonrpc.Error) {
	s.mu.Lock()
	prov := s.prompts
	s.mu.Unlock()
	if prov == nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "no provider registered for prompts"}
	}
	prompts, err := prov.ListPrompts()
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeApplication, Message: err.Error()}
	}
	return schema.ListPromptsResult{Prompts: prompts}, nil
}

func (s *Server) handlePromptMessages(params json.RawMessage) (any, *jsonrpc.Error) {
	s.mu.Lock()
	prov := s.prompts
	s.mu.Unlock()
	if prov == nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "no provider registered for prompts"}
	}
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid get_prompt_messages params"}
	}
	messages, err := prov.GetPromptMessages(p.Name, p.Arguments)
	if err != nil {
		return nil, prompterror(err)
	}
	return schema.PromptMessagesResult{Messages: messages}, nil
}

// prompterror maps a provider failure to a JSON-RPC error, preserving a
// not-found distinction for unknown names.
func prompterror(err error) *jsonrpc.Error {
	if mcperr.IsKind(err, mcperr.KindNotFound) {
		return &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
	}
	return &jsonrpc.Error{Code: jsonrpc.CodeApplication, Message: err.Error()}
}

func (s *Server) handleListResources() (any, *jsonrpc.Error) {
	s.mu.Lock()
	prov := s.resources
	s.mu.Unlock()
	if prov == nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "no provider registered for resources"}
	}
	resources, err := prov.ListResources()
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeApplication, Message: err.Error()}
	}
	return schema.ListResourcesResult{Resources: resources}, nil
}

func (s *Server) handleGetResource(params json.RawMessage) (any, *jsonrpc.Error) {
	s.mu.Lock()
	prov := s.resources
	s.mu.Unlock()
	if prov == nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "no provider registered for resources"}
	}
	var p schema.GetResourceParams
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "invalid get_resource params"}
	}
	contents, err := prov.GetResource(p.URI)
	if err != nil {
		return nil, prompterror(err)
	}
	return schema.GetResourceResult{Resource: *contents}, nil
}
