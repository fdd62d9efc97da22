// Package client implements the MCP client engine: the initialize
// handshake, request/response correlation over any transport, and typed
// wrappers for the tool, prompt, and resource methods.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	mcperr "github.com/conikeec/mcpr/errors"
	"github.com/conikeec/mcpr/jsonrpc"
	"github.com/conikeec/mcpr/schema"
	"github.com/conikeec/mcpr/transport"
)

// responseQueueSize bounds the buffer between the transport callback and
// the caller waiting in call.
const responseQueueSize = 16

// Client drives one MCP session over a transport. Calls are issued
// sequentially; each blocks until the matching response arrives or the
// context expires.
type Client struct {
	transport       transport.Transport
	logger          *slog.Logger
	clientInfo      schema.Implementation
	protocolVersion string

	nextID    atomic.Int64
	responses chan *jsonrpc.Message

	mu          sync.Mutex
	initialized bool
	serverInfo  schema.Implementation
	tools       []schema.Tool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for session diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClientInfo sets the name and version reported during initialize.
func WithClientInfo(name, version string) Option {
	return func(c *Client) { c.clientInfo = schema.Implementation{Name: name, Version: version} }
}

// WithProtocolVersion overrides the advertised protocol version.
func WithProtocolVersion(v string) Option {
	return func(c *Client) { c.protocolVersion = v }
}

// New returns a client bound to the given transport. The transport must
// not be started; Initialize starts it.
func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport:       t,
		logger:          slog.Default(),
		clientInfo:      schema.Implementation{Name: "mcpr", Version: "0.1.0"},
		protocolVersion: schema.LatestProtocolVersion,
		responses:       make(chan *jsonrpc.Message, responseQueueSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize starts the transport and performs the initialize handshake.
// It returns the server's implementation info and caches the tool listing
// carried in the handshake result. A response without server_info is a
// protocol error; the transport is left started so the caller can decide
// whether to retry or close.
func (c *Client) Initialize(ctx context.Context) (schema.Implementation, error) {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return schema.Implementation{}, mcperr.State("client is already initialized")
	}
	c.mu.Unlock()

	c.transport.SetOnMessage(c.handleMessage)
	c.transport.SetOnError(func(err error) {
		c.logger.Warn("transport error", "error", err)
	})
	if err := c.transport.Start(); err != nil {
		return schema.Implementation{}, err
	}
	go c.pump()

	params := schema.InitializeParams{
		ProtocolVersion: c.protocolVersion,
		ClientInfo:      c.clientInfo,
	}
	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return schema.Implementation{}, err
	}

	var probe struct {
		ServerInfo *schema.Implementation `json:"server_info"`
	}
	if err := json.Unmarshal(resp.Result, &probe); err != nil || probe.ServerInfo == nil {
		return schema.Implementation{}, mcperr.Protocol("initialization response missing server_info")
	}

	var result schema.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return schema.Implementation{}, mcperr.Deserialization(err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = result.ServerInfo
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("initialized",
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"tools", len(result.Tools))
	return result.ServerInfo, nil
}

// pump drives pull transports: each Receive call delivers the next
// message through the OnMessage callback, whose result the pump itself
// discards. Push transports fail the first Receive and the pump exits.
func (c *Client) pump() {
	for {
		if _, err := c.transport.Receive(); err != nil {
			return
		}
	}
}

// handleMessage routes decoded responses to the waiting caller. Requests
// from the peer are ignored; this engine only ever initiates.
func (c *Client) handleMessage(raw string) {
	msg, err := jsonrpc.DecodeMessage([]byte(raw))
	if err != nil {
		c.logger.Warn("discarding undecodable message", "error", err)
		return
	}
	if msg.Request != nil {
		c.logger.Debug("ignoring server-initiated request", "method", msg.Request.Method)
		return
	}
	select {
	case c.responses <- msg:
	default:
		c.logger.Warn("response queue full, dropping message")
	}
}

// call sends one request and blocks for the response with a matching id.
// Responses with stale ids are discarded.
func (c *Client) call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	id := c.nextID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	encoded, err := jsonrpc.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := c.transport.Send(encoded); err != nil {
		return nil, err
	}

	for {
		select {
		case msg := <-c.responses:
			if !jsonrpc.IDsEqual(msg.ID(), id) {
				c.logger.Debug("discarding response with stale id", "id", msg.ID())
				continue
			}
			if msg.Error != nil {
				e := msg.Error.Error
				return nil, mcperr.Protocol(fmt.Sprintf("RPC error %d: %s", e.Code, e.Message))
			}
			return msg.Response, nil
		case <-ctx.Done():
			return nil, mcperr.Wrap(ctx.Err(), "waiting for response to "+method)
		}
	}
}

// ServerInfo returns the server implementation info cached by Initialize.
func (c *Client) ServerInfo() schema.Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Tools returns the tool listing cached from the initialize handshake.
func (c *Client) Tools() []schema.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

// CallTool invokes the named tool with params and decodes the unwrapped
// result value into result, which may be nil to discard it.
func (c *Client) CallTool(ctx context.Context, name string, params any, result any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return mcperr.Serialization(err)
		}
		raw = data
	}
	resp, err := c.call(ctx, "tool_call", schema.ToolCallParams{Name: name, Parameters: raw})
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	// the result value arrives wrapped as {"result": ...}
	var wrapper schema.ToolCallResult
	if err := json.Unmarshal(resp.Result, &wrapper); err == nil && wrapper.Result != nil {
		if err := json.Unmarshal(wrapper.Result, result); err != nil {
			return mcperr.Deserialization(err)
		}
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return mcperr.Deserialization(err)
	}
	return nil
}

// CallToolContent invokes a tool through the tools/call spelling, whose
// result is a content list rather than a bare value.
func (c *Client) CallToolContent(ctx context.Context, name string, args map[string]any) (*schema.CallToolResult, error) {
	resp, err := c.call(ctx, "tools/call", schema.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result schema.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, mcperr.Deserialization(err)
	}
	return &result, nil
}

// GetTools fetches the server's current tool listing and refreshes the
// cached copy.
func (c *Client) GetTools(ctx context.Context) ([]schema.Tool, error) {
	resp, err := c.call(ctx, "get_tools", nil)
	if err != nil {
		return nil, err
	}
	var result schema.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, mcperr.Deserialization(err)
	}
	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	return result.Tools, nil
}

// GetPrompts fetches the server's prompt listing.
func (c *Client) GetPrompts(ctx context.Context) ([]schema.Prompt, error) {
	resp, err := c.call(ctx, "get_prompts", nil)
	if err != nil {
		return nil, err
	}
	var result schema.ListPromptsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, mcperr.Deserialization(err)
	}
	return result.Prompts, nil
}

// GetPromptMessages renders the named prompt with the given arguments.
func (c *Client) GetPromptMessages(ctx context.Context, name string, args map[string]any) ([]schema.PromptMessage, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	resp, err := c.call(ctx, "get_prompt_messages", params)
	if err != nil {
		return nil, err
	}
	var result schema.PromptMessagesResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, mcperr.Deserialization(err)
	}
	return result.Messages, nil
}

// GetResources fetches the server's resource listing.
func (c *Client) GetResources(ctx context.Context) ([]schema.Resource, error) {
	resp, err := c.call(ctx, "get_resources", nil)
	if err != nil {
		return nil, err
	}
	var result schema.ListResourcesResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, mcperr.Deserialization(err)
	}
	return result.Resources, nil
}

// GetResource retrieves the resource at the given uri.
func (c *Client) GetResource(ctx context.Context, uri string) (*schema.ResourceContents, error) {
	resp, err := c.call(ctx, "get_resource", schema.GetResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	var result schema.GetResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, mcperr.Deserialization(err)
	}
	return &result.Resource, nil
}

// Shutdown sends the shutdown request and closes the transport. The
// transport is closed even when the acknowledgement is missing or
// malformed; only a send failure is reported.
func (c *Client) Shutdown(ctx context.Context) error {
	defer c.transport.Close()
	_, err := c.call(ctx, "shutdown", nil)
	if err != nil {
		if mcperr.IsKind(err, mcperr.KindTransport) {
			return err
		}
		c.logger.Warn("shutdown acknowledgement failed", "error", err)
	}
	return nil
}

// Close tears the transport down without the shutdown handshake.
func (c *Client) Close() error {
	return c.transport.Close()
}
