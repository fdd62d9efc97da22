// Package schema defines the MCP payload types exchanged between client
// and server: tool, prompt, and resource descriptors, implementation
// metadata, capability flags, and the initialize handshake shapes.
package schema

import (
	"encoding/json"

	"github.com/qri-io/jsonschema"
)

// LatestProtocolVersion is the protocol version advertised during the
// initialize handshake.
const LatestProtocolVersion = "0.1.0"

// Implementation identifies a client or server by name and version.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool describes a callable tool. The input schema, when present, is a
// JSON Schema that server dispatch validates call arguments against.
// Descriptors are immutable once registered.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"input_schema,omitempty"`
}

// Prompt describes a prompt template and its arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one argument accepted by a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one rendered message of a prompt.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Resource describes an addressable resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// ResourceContents is the retrieved content of a resource.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ClientCapabilities advertises what the client supports.
type ClientCapabilities struct {
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
	Sampling     json.RawMessage            `json:"sampling,omitempty"`
}

// ToolsCapability signals tool support and list-change notification.
type ToolsCapability struct {
	ListChanged bool `json:"list_changed,omitempty"`
}

// ServerCapabilities advertises what the server supports.
type ServerCapabilities struct {
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
	Tools        *ToolsCapability           `json:"tools,omitempty"`
	Prompts      json.RawMessage            `json:"prompts,omitempty"`
	Resources    json.RawMessage            `json:"resources,omitempty"`
}

// InitializeParams is the params payload of an initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocol_version"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"client_info"`
}

// InitializeResult is the result payload of an initialize response. Tools
// carries the full tool listing so a client can cache it without a
// follow-up round trip.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocol_version"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"server_info"`
	Instructions    string             `json:"instructions,omitempty"`
	Tools           []Tool             `json:"tools,omitempty"`
}

// ToolCallParams is the params payload of a tool_call request.
type ToolCallParams struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// ToolCallResult wraps a tool_call result value.
type ToolCallResult struct {
	Result json.RawMessage `json:"result"`
}

// CallToolParams is the params payload of a tools/call request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// TextContent is one text block inside a tools/call result.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the result payload of a tools/call response.
type CallToolResult struct {
	Content []TextContent `json:"content"`
	IsError bool          `json:"is_error,omitempty"`
}

// ListToolsResult is the result payload of a tools listing.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// ListPromptsResult is the result payload of a prompts listing.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

// PromptMessagesResult is the result payload of get_prompt_messages.
type PromptMessagesResult struct {
	Messages []PromptMessage `json:"messages"`
}

// ListResourcesResult is the result payload of a resources listing.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// GetResourceParams is the params payload of a resources/get request.
type GetResourceParams struct {
	URI string `json:"uri"`
}

// GetResourceResult wraps a retrieved resource.
type GetResourceResult struct {
	Resource ResourceContents `json:"resource"`
}

// MustSchema parses a JSON Schema document, panicking on malformed input.
// It is intended for tool registration with literal schemas.
func MustSchema(doc string) *jsonschema.Schema {
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal([]byte(doc), rs); err != nil {
		panic("schema: invalid JSON Schema: " + err.Error())
	}
	return rs
}
