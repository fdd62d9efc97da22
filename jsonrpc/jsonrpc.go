// Package jsonrpc implements the JSON-RPC 2.0 message layer carried over
// every MCP transport: the three message shapes (request, response, error),
// correlation id handling, and the standard error codes.
package jsonrpc

import (
	"encoding/json"
	"fmt"

	mcperr "github.com/conikeec/mcpr/errors"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// Standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeApplication    = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a successful JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// ErrorResponse is a JSON-RPC 2.0 error response. It is mutually exclusive
// with Response for a given request id.
type ErrorResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Error   *Error `json:"error"`
}

// Error is the error object inside an ErrorResponse.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request, serializing params if non-nil.
func NewRequest(id any, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, mcperr.Serialization(err)
		}
		req.Params = data
	}
	return req, nil
}

// NewResponse builds a response for the given request id, serializing the
// result value.
func NewResponse(id any, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, mcperr.Serialization(err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: data}, nil
}

// NewErrorResponse builds an error response. A nil id is rendered as JSON
// null, per the parse-error convention.
func NewErrorResponse(id any, code int, message string) *ErrorResponse {
	return &ErrorResponse{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// Encode serializes a message to its wire form.
func Encode(msg any) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", mcperr.Serialization(err)
	}
	return string(data), nil
}

// IDsEqual reports whether two correlation ids refer to the same request.
// Numeric ids are compared by value regardless of their Go representation,
// since decoding yields float64 while senders typically use int64.
func IDsEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	return aok && bok && as == bs
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
