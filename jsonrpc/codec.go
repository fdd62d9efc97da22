package jsonrpc

import (
	"encoding/json"

	mcperr "github.com/conikeec/mcpr/errors"
)

// Message is a decoded JSON-RPC document. Exactly one of Request, Response,
// or Error is non-nil.
type Message struct {
	Request  *Request
	Response *Response
	Error    *ErrorResponse
}

// ID returns the correlation id of whichever shape is set.
func (m *Message) ID() any {
	switch {
	case m.Request != nil:
		return m.Request.ID
	case m.Response != nil:
		return m.Response.ID
	case m.Error != nil:
		return m.Error.ID
	default:
		return nil
	}
}

// rawMessage is the permissive shape used to classify a document before
// committing to one of the three message types.
type rawMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// DecodeMessage parses one JSON-RPC document and classifies it as a
// request (has method), response (has result), or error (has error).
// Malformed JSON yields a Deserialization error; a well-formed document
// that is not valid JSON-RPC 2.0 yields an InvalidRequest error.
func DecodeMessage(data []byte) (*Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, mcperr.Deserialization(err)
	}

	if raw.JSONRPC != Version {
		return nil, mcperr.InvalidRequest("jsonrpc version must be \"2.0\"")
	}

	switch {
	case raw.Method != "":
		return &Message{Request: &Request{
			JSONRPC: raw.JSONRPC,
			ID:      raw.ID,
			Method:  raw.Method,
			Params:  raw.Params,
		}}, nil
	case raw.Error != nil:
		return &Message{Error: &ErrorResponse{
			JSONRPC: raw.JSONRPC,
			ID:      raw.ID,
			Error:   raw.Error,
		}}, nil
	case raw.Result != nil:
		return &Message{Response: &Response{
			JSONRPC: raw.JSONRPC,
			ID:      raw.ID,
			Result:  raw.Result,
		}}, nil
	default:
		return nil, mcperr.InvalidRequest("message has no method, result, or error")
	}
}

// ResponseForDecodeError converts a DecodeMessage failure into the error
// response to send back: -32700 with a null id for unparseable JSON (the id
// is unrecoverable by definition), -32600 with the extracted id for a
// structurally invalid document.
func ResponseForDecodeError(data []byte, err error) *ErrorResponse {
	if mcperr.IsKind(err, mcperr.KindDeserialization) {
		return NewErrorResponse(nil, CodeParseError, "Parse error")
	}

	// The document parsed as JSON, so the id may still be salvageable.
	var partial struct {
		ID any `json:"id"`
	}
	_ = json.Unmarshal(data, &partial)

	msg := "Invalid Request"
	if e := mcperr.AsError(err); e != nil && e.Message() != "" {
		msg = "Invalid Request: " + e.Message()
	}
	return NewErrorResponse(partial.ID, CodeInvalidRequest, msg)
}
