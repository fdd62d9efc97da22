// Package transport provides the connection layer for RPC clients and
// servers. Transports move whole JSON-RPC messages as UTF-8 strings; they
// carry no knowledge of method names or message schemas.
//
// # Contract
//
// Every transport moves through three states: idle, connected, and closed.
// Start moves an idle transport to connected; calling Start on a connected
// transport returns an already-connected error, and a closed transport
// cannot be restarted. Close is idempotent and safe to call from any state.
//
// Callers observe inbound traffic through callbacks registered with
// SetOnMessage, SetOnError, and SetOnClose. The close callback fires exactly
// once per connection lifetime, regardless of how many times Close is called
// or whether the peer disconnected first.
//
// # Delivery models
//
// StdioTransport is a pull transport: Receive blocks for the next line and
// no background goroutine exists. TCPTransport, WebSocketTransport, and the
// SSE server run a background reader that pushes inbound messages to the
// OnMessage callback; Receive on those returns ErrPushOnly. The SSE client
// supports both: the reader pushes to OnMessage and also queues each event
// so Receive can pop it.
//
// # Implementations
//
//   - StdioTransport: newline-delimited messages over any reader/writer
//     pair, including a child process's pipes via NewCommandStdio.
//   - TCPTransport: newline-delimited messages over a TCP connection, in
//     dial or listen mode.
//   - WebSocketTransport: one message per text frame.
//   - SSETransport: server-sent events inbound, HTTP POST outbound.
package transport
