// Package errors provides the structured error taxonomy for MCP
// communication. It defines a closed set of error kinds with a fatality
// classification that drives connection teardown and retry decisions.
//
// # Error Kinds
//
// Every error carries exactly one Kind. Callers switch on the kind, never
// on concrete types:
//
//   - Transport: failure in the underlying medium (fatal)
//   - Protocol: the peer violated the MCP protocol (fatal)
//   - NotConnected: operation on a transport that is not connected (fatal)
//   - Authentication, Authorization: credential failures (fatal)
//   - Serialization, Deserialization: JSON encode/decode failures
//   - NotFound, InvalidRequest, State, Transition: locally recoverable
//   - AlreadyConnected, Timeout, Internal: locally recoverable
//
// # Fatality
//
// IsFatal reports whether an error kind mandates tearing down the current
// connection rather than retrying in place:
//
//	if mcperr.IsFatal(err) {
//	    transport.Close()
//	}
//
// # Usage
//
// Create a new error:
//
//	err := errors.Transportf("failed to dial %s: %v", addr, cause)
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "reading frame")
//
// Check the kind anywhere in a chain:
//
//	if errors.IsKind(err, errors.KindNotConnected) {
//	    // reconnect logic
//	}
//
// # JSON Serialization
//
// Errors marshal to a {"type": ..., "message": ...} document so they can
// travel inside JSON-RPC error data fields and be reconstructed on the
// other side.
package errors
