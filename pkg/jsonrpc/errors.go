package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Error kinds. Every error produced by chainrpc wraps exactly one of these,
// so callers can tell a misbehaving connection or node apart from a call the
// node rejected (*Error).
var (
	// ErrConfiguration is a bad endpoint, provider or registry setup.
	ErrConfiguration = fmt.Errorf("configuration error")
	// ErrTransport is a failure to deliver a request or receive its reply.
	ErrTransport = fmt.Errorf("transport error")
	// ErrProtocol is a reply that breaks the JSON-RPC contract.
	ErrProtocol = fmt.Errorf("protocol error")
	// ErrCapability is an operation the current provider cannot perform.
	ErrCapability = fmt.Errorf("capability error")
	// ErrTimeout is a deadline that elapsed before an outcome.
	ErrTimeout = fmt.Errorf("timeout")
)

// Configuration errors
var (
	ErrNoProvider          = fmt.Errorf("%w: no provider configured", ErrConfiguration)
	ErrUnsupportedEndpoint = fmt.Errorf("%w: unsupported endpoint", ErrConfiguration)
	ErrUnsupportedProvider = fmt.Errorf("%w: unsupported provider type", ErrConfiguration)
	ErrUnknownMethod       = fmt.Errorf("%w: unknown method", ErrConfiguration)
	ErrInvalidParams       = fmt.Errorf("%w: invalid params", ErrConfiguration)
	ErrBatchExecuted       = fmt.Errorf("%w: batch already executed", ErrConfiguration)
	ErrMarshalingRequest   = fmt.Errorf("%w: error marshaling request", ErrConfiguration)
)

// Transport errors
var (
	ErrNotConnected         = fmt.Errorf("%w: not connected", ErrTransport)
	ErrAlreadyConnected     = fmt.Errorf("%w: already connected", ErrTransport)
	ErrDialing              = fmt.Errorf("%w: error dialing endpoint", ErrTransport)
	ErrSendingRequest       = fmt.Errorf("%w: error sending request", ErrTransport)
	ErrConnectionLost       = fmt.Errorf("%w: connection lost", ErrTransport)
	ErrConnectionClosed     = fmt.Errorf("%w: connection closed", ErrTransport)
	ErrMaxReconnectAttempts = fmt.Errorf("%w: maximum reconnect attempts reached", ErrTransport)
	ErrHTTPStatus           = fmt.Errorf("%w: unexpected http status", ErrTransport)
	ErrMalformedBody        = fmt.Errorf("%w: malformed response body", ErrTransport)
	ErrDuplicateRequestID   = fmt.Errorf("%w: duplicate in-flight request id", ErrTransport)
	ErrRequestAborted       = fmt.Errorf("%w: request aborted", ErrTransport)
	ErrBatchAborted         = fmt.Errorf("%w: batch aborted", ErrTransport)
)

// Protocol errors
var (
	ErrInvalidResponse       = fmt.Errorf("%w: invalid response", ErrProtocol)
	ErrResponseIDMismatch    = fmt.Errorf("%w: response id does not match request id", ErrProtocol)
	ErrBatchSizeMismatch     = fmt.Errorf("%w: batch response count mismatch", ErrProtocol)
	ErrBatchIDMismatch       = fmt.Errorf("%w: batch response ids do not match request ids", ErrProtocol)
	ErrDuplicateSubscription = fmt.Errorf("%w: duplicate subscription id", ErrProtocol)
	ErrUnmarshalingResult    = fmt.Errorf("%w: error unmarshaling result", ErrProtocol)
)

// Capability errors
var (
	ErrSubscriptionsNotSupported = fmt.Errorf("%w: provider does not support subscriptions", ErrCapability)
)

// Timeout errors
var (
	ErrRequestTimeout    = fmt.Errorf("%w: request timed out", ErrTimeout)
	ErrBatchTimeout      = fmt.Errorf("%w: batch timed out", ErrTimeout)
	ErrReassemblyTimeout = fmt.Errorf("%w: incomplete message discarded", ErrTimeout)
	ErrBlockTimeout      = fmt.Errorf("%w: block timeout exceeded", ErrTimeout)
)

// Error is the error object of a JSON-RPC reply: the node received the call
// and rejected it.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds a node error object.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
