package transport

import (
	"context"

	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
)

// Transport delivers requests to a node and returns its replies.
// Every admitted request resolves exactly once: with a reply, or with an
// error wrapping one of the jsonrpc error kinds.
type Transport interface {
	// Send delivers a single request and waits for the reply carrying its id.
	Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)
	// SendBatch delivers reqs as one JSON array and returns the replies in
	// the order the node sent them. Reconciling them with the requests is
	// up to the caller.
	SendBatch(ctx context.Context, reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error)
	// Close releases the connection. Outstanding requests are rejected.
	Close() error
}

// Duplex is a Transport over a persistent connection that also receives
// server pushes. Only duplex transports support subscriptions.
type Duplex interface {
	Transport

	// IsConnected reports whether the connection is open.
	IsConnected() bool
	// State returns the current connection state.
	State() State
	// OnNotification registers h for every inbound notification, in
	// registration order. Notifications arrive one at a time in the order
	// received, off the read path, so h may issue calls. Handlers survive
	// reconnects.
	OnNotification(h func(*jsonrpc.Response)) (remove func())
	// OnStateChange registers h for connection state transitions.
	OnStateChange(h func(StateEvent)) (remove func())
}

// SupportsSubscriptions reports whether t can carry server pushes.
func SupportsSubscriptions(t Transport) bool {
	_, ok := t.(Duplex)
	return ok
}

// State is the lifecycle state of a duplex connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateErrored
	StateReconnecting
)

var stateNames = []string{"disconnected", "connecting", "open", "closed", "errored", "reconnecting"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// StateEvent describes a state transition. Terminal is set on the final
// ERRORED transition after reconnection gave up.
type StateEvent struct {
	State    State
	Err      error
	Attempt  int
	Terminal bool
}
