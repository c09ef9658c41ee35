// Package transporttest provides an in-memory transport for tests of the
// layers built on top of pkg/transport.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/erc7824/nitrolite/chainrpc/pkg/event"
	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/transport"
)

// Handler answers one request. Returning an error simulates a transport
// failure; node errors are expressed as error responses.
type Handler func(req *jsonrpc.Request) (*jsonrpc.Response, error)

// BatchHandler answers a whole batch.
type BatchHandler func(reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error)

var _ transport.Duplex = (*Stub)(nil)

// Stub is a duplex transport driven by registered handlers. Requests for
// methods without a handler get a -32601 error response.
type Stub struct {
	mu       sync.Mutex
	handlers map[string]Handler
	batch    BatchHandler
	requests []*jsonrpc.Request
	state    transport.State
	closed   bool

	notifications event.Handlers[*jsonrpc.Response]
	stateChanges  event.Handlers[transport.StateEvent]
}

// NewStub returns an open stub.
func NewStub() *Stub {
	return &Stub{
		handlers: make(map[string]Handler),
		state:    transport.StateOpen,
	}
}

// Handle registers h for method, replacing any previous handler.
func (s *Stub) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// HandleResult registers a handler that always answers with result.
func (s *Stub) HandleResult(method string, result any) {
	s.Handle(method, func(req *jsonrpc.Request) (*jsonrpc.Response, error) {
		return jsonrpc.NewResult(req.ID, result)
	})
}

// HandleBatch overrides the default batch behaviour, which answers each
// request through its method handler in order.
func (s *Stub) HandleBatch(h BatchHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = h
}

// Requests returns every request received so far, batches flattened.
func (s *Stub) Requests() []*jsonrpc.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*jsonrpc.Request(nil), s.requests...)
}

// Calls counts received requests for method.
func (s *Stub) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (s *Stub) Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrRequestAborted, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, jsonrpc.ErrConnectionClosed
	}
	s.requests = append(s.requests, req)
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()

	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, -32601, "method not found"), nil
	}
	return h(req)
}

func (s *Stub) SendBatch(ctx context.Context, reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	s.mu.Lock()
	batch := s.batch
	s.mu.Unlock()

	if batch != nil {
		s.mu.Lock()
		s.requests = append(s.requests, reqs...)
		s.mu.Unlock()
		return batch(reqs)
	}

	out := make([]*jsonrpc.Response, 0, len(reqs))
	for _, req := range reqs {
		res, err := s.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.state = transport.StateClosed
	return nil
}

// Closed reports whether Close was called.
func (s *Stub) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stub) IsConnected() bool {
	return s.State() == transport.StateOpen
}

func (s *Stub) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stub) OnNotification(h func(*jsonrpc.Response)) func() {
	return s.notifications.Add(h)
}

func (s *Stub) OnStateChange(h func(transport.StateEvent)) func() {
	return s.stateChanges.Add(h)
}

// Notify pushes a subscription notification to every listener.
func (s *Stub) Notify(method, subscription string, result any) error {
	msg, err := jsonrpc.NewNotification(method, subscription, result)
	if err != nil {
		return err
	}
	s.notifications.Emit(msg)
	return nil
}

// SetState simulates a connection state transition.
func (s *Stub) SetState(ev transport.StateEvent) {
	s.mu.Lock()
	s.state = ev.State
	s.mu.Unlock()
	s.stateChanges.Emit(ev)
}

// NotificationListeners returns the number of registered notification handlers.
func (s *Stub) NotificationListeners() int {
	return s.notifications.Len()
}

// RequestOnly hides the duplex methods of s, making it look like an HTTP
// transport to capability checks.
func (s *Stub) RequestOnly() transport.Transport {
	return requestOnly{s}
}

type requestOnly struct {
	s *Stub
}

func (r requestOnly) Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return r.s.Send(ctx, req)
}

func (r requestOnly) SendBatch(ctx context.Context, reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	return r.s.SendBatch(ctx, reqs)
}

func (r requestOnly) Close() error {
	return r.s.Close()
}
