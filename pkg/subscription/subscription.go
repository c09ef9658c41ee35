package subscription

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/erc7824/nitrolite/chainrpc/pkg/event"
	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
)

// State is the lifecycle state of a Subscription.
type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateActive
	StateUnsubscribing
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateUnsubscribing:
		return "unsubscribing"
	default:
		return "unknown"
	}
}

// Event names a subscription event.
type Event string

const (
	// EventConnected fires once the node acknowledged the subscription.
	EventConnected Event = "connected"
	// EventData fires for every notification routed to the subscription.
	EventData Event = "data"
	// EventError fires when the connection carrying the subscription fails.
	EventError Event = "error"
)

// Message is passed to event handlers. Data is set for EventData, Err for
// EventError.
type Message struct {
	Subscription string
	Data         json.RawMessage
	Err          error
}

// Subscription is a server-push stream owned by a Manager. Its id is
// assigned by the node and changes on every registration.
type Subscription struct {
	m    *Manager
	kind string
	args []any

	// guarded by m.mu
	id    string
	state State

	events event.Emitter[Event, Message]
}

// ID returns the node-assigned id, empty unless the subscription is
// registered.
func (s *Subscription) ID() string {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.id
}

// Kind returns the subscription kind, e.g. "newHeads".
func (s *Subscription) Kind() string {
	return s.kind
}

// Args returns the extra subscription arguments.
func (s *Subscription) Args() []any {
	return s.args
}

func (s *Subscription) State() State {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.state
}

// On registers h for ev. Handlers run synchronously in registration order.
func (s *Subscription) On(ev Event, h func(Message)) (remove func()) {
	return s.events.On(ev, h)
}

// Unsubscribe cancels the subscription on the node. It is a no-op unless the
// subscription is active.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.m.Unsubscribe(ctx, s)
}

// Resubscribe registers an unsubscribed subscription again with its
// original arguments. The node assigns a new id.
func (s *Subscription) Resubscribe(ctx context.Context) error {
	return s.m.register(ctx, s)
}

// Decode unmarshals a notification payload into v.
func (s *Subscription) Decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s subscription: %w", jsonrpc.ErrUnmarshalingResult, s.kind, err)
	}
	return nil
}

func (s *Subscription) emit(ev Event, msg Message) {
	s.m.cfg.Metrics.IncSubscriptionEvent(string(ev))
	s.events.Emit(ev, msg)
}
