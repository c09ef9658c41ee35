package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/log"
	"github.com/erc7824/nitrolite/chainrpc/pkg/metrics"
	"github.com/erc7824/nitrolite/chainrpc/pkg/rpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/transport"
)

// Config names the reserved subscription methods.
type Config struct {
	SubscribeMethod    string
	UnsubscribeMethod  string
	NotificationMethod string
	// Resubscribe re-registers subscriptions lost to a dropped connection
	// once the transport reconnects.
	Resubscribe bool
	// TeardownTimeout bounds the best-effort unsubscribes made when the
	// provider is replaced.
	TeardownTimeout time.Duration
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultConfig uses the eth_ namespace.
var DefaultConfig = Config{
	SubscribeMethod:    "eth_subscribe",
	UnsubscribeMethod:  "eth_unsubscribe",
	NotificationMethod: "eth_subscription",
	Resubscribe:        true,
	TeardownTimeout:    5 * time.Second,
}

// Manager routes notifications of the request manager's provider to
// subscriptions by id.
type Manager struct {
	rm  *rpc.RequestManager
	cfg Config
	lg  log.Logger

	mu     sync.Mutex
	routes map[string]*Subscription
	lost   []*Subscription
	detach []func()
}

// NewManager attaches a Manager to rm. The logger stored in ctx is used for
// the lifetime of the manager.
func NewManager(ctx context.Context, rm *rpc.RequestManager, cfg Config) *Manager {
	m := &Manager{
		rm:     rm,
		cfg:    cfg,
		lg:     log.FromContext(ctx).WithName("subscription"),
		routes: make(map[string]*Subscription),
	}
	m.detach = []func(){
		rm.OnNotification(m.route),
		rm.OnConnectionState(m.onConnectionState),
		rm.OnBeforeProviderChange(m.beforeProviderChange),
		rm.OnProviderChanged(m.providerChanged),
	}
	return m
}

// SupportsSubscriptions reports whether the current provider can carry
// subscriptions.
func (m *Manager) SupportsSubscriptions() bool {
	return m.rm.SupportsSubscriptions()
}

// NewSubscription returns an unregistered subscription. Attach handlers,
// then call Resubscribe to register it.
func (m *Manager) NewSubscription(kind string, args ...any) *Subscription {
	return &Subscription{m: m, kind: kind, args: args}
}

// Subscribe registers a new subscription of kind and returns it once the
// node acknowledged it.
func (m *Manager) Subscribe(ctx context.Context, kind string, args ...any) (*Subscription, error) {
	s := m.NewSubscription(kind, args...)
	if err := m.register(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) register(ctx context.Context, s *Subscription) error {
	if !m.rm.SupportsSubscriptions() {
		return jsonrpc.ErrSubscriptionsNotSupported
	}

	m.mu.Lock()
	if s.state != StateUnsubscribed {
		state := s.state
		m.mu.Unlock()
		return fmt.Errorf("%w: subscription is %s", jsonrpc.ErrInvalidParams, state)
	}
	s.state = StateSubscribing
	m.mu.Unlock()

	id, err := m.subscribe(ctx, s)

	m.mu.Lock()
	if err == nil {
		if _, dup := m.routes[id]; dup {
			err = fmt.Errorf("%w: %s", jsonrpc.ErrDuplicateSubscription, id)
		}
	}
	if err != nil {
		s.state = StateUnsubscribed
		m.mu.Unlock()
		m.lg.Warn("subscribe failed", "kind", s.kind, "error", err)
		return err
	}
	s.id = id
	s.state = StateActive
	m.routes[id] = s
	m.mu.Unlock()

	m.cfg.Metrics.AddActiveSubscriptions(1)
	m.lg.Debug("subscribed", "kind", s.kind, "id", id)
	s.emit(EventConnected, Message{Subscription: id})
	return nil
}

func (m *Manager) subscribe(ctx context.Context, s *Subscription) (string, error) {
	params := append([]any{s.kind}, s.args...)
	raw, err := m.rm.Send(ctx, m.cfg.SubscribeMethod, params...)
	if err != nil {
		return "", err
	}

	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("%w: subscription id: %w", jsonrpc.ErrInvalidResponse, err)
	}
	if id == "" {
		return "", fmt.Errorf("%w: empty subscription id", jsonrpc.ErrInvalidResponse)
	}
	return id, nil
}

// Unsubscribe cancels s on the node. The routing entry is removed only after
// the node acknowledged; on failure s stays active. An inactive s is only
// withdrawn from pending resubscription.
func (m *Manager) Unsubscribe(ctx context.Context, s *Subscription) error {
	m.mu.Lock()
	if s.state != StateActive {
		m.lost = slices.DeleteFunc(m.lost, func(l *Subscription) bool { return l == s })
		m.mu.Unlock()
		return nil
	}
	s.state = StateUnsubscribing
	id := s.id
	m.mu.Unlock()

	var ok bool
	err := m.rm.Call(ctx, &ok, m.cfg.UnsubscribeMethod, id)

	m.mu.Lock()
	if err != nil {
		if s.state == StateUnsubscribing {
			s.state = StateActive
		}
		m.mu.Unlock()
		return err
	}
	removed := m.removeLocked(s)
	m.mu.Unlock()

	if removed {
		m.cfg.Metrics.AddActiveSubscriptions(-1)
	}
	if !ok {
		m.lg.Debug("node did not know subscription", "id", id)
	}
	m.lg.Debug("unsubscribed", "kind", s.kind, "id", id)
	return nil
}

// UnsubscribeAll unsubscribes every active subscription for which match
// returns true, or all of them when match is nil. Every subscription is
// attempted; the errors are combined.
func (m *Manager) UnsubscribeAll(ctx context.Context, match func(*Subscription) bool) error {
	var err error
	for _, s := range m.Subscriptions() {
		if match != nil && !match(s) {
			continue
		}
		err = multierr.Append(err, m.Unsubscribe(ctx, s))
	}
	return err
}

// Subscriptions returns the registered subscriptions.
func (m *Manager) Subscriptions() []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Subscription, 0, len(m.routes))
	for _, s := range m.routes {
		out = append(out, s)
	}
	return out
}

// Close unsubscribes everything and detaches the manager from the request
// manager.
func (m *Manager) Close(ctx context.Context) error {
	err := m.UnsubscribeAll(ctx, nil)

	m.mu.Lock()
	detach := m.detach
	m.detach = nil
	m.lost = nil
	m.mu.Unlock()

	for _, remove := range detach {
		remove()
	}
	m.clear()
	return err
}

func (m *Manager) route(msg *jsonrpc.Response) {
	if msg.Method != m.cfg.NotificationMethod {
		return
	}
	sr, err := msg.DecodeSubscription()
	if err != nil {
		m.lg.Warn("malformed notification", "error", err)
		m.cfg.Metrics.IncDropped("malformed")
		return
	}

	m.mu.Lock()
	s, ok := m.routes[sr.Subscription]
	active := ok && s.state == StateActive
	m.mu.Unlock()
	if !ok {
		m.lg.Debug("notification for unknown subscription", "id", sr.Subscription)
		m.cfg.Metrics.IncDropped("unknown_subscription")
		return
	}
	// Only ACTIVE subscriptions receive data; one being unsubscribed is
	// already withdrawn from the caller's point of view.
	if !active {
		m.lg.Debug("notification for inactive subscription", "id", sr.Subscription)
		m.cfg.Metrics.IncDropped("inactive_subscription")
		return
	}
	s.emit(EventData, Message{Subscription: sr.Subscription, Data: sr.Result})
}

func (m *Manager) onConnectionState(ev transport.StateEvent) {
	switch {
	case ev.Terminal:
		lost := m.clear()
		m.mu.Lock()
		m.lost = nil
		m.mu.Unlock()
		for _, s := range lost {
			s.emit(EventError, Message{Err: ev.Err})
		}
	case ev.State == transport.StateErrored, ev.State == transport.StateClosed:
		lost := m.clear()
		if len(lost) == 0 {
			return
		}
		err := ev.Err
		if err == nil {
			err = jsonrpc.ErrConnectionClosed
		}
		m.mu.Lock()
		if m.cfg.Resubscribe {
			m.lost = append(m.lost, lost...)
		}
		m.mu.Unlock()
		m.lg.Warn("connection lost", "subscriptions", len(lost), "error", err)
		for _, s := range lost {
			s.emit(EventError, Message{Err: fmt.Errorf("%w: %w", jsonrpc.ErrConnectionLost, err)})
		}
	case ev.State == transport.StateOpen:
		m.mu.Lock()
		lost := m.lost
		m.lost = nil
		m.mu.Unlock()
		if len(lost) > 0 {
			go m.resubscribe(lost)
		}
	}
}

func (m *Manager) resubscribe(lost []*Subscription) {
	ctx := log.SetContextLogger(context.Background(), m.lg)
	if m.cfg.TeardownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.TeardownTimeout)
		defer cancel()
	}

	for _, s := range lost {
		if err := m.register(ctx, s); err != nil {
			s.emit(EventError, Message{Err: err})
		}
	}
}

func (m *Manager) beforeProviderChange(transport.Transport) {
	ctx := context.Background()
	if m.cfg.TeardownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.TeardownTimeout)
		defer cancel()
	}
	if err := m.UnsubscribeAll(ctx, nil); err != nil {
		m.lg.Warn("failed to unsubscribe before provider change", "errors", len(multierr.Errors(err)), "error", err)
	}
}

func (m *Manager) providerChanged(transport.Transport) {
	m.clear()
	m.mu.Lock()
	m.lost = nil
	m.mu.Unlock()
}

// clear drops every routing entry and returns the subscriptions it held.
func (m *Manager) clear() []*Subscription {
	m.mu.Lock()
	out := make([]*Subscription, 0, len(m.routes))
	for _, s := range m.routes {
		s.state = StateUnsubscribed
		s.id = ""
		out = append(out, s)
	}
	m.routes = make(map[string]*Subscription)
	m.mu.Unlock()

	m.cfg.Metrics.AddActiveSubscriptions(-len(out))
	return out
}

func (m *Manager) removeLocked(s *Subscription) bool {
	removed := false
	if m.routes[s.id] == s {
		delete(m.routes, s.id)
		removed = true
	}
	s.state = StateUnsubscribed
	s.id = ""
	return removed
}
