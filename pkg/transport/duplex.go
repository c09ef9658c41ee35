package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erc7824/nitrolite/chainrpc/pkg/event"
	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/log"
	"github.com/erc7824/nitrolite/chainrpc/pkg/metrics"
)

// StreamConn is one live stream connection underneath a DuplexTransport.
type StreamConn interface {
	// ReadChunk blocks until the next delivery arrives. A delivery may hold
	// any number of whole or partial JSON documents.
	ReadChunk() ([]byte, error)
	// WriteChunk writes one encoded request or batch.
	WriteChunk(data []byte) error
	Close() error
}

// StreamDialer opens a new StreamConn.
type StreamDialer func(ctx context.Context) (StreamConn, error)

// DuplexConfig controls connection management of a DuplexTransport.
type DuplexConfig struct {
	// AutoReconnect schedules a new dial after the connection drops.
	AutoReconnect bool
	// ReconnectDelay is the fixed pause before each reconnection attempt.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts bounds consecutive failed attempts. Zero means unbounded.
	MaxReconnectAttempts int
	// DialTimeout bounds a single dial.
	DialTimeout time.Duration
	// ReassemblyTimeout bounds how long a partial inbound document is kept.
	ReassemblyTimeout time.Duration
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultDuplexConfig reconnects five times, five seconds apart.
var DefaultDuplexConfig = DuplexConfig{
	AutoReconnect:        true,
	ReconnectDelay:       5 * time.Second,
	MaxReconnectAttempts: 5,
	DialTimeout:          10 * time.Second,
	ReassemblyTimeout:    DefaultReassemblyTimeout,
}

// DuplexTransport multiplexes requests and server pushes over a persistent
// stream connection. It follows the state machine
//
//	DISCONNECTED -> CONNECTING -> OPEN -> {CLOSED, ERRORED} -> RECONNECTING -> CONNECTING
//
// Requests sent while CONNECTING or RECONNECTING are queued and written in
// FIFO order once the connection opens. Requests in flight when the
// connection drops are rejected; the caller decides whether to retry.
type DuplexTransport struct {
	kind          string
	dial          StreamDialer
	cfg           DuplexConfig
	isNormalClose func(error) bool

	mu       sync.Mutex
	lg       log.Logger
	state    State
	conn     StreamConn
	connID   string
	attempts int
	closing  bool
	pending  map[jsonrpc.ID]*pendingCall
	queue    []*pendingCall
	retry    *time.Timer

	writeMu sync.Mutex // serializes writes on conn
	reasm   *Reassembler

	notifications event.Handlers[*jsonrpc.Response]
	stateChanges  event.Handlers[StateEvent]

	// Notifications are delivered in arrival order by at most one
	// goroutine, never by the read loop.
	notifyMu      sync.Mutex
	notifyQueue   []*jsonrpc.Response
	notifyRunning bool
}

var _ Duplex = (*DuplexTransport)(nil)

// NewDuplexTransport returns a DISCONNECTED transport. kind labels logs and
// metrics, for example "ws" or "ipc".
func NewDuplexTransport(kind string, dial StreamDialer, cfg DuplexConfig) *DuplexTransport {
	t := &DuplexTransport{
		kind:          kind,
		dial:          dial,
		cfg:           cfg,
		isNormalClose: isEOF,
		lg:            log.NewNoopLogger(),
		pending:       make(map[jsonrpc.ID]*pendingCall),
	}
	t.reasm = NewReassembler(cfg.ReassemblyTimeout, t.onReassemblyTimeout)
	return t
}

// Connect dials the endpoint and blocks until the connection is open or the
// dial fails. With AutoReconnect a failed dial still schedules a retry.
// The logger stored in ctx is used for the lifetime of the transport.
func (t *DuplexTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateOpen || t.state == StateConnecting {
		t.mu.Unlock()
		return jsonrpc.ErrAlreadyConnected
	}
	t.lg = log.FromContext(ctx).WithName(t.kind + "-transport")
	t.closing = false
	t.attempts = 0
	t.stopRetryLocked()
	t.state = StateConnecting
	t.mu.Unlock()

	t.emitState(StateEvent{State: StateConnecting})
	return t.dialAndOpen(ctx)
}

func (t *DuplexTransport) dialAndOpen(ctx context.Context) error {
	dialCtx, cancel := ctx, context.CancelFunc(func() {})
	if t.cfg.DialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
	}
	conn, err := t.dial(dialCtx)
	cancel()
	if err != nil {
		err = fmt.Errorf("%w: %w", jsonrpc.ErrDialing, err)
		t.logger().Warn("dial failed", "error", err)
		t.handleDrop(nil, err)
		return err
	}

	t.mu.Lock()
	if t.closing || t.state != StateConnecting {
		t.mu.Unlock()
		conn.Close()
		return jsonrpc.ErrConnectionClosed
	}
	t.conn = conn
	t.connID = uuid.NewString()
	t.attempts = 0
	t.state = StateOpen
	queued := t.queue
	t.queue = nil
	for _, p := range queued {
		for _, id := range p.ids {
			t.pending[id] = p
		}
	}
	lg := t.lg.WithKV("connID", t.connID)
	t.mu.Unlock()

	go t.readLoop(conn, lg)
	for _, p := range queued {
		t.write(conn, p)
	}

	lg.Info("connected", "flushed", len(queued))
	t.emitState(StateEvent{State: StateOpen})
	return nil
}

// Close tears the connection down for good: no reconnection, every pending
// and queued request is rejected with ErrConnectionClosed.
func (t *DuplexTransport) Close() error {
	t.mu.Lock()
	if t.closing && t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	t.stopRetryLocked()
	conn := t.conn
	t.conn = nil
	inflight := t.takeAllLocked()
	queued := t.queue
	t.queue = nil
	t.state = StateClosed
	lg := t.lg
	t.mu.Unlock()

	t.reasm.Reset()
	rejectAll(inflight, jsonrpc.ErrConnectionClosed)
	rejectAll(queued, jsonrpc.ErrConnectionClosed)

	var err error
	if conn != nil {
		err = conn.Close()
	}
	lg.Info("closed", "rejected", len(inflight)+len(queued))
	t.emitState(StateEvent{State: StateClosed})
	return err
}

func (t *DuplexTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *DuplexTransport) IsConnected() bool {
	return t.State() == StateOpen
}

func (t *DuplexTransport) OnNotification(h func(*jsonrpc.Response)) func() {
	return t.notifications.Add(h)
}

func (t *DuplexTransport) OnStateChange(h func(StateEvent)) func() {
	return t.stateChanges.Add(h)
}

// Send writes req and waits for the reply with the same id.
func (t *DuplexTransport) Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", jsonrpc.ErrInvalidParams)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrMarshalingRequest, err)
	}

	res, err := t.roundTrip(ctx, newPendingCall([]jsonrpc.ID{req.ID}, payload))
	if err != nil {
		return nil, err
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("%w: %d replies to single request %d", jsonrpc.ErrInvalidResponse, len(res), req.ID)
	}
	return res[0], nil
}

// SendBatch writes reqs as one array. The reply array is matched to the
// batch through any id it contains.
func (t *DuplexTransport) SendBatch(ctx context.Context, reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	ids := make([]jsonrpc.ID, 0, len(reqs))
	for _, req := range reqs {
		if req == nil {
			return nil, fmt.Errorf("%w: nil request in batch", jsonrpc.ErrInvalidParams)
		}
		ids = append(ids, req.ID)
	}
	payload, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrMarshalingRequest, err)
	}
	return t.roundTrip(ctx, newPendingCall(ids, payload))
}

func (t *DuplexTransport) roundTrip(ctx context.Context, p *pendingCall) ([]*jsonrpc.Response, error) {
	t.mu.Lock()
	switch t.state {
	case StateOpen:
		for _, id := range p.ids {
			if _, exists := t.pending[id]; exists {
				t.mu.Unlock()
				return nil, fmt.Errorf("%w: %d", jsonrpc.ErrDuplicateRequestID, id)
			}
		}
		for _, id := range p.ids {
			t.pending[id] = p
		}
		conn := t.conn
		t.mu.Unlock()
		t.write(conn, p)
	case StateConnecting, StateReconnecting:
		t.queue = append(t.queue, p)
		t.mu.Unlock()
	default:
		state := t.state
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: transport is %s", jsonrpc.ErrNotConnected, state)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		t.abandon(p)
		p.resolve(nil, contextError(ctx))
	}
	return p.result()
}

func (t *DuplexTransport) write(conn StreamConn, p *pendingCall) {
	t.writeMu.Lock()
	err := conn.WriteChunk(p.payload)
	t.writeMu.Unlock()

	if err != nil {
		t.abandon(p)
		p.resolve(nil, fmt.Errorf("%w: %w", jsonrpc.ErrSendingRequest, err))
	}
}

// abandon forgets p wherever it is still referenced.
func (t *DuplexTransport) abandon(p *pendingCall) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range p.ids {
		if t.pending[id] == p {
			delete(t.pending, id)
		}
	}
	for i, q := range t.queue {
		if q == p {
			t.queue = append(t.queue[:i:i], t.queue[i+1:]...)
			break
		}
	}
}

func (t *DuplexTransport) readLoop(conn StreamConn, lg log.Logger) {
	for {
		chunk, err := conn.ReadChunk()
		if err != nil {
			lg.Debug("read loop exiting", "error", err)
			t.handleDrop(conn, err)
			return
		}
		for _, doc := range t.reasm.Feed(chunk) {
			t.dispatch(doc, lg)
		}
	}
}

func (t *DuplexTransport) dispatch(doc json.RawMessage, lg log.Logger) {
	doc = bytes.TrimSpace(doc)
	if len(doc) > 0 && doc[0] == '[' {
		var batch []*jsonrpc.Response
		if err := json.Unmarshal(doc, &batch); err != nil {
			lg.Warn("malformed batch reply", "error", err)
			t.cfg.Metrics.IncDropped("malformed")
			return
		}
		t.resolveBatch(batch, lg)
		return
	}

	var msg jsonrpc.Response
	if err := json.Unmarshal(doc, &msg); err != nil {
		lg.Warn("malformed message", "message", string(doc), "error", err)
		t.cfg.Metrics.IncDropped("malformed")
		return
	}
	if msg.IsNotification() {
		t.enqueueNotification(&msg)
		return
	}
	if msg.ID == nil {
		lg.Warn("reply without id", "message", string(doc))
		t.cfg.Metrics.IncDropped("missing_id")
		return
	}

	p := t.take(*msg.ID)
	if p == nil {
		lg.Warn("reply for unknown request", "id", *msg.ID)
		t.cfg.Metrics.IncDropped("unknown_id")
		return
	}
	p.resolve([]*jsonrpc.Response{&msg}, nil)
}

// enqueueNotification hands msg to the notification dispatcher, starting it
// when idle. Handlers may issue calls on this transport.
func (t *DuplexTransport) enqueueNotification(msg *jsonrpc.Response) {
	t.notifyMu.Lock()
	t.notifyQueue = append(t.notifyQueue, msg)
	if t.notifyRunning {
		t.notifyMu.Unlock()
		return
	}
	t.notifyRunning = true
	t.notifyMu.Unlock()

	go t.drainNotifications()
}

func (t *DuplexTransport) drainNotifications() {
	for {
		t.notifyMu.Lock()
		if len(t.notifyQueue) == 0 {
			t.notifyRunning = false
			t.notifyMu.Unlock()
			return
		}
		msg := t.notifyQueue[0]
		t.notifyQueue[0] = nil
		t.notifyQueue = t.notifyQueue[1:]
		t.notifyMu.Unlock()

		t.notifications.Emit(msg)
	}
}

func (t *DuplexTransport) resolveBatch(batch []*jsonrpc.Response, lg log.Logger) {
	for _, msg := range batch {
		if msg == nil || msg.ID == nil {
			continue
		}
		if p := t.take(*msg.ID); p != nil {
			p.resolve(batch, nil)
			return
		}
	}
	lg.Warn("batch reply matches no pending batch", "size", len(batch))
	t.cfg.Metrics.IncDropped("unknown_id")
}

// take removes and returns the entry registered for id together with every
// other id of that entry.
func (t *DuplexTransport) take(id jsonrpc.ID) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return nil
	}
	for _, other := range p.ids {
		if t.pending[other] == p {
			delete(t.pending, other)
		}
	}
	return p
}

func (t *DuplexTransport) takeAllLocked() []*pendingCall {
	seen := make(map[*pendingCall]struct{}, len(t.pending))
	out := make([]*pendingCall, 0, len(t.pending))
	for _, p := range t.pending {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	t.pending = make(map[jsonrpc.ID]*pendingCall)
	return out
}

// handleDrop runs when conn stops working or a dial fails (conn is nil).
func (t *DuplexTransport) handleDrop(conn StreamConn, cause error) {
	t.mu.Lock()
	if t.conn != conn || t.closing {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	inflight := t.takeAllLocked()

	next := StateErrored
	if cause == nil || t.isNormalClose(cause) {
		next = StateClosed
	}
	t.state = next

	retry := t.cfg.AutoReconnect
	terminal := false
	if retry {
		t.attempts++
		if t.cfg.MaxReconnectAttempts > 0 && t.attempts > t.cfg.MaxReconnectAttempts {
			retry, terminal = false, true
		}
	}
	attempt := t.attempts

	var queued []*pendingCall
	if retry {
		t.state = StateReconnecting
	} else {
		queued = t.queue
		t.queue = nil
	}
	lg := t.lg
	t.mu.Unlock()

	t.reasm.Reset()

	lostErr := jsonrpc.ErrConnectionLost
	if cause != nil {
		lostErr = fmt.Errorf("%w: %w", jsonrpc.ErrConnectionLost, cause)
	}
	rejectAll(inflight, lostErr)
	lg.Warn("connection dropped", "state", next, "error", cause, "rejected", len(inflight), "attempt", attempt)
	t.emitState(StateEvent{State: next, Err: cause, Attempt: attempt})

	switch {
	case retry:
		t.cfg.Metrics.IncReconnectAttempt(t.kind)
		t.emitState(StateEvent{State: StateReconnecting, Attempt: attempt})
		t.scheduleRetry()
	case terminal:
		termErr := fmt.Errorf("%w (%d): %w", jsonrpc.ErrMaxReconnectAttempts, t.cfg.MaxReconnectAttempts, lostErr)
		rejectAll(queued, termErr)
		lg.Error("giving up reconnecting", "attempts", t.cfg.MaxReconnectAttempts)
		t.emitState(StateEvent{State: StateErrored, Err: termErr, Attempt: attempt, Terminal: true})
	default:
		rejectAll(queued, lostErr)
	}
}

func (t *DuplexTransport) scheduleRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing || t.state != StateReconnecting {
		return
	}
	t.stopRetryLocked()
	t.retry = time.AfterFunc(t.cfg.ReconnectDelay, t.reconnect)
}

func (t *DuplexTransport) reconnect() {
	t.mu.Lock()
	if t.closing || t.state != StateReconnecting {
		t.mu.Unlock()
		return
	}
	t.retry = nil
	t.state = StateConnecting
	attempt := t.attempts
	t.mu.Unlock()

	t.emitState(StateEvent{State: StateConnecting, Attempt: attempt})
	_ = t.dialAndOpen(context.Background())
}

func (t *DuplexTransport) stopRetryLocked() {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
}

func (t *DuplexTransport) onReassemblyTimeout() {
	t.mu.Lock()
	inflight := t.takeAllLocked()
	lg := t.lg
	t.mu.Unlock()

	lg.Warn("discarding incomplete message", "rejected", len(inflight))
	t.cfg.Metrics.IncDropped("reassembly_timeout")
	rejectAll(inflight, jsonrpc.ErrReassemblyTimeout)
}

func (t *DuplexTransport) emitState(ev StateEvent) {
	t.cfg.Metrics.SetTransportState(t.kind, ev.State.String(), stateNames)
	t.stateChanges.Emit(ev)
}

func (t *DuplexTransport) logger() log.Logger {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lg
}

func rejectAll(calls []*pendingCall, err error) {
	for _, p := range calls {
		p.resolve(nil, err)
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
