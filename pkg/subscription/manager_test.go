package subscription_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/metrics"
	"github.com/erc7824/nitrolite/chainrpc/pkg/rpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/subscription"
	"github.com/erc7824/nitrolite/chainrpc/pkg/transport"
	"github.com/erc7824/nitrolite/chainrpc/pkg/transport/transporttest"
)

// handOutIDs answers eth_subscribe with the given ids in turn.
func handOutIDs(stub *transporttest.Stub, ids ...string) {
	var n atomic.Int32
	stub.Handle("eth_subscribe", func(req *jsonrpc.Request) (*jsonrpc.Response, error) {
		i := int(n.Add(1)) - 1
		if i >= len(ids) {
			return jsonrpc.NewErrorResponse(req.ID, -32000, "too many subscriptions"), nil
		}
		return jsonrpc.NewResult(req.ID, ids[i])
	})
}

func setup(t *testing.T, stub *transporttest.Stub, cfg subscription.Config) (*rpc.RequestManager, *subscription.Manager) {
	t.Helper()
	rm, err := rpc.NewRequestManager(context.Background(), stub, rpc.DefaultConfig)
	require.NoError(t, err)
	return rm, subscription.NewManager(context.Background(), rm, cfg)
}

type recorder struct {
	mu   sync.Mutex
	msgs []subscription.Message
}

func (r *recorder) record(msg subscription.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) get() []subscription.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]subscription.Message(nil), r.msgs...)
}

func TestManager_RoutesByID(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	cfg := subscription.DefaultConfig
	cfg.Metrics = m

	stub := transporttest.NewStub()
	handOutIDs(stub, "0xabc", "0xdef")
	_, subs := setup(t, stub, cfg)
	ctx := context.Background()

	heads, err := subs.Subscribe(ctx, "newHeads")
	require.NoError(t, err)
	logs, err := subs.Subscribe(ctx, "logs", map[string]any{"address": "0x1"})
	require.NoError(t, err)

	assert.Equal(t, "0xabc", heads.ID())
	assert.Equal(t, "0xdef", logs.ID())
	assert.Equal(t, subscription.StateActive, heads.State())

	var headMsgs, logMsgs recorder
	heads.On(subscription.EventData, headMsgs.record)
	logs.On(subscription.EventData, logMsgs.record)

	require.NoError(t, stub.Notify("eth_subscription", "0xabc", map[string]string{"number": "0x1"}))
	require.NoError(t, stub.Notify("eth_subscription", "0xdef", "log"))
	require.NoError(t, stub.Notify("eth_subscription", "0x999", "stray"))

	require.Len(t, headMsgs.get(), 1)
	require.Len(t, logMsgs.get(), 1)
	assert.Equal(t, "0xabc", headMsgs.get()[0].Subscription)
	assert.JSONEq(t, `{"number":"0x1"}`, string(headMsgs.get()[0].Data))
	assert.JSONEq(t, `"log"`, string(logMsgs.get()[0].Data))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedMessages.WithLabelValues("unknown_subscription")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveSubscriptions))

	reqs := stub.Requests()
	require.Len(t, reqs, 2)
	var kind string
	require.NoError(t, reqs[1].Params.Translate(0, &kind))
	assert.Equal(t, "logs", kind)
	assert.Len(t, reqs[1].Params, 2)
}

func TestManager_HandlersRunInOrder(t *testing.T) {
	t.Parallel()

	stub := transporttest.NewStub()
	handOutIDs(stub, "0x1")
	_, subs := setup(t, stub, subscription.DefaultConfig)

	s := subs.NewSubscription("newHeads")
	var order []string
	s.On(subscription.EventConnected, func(msg subscription.Message) {
		order = append(order, "connected:"+msg.Subscription)
	})
	s.On(subscription.EventData, func(subscription.Message) { order = append(order, "first") })
	remove := s.On(subscription.EventData, func(subscription.Message) { order = append(order, "second") })
	s.On(subscription.EventData, func(subscription.Message) { order = append(order, "third") })

	require.NoError(t, s.Resubscribe(context.Background()))
	require.NoError(t, stub.Notify("eth_subscription", "0x1", 1))
	remove()
	require.NoError(t, stub.Notify("eth_subscription", "0x1", 2))

	assert.Equal(t, []string{"connected:0x1", "first", "second", "third", "first", "third"}, order)
}

func TestManager_DuplicateID(t *testing.T) {
	t.Parallel()

	stub := transporttest.NewStub()
	handOutIDs(stub, "0xabc", "0xabc")
	_, subs := setup(t, stub, subscription.DefaultConfig)
	ctx := context.Background()

	first, err := subs.Subscribe(ctx, "newHeads")
	require.NoError(t, err)

	second := subs.NewSubscription("newHeads")
	err = second.Resubscribe(ctx)
	assert.ErrorIs(t, err, jsonrpc.ErrDuplicateSubscription)
	assert.ErrorIs(t, err, jsonrpc.ErrProtocol)
	assert.Equal(t, subscription.StateUnsubscribed, second.State())

	var got recorder
	first.On(subscription.EventData, got.record)
	require.NoError(t, stub.Notify("eth_subscription", "0xabc", "x"))
	assert.Len(t, got.get(), 1)
	assert.Len(t, subs.Subscriptions(), 1)
}

func TestManager_SubscribeFailure(t *testing.T) {
	t.Parallel()

	stub := transporttest.NewStub()
	stub.Handle("eth_subscribe", func(req *jsonrpc.Request) (*jsonrpc.Response, error) {
		return jsonrpc.NewErrorResponse(req.ID, -32602, "unknown kind"), nil
	})
	_, subs := setup(t, stub, subscription.DefaultConfig)

	s := subs.NewSubscription("bogus")
	err := s.Resubscribe(context.Background())
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, subscription.StateUnsubscribed, s.State())
	assert.Empty(t, s.ID())

	stub.HandleResult("eth_subscribe", 42)
	err = s.Resubscribe(context.Background())
	assert.ErrorIs(t, err, jsonrpc.ErrInvalidResponse)
}

func TestManager_NotSupported(t *testing.T) {
	t.Parallel()

	stub := transporttest.NewStub()
	rm, err := rpc.NewRequestManager(context.Background(), stub.RequestOnly(), rpc.DefaultConfig)
	require.NoError(t, err)
	subs := subscription.NewManager(context.Background(), rm, subscription.DefaultConfig)

	assert.False(t, subs.SupportsSubscriptions())
	_, err = subs.Subscribe(context.Background(), "newHeads")
	assert.ErrorIs(t, err, jsonrpc.ErrSubscriptionsNotSupported)
	assert.ErrorIs(t, err, jsonrpc.ErrCapability)
	assert.Empty(t, stub.Requests())
}

func TestManager_Unsubscribe(t *testing.T) {
	t.Parallel()

	stub := transporttest.NewStub()
	handOutIDs(stub, "0xabc")
	_, subs := setup(t, stub, subscription.DefaultConfig)
	ctx := context.Background()

	s, err := subs.Subscribe(ctx, "newHeads")
	require.NoError(t, err)

	stub.Handle("eth_unsubscribe", func(req *jsonrpc.Request) (*jsonrpc.Response, error) {
		return nil, fmt.Errorf("%w: reset", jsonrpc.ErrConnectionLost)
	})
	require.Error(t, s.Unsubscribe(ctx))
	assert.Equal(t, subscription.StateActive, s.State(), "failed unsubscribe keeps the subscription")
	assert.Equal(t, "0xabc", s.ID())

	stub.Handle("eth_unsubscribe", func(req *jsonrpc.Request) (*jsonrpc.Response, error) {
		var id string
		require.NoError(t, req.Params.Translate(0, &id))
		assert.Equal(t, "0xabc", id)
		return jsonrpc.NewResult(req.ID, true)
	})
	require.NoError(t, s.Unsubscribe(ctx))
	assert.Equal(t, subscription.StateUnsubscribed, s.State())
	assert.Empty(t, subs.Subscriptions())

	var got recorder
	s.On(subscription.EventData, got.record)
	require.NoError(t, stub.Notify("eth_subscription", "0xabc", "late"))
	assert.Empty(t, got.get())

	require.NoError(t, s.Unsubscribe(ctx), "unsubscribing an inactive subscription is a no-op")
	assert.Equal(t, 2, stub.Calls("eth_unsubscribe"))
}

func TestManager_NoDataWhileUnsubscribing(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	cfg := subscription.DefaultConfig
	cfg.Metrics = metrics.NewMetricsWithRegistry(reg)

	stub := transporttest.NewStub()
	handOutIDs(stub, "0xabc")
	_, subs := setup(t, stub, cfg)
	ctx := context.Background()

	s, err := subs.Subscribe(ctx, "newHeads")
	require.NoError(t, err)
	var got recorder
	s.On(subscription.EventData, got.record)

	entered := make(chan struct{})
	release := make(chan struct{})
	stub.Handle("eth_unsubscribe", func(req *jsonrpc.Request) (*jsonrpc.Response, error) {
		close(entered)
		<-release
		return nil, errors.New("node went away")
	})

	done := make(chan error, 1)
	go func() { done <- s.Unsubscribe(ctx) }()
	<-entered
	assert.Equal(t, subscription.StateUnsubscribing, s.State())

	require.NoError(t, stub.Notify("eth_subscription", "0xabc", "during"))
	assert.Empty(t, got.get())
	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.DroppedMessages.WithLabelValues("inactive_subscription")))

	close(release)
	require.Error(t, <-done)
	assert.Equal(t, subscription.StateActive, s.State())

	require.NoError(t, stub.Notify("eth_subscription", "0xabc", "after"))
	require.Len(t, got.get(), 1)
	assert.JSONEq(t, `"after"`, string(got.get()[0].Data))
}

func TestManager_UnsubscribeAll(t *testing.T) {
	t.Parallel()

	stub := transporttest.NewStub()
	handOutIDs(stub, "0x1", "0x2", "0x3")
	_, subs := setup(t, stub, subscription.DefaultConfig)
	ctx := context.Background()

	heads, _ := subs.Subscribe(ctx, "newHeads")
	logsA, _ := subs.Subscribe(ctx, "logs")
	logsB, _ := subs.Subscribe(ctx, "logs")

	stub.Handle("eth_unsubscribe", func(req *jsonrpc.Request) (*jsonrpc.Response, error) {
		return jsonrpc.NewErrorResponse(req.ID, -32000, "busy"), nil
	})
	err := subs.UnsubscribeAll(ctx, func(s *subscription.Subscription) bool { return s.Kind() == "logs" })
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, 2, stub.Calls("eth_unsubscribe"))

	stub.HandleResult("eth_unsubscribe", true)
	require.NoError(t, subs.UnsubscribeAll(ctx, func(s *subscription.Subscription) bool { return s.Kind() == "logs" }))
	assert.Equal(t, subscription.StateActive, heads.State())
	assert.Equal(t, subscription.StateUnsubscribed, logsA.State())
	assert.Equal(t, subscription.StateUnsubscribed, logsB.State())

	require.NoError(t, subs.Close(ctx))
	assert.Equal(t, subscription.StateUnsubscribed, heads.State())
}

func TestManager_ProviderChange(t *testing.T) {
	t.Parallel()

	first := transporttest.NewStub()
	handOutIDs(first, "0xabc")
	first.Handle("eth_unsubscribe", func(req *jsonrpc.Request) (*jsonrpc.Response, error) {
		return nil, errors.New("node gone")
	})
	rm, subs := setup(t, first, subscription.DefaultConfig)

	s, err := subs.Subscribe(context.Background(), "newHeads")
	require.NoError(t, err)

	second := transporttest.NewStub()
	require.NoError(t, rm.SetProvider(context.Background(), second))

	assert.Equal(t, 1, first.Calls("eth_unsubscribe"), "best-effort unsubscribe on the old provider")
	assert.Equal(t, subscription.StateUnsubscribed, s.State())
	assert.Empty(t, subs.Subscriptions())

	var got recorder
	s.On(subscription.EventData, got.record)
	require.NoError(t, second.Notify("eth_subscription", "0xabc", "x"))
	assert.Empty(t, got.get())

	handOutIDs(second, "0x77")
	require.NoError(t, s.Resubscribe(context.Background()))
	assert.Equal(t, "0x77", s.ID())
}

func TestManager_ConnectionLossAndResubscribe(t *testing.T) {
	t.Parallel()

	stub := transporttest.NewStub()
	handOutIDs(stub, "0xabc", "0xdef")
	_, subs := setup(t, stub, subscription.DefaultConfig)

	s, err := subs.Subscribe(context.Background(), "newHeads")
	require.NoError(t, err)

	var errs, connected recorder
	s.On(subscription.EventError, errs.record)
	s.On(subscription.EventConnected, connected.record)

	stub.SetState(transport.StateEvent{State: transport.StateErrored, Err: errors.New("abnormal closure")})
	require.Len(t, errs.get(), 1)
	assert.ErrorIs(t, errs.get()[0].Err, jsonrpc.ErrConnectionLost)
	assert.Equal(t, subscription.StateUnsubscribed, s.State())

	stub.SetState(transport.StateEvent{State: transport.StateReconnecting, Attempt: 1})
	stub.SetState(transport.StateEvent{State: transport.StateOpen})

	require.Eventually(t, func() bool { return s.State() == subscription.StateActive }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "0xdef", s.ID())
	require.Len(t, connected.get(), 1)
	assert.Equal(t, "0xdef", connected.get()[0].Subscription)
}

func TestManager_TerminalFailure(t *testing.T) {
	t.Parallel()

	stub := transporttest.NewStub()
	handOutIDs(stub, "0xabc")
	_, subs := setup(t, stub, subscription.DefaultConfig)

	s, err := subs.Subscribe(context.Background(), "newHeads")
	require.NoError(t, err)

	var errs recorder
	s.On(subscription.EventError, errs.record)

	stub.SetState(transport.StateEvent{State: transport.StateErrored, Err: jsonrpc.ErrConnectionLost, Attempt: 6})
	stub.SetState(transport.StateEvent{State: transport.StateErrored, Err: jsonrpc.ErrMaxReconnectAttempts, Terminal: true})
	stub.SetState(transport.StateEvent{State: transport.StateOpen})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, subscription.StateUnsubscribed, s.State())
	assert.Equal(t, 1, stub.Calls("eth_subscribe"), "no resubscribe after a terminal failure")
	require.NotEmpty(t, errs.get())
}

func TestSubscription_Decode(t *testing.T) {
	t.Parallel()

	stub := transporttest.NewStub()
	_, subs := setup(t, stub, subscription.DefaultConfig)
	s := subs.NewSubscription("newHeads")

	var h rpc.Header
	require.NoError(t, s.Decode([]byte(`{"number":"0x10"}`), &h))
	assert.Equal(t, uint64(16), uint64(h.Number))

	assert.ErrorIs(t, s.Decode([]byte(`{"number":16}`), &h), jsonrpc.ErrUnmarshalingResult)
}
