package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/transport"
)

// createNodeServer answers every request with "response_<method>". An
// eth_subscribe call is answered with id 0xabc followed by one notification.
func createNodeServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var req jsonrpc.Request
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}

			if req.Method == "eth_subscribe" {
				res, _ := jsonrpc.NewResult(req.ID, "0xabc")
				data, _ := json.Marshal(res)
				conn.WriteMessage(websocket.TextMessage, data)

				note, _ := jsonrpc.NewNotification("eth_subscription", "0xabc", map[string]string{"number": "0x1"})
				data, _ = json.Marshal(note)
				conn.WriteMessage(websocket.TextMessage, data)
				continue
			}
			if req.Method == "drop" {
				return
			}

			res, _ := jsonrpc.NewResult(req.ID, "response_"+req.Method)
			data, _ := json.Marshal(res)
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebsocketTransport_RoundTrip(t *testing.T) {
	t.Parallel()

	server := createNodeServer(t)
	defer server.Close()

	cfg := transport.DefaultWebsocketConfig
	cfg.AutoReconnect = false
	tr := transport.NewWebsocketTransport(wsURL(server), cfg)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	assert.True(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Connect(ctx), jsonrpc.ErrAlreadyConnected)

	req, err := jsonrpc.NewRequest(1, "eth_blockNumber")
	require.NoError(t, err)
	res, err := tr.Send(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.HasID(1))
	assert.JSONEq(t, `"response_eth_blockNumber"`, string(res.Result))

	r2, _ := jsonrpc.NewRequest(2, "eth_chainId")
	r3, _ := jsonrpc.NewRequest(3, "net_version")
	ch2 := make(chan error, 1)
	go func() {
		_, err := tr.Send(ctx, r2)
		ch2 <- err
	}()
	_, err = tr.Send(ctx, r3)
	require.NoError(t, err)
	require.NoError(t, <-ch2)
}

func TestWebsocketTransport_Notifications(t *testing.T) {
	t.Parallel()

	server := createNodeServer(t)
	defer server.Close()

	tr := transport.NewWebsocketTransport(wsURL(server), transport.DefaultWebsocketConfig)
	defer tr.Close()

	received := make(chan *jsonrpc.Response, 1)
	tr.OnNotification(func(msg *jsonrpc.Response) { received <- msg })

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	req, _ := jsonrpc.NewRequest(1, "eth_subscribe", "newHeads")
	res, err := tr.Send(ctx, req)
	require.NoError(t, err)
	assert.JSONEq(t, `"0xabc"`, string(res.Result))

	select {
	case msg := <-received:
		sr, err := msg.DecodeSubscription()
		require.NoError(t, err)
		assert.Equal(t, "0xabc", sr.Subscription)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}
}

func TestWebsocketTransport_ServerDropReconnects(t *testing.T) {
	t.Parallel()

	server := createNodeServer(t)
	defer server.Close()

	cfg := transport.DefaultWebsocketConfig
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	tr := transport.NewWebsocketTransport(wsURL(server), cfg)
	defer tr.Close()

	reopened := make(chan struct{}, 1)
	dropped := make(chan struct{}, 1)
	tr.OnStateChange(func(ev transport.StateEvent) {
		switch ev.State {
		case transport.StateReconnecting:
			select {
			case dropped <- struct{}{}:
			default:
			}
		case transport.StateOpen:
			select {
			case reopened <- struct{}{}:
			default:
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))

	req, _ := jsonrpc.NewRequest(1, "drop")
	_, err := tr.Send(ctx, req)
	assert.ErrorIs(t, err, jsonrpc.ErrConnectionLost)

	select {
	case <-dropped:
	case <-ctx.Done():
		t.Fatal("no reconnect scheduled")
	}
	select {
	case <-reopened:
	case <-ctx.Done():
		t.Fatal("connection not reopened")
	}

	req, _ = jsonrpc.NewRequest(2, "eth_chainId")
	res, err := tr.Send(ctx, req)
	require.NoError(t, err)
	assert.JSONEq(t, `"response_eth_chainId"`, string(res.Result))
}

func TestWebsocketTransport_DialFailure(t *testing.T) {
	t.Parallel()

	cfg := transport.DefaultWebsocketConfig
	cfg.AutoReconnect = false
	tr := transport.NewWebsocketTransport("ws://127.0.0.1:1", cfg)

	err := tr.Connect(context.Background())
	assert.ErrorIs(t, err, jsonrpc.ErrDialing)
	assert.Equal(t, transport.StateErrored, tr.State())
	assert.False(t, tr.IsConnected())
}
