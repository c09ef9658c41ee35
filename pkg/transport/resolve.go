package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
	"github.com/erc7824/nitrolite/chainrpc/pkg/log"
)

// Config carries the per-kind settings used when a transport is created
// from an endpoint string.
type Config struct {
	HTTP      HTTPConfig
	Websocket WebsocketConfig
	IPC       DuplexConfig
	// SocketConnector enables bare socket paths as endpoints.
	SocketConnector SocketConnector
}

// DefaultConfig leaves socket paths disabled.
var DefaultConfig = Config{
	HTTP:      DefaultHTTPConfig,
	Websocket: DefaultWebsocketConfig,
	IPC:       DefaultDuplexConfig,
}

// Resolve turns a provider descriptor into a Transport. A descriptor is an
// endpoint string, an existing Transport, or a legacy provider
// (LegacyRequester, LegacySender or AsyncSender).
func Resolve(ctx context.Context, descriptor any, cfg Config) (Transport, error) {
	switch d := descriptor.(type) {
	case nil:
		return nil, jsonrpc.ErrNoProvider
	case string:
		return FromEndpoint(ctx, d, cfg)
	case Transport:
		return d, nil
	case LegacyRequester:
		return NewRequestAdapter(d), nil
	case LegacySender:
		return NewSendAdapter(d), nil
	case AsyncSender:
		return NewAsyncAdapter(d), nil
	default:
		return nil, fmt.Errorf("%w: %T", jsonrpc.ErrUnsupportedProvider, descriptor)
	}
}

// FromEndpoint selects the transport kind from the endpoint scheme:
// http(s) gives HTTP and ws(s) gives WebSocket. Anything else gives IPC when
// cfg has a SocketConnector: ipc:// and unix:// are stripped, other endpoints
// are passed to the connector unchanged. Duplex transports are connected
// before returning.
func FromEndpoint(ctx context.Context, endpoint string, cfg Config) (Transport, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: empty endpoint", jsonrpc.ErrUnsupportedEndpoint)
	}

	scheme, rest := "", endpoint
	if i := strings.Index(endpoint, "://"); i > 0 {
		scheme, rest = strings.ToLower(endpoint[:i]), endpoint[i+3:]
	}

	switch scheme {
	case "http", "https":
		return NewHTTPTransport(endpoint, cfg.HTTP), nil
	case "ws", "wss":
		t := NewWebsocketTransport(endpoint, cfg.Websocket)
		return connect(ctx, t.DuplexTransport, t)
	case "", "ipc", "unix":
		if cfg.SocketConnector == nil {
			return nil, fmt.Errorf("%w: %q requires a socket connector", jsonrpc.ErrUnsupportedEndpoint, endpoint)
		}
		t := NewIPCTransport(rest, cfg.IPC, cfg.SocketConnector)
		return connect(ctx, t.DuplexTransport, t)
	default:
		if cfg.SocketConnector == nil {
			return nil, fmt.Errorf("%w: scheme %q", jsonrpc.ErrUnsupportedEndpoint, scheme)
		}
		t := NewIPCTransport(endpoint, cfg.IPC, cfg.SocketConnector)
		return connect(ctx, t.DuplexTransport, t)
	}
}

// connect opens d. A failed first dial is tolerated when a retry is
// already scheduled; requests queue until it succeeds.
func connect(ctx context.Context, d *DuplexTransport, t Transport) (Transport, error) {
	err := d.Connect(ctx)
	if err == nil {
		return t, nil
	}
	if d.State() == StateReconnecting && !errors.Is(err, jsonrpc.ErrAlreadyConnected) {
		log.FromContext(ctx).Warn("initial dial failed, retry scheduled", "error", err)
		return t, nil
	}
	return nil, err
}
