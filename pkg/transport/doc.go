// Package transport moves JSON-RPC requests between a client and a
// blockchain node.
//
// # Transports
//
// Three kinds are provided:
//
//   - HTTPTransport posts every call or batch as its own request. It has no
//     connection state and cannot receive pushes.
//   - WebsocketTransport keeps one WebSocket connection open.
//   - IPCTransport keeps one local domain socket open.
//
// The two stream kinds share DuplexTransport, which multiplexes requests by
// id, reassembles documents split across deliveries, forwards server pushes
// to notification listeners and reconnects after a drop:
//
//	DISCONNECTED -> CONNECTING -> OPEN -> {CLOSED, ERRORED} -> RECONNECTING -> CONNECTING
//
// Requests sent while the connection is being (re)established are queued and
// written in order once it opens. Requests in flight when it drops are
// rejected with jsonrpc.ErrConnectionLost.
//
// # Endpoint autodetection
//
// Resolve accepts an endpoint string, an existing Transport or one of the
// legacy callback-style providers:
//
//	tr, err := transport.Resolve(ctx, "wss://node.example.org", transport.DefaultConfig)
//	if err != nil {
//	    return err
//	}
//	defer tr.Close()
//
// Bare filesystem paths become IPC transports only when Config carries a
// SocketConnector, for example DialUnix.
package transport
