package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketConfig configures a WebsocketTransport.
type WebsocketConfig struct {
	DuplexConfig

	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration
	// PingInterval is how often a ping control frame is sent. A failed ping
	// closes the connection. Zero disables pings.
	PingInterval time.Duration
	// Header is sent with the handshake request, for example for auth tokens.
	Header http.Header
	// ReadLimit caps the size of one inbound message. Zero means no limit.
	ReadLimit int64
	// EnableCompression negotiates per-message deflate.
	EnableCompression bool
}

// DefaultWebsocketConfig provides defaults suitable for public nodes.
var DefaultWebsocketConfig = WebsocketConfig{
	DuplexConfig:      DefaultDuplexConfig,
	HandshakeTimeout:  5 * time.Second,
	PingInterval:      30 * time.Second,
	EnableCompression: true,
}

// WebsocketTransport is a DuplexTransport over a WebSocket connection.
type WebsocketTransport struct {
	*DuplexTransport
	url string
}

var _ Duplex = (*WebsocketTransport)(nil)

// NewWebsocketTransport returns a disconnected transport for a ws:// or
// wss:// url. Call Connect before sending.
func NewWebsocketTransport(url string, cfg WebsocketConfig) *WebsocketTransport {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		EnableCompression: cfg.EnableCompression,
	}

	dial := func(ctx context.Context) (StreamConn, error) {
		conn, resp, err := dialer.DialContext(ctx, url, cfg.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		if cfg.ReadLimit > 0 {
			conn.SetReadLimit(cfg.ReadLimit)
		}
		return newWebsocketConn(conn, cfg.PingInterval), nil
	}

	t := &WebsocketTransport{
		DuplexTransport: NewDuplexTransport("ws", dial, cfg.DuplexConfig),
		url:             url,
	}
	t.isNormalClose = isNormalWebsocketClose
	return t
}

// URL returns the endpoint the transport dials.
func (t *WebsocketTransport) URL() string {
	return t.url
}

func isNormalWebsocketClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed)
}

type websocketConn struct {
	conn      *websocket.Conn
	stop      chan struct{}
	closeOnce sync.Once
}

func newWebsocketConn(conn *websocket.Conn, pingInterval time.Duration) *websocketConn {
	c := &websocketConn{conn: conn, stop: make(chan struct{})}
	if pingInterval > 0 {
		go c.pingPeriodically(pingInterval)
	}
	return c
}

func (c *websocketConn) ReadChunk() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *websocketConn) WriteChunk(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure frame and closes the socket. Safe to call
// more than once.
func (c *websocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *websocketConn) pingPeriodically(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				// Unblocks ReadChunk, which reports the drop.
				c.conn.Close()
				return
			}
		}
	}
}
