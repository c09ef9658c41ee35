package transport

import (
	"context"
	"net"
)

const ipcReadBufferSize = 64 * 1024

// SocketConnector opens a local stream socket. Supplying one enables bare
// filesystem paths as endpoints.
type SocketConnector func(ctx context.Context, path string) (net.Conn, error)

// DialUnix connects to a unix domain socket.
func DialUnix(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}

// IPCTransport is a DuplexTransport over a local domain socket, as exposed
// by geth-style nodes through their .ipc file.
type IPCTransport struct {
	*DuplexTransport
	path string
}

var _ Duplex = (*IPCTransport)(nil)

// NewIPCTransport returns a disconnected transport for the socket at path.
// connect defaults to DialUnix.
func NewIPCTransport(path string, cfg DuplexConfig, connect SocketConnector) *IPCTransport {
	if connect == nil {
		connect = DialUnix
	}
	dial := func(ctx context.Context) (StreamConn, error) {
		conn, err := connect(ctx, path)
		if err != nil {
			return nil, err
		}
		return &ipcConn{conn: conn, buf: make([]byte, ipcReadBufferSize)}, nil
	}
	return &IPCTransport{
		DuplexTransport: NewDuplexTransport("ipc", dial, cfg),
		path:            path,
	}
}

// Path returns the socket path.
func (t *IPCTransport) Path() string {
	return t.path
}

// ipcConn hands raw socket reads to the reassembler; a read may end in the
// middle of a document.
type ipcConn struct {
	conn net.Conn
	buf  []byte
}

func (c *ipcConn) ReadChunk() ([]byte, error) {
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, c.buf[:n])
		return chunk, nil
	}
	return nil, err
}

func (c *ipcConn) WriteChunk(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

func (c *ipcConn) Close() error {
	return c.conn.Close()
}
