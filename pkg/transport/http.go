package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
)

const maxHTTPResponseSize = 32 * 1024 * 1024

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// Timeout bounds one POST including reading the body.
	Timeout time.Duration
	// Header is added to every request.
	Header http.Header
	// Client overrides the HTTP client. Timeout is ignored when set.
	Client *http.Client
}

// DefaultHTTPConfig uses a 30 second request timeout.
var DefaultHTTPConfig = HTTPConfig{
	Timeout: 30 * time.Second,
}

// HTTPTransport posts every call or batch as its own request. It has no
// connection state and cannot receive pushes.
type HTTPTransport struct {
	url    string
	client *http.Client
	header http.Header
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(url string, cfg HTTPConfig) *HTTPTransport {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPTransport{url: url, client: client, header: cfg.Header}
}

// URL returns the endpoint requests are posted to.
func (t *HTTPTransport) URL() string {
	return t.url
}

func (t *HTTPTransport) Send(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", jsonrpc.ErrInvalidParams)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrMarshalingRequest, err)
	}

	data, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var res jsonrpc.Response
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrMalformedBody, err)
	}
	return &res, nil
}

// SendBatch posts reqs as one array. A node that rejects the whole batch
// answers with a single error object, returned as *jsonrpc.Error.
func (t *HTTPTransport) SendBatch(ctx context.Context, reqs []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrMarshalingRequest, err)
	}

	data, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var single jsonrpc.Response
		if err := json.Unmarshal(data, &single); err == nil && single.Error != nil {
			return nil, single.Error
		}
		return nil, fmt.Errorf("%w: expected array for batch", jsonrpc.ErrMalformedBody)
	}

	var res []*jsonrpc.Response
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrMalformedBody, err)
	}
	return res, nil
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrUnsupportedEndpoint, err)
	}
	for k, vs := range t.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %w", jsonrpc.ErrRequestTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrSendingRequest, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", jsonrpc.ErrMalformedBody, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %d %s", jsonrpc.ErrHTTPStatus, resp.StatusCode, truncate(data, 256))
	}
	return data, nil
}

// Close drops idle keep-alive connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
