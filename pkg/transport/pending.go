package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
)

// pendingCall is one admitted write awaiting its reply. A batch registers
// every request id against the same entry.
type pendingCall struct {
	ids     []jsonrpc.ID
	payload []byte

	once sync.Once
	done chan struct{}
	res  []*jsonrpc.Response
	err  error
}

func newPendingCall(ids []jsonrpc.ID, payload []byte) *pendingCall {
	return &pendingCall{ids: ids, payload: payload, done: make(chan struct{})}
}

// resolve settles the entry. Only the first call has any effect.
func (p *pendingCall) resolve(res []*jsonrpc.Response, err error) {
	p.once.Do(func() {
		p.res = res
		p.err = err
		close(p.done)
	})
}

// result returns the settled outcome. It must only be called after done is closed.
func (p *pendingCall) result() ([]*jsonrpc.Response, error) {
	<-p.done
	return p.res, p.err
}

// contextError maps a finished caller context to the transport taxonomy.
func contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", jsonrpc.ErrRequestTimeout, err)
	}
	return fmt.Errorf("%w: %w", jsonrpc.ErrRequestAborted, err)
}
