package jsonrpc

import (
	"context"
	"encoding/json"
	"sync"

	wire "github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Pending is a request awaiting its response. It completes exactly once.
type Pending struct {
	id     int64
	key    wire.ID
	method string

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newPending(id int64, method string) *Pending {
	return &Pending{id: id, key: makeID(id), method: method, done: make(chan struct{})}
}

// ID returns the request id.
func (p *Pending) ID() int64 { return p.id }

// Method returns the request method.
func (p *Pending) Method() string { return p.method }

// Done is closed when the request resolves or is rejected.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the request completes or ctx ends. Giving up on ctx does
// not release the request; it still completes when the response or close arrives.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) complete(result json.RawMessage, err error) bool {
	completed := false
	p.once.Do(func() {
		p.result = result
		p.err = err
		completed = true
		close(p.done)
	})
	return completed
}
