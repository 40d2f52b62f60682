package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

// ErrPipeClosed is returned by a pipe end after either end was closed.
var ErrPipeClosed = errors.New("pipe closed")

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

// PipeEnd is one side of an in-memory transport pair.
type PipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

var _ contracts.Transport = (*PipeEnd)(nil)

// Pipe returns two connected in-memory transports. Closing either end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	st := &pipeState{closed: make(chan struct{})}
	return &PipeEnd{in: a, out: b, state: st}, &PipeEnd{in: b, out: a, state: st}
}

// ReadMessage returns the next message written by the other end.
func (p *PipeEnd) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-p.state.closed:
		return nil, ErrPipeClosed
	default:
	}
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.closed:
		return nil, ErrPipeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteMessage queues a copy of data for the other end.
func (p *PipeEnd) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-p.state.closed:
		return ErrPipeClosed
	default:
	}
	msg := append([]byte(nil), data...)
	select {
	case p.out <- msg:
		return nil
	case <-p.state.closed:
		return ErrPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.closed) })
	return nil
}
