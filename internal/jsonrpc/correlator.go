package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	wire "github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/calliope-edu/scratch-vm/internal/logger"
	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

// Handler serves calls initiated by the peer. The returned value is sent back
// as the result when the call carried an id.
type Handler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Option configures a Correlator.
type Option func(*Correlator)

// WithHandler sets the handler for peer-initiated calls.
func WithHandler(h Handler) Option {
	return func(c *Correlator) { c.handler = h }
}

// WithLogger sets the logger.
func WithLogger(l contracts.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

// WithCloseHandler registers a callback that runs once when the correlator shuts down.
func WithCloseHandler(fn func(err error)) Option {
	return func(c *Correlator) { c.onClose = fn }
}

// WithWriteTimeout bounds every transport write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.writeTimeout = d }
}

// Correlator pairs requests with responses over a Transport and dispatches
// peer-initiated calls. Responses may arrive in any order.
type Correlator struct {
	transport    contracts.Transport
	logger       contracts.Logger
	handler      Handler
	onClose      func(err error)
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   int64
	pending  map[wire.ID]*Pending
	closed   bool
	err      error
	closeErr error
	cancel   context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Correlator over t. Call Start to begin reading.
func New(t contracts.Transport, opts ...Option) *Correlator {
	c := &Correlator{
		transport:    t,
		pending:      make(map[wire.ID]*Pending),
		done:         make(chan struct{}),
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.NewNopLogger()
	}
	return c
}

// Start launches the read loop. Cancelling ctx shuts the correlator down.
func (c *Correlator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.readLoop(ctx)
}

// Done is closed once the correlator has shut down.
func (c *Correlator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown cause, or nil while running.
func (c *Correlator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending returns the number of requests awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send writes a request and returns its pending handle. Individual requests
// cannot be cancelled; only closing the correlator releases them early.
func (c *Correlator) Send(ctx context.Context, method string, params any) (*Pending, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	id := c.allocateID()
	p := newPending(id, method)
	c.pending[p.key] = p
	c.mu.Unlock()

	data, err := wire.EncodeMessage(&wire.Request{ID: p.key, Method: method, Params: raw})
	if err != nil {
		c.release(p.key)
		return nil, fmt.Errorf("encode request: %w", err)
	}

	c.logger.Debug("rpc request",
		c.logger.Field().Int64("id", id),
		c.logger.Field().String("method", method))

	if err := c.write(ctx, data); err != nil {
		c.shutdown(err)
		<-p.done
		return nil, p.err
	}
	return p, nil
}

// Call sends a request, waits for its response and decodes the result into out when out is non-nil.
func (c *Correlator) Call(ctx context.Context, method string, params, out any) error {
	p, err := c.Send(ctx, method, params)
	if err != nil {
		return err
	}
	result, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	if out != nil && len(result) > 0 {
		if err := json.Unmarshal(result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Notify sends a call that expects no response.
func (c *Correlator) Notify(ctx context.Context, method string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	data, err := wire.EncodeMessage(&wire.Request{Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := c.write(ctx, data); err != nil {
		c.shutdown(err)
		return c.Err()
	}
	return nil
}

// Close shuts the correlator down, closing the transport and rejecting every pending request.
func (c *Correlator) Close() error {
	c.shutdown(nil)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Correlator) allocateID() int64 {
	for {
		c.nextID++
		if c.nextID <= 0 {
			c.nextID = 1
		}
		if _, busy := c.pending[makeID(c.nextID)]; !busy {
			return c.nextID
		}
	}
}

func (c *Correlator) release(id wire.ID) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Correlator) write(ctx context.Context, data []byte) error {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteMessage(ctx, data)
}

func (c *Correlator) readLoop(ctx context.Context) {
	for {
		data, err := c.transport.ReadMessage(ctx)
		if err != nil {
			c.shutdown(err)
			return
		}
		c.dispatch(ctx, data)
	}
}

func (c *Correlator) dispatch(ctx context.Context, data []byte) {
	msg, err := wire.DecodeMessage(data)
	if err != nil {
		c.logger.Warn("dropping malformed rpc message", c.logger.Field().Error("error", err))
		return
	}

	switch m := msg.(type) {
	case *wire.Request:
		c.serve(ctx, m)
	case *wire.Response:
		c.resolve(m)
	default:
		c.logger.Debug("dropping unknown rpc message", c.logger.Field().String("type", fmt.Sprintf("%T", msg)))
	}
}

func (c *Correlator) resolve(resp *wire.Response) {
	if isNotification(resp.ID) {
		c.logger.Debug("dropping rpc response without id")
		return
	}
	p := c.release(resp.ID)
	if p == nil {
		c.logger.Debug("dropping response for unknown request", c.logger.Field().Any("id", resp.ID.Raw()))
		return
	}
	c.logger.Debug("rpc response",
		c.logger.Field().Int64("id", p.ID()),
		c.logger.Field().String("method", p.Method()))
	if resp.Error != nil {
		p.complete(nil, toError(resp.Error))
		return
	}
	result := resp.Result
	if result == nil {
		result = json.RawMessage("null")
	}
	p.complete(result, nil)
}

func (c *Correlator) serve(ctx context.Context, req *wire.Request) {
	var (
		result any
		err    error
	)
	if c.handler == nil {
		err = ErrMethodNotFound
	} else {
		result, err = c.handler(ctx, req.Method, req.Params)
	}

	if isNotification(req.ID) {
		if err != nil {
			c.logger.Debug("notification handler failed",
				c.logger.Field().String("method", req.Method),
				c.logger.Field().Error("error", err))
		}
		return
	}

	resp := &wire.Response{ID: req.ID}
	if err != nil {
		resp.Error = toError(err)
	} else {
		raw, encErr := encodeParams(result)
		switch {
		case encErr != nil:
			resp.Error = &Error{Code: InternalError, Message: encErr.Error()}
		case raw == nil:
			resp.Result = json.RawMessage("null")
		default:
			resp.Result = raw
		}
	}

	data, encErr := wire.EncodeMessage(resp)
	if encErr != nil {
		c.logger.Error("failed to encode rpc response", c.logger.Field().Error("error", encErr))
		return
	}
	if err := c.write(ctx, data); err != nil {
		c.shutdown(err)
	}
}

func (c *Correlator) shutdown(cause error) {
	c.closeOnce.Do(func() {
		err := ErrTransportClosed
		if cause != nil {
			err = fmt.Errorf("%w: %w", ErrTransportClosed, cause)
		}

		c.mu.Lock()
		c.closed = true
		c.err = err
		pending := c.pending
		c.pending = make(map[wire.ID]*Pending)
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		closeErr := c.transport.Close()

		c.mu.Lock()
		c.closeErr = closeErr
		c.mu.Unlock()

		for _, p := range pending {
			p.complete(nil, err)
		}
		if len(pending) > 0 {
			c.logger.Debug("rejected pending requests", c.logger.Field().Int("count", len(pending)))
		}

		close(c.done)
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}
