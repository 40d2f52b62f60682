package peripheral

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/calliope-edu/scratch-vm/internal/jsonrpc"
	"github.com/calliope-edu/scratch-vm/internal/logger"
	"github.com/calliope-edu/scratch-vm/internal/transport"
	"github.com/calliope-edu/scratch-vm/sdk/contracts"
	"github.com/stretchr/testify/require"
)

// wire mirrors the JSON-RPC envelope as seen by the bridge process.
type wire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
}

type fakeHandler func(params json.RawMessage) (any, *jsonrpc.Error)

// fakeProcess plays the bridge process over in-memory pipes.
type fakeProcess struct {
	t *testing.T

	mu       sync.Mutex
	handlers map[string]fakeHandler
	remote   *transport.PipeEnd
	dials    int
	requests []wire
	nextID   int64

	replies chan wire
}

func newFakeProcess(t *testing.T) *fakeProcess {
	return &fakeProcess{
		t:        t,
		handlers: make(map[string]fakeHandler),
		replies:  make(chan wire, 16),
	}
}

func (f *fakeProcess) handle(method string, h fakeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeProcess) dialer() contracts.Dialer {
	return func(_ context.Context, _ string) (contracts.Transport, error) {
		local, remote := transport.Pipe()
		f.mu.Lock()
		f.remote = remote
		f.dials++
		f.mu.Unlock()
		go f.serve(remote)
		return local, nil
	}
}

func (f *fakeProcess) serve(remote *transport.PipeEnd) {
	for {
		data, err := remote.ReadMessage(context.Background())
		if err != nil {
			return
		}
		var msg wire
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Method == "" {
			f.replies <- msg
			continue
		}

		f.mu.Lock()
		f.requests = append(f.requests, msg)
		h := f.handlers[msg.Method]
		f.mu.Unlock()

		if msg.ID == nil {
			continue
		}
		resp := wire{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage("null")}
		if h != nil {
			result, rpcErr := h(msg.Params)
			if rpcErr != nil {
				resp.Result = nil
				resp.Error = rpcErr
			} else if result != nil {
				raw, _ := json.Marshal(result)
				resp.Result = raw
			}
		}
		out, _ := json.Marshal(resp)
		_ = remote.WriteMessage(context.Background(), out)
	}
}

// call sends a peer-initiated call; a non-nil id expects a reply on f.replies.
func (f *fakeProcess) call(method string, params any, withID bool) {
	f.t.Helper()
	f.mu.Lock()
	remote := f.remote
	msg := wire{JSONRPC: "2.0", Method: method}
	if withID {
		f.nextID++
		id := f.nextID
		msg.ID = &id
	}
	f.mu.Unlock()
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(f.t, err)
		msg.Params = raw
	}
	data, _ := json.Marshal(msg)
	require.NoError(f.t, remote.WriteMessage(context.Background(), data))
}

func (f *fakeProcess) discover(rec contracts.PeripheralRecord) {
	f.call("didDiscoverPeripheral", rec, false)
}

// drop closes the current transport from the bridge process side.
func (f *fakeProcess) drop() {
	f.mu.Lock()
	remote := f.remote
	f.mu.Unlock()
	require.NoError(f.t, remote.Close())
}

func (f *fakeProcess) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.Method)
	}
	return out
}

func (f *fakeProcess) requestsFor(method string) []wire {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire
	for _, r := range f.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeProcess) count(method string) int {
	return len(f.requestsFor(method))
}

// recorded is a copy of the events seen by a recorder.
type recorded struct {
	lists        []map[string]contracts.PeripheralRecord
	connected    int
	disconnected int
	lost         []contracts.ErrorEvent
	requestErrs  []contracts.ErrorEvent
	timeouts     int
}

// recorder captures runtime events.
type recorder struct {
	mu sync.Mutex
	ev recorded
}

func (r *recorder) PeripheralListUpdate(_ string, p map[string]contracts.PeripheralRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.lists = append(r.ev.lists, p)
}

func (r *recorder) PeripheralConnected(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.connected++
}

func (r *recorder) PeripheralDisconnected(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.disconnected++
}

func (r *recorder) PeripheralConnectionLostError(e contracts.ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.lost = append(r.ev.lost, e)
}

func (r *recorder) PeripheralRequestError(e contracts.ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.requestErrs = append(r.ev.requestErrs, e)
}

func (r *recorder) PeripheralScanTimeout(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.timeouts++
}

func (r *recorder) snapshot() recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorded{
		lists:        append([]map[string]contracts.PeripheralRecord(nil), r.ev.lists...),
		connected:    r.ev.connected,
		disconnected: r.ev.disconnected,
		lost:         append([]contracts.ErrorEvent(nil), r.ev.lost...),
		requestErrs:  append([]contracts.ErrorEvent(nil), r.ev.requestErrs...),
		timeouts:     r.ev.timeouts,
	}
}

func testOptions(fp *fakeProcess, events contracts.RuntimeEvents, extra ...contracts.Option) *contracts.BridgeOptions {
	opts := &contracts.BridgeOptions{
		Logger:      logger.NewNopLogger(),
		ExtensionID: "test",
		URL:         "ws://bridge.test",
		Dialer:      fp.dialer(),
		Events:      events,
	}
	for _, o := range extra {
		o(opts)
	}
	return opts
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
