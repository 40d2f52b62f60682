package peripheral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/calliope-edu/scratch-vm/internal/jsonrpc"
	"github.com/calliope-edu/scratch-vm/internal/logger"
	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

// pingReply is the liveness answer expected by bridge processes.
const pingReply = 42

// disconnectTimeout bounds the best-effort disconnect request.
const disconnectTimeout = time.Second

// Error definitions for bridge lifecycle misuse.
var (
	ErrNotConnected      = errors.New("peripheral not connected")
	ErrNoTransport       = errors.New("no bridge transport open; scan first")
	ErrNoPeripheral      = errors.New("no peripheral discovered")
	ErrAlreadyConnected  = errors.New("peripheral already connected")
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrSuperseded        = errors.New("bridge transport replaced during request")
	ErrNoDialer          = errors.New("no transport dialer configured")
)

// lostConnectionMessage is the message of connection-lost events.
const lostConnectionMessage = "Scratch lost connection to"

type inboundFunc func(params json.RawMessage) (any, error)

// Bridge owns one transport and its correlator and runs the peripheral
// lifecycle: Disconnected, Discovering, Connecting, Connected.
type Bridge struct {
	kind        contracts.PeripheralKind
	extensionID string
	url         string
	dial        contracts.Dialer
	events      contracts.RuntimeEvents
	logger      contracts.Logger
	scanTimeout time.Duration
	scanMethod  string
	scanParams  any
	reset       func()

	// Variant hooks, set once at construction.
	inbound     map[string]inboundFunc
	onConnected func(ctx context.Context, gen uint64)
	onTeardown  func()

	// queue delivers list updates and notifications in arrival order.
	queue dispatcher

	mu          sync.Mutex
	state       contracts.ConnectionState
	generation  uint64
	rpc         *jsonrpc.Correlator
	scanTimer   *time.Timer
	discovered  map[string]contracts.PeripheralRecord
	connectedID string
	metadata    json.RawMessage
}

func newBridge(kind contracts.PeripheralKind, opts *contracts.BridgeOptions, scanMethod string, scanParams any) *Bridge {
	b := &Bridge{
		kind:        kind,
		extensionID: opts.ExtensionID,
		url:         opts.URL,
		dial:        opts.Dialer,
		events:      opts.Events,
		logger:      opts.Logger,
		scanTimeout: opts.ScanTimeout,
		scanMethod:  scanMethod,
		scanParams:  scanParams,
		reset:       opts.ResetCallback,
		inbound:     make(map[string]inboundFunc),
		discovered:  make(map[string]contracts.PeripheralRecord),
	}
	if b.events == nil {
		b.events = nopEvents{}
	}
	if b.logger == nil {
		b.logger = logger.NewNopLogger()
	}
	if b.scanTimeout <= 0 {
		b.scanTimeout = contracts.DefaultScanTimeout
	}
	if b.extensionID == "" {
		b.extensionID = string(kind)
	}
	return b
}

// Kind returns the bridge variant.
func (b *Bridge) Kind() contracts.PeripheralKind { return b.kind }

// ExtensionID returns the identifier carried by runtime events.
func (b *Bridge) ExtensionID() string { return b.extensionID }

// State returns the current connection state.
func (b *Bridge) State() contracts.ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsConnected reports whether a peripheral accepted the last connect request.
func (b *Bridge) IsConnected() bool {
	return b.State() == contracts.Connected
}

// Peripherals returns a snapshot of the discovery cache.
func (b *Bridge) Peripherals() map[string]contracts.PeripheralRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// ConnectedPeripheral returns the id and connect metadata of the connected peripheral.
func (b *Bridge) ConnectedPeripheral() (string, json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectedID, b.metadata
}

// Scan replaces any open transport with a fresh one and starts discovery.
func (b *Bridge) Scan(ctx context.Context) error {
	if b.dial == nil {
		return ErrNoDialer
	}

	b.mu.Lock()
	prevState := b.state
	prev := b.detachLocked()
	gen := b.generation
	b.mu.Unlock()

	if prev != nil {
		b.teardown()
		_ = prev.Close()
		if prevState == contracts.Connected {
			b.events.PeripheralDisconnected(b.extensionID)
		}
	}

	b.logger.Info("scanning for peripherals",
		b.logger.Field().String("extensionId", b.extensionID),
		b.logger.Field().String("url", b.url))

	tr, err := b.dial(ctx, b.url)
	if err != nil {
		b.reportRequestError(err)
		return fmt.Errorf("open bridge transport: %w", err)
	}

	rpc := jsonrpc.New(tr,
		jsonrpc.WithLogger(b.logger),
		jsonrpc.WithHandler(func(_ context.Context, method string, params json.RawMessage) (any, error) {
			return b.serveInbound(gen, method, params)
		}),
		jsonrpc.WithCloseHandler(func(err error) {
			b.handleTransportLost(gen, err)
		}),
	)

	b.mu.Lock()
	if b.generation != gen || b.rpc != nil {
		b.mu.Unlock()
		_ = tr.Close()
		return ErrSuperseded
	}
	b.rpc = rpc
	b.state = contracts.Discovering
	b.discovered = make(map[string]contracts.PeripheralRecord)
	b.scanTimer = time.AfterFunc(b.scanTimeout, func() { b.handleScanTimeout(gen) })
	b.mu.Unlock()

	rpc.Start(context.Background())

	var result json.RawMessage
	if err := rpc.Call(ctx, b.scanMethod, b.scanParams, &result); err != nil {
		b.reportRequestError(err)
		return err
	}
	b.mergeScanResult(gen, result)
	return nil
}

// Connect connects to peripheralID, or to an arbitrary discovered peripheral when it is empty.
func (b *Bridge) Connect(ctx context.Context, peripheralID string, onConnect contracts.ConnectFunc) error {
	b.mu.Lock()
	switch {
	case b.rpc == nil:
		b.mu.Unlock()
		return ErrNoTransport
	case b.state == contracts.Connected:
		b.mu.Unlock()
		return ErrAlreadyConnected
	case b.state == contracts.Connecting:
		b.mu.Unlock()
		return ErrConnectInProgress
	}
	if peripheralID == "" {
		// Map order is unspecified: any discovered peripheral may be chosen.
		for id := range b.discovered {
			peripheralID = id
			break
		}
	}
	if peripheralID == "" {
		b.mu.Unlock()
		return ErrNoPeripheral
	}
	b.stopScanTimerLocked()
	b.state = contracts.Connecting
	rpc, gen := b.rpc, b.generation
	b.mu.Unlock()

	b.logger.Info("connecting to peripheral",
		b.logger.Field().String("extensionId", b.extensionID),
		b.logger.Field().String("peripheralId", peripheralID))

	var metadata json.RawMessage
	err := rpc.Call(ctx, "connect", connectParams{PeripheralID: peripheralID}, &metadata)

	b.mu.Lock()
	if b.generation != gen {
		b.mu.Unlock()
		if err == nil {
			err = ErrSuperseded
		}
		return err
	}
	if err != nil {
		if !errors.Is(err, jsonrpc.ErrTransportClosed) {
			b.state = contracts.Discovering
		}
		b.mu.Unlock()
		b.reportRequestError(err)
		return err
	}
	b.state = contracts.Connected
	b.connectedID = peripheralID
	b.metadata = metadata
	b.mu.Unlock()

	b.logger.Info("peripheral connected",
		b.logger.Field().String("extensionId", b.extensionID),
		b.logger.Field().String("peripheralId", peripheralID))

	if b.onConnected != nil {
		b.onConnected(ctx, gen)
	}
	if onConnect != nil {
		onConnect(metadata)
	}
	b.events.PeripheralConnected(b.extensionID)
	return nil
}

// Disconnect closes the transport. It is safe to call in any state.
func (b *Bridge) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	prevState := b.state
	rpc := b.detachLocked()
	b.mu.Unlock()

	if rpc != nil {
		b.teardown()
		if prevState == contracts.Connected {
			dctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
			if err := rpc.Call(dctx, "disconnect", nil, nil); err != nil {
				b.logger.Debug("disconnect request failed", b.logger.Field().Error("error", err))
			}
			cancel()
		}
		if err := rpc.Close(); err != nil {
			b.logger.Debug("transport close failed", b.logger.Field().Error("error", err))
		}
	}

	if prevState != contracts.Disconnected {
		b.logger.Info("peripheral disconnected", b.logger.Field().String("extensionId", b.extensionID))
		b.events.PeripheralDisconnected(b.extensionID)
	}
	return nil
}

// Request sends a domain request to the connected peripheral. RPC-level
// failures are reported as request-error events.
func (b *Bridge) Request(ctx context.Context, method string, params, out any) error {
	err := b.call(ctx, method, params, out)
	if err != nil && !errors.Is(err, ErrNotConnected) {
		b.reportRequestError(err)
	}
	return err
}

// call sends a request without reporting failures.
func (b *Bridge) call(ctx context.Context, method string, params, out any) error {
	b.mu.Lock()
	if b.state != contracts.Connected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	rpc := b.rpc
	b.mu.Unlock()
	return rpc.Call(ctx, method, params, out)
}

// fail runs the connection-lost path for generation gen and closes its transport.
func (b *Bridge) fail(gen uint64, err error) {
	if rpc := b.handleTransportLost(gen, err); rpc != nil {
		_ = rpc.Close()
	}
}

// handleTransportLost is the unsolicited close path. Stale generations are ignored,
// so a transport can only force one transition.
func (b *Bridge) handleTransportLost(gen uint64, cause error) *jsonrpc.Correlator {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return nil
	}
	wasConnected := b.state == contracts.Connected
	rpc := b.detachLocked()
	b.mu.Unlock()

	b.teardown()
	if b.reset != nil {
		b.reset()
	}

	if wasConnected {
		b.logger.Warn("lost connection to peripheral",
			b.logger.Field().String("extensionId", b.extensionID),
			b.logger.Field().Error("error", cause))
		b.events.PeripheralConnectionLostError(contracts.ErrorEvent{
			Message:     lostConnectionMessage,
			ExtensionID: b.extensionID,
		})
	} else {
		b.logger.Debug("bridge transport closed", b.logger.Field().Error("error", cause))
	}
	return rpc
}

func (b *Bridge) handleScanTimeout(gen uint64) {
	b.mu.Lock()
	if gen != b.generation || b.state != contracts.Discovering {
		b.mu.Unlock()
		return
	}
	b.scanTimer = nil
	if len(b.discovered) > 0 {
		b.mu.Unlock()
		return
	}
	rpc := b.detachLocked()
	b.mu.Unlock()

	b.teardown()
	if rpc != nil {
		_ = rpc.Close()
	}
	b.logger.Info("scan timed out", b.logger.Field().String("extensionId", b.extensionID))
	b.events.PeripheralScanTimeout(b.extensionID)
}

func (b *Bridge) serveInbound(gen uint64, method string, params json.RawMessage) (any, error) {
	switch method {
	case "ping":
		return pingReply, nil
	case "didDiscoverPeripheral":
		return nil, b.didDiscoverPeripheral(gen, params)
	}
	if h, ok := b.inbound[method]; ok {
		return h(params)
	}
	return nil, jsonrpc.ErrMethodNotFound
}

func (b *Bridge) didDiscoverPeripheral(gen uint64, params json.RawMessage) error {
	var rec contracts.PeripheralRecord
	if err := json.Unmarshal(params, &rec); err != nil || rec.PeripheralID == "" {
		return &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: "invalid peripheral"}
	}

	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return nil
	}
	b.discovered[rec.PeripheralID] = rec
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	b.logger.Debug("peripheral discovered",
		b.logger.Field().String("peripheralId", rec.PeripheralID),
		b.logger.Field().String("name", rec.Name),
		b.logger.Field().Int("rssi", rec.RSSI))
	b.queue.post(func() { b.events.PeripheralListUpdate(b.extensionID, snapshot) })
	return nil
}

// mergeScanResult adds peripherals returned directly by the scan request.
func (b *Bridge) mergeScanResult(gen uint64, result json.RawMessage) {
	if len(result) == 0 || result[0] != '[' {
		return
	}
	var records []contracts.PeripheralRecord
	if err := json.Unmarshal(result, &records); err != nil {
		b.logger.Debug("ignoring scan result", b.logger.Field().Error("error", err))
		return
	}

	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	added := 0
	for _, rec := range records {
		if rec.PeripheralID == "" {
			continue
		}
		b.discovered[rec.PeripheralID] = rec
		added++
	}
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	if added > 0 {
		b.queue.post(func() { b.events.PeripheralListUpdate(b.extensionID, snapshot) })
	}
}

func (b *Bridge) reportRequestError(err error) {
	if errors.Is(err, jsonrpc.ErrTransportClosed) {
		return
	}
	b.logger.Error("peripheral request failed",
		b.logger.Field().String("extensionId", b.extensionID),
		b.logger.Field().Error("error", err))
	b.events.PeripheralRequestError(contracts.ErrorEvent{
		Message:     err.Error(),
		ExtensionID: b.extensionID,
	})
}

func (b *Bridge) teardown() {
	if b.onTeardown != nil {
		b.onTeardown()
	}
}

// detachLocked forgets the current transport and moves to Disconnected.
// Callbacks still holding the old generation become no-ops.
func (b *Bridge) detachLocked() *jsonrpc.Correlator {
	b.generation++
	b.stopScanTimerLocked()
	rpc := b.rpc
	b.rpc = nil
	b.state = contracts.Disconnected
	b.connectedID = ""
	b.metadata = nil
	return rpc
}

func (b *Bridge) stopScanTimerLocked() {
	if b.scanTimer != nil {
		b.scanTimer.Stop()
		b.scanTimer = nil
	}
}

func (b *Bridge) snapshotLocked() map[string]contracts.PeripheralRecord {
	out := make(map[string]contracts.PeripheralRecord, len(b.discovered))
	for id, rec := range b.discovered {
		out[id] = rec
	}
	return out
}

type connectParams struct {
	PeripheralID string `json:"peripheralId"`
}

type nopEvents struct{}

func (nopEvents) PeripheralListUpdate(string, map[string]contracts.PeripheralRecord) {}
func (nopEvents) PeripheralConnected(string)                                         {}
func (nopEvents) PeripheralDisconnected(string)                                      {}
func (nopEvents) PeripheralConnectionLostError(contracts.ErrorEvent)                 {}
func (nopEvents) PeripheralRequestError(contracts.ErrorEvent)                        {}
func (nopEvents) PeripheralScanTimeout(string)                                       {}
