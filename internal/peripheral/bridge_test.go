package peripheral

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calliope-edu/scratch-vm/internal/jsonrpc"
	"github.com/calliope-edu/scratch-vm/sdk/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBLE(t *testing.T, fp *fakeProcess, rec *recorder, extra ...contracts.Option) *BLE {
	t.Helper()
	b := NewBLE(testOptions(fp, rec, extra...))
	t.Cleanup(func() { _ = b.Disconnect(context.Background()) })
	return b
}

func connectTo(t *testing.T, b *Bridge, fp *fakeProcess, id string) {
	t.Helper()
	ctx := testContext(t)
	require.NoError(t, b.Scan(ctx))
	fp.discover(contracts.PeripheralRecord{PeripheralID: id, Name: "board " + id})
	eventually(t, func() bool { return len(b.Peripherals()) == 1 }, "peripheral not discovered")
	require.NoError(t, b.Connect(ctx, id, nil))
}

func TestDefaultScanTimeout(t *testing.T) {
	b := newBridge(contracts.BLE, &contracts.BridgeOptions{}, "discover", nil)
	assert.Equal(t, 15*time.Second, b.scanTimeout)
	assert.Equal(t, "ble", b.ExtensionID())
	assert.Equal(t, contracts.Disconnected, b.State())
}

func TestScanTimeoutWithoutDiscovery(t *testing.T) {
	fp := newFakeProcess(t)
	rec := &recorder{}
	b := newTestBLE(t, fp, rec, contracts.WithScanTimeout(30*time.Millisecond))

	require.NoError(t, b.Scan(testContext(t)))
	assert.Equal(t, contracts.Discovering, b.State())
	assert.Equal(t, []string{"discover"}, fp.methods())

	eventually(t, func() bool { return rec.snapshot().timeouts == 1 }, "no scan timeout")
	time.Sleep(60 * time.Millisecond)

	ev := rec.snapshot()
	assert.Equal(t, 1, ev.timeouts)
	assert.Empty(t, ev.lost)
	assert.Empty(t, b.Peripherals())
	assert.Equal(t, contracts.Disconnected, b.State())
	assert.ErrorIs(t, b.Connect(testContext(t), "", nil), ErrNoTransport)
}

func TestDiscoveryKeepsScanAlive(t *testing.T) {
	fp := newFakeProcess(t)
	rec := &recorder{}
	b := newTestBLE(t, fp, rec, contracts.WithScanTimeout(30*time.Millisecond))

	require.NoError(t, b.Scan(testContext(t)))
	fp.discover(contracts.PeripheralRecord{PeripheralID: "A", RSSI: -50})
	fp.discover(contracts.PeripheralRecord{PeripheralID: "B", RSSI: -70})
	fp.discover(contracts.PeripheralRecord{PeripheralID: "A", RSSI: -40})
	eventually(t, func() bool { return len(rec.snapshot().lists) == 3 }, "list updates missing")
	time.Sleep(60 * time.Millisecond)

	ev := rec.snapshot()
	assert.Equal(t, 0, ev.timeouts)
	assert.Equal(t, contracts.Discovering, b.State())

	last := ev.lists[2]
	require.Len(t, last, 2)
	assert.Equal(t, -40, last["A"].RSSI)
	assert.Equal(t, -70, last["B"].RSSI)
}

func TestConnectWithoutIDUsesDiscoveredPeripheral(t *testing.T) {
	fp := newFakeProcess(t)
	fp.handle("connect", func(json.RawMessage) (any, *jsonrpc.Error) {
		return map[string]string{"firmware": "StandardFirmata"}, nil
	})
	rec := &recorder{}
	b := newTestBLE(t, fp, rec)
	ctx := testContext(t)

	require.NoError(t, b.Scan(ctx))
	fp.discover(contracts.PeripheralRecord{PeripheralID: "X", Name: "calliope"})
	eventually(t, func() bool { return len(b.Peripherals()) == 1 }, "X not discovered")

	var metadata json.RawMessage
	require.NoError(t, b.Connect(ctx, "", func(m json.RawMessage) { metadata = m }))

	reqs := fp.requestsFor("connect")
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"peripheralId":"X"}`, string(reqs[0].Params))
	assert.JSONEq(t, `{"firmware":"StandardFirmata"}`, string(metadata))

	id, meta := b.ConnectedPeripheral()
	assert.Equal(t, "X", id)
	assert.JSONEq(t, `{"firmware":"StandardFirmata"}`, string(meta))
	assert.True(t, b.IsConnected())
	assert.Equal(t, 1, rec.snapshot().connected)
	assert.ErrorIs(t, b.Connect(ctx, "X", nil), ErrAlreadyConnected)
}

func TestConnectWithoutPeripherals(t *testing.T) {
	fp := newFakeProcess(t)
	b := newTestBLE(t, fp, &recorder{})
	require.NoError(t, b.Scan(testContext(t)))
	assert.ErrorIs(t, b.Connect(testContext(t), "", nil), ErrNoPeripheral)
}

func TestConnectFailureReportsRequestError(t *testing.T) {
	fp := newFakeProcess(t)
	fp.handle("connect", func(json.RawMessage) (any, *jsonrpc.Error) {
		return nil, &jsonrpc.Error{Code: -32000, Message: "peripheral busy"}
	})
	rec := &recorder{}
	b := newTestBLE(t, fp, rec)
	ctx := testContext(t)

	require.NoError(t, b.Scan(ctx))
	err := b.Connect(ctx, "X", nil)
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)

	ev := rec.snapshot()
	require.Len(t, ev.requestErrs, 1)
	assert.Equal(t, "test", ev.requestErrs[0].ExtensionID)
	assert.Contains(t, ev.requestErrs[0].Message, "peripheral busy")
	assert.Equal(t, 0, ev.connected)
	assert.Equal(t, contracts.Discovering, b.State())
}

func TestScanRequestErrorIsReported(t *testing.T) {
	fp := newFakeProcess(t)
	fp.handle("discover", func(json.RawMessage) (any, *jsonrpc.Error) {
		return nil, &jsonrpc.Error{Code: -32001, Message: "bluetooth off"}
	})
	rec := &recorder{}
	b := newTestBLE(t, fp, rec)

	assert.Error(t, b.Scan(testContext(t)))
	assert.Len(t, rec.snapshot().requestErrs, 1)
}

func TestDialFailureIsReported(t *testing.T) {
	rec := &recorder{}
	b := NewBLE(&contracts.BridgeOptions{
		Events: rec,
		Dialer: func(context.Context, string) (contracts.Transport, error) {
			return nil, errors.New("connection refused")
		},
	})
	assert.Error(t, b.Scan(testContext(t)))
	assert.Len(t, rec.snapshot().requestErrs, 1)
	assert.Equal(t, contracts.Disconnected, b.State())
}

func TestUnexpectedCloseEmitsSingleConnectionLost(t *testing.T) {
	fp := newFakeProcess(t)
	rec := &recorder{}
	var resets atomic.Int32
	b := newTestBLE(t, fp, rec, contracts.WithResetCallback(func() { resets.Add(1) }))
	connectTo(t, b.Bridge, fp, "X")

	fp.drop()
	eventually(t, func() bool { return len(rec.snapshot().lost) == 1 }, "no connection-lost event")
	assert.Equal(t, contracts.Disconnected, b.State())

	require.NoError(t, b.Disconnect(testContext(t)))
	require.NoError(t, b.Disconnect(testContext(t)))

	ev := rec.snapshot()
	require.Len(t, ev.lost, 1)
	assert.Equal(t, "test", ev.lost[0].ExtensionID)
	assert.NotEmpty(t, ev.lost[0].Message)
	assert.Equal(t, 0, ev.disconnected)
	assert.Equal(t, int32(1), resets.Load())
	assert.ErrorIs(t, b.Request(testContext(t), "read", nil, nil), ErrNotConnected)
}

func TestCloseWhileDiscoveringIsSilent(t *testing.T) {
	fp := newFakeProcess(t)
	rec := &recorder{}
	b := newTestBLE(t, fp, rec)
	require.NoError(t, b.Scan(testContext(t)))

	fp.drop()
	eventually(t, func() bool { return b.State() == contracts.Disconnected }, "state not reset")
	assert.Empty(t, rec.snapshot().lost)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	fp := newFakeProcess(t)
	rec := &recorder{}
	b := newTestBLE(t, fp, rec)
	connectTo(t, b.Bridge, fp, "X")

	require.NoError(t, b.Disconnect(testContext(t)))
	require.NoError(t, b.Disconnect(testContext(t)))

	assert.Equal(t, 1, fp.count("disconnect"))
	ev := rec.snapshot()
	assert.Equal(t, 1, ev.disconnected)
	assert.Empty(t, ev.lost)
	assert.Equal(t, contracts.Disconnected, b.State())
	id, _ := b.ConnectedPeripheral()
	assert.Empty(t, id)
}

func TestScanReplacesTransport(t *testing.T) {
	fp := newFakeProcess(t)
	rec := &recorder{}
	b := newTestBLE(t, fp, rec)
	connectTo(t, b.Bridge, fp, "X")

	require.NoError(t, b.Scan(testContext(t)))

	ev := rec.snapshot()
	assert.Equal(t, 1, ev.disconnected)
	assert.Empty(t, ev.lost)
	assert.Equal(t, contracts.Discovering, b.State())
	assert.Empty(t, b.Peripherals())
	fp.mu.Lock()
	assert.Equal(t, 2, fp.dials)
	fp.mu.Unlock()
}

func TestPingIsAnswered(t *testing.T) {
	fp := newFakeProcess(t)
	b := newTestBLE(t, fp, &recorder{})
	require.NoError(t, b.Scan(testContext(t)))

	fp.call("ping", nil, true)
	select {
	case reply := <-fp.replies:
		assert.JSONEq(t, `42`, string(reply.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("no ping reply")
	}
}

func TestInvalidDiscoveryIsRejected(t *testing.T) {
	fp := newFakeProcess(t)
	rec := &recorder{}
	b := newTestBLE(t, fp, rec)
	require.NoError(t, b.Scan(testContext(t)))

	fp.call("didDiscoverPeripheral", map[string]string{"name": "no id"}, true)
	select {
	case reply := <-fp.replies:
		require.NotNil(t, reply.Error)
		assert.Equal(t, jsonrpc.InvalidParams, reply.Error.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	assert.Empty(t, rec.snapshot().lists)
}

func TestScanWithoutDialer(t *testing.T) {
	b := NewFirmata(&contracts.BridgeOptions{})
	assert.ErrorIs(t, b.Scan(context.Background()), ErrNoDialer)
}

// connectOnDiscover connects to the first peripheral it is told about.
type connectOnDiscover struct {
	recorder
	bridge *Bridge
	errs   chan error
}

func (c *connectOnDiscover) PeripheralListUpdate(ext string, p map[string]contracts.PeripheralRecord) {
	c.recorder.PeripheralListUpdate(ext, p)
	for id := range p {
		c.errs <- c.bridge.Connect(context.Background(), id, nil)
		return
	}
}

func TestListUpdateListenerMayConnect(t *testing.T) {
	fp := newFakeProcess(t)
	events := &connectOnDiscover{errs: make(chan error, 4)}
	b := NewBLE(testOptions(fp, events))
	t.Cleanup(func() { _ = b.Disconnect(context.Background()) })
	events.bridge = b.Bridge

	require.NoError(t, b.Scan(testContext(t)))
	fp.discover(contracts.PeripheralRecord{PeripheralID: "X"})

	select {
	case err := <-events.errs:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect from a list update did not return")
	}
	assert.True(t, b.IsConnected())
	assert.Equal(t, 1, events.snapshot().connected)
}
