package extension

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/calliope-edu/scratch-vm/internal/logger"
	"github.com/calliope-edu/scratch-vm/internal/peripheral"
	"github.com/calliope-edu/scratch-vm/sdk/bridge"
	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

type characteristicKey struct {
	service        string
	characteristic string
}

// BLE is the block-facing API of a generic BLE extension. It remembers the
// last value read or notified for every characteristic it has seen.
type BLE struct {
	logger contracts.Logger
	bridge contracts.BLEBridge

	mu      sync.RWMutex
	values  map[characteristicKey][]byte
	limiter *rate.Limiter

	wrapMu   sync.Mutex
	wrappers []*cachingListener
}

// NewBLE creates the extension and its bridge.
func NewBLE(opts ...contracts.Option) (*BLE, error) {
	e := &BLE{values: make(map[characteristicKey][]byte)}
	opts = append(opts, chainReset(opts, e.Reset))

	b, err := bridge.NewBLEBridge(opts...)
	if err != nil {
		return nil, err
	}
	e.bridge = b
	e.logger = optionsLogger(opts)
	return e, nil
}

// NewBLEWithBridge wraps an existing bridge. A nil bridge yields an extension
// whose operations all do nothing.
func NewBLEWithBridge(b contracts.BLEBridge, log contracts.Logger) *BLE {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &BLE{
		logger: log,
		bridge: b,
		values: make(map[characteristicKey][]byte),
	}
}

// Bridge returns the active bridge.
func (e *BLE) Bridge() contracts.BLEBridge { return e.bridge }

// Scan starts discovery.
func (e *BLE) Scan(ctx context.Context) error {
	if e.bridge == nil {
		return nil
	}
	return e.bridge.Scan(ctx)
}

// Connect connects to peripheralID, or to any discovered peripheral when it is empty.
func (e *BLE) Connect(ctx context.Context, peripheralID string) error {
	if e.bridge == nil {
		return nil
	}
	return e.bridge.Connect(ctx, peripheralID, nil)
}

// Disconnect disconnects the peripheral and clears cached values.
func (e *BLE) Disconnect(ctx context.Context) error {
	if e.bridge == nil {
		return nil
	}
	err := e.bridge.Disconnect(ctx)
	e.Reset()
	return err
}

// IsConnected reports whether a peripheral is connected.
func (e *BLE) IsConnected() bool {
	return e.bridge != nil && e.bridge.IsConnected()
}

// Reset clears cached characteristic values.
func (e *BLE) Reset() {
	e.mu.Lock()
	e.values = make(map[characteristicKey][]byte)
	e.mu.Unlock()
}

// ReadCharacteristic reads a characteristic. On failure, or when not connected,
// the last known value is returned.
func (e *BLE) ReadCharacteristic(ctx context.Context, serviceID, characteristicID any) []byte {
	key, ok := e.key(serviceID, characteristicID)
	if !ok {
		return nil
	}
	if !e.IsConnected() {
		return e.cached(key)
	}
	data, err := e.bridge.Read(ctx, serviceID, characteristicID, false)
	if err != nil {
		e.logger.Debug("ble read failed",
			e.logger.Field().String("characteristic", key.characteristic),
			e.logger.Field().Error("error", err))
		return e.cached(key)
	}
	e.store(key, data)
	return data
}

// SetWriteInterval limits writes to one per interval; writes arriving sooner
// are dropped. A non-positive interval removes the limit.
func (e *BLE) SetWriteInterval(interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if interval <= 0 {
		e.limiter = nil
		return
	}
	e.limiter = rate.NewLimiter(rate.Every(interval), 1)
}

// WriteCharacteristic writes data to a characteristic.
func (e *BLE) WriteCharacteristic(ctx context.Context, serviceID, characteristicID any, data []byte, withResponse bool) {
	if !e.IsConnected() {
		return
	}
	e.mu.RLock()
	limiter := e.limiter
	e.mu.RUnlock()
	if limiter != nil && !limiter.Allow() {
		e.logger.Debug("ble write dropped: peripheral busy")
		return
	}
	if err := e.bridge.Write(ctx, serviceID, characteristicID, data, withResponse); err != nil {
		e.logger.Debug("ble write failed", e.logger.Field().Error("error", err))
	}
}

// Subscribe registers listener for changes of a characteristic. Notified values
// also update the cache returned by LastValue.
func (e *BLE) Subscribe(ctx context.Context, serviceID, characteristicID any, listener contracts.CharacteristicListener) {
	if e.bridge == nil || listener == nil {
		return
	}
	key, ok := e.key(serviceID, characteristicID)
	if !ok {
		return
	}
	if err := e.bridge.Subscribe(ctx, serviceID, characteristicID, e.wrap(key, listener)); err != nil {
		e.logger.Debug("ble subscribe failed", e.logger.Field().Error("error", err))
	}
}

// LastValue returns the last value read or notified for a characteristic.
func (e *BLE) LastValue(serviceID, characteristicID any) ([]byte, bool) {
	key, ok := e.key(serviceID, characteristicID)
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[key]
	return v, ok
}

func (e *BLE) key(serviceID, characteristicID any) (characteristicKey, bool) {
	svc, err := peripheral.CanonicalUUID(serviceID)
	if err != nil {
		e.logger.Debug("invalid service id", e.logger.Field().Error("error", err))
		return characteristicKey{}, false
	}
	chr, err := peripheral.CanonicalUUID(characteristicID)
	if err != nil {
		e.logger.Debug("invalid characteristic id", e.logger.Field().Error("error", err))
		return characteristicKey{}, false
	}
	return characteristicKey{service: svc, characteristic: chr}, true
}

// wrap returns the caching wrapper for listener on key. The same listener
// always gets the same wrapper so the bridge still sees repeated
// subscriptions as duplicates.
func (e *BLE) wrap(key characteristicKey, listener contracts.CharacteristicListener) *cachingListener {
	e.wrapMu.Lock()
	defer e.wrapMu.Unlock()
	for _, w := range e.wrappers {
		if w.key == key && peripheral.SameListener(w.next, listener) {
			return w
		}
	}
	w := &cachingListener{ext: e, key: key, next: listener}
	e.wrappers = append(e.wrappers, w)
	return w
}

func (e *BLE) cached(key characteristicKey) []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.values[key]
}

func (e *BLE) store(key characteristicKey, data []byte) {
	e.mu.Lock()
	e.values[key] = data
	e.mu.Unlock()
}

// cachingListener records each notification before handing it on.
type cachingListener struct {
	ext  *BLE
	key  characteristicKey
	next contracts.CharacteristicListener
}

func (l *cachingListener) CharacteristicChanged(n contracts.Notification) {
	l.ext.store(l.key, n.Data)
	l.next.CharacteristicChanged(n)
}
