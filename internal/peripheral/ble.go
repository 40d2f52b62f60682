package peripheral

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/calliope-edu/scratch-vm/internal/jsonrpc"
	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

const encodingBase64 = "base64"

type subscription struct {
	serviceID        string
	characteristicID string
	listener         contracts.CharacteristicListener
}

func (s subscription) sameCharacteristic(serviceID, characteristicID string) bool {
	return s.serviceID == serviceID && s.characteristicID == characteristicID
}

// BLE is a bridge to a generic BLE peripheral.
type BLE struct {
	*Bridge

	subMu sync.Mutex
	subs  []subscription
}

var _ contracts.BLEBridge = (*BLE)(nil)

// NewBLE creates a BLE bridge. Discovery filters come from opts.BLEDiscovery.
func NewBLE(opts *contracts.BridgeOptions) *BLE {
	discovery := contracts.BLEDiscovery{Filters: []contracts.BLEFilter{}}
	if opts.BLEDiscovery != nil {
		discovery = *opts.BLEDiscovery
		if discovery.Filters == nil {
			discovery.Filters = []contracts.BLEFilter{}
		}
	}

	b := &BLE{}
	b.Bridge = newBridge(contracts.BLE, opts, "discover", discovery)
	b.inbound["characteristicDidChange"] = b.characteristicDidChange
	b.onConnected = b.restoreNotifications
	return b
}

// Subscribe registers listener for changes of a characteristic. Identical
// (service, characteristic, listener) triples are stored once. When connected
// the bridge is asked to start notifications for a newly watched characteristic;
// otherwise that happens on the next connect.
func (b *BLE) Subscribe(ctx context.Context, serviceID, characteristicID any, listener contracts.CharacteristicListener) error {
	if listener == nil {
		return fmt.Errorf("subscribe: nil listener")
	}
	svc, chr, err := canonicalPair(serviceID, characteristicID)
	if err != nil {
		return err
	}

	b.subMu.Lock()
	watched := false
	for _, s := range b.subs {
		if !s.sameCharacteristic(svc, chr) {
			continue
		}
		watched = true
		if SameListener(s.listener, listener) {
			b.subMu.Unlock()
			return nil
		}
	}
	b.subs = append(b.subs, subscription{serviceID: svc, characteristicID: chr, listener: listener})
	b.subMu.Unlock()

	if watched || !b.IsConnected() {
		return nil
	}
	return b.Request(ctx, "startNotifications", characteristicParams{ServiceID: svc, CharacteristicID: chr}, nil)
}

// Unsubscribe removes a subscription and reports whether it existed.
func (b *BLE) Unsubscribe(serviceID, characteristicID any, listener contracts.CharacteristicListener) bool {
	svc, chr, err := canonicalPair(serviceID, characteristicID)
	if err != nil {
		return false
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for i, s := range b.subs {
		if s.sameCharacteristic(svc, chr) && SameListener(s.listener, listener) {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Subscriptions returns the number of registered subscriptions.
func (b *BLE) Subscriptions() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subs)
}

// Read reads a characteristic, optionally starting notifications for it.
func (b *BLE) Read(ctx context.Context, serviceID, characteristicID any, startNotifications bool) ([]byte, error) {
	svc, chr, err := canonicalPair(serviceID, characteristicID)
	if err != nil {
		return nil, err
	}
	params := characteristicParams{ServiceID: svc, CharacteristicID: chr, StartNotifications: startNotifications}
	var out encodedMessage
	if err := b.Request(ctx, "read", params, &out); err != nil {
		return nil, err
	}
	return out.decode()
}

// Write writes data to a characteristic.
func (b *BLE) Write(ctx context.Context, serviceID, characteristicID any, data []byte, withResponse bool) error {
	svc, chr, err := canonicalPair(serviceID, characteristicID)
	if err != nil {
		return err
	}
	params := writeParams{
		characteristicParams: characteristicParams{ServiceID: svc, CharacteristicID: chr},
		Message:              base64.StdEncoding.EncodeToString(data),
		Encoding:             encodingBase64,
	}
	if withResponse {
		params.WithResponse = &withResponse
	}
	return b.Request(ctx, "write", params, nil)
}

// characteristicDidChange fans a notification out to matching subscriptions in registration order.
func (b *BLE) characteristicDidChange(params json.RawMessage) (any, error) {
	var msg struct {
		characteristicParams
		encodedMessage
	}
	if err := json.Unmarshal(params, &msg); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: err.Error()}
	}
	svc, chr, err := canonicalPair(msg.ServiceID, msg.CharacteristicID)
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: err.Error()}
	}
	data, err := msg.decode()
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: err.Error()}
	}

	b.subMu.Lock()
	var listeners []contracts.CharacteristicListener
	for _, s := range b.subs {
		if s.sameCharacteristic(svc, chr) {
			listeners = append(listeners, s.listener)
		}
	}
	b.subMu.Unlock()

	n := contracts.Notification{ServiceID: svc, CharacteristicID: chr, Data: data}
	b.queue.post(func() {
		for _, l := range listeners {
			l.CharacteristicChanged(n)
		}
	})
	return nil, nil
}

// restoreNotifications asks a freshly connected bridge to notify every watched characteristic.
func (b *BLE) restoreNotifications(ctx context.Context, _ uint64) {
	b.subMu.Lock()
	seen := make(map[[2]string]bool)
	var pairs []characteristicParams
	for _, s := range b.subs {
		key := [2]string{s.serviceID, s.characteristicID}
		if seen[key] {
			continue
		}
		seen[key] = true
		pairs = append(pairs, characteristicParams{ServiceID: s.serviceID, CharacteristicID: s.characteristicID})
	}
	b.subMu.Unlock()

	for _, p := range pairs {
		if err := b.Request(ctx, "startNotifications", p, nil); err != nil {
			b.logger.Warn("failed to restore notifications",
				b.logger.Field().String("serviceId", p.ServiceID),
				b.logger.Field().String("characteristicId", p.CharacteristicID),
				b.logger.Field().Error("error", err))
		}
	}
}

func canonicalPair(serviceID, characteristicID any) (string, string, error) {
	svc, err := CanonicalUUID(serviceID)
	if err != nil {
		return "", "", fmt.Errorf("service: %w", err)
	}
	chr, err := CanonicalUUID(characteristicID)
	if err != nil {
		return "", "", fmt.Errorf("characteristic: %w", err)
	}
	return svc, chr, nil
}

// SameListener reports whether a and b are the same listener. Function
// listeners are identified by code pointer, so closures created from one
// literal count as one listener. Other non-comparable values never match.
func SameListener(a, b contracts.CharacteristicListener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || ta == nil {
		return false
	}
	if ta.Kind() == reflect.Func {
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	if !ta.Comparable() {
		return false
	}
	return a == b
}

type characteristicParams struct {
	ServiceID          string `json:"serviceId"`
	CharacteristicID   string `json:"characteristicId"`
	StartNotifications bool   `json:"startNotifications,omitempty"`
}

type writeParams struct {
	characteristicParams
	Message      string `json:"message"`
	Encoding     string `json:"encoding"`
	WithResponse *bool  `json:"withResponse,omitempty"`
}

type encodedMessage struct {
	Message  string `json:"message"`
	Encoding string `json:"encoding,omitempty"`
}

func (m encodedMessage) decode() ([]byte, error) {
	switch m.Encoding {
	case "", encodingBase64:
		data, err := base64.StdEncoding.DecodeString(m.Message)
		if err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		return data, nil
	default:
		return []byte(m.Message), nil
	}
}
