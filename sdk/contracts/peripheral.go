package contracts

import (
	"context"
	"encoding/json"
)

// PeripheralKind selects the bridge variant.
type PeripheralKind string

const (
	// BLE bridges talk to a generic Bluetooth Low Energy peripheral.
	BLE PeripheralKind = "ble"
	// Firmata bridges talk to a Firmata-speaking microcontroller board.
	Firmata PeripheralKind = "firmata"
)

// ConnectionState is the lifecycle state of a peripheral bridge.
type ConnectionState int

const (
	// Disconnected means no transport is held.
	Disconnected ConnectionState = iota
	// Discovering means a transport is open and a scan was issued.
	Discovering
	// Connecting means a connect request is in flight.
	Connecting
	// Connected means a peripheral accepted the connect request.
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// BoardInfo describes a Firmata board as reported during discovery.
type BoardInfo struct {
	Name     string `json:"name,omitempty"`
	Port     string `json:"port,omitempty"`
	Firmware string `json:"firmware,omitempty"`
	Version  string `json:"version,omitempty"`
}

// PeripheralRecord is one entry of the discovery cache.
type PeripheralRecord struct {
	PeripheralID string     `json:"peripheralId"`
	Name         string     `json:"name,omitempty"`
	RSSI         int        `json:"rssi,omitempty"`
	Services     []string   `json:"services,omitempty"`
	Board        *BoardInfo `json:"board,omitempty"`
}

// Notification carries a changed characteristic value.
type Notification struct {
	ServiceID        string
	CharacteristicID string
	Data             []byte
}

// CharacteristicListener receives characteristic change notifications.
// Listeners are called on the transport read loop and must not block on bridge requests.
type CharacteristicListener interface {
	CharacteristicChanged(n Notification)
}

// ListenerFunc adapts a function to CharacteristicListener. Subscriptions made
// with the same function are deduplicated by code pointer.
type ListenerFunc func(n Notification)

// CharacteristicChanged calls f(n).
func (f ListenerFunc) CharacteristicChanged(n Notification) { f(n) }

// BLEFilter narrows BLE discovery. All set fields must match.
type BLEFilter struct {
	Name       string   `json:"name,omitempty"`
	NamePrefix string   `json:"namePrefix,omitempty"`
	Services   []string `json:"services,omitempty"`
}

// BLEDiscovery is sent as the parameters of a BLE discover request.
type BLEDiscovery struct {
	Filters          []BLEFilter `json:"filters"`
	OptionalServices []string    `json:"optionalServices,omitempty"`
}

// ConnectFunc is invoked after a peripheral accepts a connection, with the metadata it returned.
type ConnectFunc func(metadata json.RawMessage)

// PeripheralBridge is the lifecycle surface shared by every bridge variant.
type PeripheralBridge interface {
	Kind() PeripheralKind
	ExtensionID() string
	State() ConnectionState
	IsConnected() bool
	Peripherals() map[string]PeripheralRecord
	ConnectedPeripheral() (id string, metadata json.RawMessage)

	Scan(ctx context.Context) error
	Connect(ctx context.Context, peripheralID string, onConnect ConnectFunc) error
	Disconnect(ctx context.Context) error
}

// BLEBridge adds characteristic access to a PeripheralBridge.
type BLEBridge interface {
	PeripheralBridge

	Subscribe(ctx context.Context, serviceID, characteristicID any, listener CharacteristicListener) error
	Unsubscribe(serviceID, characteristicID any, listener CharacteristicListener) bool
	Read(ctx context.Context, serviceID, characteristicID any, startNotifications bool) ([]byte, error)
	Write(ctx context.Context, serviceID, characteristicID any, data []byte, withResponse bool) error
}

// FirmataBridge adds pin access to a PeripheralBridge.
type FirmataBridge interface {
	PeripheralBridge

	PinMode(ctx context.Context, pin int, mode PinMode) error
	DigitalWrite(ctx context.Context, pin int, value int) error
	PWMWrite(ctx context.Context, pin int, value int) error
	ServoWrite(ctx context.Context, pin int, value int) error
	BoardState() BoardState
	PollBoardState(ctx context.Context) error
}
