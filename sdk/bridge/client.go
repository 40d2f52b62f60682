package bridge

import (
	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

// NewBLEBridge creates a bridge to a generic BLE peripheral.
//
// opts ...contracts.Option: A variadic list of option functions to customize the bridge configuration.
//
// Returns:
//   - contracts.BLEBridge: A disconnected BLE bridge; call Scan to open the transport.
//   - error: An error, if the options are invalid.
func NewBLEBridge(opts ...contracts.Option) (contracts.BLEBridge, error) {
	b, err := NewBridge(contracts.BLE, opts...)
	if err != nil {
		return nil, err
	}
	return b.(contracts.BLEBridge), nil
}

// NewFirmataBridge creates a bridge to a Firmata board.
//
// opts ...contracts.Option: A variadic list of option functions to customize the bridge configuration.
//
// Returns:
//   - contracts.FirmataBridge: A disconnected Firmata bridge; call Scan to open the transport.
//   - error: An error, if the options are invalid.
func NewFirmataBridge(opts ...contracts.Option) (contracts.FirmataBridge, error) {
	b, err := NewBridge(contracts.Firmata, opts...)
	if err != nil {
		return nil, err
	}
	return b.(contracts.FirmataBridge), nil
}
