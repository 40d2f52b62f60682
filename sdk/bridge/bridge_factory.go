package bridge

import (
	"errors"
	"fmt"

	"github.com/calliope-edu/scratch-vm/internal/peripheral"
	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

// ErrUnsupportedKind is returned for a peripheral kind without a bridge implementation.
var ErrUnsupportedKind = errors.New("unsupported peripheral kind")

// bridgeInitializers maps peripheral kinds to their bridge constructors.
var bridgeInitializers = map[contracts.PeripheralKind]func(*contracts.BridgeOptions) contracts.PeripheralBridge{
	contracts.BLE:     func(o *contracts.BridgeOptions) contracts.PeripheralBridge { return peripheral.NewBLE(o) },
	contracts.Firmata: func(o *contracts.BridgeOptions) contracts.PeripheralBridge { return peripheral.NewFirmata(o) },
}

// NewBridge creates a bridge of the given kind with defaults applied.
// The returned value also implements the kind-specific interface
// (contracts.BLEBridge or contracts.FirmataBridge).
func NewBridge(kind contracts.PeripheralKind, opts ...contracts.Option) (contracts.PeripheralBridge, error) {
	initializer, exists := bridgeInitializers[kind]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}

	options, err := applyDefaultOptions(kind, opts...)
	if err != nil {
		return nil, err
	}
	return initializer(&options), nil
}
