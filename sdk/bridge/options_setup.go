package bridge

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/calliope-edu/scratch-vm/internal/logger"
	"github.com/calliope-edu/scratch-vm/internal/transport"
	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

// ErrInvalidOptions is returned when options cannot produce a working bridge.
var ErrInvalidOptions = errors.New("invalid bridge options")

// applyDefaultOptions sets default values for BridgeOptions if not explicitly provided.
//
// kind contracts.PeripheralKind: The bridge variant, which selects the default URL and extension id.
// opts ...contracts.Option: A variadic list of option functions that can modify BridgeOptions.
//
// Returns:
//   - contracts.BridgeOptions: The finalized options with defaults applied.
//   - error: An error if the resulting options are invalid.
func applyDefaultOptions(kind contracts.PeripheralKind, opts ...contracts.Option) (contracts.BridgeOptions, error) {
	options := &contracts.BridgeOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Logger == nil {
		options.Logger = logger.NewZapLogger()
	}
	options.Logger.SetLevel(options.LogLevel)
	if options.LogFilePath != "" {
		options.Logger.SetDestination(contracts.FileLog, options.LogFilePath)
	}

	if options.ExtensionID == "" {
		options.ExtensionID = string(kind)
	}
	if options.URL == "" {
		options.URL = defaultURL(kind)
	}
	if options.Dialer == nil {
		options.Dialer = transport.NewDialer(options.Logger)
	}
	if options.Events == nil {
		options.Events = NewLogEvents(options.Logger)
	}
	if options.ScanTimeout == 0 {
		options.ScanTimeout = contracts.DefaultScanTimeout
	}
	if options.PollInterval == 0 {
		options.PollInterval = contracts.DefaultPollInterval
	}

	if options.ScanTimeout < 0 || options.PollInterval < 0 {
		return contracts.BridgeOptions{}, fmt.Errorf("%w: negative duration", ErrInvalidOptions)
	}
	u, err := url.Parse(options.URL)
	if err != nil {
		return contracts.BridgeOptions{}, fmt.Errorf("%w: url: %v", ErrInvalidOptions, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return contracts.BridgeOptions{}, fmt.Errorf("%w: url scheme %q", ErrInvalidOptions, u.Scheme)
	}
	return *options, nil
}

func defaultURL(kind contracts.PeripheralKind) string {
	if kind == contracts.Firmata {
		return contracts.DefaultFirmataURL
	}
	return contracts.DefaultBLEURL
}
