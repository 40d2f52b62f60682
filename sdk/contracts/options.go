package contracts

import "time"

const (
	// DefaultScanTimeout is how long a scan waits for a first peripheral before reporting a timeout.
	DefaultScanTimeout = 15 * time.Second
	// DefaultPollInterval is the Firmata getBoardState polling period.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultBLEURL is where the BLE bridge process listens.
	DefaultBLEURL = "ws://127.0.0.1:20111/scratch/ble"
	// DefaultFirmataURL is where the Firmata bridge process listens.
	DefaultFirmataURL = "ws://127.0.0.1:20111/scratch/firmata"
)

// BridgeOptions defines the configuration options for a peripheral bridge.
type BridgeOptions struct {
	Logger        Logger        // Logger for lifecycle and protocol messages.
	LogLevel      LogLevel      // Level of logging to use.
	LogFilePath   string        // File path for logging if file logging is enabled.
	ExtensionID   string        // Identifier reported in every runtime event.
	URL           string        // Address of the bridge process.
	Dialer        Dialer        // Opens transports to the bridge process.
	Events        RuntimeEvents // Receives lifecycle events.
	ScanTimeout   time.Duration // Scan timeout before a scan-timeout event.
	PollInterval  time.Duration // Firmata board polling period.
	ResetCallback func()        // Called when the transport is lost so the owner can drop cached state.
	BLEDiscovery  *BLEDiscovery // Filters sent with BLE discover requests.
}

// Option is a function that modifies BridgeOptions.
type Option func(*BridgeOptions)

// WithLogger sets the logger for the bridge.
func WithLogger(l Logger) Option {
	return func(opts *BridgeOptions) {
		opts.Logger = l
	}
}

// WithLogLevel sets the logging level for the bridge.
func WithLogLevel(level LogLevel) Option {
	return func(opts *BridgeOptions) {
		opts.LogLevel = level
	}
}

// WithLogFile directs log output to a file.
func WithLogFile(path string) Option {
	return func(opts *BridgeOptions) {
		opts.LogFilePath = path
	}
}

// WithExtensionID sets the extension identifier carried by runtime events.
func WithExtensionID(id string) Option {
	return func(opts *BridgeOptions) {
		opts.ExtensionID = id
	}
}

// WithURL sets the bridge process address.
func WithURL(url string) Option {
	return func(opts *BridgeOptions) {
		opts.URL = url
	}
}

// WithDialer replaces the transport dialer.
func WithDialer(d Dialer) Option {
	return func(opts *BridgeOptions) {
		opts.Dialer = d
	}
}

// WithEvents sets the runtime event sink.
func WithEvents(events RuntimeEvents) Option {
	return func(opts *BridgeOptions) {
		opts.Events = events
	}
}

// WithScanTimeout overrides DefaultScanTimeout.
func WithScanTimeout(d time.Duration) Option {
	return func(opts *BridgeOptions) {
		opts.ScanTimeout = d
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(opts *BridgeOptions) {
		opts.PollInterval = d
	}
}

// WithResetCallback registers a callback run after an unsolicited transport loss.
func WithResetCallback(fn func()) Option {
	return func(opts *BridgeOptions) {
		opts.ResetCallback = fn
	}
}

// WithBLEDiscovery sets the BLE discovery filters.
func WithBLEDiscovery(d BLEDiscovery) Option {
	return func(opts *BridgeOptions) {
		opts.BLEDiscovery = &d
	}
}
