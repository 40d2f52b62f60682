package extension

import (
	"github.com/calliope-edu/scratch-vm/internal/logger"
	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

// chainReset returns an option that runs reset before any reset callback already in opts.
func chainReset(opts []contracts.Option, reset func()) contracts.Option {
	var applied contracts.BridgeOptions
	for _, opt := range opts {
		opt(&applied)
	}
	user := applied.ResetCallback
	return contracts.WithResetCallback(func() {
		reset()
		if user != nil {
			user()
		}
	})
}

// optionsLogger returns the logger configured in opts, or a no-op logger.
func optionsLogger(opts []contracts.Option) contracts.Logger {
	var applied contracts.BridgeOptions
	for _, opt := range opts {
		opt(&applied)
	}
	if applied.Logger == nil {
		return logger.NewNopLogger()
	}
	return applied.Logger
}
