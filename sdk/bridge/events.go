package bridge

import (
	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

// LogEvents is a contracts.RuntimeEvents that only logs. It is the default
// when no runtime is attached.
type LogEvents struct {
	logger contracts.Logger
}

// NewLogEvents creates a logging event sink.
func NewLogEvents(l contracts.Logger) *LogEvents {
	return &LogEvents{logger: l}
}

func (e *LogEvents) PeripheralListUpdate(extensionID string, peripherals map[string]contracts.PeripheralRecord) {
	ids := make([]string, 0, len(peripherals))
	for id := range peripherals {
		ids = append(ids, id)
	}
	e.logger.Info("peripheral list updated",
		e.logger.Field().String("extensionId", extensionID),
		e.logger.Field().Any("peripherals", ids))
}

func (e *LogEvents) PeripheralConnected(extensionID string) {
	e.logger.Info("peripheral connected", e.logger.Field().String("extensionId", extensionID))
}

func (e *LogEvents) PeripheralDisconnected(extensionID string) {
	e.logger.Info("peripheral disconnected", e.logger.Field().String("extensionId", extensionID))
}

func (e *LogEvents) PeripheralConnectionLostError(event contracts.ErrorEvent) {
	e.logger.Error(event.Message, e.logger.Field().String("extensionId", event.ExtensionID))
}

func (e *LogEvents) PeripheralRequestError(event contracts.ErrorEvent) {
	e.logger.Error("peripheral request error",
		e.logger.Field().String("extensionId", event.ExtensionID),
		e.logger.Field().String("message", event.Message))
}

func (e *LogEvents) PeripheralScanTimeout(extensionID string) {
	e.logger.Warn("peripheral scan timed out", e.logger.Field().String("extensionId", extensionID))
}
