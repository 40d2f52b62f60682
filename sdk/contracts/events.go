package contracts

// ErrorEvent is the payload of connection-lost and request errors.
type ErrorEvent struct {
	Message     string `json:"message"`
	ExtensionID string `json:"extensionId"`
}

// RuntimeEvents receives peripheral lifecycle events. Implementations are called
// synchronously and must return promptly.
type RuntimeEvents interface {
	PeripheralListUpdate(extensionID string, peripherals map[string]PeripheralRecord)
	PeripheralConnected(extensionID string)
	PeripheralDisconnected(extensionID string)
	PeripheralConnectionLostError(event ErrorEvent)
	PeripheralRequestError(event ErrorEvent)
	PeripheralScanTimeout(extensionID string)
}
