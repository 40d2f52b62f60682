package contracts

import "encoding/json"

// PinMode is a Firmata pin mode.
type PinMode int

const (
	PinInput  PinMode = 0x00
	PinOutput PinMode = 0x01
	PinAnalog PinMode = 0x02
	PinPWM    PinMode = 0x03
	PinServo  PinMode = 0x04
	PinPullup PinMode = 0x0B
	// PinUnknown is reported for pins the board never described.
	PinUnknown PinMode = 0x10
)

// PinState is one pin as reported by getBoardState.
type PinState struct {
	Mode           PinMode   `json:"mode"`
	Value          int       `json:"value"`
	Report         int       `json:"report,omitempty"`
	AnalogChannel  int       `json:"analogChannel"`
	SupportedModes []PinMode `json:"supportedModes,omitempty"`
}

// BoardState is the merged result of getBoardState polls, keyed by top-level field.
type BoardState map[string]json.RawMessage

// IsOpen reports the board's "isOpen" flag. known is false when the field was never reported.
func (s BoardState) IsOpen() (open bool, known bool) {
	raw, ok := s["isOpen"]
	if !ok {
		return false, false
	}
	if err := json.Unmarshal(raw, &open); err != nil {
		return false, false
	}
	return open, true
}

// Pins decodes the "pins" field.
func (s BoardState) Pins() []PinState {
	var pins []PinState
	if raw, ok := s["pins"]; ok {
		_ = json.Unmarshal(raw, &pins)
	}
	return pins
}

// Pin returns the state of a digital pin.
func (s BoardState) Pin(pin int) (PinState, bool) {
	pins := s.Pins()
	if pin < 0 || pin >= len(pins) {
		return PinState{}, false
	}
	return pins[pin], true
}

// AnalogPin returns the state of the pin bound to an analog channel.
func (s BoardState) AnalogPin(channel int) (PinState, bool) {
	var analog []int
	if raw, ok := s["analogPins"]; ok {
		_ = json.Unmarshal(raw, &analog)
	}
	if channel < 0 || channel >= len(analog) {
		return PinState{}, false
	}
	return s.Pin(analog[channel])
}

// Clone returns a copy that shares no map storage with s.
func (s BoardState) Clone() BoardState {
	out := make(BoardState, len(s))
	for k, v := range s {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
