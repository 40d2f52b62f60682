package extension

import (
	"context"
	"sync"

	"github.com/calliope-edu/scratch-vm/internal/logger"
	"github.com/calliope-edu/scratch-vm/sdk/bridge"
	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

// Firmata is the block-facing API of a Firmata extension. Every pin operation
// is a no-op (or returns zero) unless the board is connected, and failures never
// reach the caller; they are reported through the runtime events instead.
type Firmata struct {
	logger contracts.Logger
	bridge contracts.FirmataBridge

	mu   sync.Mutex
	pins map[int]int
}

// NewFirmata creates the extension and its bridge.
func NewFirmata(opts ...contracts.Option) (*Firmata, error) {
	f := &Firmata{pins: make(map[int]int)}
	opts = append(opts, chainReset(opts, f.resetPins))

	b, err := bridge.NewFirmataBridge(opts...)
	if err != nil {
		return nil, err
	}
	f.bridge = b
	f.logger = optionsLogger(opts)
	return f, nil
}

// NewFirmataWithBridge wraps an existing bridge. A nil bridge yields an extension
// whose operations all do nothing. The bridge's reset callback should call Reset.
func NewFirmataWithBridge(b contracts.FirmataBridge, log contracts.Logger) *Firmata {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Firmata{logger: log, bridge: b, pins: make(map[int]int)}
}

// Bridge returns the active bridge.
func (f *Firmata) Bridge() contracts.FirmataBridge { return f.bridge }

// Scan starts discovery.
func (f *Firmata) Scan(ctx context.Context) error {
	if f.bridge == nil {
		return nil
	}
	return f.bridge.Scan(ctx)
}

// Connect connects to peripheralID, or to any discovered board when it is empty.
func (f *Firmata) Connect(ctx context.Context, peripheralID string) error {
	if f.bridge == nil {
		return nil
	}
	return f.bridge.Connect(ctx, peripheralID, nil)
}

// Disconnect disconnects the board and forgets mirrored pin values.
func (f *Firmata) Disconnect(ctx context.Context) error {
	if f.bridge == nil {
		return nil
	}
	err := f.bridge.Disconnect(ctx)
	f.resetPins()
	return err
}

// IsConnected reports whether a board is connected.
func (f *Firmata) IsConnected() bool {
	return f.bridge != nil && f.bridge.IsConnected()
}

// Reset drops mirrored pin values.
func (f *Firmata) Reset() { f.resetPins() }

// SetPinMode sets the mode of a pin.
func (f *Firmata) SetPinMode(ctx context.Context, pin int, mode contracts.PinMode) {
	if !f.IsConnected() {
		return
	}
	f.swallow("pinMode", f.bridge.PinMode(ctx, pin, mode))
}

// DigitalWrite drives a pin high (non-zero) or low.
func (f *Firmata) DigitalWrite(ctx context.Context, pin int, value int) {
	if !f.IsConnected() {
		return
	}
	if value != 0 {
		value = 1
	}
	if f.swallow("digitalWrite", f.bridge.DigitalWrite(ctx, pin, value)) {
		f.mirror(pin, value)
	}
}

// PWMWrite sets a PWM duty value.
func (f *Firmata) PWMWrite(ctx context.Context, pin int, value int) {
	if !f.IsConnected() {
		return
	}
	if f.swallow("pwmWrite", f.bridge.PWMWrite(ctx, pin, value)) {
		f.mirror(pin, value)
	}
}

// ServoWrite sets a servo angle.
func (f *Firmata) ServoWrite(ctx context.Context, pin int, value int) {
	if !f.IsConnected() {
		return
	}
	if f.swallow("servoWrite", f.bridge.ServoWrite(ctx, pin, value)) {
		f.mirror(pin, value)
	}
}

// DigitalRead returns the last polled value of a pin, falling back to the
// last written value, or 0.
func (f *Firmata) DigitalRead(pin int) int {
	if !f.IsConnected() {
		return 0
	}
	if state, ok := f.bridge.BoardState().Pin(pin); ok {
		return state.Value
	}
	return f.mirrored(pin)
}

// AnalogRead returns the last polled value of an analog channel, or 0.
func (f *Firmata) AnalogRead(channel int) int {
	if !f.IsConnected() {
		return 0
	}
	if state, ok := f.bridge.BoardState().AnalogPin(channel); ok {
		return state.Value
	}
	return 0
}

// Refresh fetches the board state now instead of waiting for the next poll.
func (f *Firmata) Refresh(ctx context.Context) {
	if !f.IsConnected() {
		return
	}
	f.swallow("getBoardState", f.bridge.PollBoardState(ctx))
}

// Written returns the last value written to a pin.
func (f *Firmata) Written(pin int) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.pins[pin]
	return v, ok
}

func (f *Firmata) mirror(pin, value int) {
	f.mu.Lock()
	f.pins[pin] = value
	f.mu.Unlock()
}

func (f *Firmata) mirrored(pin int) int {
	v, _ := f.Written(pin)
	return v
}

func (f *Firmata) resetPins() {
	f.mu.Lock()
	f.pins = make(map[int]int)
	f.mu.Unlock()
}

// swallow logs err and reports whether the operation succeeded.
func (f *Firmata) swallow(op string, err error) bool {
	if err == nil {
		return true
	}
	f.logger.Debug("firmata operation failed",
		f.logger.Field().String("op", op),
		f.logger.Field().Error("error", err))
	return false
}
