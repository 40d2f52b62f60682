package extension

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

var errStub = errors.New("stub failure")

// stubBridge implements the shared lifecycle surface.
type stubBridge struct {
	mu        sync.Mutex
	connected bool
	fail      bool
	calls     []string
}

func (s *stubBridge) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if s.fail {
		return errStub
	}
	return nil
}

func (s *stubBridge) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubBridge) Kind() contracts.PeripheralKind { return contracts.Firmata }
func (s *stubBridge) ExtensionID() string            { return "stub" }

func (s *stubBridge) State() contracts.ConnectionState {
	if s.IsConnected() {
		return contracts.Connected
	}
	return contracts.Disconnected
}

func (s *stubBridge) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubBridge) Peripherals() map[string]contracts.PeripheralRecord { return nil }
func (s *stubBridge) ConnectedPeripheral() (string, json.RawMessage)     { return "", nil }
func (s *stubBridge) Scan(context.Context) error                         { return s.record("scan") }

func (s *stubBridge) Connect(_ context.Context, id string, _ contracts.ConnectFunc) error {
	if err := s.record("connect " + id); err != nil {
		return err
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *stubBridge) Disconnect(context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return s.record("disconnect")
}

type stubFirmata struct {
	stubBridge
	board contracts.BoardState
}

func (s *stubFirmata) PinMode(context.Context, int, contracts.PinMode) error {
	return s.record("pinMode")
}

func (s *stubFirmata) DigitalWrite(context.Context, int, int) error {
	return s.record("digitalWrite")
}

func (s *stubFirmata) PWMWrite(context.Context, int, int) error {
	return s.record("pwmWrite")
}

func (s *stubFirmata) ServoWrite(context.Context, int, int) error {
	return s.record("servoWrite")
}

func (s *stubFirmata) BoardState() contracts.BoardState { return s.board.Clone() }

func (s *stubFirmata) PollBoardState(context.Context) error {
	return s.record("getBoardState")
}

type stubBLE struct {
	stubBridge
	data      []byte
	listeners []contracts.CharacteristicListener
}

func (s *stubBLE) Subscribe(_ context.Context, _, _ any, l contracts.CharacteristicListener) error {
	if err := s.record("subscribe"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return nil
		}
	}
	s.listeners = append(s.listeners, l)
	return nil
}

func (s *stubBLE) Unsubscribe(any, any, contracts.CharacteristicListener) bool { return false }

func (s *stubBLE) Read(context.Context, any, any, bool) ([]byte, error) {
	if err := s.record("read"); err != nil {
		return nil, err
	}
	return s.data, nil
}

func (s *stubBLE) Write(context.Context, any, any, []byte, bool) error {
	return s.record("write")
}

func (s *stubBLE) notify(n contracts.Notification) {
	s.mu.Lock()
	listeners := append([]contracts.CharacteristicListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.CharacteristicChanged(n)
	}
}
