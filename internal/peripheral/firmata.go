package peripheral

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/calliope-edu/scratch-vm/sdk/contracts"
)

// ErrBoardClosed is the cause recorded when a board reports its port closed.
var ErrBoardClosed = errors.New("board transport no longer open")

// minPollTimeout bounds a single getBoardState request.
const minPollTimeout = time.Second

// Firmata is a bridge to a Firmata board. While connected it polls the board
// state and keeps a merged copy.
type Firmata struct {
	*Bridge

	pollInterval time.Duration

	boardMu  sync.RWMutex
	board    contracts.BoardState
	boardGen uint64

	pollMu   sync.Mutex
	stopPoll context.CancelFunc
}

var _ contracts.FirmataBridge = (*Firmata)(nil)

// NewFirmata creates a Firmata bridge.
func NewFirmata(opts *contracts.BridgeOptions) *Firmata {
	f := &Firmata{
		pollInterval: opts.PollInterval,
		board:        contracts.BoardState{},
	}
	if f.pollInterval <= 0 {
		f.pollInterval = contracts.DefaultPollInterval
	}
	f.Bridge = newBridge(contracts.Firmata, opts, "scan", nil)
	f.onConnected = f.startPolling
	f.onTeardown = f.resetBoard
	return f
}

// PinMode sets the mode of a pin.
func (f *Firmata) PinMode(ctx context.Context, pin int, mode contracts.PinMode) error {
	return f.Request(ctx, "pinMode", pinModeParams{Pin: pin, Mode: mode}, nil)
}

// DigitalWrite drives a digital pin.
func (f *Firmata) DigitalWrite(ctx context.Context, pin int, value int) error {
	return f.Request(ctx, "digitalWrite", pinValueParams{Pin: pin, Value: value}, nil)
}

// PWMWrite sets a PWM duty value.
func (f *Firmata) PWMWrite(ctx context.Context, pin int, value int) error {
	return f.Request(ctx, "pwmWrite", pinValueParams{Pin: pin, Value: value}, nil)
}

// ServoWrite sets a servo angle.
func (f *Firmata) ServoWrite(ctx context.Context, pin int, value int) error {
	return f.Request(ctx, "servoWrite", pinValueParams{Pin: pin, Value: value}, nil)
}

// BoardState returns a copy of the merged board state.
func (f *Firmata) BoardState() contracts.BoardState {
	f.boardMu.RLock()
	defer f.boardMu.RUnlock()
	return f.board.Clone()
}

// PollBoardState fetches the board state once and merges it. A response that
// arrives after the connection was torn down is discarded.
func (f *Firmata) PollBoardState(ctx context.Context) error {
	f.boardMu.RLock()
	gen := f.boardGen
	f.boardMu.RUnlock()

	var update contracts.BoardState
	if err := f.Request(ctx, "getBoardState", nil, &update); err != nil {
		return err
	}
	if !f.mergeBoard(gen, update) {
		return ErrNotConnected
	}
	return nil
}

// mergeBoard merges update into the cached state if gen is still the live
// connection, and reports whether it did.
func (f *Firmata) mergeBoard(gen uint64, update contracts.BoardState) bool {
	f.boardMu.Lock()
	defer f.boardMu.Unlock()
	if gen == 0 || gen != f.boardGen {
		return false
	}
	for k, v := range update {
		f.board[k] = v
	}
	return true
}

func (f *Firmata) startPolling(_ context.Context, gen uint64) {
	f.boardMu.Lock()
	f.boardGen = gen
	f.boardMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	f.pollMu.Lock()
	if f.stopPoll != nil {
		f.stopPoll()
	}
	f.stopPoll = cancel
	f.pollMu.Unlock()

	go f.poll(ctx, gen)
}

func (f *Firmata) poll(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	timeout := 10 * f.pollInterval
	if timeout < minPollTimeout {
		timeout = minPollTimeout
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var update contracts.BoardState
		rctx, cancel := context.WithTimeout(ctx, timeout)
		err := f.call(rctx, "getBoardState", nil, &update)
		cancel()
		if ctx.Err() != nil || errors.Is(err, ErrNotConnected) {
			return
		}
		if err != nil {
			f.logger.Debug("board poll failed", f.logger.Field().Error("error", err))
			continue
		}
		if !f.mergeBoard(gen, update) {
			return
		}

		if open, known := f.BoardState().IsOpen(); known && !open {
			f.fail(gen, ErrBoardClosed)
			return
		}
	}
}

// resetBoard stops polling and drops the cached board state.
func (f *Firmata) resetBoard() {
	f.pollMu.Lock()
	if f.stopPoll != nil {
		f.stopPoll()
		f.stopPoll = nil
	}
	f.pollMu.Unlock()

	f.boardMu.Lock()
	f.board = contracts.BoardState{}
	f.boardGen = 0
	f.boardMu.Unlock()
}

type pinModeParams struct {
	Pin  int               `json:"pin"`
	Mode contracts.PinMode `json:"mode"`
}

type pinValueParams struct {
	Pin   int `json:"pin"`
	Value int `json:"value"`
}
