package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/calliope-edu/scratch-vm/internal/config"
	"github.com/calliope-edu/scratch-vm/internal/logger"
	"github.com/calliope-edu/scratch-vm/sdk/contracts"
	"github.com/calliope-edu/scratch-vm/sdk/extension"
)

func main() {
	log := logger.NewZapLogger()

	cfg, err := config.Load(os.Getenv("SCRATCH_BRIDGE_CONFIG"))
	if err != nil {
		log.Error("Failed to load configuration", log.Field().Error("error", err))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ble, err := extension.NewBLE(append(cfg.BLEOptions(), contracts.WithLogger(log))...)
	if err != nil {
		log.Error("Failed to initialize BLE extension", log.Field().Error("error", err))
		return
	}
	ble.SetWriteInterval(cfg.BLE.WriteInterval)
	if err := ble.Scan(ctx); err != nil {
		log.Error("BLE scan failed", log.Field().Error("error", err))
	} else {
		waitForPeripherals(ctx, ble.Bridge(), cfg.BLE.ScanTimeout)
		fmt.Println("Available BLE peripherals:", ble.Bridge().Peripherals())
		_ = ble.Disconnect(ctx)
	}

	board, err := extension.NewFirmata(append(cfg.FirmataOptions(), contracts.WithLogger(log))...)
	if err != nil {
		log.Error("Failed to initialize Firmata extension", log.Field().Error("error", err))
		return
	}
	defer board.Disconnect(context.Background())

	if err := board.Scan(ctx); err != nil {
		log.Error("Firmata scan failed", log.Field().Error("error", err))
		return
	}
	if !waitForPeripherals(ctx, board.Bridge(), cfg.Firmata.ScanTimeout) {
		log.Error("No Firmata board found")
		return
	}
	if err := board.Connect(ctx, ""); err != nil {
		log.Error("Failed to connect to board", log.Field().Error("error", err))
		return
	}

	const ledPin = 13
	board.SetPinMode(ctx, ledPin, contracts.PinOutput)

	fmt.Println("Blinking pin 13... Press Ctrl+C to exit.")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	level := 0
	for board.IsConnected() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level ^= 1
			board.DigitalWrite(ctx, ledPin, level)
			board.Refresh(ctx)
			log.Info("Pin state",
				log.Field().Int("pin", ledPin),
				log.Field().Int("written", level),
				log.Field().Int("read", board.DigitalRead(ledPin)))
		}
	}
}

// waitForPeripherals blocks until discovery reports a peripheral or timeout elapses.
func waitForPeripherals(ctx context.Context, b contracts.PeripheralBridge, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(b.Peripherals()) > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}
