// Package board brings up the badge's GPIO-level hardware (the
// accelerometer's motion-interrupt line; everything else in spec.md §4.6
// is timer-driven, not interrupt-driven) the way driver/wshat.Open wires
// periph.io pins into debounced application-level events rather than
// leaving callers to poll raw GPIO state.
package board

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/HumanDynamics/openbadge-sub000/internal/blockdevice"
)

// Config bundles the board's GPIO wiring plus the flash geometry and
// default sampling periods that internal/badgefs and internal/sampling
// need at boot, the way stepper.go groups pinBits/stepsPerWord constants
// by subsystem instead of a generic config file.
type Config struct {
	AccelInterruptPin string
	DebounceMs        int

	Flash blockdevice.Geometry

	AccelDrainPeriodMs       uint16
	MicrophoneInnerPeriodMs  uint16
	MicrophoneOuterPeriodMs  uint16
	BatterySamplePeriodMs    uint16
}

// DefaultConfig names the pin layout and flash geometry of the reference
// badge board (512-byte pages, 4KB erase sectors, 256 sectors: 1 MiB in
// all).
func DefaultConfig() Config {
	return Config{
		AccelInterruptPin: "GPIO17",
		DebounceMs:        50,
		Flash: blockdevice.Geometry{
			PageSize:   512,
			SectorSize: 4096,
			NumSectors: 256,
		},
		AccelDrainPeriodMs:      100,
		MicrophoneInnerPeriodMs: 4,
		MicrophoneOuterPeriodMs: 20,
		BatterySamplePeriodMs:   60_000,
	}
}

// Board owns the badge's GPIO pins once host.Init has run.
type Board struct {
	accelInterrupt gpio.PinIn

	// AccelInterrupts delivers one event per debounced motion-interrupt
	// edge; the caller (cmd/badge) forwards each to
	// internal/badge.Core.OnAccelInterrupt.
	AccelInterrupts <-chan struct{}
}

// Open initializes the periph.io host drivers and resolves cfg's named
// pins, starting the debounced interrupt-forwarding goroutine.
func Open(cfg Config) (*Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("board: host.Init: %w", err)
	}

	pin := gpioreg.ByName(cfg.AccelInterruptPin)
	if pin == nil {
		return nil, fmt.Errorf("board: no such pin %q", cfg.AccelInterruptPin)
	}
	if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return nil, fmt.Errorf("board: configuring %q: %w", cfg.AccelInterruptPin, err)
	}

	ch := make(chan struct{})
	b := &Board{accelInterrupt: pin, AccelInterrupts: ch}
	go b.watchAccelInterrupt(ch, time.Duration(cfg.DebounceMs)*time.Millisecond)
	return b, nil
}

// watchAccelInterrupt mirrors driver/wshat's debounce loop: wait
// indefinitely for an edge, then swallow any further edges for debounce
// before emitting and re-arming.
func (b *Board) watchAccelInterrupt(ch chan<- struct{}, debounce time.Duration) {
	for {
		if !b.accelInterrupt.WaitForEdge(-1) {
			continue
		}
		ch <- struct{}{}
		b.accelInterrupt.WaitForEdge(debounce)
	}
}
