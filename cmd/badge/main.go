// command badge is the wearable's firmware entry point: it brings up the
// board, the BLE radio, and the flash filesystem, then drives
// internal/badge.Core's main-context loop forever. It mirrors
// cmd/controller/main.go's run() structure -- init, open devices, loop --
// with the platform-specific pieces (board, BLE, flash path) gathered at
// the top instead of scattered through the loop.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/HumanDynamics/openbadge-sub000/internal/badge"
	"github.com/HumanDynamics/openbadge-sub000/internal/badgefs"
	"github.com/HumanDynamics/openbadge-sub000/internal/ble"
	"github.com/HumanDynamics/openbadge-sub000/internal/blockdevice"
	"github.com/HumanDynamics/openbadge-sub000/internal/board"
	"github.com/HumanDynamics/openbadge-sub000/internal/storer"
)

// flashImagePath is where the on-device flash image lives; a real badge
// mounts raw SPI NOR instead, but until internal/blockdevice grows a
// SPI-backed Device this is the same file-backed Sim cmd/badgectl
// already uses for bench testing.
const flashImagePath = "/var/lib/openbadge/flash.img"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "badge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	log.Println("badge: starting")

	boardCfg := board.DefaultConfig()
	brd, err := board.Open(boardCfg)
	if err != nil {
		return fmt.Errorf("badge: %w", err)
	}

	dev, err := openFlash(boardCfg.Flash)
	if err != nil {
		return fmt.Errorf("badge: %w", err)
	}
	fs, err := badgefs.Open(dev, storer.Specs(0))
	if err != nil {
		return fmt.Errorf("badge: opening filesystem: %w", err)
	}

	var core *badge.Core
	adapter, err := ble.Open(ble.Config{
		OnWrite: func(data []byte) {
			if err := core.OnNotify(data); err != nil {
				log.Printf("badge: OnNotify: %v", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("badge: %w", err)
	}

	mac, err := adapter.Address()
	if err != nil {
		return fmt.Errorf("badge: reading BLE address: %w", err)
	}

	core, err = badge.New(badge.DefaultConfig(), fs, adapter, adapter, mac)
	if err != nil {
		return fmt.Errorf("badge: %w", err)
	}

	go forwardAccelInterrupts(core, brd.AccelInterrupts)
	runMainLoop(core, boardCfg)
	return nil
}

func openFlash(geo blockdevice.Geometry) (*blockdevice.Sim, error) {
	if _, err := os.Stat(flashImagePath); err == nil {
		return blockdevice.OpenSim(flashImagePath, geo)
	}
	if err := os.MkdirAll(dirOf(flashImagePath), 0o755); err != nil {
		return nil, err
	}
	return blockdevice.NewSim(flashImagePath, geo)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func forwardAccelInterrupts(core *badge.Core, events <-chan struct{}) {
	var tick uint64
	for range events {
		core.OnAccelInterrupt(tick)
		tick++
	}
}

// runMainLoop is the cooperative scheduler spec.md §5 describes: a fixed
// tick period driving the clock reconciliation, the request engine, the
// per-source duty-cycle timers, and chunk drains, none of which ever
// blocks the loop itself.
func runMainLoop(core *badge.Core, cfg board.Config) {
	const schedulerPeriod = 10 * time.Millisecond
	ticker := time.NewTicker(schedulerPeriod)
	defer ticker.Stop()

	var tick uint64
	var sinceMicOuter, sinceMicInner, sinceAccelDrain, sinceBattery time.Duration

	for range ticker.C {
		tick++
		elapsedMs := uint32(schedulerPeriod.Milliseconds())
		core.Clock.Reconcile(tick)

		sinceAccelDrain += schedulerPeriod
		if sinceAccelDrain >= time.Duration(cfg.AccelDrainPeriodMs)*time.Millisecond {
			sinceAccelDrain = 0
			core.OnAccelDrain(nil, tick) // hardware FIFO contents supplied by the real driver.
		}

		sinceMicInner += schedulerPeriod
		if sinceMicInner >= time.Duration(cfg.MicrophoneInnerPeriodMs)*time.Millisecond {
			sinceMicInner = 0
			core.OnMicrophoneInnerTick(0) // raw ADC reading supplied by the real driver.
		}
		sinceMicOuter += schedulerPeriod
		if sinceMicOuter >= time.Duration(cfg.MicrophoneOuterPeriodMs)*time.Millisecond {
			sinceMicOuter = 0
			core.OnMicrophoneOuterTick(tick)
		}

		sinceBattery += schedulerPeriod
		if sinceBattery >= time.Duration(cfg.BatterySamplePeriodMs)*time.Millisecond {
			sinceBattery = 0
			core.OnBatterySample(0, tick) // raw ADC reading supplied by the real driver.
		}

		if err := core.Tick(tick, elapsedMs); err != nil {
			log.Printf("badge: Tick: %v", err)
		}
	}
}
