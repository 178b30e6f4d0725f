// Package badge wires the badge's owned collaborators -- clock, storage,
// transport, timeouts, the five sampling controllers, the request engine,
// and the advertiser -- into a single Core value, the way
// original_source/main.c's global state is gathered here into one struct
// passed by reference rather than free globals (spec.md §9 Design Notes).
package badge

import (
	"log"

	"golang.org/x/crypto/blake2s"

	"github.com/HumanDynamics/openbadge-sub000/internal/advert"
	"github.com/HumanDynamics/openbadge-sub000/internal/badgefs"
	"github.com/HumanDynamics/openbadge-sub000/internal/clock"
	"github.com/HumanDynamics/openbadge-sub000/internal/record"
	"github.com/HumanDynamics/openbadge-sub000/internal/request"
	"github.com/HumanDynamics/openbadge-sub000/internal/sampling"
	"github.com/HumanDynamics/openbadge-sub000/internal/sender"
	"github.com/HumanDynamics/openbadge-sub000/internal/storer"
	"github.com/HumanDynamics/openbadge-sub000/internal/timeout"
)

// Config bundles Core's sizing and timing knobs, grouped by subsystem the
// way stepper.Driver's constructors take one config value rather than a
// long parameter list.
type Config struct {
	CounterBits uint // clock.New tick-counter width.

	TxFIFOBytes, RxFIFOBytes int
	MTU                      int

	ChunkFIFOCapacity  int // per-source closed-chunk backlog before storage catches up.
	StreamFIFOCapacity int // per-source live-stream sample backlog.

	MicrophoneSamplePeriodMs uint16 // default inner-to-outer ratio hint, spec.md §4.6.

	Request request.Config
}

// DefaultConfig returns Core's default sizing, chosen to comfortably
// cover one hub-poll interval of activity across all five sources.
func DefaultConfig() Config {
	return Config{
		CounterBits:              24,
		TxFIFOBytes:              4096,
		RxFIFOBytes:              1024,
		MTU:                      sender.DefaultMTU,
		ChunkFIFOCapacity:        16,
		StreamFIFOCapacity:       32,
		MicrophoneSamplePeriodMs: 20,
		Request:                  request.DefaultConfig(),
	}
}

// Core is the badge's single owned instance of everything except the
// hardware drivers themselves (internal/board, internal/ble own those):
// one value constructed at boot and threaded by reference through every
// ISR handler and the main-context loop (spec.md §5, §9).
type Core struct {
	Clock    *clock.Clock
	Store    *storer.Store
	Sender   *sender.Sender
	Timeouts *timeout.Registry
	Engine   *request.Engine
	Advert   *advert.Advertiser

	Accel          *sampling.AccelController
	AccelInterrupt *sampling.AccelInterruptController
	Battery        *sampling.BatteryController
	Microphone     *sampling.MicrophoneController
	Scan           *sampling.ScanController

	mac [6]byte

	// scanCycleElapsedMs/scanOpenElapsedMs drive the scan source's outer
	// period_s/duration_s cycle timer (spec.md §4.6); reset whenever batch
	// mode is off so a fresh start_scan always opens its first cycle
	// immediately, as ScanController.Start already does.
	scanCycleElapsedMs uint32
	scanOpenElapsedMs  uint32
}

// New constructs a Core over fs (already opened by the caller with
// badgefs.Open), the link transport, and the advertising broadcaster.
// mac is the BLE MAC address, used both as the advertised identity and,
// if no assignment was ever persisted, as the seed for a regenerated one
// (spec.md line "regenerated from a hash of the BLE MAC if absent").
func New(cfg Config, fs *badgefs.FS, transport sender.Transport, bc advert.Broadcaster, mac [6]byte) (*Core, error) {
	clk := clock.New(cfg.CounterBits)
	store := storer.Open(fs)
	snd := sender.New(transport, cfg.TxFIFOBytes, cfg.RxFIFOBytes, cfg.MTU)
	timeouts := timeout.New(nil)

	c := &Core{
		Clock:          clk,
		Store:          store,
		Sender:         snd,
		Timeouts:       timeouts,
		Advert:         advert.New(bc),
		Accel:          sampling.NewAccelController(clk, store, cfg.ChunkFIFOCapacity, cfg.StreamFIFOCapacity),
		AccelInterrupt: sampling.NewAccelInterruptController(clk, store, cfg.ChunkFIFOCapacity, cfg.StreamFIFOCapacity),
		Battery:        sampling.NewBatteryController(clk, store, cfg.ChunkFIFOCapacity, cfg.StreamFIFOCapacity),
		Microphone:     sampling.NewMicrophoneController(clk, store, cfg.ChunkFIFOCapacity, cfg.StreamFIFOCapacity),
		Scan:           sampling.NewScanController(clk, store, cfg.ChunkFIFOCapacity, cfg.StreamFIFOCapacity),
		mac:            mac,
	}
	c.Engine = request.NewEngine(clk, store, snd, timeouts, cfg.Request,
		c.Accel, c.AccelInterrupt, c.Battery, c.Microphone, c.Scan)

	assignment, err := c.loadOrRegenerateAssignment()
	if err != nil {
		return nil, err
	}
	c.Engine.SetAssignment(assignment)

	return c, nil
}

// loadOrRegenerateAssignment reads the persisted (id, group) identity, or
// derives and persists a fresh one from blake2s(mac) if the assignment
// partition has never been written (spec.md line 60).
func (c *Core) loadOrRegenerateAssignment() (record.Assignment, error) {
	var a record.Assignment
	ok, err := c.Store.LoadLatest(storer.Assignment, &a)
	if err != nil {
		return record.Assignment{}, err
	}
	if ok {
		return a, nil
	}
	a = assignmentFromMAC(c.mac)
	wall := c.Clock.WallAt(0)
	if _, err := c.Store.Append(storer.Assignment, wall, &a); err != nil {
		return record.Assignment{}, err
	}
	log.Printf("badge: regenerated assignment %+v from MAC %x", a, c.mac)
	return a, nil
}

// assignmentFromMAC derives a deterministic (id, group) pair from a
// blake2s-256 digest of mac, so badges that lose their assignment
// partition (e.g. a fresh flash) settle on the same identity every time
// rather than a new random one per boot.
func assignmentFromMAC(mac [6]byte) record.Assignment {
	sum := blake2s.Sum256(mac[:])
	return record.Assignment{
		ID:    uint16(sum[0]) | uint16(sum[1])<<8,
		Group: sum[2],
	}
}

// Tick advances the liveness-timeout registry and the stream/response
// engine by elapsedMs of wall time, then drains every source's closed
// chunks to storage and refreshes the advertising payload. It is the
// single call the main-context scheduler loop makes once per tick (spec.md
// §5: "the main loop... reconciles FIFOs, advances timeouts, and steps the
// request engine").
func (c *Core) Tick(nowTick uint64, elapsedMs uint32) error {
	c.Timeouts.Tick(elapsedMs)
	if err := c.Engine.Poll(nowTick); err != nil {
		return err
	}
	c.driveScanCycle(nowTick, elapsedMs)
	if err := c.consumeChunks(); err != nil {
		return err
	}
	return c.refreshAdvert(nowTick)
}

// driveScanCycle is the outer period_s/duration_s timer for the Scan
// source that ScanController.Start's doc comment defers to "the caller"
// (spec.md §4.6): a cycle, once open, must be finalized after duration_s
// and a new one opened every period_s, neither of which anything before
// this existed to drive, so no scan chunk was ever persisted on real
// hardware despite start_scan/scan_data_request round-tripping over the
// wire.
func (c *Core) driveScanCycle(nowTick uint64, elapsedMs uint32) {
	if !c.Scan.BatchActive() {
		c.scanCycleElapsedMs, c.scanOpenElapsedMs = 0, 0
		return
	}
	periodMs, durationMs := c.Scan.CycleTimingMs()
	if periodMs == 0 {
		return
	}
	c.scanCycleElapsedMs += elapsedMs
	c.scanOpenElapsedMs += elapsedMs
	if durationMs > 0 && c.scanOpenElapsedMs >= durationMs {
		c.Scan.OnCycleEnd()
		c.scanOpenElapsedMs = 0
	}
	if c.scanCycleElapsedMs >= periodMs {
		c.scanCycleElapsedMs -= periodMs
		c.scanOpenElapsedMs = 0
		c.Scan.OnCycleStart(nowTick)
	}
}

func (c *Core) consumeChunks() error {
	for _, drain := range []func() error{
		c.Accel.ConsumeChunks,
		c.AccelInterrupt.ConsumeChunks,
		c.Battery.ConsumeChunks,
		c.Microphone.ConsumeChunks,
		c.Scan.ConsumeChunks,
	} {
		if err := drain(); err != nil {
			return err
		}
	}
	return nil
}

// refreshAdvert recomputes the advertising State from the Core's current
// identity and activity and republishes it if changed (spec.md §6).
func (c *Core) refreshAdvert(nowTick uint64) error {
	assignment, _ := c.Engine.Assignment()
	state := advert.State{
		Synced:         c.Clock.IsSynced(),
		Microphone:     c.Microphone.BatchActive(),
		Scan:           c.Scan.BatchActive(),
		Accel:          c.Accel.BatchActive(),
		AccelInterrupt: c.AccelInterrupt.BatchActive(),
		Battery:        c.Battery.BatchActive(),
		BatteryVolts:   c.Battery.Latest().Volts,
		Assignment:     assignment,
		MAC:            c.mac,
	}
	return c.Advert.Refresh(state)
}

// OnNotify and OnDisconnect forward BLE link-layer events into the
// engine/sender; they run in whatever context the BLE stack's own
// callbacks run in (spec.md §5).
func (c *Core) OnNotify(data []byte) error {
	return c.Sender.PushRX(data)
}

func (c *Core) OnDisconnect() {
	c.Sender.OnDisconnect()
	c.Engine.OnDisconnect()
}

// OnTxComplete forwards the radio's send-complete callback to resume a
// latched drain.
func (c *Core) OnTxComplete() error {
	return c.Sender.OnTxComplete()
}

// OnAccelDrain, OnAccelInterrupt, OnBatterySample, OnMicrophoneInnerTick,
// OnMicrophoneOuterTick, OnScanReport, OnScanCycleStart, and
// OnScanCycleEnd are ISR-context handlers: each only ever touches its own
// controller's lock-free FIFOs, never storage or the engine directly
// (spec.md §5's ISR/main-context split).
func (c *Core) OnAccelDrain(samples []sampling.AccelSample, nowTick uint64) {
	c.Accel.Drain(samples, nowTick)
}

func (c *Core) OnAccelInterrupt(nowTick uint64) {
	c.AccelInterrupt.OnInterrupt(nowTick)
}

func (c *Core) OnBatterySample(volts float32, nowTick uint64) {
	c.Battery.Sample(volts, nowTick)
}

func (c *Core) OnMicrophoneInnerTick(adc uint32) {
	c.Microphone.OnInnerSample(adc)
}

func (c *Core) OnMicrophoneOuterTick(nowTick uint64) {
	c.Microphone.OnOuterTick(nowTick)
}

func (c *Core) OnScanReport(peerID uint16, group uint8, rssi int8, kind record.PeerKind, nowTick uint64) {
	c.Scan.OnReport(peerID, group, rssi, kind, nowTick)
}

func (c *Core) OnScanCycleStart(nowTick uint64) {
	c.Scan.OnCycleStart(nowTick)
}

func (c *Core) OnScanCycleEnd() {
	c.Scan.OnCycleEnd()
}
