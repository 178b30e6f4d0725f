package sampling

import (
	"sync"

	"github.com/HumanDynamics/openbadge-sub000/internal/chunkfifo"
	"github.com/HumanDynamics/openbadge-sub000/internal/clock"
	"github.com/HumanDynamics/openbadge-sub000/internal/record"
	"github.com/HumanDynamics/openbadge-sub000/internal/storer"
)

// AccelSample is one raw accelerometer triple as drained from the sensor's
// hardware FIFO.
type AccelSample struct{ X, Y, Z int16 }

func magnitude(s AccelSample) uint16 {
	abs := func(v int16) int32 {
		if v < 0 {
			return int32(-v)
		}
		return int32(v)
	}
	m := abs(s.X) + abs(s.Y) + abs(s.Z)
	if m > 0xFFFF {
		m = 0xFFFF
	}
	return uint16(m)
}

// AccelController drives the high-rate accelerometer pipeline (spec.md
// §4.6 "Accelerometer (high-rate vector)"): a drain timer feeds Drain with
// whatever the hardware FIFO holds, fanning out into a batch chunk
// (closed/reopened on capacity) and a raw stream FIFO.
type AccelController struct {
	clk   *clock.Clock
	store *storer.Store

	chunks *chunkfifo.FIFO[record.AccelChunk]
	stream *chunkfifo.FIFO[record.AccelStreamSample]

	mu      sync.Mutex
	cfg     Config
	open    record.AccelChunk
	hasOpen bool
}

// NewAccelController returns a controller with the given chunk/stream
// FIFO capacities.
func NewAccelController(clk *clock.Clock, store *storer.Store, chunkCapacity, streamCapacity int) *AccelController {
	return &AccelController{
		clk:    clk,
		store:  store,
		chunks: chunkfifo.New[record.AccelChunk](chunkCapacity),
		stream: chunkfifo.New[record.AccelStreamSample](streamCapacity),
	}
}

// Start enables mode for the accelerometer. The hardware FIFO-drain timer
// that feeds Drain runs outside this package (cmd/badge, through
// Core.OnAccelDrain), and internal/request's Engine starts the batch-mode
// liveness timeout in the shared registry.
func (a *AccelController) Start(mode Mode, nowTick uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Set(SourceAccel, mode, true)
	if mode == ModeBatch && !a.hasOpen {
		a.openLocked(nowTick)
	}
}

// Stop disables mode; when both modes are off the open chunk (if any) is
// flushed and the driver should stop its FIFO-drain timer.
func (a *AccelController) Stop(mode Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Set(SourceAccel, mode, false)
	if !a.cfg.AnyActive(SourceAccel) && a.hasOpen {
		a.closeLocked()
	}
}

// Active reports whether either mode is currently on.
func (a *AccelController) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.AnyActive(SourceAccel)
}

// StreamActive reports whether stream mode specifically is on.
func (a *AccelController) StreamActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Is(SourceAccel, ModeStream)
}

// BatchActive reports whether batch mode specifically is on.
func (a *AccelController) BatchActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Is(SourceAccel, ModeBatch)
}

func (a *AccelController) openLocked(nowTick uint64) {
	wall := a.clk.WallNow(nowTick)
	a.open = record.AccelChunk{Timestamp: record.Timestamp{Sec: wall.Sec, Ms: wall.Ms}}
	a.hasOpen = true
}

func (a *AccelController) closeLocked() {
	if !a.hasOpen {
		return
	}
	slot, info := a.chunks.WriteOpen()
	*slot = a.open
	info.TimestampSec = a.open.Timestamp.Sec
	info.TimestampMs = a.open.Timestamp.Ms
	info.Count = a.open.Count
	a.chunks.WriteClose()
	a.hasOpen = false
}

// Drain feeds newly-available raw samples from the sensor's hardware
// FIFO. It runs in the same execution context as the drain timer (ISR or
// main, per spec.md §5); it only ever writes into the lock-free chunk and
// stream FIFOs, never touches storage directly.
func (a *AccelController) Drain(samples []AccelSample, nowTick uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	batch := a.cfg.Is(SourceAccel, ModeBatch)
	stream := a.cfg.Is(SourceAccel, ModeStream)
	if !batch && !stream {
		return
	}
	wall := a.clk.WallNow(nowTick)
	for _, s := range samples {
		if batch {
			if !a.hasOpen {
				a.openLocked(nowTick)
			}
			a.open.Magnitude[a.open.Count] = magnitude(s)
			a.open.Count++
			if a.open.Count == record.AccelMaxSamples {
				a.closeLocked()
				a.openLocked(nowTick)
			}
		}
		if stream {
			slot, info := a.stream.WriteOpen()
			*slot = record.AccelStreamSample{Timestamp: record.Timestamp{Sec: wall.Sec, Ms: wall.Ms}, X: s.X, Y: s.Y, Z: s.Z}
			info.TimestampSec = wall.Sec
			info.TimestampMs = wall.Ms
			info.Count = 1
			a.stream.WriteClose()
		}
	}
}

// ConsumeChunks drains every closed chunk to storage, run from main
// context by internal/badge's Core after each drain.
func (a *AccelController) ConsumeChunks() error {
	for {
		slot, info, ok := a.chunks.ReadOpen()
		if !ok {
			return nil
		}
		chunk := *slot
		wall := clock.Wall{Sec: info.TimestampSec, Ms: info.TimestampMs}
		if _, err := a.store.Append(storer.Accel, wall, &chunk); err != nil {
			a.chunks.ReadClose()
			return err
		}
		a.chunks.ReadClose()
	}
}

// StreamFIFO exposes the raw stream for the sender/request layer to drain
// into a stream_response.
func (a *AccelController) StreamFIFO() *chunkfifo.FIFO[record.AccelStreamSample] { return a.stream }
