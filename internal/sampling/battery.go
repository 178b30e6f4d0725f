package sampling

import (
	"sync"

	"github.com/HumanDynamics/openbadge-sub000/internal/chunkfifo"
	"github.com/HumanDynamics/openbadge-sub000/internal/clock"
	"github.com/HumanDynamics/openbadge-sub000/internal/record"
	"github.com/HumanDynamics/openbadge-sub000/internal/storer"
)

// BatteryController implements spec.md §4.6's periodic averaged-voltage
// sampling. The caller supplies the reading already averaged;
// BatteryController does no averaging of its own.
type BatteryController struct {
	clk    *clock.Clock
	store  *storer.Store
	chunks *chunkfifo.FIFO[record.BatterySample]
	stream *chunkfifo.FIFO[record.BatterySample]

	mu     sync.Mutex
	cfg    Config
	latest record.BatterySample
}

func NewBatteryController(clk *clock.Clock, store *storer.Store, chunkCapacity, streamCapacity int) *BatteryController {
	return &BatteryController{
		clk:    clk,
		store:  store,
		chunks: chunkfifo.New[record.BatterySample](chunkCapacity),
		stream: chunkfifo.New[record.BatterySample](streamCapacity),
	}
}

func (b *BatteryController) Start(mode Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Set(SourceBattery, mode, true)
}

func (b *BatteryController) Stop(mode Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Set(SourceBattery, mode, false)
}

func (b *BatteryController) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.AnyActive(SourceBattery)
}

// StreamActive reports whether stream mode specifically is on.
func (b *BatteryController) StreamActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Is(SourceBattery, ModeStream)
}

// BatchActive reports whether batch mode specifically is on.
func (b *BatteryController) BatchActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Is(SourceBattery, ModeBatch)
}

// Sample reports one averaged voltage reading at nowTick.
func (b *BatteryController) Sample(volts float32, nowTick uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wall := b.clk.WallNow(nowTick)
	b.latest = record.BatterySample{Timestamp: record.Timestamp{Sec: wall.Sec, Ms: wall.Ms}, Volts: volts}
	if b.cfg.Is(SourceBattery, ModeBatch) {
		slot, info := b.chunks.WriteOpen()
		*slot = b.latest
		info.TimestampSec, info.TimestampMs, info.Count = wall.Sec, wall.Ms, 1
		b.chunks.WriteClose()
	}
	if b.cfg.Is(SourceBattery, ModeStream) {
		slot, info := b.stream.WriteOpen()
		*slot = b.latest
		info.TimestampSec, info.TimestampMs, info.Count = wall.Sec, wall.Ms, 1
		b.stream.WriteClose()
	}
}

// Latest returns the most recently sampled voltage, for the status
// response (spec.md §4.8 "latest battery voltage"), regardless of whether
// either mode is currently active.
func (b *BatteryController) Latest() record.BatterySample {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

func (b *BatteryController) ConsumeChunks() error {
	for {
		slot, info, ok := b.chunks.ReadOpen()
		if !ok {
			return nil
		}
		sample := *slot
		wall := clock.Wall{Sec: info.TimestampSec, Ms: info.TimestampMs}
		if _, err := b.store.Append(storer.Battery, wall, &sample); err != nil {
			b.chunks.ReadClose()
			return err
		}
		b.chunks.ReadClose()
	}
}

func (b *BatteryController) StreamFIFO() *chunkfifo.FIFO[record.BatterySample] { return b.stream }
