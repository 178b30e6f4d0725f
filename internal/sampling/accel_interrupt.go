package sampling

import (
	"sync"

	"github.com/HumanDynamics/openbadge-sub000/internal/chunkfifo"
	"github.com/HumanDynamics/openbadge-sub000/internal/clock"
	"github.com/HumanDynamics/openbadge-sub000/internal/record"
	"github.com/HumanDynamics/openbadge-sub000/internal/storer"
)

// AccelInterruptController implements spec.md §4.6's motion-interrupt
// sampling: each sensor interrupt stamps one sample. The controller does
// not suppress later interrupts itself; internal/board's pin watcher
// debounces edges (Config.DebounceMs) before they are forwarded.
type AccelInterruptController struct {
	clk    *clock.Clock
	store  *storer.Store
	chunks *chunkfifo.FIFO[record.AccelInterruptSample]
	stream *chunkfifo.FIFO[record.AccelInterruptSample]

	mu  sync.Mutex
	cfg Config
}

func NewAccelInterruptController(clk *clock.Clock, store *storer.Store, chunkCapacity, streamCapacity int) *AccelInterruptController {
	return &AccelInterruptController{
		clk:    clk,
		store:  store,
		chunks: chunkfifo.New[record.AccelInterruptSample](chunkCapacity),
		stream: chunkfifo.New[record.AccelInterruptSample](streamCapacity),
	}
}

func (c *AccelInterruptController) Start(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Set(SourceAccelInterrupt, mode, true)
}

func (c *AccelInterruptController) Stop(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Set(SourceAccelInterrupt, mode, false)
}

func (c *AccelInterruptController) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.AnyActive(SourceAccelInterrupt)
}

// StreamActive reports whether stream mode specifically is on.
func (c *AccelInterruptController) StreamActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Is(SourceAccelInterrupt, ModeStream)
}

// BatchActive reports whether batch mode specifically is on.
func (c *AccelInterruptController) BatchActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Is(SourceAccelInterrupt, ModeBatch)
}

// OnInterrupt handles one motion-interrupt event at nowTick, writing into
// whichever FIFOs are enabled.
func (c *AccelInterruptController) OnInterrupt(nowTick uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wall := c.clk.WallNow(nowTick)
	sample := record.AccelInterruptSample{Timestamp: record.Timestamp{Sec: wall.Sec, Ms: wall.Ms}}
	if c.cfg.Is(SourceAccelInterrupt, ModeBatch) {
		slot, info := c.chunks.WriteOpen()
		*slot = sample
		info.TimestampSec, info.TimestampMs, info.Count = wall.Sec, wall.Ms, 1
		c.chunks.WriteClose()
	}
	if c.cfg.Is(SourceAccelInterrupt, ModeStream) {
		slot, info := c.stream.WriteOpen()
		*slot = sample
		info.TimestampSec, info.TimestampMs, info.Count = wall.Sec, wall.Ms, 1
		c.stream.WriteClose()
	}
}

func (c *AccelInterruptController) ConsumeChunks() error {
	for {
		slot, info, ok := c.chunks.ReadOpen()
		if !ok {
			return nil
		}
		sample := *slot
		wall := clock.Wall{Sec: info.TimestampSec, Ms: info.TimestampMs}
		if _, err := c.store.Append(storer.AccelInterrupt, wall, &sample); err != nil {
			c.chunks.ReadClose()
			return err
		}
		c.chunks.ReadClose()
	}
}

func (c *AccelInterruptController) StreamFIFO() *chunkfifo.FIFO[record.AccelInterruptSample] { return c.stream }
