package sampling

import (
	"log"
	"sync"

	"github.com/HumanDynamics/openbadge-sub000/internal/chunkfifo"
	"github.com/HumanDynamics/openbadge-sub000/internal/clock"
	"github.com/HumanDynamics/openbadge-sub000/internal/record"
	"github.com/HumanDynamics/openbadge-sub000/internal/storer"
)

// minInnerSamplesExpected is the lower bound on inner-aggregation-timer
// samples per outer period that the original firmware assumed without
// enforcing (spec.md §9 Open Questions: "does not guarantee >=5 inner
// samples"); falling short is logged, not fatal.
const minInnerSamplesExpected = 5

// MicrophoneController implements spec.md §4.6's nested-timer RMS
// aggregation: an inner timer accumulates ADC samples during a short
// duty-cycle window; an outer timer converts the accumulator to one
// clamped 8-bit sample and resets it.
type MicrophoneController struct {
	clk    *clock.Clock
	store  *storer.Store
	chunks *chunkfifo.FIFO[record.MicrophoneChunk]
	stream *chunkfifo.FIFO[record.MicrophoneStreamSample]

	mu          sync.Mutex
	cfg         Config
	samplePerMs uint16
	accum       uint32
	innerCount  int
	open        record.MicrophoneChunk
	hasOpen     bool
}

func NewMicrophoneController(clk *clock.Clock, store *storer.Store, chunkCapacity, streamCapacity int) *MicrophoneController {
	return &MicrophoneController{
		clk:    clk,
		store:  store,
		chunks: chunkfifo.New[record.MicrophoneChunk](chunkCapacity),
		stream: chunkfifo.New[record.MicrophoneStreamSample](streamCapacity),
	}
}

func (m *MicrophoneController) Start(mode Mode, samplePeriodMs uint16, nowTick uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Set(SourceMicrophone, mode, true)
	m.samplePerMs = samplePeriodMs
	if mode == ModeBatch && !m.hasOpen {
		m.openLocked(nowTick)
	}
}

func (m *MicrophoneController) Stop(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Set(SourceMicrophone, mode, false)
	if !m.cfg.AnyActive(SourceMicrophone) && m.hasOpen {
		m.closeLocked()
	}
}

func (m *MicrophoneController) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.AnyActive(SourceMicrophone)
}

// StreamActive reports whether stream mode specifically is on.
func (m *MicrophoneController) StreamActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Is(SourceMicrophone, ModeStream)
}

// BatchActive reports whether batch mode specifically is on.
func (m *MicrophoneController) BatchActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Is(SourceMicrophone, ModeBatch)
}

func (m *MicrophoneController) openLocked(nowTick uint64) {
	wall := m.clk.WallNow(nowTick)
	m.open = record.MicrophoneChunk{Timestamp: record.Timestamp{Sec: wall.Sec, Ms: wall.Ms}, SamplePeriodMs: m.samplePerMs}
	m.hasOpen = true
}

func (m *MicrophoneController) closeLocked() {
	if !m.hasOpen {
		return
	}
	slot, info := m.chunks.WriteOpen()
	*slot = m.open
	info.TimestampSec, info.TimestampMs, info.Count = m.open.Timestamp.Sec, m.open.Timestamp.Ms, m.open.Count
	m.chunks.WriteClose()
	m.hasOpen = false
}

// OnInnerSample accumulates one raw ADC reading from the duty-cycle
// aggregation window.
func (m *MicrophoneController) OnInnerSample(adc uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accum += adc
	m.innerCount++
}

// OnOuterTick converts the accumulator to a clamped 8-bit sample, resets
// it, and emits into whichever modes are active.
func (m *MicrophoneController) OnOuterTick(nowTick uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.innerCount < minInnerSamplesExpected {
		log.Printf("sampling: microphone: only %d inner samples this period (want >=%d)", m.innerCount, minInnerSamplesExpected)
	}
	var value uint8
	if m.innerCount > 0 {
		avg := m.accum / uint32(m.innerCount)
		if avg > 0xFF {
			avg = 0xFF
		}
		value = uint8(avg)
	}
	m.accum, m.innerCount = 0, 0

	wall := m.clk.WallNow(nowTick)
	if m.cfg.Is(SourceMicrophone, ModeBatch) {
		if !m.hasOpen {
			m.openLocked(nowTick)
		}
		m.open.Samples[m.open.Count] = value
		m.open.Count++
		if m.open.Count == record.MicrophoneMaxSamples {
			m.closeLocked()
			m.openLocked(nowTick)
		}
	}
	if m.cfg.Is(SourceMicrophone, ModeStream) {
		slot, info := m.stream.WriteOpen()
		*slot = record.MicrophoneStreamSample{Timestamp: record.Timestamp{Sec: wall.Sec, Ms: wall.Ms}, Sample: value}
		info.TimestampSec, info.TimestampMs, info.Count = wall.Sec, wall.Ms, 1
		m.stream.WriteClose()
	}
}

func (m *MicrophoneController) ConsumeChunks() error {
	for {
		slot, info, ok := m.chunks.ReadOpen()
		if !ok {
			return nil
		}
		chunk := *slot
		wall := clock.Wall{Sec: info.TimestampSec, Ms: info.TimestampMs}
		if _, err := m.store.Append(storer.Microphone, wall, &chunk); err != nil {
			m.chunks.ReadClose()
			return err
		}
		m.chunks.ReadClose()
	}
}

func (m *MicrophoneController) StreamFIFO() *chunkfifo.FIFO[record.MicrophoneStreamSample] { return m.stream }
