package sampling

import (
	"sync"

	"github.com/HumanDynamics/openbadge-sub000/internal/chunkfifo"
	"github.com/HumanDynamics/openbadge-sub000/internal/clock"
	"github.com/HumanDynamics/openbadge-sub000/internal/record"
	"github.com/HumanDynamics/openbadge-sub000/internal/storer"
)

// Aggregation selects how repeated sightings of the same peer within one
// scan cycle combine their rssi (spec.md §4.6).
type Aggregation int

const (
	AggregationMax Aggregation = iota
	AggregationMean
)

// DefaultMinRSSI is MIN_RSSI from original_source/scanner_lib.c: reports
// weaker than this are dropped before classification even completes.
const DefaultMinRSSI int8 = -90

// NoGroupFilter is scan_no_group_filter_pattern from
// original_source/sampling_lib.c: a start_scan group_filter of 0xFF accepts
// reports from every group instead of filtering to one (spec.md §4.6,
// "filtered by group (≠ reset-pattern)").
const NoGroupFilter uint8 = 0xFF

// ScanController implements spec.md §4.6's Scan pipeline and §4.7's sort
// policy. The BLE adapter is responsible for radio scan parameters and
// for classifying each report's payload into a peer id (spec.md "identify
// peer id from the payload"); ScanController only filters and aggregates.
type ScanController struct {
	clk   *clock.Clock
	store *storer.Store

	chunks *chunkfifo.FIFO[record.ScanChunk]
	stream *chunkfifo.FIFO[record.ScanStreamSample]

	mu          sync.Mutex
	cfg         Config
	groupFilter uint8
	minRSSI     int8
	aggregation Aggregation

	hasOpen   bool
	openWall  clock.Wall
	entries   []record.ScanEntry
	sums      map[uint16]int32
	index     map[uint16]int

	// cyclePeriodMs/cycleDurationMs are period_s/duration_s from the
	// start_scan request that last (re)armed batch mode, in milliseconds;
	// the caller driving OnCycleStart/OnCycleEnd (internal/badge.Core)
	// reads these back via CycleTimingMs to run the outer cycle timer.
	cyclePeriodMs   uint32
	cycleDurationMs uint32
}

func NewScanController(clk *clock.Clock, store *storer.Store, chunkCapacity, streamCapacity int) *ScanController {
	return &ScanController{
		clk:     clk,
		store:   store,
		chunks:  chunkfifo.New[record.ScanChunk](chunkCapacity),
		stream:  chunkfifo.New[record.ScanStreamSample](streamCapacity),
		minRSSI: DefaultMinRSSI,
		index:   make(map[uint16]int),
		sums:    make(map[uint16]int32),
	}
}

// Start enables mode with the given cycle parameters (spec.md §6
// start_scan_request fields group_filter/aggregation are applied here;
// window/interval drive the BLE radio itself, out of scope per spec.md §1).
// periodS/durationS set the outer batch cycle: periodS is how often a cycle
// opens, durationS is how long it stays open before being finalized; the
// caller (internal/badge.Core) reads them back via CycleTimingMs to drive
// OnCycleStart/OnCycleEnd once per scheduler tick.
func (s *ScanController) Start(mode Mode, groupFilter uint8, aggregation Aggregation, periodS, durationS uint16, nowTick uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Set(SourceScan, mode, true)
	s.groupFilter = groupFilter
	s.aggregation = aggregation
	if mode == ModeBatch {
		s.cyclePeriodMs = uint32(periodS) * 1000
		s.cycleDurationMs = uint32(durationS) * 1000
		if !s.hasOpen {
			s.openCycleLocked(nowTick)
		}
	}
}

// CycleTimingMs returns the period/duration (in milliseconds) of the
// currently configured batch cycle, or (0, 0) if batch mode was never
// started. A zero period means there is no outer cycle timer to drive.
func (s *ScanController) CycleTimingMs() (periodMs, durationMs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cyclePeriodMs, s.cycleDurationMs
}

func (s *ScanController) Stop(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Set(SourceScan, mode, false)
	if !s.cfg.AnyActive(SourceScan) && s.hasOpen {
		s.finalizeLocked()
	}
}

func (s *ScanController) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.AnyActive(SourceScan)
}

// StreamActive reports whether stream mode specifically is on.
func (s *ScanController) StreamActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Is(SourceScan, ModeStream)
}

// BatchActive reports whether batch mode specifically is on.
func (s *ScanController) BatchActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Is(SourceScan, ModeBatch)
}

func (s *ScanController) openCycleLocked(nowTick uint64) {
	s.openWall = s.clk.WallNow(nowTick)
	s.entries = s.entries[:0]
	s.index = make(map[uint16]int)
	s.sums = make(map[uint16]int32)
	s.hasOpen = true
}

// OnCycleStart is called by the outer period_s timer: in batch mode it
// finalizes any still-open cycle (shouldn't normally happen; duration_s
// should have already closed it) and opens a fresh one.
func (s *ScanController) OnCycleStart(nowTick uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Is(SourceScan, ModeBatch) {
		return
	}
	if s.hasOpen {
		s.finalizeLocked()
	}
	s.openCycleLocked(nowTick)
}

// OnCycleEnd is called by the duration_s timeout: finalize aggregation,
// sort, truncate, and hand the chunk to the consumer.
func (s *ScanController) OnCycleEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeLocked()
}

func (s *ScanController) finalizeLocked() {
	if !s.hasOpen {
		return
	}
	for i := range s.entries {
		if s.aggregation == AggregationMean {
			id := s.entries[i].PeerID
			if c := s.entries[i].Count; c > 0 {
				s.entries[i].RSSI = int8(s.sums[id] / int32(c))
			}
		}
	}
	sorted := SortTruncateScan(s.entries)
	chunk := record.ScanChunk{
		Timestamp: record.Timestamp{Sec: s.openWall.Sec, Ms: s.openWall.Ms},
		Count:     len(sorted),
	}
	copy(chunk.Entries[:], sorted)

	slot, info := s.chunks.WriteOpen()
	*slot = chunk
	info.TimestampSec, info.TimestampMs, info.Count = chunk.Timestamp.Sec, chunk.Timestamp.Ms, chunk.Count
	s.chunks.WriteClose()

	s.hasOpen = false
	s.entries = nil
}

// OnReport processes one classified advertising report. kind must already
// reflect the BLE layer's payload classification; group and rssi come
// straight from the report. Unknown peers and reports below the
// configured minimum rssi are dropped (spec.md §4.6).
func (s *ScanController) OnReport(peerID uint16, group uint8, rssi int8, kind record.PeerKind, nowTick uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == record.PeerUnknown || rssi < s.minRSSI {
		return
	}
	if s.groupFilter != NoGroupFilter && group != s.groupFilter {
		return
	}
	if s.cfg.Is(SourceScan, ModeBatch) && s.hasOpen {
		if i, ok := s.index[peerID]; ok {
			e := &s.entries[i]
			if e.Count < 0xFF {
				e.Count++
			}
			switch s.aggregation {
			case AggregationMax:
				if rssi > e.RSSI {
					e.RSSI = rssi
				}
			case AggregationMean:
				s.sums[peerID] += int32(rssi)
			}
		} else if len(s.entries) < record.ScanSamplingMaxEntries {
			s.index[peerID] = len(s.entries)
			s.sums[peerID] = int32(rssi)
			s.entries = append(s.entries, record.ScanEntry{PeerID: peerID, Group: group, RSSI: rssi, Count: 1})
		}
	}
	if s.cfg.Is(SourceScan, ModeStream) {
		slot, info := s.stream.WriteOpen()
		*slot = record.ScanStreamSample{PeerID: peerID, RSSI: rssi}
		info.Count = 1
		s.stream.WriteClose()
	}
}

func (s *ScanController) ConsumeChunks() error {
	for {
		slot, info, ok := s.chunks.ReadOpen()
		if !ok {
			return nil
		}
		chunk := *slot
		wall := clock.Wall{Sec: info.TimestampSec, Ms: info.TimestampMs}
		if _, err := s.store.Append(storer.Scan, wall, &chunk); err != nil {
			s.chunks.ReadClose()
			return err
		}
		s.chunks.ReadClose()
	}
}

func (s *ScanController) StreamFIFO() *chunkfifo.FIFO[record.ScanStreamSample] { return s.stream }
