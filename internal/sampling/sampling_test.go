package sampling

import (
	"testing"

	"github.com/HumanDynamics/openbadge-sub000/internal/badgefs"
	"github.com/HumanDynamics/openbadge-sub000/internal/blockdevice"
	"github.com/HumanDynamics/openbadge-sub000/internal/clock"
	"github.com/HumanDynamics/openbadge-sub000/internal/record"
	"github.com/HumanDynamics/openbadge-sub000/internal/storer"
)

func newTestStore(t *testing.T) *storer.Store {
	t.Helper()
	specs := storer.Specs(0)
	var total int64
	for _, s := range specs {
		if end := s.Offset + s.Size; end > total {
			total = end
		}
	}
	const sectorSize = 256
	numSectors := int((total + sectorSize - 1) / sectorSize)
	dev := blockdevice.NewMem(blockdevice.Geometry{PageSize: 32, SectorSize: sectorSize, NumSectors: numSectors})
	fs, err := badgefs.Open(dev, specs)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return storer.Open(fs)
}

func TestConfigBitset(t *testing.T) {
	var c Config
	c.Set(SourceAccel, ModeBatch, true)
	if !c.Is(SourceAccel, ModeBatch) {
		t.Fatalf("expected batch bit set")
	}
	if c.Is(SourceAccel, ModeStream) {
		t.Fatalf("stream bit should be unset")
	}
	if !c.AnyActive(SourceAccel) {
		t.Fatalf("AnyActive should be true")
	}
	c.Set(SourceAccel, ModeBatch, false)
	if c.AnyActive(SourceAccel) {
		t.Fatalf("AnyActive should be false after clearing only active mode")
	}
}

func TestAccelControllerBatchCloseAndPersist(t *testing.T) {
	clk := clock.New(24)
	store := newTestStore(t)
	ctl := NewAccelController(clk, store, 2, 4)

	ctl.Start(ModeBatch, 0)
	samples := make([]AccelSample, 5)
	for i := range samples {
		samples[i] = AccelSample{X: int16(i), Y: 1, Z: 1}
	}
	ctl.Drain(samples, 100)
	ctl.Stop(ModeBatch)

	if err := ctl.ConsumeChunks(); err != nil {
		t.Fatalf("ConsumeChunks: %v", err)
	}

	if _, ok := store.LastWritten(storer.Accel); !ok {
		t.Fatalf("expected a persisted accel chunk")
	}
}

func TestAccelControllerStreamMode(t *testing.T) {
	clk := clock.New(24)
	store := newTestStore(t)
	ctl := NewAccelController(clk, store, 2, 4)

	ctl.Start(ModeStream, 0)
	ctl.Drain([]AccelSample{{X: 1, Y: 2, Z: 3}}, 0)

	if ctl.StreamFIFO().Size() != 1 {
		t.Fatalf("expected 1 queued stream sample, got %d", ctl.StreamFIFO().Size())
	}
}

func TestScanControllerFinalizeAndSort(t *testing.T) {
	clk := clock.New(24)
	store := newTestStore(t)
	ctl := NewScanController(clk, store, 2, 8)

	ctl.Start(ModeBatch, 0, AggregationMax, 60, 5, 0)
	ctl.OnReport(record.BeaconIDFloor, 0, -40, record.PeerBeacon, 0)
	ctl.OnReport(1, 0, -60, record.PeerBadge, 0)
	ctl.OnCycleEnd()

	if err := ctl.ConsumeChunks(); err != nil {
		t.Fatalf("ConsumeChunks: %v", err)
	}
	if _, ok := store.LastWritten(storer.Scan); !ok {
		t.Fatalf("expected a persisted scan chunk")
	}
}

// TestScanControllerNoGroupFilterAcceptsEveryGroup reproduces spec.md §4.6:
// a start_scan with group_filter = NoGroupFilter (0xFF) must accept reports
// from every group rather than only group 0.
func TestScanControllerNoGroupFilterAcceptsEveryGroup(t *testing.T) {
	clk := clock.New(24)
	store := newTestStore(t)
	ctl := NewScanController(clk, store, 2, 8)

	ctl.Start(ModeBatch, NoGroupFilter, AggregationMax, 60, 5, 0)
	ctl.OnReport(1, 5, -40, record.PeerBadge, 0)
	ctl.OnReport(2, 9, -50, record.PeerBadge, 0)
	ctl.OnCycleEnd()

	if err := ctl.ConsumeChunks(); err != nil {
		t.Fatalf("ConsumeChunks: %v", err)
	}
	var chunk record.ScanChunk
	if ok, err := store.LoadLatest(storer.Scan, &chunk); err != nil || !ok {
		t.Fatalf("LoadLatest: ok=%v err=%v", ok, err)
	}
	if chunk.Count != 2 {
		t.Fatalf("chunk.Count = %d, want 2 (reports from groups 5 and 9 both accepted)", chunk.Count)
	}
}
