package storer

import (
	"encoding/binary"
	"testing"

	"github.com/HumanDynamics/openbadge-sub000/internal/badgefs"
	"github.com/HumanDynamics/openbadge-sub000/internal/blockdevice"
	"github.com/HumanDynamics/openbadge-sub000/internal/clock"
	"github.com/HumanDynamics/openbadge-sub000/internal/codec"
	"github.com/HumanDynamics/openbadge-sub000/internal/record"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dev := blockdevice.NewMem(blockdevice.Geometry{PageSize: 32, SectorSize: 512, NumSectors: 272})
	fs, err := badgefs.Open(dev, Specs(0))
	if err != nil {
		t.Fatalf("badgefs.Open: %v", err)
	}
	return Open(fs)
}

func TestAppendAndLoadLatest(t *testing.T) {
	s := newTestStore(t)
	want := record.Assignment{ID: 42, Group: 3}
	if _, err := s.Append(Assignment, clock.Wall{Sec: 1}, &want); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var got record.Assignment
	ok, err := s.LoadLatest(Assignment, &got)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if !ok {
		t.Fatalf("LoadLatest reported nothing stored after an Append")
	}
	if got != want {
		t.Fatalf("LoadLatest = %+v, want %+v", got, want)
	}
}

func TestLoadLatestOnEmptyPartitionReportsNotOK(t *testing.T) {
	s := newTestStore(t)
	var got record.Assignment
	ok, err := s.LoadLatest(Assignment, &got)
	if err != nil {
		t.Fatalf("LoadLatest on empty partition: %v", err)
	}
	if ok {
		t.Fatalf("LoadLatest reported ok=true on a never-written partition")
	}
}

func TestLoadLatestReturnsMostRecentAppend(t *testing.T) {
	s := newTestStore(t)
	first := record.Assignment{ID: 1, Group: 1}
	second := record.Assignment{ID: 2, Group: 2}
	if _, err := s.Append(Assignment, clock.Wall{Sec: 1}, &first); err != nil {
		t.Fatalf("Append(first): %v", err)
	}
	if _, err := s.Append(Assignment, clock.Wall{Sec: 2}, &second); err != nil {
		t.Fatalf("Append(second): %v", err)
	}

	var got record.Assignment
	if ok, err := s.LoadLatest(Assignment, &got); err != nil || !ok {
		t.Fatalf("LoadLatest: ok=%v err=%v", ok, err)
	}
	if got != second {
		t.Fatalf("LoadLatest = %+v, want the most recent append %+v", got, second)
	}
}

func TestLastWrittenTracksMostRecentAppendWall(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.LastWritten(Battery); ok {
		t.Fatalf("LastWritten reported a write before any Append")
	}
	sample := record.BatterySample{Volts: 3.7}
	wall := clock.Wall{Sec: 100, Ms: 5}
	if _, err := s.Append(Battery, wall, &sample); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, ok := s.LastWritten(Battery)
	if !ok || got != wall {
		t.Fatalf("LastWritten = %+v, %v, want %+v, true", got, ok, wall)
	}
}

func TestAppendToUnregisteredKindFails(t *testing.T) {
	s := newTestStore(t)
	var a record.Assignment
	if _, err := s.Append(Kind("bogus"), clock.Wall{}, &a); err == nil {
		t.Fatalf("Append to an unregistered kind succeeded, want an error")
	}
}

func TestSeekBeforeFindsLatestElementAtOrBeforeTarget(t *testing.T) {
	s := newTestStore(t)
	samples := []record.BatterySample{
		{Timestamp: record.Timestamp{Sec: 10}, Volts: 3.0},
		{Timestamp: record.Timestamp{Sec: 20}, Volts: 3.2},
		{Timestamp: record.Timestamp{Sec: 30}, Volts: 3.4},
	}
	for _, smp := range samples {
		smp := smp
		if _, err := s.Append(Battery, clock.Wall{Sec: smp.Timestamp.Sec}, &smp); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	extract := func(payload []byte) (clock.Wall, bool) {
		var smp record.BatterySample
		if err := codec.Unmarshal(binary.LittleEndian, payload, &smp); err != nil {
			return clock.Wall{}, false
		}
		return clock.Wall{Sec: smp.Timestamp.Sec}, true
	}

	it, err := s.SeekBefore(Battery, clock.Wall{Sec: 25}, extract)
	if err != nil {
		t.Fatalf("SeekBefore: %v", err)
	}
	payload, err := it.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	var got record.BatterySample
	if err := codec.Unmarshal(binary.LittleEndian, payload, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Timestamp.Sec != 20 {
		t.Fatalf("SeekBefore(25) landed on Sec=%d, want 20", got.Timestamp.Sec)
	}
}
