package chunkfifo

import "testing"

type accelChunk struct {
	samples [100]uint16
}

// TestOverflowDropsNewest exercises spec.md §8 scenario 2: an accel chunk
// FIFO of capacity 2 with no consumer, driven through 200 drains of 50
// samples each (100 chunks' worth), then consumed. Exactly 2 chunks should
// be returned, with the timestamps of the first two opened chunks.
func TestOverflowDropsNewest(t *testing.T) {
	f := New[accelChunk](2)

	open := func(sec uint32) (*accelChunk, *Info) {
		c, info := f.WriteOpen()
		info.TimestampSec = sec
		info.Count = 0
		return c, info
	}

	// Simulate the sampling core: each "setup" opens a fresh chunk
	// (since nothing ever closes+reopens here, WriteOpen always
	// returns the same pending slot until explicitly closed).
	sec := uint32(1)
	c, info := open(sec)
	for drain := 0; drain < 200; drain++ {
		for s := 0; s < 50; s++ {
			if info.Count >= len(c.samples) {
				f.WriteClose()
				sec++
				c, info = open(sec)
			}
			c.samples[info.Count] = uint16(info.Count)
			info.Count++
		}
	}
	f.WriteClose()

	var got []Info
	for {
		_, info, ok := f.ReadOpen()
		if !ok {
			break
		}
		got = append(got, *info)
		f.ReadClose()
	}

	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if got[0].TimestampSec != 1 || got[1].TimestampSec != 2 {
		t.Fatalf("got timestamps %d, %d; want 1, 2", got[0].TimestampSec, got[1].TimestampSec)
	}
}

func TestSizeInvariant(t *testing.T) {
	f := New[int](3)
	if f.Size() != 0 {
		t.Fatalf("empty fifo size = %d", f.Size())
	}
	for i := 0; i < 5; i++ {
		v, info := f.WriteOpen()
		*v = i
		info.Count = 1
		f.WriteClose()
		if s := f.Size(); s < 0 || s > f.Capacity() {
			t.Fatalf("size %d out of [0,%d]", s, f.Capacity())
		}
	}
	if f.Size() != f.Capacity() {
		t.Fatalf("size = %d, want full capacity %d", f.Size(), f.Capacity())
	}
}

func TestReaderNeverObservesUnclosedWrite(t *testing.T) {
	f := New[int](4)
	v, info := f.WriteOpen()
	*v = 42
	info.Count = 1
	// Not closed yet: reader must see nothing.
	if _, _, ok := f.ReadOpen(); ok {
		t.Fatalf("ReadOpen succeeded before WriteClose")
	}
	f.WriteClose()
	rv, _, ok := f.ReadOpen()
	if !ok || *rv != 42 {
		t.Fatalf("ReadOpen after close = %v, %v", *rv, ok)
	}
}
