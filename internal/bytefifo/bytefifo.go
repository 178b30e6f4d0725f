// Package bytefifo implements the bounded ring buffers used for BLE TX/RX
// byte streams and the GATT notification queue (spec.md §2, §4.9). Unlike
// chunkfifo it is a plain byte ring with push/pop semantics: the sender and
// request engine need to append and consume arbitrary-length runs of
// bytes, not zero-copy chunk handoff.
package bytefifo

import (
	"sync"

	"github.com/HumanDynamics/openbadge-sub000/internal/badgeerr"
)

// FIFO is a fixed-capacity byte ring guarded by a mutex (spec.md §5: "a
// critical section guards its indices").
type FIFO struct {
	mu   sync.Mutex
	buf  []byte
	head int
	size int
}

// New returns an empty FIFO with room for capacity bytes.
func New(capacity int) *FIFO {
	return &FIFO{buf: make([]byte, capacity)}
}

// Free returns the number of bytes that can currently be pushed.
func (f *FIFO) Free() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf) - f.size
}

// Len returns the number of bytes currently queued.
func (f *FIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// Push appends data atomically. It fails with KindNoMemory if data would
// not entirely fit, rather than partially writing (spec.md §4.9:
// "writes atomically").
func (f *FIFO) Push(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(data) > len(f.buf)-f.size {
		return badgeerr.New(badgeerr.KindNoMemory, "bytefifo: not enough space")
	}
	for i, b := range data {
		idx := (f.head + f.size + i) % len(f.buf)
		f.buf[idx] = b
	}
	f.size += len(data)
	return nil
}

// Pop removes and returns up to len(dst) bytes, returning the number
// copied.
func (f *FIFO) Pop(dst []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := min(len(dst), f.size)
	for i := 0; i < n; i++ {
		dst[i] = f.buf[(f.head+i)%len(f.buf)]
	}
	f.head = (f.head + n) % len(f.buf)
	f.size -= n
	return n
}

// Peek copies up to len(dst) queued bytes without consuming them.
func (f *FIFO) Peek(dst []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := min(len(dst), f.size)
	for i := 0; i < n; i++ {
		dst[i] = f.buf[(f.head+i)%len(f.buf)]
	}
	return n
}

// Discard removes up to n queued bytes without returning them.
func (f *FIFO) Discard(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > f.size {
		n = f.size
	}
	f.head = (f.head + n) % len(f.buf)
	f.size -= n
	return n
}

// Flush empties the FIFO, used on BLE disconnect (spec.md §4.9, §5).
func (f *FIFO) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = 0
	f.size = 0
}
