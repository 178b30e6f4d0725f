// Package sender implements the byte transport spec.md §4.9 describes:
// a TX fifo drained into <=MTU-byte link frames and an RX fifo fed by
// incoming notifications, both flushed on disconnect. Suspension (the
// "waits up to timeout" language in spec.md) is expressed as non-blocking
// polling primitives driven by the request engine's cooperative scheduler
// (spec.md §5: "suspension points occur only in main context, and only at
// explicit awaits"), rather than as a blocking call, since nothing in this
// module may itself block a goroutine standing in for an ISR.
package sender

import (
	"sync"

	"github.com/HumanDynamics/openbadge-sub000/internal/badgeerr"
	"github.com/HumanDynamics/openbadge-sub000/internal/bytefifo"
)

// Transport is the BLE GATT notify/write-without-response link (spec.md
// §6). Send must not block; it reports KindNoMemory if the underlying
// radio stack's buffer is full (the caller retries), and KindInvalidState
// if not connected.
type Transport interface {
	Send(frame []byte) error
	Connected() bool
}

// DefaultMTU is the link-layer chunk size frames are split into (spec.md
// §4.9, §6 "MTU chunking is 20 bytes").
const DefaultMTU = 20

// Sender owns the TX/RX byte fifos and the transmitting latch guarding
// re-entrant drains.
type Sender struct {
	transport Transport
	mtu       int

	mu           sync.Mutex
	tx           *bytefifo.FIFO
	rx           *bytefifo.FIFO
	transmitting bool
}

// New returns a Sender over transport with the given fifo capacities.
func New(transport Transport, txCapacity, rxCapacity, mtu int) *Sender {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Sender{
		transport: transport,
		mtu:       mtu,
		tx:        bytefifo.New(txCapacity),
		rx:        bytefifo.New(rxCapacity),
	}
}

// Transmit queues data atomically (KindNoMemory if it would not entirely
// fit) and kicks the drain loop.
func (s *Sender) Transmit(data []byte) error {
	s.mu.Lock()
	if !s.transport.Connected() {
		s.mu.Unlock()
		return badgeerr.New(badgeerr.KindInvalidState, "sender: not connected")
	}
	if err := s.tx.Push(data); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.drain()
}

// drain is re-entrant-safe via the transmitting latch (spec.md §4.9):
// a drain already in progress (because Send itself triggered another
// Transmit, or OnTxComplete re-entered) just returns, trusting the
// in-progress loop to keep going.
func (s *Sender) drain() error {
	s.mu.Lock()
	if s.transmitting {
		s.mu.Unlock()
		return nil
	}
	s.transmitting = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.tx.Len() == 0 {
			s.transmitting = false
			s.mu.Unlock()
			return nil
		}
		frame := make([]byte, s.mtu)
		n := s.tx.Peek(frame)
		frame = frame[:n]
		s.mu.Unlock()

		if err := s.transport.Send(frame); err != nil {
			s.mu.Lock()
			s.transmitting = false
			s.mu.Unlock()
			return err
		}
		s.mu.Lock()
		s.tx.Discard(n)
		s.mu.Unlock()
	}
}

// OnTxComplete is invoked by the BLE layer when a previously-started send
// finishes, giving the drain loop another chance to run if Transmit's
// call to drain bailed out on the latch.
func (s *Sender) OnTxComplete() error { return s.drain() }

// PushRX is called by the BLE notification handler with one incoming
// write-without-response payload.
func (s *Sender) PushRX(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rx.Push(data)
}

// TryConsume attempts to pop exactly len(dst) bytes from the RX fifo. It
// returns false (consuming nothing) if fewer are available yet; the
// caller re-polls on its next scheduler tick up to its own bounded
// timeout, matching spec.md's "await_data" semantics without blocking.
func (s *Sender) TryConsume(dst []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rx.Len() < len(dst) {
		return false
	}
	s.rx.Pop(dst)
	return true
}

// RXLen reports how many bytes are currently queued for consumption.
func (s *Sender) RXLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rx.Len()
}

// OnDisconnect flushes both fifos and resets the transmitting latch
// (spec.md §4.9, §5).
func (s *Sender) OnDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx.Flush()
	s.rx.Flush()
	s.transmitting = false
}
