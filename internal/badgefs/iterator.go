package badgefs

import (
	"errors"
	"io"

	"github.com/HumanDynamics/openbadge-sub000/internal/badgeerr"
)

// ErrEmpty is returned by Latest when a partition has never had an
// element appended.
var ErrEmpty = badgeerr.New(badgeerr.KindInvalidState, "badgefs: partition is empty")

// Iterator walks a partition's elements oldest-to-newest or
// newest-to-oldest, skipping corrupt elements automatically. An Iterator
// is invalidated by any Append or Clear on its partition (spec.md §4.4
// "iterator invalidated on concurrent writes"); using one past that point
// returns badgeerr.KindInvalidState.
type Iterator struct {
	p          *Partition
	generation uint64

	// addr is the current element's record-start offset, absolute within
	// the device. beforeFirst is a virtual position with no current
	// element, used when a timestamp seek finds nothing old enough:
	// Next() from here lands on the oldest element in the partition.
	addr        int64
	payloadLen  int
	beforeFirst bool

	latestAddr int64 // snapshot, so Next() knows when it has reached the end.
}

func (p *Partition) checkGeneration(it *Iterator) error {
	if it.generation != p.generation {
		return badgeerr.New(badgeerr.KindInvalidState, "badgefs: %s: iterator invalidated by a concurrent write", p.spec.Name)
	}
	return nil
}

// Latest returns an Iterator positioned at the most recently appended
// element.
func (p *Partition) Latest() (*Iterator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hdr.latestOffset == 0 {
		return nil, ErrEmpty
	}
	return &Iterator{
		p:          p,
		generation: p.generation,
		addr:       p.spec.Offset + int64(p.hdr.latestOffset),
		payloadLen: int(p.hdr.latestPayload),
		latestAddr: p.spec.Offset + int64(p.hdr.latestOffset),
	}, nil
}

// SeekBefore walks backward from the latest element, skipping corrupt
// ones, until at() reports ok and older for an element whose timestamp is
// at or before the caller's search target, or the start of the partition
// is reached. If no such element exists (every stored element is newer
// than the target, or the partition is empty), it returns a valid
// iterator positioned "before the first" element: the subsequent Next
// call then lands on the oldest element, matching
// find_chunk_from_timestamp's documented behavior (spec.md §8 scenario
// 4) of never skipping data older than every request.
func (p *Partition) SeekBefore(older func(payload []byte) (isOlder bool, ok bool)) (*Iterator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it := &Iterator{p: p, generation: p.generation, beforeFirst: true}
	if p.hdr.latestOffset == 0 {
		return it, nil
	}
	it.latestAddr = p.spec.Offset + int64(p.hdr.latestOffset)
	addr := it.latestAddr
	payloadLen := int(p.hdr.latestPayload)
	for {
		payload, err := p.readPayload(addr, payloadLen)
		if err == nil {
			if isOlder, ok := older(payload); ok && isOlder {
				it.addr = addr
				it.payloadLen = payloadLen
				it.beforeFirst = false
				return it, nil
			}
		}
		if addr == p.dataStart() {
			return it, nil // exhausted the lap; stays beforeFirst.
		}
		prevLen, perr := p.prevPayloadLen(addr, payloadLen)
		if perr != nil {
			return it, nil // a broken chain link also bounds the walk.
		}
		addr -= p.recordFootprint(prevLen)
		payloadLen = prevLen
	}
}

// prevPayloadLen decodes the payload length of the element immediately
// before the one at addr (which has length curPayloadLen), via the
// stored xor-length chain (spec.md §4.4). Static partitions have a
// constant length and need no chain.
func (p *Partition) prevPayloadLen(addr int64, curPayloadLen int) (int, error) {
	if p.spec.Kind == Static {
		return p.spec.ElementLen, nil
	}
	xorLen, err := p.readXorLen(addr)
	if err != nil {
		return 0, err
	}
	return int(xorLen) ^ curPayloadLen, nil
}

// Next advances the iterator to the next-newer element (toward latest).
// It returns io.EOF once past the latest element. Corrupt elements are
// skipped transparently.
func (it *Iterator) Next() error {
	if err := it.p.checkGeneration(it); err != nil {
		return err
	}
	p := it.p
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if it.beforeFirst {
			if p.hdr.latestOffset == 0 {
				return io.EOF
			}
			firstLen, err := p.nextPayloadLen(p.dataStart(), 0)
			if err != nil {
				return err
			}
			it.addr = p.dataStart()
			it.payloadLen = firstLen
		} else {
			if it.addr == it.latestAddr {
				return io.EOF
			}
			nextAddr := it.addr + p.recordFootprint(it.payloadLen)
			nextPayloadLen, err := p.nextPayloadLen(nextAddr, it.payloadLen)
			if err != nil {
				return err
			}
			it.addr = nextAddr
			it.payloadLen = nextPayloadLen
		}
		it.beforeFirst = false
		if _, err := p.readPayload(it.addr, it.payloadLen); err == nil {
			return nil
		}
		// Corrupt: continue advancing past it (spec.md §4.4).
	}
}

func (p *Partition) nextPayloadLen(addr int64, prevPayloadLen int) (int, error) {
	if p.spec.Kind == Static {
		return p.spec.ElementLen, nil
	}
	xorLen, err := p.readXorLen(addr)
	if err != nil {
		return 0, err
	}
	return int(xorLen) ^ prevPayloadLen, nil
}

// Prev steps the iterator to the next-older element. It returns io.EOF
// once the start of the partition is reached.
func (it *Iterator) Prev() error {
	if err := it.p.checkGeneration(it); err != nil {
		return err
	}
	p := it.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if it.beforeFirst {
		return io.EOF
	}
	for {
		if it.addr == p.dataStart() {
			it.beforeFirst = true
			return io.EOF
		}
		prevLen, err := p.prevPayloadLen(it.addr, it.payloadLen)
		if err != nil {
			it.beforeFirst = true
			return io.EOF
		}
		it.addr -= p.recordFootprint(prevLen)
		it.payloadLen = prevLen
		if _, err := p.readPayload(it.addr, it.payloadLen); err == nil {
			return nil
		}
		// Corrupt: keep walking backward past it.
	}
}

// Payload returns the current element's payload, validating its CRC if
// the partition carries one.
func (it *Iterator) Payload() ([]byte, error) {
	if err := it.p.checkGeneration(it); err != nil {
		return nil, err
	}
	if it.beforeFirst {
		return nil, errors.New("badgefs: iterator has no current element")
	}
	p := it.p
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readPayload(it.addr, it.payloadLen)
}

// RecordID returns the current element's monotonically assigned id.
func (it *Iterator) RecordID() (uint16, error) {
	if err := it.p.checkGeneration(it); err != nil {
		return 0, err
	}
	if it.beforeFirst {
		return 0, errors.New("badgefs: iterator has no current element")
	}
	p := it.p
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readRecordID(it.addr)
}

func (p *Partition) readRecordID(addr int64) (uint16, error) {
	buf, err := p.fs.dev.Read(addr, recordIDSize)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint16(buf), nil
}

func (p *Partition) readXorLen(addr int64) (uint16, error) {
	buf, err := p.fs.dev.Read(addr+recordIDSize, xorLenSize)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint16(buf), nil
}

func (p *Partition) payloadOffset() int64 {
	n := int64(recordIDSize)
	if p.spec.Kind == Dynamic {
		n += xorLenSize
	}
	return n
}

// readPayload reads and, if the partition carries a CRC, validates the
// payload at addr. A CRC mismatch (or an out-of-range read, which
// indicates a bogus chain link) is reported as badgeerr.KindInvalidData
// so callers treat it as corruption to skip, not a fatal error.
func (p *Partition) readPayload(addr int64, payloadLen int) ([]byte, error) {
	total := payloadLen
	if p.spec.WithCRC {
		total += crcSize
	}
	buf, err := p.fs.dev.Read(addr+p.payloadOffset(), total)
	if err != nil {
		return nil, badgeerr.Wrap(badgeerr.KindInvalidData, err)
	}
	payload := buf[:payloadLen]
	if p.spec.WithCRC {
		want := byteOrder.Uint16(buf[payloadLen:])
		if crc16(payload) != want {
			return nil, badgeerr.New(badgeerr.KindInvalidData, "badgefs: %s: crc mismatch at %d", p.spec.Name, addr)
		}
	}
	return payload, nil
}
