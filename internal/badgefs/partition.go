// Package badgefs implements the chunked persistence layer: a
// multi-partition, log-structured append log over a raw block device,
// with per-partition timestamped reverse search, forward iteration,
// corruption tolerance, and wrap-on-full rotation. See spec.md §4.4.
package badgefs

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/HumanDynamics/openbadge-sub000/internal/badgeerr"
	"github.com/HumanDynamics/openbadge-sub000/internal/blockdevice"
)

// Kind distinguishes fixed-length elements from length-prefixed ones.
type Kind uint8

const (
	Static Kind = iota
	Dynamic
)

const (
	recordIDSize = 2
	xorLenSize   = 2
	crcSize      = 2

	// headerReserve is the fixed space reserved for a partition's
	// metadata header, kept well clear of the smallest realistic flash
	// page so Store never spans the header/data boundary misaligned.
	headerReserve = 32
)

var byteOrder = binary.LittleEndian // on-storage byte order, spec.md §4.5.

// Spec describes one partition's static layout, registered at boot the
// way storer_register_partitions() does in the original firmware: always
// in the same order, so partition boundaries never need to be persisted
// to be rediscovered (only their mutable header contents do).
type Spec struct {
	Name       string
	Offset     int64 // byte offset of the partition within the device.
	Size       int64 // total size including the reserved header.
	Kind       Kind
	WithCRC    bool
	ElementLen int // required, and only meaningful, for Static partitions.
}

// header is a partition's persisted metadata (spec.md §4.4).
type header struct {
	kind           Kind
	withCRC        bool
	elementLen     uint16
	latestRecordID uint16
	latestOffset   uint32 // relative to partition start; 0 means empty.
	latestPayload  uint32 // payload length (not on-disk footprint) of the latest element.
	wrapCount      uint32
}

const headerEncodedLen = 1 + 1 + 2 + 2 + 4 + 4 + 4

func (h *header) encode() []byte {
	buf := make([]byte, 0, headerEncodedLen)
	kind := byte(h.kind)
	if h.withCRC {
		kind |= 0x80
	}
	buf = append(buf, kind, 0)
	buf = byteOrder.AppendUint16(buf, h.elementLen)
	buf = byteOrder.AppendUint16(buf, h.latestRecordID)
	buf = byteOrder.AppendUint32(buf, h.latestOffset)
	buf = byteOrder.AppendUint32(buf, h.latestPayload)
	buf = byteOrder.AppendUint32(buf, h.wrapCount)
	return buf
}

func decodeHeader(buf []byte) (header, bool) {
	var h header
	if len(buf) < headerEncodedLen {
		return h, false
	}
	kindByte := buf[0]
	h.kind = Kind(kindByte &^ 0x80)
	h.withCRC = kindByte&0x80 != 0
	h.elementLen = byteOrder.Uint16(buf[2:4])
	h.latestRecordID = byteOrder.Uint16(buf[4:6])
	h.latestOffset = byteOrder.Uint32(buf[6:10])
	h.latestPayload = byteOrder.Uint32(buf[10:14])
	h.wrapCount = byteOrder.Uint32(buf[14:18])
	// An erased (all-0xFF) header reads back as kind=0x7F, rejected by
	// the caller via the uninitialized check in load().
	return h, true
}

// Partition is one registered region of the block device.
type Partition struct {
	spec Spec
	fs   *FS

	mu         sync.Mutex
	hdr        header
	generation uint64 // bumped on every Append, invalidates open iterators.
}

func (p *Partition) dataStart() int64 { return p.spec.Offset + headerReserve }
func (p *Partition) dataEnd() int64   { return p.spec.Offset + p.spec.Size }

func (p *Partition) elementOverhead() int {
	n := recordIDSize
	if p.spec.Kind == Dynamic {
		n += xorLenSize
	}
	if p.spec.WithCRC {
		n += crcSize
	}
	return n
}

func pad4(n int) int { return (n + 3) &^ 3 }

// recordFootprint returns the word-aligned on-disk footprint of an element
// carrying payloadLen bytes of payload, including recordID, the dynamic
// xor-length field (if any), CRC (if any), and trailing pad bytes. Every
// Store address used by Append/Iterator is computed by stepping by this
// value, which keeps every element start word-aligned (spec.md §4.4)
// without persisting the padding anywhere.
func (p *Partition) recordFootprint(payloadLen int) int64 {
	return int64(pad4(p.elementOverhead() + payloadLen))
}

// staticTotalLen returns the fixed on-disk record footprint for a Static
// partition.
func (p *Partition) staticTotalLen() int64 {
	return p.recordFootprint(p.spec.ElementLen)
}

func (p *Partition) load() error {
	buf, err := p.fs.dev.Read(p.spec.Offset, headerReserve)
	if err != nil {
		return fmt.Errorf("badgefs: %s: read header: %w", p.spec.Name, err)
	}
	h, ok := decodeHeader(buf)
	uninitialized := !ok || (h.kind != Static && h.kind != Dynamic)
	if uninitialized {
		h = header{
			kind:       p.spec.Kind,
			withCRC:    p.spec.WithCRC,
			elementLen: uint16(p.spec.ElementLen),
		}
		p.hdr = h
		return p.storeHeader()
	}
	p.hdr = h
	return nil
}

func (p *Partition) storeHeader() error {
	buf := p.hdr.encode()
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return p.fs.store(p.spec.Offset, buf)
}

// Clear erases the partition back to empty, for tests and the protocol's
// (unspecified by spec.md, but implied by "restart"-adjacent bench
// tooling) factory-reset path.
func (p *Partition) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr := p.spec.Offset; addr < p.dataEnd(); addr += int64(p.fs.dev.Geometry().SectorSize) {
		if err := p.fs.dev.EraseSector(addr); err != nil {
			return err
		}
	}
	p.hdr = header{
		kind:       p.spec.Kind,
		withCRC:    p.spec.WithCRC,
		elementLen: uint16(p.spec.ElementLen),
	}
	p.generation++
	return p.storeHeader()
}

// Name returns the partition's registered name.
func (p *Partition) Name() string { return p.spec.Name }

// IsEmpty reports whether the partition has ever had an element appended.
func (p *Partition) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hdr.latestOffset == 0
}

var (
	errElementTooLarge = badgeerr.New(badgeerr.KindNoMemory, "badgefs: element exceeds partition capacity")
)
