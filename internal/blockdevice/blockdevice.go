// Package blockdevice defines the erase-sector-oriented non-volatile
// memory abstraction the filesystem layer is built on (spec.md §4.4), plus
// a file-backed simulator for host-side testing, `cmd/badge` and the
// `cmd/badgectl` bench tool.
//
// Real NOR/SPI flash exposes asynchronous writes and a synchronous read;
// this package models that with a Device interface and ships two
// implementations good enough to exercise the filesystem layer's
// wrap-around, corruption, and busy-retry semantics without real hardware:
// Mem (in memory, for unit tests) and Sim (file-backed).
package blockdevice

import "github.com/HumanDynamics/openbadge-sub000/internal/badgeerr"

// Geometry describes the fixed sector layout of the device. PageSize is
// the smallest write granularity; SectorSize is the smallest erase
// granularity and must be a multiple of PageSize (original_source/
// eeprom_lib.c: 512-byte pages grouped into erase sectors).
type Geometry struct {
	PageSize   int
	SectorSize int
	NumSectors int
}

// Size returns the total addressable byte range.
func (g Geometry) Size() int64 {
	return int64(g.SectorSize) * int64(g.NumSectors)
}

// CompletionFunc is invoked when an asynchronous Store completes, the way
// the real device's write-complete interrupt updates the filesystem's
// "busy" flag (spec.md §5).
type CompletionFunc func(addr int64, err error)

// Device is the abstract collaborator for NV memory. Store is
// asynchronous and serialized (only one in flight at a time — a second
// call while busy returns a Busy error); Read is synchronous.
type Device interface {
	Geometry() Geometry
	// Store queues bytes to be written at addr, word-aligned, and calls
	// done on completion (possibly from a different goroutine/ISR
	// context). Returns a Busy error if a store is already in flight.
	Store(addr int64, data []byte, done CompletionFunc) error
	// Read synchronously returns len bytes starting at addr.
	Read(addr int64, length int) ([]byte, error)
	// EraseSector erases the sector containing addr, required before it
	// can be rewritten with values that would otherwise require a 0->1
	// bit flip (real NOR flash semantics). The Sim implementation
	// applies this lazily: EraseSector resets the sector to 0xFF.
	EraseSector(addr int64) error
}

var (
	// ErrUnaligned is returned by Store when addr is not word-aligned.
	ErrUnaligned = badgeerr.New(badgeerr.KindInvalidParameter, "blockdevice: unaligned address")
	// ErrOutOfRange is returned when an operation would read or write
	// past the device's geometry.
	ErrOutOfRange = badgeerr.New(badgeerr.KindInvalidParameter, "blockdevice: address out of range")
	// ErrBusy is returned by Store while a previous store is still in
	// flight.
	ErrBusy = badgeerr.New(badgeerr.KindBusy, "blockdevice: store in progress")
)

const wordSize = 4
