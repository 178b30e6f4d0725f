// Package storer maps each sensor record kind onto its badgefs partition,
// the way storer_lib.c wraps filesystem_lib.c with one typed function pair
// per data kind (original_source/storer_lib.c). It owns no state of its
// own beyond a small last-written-timestamp cache per kind, which
// LastWritten reports without re-reading the filesystem.
package storer

import (
	"encoding/binary"
	"sync"

	"github.com/HumanDynamics/openbadge-sub000/internal/badgefs"
	"github.com/HumanDynamics/openbadge-sub000/internal/clock"
	"github.com/HumanDynamics/openbadge-sub000/internal/codec"
)

// Kind identifies a persisted record type, and doubles as the badgefs
// partition name.
type Kind string

const (
	Assignment      Kind = "assignment"
	Battery         Kind = "battery"
	Microphone      Kind = "microphone"
	Scan            Kind = "scan"
	AccelInterrupt  Kind = "accel_interrupt"
	Accel           Kind = "accel"
)

// order is the fixed partition registration order (spec.md §6): assignment,
// battery, microphone, scan, accel-interrupt, accel.
var order = []Kind{Assignment, Battery, Microphone, Scan, AccelInterrupt, Accel}

// Specs returns the badgefs.Spec table for every registered kind, laid out
// back-to-back starting at baseOffset. Specs does not check the total
// against a device size; badgefs.Open rejects a table that does not fit.
func Specs(baseOffset int64) []badgefs.Spec {
	// Sizes are generous multiples of one element's footprint so a
	// reasonable history survives between hub syncs; real flash geometry
	// is supplied by internal/board.Config.
	const (
		headerReserve = 32
	)
	layout := []struct {
		kind       Kind
		elemLen    int
		withCRC    bool
		dynamic    bool
		recordsCap int
	}{
		// Element lengths are the codec-encoded size of each kind's
		// storage record: Timestamp(6) + fixed-capacity sample array
		// (1 count byte + max samples, written in full regardless of
		// logical count, per record.AccelChunk/MicrophoneChunk) + any
		// trailing fields.
		{Assignment, 3, true, false, 1},
		{Battery, 10, false, false, 512},
		{Microphone, 123, true, false, 256},
		{Scan, 0, true, true, 256},
		{AccelInterrupt, 6, true, false, 512},
		{Accel, 207, true, false, 128},
	}
	specs := make([]badgefs.Spec, 0, len(layout))
	offset := baseOffset
	for _, l := range layout {
		var size int64
		if l.dynamic {
			size = int64(headerReserve + l.recordsCap*256)
		} else {
			size = int64(headerReserve + l.recordsCap*(l.elemLen+2+2))
		}
		size = (size + 3) &^ 3 // keep every partition's start offset word-aligned.
		kindFlag := badgefs.Static
		if l.dynamic {
			kindFlag = badgefs.Dynamic
		}
		specs = append(specs, badgefs.Spec{
			Name:       string(l.kind),
			Offset:     offset,
			Size:       size,
			Kind:       kindFlag,
			WithCRC:    l.withCRC,
			ElementLen: l.elemLen,
		})
		offset += size
	}
	return specs
}

// Store is the typed persistence facade used by internal/sampling and
// internal/request.
type Store struct {
	fs *badgefs.FS

	mu        sync.Mutex
	lastWall  map[Kind]clock.Wall
}

// Open wraps fs, whose partitions badgefs.Open registered from Specs, in a
// ready Store.
func Open(fs *badgefs.FS) *Store {
	return &Store{fs: fs, lastWall: make(map[Kind]clock.Wall, len(order))}
}

func (s *Store) partition(k Kind) (*badgefs.Partition, bool) {
	return s.fs.Partition(string(k))
}

// Append encodes msg (storage byte order: little-endian, spec.md §4.5) and
// appends it to kind's partition, updating the last-written-timestamp
// cache that LastWritten reports.
func (s *Store) Append(k Kind, wall clock.Wall, msg codec.Message) (uint16, error) {
	p, ok := s.partition(k)
	if !ok {
		return 0, errUnregistered(k)
	}
	buf, err := codec.Marshal(binary.LittleEndian, msg)
	if err != nil {
		return 0, err
	}
	id, err := p.Append(buf)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.lastWall[k] = wall
	s.mu.Unlock()
	return id, nil
}

// LastWritten returns the wall timestamp of the most recent append to
// kind, and whether anything has ever been written.
func (s *Store) LastWritten(k Kind) (clock.Wall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.lastWall[k]
	return w, ok
}

// LoadLatest decodes the most recently appended element of kind's
// partition into msg, reporting ok=false if the partition has never had
// anything appended (badgefs.ErrEmpty), the way assignment_lib.c falls
// back to regenerating an identity only when none was ever stored.
func (s *Store) LoadLatest(k Kind, msg codec.Message) (ok bool, err error) {
	p, ok := s.partition(k)
	if !ok {
		return false, errUnregistered(k)
	}
	it, err := p.Latest()
	if err != nil {
		if err == badgefs.ErrEmpty {
			return false, nil
		}
		return false, err
	}
	payload, err := it.Payload()
	if err != nil {
		return false, err
	}
	if err := codec.Unmarshal(binary.LittleEndian, payload, msg); err != nil {
		return false, err
	}
	return true, nil
}

// SeekBefore returns an iterator over kind's partition positioned per
// badgefs.Partition.SeekBefore, using extractTimestamp to decode each
// candidate element's timestamp for comparison against target.
func (s *Store) SeekBefore(k Kind, target clock.Wall, extractTimestamp func(payload []byte) (clock.Wall, bool)) (*badgefs.Iterator, error) {
	p, ok := s.partition(k)
	if !ok {
		return nil, errUnregistered(k)
	}
	return p.SeekBefore(func(payload []byte) (bool, bool) {
		ts, ok := extractTimestamp(payload)
		if !ok {
			return false, false
		}
		return !wallAfter(ts, target), true
	})
}

func wallAfter(a, b clock.Wall) bool {
	if a.Sec != b.Sec {
		return a.Sec > b.Sec
	}
	return a.Ms > b.Ms
}

func errUnregistered(k Kind) error {
	return &unregisteredKindError{k}
}

type unregisteredKindError struct{ k Kind }

func (e *unregisteredKindError) Error() string { return "storer: kind " + string(e.k) + " not registered" }
