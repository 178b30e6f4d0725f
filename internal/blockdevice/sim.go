package blockdevice

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Sim is a file-backed Device for bench testing: a flat file models the
// flash array, with flock-based single-writer enforcement mirroring the
// firmware's "busy" discipline (spec.md §5: "Filesystem operations
// serialize on an internal busy flag"), and Fdatasync standing in for the
// real device's write-complete interrupt.
type Sim struct {
	geo Geometry
	f   *os.File

	mu      sync.Mutex
	storing bool
}

// NewSim creates (or truncates) path to hold geo's full address space,
// initialized to the flash-erased value 0xFF, and returns a Sim backed by
// it.
func NewSim(path string, geo Geometry) (*Sim, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blockdevice: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdevice: lock %s: %w", path, err)
	}
	erased := make([]byte, geo.SectorSize)
	for i := range erased {
		erased[i] = 0xFF
	}
	for s := 0; s < geo.NumSectors; s++ {
		if _, err := f.WriteAt(erased, int64(s)*int64(geo.SectorSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("blockdevice: init sector %d: %w", s, err)
		}
	}
	return &Sim{geo: geo, f: f}, nil
}

// OpenSim reopens an existing simulated device image without erasing it,
// for tests that need to exercise persistence across restarts.
func OpenSim(path string, geo Geometry) (*Sim, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blockdevice: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdevice: lock %s: %w", path, err)
	}
	return &Sim{geo: geo, f: f}, nil
}

func (s *Sim) Close() error {
	unix.Flock(int(s.f.Fd()), unix.LOCK_UN)
	return s.f.Close()
}

func (s *Sim) Geometry() Geometry { return s.geo }

func (s *Sim) checkRange(addr int64, length int) error {
	if addr < 0 || length < 0 || addr+int64(length) > s.geo.Size() {
		return ErrOutOfRange
	}
	return nil
}

// Store writes data at addr. The write and its Fdatasync run in a new
// goroutine, which then invokes done, so callers can't rely on ordering
// beyond what the Device interface promises.
func (s *Sim) Store(addr int64, data []byte, done CompletionFunc) error {
	if addr%wordSize != 0 {
		return ErrUnaligned
	}
	if err := s.checkRange(addr, len(data)); err != nil {
		return err
	}
	s.mu.Lock()
	if s.storing {
		s.mu.Unlock()
		return ErrBusy
	}
	s.storing = true
	s.mu.Unlock()

	go func() {
		_, err := s.f.WriteAt(data, addr)
		if err == nil {
			err = unix.Fdatasync(int(s.f.Fd()))
		}
		s.mu.Lock()
		s.storing = false
		s.mu.Unlock()
		if done != nil {
			done(addr, err)
		}
	}()
	return nil
}

// Read synchronously reads length bytes at addr.
func (s *Sim) Read(addr int64, length int) ([]byte, error) {
	if err := s.checkRange(addr, length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := s.f.ReadAt(buf, addr); err != nil {
		return nil, fmt.Errorf("blockdevice: read: %w", err)
	}
	return buf, nil
}

// EraseSector resets the sector containing addr to the erased value
// (0xFF), as a real NOR flash erase would.
func (s *Sim) EraseSector(addr int64) error {
	sector := addr / int64(s.geo.SectorSize)
	if sector < 0 || int(sector) >= s.geo.NumSectors {
		return ErrOutOfRange
	}
	erased := make([]byte, s.geo.SectorSize)
	for i := range erased {
		erased[i] = 0xFF
	}
	if _, err := s.f.WriteAt(erased, sector*int64(s.geo.SectorSize)); err != nil {
		return fmt.Errorf("blockdevice: erase sector %d: %w", sector, err)
	}
	return nil
}
