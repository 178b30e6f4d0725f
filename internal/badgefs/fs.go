package badgefs

import (
	"fmt"
	"sync"

	"github.com/HumanDynamics/openbadge-sub000/internal/blockdevice"
)

// FS owns the block device and the fixed set of partitions registered
// against it, the way storer_register_partitions() walks a fixed table
// at boot in the original firmware (spec.md §4.4, §6): partition
// boundaries are never themselves persisted, only rediscovered by
// re-registering the same Specs in the same order every boot.
type FS struct {
	dev        blockdevice.Device
	partitions map[string]*Partition
	order      []string

	storeMu sync.Mutex // serializes Store calls across all partitions (spec.md §5).
}

// store writes data at addr and blocks until the device reports
// completion, holding the filesystem-wide store serialization lock for
// the duration (one physical write in flight at a time, spec.md §5).
func (fs *FS) store(addr int64, data []byte) error {
	fs.storeMu.Lock()
	defer fs.storeMu.Unlock()
	done := make(chan error, 1)
	if err := fs.dev.Store(addr, data, func(_ int64, err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

// Open registers every partition in specs against dev, loading (or
// initializing, on first boot) each one's header. Specs must not
// overlap and must fit within dev's geometry.
func Open(dev blockdevice.Device, specs []Spec) (*FS, error) {
	size := dev.Geometry().Size()
	fs := &FS{dev: dev, partitions: make(map[string]*Partition, len(specs))}
	for i, s := range specs {
		if s.Offset%4 != 0 {
			return nil, fmt.Errorf("badgefs: partition %q offset %d not word-aligned", s.Name, s.Offset)
		}
		if s.Size <= headerReserve {
			return nil, fmt.Errorf("badgefs: partition %q size %d too small for header", s.Name, s.Size)
		}
		if s.Offset < 0 || s.Offset+s.Size > size {
			return nil, fmt.Errorf("badgefs: partition %q [%d,%d) exceeds device size %d", s.Name, s.Offset, s.Offset+s.Size, size)
		}
		if s.Kind == Static && s.ElementLen <= 0 {
			return nil, fmt.Errorf("badgefs: static partition %q needs a positive element length", s.Name)
		}
		for _, other := range specs[:i] {
			if s.Offset < other.Offset+other.Size && other.Offset < s.Offset+s.Size {
				return nil, fmt.Errorf("badgefs: partitions %q and %q overlap", s.Name, other.Name)
			}
		}
		p := &Partition{spec: s, fs: fs}
		if err := p.load(); err != nil {
			return nil, err
		}
		fs.partitions[s.Name] = p
		fs.order = append(fs.order, s.Name)
	}
	return fs, nil
}

// Partition returns the registered partition named name.
func (fs *FS) Partition(name string) (*Partition, bool) {
	p, ok := fs.partitions[name]
	return p, ok
}

// Must returns the registered partition named name, panicking if it was
// not registered: a programming error (a typo'd partition table), never
// a runtime condition.
func (fs *FS) Must(name string) *Partition {
	p, ok := fs.partitions[name]
	if !ok {
		panic("badgefs: unregistered partition " + name)
	}
	return p
}

// Names returns every registered partition name, in registration order.
func (fs *FS) Names() []string { return fs.order }
