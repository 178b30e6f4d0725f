package blockdevice

import "sync"

// Mem is an in-memory Device for unit tests, with synchronous completion
// callbacks (invoked before Store returns) so tests don't need to
// synchronize with a goroutine.
type Mem struct {
	geo Geometry
	mu  sync.Mutex
	buf []byte
}

// NewMem returns an erased (0xFF-filled) in-memory device of the given
// geometry.
func NewMem(geo Geometry) *Mem {
	buf := make([]byte, geo.Size())
	for i := range buf {
		buf[i] = 0xFF
	}
	return &Mem{geo: geo, buf: buf}
}

func (m *Mem) Geometry() Geometry { return m.geo }

func (m *Mem) Store(addr int64, data []byte, done CompletionFunc) error {
	if addr%wordSize != 0 {
		err := ErrUnaligned
		if done != nil {
			done(addr, err)
		}
		return err
	}
	m.mu.Lock()
	if addr < 0 || addr+int64(len(data)) > int64(len(m.buf)) {
		m.mu.Unlock()
		if done != nil {
			done(addr, ErrOutOfRange)
		}
		return ErrOutOfRange
	}
	copy(m.buf[addr:], data)
	m.mu.Unlock()
	if done != nil {
		done(addr, nil)
	}
	return nil
}

func (m *Mem) Read(addr int64, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr < 0 || length < 0 || addr+int64(length) > int64(len(m.buf)) {
		return nil, ErrOutOfRange
	}
	out := make([]byte, length)
	copy(out, m.buf[addr:addr+int64(length)])
	return out, nil
}

func (m *Mem) EraseSector(addr int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sector := addr / int64(m.geo.SectorSize)
	if sector < 0 || int(sector) >= m.geo.NumSectors {
		return ErrOutOfRange
	}
	start := sector * int64(m.geo.SectorSize)
	for i := int64(0); i < int64(m.geo.SectorSize); i++ {
		m.buf[start+i] = 0xFF
	}
	return nil
}
