package badgefs

import (
	"github.com/HumanDynamics/openbadge-sub000/internal/badgeerr"
)

// Append writes payload as a new element, overwriting the oldest data if
// the partition is full (spec.md §4.4 "wrap-on-full rotation"). It returns
// the new element's record id, which increments (with uint16 wraparound)
// on every call.
func (p *Partition) Append(payload []byte) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.spec.Kind == Static {
		if len(payload) != p.spec.ElementLen {
			return 0, badgeerr.New(badgeerr.KindInvalidParameter,
				"badgefs: %s: static element must be exactly %d bytes, got %d",
				p.spec.Name, p.spec.ElementLen, len(payload))
		}
	} else if len(payload) > 0xFFFF {
		return 0, badgeerr.New(badgeerr.KindInvalidParameter, "badgefs: %s: payload too large", p.spec.Name)
	}

	footprint := p.recordFootprint(len(payload))
	if footprint > p.dataEnd()-p.dataStart() {
		return 0, errElementTooLarge
	}

	prevPayloadLen := 0
	tail := p.dataStart()
	if p.hdr.latestOffset != 0 {
		prevPayloadLen = int(p.hdr.latestPayload)
		tail = p.spec.Offset + int64(p.hdr.latestOffset) + p.recordFootprint(prevPayloadLen)
	}
	if tail+footprint > p.dataEnd() {
		// Wrap: start a fresh lap at dataStart, overwriting the oldest
		// elements. The xor-length chain resets, since nothing links
		// across a wrap boundary (spec.md §9 Open Questions).
		tail = p.dataStart()
		prevPayloadLen = 0
		p.hdr.wrapCount++
	}

	buf := make([]byte, 0, footprint)
	buf = byteOrder.AppendUint16(buf, p.hdr.latestRecordID+1)
	if p.spec.Kind == Dynamic {
		buf = byteOrder.AppendUint16(buf, uint16(prevPayloadLen)^uint16(len(payload)))
	}
	buf = append(buf, payload...)
	if p.spec.WithCRC {
		buf = byteOrder.AppendUint16(buf, crc16(payload))
	}
	for int64(len(buf)) < footprint {
		buf = append(buf, 0)
	}

	if err := p.fs.store(tail, buf); err != nil {
		return 0, err
	}

	p.hdr.latestRecordID++
	p.hdr.latestOffset = uint32(tail - p.spec.Offset)
	p.hdr.latestPayload = uint32(len(payload))
	if err := p.storeHeader(); err != nil {
		return 0, err
	}
	p.generation++
	return p.hdr.latestRecordID, nil
}
