// Package record defines the fixed-capacity chunk and stream-sample types
// for each sensor kind (spec.md §3), along with their codec.Message
// encodings. The same struct serves both the on-storage little-endian
// layout and the on-wire big-endian layout (spec.md §4.5: "Byte order of
// each scalar is configurable per call"); callers pick the order when
// calling codec.Marshal/Unmarshal.
package record

import "github.com/HumanDynamics/openbadge-sub000/internal/codec"

// Timestamp is the wall-clock moment a chunk was opened or a stream
// sample was produced.
type Timestamp struct {
	Sec uint32
	Ms  uint16
}

func (t *Timestamp) encode(w *codec.Writer) {
	w.Uint32(t.Sec)
	w.Uint16(t.Ms)
}

func (t *Timestamp) decode(r *codec.Reader) {
	t.Sec = r.Uint32()
	t.Ms = r.Uint16()
}

// Encode and Decode expose Timestamp's wire encoding to other packages
// (internal/request embeds a Timestamp in every request/response variant
// that needs one).
func (t *Timestamp) Encode(w *codec.Writer) { t.encode(w) }
func (t *Timestamp) Decode(r *codec.Reader) { t.decode(r) }

// Capacities, per spec.md §3.
const (
	AccelMaxSamples       = 100
	MicrophoneMaxSamples  = 114
	ScanChunkMaxEntries   = 29  // SCAN_CHUNK_DATA_SIZE, stored.
	ScanSamplingMaxEntries = 255 // in-memory pre-processing cap.
)

// AccelChunk holds up to AccelMaxSamples accelerometer magnitude samples
// (|x|+|y|+|z|, mg) opened at Timestamp.
type AccelChunk struct {
	Timestamp Timestamp
	Count     int
	Magnitude [AccelMaxSamples]uint16
}

// Encode writes the full fixed-capacity magnitude array regardless of
// Count, so every AccelChunk occupies the same on-disk length (spec.md §6
// registers accel as a static partition).
func (c *AccelChunk) Encode(w *codec.Writer) {
	c.Timestamp.encode(w)
	w.FixedArray(c.Count, AccelMaxSamples, func(i int) { w.Uint16(c.Magnitude[i]) })
}

func (c *AccelChunk) Decode(r *codec.Reader) error {
	c.Timestamp.decode(r)
	c.Count = r.FixedArray(AccelMaxSamples, func(i int) { c.Magnitude[i] = r.Uint16() })
	return r.Err()
}

// AccelStreamSample is a single raw accelerometer triple, for live
// transmission.
type AccelStreamSample struct {
	Timestamp Timestamp
	X, Y, Z   int16
}

func (s *AccelStreamSample) Encode(w *codec.Writer) {
	s.Timestamp.encode(w)
	w.Int16(s.X)
	w.Int16(s.Y)
	w.Int16(s.Z)
}

func (s *AccelStreamSample) Decode(r *codec.Reader) error {
	s.Timestamp.decode(r)
	s.X = r.Int16()
	s.Y = r.Int16()
	s.Z = r.Int16()
	return r.Err()
}

// AccelInterruptSample carries only the wake-event timestamp (spec.md
// §3: "single timestamp only"); it serves as both the chunk and stream
// representation since there is nothing else to aggregate.
type AccelInterruptSample struct {
	Timestamp Timestamp
}

func (s *AccelInterruptSample) Encode(w *codec.Writer) { s.Timestamp.encode(w) }
func (s *AccelInterruptSample) Decode(r *codec.Reader) error {
	s.Timestamp.decode(r)
	return r.Err()
}

// BatterySample is one averaged supply-voltage reading; it serves as
// both the chunk and stream representation (spec.md §3: "one voltage
// sample (float)").
type BatterySample struct {
	Timestamp Timestamp
	Volts     float32
}

func (s *BatterySample) Encode(w *codec.Writer) {
	s.Timestamp.encode(w)
	w.Float32(s.Volts)
}

func (s *BatterySample) Decode(r *codec.Reader) error {
	s.Timestamp.decode(r)
	s.Volts = r.Float32()
	return r.Err()
}

// MicrophoneChunk holds up to MicrophoneMaxSamples aggregated-RMS 8-bit
// samples plus the sample period used to produce them.
type MicrophoneChunk struct {
	Timestamp     Timestamp
	Count         int
	Samples       [MicrophoneMaxSamples]uint8
	SamplePeriodMs uint16
}

// Encode writes the full fixed-capacity sample array regardless of Count
// (spec.md §6 registers microphone as a static partition; see AccelChunk).
func (c *MicrophoneChunk) Encode(w *codec.Writer) {
	c.Timestamp.encode(w)
	w.FixedArray(c.Count, MicrophoneMaxSamples, func(i int) { w.Uint8(c.Samples[i]) })
	w.Uint16(c.SamplePeriodMs)
}

func (c *MicrophoneChunk) Decode(r *codec.Reader) error {
	c.Timestamp.decode(r)
	c.Count = r.FixedArray(MicrophoneMaxSamples, func(i int) { c.Samples[i] = r.Uint8() })
	c.SamplePeriodMs = r.Uint16()
	return r.Err()
}

// MicrophoneStreamSample is a single aggregated-RMS sample for live
// transmission.
type MicrophoneStreamSample struct {
	Timestamp Timestamp
	Sample    uint8
}

func (s *MicrophoneStreamSample) Encode(w *codec.Writer) {
	s.Timestamp.encode(w)
	w.Uint8(s.Sample)
}

func (s *MicrophoneStreamSample) Decode(r *codec.Reader) error {
	s.Timestamp.decode(r)
	s.Sample = r.Uint8()
	return r.Err()
}

// PeerKind classifies a BLE scan report's advertiser.
type PeerKind uint8

const (
	PeerUnknown PeerKind = iota
	PeerBadge            // own-protocol badge.
	PeerBeacon           // iBeacon.
)

// BeaconIDFloor is the threshold at or above which a peer id is treated as
// a beacon rather than a badge for sort-priority purposes (spec.md §4.7).
const BeaconIDFloor = 16000

// ScanEntry is one aggregated (peer, group, rssi, count) observation.
type ScanEntry struct {
	PeerID uint16
	Group  uint8
	RSSI   int8
	Count  uint8
}

func (e *ScanEntry) encode(w *codec.Writer) {
	w.Uint16(e.PeerID)
	w.Uint8(e.Group)
	w.Int8(e.RSSI)
	w.Uint8(e.Count)
}

func (e *ScanEntry) decode(r *codec.Reader) {
	e.PeerID = r.Uint16()
	e.Group = r.Uint8()
	e.RSSI = r.Int8()
	e.Count = r.Uint8()
}

// IsBeacon reports whether the entry's peer id falls in the beacon range
// (spec.md §4.7).
func (e ScanEntry) IsBeacon() bool { return e.PeerID >= BeaconIDFloor }

// ScanChunk is the on-storage, truncated (<=29 entries) scan result.
type ScanChunk struct {
	Timestamp Timestamp
	Count     int
	Entries   [ScanChunkMaxEntries]ScanEntry
}

func (c *ScanChunk) Encode(w *codec.Writer) {
	c.Timestamp.encode(w)
	w.Repeated(c.Count, ScanChunkMaxEntries, func(i int) { c.Entries[i].encode(w) })
}

func (c *ScanChunk) Decode(r *codec.Reader) error {
	c.Timestamp.decode(r)
	c.Count = r.Repeated(ScanChunkMaxEntries, func(i int) { c.Entries[i].decode(r) })
	return r.Err()
}

// ScanStreamSample is a single (id, rssi) observation emitted live
// (spec.md §4.6 Scan: "always emit one (id, rssi) to the stream FIFO").
type ScanStreamSample struct {
	PeerID uint16
	RSSI   int8
}

func (s *ScanStreamSample) Encode(w *codec.Writer) {
	w.Uint16(s.PeerID)
	w.Int8(s.RSSI)
}

func (s *ScanStreamSample) Decode(r *codec.Reader) error {
	s.PeerID = r.Uint16()
	s.RSSI = r.Int8()
	return r.Err()
}

// Assignment is a badge's persisted (id, group) identity (spec.md §3).
type Assignment struct {
	ID    uint16
	Group uint8
}

func (a *Assignment) Encode(w *codec.Writer) {
	w.Uint16(a.ID)
	w.Uint8(a.Group)
}

func (a *Assignment) Decode(r *codec.Reader) error {
	a.ID = r.Uint16()
	a.Group = r.Uint8()
	return r.Err()
}
