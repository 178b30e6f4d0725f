package request

import (
	"encoding/binary"
	"errors"
	"io"
	"log"

	"github.com/HumanDynamics/openbadge-sub000/internal/badgeerr"
	"github.com/HumanDynamics/openbadge-sub000/internal/badgefs"
	"github.com/HumanDynamics/openbadge-sub000/internal/chunkfifo"
	"github.com/HumanDynamics/openbadge-sub000/internal/clock"
	"github.com/HumanDynamics/openbadge-sub000/internal/codec"
	"github.com/HumanDynamics/openbadge-sub000/internal/record"
	"github.com/HumanDynamics/openbadge-sub000/internal/sampling"
	"github.com/HumanDynamics/openbadge-sub000/internal/sender"
	"github.com/HumanDynamics/openbadge-sub000/internal/storer"
	"github.com/HumanDynamics/openbadge-sub000/internal/timeout"
)

// MaxTransmitRetries bounds how many no-memory transmit failures one
// response job absorbs before the engine ends it and Poll returns a
// KindInvalidState error (spec.md §4.8). The engine does not drop the
// BLE link itself.
const MaxTransmitRetries = 50

// streamSampleBatch bounds how many samples a single stream_response
// gathers per active source (spec.md §8 scenario 5,
// PROTOCOL_ACCELEROMETER_STREAM_SIZE and its siblings).
const streamSampleBatch = 10

// awaitBodyTimeoutTicks bounds how long the engine waits, after reading
// a request's length prefix, for the rest of the body to arrive over
// further notifications (spec.md §4.8 receive path).
const awaitBodyTimeoutTicks = 32768 * 3 // ~3s at the nominal 32768Hz tick rate.

// timeout registry slot ids, one per sampling source (spec.md §4.2/§4.6).
const (
	timeoutMicrophone = iota
	timeoutScan
	timeoutAccel
	timeoutAccelInterrupt
	timeoutBattery
)

// Engine is the request/response protocol state machine of spec.md §4.8,
// owned by and driven from internal/badge.Core's main-context loop.
type Engine struct {
	clk      *clock.Clock
	store    *storer.Store
	send     *sender.Sender
	timeouts *timeout.Registry
	cfg      Config

	accel          *sampling.AccelController
	accelInterrupt *sampling.AccelInterruptController
	battery        *sampling.BatteryController
	microphone     *sampling.MicrophoneController
	scan           *sampling.ScanController

	assignment    record.Assignment
	hasAssignment bool

	recv struct {
		haveLen      bool
		length       uint16
		deadlineTick uint64
	}

	pending        responseJob
	retries        int
	streamEmitter  bool // a stream_response job is scheduled.
}

// Config bundles the per-source liveness-timeout durations (spec.md
// §4.2) the engine applies to the shared timeout.Registry whenever a
// source is started; ResetAll then refreshes whichever are active on
// every subsequent request.
type Config struct {
	MicrophoneTimeoutMs     uint32
	ScanTimeoutMs           uint32
	AccelTimeoutMs          uint32
	AccelInterruptTimeoutMs uint32
	BatteryTimeoutMs        uint32
}

// DefaultConfig returns the engine's default per-source timeout
// durations: a source with no traffic and no renewing request for this
// long is presumed abandoned by the hub and stopped.
func DefaultConfig() Config {
	return Config{
		MicrophoneTimeoutMs:     60_000,
		ScanTimeoutMs:           60_000,
		AccelTimeoutMs:          60_000,
		AccelInterruptTimeoutMs: 60_000,
		BatteryTimeoutMs:        60_000,
	}
}

// NewEngine wires an Engine over the given clock, storage facade,
// transport, timeout registry, timeout configuration, and the five
// sampling controllers.
func NewEngine(
	clk *clock.Clock,
	store *storer.Store,
	send *sender.Sender,
	timeouts *timeout.Registry,
	cfg Config,
	accel *sampling.AccelController,
	accelInterrupt *sampling.AccelInterruptController,
	battery *sampling.BatteryController,
	microphone *sampling.MicrophoneController,
	scan *sampling.ScanController,
) *Engine {
	e := &Engine{
		clk:            clk,
		store:          store,
		send:           send,
		timeouts:       timeouts,
		cfg:            cfg,
		accel:          accel,
		accelInterrupt: accelInterrupt,
		battery:        battery,
		microphone:     microphone,
		scan:           scan,
	}
	// A source's liveness timeout firing means the hub abandoned it
	// without an explicit stop_request; batch mode is what the timeout
	// durations guard (spec.md §4.2), so only batch is stopped here.
	timeouts.Register(timeoutMicrophone, func(int) { microphone.Stop(sampling.ModeBatch) })
	timeouts.Register(timeoutScan, func(int) { scan.Stop(sampling.ModeBatch) })
	timeouts.Register(timeoutAccel, func(int) { accel.Stop(sampling.ModeBatch) })
	timeouts.Register(timeoutAccelInterrupt, func(int) { accelInterrupt.Stop(sampling.ModeBatch) })
	timeouts.Register(timeoutBattery, func(int) { battery.Stop(sampling.ModeBatch) })
	return e
}

// SetAssignment installs the badge's persisted (id, group) identity, as
// loaded at boot from the assignment partition.
func (e *Engine) SetAssignment(a record.Assignment) {
	e.assignment = a
	e.hasAssignment = true
}

// Assignment returns the badge's current (id, group) identity and
// whether one has ever been assigned.
func (e *Engine) Assignment() (record.Assignment, bool) {
	return e.assignment, e.hasAssignment
}

// Poll drives the cooperative scheduler's one slice of request-engine
// work for this tick: stepping an in-flight response, or advancing the
// notification receive state machine by at most one request (spec.md §5:
// "long work items re-schedule themselves").
func (e *Engine) Poll(nowTick uint64) error {
	if e.pending != nil {
		done, err := e.pending.step(e, nowTick)
		if done {
			e.pending = nil
			e.retries = 0
		}
		return err
	}
	if e.streamEmitter && !e.anyStreamActive() {
		e.streamEmitter = false
	}
	if e.streamEmitter {
		e.pending = &streamJob{}
		return nil
	}
	return e.receive(nowTick)
}

func (e *Engine) receive(nowTick uint64) error {
	if !e.recv.haveLen {
		var lenBuf [2]byte
		if !e.send.TryConsume(lenBuf[:]) {
			return nil
		}
		e.recv.length = binary.BigEndian.Uint16(lenBuf[:])
		e.recv.haveLen = true
		e.recv.deadlineTick = nowTick + awaitBodyTimeoutTicks
		return nil
	}

	body := make([]byte, e.recv.length)
	if !e.send.TryConsume(body) {
		if nowTick > e.recv.deadlineTick {
			e.recv.haveLen = false
			return badgeerr.New(badgeerr.KindTimeout, "request: timed out awaiting body of length %d", e.recv.length)
		}
		return nil
	}
	e.recv.haveLen = false

	req := &Request{}
	if err := codec.Unmarshal(binary.BigEndian, body, req); err != nil {
		return badgeerr.Wrap(badgeerr.KindInvalidData, err)
	}

	// Every request resets all sampling timeouts and captures the
	// response moment before dispatch (spec.md §4.8).
	e.timeouts.ResetAll()
	responseWall := e.clk.WallNow(nowTick)
	synced := e.clk.IsSynced()

	return e.dispatch(req, nowTick, responseWall, synced)
}

func (e *Engine) dispatch(req *Request, nowTick uint64, responseWall clock.Wall, synced bool) error {
	if tag, ok := dataResponseTag(req.Tag); ok {
		kind, extract := kindForDataRequest(req.Tag)
		iter, err := e.store.SeekBefore(kind, wallOf(req.Timestamp), extract)
		if err != nil {
			return e.transmit(&Response{Tag: tag, LastResponse: true})
		}
		e.pending = &dataPullJob{respTag: tag, iter: iter}
		return nil
	}

	switch req.Tag {
	case TagStatus:
		if req.HasAssignment {
			e.assignment = req.Assignment
			e.hasAssignment = true
			if _, err := e.store.Append(storer.Assignment, responseWall, &req.Assignment); err != nil {
				log.Printf("request: persisting assignment: %v", err)
			}
		}
		return e.transmit(&Response{
			Tag:          RespStatus,
			StatusBits:   e.statusBits(synced),
			WallNow:      record.Timestamp(responseWall),
			BatteryVolts: e.battery.Latest().Volts,
		})
	case TagIdentify, TagTest, TagRestart:
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})

	case TagStartMicrophone:
		e.microphone.Start(sampling.ModeBatch, req.SamplePeriodMs, nowTick)
		e.timeouts.Start(timeoutMicrophone, e.cfg.MicrophoneTimeoutMs)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStartMicrophoneStream:
		e.microphone.Start(sampling.ModeStream, req.SamplePeriodMs, nowTick)
		e.streamEmitter = true
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStopMicrophone:
		e.microphone.Stop(sampling.ModeBatch)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStopMicrophoneStream:
		e.microphone.Stop(sampling.ModeStream)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})

	case TagStartScan:
		e.scan.Start(sampling.ModeBatch, req.GroupFilter, scanAggregation(req.ScanAggregation), req.ScanPeriodS, req.ScanDurationS, nowTick)
		e.timeouts.Start(timeoutScan, e.cfg.ScanTimeoutMs)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStartScanStream:
		e.scan.Start(sampling.ModeStream, req.GroupFilter, scanAggregation(req.ScanAggregation), req.ScanPeriodS, req.ScanDurationS, nowTick)
		e.streamEmitter = true
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStopScan:
		e.scan.Stop(sampling.ModeBatch)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStopScanStream:
		e.scan.Stop(sampling.ModeStream)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})

	case TagStartAccel:
		e.accel.Start(sampling.ModeBatch, nowTick)
		e.timeouts.Start(timeoutAccel, e.cfg.AccelTimeoutMs)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStartAccelStream:
		e.accel.Start(sampling.ModeStream, nowTick)
		e.streamEmitter = true
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStopAccel:
		e.accel.Stop(sampling.ModeBatch)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStopAccelStream:
		e.accel.Stop(sampling.ModeStream)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})

	case TagStartAccelInterrupt:
		e.accelInterrupt.Start(sampling.ModeBatch)
		e.timeouts.Start(timeoutAccelInterrupt, e.cfg.AccelInterruptTimeoutMs)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStartAccelInterruptStream:
		e.accelInterrupt.Start(sampling.ModeStream)
		e.streamEmitter = true
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStopAccelInterrupt:
		e.accelInterrupt.Stop(sampling.ModeBatch)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStopAccelInterruptStream:
		e.accelInterrupt.Stop(sampling.ModeStream)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})

	case TagStartBattery:
		e.battery.Start(sampling.ModeBatch)
		e.timeouts.Start(timeoutBattery, e.cfg.BatteryTimeoutMs)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStartBatteryStream:
		e.battery.Start(sampling.ModeStream)
		e.streamEmitter = true
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStopBattery:
		e.battery.Stop(sampling.ModeBatch)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})
	case TagStopBatteryStream:
		e.battery.Stop(sampling.ModeStream)
		return e.transmit(&Response{Tag: RespAck, AckOf: req.Tag})

	default:
		return badgeerr.New(badgeerr.KindInvalidData, "request: unhandled tag %d", req.Tag)
	}
}

// statusBits reports the clock-synced bit plus one bit per source's
// batch-only activity (spec.md §4.8 "Status response").
func (e *Engine) statusBits(synced bool) StatusBits {
	var bits StatusBits
	if synced {
		bits |= StatusClockSynced
	}
	if e.microphone.BatchActive() {
		bits |= StatusMicrophoneActive
	}
	if e.scan.BatchActive() {
		bits |= StatusScanActive
	}
	if e.accel.BatchActive() {
		bits |= StatusAccelActive
	}
	if e.accelInterrupt.BatchActive() {
		bits |= StatusAccelInterruptActive
	}
	if e.battery.BatchActive() {
		bits |= StatusBatteryActive
	}
	return bits
}

// anyStreamActive reports whether any source's stream bit is still set
// (spec.md §4.8 "it keeps re-scheduling while any stream bit is set").
func (e *Engine) anyStreamActive() bool {
	return e.accel.StreamActive() || e.accelInterrupt.StreamActive() ||
		e.battery.StreamActive() || e.microphone.StreamActive() || e.scan.StreamActive()
}

// transmit marshals resp (big-endian, wire order) and hands it to the
// sender with its length prefix. A no-memory failure is the caller's to
// retry; any other failure is fatal for the request.
func (e *Engine) transmit(resp *Response) error {
	buf, err := codec.Marshal(binary.BigEndian, resp)
	if err != nil {
		return badgeerr.Wrap(badgeerr.KindInvalidData, err)
	}
	framed := make([]byte, 2+len(buf))
	binary.BigEndian.PutUint16(framed, uint16(len(buf)))
	copy(framed[2:], buf)
	return e.send.Transmit(framed)
}

// OnDisconnect cancels any in-flight response, clears streaming latches,
// and resets the receive state machine (spec.md §5 "BLE disconnect
// cancels all in-flight responses... and clears streaming latches;
// sampling is not affected").
func (e *Engine) OnDisconnect() {
	e.pending = nil
	e.retries = 0
	e.streamEmitter = false
	e.recv.haveLen = false
	e.accel.Stop(sampling.ModeStream)
	e.accelInterrupt.Stop(sampling.ModeStream)
	e.battery.Stop(sampling.ModeStream)
	e.microphone.Stop(sampling.ModeStream)
	e.scan.Stop(sampling.ModeStream)
}

func scanAggregation(v uint8) sampling.Aggregation {
	if v == uint8(sampling.AggregationMean) {
		return sampling.AggregationMean
	}
	return sampling.AggregationMax
}

func wallOf(t record.Timestamp) clock.Wall { return clock.Wall{Sec: t.Sec, Ms: t.Ms} }

// kindForDataRequest returns the storer.Kind and a timestamp extractor
// for a <source>_data_request tag.
func kindForDataRequest(t Tag) (storer.Kind, func([]byte) (clock.Wall, bool)) {
	switch t {
	case TagMicrophoneDataRequest:
		return storer.Microphone, func(p []byte) (clock.Wall, bool) {
			var m record.MicrophoneChunk
			if err := codec.Unmarshal(binary.LittleEndian, p, &m); err != nil {
				return clock.Wall{}, false
			}
			return wallOf(m.Timestamp), true
		}
	case TagScanDataRequest:
		return storer.Scan, func(p []byte) (clock.Wall, bool) {
			var m record.ScanChunk
			if err := codec.Unmarshal(binary.LittleEndian, p, &m); err != nil {
				return clock.Wall{}, false
			}
			return wallOf(m.Timestamp), true
		}
	case TagAccelDataRequest:
		return storer.Accel, func(p []byte) (clock.Wall, bool) {
			var m record.AccelChunk
			if err := codec.Unmarshal(binary.LittleEndian, p, &m); err != nil {
				return clock.Wall{}, false
			}
			return wallOf(m.Timestamp), true
		}
	case TagAccelInterruptDataRequest:
		return storer.AccelInterrupt, func(p []byte) (clock.Wall, bool) {
			var m record.AccelInterruptSample
			if err := codec.Unmarshal(binary.LittleEndian, p, &m); err != nil {
				return clock.Wall{}, false
			}
			return wallOf(m.Timestamp), true
		}
	case TagBatteryDataRequest:
		return storer.Battery, func(p []byte) (clock.Wall, bool) {
			var m record.BatterySample
			if err := codec.Unmarshal(binary.LittleEndian, p, &m); err != nil {
				return clock.Wall{}, false
			}
			return wallOf(m.Timestamp), true
		}
	}
	return "", nil
}

// responseJob is a long-running response handler that re-schedules
// itself by returning done=false (spec.md §4.8, §9 "callback-chained
// I/O... reimplementation may express the same contract as explicit
// state machines").
type responseJob interface {
	step(e *Engine, nowTick uint64) (done bool, err error)
}

// dataPullJob implements the data-pull sub-protocol (spec.md §4.8): walk
// forward from the seek point, sending one chunk per step, terminating
// with an empty last_response=1 frame.
type dataPullJob struct {
	respTag ResponseTag
	iter    *badgefs.Iterator
}

func (j *dataPullJob) step(e *Engine, nowTick uint64) (bool, error) {
	err := j.iter.Next()
	if err != nil {
		if !errors.Is(err, io.EOF) && !badgeerr.Is(err, badgeerr.KindInvalidState) {
			log.Printf("request: data-pull iterator error: %v", err)
		}
		return e.finishOrRetry(&Response{Tag: j.respTag, LastResponse: true})
	}
	payload, err := j.iter.Payload()
	if err != nil {
		// Corrupt element; Next() already skips these, but guard anyway.
		return false, nil
	}
	return e.finishOrRetry(&Response{Tag: j.respTag, LastResponse: false, Payload: payload})
}

// finishOrRetry transmits resp. A no-memory failure re-schedules the
// same response (up to MaxTransmitRetries); any other failure, or a
// last_response frame sent successfully, ends the job.
func (e *Engine) finishOrRetry(resp *Response) (bool, error) {
	err := e.transmit(resp)
	switch {
	case err == nil:
		return resp.LastResponse, nil
	case badgeerr.Is(err, badgeerr.KindNoMemory):
		e.retries++
		if e.retries > MaxTransmitRetries {
			return true, badgeerr.New(badgeerr.KindInvalidState, "request: exceeded %d transmit retries", MaxTransmitRetries)
		}
		return false, nil
	default:
		return true, err
	}
}

// streamJob implements the streaming sub-protocol (spec.md §4.8):
// gather up to streamSampleBatch samples from every active stream FIFO
// into one aggregated response.
type streamJob struct{}

func (j *streamJob) step(e *Engine, nowTick uint64) (bool, error) {
	if !e.anyStreamActive() {
		e.streamEmitter = false
		return true, nil
	}
	w := codec.NewWriter(binary.BigEndian, nil)
	any := false
	any = drainStream[record.AccelStreamSample, *record.AccelStreamSample](w, e.accel.StreamFIFO(), streamSampleBatch) || any
	any = drainStream[record.AccelInterruptSample, *record.AccelInterruptSample](w, e.accelInterrupt.StreamFIFO(), streamSampleBatch) || any
	any = drainStream[record.BatterySample, *record.BatterySample](w, e.battery.StreamFIFO(), streamSampleBatch) || any
	any = drainStream[record.MicrophoneStreamSample, *record.MicrophoneStreamSample](w, e.microphone.StreamFIFO(), streamSampleBatch) || any
	any = drainStream[record.ScanStreamSample, *record.ScanStreamSample](w, e.scan.StreamFIFO(), streamSampleBatch) || any
	if w.Err() != nil {
		return true, w.Err()
	}
	if !any {
		return false, nil // nothing to send; re-schedule without transmitting.
	}
	_, err := e.finishOrRetry(&Response{Tag: RespStream, LastResponse: false, Payload: w.Bytes()})
	// Keeps re-scheduling regardless of this frame's outcome; the next
	// step call retires the job once no stream bit is left set.
	return false, err
}

// drainStream pops up to max samples from fifo, writing a one-byte count
// followed by each sample's wire encoding (spec.md §4.8 "gathers up to N
// samples from each active stream FIFO into one aggregated response").
func drainStream[T any, PT interface {
	*T
	codec.Message
}](w *codec.Writer, fifo *chunkfifo.FIFO[T], max int) bool {
	var items []T
	for len(items) < max {
		slot, _, ok := fifo.ReadOpen()
		if !ok {
			break
		}
		items = append(items, *slot)
		fifo.ReadClose()
	}
	w.Uint8(uint8(len(items)))
	for i := range items {
		PT(&items[i]).Encode(w)
	}
	return len(items) > 0
}
