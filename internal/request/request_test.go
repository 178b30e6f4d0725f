package request

import (
	"encoding/binary"
	"testing"

	"github.com/HumanDynamics/openbadge-sub000/internal/badgefs"
	"github.com/HumanDynamics/openbadge-sub000/internal/blockdevice"
	"github.com/HumanDynamics/openbadge-sub000/internal/clock"
	"github.com/HumanDynamics/openbadge-sub000/internal/codec"
	"github.com/HumanDynamics/openbadge-sub000/internal/record"
	"github.com/HumanDynamics/openbadge-sub000/internal/sampling"
	"github.com/HumanDynamics/openbadge-sub000/internal/sender"
	"github.com/HumanDynamics/openbadge-sub000/internal/storer"
	"github.com/HumanDynamics/openbadge-sub000/internal/timeout"
)

// fakeTransport is an always-connected sink that just records frames,
// for driving sender.Sender from engine tests without a real radio.
type fakeTransport struct {
	sent [][]byte
}

func (f *fakeTransport) Send(frame []byte) error {
	cp := append([]byte(nil), frame...)
	f.sent = append(f.sent, cp)
	return nil
}
func (f *fakeTransport) Connected() bool { return true }

// rxFrames returns every length-prefixed response frame fully drained
// from the transport's delivered chunks.
func rxFrames(t *testing.T, chunks [][]byte) []Response {
	t.Helper()
	var buf []byte
	for _, c := range chunks {
		buf = append(buf, c...)
	}
	var out []Response
	for len(buf) > 0 {
		if len(buf) < 2 {
			t.Fatalf("dangling %d bytes, not enough for a length prefix", len(buf))
		}
		n := binary.BigEndian.Uint16(buf)
		buf = buf[2:]
		if len(buf) < int(n) {
			t.Fatalf("dangling frame: want %d bytes, have %d", n, len(buf))
		}
		var resp Response
		if err := codec.Unmarshal(binary.BigEndian, buf[:n], &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		out = append(out, resp)
		buf = buf[n:]
	}
	return out
}

type testRig struct {
	t        *testing.T
	transport *fakeTransport
	send     *sender.Sender
	clk      *clock.Clock
	store    *storer.Store
	timeouts *timeout.Registry
	engine   *Engine

	accel          *sampling.AccelController
	accelInterrupt *sampling.AccelInterruptController
	battery        *sampling.BatteryController
	microphone     *sampling.MicrophoneController
	scan           *sampling.ScanController
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dev := blockdevice.NewMem(blockdevice.Geometry{PageSize: 32, SectorSize: 256, NumSectors: 544})
	fs, err := badgefs.Open(dev, storer.Specs(0))
	if err != nil {
		t.Fatalf("badgefs.Open: %v", err)
	}
	store := storer.Open(fs)
	clk := clock.New(24)
	clk.SetWall(0, clock.Wall{Sec: 1000})

	transport := &fakeTransport{}
	snd := sender.New(transport, 4096, 4096, sender.DefaultMTU)

	accel := sampling.NewAccelController(clk, store, 8, 8)
	accelInterrupt := sampling.NewAccelInterruptController(clk, store, 8, 8)
	battery := sampling.NewBatteryController(clk, store, 8, 8)
	microphone := sampling.NewMicrophoneController(clk, store, 8, 8)
	scan := sampling.NewScanController(clk, store, 8, 8)

	timeouts := timeout.New(nil)
	engine := NewEngine(clk, store, snd, timeouts, DefaultConfig(),
		accel, accelInterrupt, battery, microphone, scan)

	return &testRig{
		t: t, transport: transport, send: snd, clk: clk, store: store,
		timeouts: timeouts, engine: engine,
		accel: accel, accelInterrupt: accelInterrupt, battery: battery,
		microphone: microphone, scan: scan,
	}
}

// deliver feeds req to the engine as if received whole over the link,
// one Poll per receive-state-machine step, plus enough extra Polls to
// drain any pending responseJob to completion.
func (r *testRig) deliver(req *Request, nowTick uint64) {
	r.t.Helper()
	body, err := codec.Marshal(binary.BigEndian, req)
	if err != nil {
		r.t.Fatalf("marshal request: %v", err)
	}
	var framed [2]byte
	binary.BigEndian.PutUint16(framed[:], uint16(len(body)))
	if err := r.send.PushRX(framed[:]); err != nil {
		r.t.Fatalf("PushRX length: %v", err)
	}
	if err := r.send.PushRX(body); err != nil {
		r.t.Fatalf("PushRX body: %v", err)
	}
	r.pollUntilIdle(nowTick)
}

// pollUntilIdle drives Poll until there is no pending responseJob and no
// buffered receive state, bounded generously against an infinite loop.
func (r *testRig) pollUntilIdle(nowTick uint64) {
	r.t.Helper()
	for i := 0; i < 1000; i++ {
		if err := r.engine.Poll(nowTick); err != nil {
			r.t.Fatalf("Poll: %v", err)
		}
		if r.engine.pending == nil && !r.engine.recv.haveLen && r.send.RXLen() == 0 {
			return
		}
	}
	r.t.Fatalf("pollUntilIdle: did not settle")
}

func TestRequestResponseRoundTrip(t *testing.T) {
	cases := []*Request{
		{Tag: TagStatus},
		{Tag: TagStatus, HasAssignment: true, Assignment: record.Assignment{ID: 42, Group: 3}},
		{Tag: TagIdentify, TimeoutS: 30},
		{Tag: TagTest},
		{Tag: TagRestart},
		{Tag: TagStartMicrophone, SamplePeriodMs: 20},
		{Tag: TagStopMicrophone},
		{Tag: TagStartScan, ScanWindowMs: 100, ScanIntervalMs: 200, ScanDurationS: 5, ScanPeriodS: 60, ScanAggregation: 1, GroupFilter: 2},
		{Tag: TagStopScanStream},
		{Tag: TagStartAccel},
		{Tag: TagStopAccelStream},
		{Tag: TagStartAccelInterrupt},
		{Tag: TagStopAccelInterruptStream},
		{Tag: TagStartBattery},
		{Tag: TagStopBatteryStream},
		{Tag: TagMicrophoneDataRequest, Timestamp: record.Timestamp{Sec: 100}},
		{Tag: TagScanDataRequest, Timestamp: record.Timestamp{Sec: 200}},
		{Tag: TagAccelDataRequest, Timestamp: record.Timestamp{Sec: 300}},
		{Tag: TagAccelInterruptDataRequest, Timestamp: record.Timestamp{Sec: 400}},
		{Tag: TagBatteryDataRequest, Timestamp: record.Timestamp{Sec: 500}},
	}
	for _, want := range cases {
		buf, err := codec.Marshal(binary.BigEndian, want)
		if err != nil {
			t.Fatalf("tag %d: marshal: %v", want.Tag, err)
		}
		got := &Request{}
		if err := codec.Unmarshal(binary.BigEndian, buf, got); err != nil {
			t.Fatalf("tag %d: unmarshal: %v", want.Tag, err)
		}
		if *got != *want {
			t.Fatalf("tag %d: round trip mismatch: got %+v, want %+v", want.Tag, got, want)
		}
	}
}

// TestStatusAck exercises the simplest request/ack/status round trips
// through the full engine, end to end over the byte transport.
func TestStatusAck(t *testing.T) {
	r := newTestRig(t)
	r.deliver(&Request{Tag: TagIdentify, TimeoutS: 5}, 0)

	resps := rxFrames(t, r.transport.sent)
	if len(resps) != 1 {
		t.Fatalf("got %d responses, want 1", len(resps))
	}
	if resps[0].Tag != RespAck || resps[0].AckOf != TagIdentify {
		t.Fatalf("got %+v, want ack of TagIdentify", resps[0])
	}
}

func TestStatusReportsAssignmentAndBatchActivity(t *testing.T) {
	r := newTestRig(t)
	r.deliver(&Request{Tag: TagStartAccel}, 0)
	r.transport.sent = nil

	r.deliver(&Request{Tag: TagStatus, HasAssignment: true, Assignment: record.Assignment{ID: 7, Group: 1}}, 10)

	resps := rxFrames(t, r.transport.sent)
	if len(resps) != 1 || resps[0].Tag != RespStatus {
		t.Fatalf("got %+v, want one status response", resps)
	}
	if resps[0].StatusBits&StatusClockSynced == 0 {
		t.Fatalf("status bits %v missing clock-synced", resps[0].StatusBits)
	}
	if resps[0].StatusBits&StatusAccelActive == 0 {
		t.Fatalf("status bits %v missing accel-active", resps[0].StatusBits)
	}
	if got, ok := r.engine.Assignment(); !ok || got != (record.Assignment{ID: 7, Group: 1}) {
		t.Fatalf("Assignment() = %+v, %v, want {7 1}, true", got, ok)
	}
}

// TestDataPullTermination reproduces spec.md §8 scenario 4: three
// microphone chunks at t=100/200/300, a data request timestamped 150.
// The seek lands on the newest chunk at-or-before 150 (t=100) as the
// already-known element; the first Next() call steps past it, so the
// pull yields the two chunks strictly after the seek point (t=200,
// t=300) followed by one empty last_response.
func TestDataPullTermination(t *testing.T) {
	r := newTestRig(t)
	for _, sec := range []uint32{100, 200, 300} {
		chunk := &record.MicrophoneChunk{Timestamp: record.Timestamp{Sec: sec}, Count: 1, SamplePeriodMs: 20}
		if _, err := r.store.Append(storer.Microphone, clock.Wall{Sec: sec}, chunk); err != nil {
			t.Fatalf("seed chunk at %d: %v", sec, err)
		}
	}

	r.deliver(&Request{Tag: TagMicrophoneDataRequest, Timestamp: record.Timestamp{Sec: 150}}, 0)

	resps := rxFrames(t, r.transport.sent)
	if len(resps) != 3 {
		t.Fatalf("got %d responses, want 3 (2 chunks + terminator): %+v", len(resps), resps)
	}
	wantSecs := []uint32{200, 300}
	for i, sec := range wantSecs {
		resp := resps[i]
		if resp.Tag != RespMicrophoneData || resp.LastResponse {
			t.Fatalf("response %d = %+v, want non-final microphone data", i, resp)
		}
		var got record.MicrophoneChunk
		if err := codec.Unmarshal(binary.LittleEndian, resp.Payload, &got); err != nil {
			t.Fatalf("response %d: decode payload: %v", i, err)
		}
		if got.Timestamp.Sec != sec {
			t.Fatalf("response %d timestamp = %d, want %d", i, got.Timestamp.Sec, sec)
		}
	}
	last := resps[2]
	if last.Tag != RespMicrophoneData || !last.LastResponse || len(last.Payload) != 0 {
		t.Fatalf("final response = %+v, want empty last_response=1", last)
	}
}

// TestDataPullSeeksPastTarget verifies that a request timestamped before
// the oldest chunk starts the walk at that chunk: SeekBefore finds nothing
// at or before the target, so the pull sends the one stored sample and
// then the terminator.
func TestDataPullSeeksPastTarget(t *testing.T) {
	r := newTestRig(t)
	chunk := &record.BatterySample{Timestamp: record.Timestamp{Sec: 100}, Volts: 3.7}
	if _, err := r.store.Append(storer.Battery, clock.Wall{Sec: 100}, chunk); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r.deliver(&Request{Tag: TagBatteryDataRequest, Timestamp: record.Timestamp{Sec: 50}}, 0)

	resps := rxFrames(t, r.transport.sent)
	if len(resps) != 2 {
		t.Fatalf("got %d responses, want 2 (1 sample + terminator): %+v", len(resps), resps)
	}
	if resps[0].LastResponse {
		t.Fatalf("first response unexpectedly final: %+v", resps[0])
	}
	if !resps[1].LastResponse || len(resps[1].Payload) != 0 {
		t.Fatalf("second response = %+v, want empty last_response=1", resps[1])
	}
}

// TestStreamingAggregatesActiveSources reproduces spec.md §8 scenario 5:
// once a stream is started the engine keeps emitting stream_response
// frames, each batching up to streamSampleBatch samples per active
// source, until the stream is stopped.
func TestStreamingAggregatesActiveSources(t *testing.T) {
	r := newTestRig(t)
	r.deliver(&Request{Tag: TagStartAccelStream}, 0)
	r.transport.sent = nil

	for i := 0; i < 3; i++ {
		r.accel.Drain([]sampling.AccelSample{{X: int16(i), Y: 1, Z: 1}}, uint64(i))
	}

	// One Poll step runs the pending ack-free streamJob; drive a few
	// scheduler ticks to let it gather and transmit.
	for i := 0; i < 5; i++ {
		if err := r.engine.Poll(100); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}

	resps := rxFrames(t, r.transport.sent)
	if len(resps) == 0 {
		t.Fatalf("got no stream responses")
	}
	found := false
	for _, resp := range resps {
		if resp.Tag != RespStream {
			t.Fatalf("got response tag %d, want RespStream", resp.Tag)
		}
		if len(resp.Payload) > 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("no stream response carried a non-empty payload")
	}

	// Stopping the stream lets the emitter retire.
	r.send.OnDisconnect()
	r.engine.OnDisconnect()
	if r.accel.StreamActive() {
		t.Fatalf("accel stream still active after OnDisconnect")
	}
}

// TestFragmentedRequestFraming reproduces spec.md §8 scenario 6: a
// request's bytes arrive split across several small notifications, none
// of which individually satisfy a length or body read; the engine must
// consume exactly the bytes belonging to the request and emit exactly
// one response.
func TestFragmentedRequestFraming(t *testing.T) {
	r := newTestRig(t)
	req := &Request{Tag: TagStartScan, ScanWindowMs: 100, ScanIntervalMs: 200, ScanDurationS: 5, ScanPeriodS: 60, ScanAggregation: 0, GroupFilter: 1}
	body, err := codec.Marshal(binary.BigEndian, req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var framed []byte
	framed = binary.BigEndian.AppendUint16(framed, uint16(len(body)))
	framed = append(framed, body...)

	const chunkSize = 3
	for off := 0; off < len(framed); off += chunkSize {
		end := off + chunkSize
		if end > len(framed) {
			end = len(framed)
		}
		if err := r.send.PushRX(framed[off:end]); err != nil {
			t.Fatalf("PushRX: %v", err)
		}
		// Each notification may supply just enough for one receive-state
		// transition (length prefix, then body); poll a couple of times
		// to let the engine pick up whatever is newly available without
		// yet requiring the whole request to have arrived.
		for i := 0; i < 2; i++ {
			if err := r.engine.Poll(uint64(off)); err != nil {
				t.Fatalf("Poll: %v", err)
			}
		}
	}
	r.pollUntilIdle(uint64(len(framed)))

	resps := rxFrames(t, r.transport.sent)
	if len(resps) != 1 {
		t.Fatalf("got %d responses, want 1: %+v", len(resps), resps)
	}
	if resps[0].Tag != RespAck || resps[0].AckOf != TagStartScan {
		t.Fatalf("got %+v, want ack of TagStartScan", resps[0])
	}
	if !r.scan.BatchActive() {
		t.Fatalf("scan batch mode not active after TagStartScan")
	}
}

// TestStartScanNoGroupFilterAcceptsEveryGroup reproduces spec.md §4.6: a
// start_scan request carrying sampling.NoGroupFilter (0xFF) must accept
// reports from every group, not just group 0.
func TestStartScanNoGroupFilterAcceptsEveryGroup(t *testing.T) {
	r := newTestRig(t)
	r.deliver(&Request{
		Tag: TagStartScan, ScanWindowMs: 100, ScanIntervalMs: 200,
		ScanDurationS: 5, ScanPeriodS: 60, GroupFilter: sampling.NoGroupFilter,
	}, 0)
	if !r.scan.BatchActive() {
		t.Fatalf("scan batch mode not active after TagStartScan")
	}

	r.scan.OnReport(1, 5, -40, record.PeerBadge, 0)
	r.scan.OnReport(2, 9, -45, record.PeerBadge, 0)
	r.scan.OnCycleEnd()
	if err := r.scan.ConsumeChunks(); err != nil {
		t.Fatalf("ConsumeChunks: %v", err)
	}

	var chunk record.ScanChunk
	if ok, err := r.store.LoadLatest(storer.Scan, &chunk); err != nil || !ok {
		t.Fatalf("LoadLatest: ok=%v err=%v", ok, err)
	}
	if chunk.Count != 2 {
		t.Fatalf("chunk.Count = %d, want 2 (reports from groups 5 and 9 both accepted)", chunk.Count)
	}
}

// TestLivenessTimeoutStopsBatchMode reproduces spec.md §4.2: a source left
// running with no renewing request eventually has its liveness timeout
// fire, which must stop batch mode the same as an explicit stop_request.
func TestLivenessTimeoutStopsBatchMode(t *testing.T) {
	r := newTestRig(t)
	r.deliver(&Request{Tag: TagStartBattery}, 0)
	if !r.battery.BatchActive() {
		t.Fatalf("battery batch mode not active after TagStartBattery")
	}

	r.timeouts.Tick(DefaultConfig().BatteryTimeoutMs)

	if r.battery.BatchActive() {
		t.Fatalf("battery batch mode still active after its liveness timeout fired")
	}
}

func TestNoAssignmentDataPullOnEmptyPartition(t *testing.T) {
	r := newTestRig(t)
	r.deliver(&Request{Tag: TagAccelDataRequest, Timestamp: record.Timestamp{Sec: 1}}, 0)

	resps := rxFrames(t, r.transport.sent)
	if len(resps) != 1 {
		t.Fatalf("got %d responses, want 1 (empty partition terminator only): %+v", len(resps), resps)
	}
	if resps[0].Tag != RespAccelData || !resps[0].LastResponse || len(resps[0].Payload) != 0 {
		t.Fatalf("got %+v, want empty last_response=1", resps[0])
	}
}
