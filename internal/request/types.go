// Package request implements the hub<->badge request/response protocol
// engine of spec.md §4.8: decoding notification bytes into a Request,
// dispatching to the owning Core's sampling controllers and storage, and
// encoding a Response back out through internal/sender.
package request

import (
	"github.com/HumanDynamics/openbadge-sub000/internal/codec"
	"github.com/HumanDynamics/openbadge-sub000/internal/record"
)

// Tag is the one-byte Request discriminant (spec.md §6: "which_type in
// {1..29}"). The legacy 01v1 tag space is not represented here; this
// engine targets 02v1 only (spec.md §9).
type Tag uint8

const (
	TagStatus Tag = 1 + iota
	TagIdentify
	TagTest
	TagRestart

	TagStartMicrophone
	TagStopMicrophone
	TagStartMicrophoneStream
	TagStopMicrophoneStream

	TagStartScan
	TagStopScan
	TagStartScanStream
	TagStopScanStream

	TagStartAccel
	TagStopAccel
	TagStartAccelStream
	TagStopAccelStream

	TagStartAccelInterrupt
	TagStopAccelInterrupt
	TagStartAccelInterruptStream
	TagStopAccelInterruptStream

	TagStartBattery
	TagStopBattery
	TagStartBatteryStream
	TagStopBatteryStream

	TagMicrophoneDataRequest
	TagScanDataRequest
	TagAccelDataRequest
	TagAccelInterruptDataRequest
	TagBatteryDataRequest
)

// Request is the tagged union of every request variant. Only the fields
// relevant to Tag are meaningful; Encode/Decode dispatch on Tag to read
// or write exactly those.
type Request struct {
	Tag       Tag
	Timestamp record.Timestamp

	// status_request
	HasAssignment bool
	Assignment    record.Assignment

	// identify_request
	TimeoutS uint16

	// start_microphone(_stream)
	SamplePeriodMs uint16

	// start_scan(_stream)
	ScanTimeoutMin  uint16
	ScanWindowMs    uint16
	ScanIntervalMs  uint16
	ScanDurationS   uint16
	ScanPeriodS     uint16
	ScanAggregation uint8

	// start_scan, scan reports are filtered to this group. 0xFF
	// (sampling.NoGroupFilter) accepts every group, matching
	// original_source's scan_no_group_filter_pattern.
	GroupFilter uint8
}

func (req *Request) Encode(w *codec.Writer) {
	w.OneOf(uint8(req.Tag), func() {
		switch req.Tag {
		case TagStatus:
			req.Timestamp.Encode(w)
			w.Optional(req.HasAssignment, func() { req.Assignment.Encode(w) })
		case TagIdentify:
			w.Uint16(req.TimeoutS)
		case TagTest, TagRestart:
			// No payload.
		case TagStartMicrophone, TagStartMicrophoneStream:
			req.Timestamp.Encode(w)
			w.Uint16(req.SamplePeriodMs)
		case TagStopMicrophone, TagStopMicrophoneStream:
			// No payload.
		case TagStartScan, TagStartScanStream:
			req.Timestamp.Encode(w)
			w.Uint16(req.ScanTimeoutMin)
			w.Uint16(req.ScanWindowMs)
			w.Uint16(req.ScanIntervalMs)
			w.Uint16(req.ScanDurationS)
			w.Uint16(req.ScanPeriodS)
			w.Uint8(req.ScanAggregation)
			w.Uint8(req.GroupFilter)
		case TagStopScan, TagStopScanStream:
			// No payload.
		case TagStartAccel, TagStartAccelStream,
			TagStartAccelInterrupt, TagStartAccelInterruptStream,
			TagStartBattery, TagStartBatteryStream:
			req.Timestamp.Encode(w)
		case TagStopAccel, TagStopAccelStream,
			TagStopAccelInterrupt, TagStopAccelInterruptStream,
			TagStopBattery, TagStopBatteryStream:
			// No payload.
		case TagMicrophoneDataRequest, TagScanDataRequest,
			TagAccelDataRequest, TagAccelInterruptDataRequest,
			TagBatteryDataRequest:
			req.Timestamp.Encode(w)
		default:
			w.Fail("request: unknown tag %d", req.Tag)
		}
	})
}

func (req *Request) Decode(r *codec.Reader) error {
	req.Tag = Tag(r.OneOf())
	switch req.Tag {
	case TagStatus:
		req.Timestamp.Decode(r)
		req.HasAssignment = r.Optional(func() { req.Assignment.Decode(r) })
	case TagIdentify:
		req.TimeoutS = r.Uint16()
	case TagTest, TagRestart:
	case TagStartMicrophone, TagStartMicrophoneStream:
		req.Timestamp.Decode(r)
		req.SamplePeriodMs = r.Uint16()
	case TagStopMicrophone, TagStopMicrophoneStream:
	case TagStartScan, TagStartScanStream:
		req.Timestamp.Decode(r)
		req.ScanTimeoutMin = r.Uint16()
		req.ScanWindowMs = r.Uint16()
		req.ScanIntervalMs = r.Uint16()
		req.ScanDurationS = r.Uint16()
		req.ScanPeriodS = r.Uint16()
		req.ScanAggregation = r.Uint8()
		req.GroupFilter = r.Uint8()
	case TagStopScan, TagStopScanStream:
	case TagStartAccel, TagStartAccelStream,
		TagStartAccelInterrupt, TagStartAccelInterruptStream,
		TagStartBattery, TagStartBatteryStream:
		req.Timestamp.Decode(r)
	case TagStopAccel, TagStopAccelStream,
		TagStopAccelInterrupt, TagStopAccelInterruptStream,
		TagStopBattery, TagStopBatteryStream:
	case TagMicrophoneDataRequest, TagScanDataRequest,
		TagAccelDataRequest, TagAccelInterruptDataRequest,
		TagBatteryDataRequest:
		req.Timestamp.Decode(r)
	default:
		r.Fail("request: unknown tag %d", req.Tag)
	}
	return r.Err()
}

// ResponseTag is the one-byte Response discriminant.
type ResponseTag uint8

const (
	RespStatus ResponseTag = 1 + iota
	RespAck
	RespMicrophoneData
	RespScanData
	RespAccelData
	RespAccelInterruptData
	RespBatteryData
	RespStream
)

// dataResponseTag returns the data-pull response tag for a request tag,
// and whether req is a data-pull request at all.
func dataResponseTag(t Tag) (ResponseTag, bool) {
	switch t {
	case TagMicrophoneDataRequest:
		return RespMicrophoneData, true
	case TagScanDataRequest:
		return RespScanData, true
	case TagAccelDataRequest:
		return RespAccelData, true
	case TagAccelInterruptDataRequest:
		return RespAccelInterruptData, true
	case TagBatteryDataRequest:
		return RespBatteryData, true
	default:
		return 0, false
	}
}

// StatusBits are the one-bit-per-source flags of a status response
// (spec.md §4.8 "Status response"), LSB first to match the advertising
// payload's status_flags_u8.
type StatusBits uint16

const (
	StatusClockSynced StatusBits = 1 << iota
	StatusMicrophoneActive
	StatusScanActive
	StatusAccelActive
	StatusAccelInterruptActive
	StatusBatteryActive
)

// Response is the tagged union of every response variant.
type Response struct {
	Tag ResponseTag

	// status
	StatusBits   StatusBits
	WallNow      record.Timestamp
	BatteryVolts float32

	// ack
	AckOf Tag

	// data-pull / stream
	LastResponse bool
	// Payload carries the codec-encoded chunk (data-pull) or the
	// aggregated per-source sample batch (stream), already produced by
	// internal/storer / internal/sampling. It is the final field of the
	// message, so Decode consumes whatever bytes remain in the frame
	// rather than needing its own length prefix.
	Payload []byte
}

func (resp *Response) Encode(w *codec.Writer) {
	w.OneOf(uint8(resp.Tag), func() {
		switch resp.Tag {
		case RespStatus:
			w.Uint16(uint16(resp.StatusBits))
			resp.WallNow.Encode(w)
			w.Float32(resp.BatteryVolts)
		case RespAck:
			w.Uint8(uint8(resp.AckOf))
		case RespMicrophoneData, RespScanData, RespAccelData,
			RespAccelInterruptData, RespBatteryData, RespStream:
			if resp.LastResponse {
				w.Uint8(1)
			} else {
				w.Uint8(0)
			}
			w.Raw(resp.Payload)
		default:
			w.Fail("response: unknown tag %d", resp.Tag)
		}
	})
}

func (resp *Response) Decode(r *codec.Reader) error {
	resp.Tag = ResponseTag(r.OneOf())
	switch resp.Tag {
	case RespStatus:
		resp.StatusBits = StatusBits(r.Uint16())
		resp.WallNow.Decode(r)
		resp.BatteryVolts = r.Float32()
	case RespAck:
		resp.AckOf = Tag(r.Uint8())
	case RespMicrophoneData, RespScanData, RespAccelData,
		RespAccelInterruptData, RespBatteryData, RespStream:
		last := r.Uint8()
		resp.LastResponse = last != 0
		resp.Payload = r.Raw(r.Remaining())
	default:
		r.Fail("response: unknown tag %d", resp.Tag)
	}
	return r.Err()
}
