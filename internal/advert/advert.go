// Package advert assembles the badge's BLE advertising payload (spec.md
// §6 "BLE identity") from the badge's current identity and activity
// state. Broadcasting the payload itself is the BLE link layer's concern
// (internal/ble, an abstract collaborator per spec.md §1); this package
// only computes the bytes, the way advertiser_lib.c separates payload
// construction from the SoftDevice advertising calls that consume it.
package advert

import "github.com/HumanDynamics/openbadge-sub000/internal/record"

// CompanyID is the manufacturer identifier carried in the advertising
// AD structure's company_id field (spec.md §6).
const CompanyID uint16 = 0xFF00

// PayloadLen is the fixed length of the manufacturer-specific payload
// that follows CompanyID: battery_u8, status_flags_u8, id_u16_le,
// group_u8, mac_u8[6].
const PayloadLen = 11

// DeviceName is the default BLE device name (spec.md §6).
const DeviceName = "HDBDG"

// IntervalMs and TimeoutS are the default advertising parameters (spec.md
// §6): advertising restarts internally on timeout unless explicitly
// stopped.
const (
	IntervalMs = 200
	TimeoutS   = 6
)

// Flags are the one-bit-per-source activity flags, LSB first: clock
// synced, mic enabled, scan enabled, accel enabled, accel-interrupt
// enabled, battery enabled (spec.md §6).
type Flags uint8

const (
	FlagClockSynced Flags = 1 << iota
	FlagMicrophoneEnabled
	FlagScanEnabled
	FlagAccelEnabled
	FlagAccelInterruptEnabled
	FlagBatteryEnabled
)

// State is the advertiser's input: the badge's current identity and
// per-source activity, refreshed by internal/badge.Core whenever any of
// it changes.
type State struct {
	Synced     bool
	Microphone bool
	Scan       bool
	Accel      bool
	AccelInterrupt bool
	Battery    bool

	BatteryVolts float32
	Assignment   record.Assignment
	MAC          [6]byte
}

// flags packs State's six activity booleans into the wire bitset.
func (s State) flags() Flags {
	var f Flags
	if s.Synced {
		f |= FlagClockSynced
	}
	if s.Microphone {
		f |= FlagMicrophoneEnabled
	}
	if s.Scan {
		f |= FlagScanEnabled
	}
	if s.Accel {
		f |= FlagAccelEnabled
	}
	if s.AccelInterrupt {
		f |= FlagAccelInterruptEnabled
	}
	if s.Battery {
		f |= FlagBatteryEnabled
	}
	return f
}

// BatteryByte clamps a voltage reading to the advertising payload's
// single-byte encoding: clamp((volts*100)-100, 0, 255) (spec.md §6).
// This maps the badge's ~1.0V-3.55V operating range onto 0-255 at
// roughly 1/100V of resolution.
func BatteryByte(volts float32) uint8 {
	raw := volts*100 - 100
	switch {
	case raw < 0:
		return 0
	case raw > 255:
		return 255
	default:
		return uint8(raw)
	}
}

// Payload assembles the 11-byte manufacturer-specific advertising payload
// for s: (battery_u8, status_flags_u8, id_u16_le, group_u8, mac_u8[6]).
func Payload(s State) [PayloadLen]byte {
	var out [PayloadLen]byte
	out[0] = BatteryByte(s.BatteryVolts)
	out[1] = uint8(s.flags())
	out[2] = uint8(s.Assignment.ID)
	out[3] = uint8(s.Assignment.ID >> 8)
	out[4] = s.Assignment.Group
	copy(out[5:11], s.MAC[:])
	return out
}

// Broadcaster is the BLE link layer's advertising collaborator (spec.md
// §1 "abstract collaborator"): internal/ble implements this over the
// real radio stack.
type Broadcaster interface {
	// SetAdvertisingPayload installs company_id and payload as the
	// manufacturer-specific AD structure for subsequent advertising.
	SetAdvertisingPayload(companyID uint16, payload []byte) error
	// SetDeviceName installs the BLE device name advertised alongside
	// the payload.
	SetDeviceName(name string) error
	// Start begins advertising at the given interval, restarting
	// internally every timeout unless Stop is called first.
	Start(intervalMs uint16, timeoutS uint16) error
	Stop() error
}

// Advertiser tracks State and keeps Broadcaster's payload current,
// republishing only when something actually changed (spec.md §9 "model
// these as a single owned Core value... rather than free globals" —
// Advertiser is one such owned collaborator of internal/badge.Core).
type Advertiser struct {
	b       Broadcaster
	state   State
	started bool
}

// New returns an Advertiser over b, publishing nothing until Refresh is
// first called.
func New(b Broadcaster) *Advertiser {
	return &Advertiser{b: b}
}

// Refresh recomputes the payload from state and pushes it to the
// broadcaster if it differs from what was last published, starting
// advertising on the first call.
func (a *Advertiser) Refresh(state State) error {
	changed := state != a.state || !a.started
	a.state = state
	if !changed {
		return nil
	}
	payload := Payload(state)
	if err := a.b.SetAdvertisingPayload(CompanyID, payload[:]); err != nil {
		return err
	}
	if !a.started {
		if err := a.b.SetDeviceName(DeviceName); err != nil {
			return err
		}
		if err := a.b.Start(IntervalMs, TimeoutS); err != nil {
			return err
		}
		a.started = true
	}
	return nil
}

// Stop halts advertising, if started.
func (a *Advertiser) Stop() error {
	if !a.started {
		return nil
	}
	a.started = false
	return a.b.Stop()
}
