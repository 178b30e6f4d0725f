// Package ble adapts tinygo.org/x/bluetooth's peripheral-mode GATT server
// to the abstract collaborators internal/sender and internal/advert
// depend on (spec.md §1 "abstract collaborator", §6 "BLE identity").
// internal/badge.Core never imports this package directly; cmd/badge
// wires it in at the top, the way cmd/controller's main.go wires
// newPlatform() into gui.NewApp.
package ble

import (
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/HumanDynamics/openbadge-sub000/internal/badgeerr"
)

// ServiceUUID and CharacteristicUUID identify the badge's single GATT
// service and its one request/response characteristic (spec.md §6: one
// notify/write-without-response characteristic carries the whole framed
// protocol).
var (
	ServiceUUID        = bluetooth.NewUUID([16]byte{0x00, 0x01, 0x7d, 0x00, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, 0x00, 0xff, 0xff, 0x00, 0x00})
	CharacteristicUUID = bluetooth.NewUUID([16]byte{0x00, 0x02, 0x7d, 0x00, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, 0x00, 0xff, 0xff, 0x00, 0x00})
)

// Adapter wraps a single tinygo.org/x/bluetooth peripheral-mode Adapter,
// implementing both sender.Transport (notify/write-without-response) and
// advert.Broadcaster (advertising payload assembly is internal/advert's
// job; Adapter only pushes bytes to the radio).
type Adapter struct {
	adapter *bluetooth.Adapter
	adv     *bluetooth.Advertisement
	char    bluetooth.Characteristic

	onWrite func(data []byte)

	mu        sync.Mutex
	connected bool

	// advOptions accumulates every field set by SetAdvertisingPayload and
	// SetDeviceName, so each configureAdvertisement call reconfigures the
	// advertisement with everything known so far instead of just the
	// field the caller happened to be setting -- tinygo's
	// Advertisement.Configure replaces the whole configuration rather
	// than merging field-by-field.
	advOptions bluetooth.AdvertisementOptions

	// restartTimer re-arms advertising every timeoutS, standing in for
	// the SoftDevice's own advertising-timeout auto-restart (spec.md §6).
	restartTimer *time.Timer
	timeoutS     uint16
}

// Config bundles the callbacks Open wires into the GATT service.
type Config struct {
	// OnWrite is called, possibly from a BLE stack callback goroutine,
	// with each write-without-response payload the hub sends. The
	// caller is responsible for forwarding it into Core.OnNotify.
	OnWrite func(data []byte)
}

// Open enables the default adapter and registers the badge's GATT
// service. onWrite is wired to the characteristic's write event; it
// should call through to internal/badge.Core.OnNotify.
func Open(cfg Config) (*Adapter, error) {
	a := &Adapter{adapter: bluetooth.DefaultAdapter, onWrite: cfg.OnWrite}
	if err := a.adapter.Enable(); err != nil {
		return nil, badgeerr.Wrap(badgeerr.KindInternal, err)
	}
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		a.mu.Lock()
		a.connected = connected
		a.mu.Unlock()
	})

	err := a.adapter.AddService(&bluetooth.Service{
		UUID: ServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &a.char,
				UUID:   CharacteristicUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					if a.onWrite != nil {
						a.onWrite(value)
					}
				},
			},
		},
	})
	if err != nil {
		return nil, badgeerr.Wrap(badgeerr.KindInternal, err)
	}

	a.adv = a.adapter.DefaultAdvertisement()
	return a, nil
}

// Send implements sender.Transport: a GATT notify. The tinygo bluetooth
// stack's own internal buffering surfaces back-pressure as an error,
// which Send maps to KindNoMemory so sender.Sender retries it later.
func (a *Adapter) Send(frame []byte) error {
	if !a.Connected() {
		return badgeerr.New(badgeerr.KindInvalidState, "ble: not connected")
	}
	if _, err := a.char.Write(frame); err != nil {
		return badgeerr.New(badgeerr.KindNoMemory, "ble: notify: %v", err)
	}
	return nil
}

// Connected implements sender.Transport.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Address returns the adapter's own BLE MAC, the seed internal/badge.New
// uses to regenerate a lost badge assignment.
func (a *Adapter) Address() ([6]byte, error) {
	addr, err := a.adapter.Address()
	if err != nil {
		return [6]byte{}, badgeerr.Wrap(badgeerr.KindInternal, err)
	}
	var mac [6]byte
	copy(mac[:], addr.MAC[:])
	return mac, nil
}

// SetAdvertisingPayload implements advert.Broadcaster: installs the
// manufacturer-specific AD structure internal/advert computed, keeping
// whatever device name was set by a prior SetDeviceName call.
func (a *Adapter) SetAdvertisingPayload(companyID uint16, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advOptions.ManufacturerData = []bluetooth.ManufacturerDataElement{
		{CompanyID: companyID, Data: payload},
	}
	return a.configureAdvertisementLocked()
}

// SetDeviceName implements advert.Broadcaster, keeping whatever
// manufacturer payload was set by a prior SetAdvertisingPayload call.
func (a *Adapter) SetDeviceName(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advOptions.LocalName = name
	return a.configureAdvertisementLocked()
}

// configureAdvertisementLocked reconfigures the advertisement from the
// full accumulated advOptions, since Advertisement.Configure replaces the
// whole configuration rather than merging fields in.
func (a *Adapter) configureAdvertisementLocked() error {
	if err := a.adv.Configure(a.advOptions); err != nil {
		return badgeerr.Wrap(badgeerr.KindInternal, err)
	}
	return nil
}

// Start implements advert.Broadcaster: configures the advertising
// interval and starts broadcasting, then arms restartTimer to stop and
// restart advertising every timeoutS, standing in for the SoftDevice's
// own advertising-timeout auto-restart (spec.md §6, "advertising restarts
// internally on timeout").
func (a *Adapter) Start(intervalMs, timeoutS uint16) error {
	a.mu.Lock()
	a.advOptions.Interval = bluetooth.NewAdvertisingInterval(time.Duration(intervalMs) * time.Millisecond)
	a.timeoutS = timeoutS
	if err := a.configureAdvertisementLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	if err := a.adv.Start(); err != nil {
		a.mu.Unlock()
		return badgeerr.Wrap(badgeerr.KindInternal, err)
	}
	a.armRestartTimerLocked()
	a.mu.Unlock()
	return nil
}

// armRestartTimerLocked (re-)schedules the advertising restart. Must be
// called with a.mu held.
func (a *Adapter) armRestartTimerLocked() {
	if a.timeoutS == 0 {
		return
	}
	if a.restartTimer != nil {
		a.restartTimer.Stop()
	}
	a.restartTimer = time.AfterFunc(time.Duration(a.timeoutS)*time.Second, a.onAdvertisingTimeout)
}

// onAdvertisingTimeout restarts advertising the way the SoftDevice would
// on its own internal timeout, then re-arms itself.
func (a *Adapter) onAdvertisingTimeout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timeoutS == 0 {
		return
	}
	_ = a.adv.Stop()
	if err := a.adv.Start(); err != nil {
		return
	}
	a.armRestartTimerLocked()
}

// Stop implements advert.Broadcaster.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeoutS = 0
	if a.restartTimer != nil {
		a.restartTimer.Stop()
		a.restartTimer = nil
	}
	if err := a.adv.Stop(); err != nil {
		return badgeerr.Wrap(badgeerr.KindInternal, err)
	}
	return nil
}
