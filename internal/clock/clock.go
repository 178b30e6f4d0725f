// Package clock implements the badge's tick-domain time base: a monotonic
// tick counter continuously resynchronized to an external wall-clock
// authority (the hub) via an adaptive exponential-moving-average slope
// estimator. See spec.md §3 and §4.1.
package clock

import "sync"

// Wall is a (seconds, milliseconds) timestamp, matching the wire layout of
// the hub protocol's timestamp field.
type Wall struct {
	Sec uint32
	Ms  uint16
}

// AddMs returns w advanced by ms milliseconds.
func (w Wall) AddMs(ms int64) Wall {
	total := int64(w.Sec)*1000 + int64(w.Ms) + ms
	if total < 0 {
		total = 0
	}
	return Wall{Sec: uint32(total / 1000), Ms: uint16(total % 1000)}
}

// Sub returns w-o in milliseconds.
func (w Wall) Sub(o Wall) int64 {
	return (int64(w.Sec)*1000 + int64(w.Ms)) - (int64(o.Sec)*1000 + int64(o.Ms))
}

// Nominal crystal rate is 32768 Hz; the device tolerates a deviation band
// of ±CLOCK_FREQ_DEVIATION_HZ around it (spec.md §3, §4.1).
const (
	nominalHz           = 32768
	freqDeviationHz     = 50
	nominalMsPerTick    = 1000.0 / nominalHz
	minSlopeMsPerTick   = 1000.0 / (nominalHz + freqDeviationHz)
	maxSlopeMsPerTick   = 1000.0 / (nominalHz - freqDeviationHz)
	maxAlpha            = 0.3
	slopeAlphaPerMsWall = maxAlpha / 120000
)

// Clock tracks ticks since start and maintains the clock model (slope,
// tick anchor, wall anchor) that maps ticks to wall time.
type Clock struct {
	mu sync.Mutex

	// Hardware counter state. raw is the last-observed value of the
	// (wrapping) hardware counter; accumulated holds ticks folded in by
	// prior overflow reconciliations.
	counterBits uint
	raw         uint64
	accumulated uint64

	synced     bool
	slope      float64 // ms per tick
	tickAnchor uint64
	wallAnchor Wall
}

// New returns a Clock reading a counterBits-wide free-running hardware
// counter (e.g. 24 for the nRF52 RTC), starting at tick 0 with identity
// nominal slope and unsynced wall time.
func New(counterBits uint) *Clock {
	return &Clock{
		counterBits: counterBits,
		slope:       nominalMsPerTick,
	}
}

// counterMask is the wrap boundary of the hardware counter.
func (c *Clock) counterMask() uint64 {
	return (uint64(1) << c.counterBits) - 1
}

// Reconcile folds the current raw hardware counter reading into the
// accumulator, absorbing any wraparound since the last call. It must be
// called more often than the counter's wrap period (spec.md §3: "a
// periodic reconciliation routine that runs at a period shorter than the
// 24-bit wrap interval").
func (c *Clock) Reconcile(rawCounter uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rawCounter &= c.counterMask()
	delta := (rawCounter - c.raw) & c.counterMask()
	c.accumulated += delta
	c.raw = rawCounter
}

// TicksSinceStart returns the monotonic tick count, safe against concurrent
// hardware-counter overflow handling: it reads the raw counter, diffs
// against the saved reference under the clock's critical section, and adds
// to the accumulator without requiring the caller to have called
// Reconcile first.
func (c *Clock) TicksSinceStart(rawCounter uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	rawCounter &= c.counterMask()
	delta := (rawCounter - c.raw) & c.counterMask()
	return c.accumulated + delta
}

// clampSlope clamps a candidate ms-per-tick slope to the ±50ppm band.
func clampSlope(s float64) float64 {
	if s < minSlopeMsPerTick {
		return minSlopeMsPerTick
	}
	if s > maxSlopeMsPerTick {
		return maxSlopeMsPerTick
	}
	return s
}

// SetWall updates the clock model from an externally observed
// (tick, wall) sync pair. On the first call the model adopts the pair
// directly; subsequent calls blend the slope via an EMA whose weight grows
// with the sync interval, per spec.md §4.1.
func (c *Clock) SetWall(tickAtSync uint64, wallAtSync Wall) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.synced {
		c.synced = true
		c.tickAnchor = tickAtSync
		c.wallAnchor = wallAtSync
		return
	}

	// Clamp tickAtSync to [tickAnchor, now]. "now" isn't separately
	// tracked here; the caller is expected to pass a tick no earlier
	// than the anchor. Ticks may not regress.
	if tickAtSync < c.tickAnchor {
		tickAtSync = c.tickAnchor
	}

	dTick := tickAtSync - c.tickAnchor
	dWall := wallAtSync.Sub(c.wallAnchor)

	var candidate float64
	switch {
	case dTick == 0:
		candidate = maxSlopeMsPerTick
	case dWall == 0:
		candidate = minSlopeMsPerTick
	default:
		candidate = float64(dWall) / float64(dTick)
	}
	candidate = clampSlope(candidate)

	absDWall := dWall
	if absDWall < 0 {
		absDWall = -absDWall
	}
	alpha := float64(absDWall) * slopeAlphaPerMsWall
	if alpha > maxAlpha {
		alpha = maxAlpha
	}

	c.slope = alpha*candidate + (1-alpha)*c.slope

	// Re-anchor using the *updated* slope over the same interval, then
	// adopt the sync tick as the new anchor.
	c.wallAnchor = c.wallAnchor.AddMs(int64(c.slope * float64(dTick)))
	c.tickAnchor = tickAtSync
}

// wallAtLocked computes wall time at tick under the held lock.
func (c *Clock) wallAtLocked(tick uint64) Wall {
	var dTick int64
	if tick >= c.tickAnchor {
		dTick = int64(tick - c.tickAnchor)
	} else {
		dTick = -int64(c.tickAnchor - tick)
	}
	return c.wallAnchor.AddMs(int64(c.slope * float64(dTick)))
}

// WallAt returns the wall timestamp corresponding to tick under the
// current clock model.
func (c *Clock) WallAt(tick uint64) Wall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallAtLocked(tick)
}

// WallNow returns the wall timestamp at the given current tick count.
// Named to mirror the firmware's wall_now(); the caller supplies "now" as
// read from TicksSinceStart since this package has no hardware timer of
// its own.
func (c *Clock) WallNow(nowTick uint64) Wall {
	return c.WallAt(nowTick)
}

// ContinuousMs returns a wall-clock-independent millisecond count derived
// from nowTick using the nominal (not synced) slope, so it never jumps
// when the clock model is updated. Used for local timeouts (spec.md §4.1).
func ContinuousMs(tick uint64) uint64 {
	return uint64(float64(tick) * nominalMsPerTick)
}

// IsSynced reports whether the clock model has been set at least once.
func (c *Clock) IsSynced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Slope returns the current ms-per-tick slope estimate, for diagnostics
// and testing.
func (c *Clock) Slope() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slope
}
