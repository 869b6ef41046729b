package tracking

import (
	"sync"
	"time"

	"morning-star-delivery/internal/models"
)

// Default transmission intervals. The floor applies between any two sends
// regardless of speed; the adaptive interval is picked from the most recent
// sample's speed bucket and the effective interval is max(floor, adaptive).
const (
	DefaultFloorInterval      = 60 * time.Second
	DefaultStationaryInterval = 10 * time.Minute
	DefaultWalkingInterval    = 5 * time.Minute
	DefaultDrivingInterval    = 2 * time.Minute

	walkingSpeedFloor = 0.5 // m/s
	drivingSpeedFloor = 2.0 // m/s
)

// Intervals configures the throttle. Zero values take the defaults.
type Intervals struct {
	Floor      time.Duration
	Stationary time.Duration
	Walking    time.Duration
	Driving    time.Duration
}

func (iv Intervals) withDefaults() Intervals {
	if iv.Floor <= 0 {
		iv.Floor = DefaultFloorInterval
	}
	if iv.Stationary <= 0 {
		iv.Stationary = DefaultStationaryInterval
	}
	if iv.Walking <= 0 {
		iv.Walking = DefaultWalkingInterval
	}
	if iv.Driving <= 0 {
		iv.Driving = DefaultDrivingInterval
	}
	return iv
}

// timerFunc schedules fn after d and returns a cancel function. Production
// code uses time.AfterFunc; tests inject a fake to avoid wall-clock waits.
type timerFunc func(d time.Duration, fn func()) (cancel func())

// Throttle is the adaptive rate limiter between location sampling and
// server transmission. Its whole state is {lastSentAt, pendingSample,
// scheduledFireAt}: a sample offered before the effective interval has
// elapsed is deferred, not dropped, and the deferred send fires with the
// most recent sample available at fire time (coalescing, not FIFO).
//
// The send clock advances on every transmission attempt, succeed or fail;
// in particular a server-side 429 must not cause a tight retry loop.
type Throttle struct {
	mu        sync.Mutex
	intervals Intervals
	send      func(models.LocationSample)
	now       func() time.Time
	newTimer  timerFunc

	lastSentAt      time.Time
	pendingSample   *models.LocationSample
	scheduledFireAt time.Time
	cancelTimer     func()
}

// NewThrottle builds a throttle that invokes send for each transmission.
func NewThrottle(intervals Intervals, send func(models.LocationSample)) *Throttle {
	return &Throttle{
		intervals: intervals.withDefaults(),
		send:      send,
		now:       time.Now,
		newTimer: func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		},
	}
}

// adaptiveInterval picks the interval for the sample's speed bucket. A
// missing speed reading is treated as stationary, the most conservative
// bucket for battery and bandwidth.
func (t *Throttle) adaptiveInterval(sample models.LocationSample) time.Duration {
	speed := 0.0
	if sample.Speed != nil {
		speed = *sample.Speed
	}
	var adaptive time.Duration
	switch {
	case speed >= drivingSpeedFloor:
		adaptive = t.intervals.Driving
	case speed >= walkingSpeedFloor:
		adaptive = t.intervals.Walking
	default:
		adaptive = t.intervals.Stationary
	}
	if adaptive < t.intervals.Floor {
		return t.intervals.Floor
	}
	return adaptive
}

// Offer hands the throttle a fresh sample. It either transmits immediately
// (interval elapsed or first send) or records the sample as pending and
// schedules a deferred send for the moment the interval completes. Each new
// sample replaces the pending one and may reschedule the fire time, since
// the effective interval follows the most recent speed reading.
func (t *Throttle) Offer(sample models.LocationSample) {
	t.mu.Lock()

	now := t.now()
	due := t.lastSentAt.Add(t.adaptiveInterval(sample))
	if t.lastSentAt.IsZero() || !now.Before(due) {
		t.clearScheduleLocked()
		// Drop any deferred sample too: a timer fire already in flight must
		// find nothing to send, or the window gets two transmissions.
		t.pendingSample = nil
		t.lastSentAt = now
		t.mu.Unlock()
		t.send(sample)
		return
	}

	t.pendingSample = &sample
	if t.scheduledFireAt.Equal(due) && t.cancelTimer != nil {
		t.mu.Unlock()
		return
	}
	t.clearScheduleLocked()
	t.scheduledFireAt = due
	t.cancelTimer = t.newTimer(due.Sub(now), t.fire)
	t.mu.Unlock()
}

// fire runs when a deferred send comes due, carrying the latest pending
// sample rather than the stale one that triggered the defer.
func (t *Throttle) fire() {
	t.mu.Lock()
	sample := t.pendingSample
	t.pendingSample = nil
	t.scheduledFireAt = time.Time{}
	t.cancelTimer = nil
	if sample == nil {
		t.mu.Unlock()
		return
	}
	t.lastSentAt = t.now()
	t.mu.Unlock()
	t.send(*sample)
}

// Stop cancels any pending deferred send. After Stop returns no further
// transmissions occur until the next Offer.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearScheduleLocked()
	t.pendingSample = nil
}

// clearScheduleLocked cancels the timer. Callers must hold mu.
func (t *Throttle) clearScheduleLocked() {
	if t.cancelTimer != nil {
		t.cancelTimer()
		t.cancelTimer = nil
	}
	t.scheduledFireAt = time.Time{}
}

// LastSentAt reports when the last transmission attempt happened.
func (t *Throttle) LastSentAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSentAt
}
