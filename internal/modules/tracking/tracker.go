// Package tracking reports driver position to the fleet backend under
// bandwidth and battery constraints: sampling is continuous, transmission is
// rate-limited and adaptive to the driver's speed.
package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"morning-star-delivery/internal/models"
)

// ErrRateLimited is returned by an Uplink when the server answered 429.
var ErrRateLimited = errors.New("uplink rate limited")

// Uplink transmits a position fix to the fleet backend.
type Uplink interface {
	SendLocation(ctx context.Context, driverID string, sample models.LocationSample) error
}

// HTTPUplink posts fixes to the fleet telemetry collector.
type HTTPUplink struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPUplink(baseURL string) *HTTPUplink {
	return &HTTPUplink{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (u *HTTPUplink) SendLocation(ctx context.Context, driverID string, sample models.LocationSample) error {
	body, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("uplink.SendLocation: encode sample: %w", err)
	}
	url := fmt.Sprintf("%s/drivers/%s/location", u.baseURL, driverID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("uplink.SendLocation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uplink.SendLocation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("uplink.SendLocation: server returned %d", resp.StatusCode)
	}
	return nil
}

// StateStore persists the most recent fix so a restarted session still knows
// where the driver last was. Satisfied by the offline queue.
type StateStore interface {
	SetLastLocation(ctx context.Context, sample models.LocationSample) error
}

// Tracker ties the device watch, the throttle and the uplink together.
// Every sample updates observers and the persisted last-known location
// immediately regardless of network state; transmission is decoupled and
// goes through the throttle.
type Tracker struct {
	watcher  Watcher
	uplink   Uplink
	state    StateStore
	driverID string
	throttle *Throttle

	mu          sync.Mutex
	observers   []func(models.LocationSample)
	errObs      []func(*GeoError)
	lastSync    time.Time
	cancelWatch CancelFunc
}

func NewTracker(watcher Watcher, uplink Uplink, state StateStore, driverID string, intervals Intervals) *Tracker {
	t := &Tracker{
		watcher:  watcher,
		uplink:   uplink,
		state:    state,
		driverID: driverID,
	}
	t.throttle = NewThrottle(intervals, t.transmit)
	return t
}

// OnSample registers an observer invoked for every sample, online or not.
// Observers must be registered before Start.
func (t *Tracker) OnSample(fn func(models.LocationSample)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// OnError registers an observer for device-level geolocation errors.
func (t *Tracker) OnError(fn func(*GeoError)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errObs = append(t.errObs, fn)
}

// Start subscribes to the device position watch. Calling Start on a running
// tracker is a no-op.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelWatch != nil {
		return nil
	}
	cancel, err := t.watcher.Watch(
		WatchOptions{HighAccuracy: true, TimeoutMs: 15000, MaxAgeMs: 5000},
		t.handleSample,
		t.handleError,
	)
	if err != nil {
		return fmt.Errorf("tracker.Start: %w", err)
	}
	t.cancelWatch = cancel
	return nil
}

// Stop synchronously clears the device subscription and any pending
// deferred transmission. No network calls occur after Stop returns.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancelWatch
	t.cancelWatch = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.throttle.Stop()
}

// LastServerSync reports when the server last acknowledged a transmission.
func (t *Tracker) LastServerSync() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSync
}

func (t *Tracker) handleSample(sample models.LocationSample) {
	t.mu.Lock()
	observers := t.observers
	t.mu.Unlock()
	for _, fn := range observers {
		fn(sample)
	}

	// Last-value-wins local persistence; failure here must not break sampling.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := t.state.SetLastLocation(ctx, sample); err != nil {
		log.Printf("tracker: persist last location: %v", err)
	}
	cancel()

	t.throttle.Offer(sample)
}

func (t *Tracker) handleError(geoErr *GeoError) {
	t.mu.Lock()
	errObs := t.errObs
	t.mu.Unlock()
	for _, fn := range errObs {
		fn(geoErr)
	}
	log.Printf("tracker: %v", geoErr)
}

// transmit is the throttle's send callback. Transmission failures are
// absorbed here: there is no retry queue for location, the next natural
// sample supersedes a lost one.
func (t *Tracker) transmit(sample models.LocationSample) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := t.uplink.SendLocation(ctx, t.driverID, sample)
	switch {
	case errors.Is(err, ErrRateLimited):
		// The throttle clock already advanced, so the next send waits a
		// full interval instead of hammering the server.
		log.Printf("tracker: uplink rate limited, backing off one interval")
	case err != nil:
		log.Printf("tracker: uplink send failed: %v", err)
	default:
		t.mu.Lock()
		t.lastSync = time.Now()
		t.mu.Unlock()
	}
}
