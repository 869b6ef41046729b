package tracking

import (
	"fmt"
	"sync"

	"morning-star-delivery/internal/models"
)

// GeoErrorCode distinguishes device-level geolocation failures. They are
// surfaced to observers but never stop the watch; the subsystem keeps
// listening for a new fix.
type GeoErrorCode string

const (
	GeoPermissionDenied    GeoErrorCode = "permission_denied"
	GeoPositionUnavailable GeoErrorCode = "position_unavailable"
	GeoTimeout             GeoErrorCode = "timeout"
)

// GeoError is a device geolocation failure report.
type GeoError struct {
	Code    GeoErrorCode
	Message string
}

func (e *GeoError) Error() string {
	return fmt.Sprintf("geolocation error (%s): %s", e.Code, e.Message)
}

// WatchOptions mirror the continuous-watch contract of the device source.
type WatchOptions struct {
	HighAccuracy bool
	TimeoutMs    int
	MaxAgeMs     int
}

// CancelFunc clears a position subscription. After it returns, no further
// callbacks are delivered.
type CancelFunc func()

// Watcher is the device geolocation port: a continuous position
// subscription, not a one-shot read.
type Watcher interface {
	Watch(opts WatchOptions, onSample func(models.LocationSample), onError func(*GeoError)) (CancelFunc, error)
}

// SampleFeed is the Watcher implementation backing the HTTP API: the driver
// device uploads fixes and the feed fans them out to the active watch.
type SampleFeed struct {
	mu       sync.Mutex
	onSample func(models.LocationSample)
	onError  func(*GeoError)
}

func NewSampleFeed() *SampleFeed {
	return &SampleFeed{}
}

// Watch registers the callbacks. Only one watch is active at a time; a new
// watch replaces the previous one.
func (f *SampleFeed) Watch(opts WatchOptions, onSample func(models.LocationSample), onError func(*GeoError)) (CancelFunc, error) {
	f.mu.Lock()
	f.onSample = onSample
	f.onError = onError
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		f.onSample = nil
		f.onError = nil
		f.mu.Unlock()
	}, nil
}

// Push delivers a device fix to the active watch, if any.
func (f *SampleFeed) Push(sample models.LocationSample) {
	f.mu.Lock()
	fn := f.onSample
	f.mu.Unlock()
	if fn != nil {
		fn(sample)
	}
}

// Fail delivers a device-level error to the active watch, if any.
func (f *SampleFeed) Fail(code GeoErrorCode, message string) {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	if fn != nil {
		fn(&GeoError{Code: code, Message: message})
	}
}
