package models

import "time"

// StopStatus is the delivery state of a single stop.
type StopStatus string

const (
	StopStatusPending   StopStatus = "pending"
	StopStatusEnroute   StopStatus = "enroute"
	StopStatusArrived   StopStatus = "arrived"
	StopStatusDelivered StopStatus = "delivered"
	StopStatusSkipped   StopStatus = "skipped"
)

// IsTerminal reports whether no further transitions are legal from s.
func (s StopStatus) IsTerminal() bool {
	return s == StopStatusDelivered || s == StopStatusSkipped
}

// MaxNotesLength is the hard ceiling applied to driver-entered text fields.
const MaxNotesLength = 500

// Stop is one delivery destination within a route, corresponding to one
// order. StopIndex defines the visiting order and is immutable once the
// route has started.
type Stop struct {
	ID          string     `json:"id"`
	RouteID     string     `json:"route_id"`
	OrderID     string     `json:"order_id"`
	StopIndex   int        `json:"stop_index"`
	Status      StopStatus `json:"status"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	PhotoURL    string     `json:"photo_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AdvanceStopRequest is the driver command to move a stop to a new status.
type AdvanceStopRequest struct {
	Status string `json:"status" validate:"required,oneof=enroute arrived delivered skipped"`
	Notes  string `json:"notes,omitempty" validate:"max=500"`
}

// ExceptionRequest reports a delivery exception; the stop is skipped with
// the reason recorded as its notes.
type ExceptionRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// PhotoRequest attaches a proof-of-delivery photo reference to a stop.
type PhotoRequest struct {
	PhotoURL string `json:"photo_url" validate:"required,max=500"`
}

// AdvanceStopResult is the coordinator's response to a stop advance: the
// mutated stop plus, when the transition was terminal, the next stop that
// was activated. NextStop is nil when no pending stops remain, which the
// UI uses to offer the "complete route" action. Queued is set when the
// write could not reach the store and was enqueued for replay instead.
type AdvanceStopResult struct {
	Stop     *Stop `json:"stop"`
	NextStop *Stop `json:"next_stop,omitempty"`
	Queued   bool  `json:"queued,omitempty"`
}
