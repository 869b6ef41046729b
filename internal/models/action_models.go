package models

import "time"

// ActionKind classifies a queued offline action.
type ActionKind string

const (
	ActionStatusUpdate ActionKind = "status_update"
	ActionPhotoUpload  ActionKind = "photo_upload"
	ActionException    ActionKind = "exception"
)

// ActionPayload carries the parameters of the deferred write. ExpectedStatus
// preserves the conditional-write precondition from the moment the action
// was taken, so a replay cannot clobber a concurrent backend edit. The
// timestamps are stamped when the driver acted, not when the action finally
// replays, so offline deliveries keep their real times.
type ActionPayload struct {
	Status         StopStatus `json:"status,omitempty"`
	ExpectedStatus StopStatus `json:"expected_status,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	PhotoURL       string     `json:"photo_url,omitempty"`
	ArrivedAt      *time.Time `json:"arrived_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

// PendingAction is one unit of offline-queued work. IDs are assigned at
// enqueue time and stay stable across process restarts; queue order is FIFO
// by CreatedAt and must be preserved on replay.
type PendingAction struct {
	ID            string        `json:"id"`
	Kind          ActionKind    `json:"kind"`
	RouteID       string        `json:"route_id"`
	StopID        string        `json:"stop_id"`
	Payload       ActionPayload `json:"payload"`
	CreatedAt     time.Time     `json:"created_at"`
	Attempts      int           `json:"attempts"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
}

// DriverState is the last-known driver progress persisted alongside the
// queue so a restarted process can resume mid-route. Only this subset
// survives restarts; transient UI state does not.
type DriverState struct {
	RouteID      string          `json:"route_id,omitempty"`
	StopIndex    int             `json:"stop_index,omitempty"`
	LastLocation *LocationSample `json:"last_location,omitempty"`
}

// SyncStatus is the driver-visible view of the offline queue.
type SyncStatus struct {
	Pending []*PendingAction `json:"pending"`
	// Stale is set when the queue holds entries older than the staleness
	// threshold that have failed multiple replay attempts; the UI shows a
	// persistent "action failed, will retry" indicator.
	Stale bool `json:"stale"`
}
