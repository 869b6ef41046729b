package models

import "time"

// RouteStatus is the lifecycle state of a delivery route.
type RouteStatus string

const (
	RouteStatusPlanned    RouteStatus = "planned"
	RouteStatusInProgress RouteStatus = "in_progress"
	RouteStatusCompleted  RouteStatus = "completed"
)

// Route is one driver's ordered set of delivery stops for one delivery date.
// Routes are created by the upstream planning process; this service only
// executes them. At most one non-completed route exists per driver and date.
type Route struct {
	ID           string      `json:"id"`
	DriverID     string      `json:"driver_id"`
	DeliveryDate time.Time   `json:"delivery_date"`
	Status       RouteStatus `json:"status"`
	Stats        RouteStats  `json:"stats"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// RouteStats is the denormalized progress snapshot stored on the route.
// It is recomputed from the full stop set on every stop mutation, never
// patched incrementally, so the counters cannot drift.
type RouteStats struct {
	Total          int `json:"total"`
	Pending        int `json:"pending"`
	Delivered      int `json:"delivered"`
	Skipped        int `json:"skipped"`
	CompletionRate int `json:"completion_rate"`
}

// RouteDetail bundles a route with its stops for the driver UI.
type RouteDetail struct {
	Route *Route  `json:"route"`
	Stops []*Stop `json:"stops"`
}
