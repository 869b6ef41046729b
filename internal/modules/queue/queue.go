// Package queue holds the durable FIFO of driver actions that have not yet
// been acknowledged by the store, plus the last-known driver state. The
// snapshot survives process restarts via the key-value store.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"morning-star-delivery/internal/models"
	"morning-star-delivery/internal/platform/kv"

	"github.com/google/uuid"
)

// snapshotKey is the single namespaced key the whole snapshot lives under.
const snapshotKey = "driver-session"

// snapshot is the persisted shape: the ordered action list plus last-known
// route/stop/location. Transient UI state is deliberately not part of this.
type snapshot struct {
	Actions []*models.PendingAction `json:"actions"`
	State   models.DriverState      `json:"state"`
}

// Queue is the offline action queue. Every mutation is read-modify-write
// atomic against the durable store: the in-memory list is the authoritative
// working copy, guarded by mu, and each mutation persists the full snapshot
// before returning.
type Queue struct {
	mu      sync.Mutex
	store   kv.Store
	actions []*models.PendingAction
	state   models.DriverState
	now     func() time.Time
}

// New loads any persisted snapshot from the store and returns the queue.
// A missing key is a fresh session, not an error.
func New(ctx context.Context, store kv.Store) (*Queue, error) {
	q := &Queue{store: store, now: time.Now}

	raw, err := store.Get(ctx, snapshotKey)
	if err == kv.ErrKeyNotFound {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue.New: load snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("queue.New: decode snapshot: %w", err)
	}
	q.actions = snap.Actions
	q.state = snap.State
	return q, nil
}

// persist writes the full snapshot. Callers must hold mu.
func (q *Queue) persist(ctx context.Context) error {
	raw, err := json.Marshal(snapshot{Actions: q.actions, State: q.state})
	if err != nil {
		return fmt.Errorf("queue.persist: encode snapshot: %w", err)
	}
	if err := q.store.Set(ctx, snapshotKey, raw); err != nil {
		return fmt.Errorf("queue.persist: %w", err)
	}
	return nil
}

// Enqueue assigns the action a unique id and creation timestamp, appends it
// and persists the updated list. The id is assigned here, never by the
// server, so it stays stable across restarts and re-deliveries.
func (q *Queue) Enqueue(ctx context.Context, action models.PendingAction) (*models.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	action.ID = uuid.NewString()
	action.CreatedAt = q.now()
	q.actions = append(q.actions, &action)
	if err := q.persist(ctx); err != nil {
		q.actions = q.actions[:len(q.actions)-1]
		return nil, err
	}
	return &action, nil
}

// Dequeue removes a single action by id after its write was acknowledged.
// Removing an id that is no longer present is a no-op.
func (q *Queue) Dequeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, a := range q.actions {
		if a.ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return q.persist(ctx)
		}
	}
	return nil
}

// DrainAll clears the queue. Used only after a full successful resync.
func (q *Queue) DrainAll(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.actions = nil
	return q.persist(ctx)
}

// Actions returns the queued actions in FIFO order. The returned slice and
// its elements are copies; replay must go through Dequeue to mutate.
func (q *Queue) Actions() []*models.PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.PendingAction, len(q.actions))
	for i, a := range q.actions {
		cp := *a
		out[i] = &cp
	}
	return out
}

// Len reports the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// LastQueuedStatus returns the status the stop will hold once every queued
// action for it has replayed, and whether any such action is queued. The
// coordinator validates follow-up commands against this overlay so an
// offline arrived -> delivered chain queues in order instead of being
// rejected against stale server state.
func (q *Queue) LastQueuedStatus(stopID string) (models.StopStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var status models.StopStatus
	found := false
	for _, a := range q.actions {
		if a.StopID != stopID {
			continue
		}
		if a.Kind == models.ActionStatusUpdate || a.Kind == models.ActionException {
			status = a.Payload.Status
			found = true
		}
	}
	return status, found
}

// MarkAttempt records a failed replay attempt against the action.
func (q *Queue) MarkAttempt(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, a := range q.actions {
		if a.ID == id {
			a.Attempts++
			at := q.now()
			a.LastAttemptAt = &at
			return q.persist(ctx)
		}
	}
	return nil
}

// Stale reports whether the queue holds entries older than maxAge that have
// already failed at least minAttempts replays. The UI uses this for the
// persistent "action failed, will retry" indicator.
func (q *Queue) Stale(maxAge time.Duration, minAttempts int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	for _, a := range q.actions {
		if a.CreatedAt.Before(cutoff) && a.Attempts >= minAttempts {
			return true
		}
	}
	return false
}

// SetProgress persists the driver's last-known route and stop index.
func (q *Queue) SetProgress(ctx context.Context, routeID string, stopIndex int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.state.RouteID = routeID
	q.state.StopIndex = stopIndex
	return q.persist(ctx)
}

// SetLastLocation persists the most recent position fix (last-value-wins).
func (q *Queue) SetLastLocation(ctx context.Context, sample models.LocationSample) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.state.LastLocation = &sample
	return q.persist(ctx)
}

// State returns a copy of the last-known driver state.
func (q *Queue) State() models.DriverState {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.state
	if st.LastLocation != nil {
		cp := *st.LastLocation
		st.LastLocation = &cp
	}
	return st
}
