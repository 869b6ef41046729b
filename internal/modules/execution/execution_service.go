package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"morning-star-delivery/internal/models"
	"morning-star-delivery/internal/modules/queue"
	"morning-star-delivery/pkg/orders"
)

// Staleness thresholds for the "action failed, will retry" indicator.
const (
	staleQueueAge      = 10 * time.Minute
	staleQueueAttempts = 3
)

// ServiceInterface is the route execution coordinator: it validates and
// applies driver stop commands, keeps route stats consistent, and falls
// back to the offline queue when the store is unreachable.
type ServiceInterface interface {
	GetTodayRoute(ctx context.Context, driverID string) (*models.RouteDetail, error)
	GetRoute(ctx context.Context, driverID, routeID string) (*models.RouteDetail, error)
	StartRoute(ctx context.Context, driverID, routeID string) (*models.RouteDetail, error)
	CompleteRoute(ctx context.Context, driverID, routeID string) (*models.Route, error)
	AdvanceStop(ctx context.Context, driverID, routeID, stopID string, req models.AdvanceStopRequest) (*models.AdvanceStopResult, error)
	ReportException(ctx context.Context, driverID, routeID, stopID, reason string) (*models.AdvanceStopResult, error)
	AttachPhoto(ctx context.Context, driverID, routeID, stopID, photoURL string) (*models.Stop, error)
	Replay(ctx context.Context) (int, error)
	SyncStatus() models.SyncStatus
	Drain(ctx context.Context) error
}

// Service implements the coordinator.
type Service struct {
	repo     RepositoryInterface
	queue    *queue.Queue
	orderSvc orders.ServiceInterface
	now      func() time.Time
}

func NewService(repo RepositoryInterface, q *queue.Queue, orderSvc orders.ServiceInterface) *Service {
	return &Service{repo: repo, queue: q, orderSvc: orderSvc, now: time.Now}
}

// isPermanent reports whether an error can never succeed on retry.
// Everything else is treated as a transient I/O failure eligible for
// offline queuing.
func isPermanent(err error) bool {
	var te *models.TransitionError
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrForbidden) ||
		errors.Is(err, models.ErrPreconditionFailed) ||
		errors.Is(err, models.ErrRouteNotInProgress) ||
		errors.Is(err, models.ErrRouteNotFinishable) ||
		errors.Is(err, models.ErrNotesTooLong) ||
		errors.As(err, &te)
}

// loadOwnedRoute fetches the route and fails closed: a route belonging to
// another driver reads as not-found so stop existence never leaks.
func (s *Service) loadOwnedRoute(ctx context.Context, driverID, routeID string) (*models.Route, error) {
	route, err := s.repo.FindRouteByID(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if route.DriverID != driverID {
		return nil, models.ErrNotFound
	}
	return route, nil
}

// GetTodayRoute returns the driver's active route for today with its stops.
func (s *Service) GetTodayRoute(ctx context.Context, driverID string) (*models.RouteDetail, error) {
	route, err := s.repo.FindActiveRouteForDriver(ctx, driverID, s.now())
	if err != nil {
		return nil, fmt.Errorf("service.GetTodayRoute: %w", err)
	}
	stops, err := s.repo.ListStops(ctx, route.ID)
	if err != nil {
		return nil, fmt.Errorf("service.GetTodayRoute: %w", err)
	}
	return &models.RouteDetail{Route: route, Stops: stops}, nil
}

func (s *Service) GetRoute(ctx context.Context, driverID, routeID string) (*models.RouteDetail, error) {
	route, err := s.loadOwnedRoute(ctx, driverID, routeID)
	if err != nil {
		return nil, fmt.Errorf("service.GetRoute: %w", err)
	}
	stops, err := s.repo.ListStops(ctx, route.ID)
	if err != nil {
		return nil, fmt.Errorf("service.GetRoute: %w", err)
	}
	return &models.RouteDetail{Route: route, Stops: stops}, nil
}

// StartRoute moves a planned route to in_progress and puts the first
// pending stop enroute so the driver has an active target immediately.
func (s *Service) StartRoute(ctx context.Context, driverID, routeID string) (*models.RouteDetail, error) {
	route, err := s.loadOwnedRoute(ctx, driverID, routeID)
	if err != nil {
		return nil, fmt.Errorf("service.StartRoute: %w", err)
	}
	if route.Status != models.RouteStatusPlanned {
		return nil, models.ErrRouteAlreadyStarted
	}

	route, err = s.repo.TransitionRoute(ctx, routeID, models.RouteStatusPlanned, models.RouteStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("service.StartRoute: %w", err)
	}

	stops, err := s.repo.ListStops(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("service.StartRoute: %w", err)
	}
	if next := firstPending(stops); next != nil {
		activated, err := s.activateStop(ctx, routeID, next)
		if err != nil {
			// The route itself is started; the driver can still advance the
			// stop manually, so log rather than fail the whole command.
			log.Printf("service.StartRoute: activate first stop: %v", err)
		} else if activated != nil {
			*next = *activated
		}
	}
	if err := s.queue.SetProgress(ctx, routeID, 0); err != nil {
		log.Printf("service.StartRoute: persist progress: %v", err)
	}
	return &models.RouteDetail{Route: route, Stops: stops}, nil
}

// CompleteRoute marks the route completed once every stop is terminal.
func (s *Service) CompleteRoute(ctx context.Context, driverID, routeID string) (*models.Route, error) {
	route, err := s.loadOwnedRoute(ctx, driverID, routeID)
	if err != nil {
		return nil, fmt.Errorf("service.CompleteRoute: %w", err)
	}
	if route.Status != models.RouteStatusInProgress {
		return nil, models.ErrRouteNotInProgress
	}

	stops, err := s.repo.ListStops(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("service.CompleteRoute: %w", err)
	}
	for _, stop := range stops {
		if !stop.Status.IsTerminal() {
			return nil, models.ErrRouteNotFinishable
		}
	}

	route, err = s.repo.TransitionRoute(ctx, routeID, models.RouteStatusInProgress, models.RouteStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("service.CompleteRoute: %w", err)
	}
	return route, nil
}

// AdvanceStop is the core driver command: validate ownership and the
// requested transition, apply the conditional write with timestamps and
// notes, fire the best-effort order-status change, recompute stats and
// activate the next stop. A transient store failure queues the whole action
// and returns an optimistic result so the driver can keep working.
func (s *Service) AdvanceStop(ctx context.Context, driverID, routeID, stopID string, req models.AdvanceStopRequest) (*models.AdvanceStopResult, error) {
	return s.advance(ctx, driverID, routeID, stopID, models.StopStatus(req.Status), req.Notes, models.ActionStatusUpdate)
}

// ReportException skips the stop, recording the reason as its notes. Queued
// under its own action kind so support tooling can tell exceptions apart.
func (s *Service) ReportException(ctx context.Context, driverID, routeID, stopID, reason string) (*models.AdvanceStopResult, error) {
	return s.advance(ctx, driverID, routeID, stopID, models.StopStatusSkipped, reason, models.ActionException)
}

func (s *Service) advance(ctx context.Context, driverID, routeID, stopID string, requested models.StopStatus, notes string, kind models.ActionKind) (*models.AdvanceStopResult, error) {
	// The ceiling counts characters, not bytes; notes in scripts like
	// Burmese run several bytes per character.
	if utf8.RuneCountInString(notes) > models.MaxNotesLength {
		return nil, models.ErrNotesTooLong
	}

	route, err := s.loadOwnedRoute(ctx, driverID, routeID)
	if err != nil {
		return nil, fmt.Errorf("service.AdvanceStop: %w", err)
	}
	if route.Status != models.RouteStatusInProgress {
		return nil, models.ErrRouteNotInProgress
	}

	stop, err := s.repo.FindStopByID(ctx, stopID)
	if err != nil {
		return nil, fmt.Errorf("service.AdvanceStop: %w", err)
	}
	if stop.RouteID != routeID {
		return nil, models.ErrNotFound
	}

	// Earlier actions for this stop may still be waiting in the queue; the
	// stop's effective status is what it will be once they replay.
	effective := *stop
	queuedStatus, hasQueued := s.queue.LastQueuedStatus(stopID)
	if hasQueued {
		effective.Status = queuedStatus
	}
	if !IsValidTransition(effective.Status, requested) {
		return nil, &models.TransitionError{From: effective.Status, To: requested}
	}

	update := s.buildUpdate(requested, notes)
	if hasQueued {
		// Writing directly would apply this action ahead of its queued
		// predecessors; append behind them instead so FIFO replay preserves
		// the arrived-before-delivered ordering by construction.
		return s.queueAdvance(ctx, route.ID, &effective, requested, notes, kind, update)
	}
	updated, err := s.repo.UpdateStopStatus(ctx, stopID, update, stop.Status)
	if err != nil {
		if isPermanent(err) {
			return nil, fmt.Errorf("service.AdvanceStop: %w", err)
		}
		// Transient store failure: queue the whole action and hand the
		// driver an optimistic result. A background replay reconciles.
		return s.queueAdvance(ctx, route.ID, stop, requested, notes, kind, update)
	}

	s.notifyOrderStatus(ctx, updated.OrderID, requested)

	next, err := s.finishAdvance(ctx, route.ID, updated)
	if err != nil {
		// The stop write itself is committed; stats/activation failures are
		// reconciled by queuing the already-applied action for replay.
		log.Printf("service.AdvanceStop: finish failed, queuing for reconcile: %v", err)
		return s.queueAdvance(ctx, route.ID, stop, requested, notes, kind, update)
	}
	if err := s.queue.SetProgress(ctx, route.ID, updated.StopIndex); err != nil {
		log.Printf("service.AdvanceStop: persist progress: %v", err)
	}
	return &models.AdvanceStopResult{Stop: updated, NextStop: next}, nil
}

// buildUpdate stamps arrival/delivery timestamps for the target status and
// carries notes verbatim (the 500-character ceiling was checked upstream).
func (s *Service) buildUpdate(requested models.StopStatus, notes string) StopUpdate {
	update := StopUpdate{Status: requested}
	now := s.now()
	switch requested {
	case models.StopStatusArrived:
		update.ArrivedAt = &now
	case models.StopStatusDelivered:
		update.DeliveredAt = &now
	}
	if notes != "" {
		update.Notes = &notes
	}
	return update
}

// notifyOrderStatus reports a terminal stop outcome to the order lifecycle
// service: delivered when the handoff happened, skipped so the order can be
// rescheduled or refunded. Best-effort: the stop mutation already committed,
// so a failure here is logged and swallowed, never rolled back and never
// queued for retry (a retry could double-apply an order-status change).
func (s *Service) notifyOrderStatus(ctx context.Context, orderID string, status models.StopStatus) {
	var orderStatus string
	switch status {
	case models.StopStatusDelivered:
		orderStatus = orders.StatusDelivered
	case models.StopStatusSkipped:
		orderStatus = orders.StatusSkipped
	default:
		return
	}
	if err := s.orderSvc.UpdateOrderStatus(ctx, orderID, orderStatus); err != nil {
		log.Printf("service.AdvanceStop: order status update for %s failed: %v", orderID, err)
	}
}

// finishAdvance recomputes and persists route stats, then activates the
// next pending stop when the transition was terminal. Stats are recomputed
// from the full stop set in the same logical operation as the stop write.
func (s *Service) finishAdvance(ctx context.Context, routeID string, updated *models.Stop) (*models.Stop, error) {
	stops, err := s.repo.ListStops(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateRouteStats(ctx, routeID, ComputeStats(stops)); err != nil {
		return nil, err
	}

	if !updated.Status.IsTerminal() {
		return nil, nil
	}
	next := firstPending(stops)
	if next == nil {
		return nil, nil
	}
	return s.activateStop(ctx, routeID, next)
}

// activateStop moves a pending stop enroute, queuing the activation when
// the store is unreachable so it is not lost.
func (s *Service) activateStop(ctx context.Context, routeID string, next *models.Stop) (*models.Stop, error) {
	activated, err := s.repo.UpdateStopStatus(ctx, next.ID, StopUpdate{Status: models.StopStatusEnroute}, models.StopStatusPending)
	if err == nil {
		return activated, nil
	}
	if isPermanent(err) {
		// A concurrent edit already resolved this stop; nothing to activate.
		return nil, nil
	}
	if _, qErr := s.queue.Enqueue(ctx, models.PendingAction{
		Kind:    models.ActionStatusUpdate,
		RouteID: routeID,
		StopID:  next.ID,
		Payload: models.ActionPayload{
			Status:         models.StopStatusEnroute,
			ExpectedStatus: models.StopStatusPending,
		},
	}); qErr != nil {
		return nil, fmt.Errorf("activate stop %s: %w", next.ID, qErr)
	}
	optimistic := *next
	optimistic.Status = models.StopStatusEnroute
	return &optimistic, nil
}

// firstPending returns the pending stop with the lowest stop_index.
func firstPending(stops []*models.Stop) *models.Stop {
	for _, s := range stops {
		if s.Status == models.StopStatusPending {
			return s
		}
	}
	return nil
}

// queueAdvance enqueues the failed advance and builds the optimistic result
// the driver sees: the stop as if the write had succeeded.
func (s *Service) queueAdvance(ctx context.Context, routeID string, stop *models.Stop, requested models.StopStatus, notes string, kind models.ActionKind, update StopUpdate) (*models.AdvanceStopResult, error) {
	_, err := s.queue.Enqueue(ctx, models.PendingAction{
		Kind:    kind,
		RouteID: routeID,
		StopID:  stop.ID,
		Payload: models.ActionPayload{
			Status:         requested,
			ExpectedStatus: stop.Status,
			Notes:          notes,
			ArrivedAt:      update.ArrivedAt,
			DeliveredAt:    update.DeliveredAt,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("service.AdvanceStop: queue fallback: %w", err)
	}
	if err := s.queue.SetProgress(ctx, routeID, stop.StopIndex); err != nil {
		log.Printf("service.AdvanceStop: persist progress: %v", err)
	}

	optimistic := *stop
	optimistic.Status = requested
	optimistic.ArrivedAt = update.ArrivedAt
	if optimistic.ArrivedAt == nil {
		optimistic.ArrivedAt = stop.ArrivedAt
	}
	optimistic.DeliveredAt = update.DeliveredAt
	if optimistic.DeliveredAt == nil {
		optimistic.DeliveredAt = stop.DeliveredAt
	}
	if notes != "" {
		optimistic.Notes = notes
	}
	return &models.AdvanceStopResult{Stop: &optimistic, Queued: true}, nil
}

// AttachPhoto records a proof-of-delivery photo reference on the stop,
// queuing a photo_upload action when the store is unreachable.
func (s *Service) AttachPhoto(ctx context.Context, driverID, routeID, stopID, photoURL string) (*models.Stop, error) {
	if utf8.RuneCountInString(photoURL) > models.MaxNotesLength {
		return nil, models.ErrNotesTooLong
	}
	route, err := s.loadOwnedRoute(ctx, driverID, routeID)
	if err != nil {
		return nil, fmt.Errorf("service.AttachPhoto: %w", err)
	}
	stop, err := s.repo.FindStopByID(ctx, stopID)
	if err != nil {
		return nil, fmt.Errorf("service.AttachPhoto: %w", err)
	}
	if stop.RouteID != route.ID {
		return nil, models.ErrNotFound
	}

	updated, err := s.repo.AttachStopPhoto(ctx, stopID, photoURL)
	if err != nil {
		if isPermanent(err) {
			return nil, fmt.Errorf("service.AttachPhoto: %w", err)
		}
		if _, qErr := s.queue.Enqueue(ctx, models.PendingAction{
			Kind:    models.ActionPhotoUpload,
			RouteID: routeID,
			StopID:  stopID,
			Payload: models.ActionPayload{PhotoURL: photoURL},
		}); qErr != nil {
			return nil, fmt.Errorf("service.AttachPhoto: queue fallback: %w", qErr)
		}
		optimistic := *stop
		optimistic.PhotoURL = photoURL
		return &optimistic, nil
	}
	return updated, nil
}

// Replay applies queued actions strictly in FIFO order, dequeuing each one
// only after its write is acknowledged. The loop stops on the first
// transient failure and preserves the remainder, because a later action's
// preconditions may depend on an earlier one that has not synced. Actions
// that can never succeed (target gone, state moved on) are dropped with a
// log line so they cannot wedge the queue. Returns how many actions were
// applied.
func (s *Service) Replay(ctx context.Context) (int, error) {
	applied := 0
	for _, action := range s.queue.Actions() {
		err := s.applyAction(ctx, action)
		if err == nil {
			if err := s.queue.Dequeue(ctx, action.ID); err != nil {
				return applied, fmt.Errorf("service.Replay: dequeue %s: %w", action.ID, err)
			}
			applied++
			continue
		}
		if isPermanent(err) {
			log.Printf("service.Replay: dropping unplayable action %s (%s): %v", action.ID, action.Kind, err)
			if err := s.queue.Dequeue(ctx, action.ID); err != nil {
				return applied, fmt.Errorf("service.Replay: dequeue %s: %w", action.ID, err)
			}
			continue
		}
		if err := s.queue.MarkAttempt(ctx, action.ID); err != nil {
			log.Printf("service.Replay: mark attempt %s: %v", action.ID, err)
		}
		return applied, fmt.Errorf("service.Replay: action %s: %w", action.ID, err)
	}
	return applied, nil
}

// applyAction performs a queued action's underlying write. Replay is
// idempotent: a precondition failure where the stop already carries the
// target status means a previous attempt landed before the crash, so the
// action proceeds straight to stats reconciliation.
func (s *Service) applyAction(ctx context.Context, action *models.PendingAction) error {
	switch action.Kind {
	case models.ActionPhotoUpload:
		_, err := s.repo.AttachStopPhoto(ctx, action.StopID, action.Payload.PhotoURL)
		return err

	case models.ActionStatusUpdate, models.ActionException:
		// Timestamps come from the payload, stamped when the driver acted,
		// not re-stamped at replay time.
		update := StopUpdate{
			Status:      action.Payload.Status,
			ArrivedAt:   action.Payload.ArrivedAt,
			DeliveredAt: action.Payload.DeliveredAt,
		}
		if action.Payload.Notes != "" {
			notes := action.Payload.Notes
			update.Notes = &notes
		}
		updated, err := s.repo.UpdateStopStatus(ctx, action.StopID, update, action.Payload.ExpectedStatus)
		if errors.Is(err, models.ErrPreconditionFailed) {
			current, findErr := s.repo.FindStopByID(ctx, action.StopID)
			if findErr != nil {
				return findErr
			}
			if current.Status != action.Payload.Status {
				return err
			}
			updated = current
		} else if err != nil {
			return err
		} else {
			s.notifyOrderStatus(ctx, updated.OrderID, action.Payload.Status)
		}
		_, err = s.finishAdvance(ctx, action.RouteID, updated)
		return err

	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

// SyncStatus reports the queue contents and the staleness indicator.
func (s *Service) SyncStatus() models.SyncStatus {
	pending := s.queue.Actions()
	if pending == nil {
		pending = []*models.PendingAction{}
	}
	return models.SyncStatus{
		Pending: pending,
		Stale:   s.queue.Stale(staleQueueAge, staleQueueAttempts),
	}
}

// Drain clears the queue after an explicit driver-initiated full resync.
func (s *Service) Drain(ctx context.Context) error {
	return s.queue.DrainAll(ctx)
}

// RunReplayLoop periodically retries the queue until ctx is done. This is
// the background reconciler that makes optimistic offline actions converge.
func (s *Service) RunReplayLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.queue.Len() == 0 {
				continue
			}
			applied, err := s.Replay(ctx)
			if err != nil {
				log.Printf("replay loop: applied %d, stopped: %v", applied, err)
			} else if applied > 0 {
				log.Printf("replay loop: applied %d queued actions", applied)
			}
		}
	}
}
