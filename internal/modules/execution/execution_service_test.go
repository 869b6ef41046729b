package execution

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"morning-star-delivery/internal/models"
	"morning-star-delivery/internal/modules/queue"
	"morning-star-delivery/internal/platform/kv"
)

// errStoreDown stands in for a network-level store failure; it is not one
// of the domain sentinels, so the coordinator treats it as transient.
var errStoreDown = errors.New("dial tcp: connection refused")

type fakeRepo struct {
	routes         map[string]*models.Route
	stops          map[string]*models.Stop
	failWrites     bool
	failStopWrites bool
	stopWrites     int
	statsSaved     []models.RouteStats
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		routes: make(map[string]*models.Route),
		stops:  make(map[string]*models.Stop),
	}
}

func (f *fakeRepo) FindRouteByID(ctx context.Context, routeID string) (*models.Route, error) {
	r, ok := f.routes[routeID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRepo) FindActiveRouteForDriver(ctx context.Context, driverID string, date time.Time) (*models.Route, error) {
	for _, r := range f.routes {
		if r.DriverID == driverID && r.Status != models.RouteStatusCompleted {
			cp := *r
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeRepo) ListStops(ctx context.Context, routeID string) ([]*models.Stop, error) {
	var out []*models.Stop
	for _, s := range f.stops {
		if s.RouteID == routeID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StopIndex < out[j].StopIndex })
	return out, nil
}

func (f *fakeRepo) FindStopByID(ctx context.Context, stopID string) (*models.Stop, error) {
	s, ok := f.stops[stopID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) UpdateStopStatus(ctx context.Context, stopID string, update StopUpdate, expected models.StopStatus) (*models.Stop, error) {
	if f.failWrites || f.failStopWrites {
		return nil, errStoreDown
	}
	s, ok := f.stops[stopID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if s.Status != expected {
		return nil, models.ErrPreconditionFailed
	}
	s.Status = update.Status
	if update.ArrivedAt != nil {
		s.ArrivedAt = update.ArrivedAt
	}
	if update.DeliveredAt != nil {
		s.DeliveredAt = update.DeliveredAt
	}
	if update.Notes != nil {
		s.Notes = *update.Notes
	}
	f.stopWrites++
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) AttachStopPhoto(ctx context.Context, stopID, photoURL string) (*models.Stop, error) {
	if f.failWrites {
		return nil, errStoreDown
	}
	s, ok := f.stops[stopID]
	if !ok {
		return nil, models.ErrNotFound
	}
	s.PhotoURL = photoURL
	f.stopWrites++
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) UpdateRouteStats(ctx context.Context, routeID string, stats models.RouteStats) error {
	if f.failWrites {
		return errStoreDown
	}
	r, ok := f.routes[routeID]
	if !ok {
		return models.ErrNotFound
	}
	r.Stats = stats
	f.statsSaved = append(f.statsSaved, stats)
	return nil
}

func (f *fakeRepo) TransitionRoute(ctx context.Context, routeID string, from, to models.RouteStatus) (*models.Route, error) {
	if f.failWrites {
		return nil, errStoreDown
	}
	r, ok := f.routes[routeID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if r.Status != from {
		return nil, models.ErrPreconditionFailed
	}
	r.Status = to
	now := time.Now()
	switch to {
	case models.RouteStatusInProgress:
		r.StartedAt = &now
	case models.RouteStatusCompleted:
		r.CompletedAt = &now
	}
	cp := *r
	return &cp, nil
}

type fakeOrders struct {
	updated []string
	err     error
}

func (f *fakeOrders) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	f.updated = append(f.updated, orderID+":"+status)
	return f.err
}

// newTestWorld seeds an in-progress route for driver d1 with two pending
// stops and wires the service over an in-memory queue.
func newTestWorld(t *testing.T) (*fakeRepo, *queue.Queue, *fakeOrders, *Service) {
	t.Helper()
	repo := newFakeRepo()
	repo.routes["r1"] = &models.Route{ID: "r1", DriverID: "d1", Status: models.RouteStatusInProgress}
	repo.stops["s0"] = &models.Stop{ID: "s0", RouteID: "r1", OrderID: "o0", StopIndex: 0, Status: models.StopStatusPending}
	repo.stops["s1"] = &models.Stop{ID: "s1", RouteID: "r1", OrderID: "o1", StopIndex: 1, Status: models.StopStatusPending}

	q, err := queue.New(context.Background(), kv.NewMemoryStore())
	if err != nil {
		t.Fatalf("queue.New error: %v", err)
	}
	ordersFake := &fakeOrders{}
	return repo, q, ordersFake, NewService(repo, q, ordersFake)
}

func advanceOK(t *testing.T, svc *Service, stopID, status string) *models.AdvanceStopResult {
	t.Helper()
	res, err := svc.AdvanceStop(context.Background(), "d1", "r1", stopID, models.AdvanceStopRequest{Status: status})
	if err != nil {
		t.Fatalf("AdvanceStop(%s -> %s) error: %v", stopID, status, err)
	}
	return res
}

func TestAdvanceStopEndToEnd(t *testing.T) {
	repo, _, ordersFake, svc := newTestWorld(t)

	advanceOK(t, svc, "s0", "enroute")
	res := advanceOK(t, svc, "s0", "arrived")
	if res.Stop.ArrivedAt == nil {
		t.Error("arrived transition did not stamp ArrivedAt")
	}
	if res.NextStop != nil {
		t.Error("non-terminal transition must not activate the next stop")
	}

	res = advanceOK(t, svc, "s0", "delivered")
	if res.Stop.DeliveredAt == nil {
		t.Error("delivered transition did not stamp DeliveredAt")
	}
	if res.NextStop == nil || res.NextStop.ID != "s1" {
		t.Fatalf("NextStop = %+v; want s1 auto-activated", res.NextStop)
	}
	if repo.stops["s1"].Status != models.StopStatusEnroute {
		t.Errorf("s1 status = %s; want enroute", repo.stops["s1"].Status)
	}

	want := models.RouteStats{Total: 2, Pending: 1, Delivered: 1, Skipped: 0, CompletionRate: 50}
	if repo.routes["r1"].Stats != want {
		t.Errorf("route stats = %+v; want %+v", repo.routes["r1"].Stats, want)
	}
	if len(ordersFake.updated) != 1 || ordersFake.updated[0] != "o0:delivered" {
		t.Errorf("order notifications = %v; want one delivered notice for o0", ordersFake.updated)
	}
}

func TestAdvanceStopOnForeignRoutePerformsNoWrites(t *testing.T) {
	repo, _, _, svc := newTestWorld(t)
	repo.routes["r2"] = &models.Route{ID: "r2", DriverID: "other-driver", Status: models.RouteStatusInProgress}
	repo.stops["x0"] = &models.Stop{ID: "x0", RouteID: "r2", OrderID: "ox", Status: models.StopStatusPending}

	_, err := svc.AdvanceStop(context.Background(), "d1", "r2", "x0", models.AdvanceStopRequest{Status: "enroute"})
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("error = %v; want ErrNotFound (existence must not leak)", err)
	}
	if repo.stopWrites != 0 || len(repo.statsSaved) != 0 {
		t.Errorf("writes happened on a forbidden request: stops=%d stats=%d", repo.stopWrites, len(repo.statsSaved))
	}
}

func TestAdvanceStopRejectsInvalidTransitionByName(t *testing.T) {
	repo, q, _, svc := newTestWorld(t)

	_, err := svc.AdvanceStop(context.Background(), "d1", "r1", "s0", models.AdvanceStopRequest{Status: "delivered"})
	var te *models.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v; want TransitionError", err)
	}
	if te.From != models.StopStatusPending || te.To != models.StopStatusDelivered {
		t.Errorf("TransitionError = %+v; want pending -> delivered named", te)
	}
	if repo.stopWrites != 0 {
		t.Error("invalid transition reached the store")
	}
	if q.Len() != 0 {
		t.Error("validation errors must never be queued")
	}
}

func TestAdvanceStopSurfacesConcurrentConflict(t *testing.T) {
	repo, q, _, svc := newTestWorld(t)
	advanceOK(t, svc, "s0", "enroute")

	// Backend automation resolved the stop behind the driver's back.
	repo.stops["s0"].Status = models.StopStatusSkipped

	_, err := svc.AdvanceStop(context.Background(), "d1", "r1", "s0", models.AdvanceStopRequest{Status: "arrived"})
	var te *models.TransitionError
	if !errors.As(err, &te) && !errors.Is(err, models.ErrPreconditionFailed) {
		t.Fatalf("error = %v; want conflict or transition error", err)
	}
	if q.Len() != 0 {
		t.Error("conflicts must never be queued")
	}
}

func TestOfflineAdvanceQueuesOptimistically(t *testing.T) {
	repo, q, ordersFake, svc := newTestWorld(t)
	advanceOK(t, svc, "s0", "enroute")

	repo.failWrites = true
	res := advanceOK(t, svc, "s0", "arrived")
	if !res.Queued {
		t.Fatal("transient failure did not queue the action")
	}
	if res.Stop.Status != models.StopStatusArrived || res.Stop.ArrivedAt == nil {
		t.Errorf("optimistic stop = %+v; want arrived with timestamp", res.Stop)
	}
	if q.Len() != 1 {
		t.Fatalf("queue length = %d; want 1", q.Len())
	}
	if repo.stops["s0"].Status != models.StopStatusEnroute {
		t.Errorf("store mutated while offline: %s", repo.stops["s0"].Status)
	}
	if len(ordersFake.updated) != 0 {
		t.Error("order lifecycle notified for an unsynced action")
	}
}

func TestOfflineChainQueuesInOrderAndReplaysFIFO(t *testing.T) {
	repo, q, ordersFake, svc := newTestWorld(t)
	advanceOK(t, svc, "s0", "enroute")

	// Offline: arrived then delivered. The second command must validate
	// against the queued arrived action, not the stale store status.
	repo.failWrites = true
	advanceOK(t, svc, "s0", "arrived")
	res := advanceOK(t, svc, "s0", "delivered")
	if !res.Queued {
		t.Fatal("second offline advance not queued")
	}

	actions := q.Actions()
	if len(actions) != 2 {
		t.Fatalf("queue length = %d; want 2", len(actions))
	}
	if actions[0].Payload.Status != models.StopStatusArrived || actions[1].Payload.Status != models.StopStatusDelivered {
		t.Fatalf("queued order = [%s %s]; want [arrived delivered]", actions[0].Payload.Status, actions[1].Payload.Status)
	}

	// Back online: FIFO replay applies arrived before delivered.
	repo.failWrites = false
	applied, err := svc.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	if applied != 2 {
		t.Errorf("applied = %d; want 2", applied)
	}
	if q.Len() != 0 {
		t.Errorf("queue length after replay = %d; want 0", q.Len())
	}
	if repo.stops["s0"].Status != models.StopStatusDelivered {
		t.Errorf("s0 status = %s; want delivered", repo.stops["s0"].Status)
	}
	if repo.stops["s1"].Status != models.StopStatusEnroute {
		t.Errorf("s1 status = %s; want enroute (activated during replay)", repo.stops["s1"].Status)
	}
	if len(ordersFake.updated) != 1 {
		t.Errorf("order notifications = %v; want exactly one", ordersFake.updated)
	}
}

func TestReplayStopsOnFirstTransientFailure(t *testing.T) {
	repo, q, _, svc := newTestWorld(t)
	advanceOK(t, svc, "s0", "enroute")

	repo.failWrites = true
	advanceOK(t, svc, "s0", "arrived")
	advanceOK(t, svc, "s0", "delivered")

	// Still offline: replay must preserve the whole backlog.
	applied, err := svc.Replay(context.Background())
	if err == nil {
		t.Fatal("Replay with store down returned nil error")
	}
	if applied != 0 {
		t.Errorf("applied = %d; want 0", applied)
	}
	if q.Len() != 2 {
		t.Errorf("queue length = %d; want 2 preserved", q.Len())
	}
	if q.Actions()[0].Attempts != 1 {
		t.Errorf("head attempts = %d; want 1", q.Actions()[0].Attempts)
	}
}

func TestReplayDropsActionConflictedByExternalEdit(t *testing.T) {
	repo, q, _, svc := newTestWorld(t)
	advanceOK(t, svc, "s0", "enroute")

	repo.failWrites = true
	advanceOK(t, svc, "s0", "arrived")
	repo.failWrites = false

	// An admin skipped the stop while the action waited in the queue.
	repo.stops["s0"].Status = models.StopStatusSkipped

	applied, err := svc.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	if applied != 0 {
		t.Errorf("applied = %d; want 0 (conflicted action dropped, not applied)", applied)
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d; want 0 (unplayable action removed)", q.Len())
	}
	if repo.stops["s0"].Status != models.StopStatusSkipped {
		t.Errorf("external edit overwritten: %s", repo.stops["s0"].Status)
	}
}

func TestReplayIsIdempotentAfterCrashMidReplay(t *testing.T) {
	repo, q, _, svc := newTestWorld(t)
	advanceOK(t, svc, "s0", "enroute")

	repo.failWrites = true
	advanceOK(t, svc, "s0", "arrived")
	repo.failWrites = false

	// Simulate a crash after the write landed but before the dequeue: the
	// store already shows arrived while the action is still queued.
	repo.stops["s0"].Status = models.StopStatusArrived

	applied, err := svc.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	if applied != 1 {
		t.Errorf("applied = %d; want 1 (already-landed action acknowledged)", applied)
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d; want 0", q.Len())
	}
}

func TestCompleteRouteRequiresAllStopsTerminal(t *testing.T) {
	repo, _, _, svc := newTestWorld(t)
	ctx := context.Background()

	if _, err := svc.CompleteRoute(ctx, "d1", "r1"); !errors.Is(err, models.ErrRouteNotFinishable) {
		t.Fatalf("CompleteRoute with pending stops error = %v; want ErrRouteNotFinishable", err)
	}

	advanceOK(t, svc, "s0", "enroute")
	advanceOK(t, svc, "s0", "arrived")
	advanceOK(t, svc, "s0", "delivered")
	res, err := svc.ReportException(ctx, "d1", "r1", "s1", "customer unreachable")
	if err != nil {
		t.Fatalf("ReportException error: %v", err)
	}
	if res.Stop.Status != models.StopStatusSkipped || res.Stop.Notes != "customer unreachable" {
		t.Errorf("exception stop = %+v; want skipped with reason", res.Stop)
	}

	route, err := svc.CompleteRoute(ctx, "d1", "r1")
	if err != nil {
		t.Fatalf("CompleteRoute error: %v", err)
	}
	if route.Status != models.RouteStatusCompleted || route.CompletedAt == nil {
		t.Errorf("completed route = %+v; want completed with timestamp", route)
	}
	want := models.RouteStats{Total: 2, Pending: 0, Delivered: 1, Skipped: 1, CompletionRate: 100}
	if repo.routes["r1"].Stats != want {
		t.Errorf("final stats = %+v; want %+v", repo.routes["r1"].Stats, want)
	}
}

func TestStartRouteActivatesFirstStop(t *testing.T) {
	repo, _, _, svc := newTestWorld(t)
	repo.routes["r1"].Status = models.RouteStatusPlanned

	detail, err := svc.StartRoute(context.Background(), "d1", "r1")
	if err != nil {
		t.Fatalf("StartRoute error: %v", err)
	}
	if detail.Route.Status != models.RouteStatusInProgress || detail.Route.StartedAt == nil {
		t.Errorf("route after start = %+v; want in_progress with StartedAt", detail.Route)
	}
	if repo.stops["s0"].Status != models.StopStatusEnroute {
		t.Errorf("first stop status = %s; want enroute", repo.stops["s0"].Status)
	}
	if repo.stops["s1"].Status != models.StopStatusPending {
		t.Errorf("second stop status = %s; want still pending", repo.stops["s1"].Status)
	}

	if _, err := svc.StartRoute(context.Background(), "d1", "r1"); !errors.Is(err, models.ErrRouteAlreadyStarted) {
		t.Errorf("second StartRoute error = %v; want ErrRouteAlreadyStarted", err)
	}
}

func TestOversizeNotesRejectedBeforeAnyIO(t *testing.T) {
	repo, q, _, svc := newTestWorld(t)

	long := make([]byte, models.MaxNotesLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err := svc.AdvanceStop(context.Background(), "d1", "r1", "s0", models.AdvanceStopRequest{Status: "enroute", Notes: string(long)})
	if !errors.Is(err, models.ErrNotesTooLong) {
		t.Fatalf("error = %v; want ErrNotesTooLong", err)
	}
	if repo.stopWrites != 0 || q.Len() != 0 {
		t.Error("oversize notes reached the store or the queue")
	}
}

func TestMultibyteNotesCountedAsCharacters(t *testing.T) {
	repo, _, _, svc := newTestWorld(t)

	// 400 characters, 1200 bytes: well within the 500-character ceiling.
	notes := strings.Repeat("မ", 400)
	res, err := svc.AdvanceStop(context.Background(), "d1", "r1", "s0", models.AdvanceStopRequest{Status: "enroute", Notes: notes})
	if err != nil {
		t.Fatalf("AdvanceStop with 400-character notes error: %v", err)
	}
	if res.Stop.Notes != notes {
		t.Error("multibyte notes not persisted verbatim")
	}
	if repo.stops["s0"].Notes != notes {
		t.Error("store missing the multibyte notes")
	}

	over := strings.Repeat("မ", models.MaxNotesLength+1)
	if _, err := svc.ReportException(context.Background(), "d1", "r1", "s1", over); !errors.Is(err, models.ErrNotesTooLong) {
		t.Errorf("oversize reason error = %v; want ErrNotesTooLong", err)
	}
}

func TestReplayKeepsTimestampsFromWhenDriverActed(t *testing.T) {
	repo, _, _, svc := newTestWorld(t)
	advanceOK(t, svc, "s0", "enroute")

	actedAt := time.Date(2025, 3, 7, 14, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return actedAt }
	repo.failWrites = true
	advanceOK(t, svc, "s0", "arrived")
	repo.failWrites = false

	// Connectivity returns two hours later; the arrival time must not move.
	svc.now = func() time.Time { return actedAt.Add(2 * time.Hour) }
	if _, err := svc.Replay(context.Background()); err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	got := repo.stops["s0"].ArrivedAt
	if got == nil || !got.Equal(actedAt) {
		t.Errorf("ArrivedAt = %v; want %v (when the driver acted)", got, actedAt)
	}
}

func TestSkippedStopNotifiesOrderLifecycle(t *testing.T) {
	_, _, ordersFake, svc := newTestWorld(t)

	if _, err := svc.ReportException(context.Background(), "d1", "r1", "s0", "customer unreachable"); err != nil {
		t.Fatalf("ReportException error: %v", err)
	}
	if len(ordersFake.updated) != 1 || ordersFake.updated[0] != "o0:skipped" {
		t.Errorf("order notifications = %v; want one skipped notice for o0", ordersFake.updated)
	}
}

// unwritableStore accepts nothing, so queue persistence always fails.
type unwritableStore struct{}

func (unwritableStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, kv.ErrKeyNotFound
}

func (unwritableStore) Set(ctx context.Context, key string, value []byte) error {
	return errStoreDown
}

func TestStartRouteSucceedsWhenFirstStopActivationFails(t *testing.T) {
	repo := newFakeRepo()
	repo.routes["r1"] = &models.Route{ID: "r1", DriverID: "d1", Status: models.RouteStatusPlanned}
	repo.stops["s0"] = &models.Stop{ID: "s0", RouteID: "r1", OrderID: "o0", StopIndex: 0, Status: models.StopStatusPending}
	repo.failStopWrites = true

	q, err := queue.New(context.Background(), unwritableStore{})
	if err != nil {
		t.Fatalf("queue.New error: %v", err)
	}
	svc := NewService(repo, q, &fakeOrders{})

	detail, err := svc.StartRoute(context.Background(), "d1", "r1")
	if err != nil {
		t.Fatalf("StartRoute error: %v", err)
	}
	if detail.Route.Status != models.RouteStatusInProgress {
		t.Errorf("route status = %s; want in_progress despite activation failure", detail.Route.Status)
	}
	if repo.stops["s0"].Status != models.StopStatusPending {
		t.Errorf("s0 status = %s; want pending (activation neither applied nor faked)", repo.stops["s0"].Status)
	}
}

func TestBestEffortOrderNotificationFailureDoesNotFailAdvance(t *testing.T) {
	repo, _, ordersFake, svc := newTestWorld(t)
	ordersFake.err = errors.New("order service 503")

	advanceOK(t, svc, "s0", "enroute")
	advanceOK(t, svc, "s0", "arrived")
	res := advanceOK(t, svc, "s0", "delivered")

	if res.Stop.Status != models.StopStatusDelivered {
		t.Errorf("stop status = %s; want delivered despite order-service failure", res.Stop.Status)
	}
	if repo.stops["s0"].Status != models.StopStatusDelivered {
		t.Error("stop transition rolled back on best-effort side-effect failure")
	}
}
