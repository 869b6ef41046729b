package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"morning-star-delivery/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StopUpdate is the field set written when a stop changes status. Nil
// pointer fields are left untouched.
type StopUpdate struct {
	Status      models.StopStatus
	ArrivedAt   *time.Time
	DeliveredAt *time.Time
	Notes       *string
}

// RepositoryInterface defines the persistent-store operations the
// coordinator needs. Every write that races backend automation is
// conditional: the expected current status is part of the WHERE clause, and
// a failed precondition is surfaced distinctly from not-found.
type RepositoryInterface interface {
	FindRouteByID(ctx context.Context, routeID string) (*models.Route, error)
	FindActiveRouteForDriver(ctx context.Context, driverID string, date time.Time) (*models.Route, error)
	ListStops(ctx context.Context, routeID string) ([]*models.Stop, error)
	FindStopByID(ctx context.Context, stopID string) (*models.Stop, error)
	UpdateStopStatus(ctx context.Context, stopID string, update StopUpdate, expected models.StopStatus) (*models.Stop, error)
	AttachStopPhoto(ctx context.Context, stopID, photoURL string) (*models.Stop, error)
	UpdateRouteStats(ctx context.Context, routeID string, stats models.RouteStats) error
	TransitionRoute(ctx context.Context, routeID string, from, to models.RouteStatus) (*models.Route, error)
}

// Repository implements RepositoryInterface against PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) RepositoryInterface {
	return &Repository{db: db}
}

const routeColumns = `
	id, driver_id, delivery_date, status,
	total_stops, pending_stops, delivered_stops, skipped_stops, completion_rate,
	started_at, completed_at, created_at, updated_at`

const stopColumns = `
	id, route_id, order_id, stop_index, status,
	arrived_at, delivered_at, notes, photo_url, created_at, updated_at`

func scanRoute(row pgx.Row) (*models.Route, error) {
	var r models.Route
	err := row.Scan(
		&r.ID, &r.DriverID, &r.DeliveryDate, &r.Status,
		&r.Stats.Total, &r.Stats.Pending, &r.Stats.Delivered, &r.Stats.Skipped, &r.Stats.CompletionRate,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanStop(row pgx.Row) (*models.Stop, error) {
	var s models.Stop
	var notes, photoURL *string
	err := row.Scan(
		&s.ID, &s.RouteID, &s.OrderID, &s.StopIndex, &s.Status,
		&s.ArrivedAt, &s.DeliveredAt, &notes, &photoURL, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if notes != nil {
		s.Notes = *notes
	}
	if photoURL != nil {
		s.PhotoURL = *photoURL
	}
	return &s, nil
}

// FindRouteByID loads a route with its stored stats snapshot.
func (r *Repository) FindRouteByID(ctx context.Context, routeID string) (*models.Route, error) {
	query := `SELECT ` + routeColumns + ` FROM routes WHERE id = $1`
	route, err := scanRoute(r.db.QueryRow(ctx, query, routeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("repository.FindRouteByID: %w", err)
	}
	return route, nil
}

// FindActiveRouteForDriver returns the driver's non-completed route for the
// delivery date. At most one exists by invariant.
func (r *Repository) FindActiveRouteForDriver(ctx context.Context, driverID string, date time.Time) (*models.Route, error) {
	query := `SELECT ` + routeColumns + `
		FROM routes
		WHERE driver_id = $1 AND delivery_date = $2::date AND status <> 'completed'
		LIMIT 1`
	route, err := scanRoute(r.db.QueryRow(ctx, query, driverID, date))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("repository.FindActiveRouteForDriver: %w", err)
	}
	return route, nil
}

// ListStops returns the route's stops in visiting order.
func (r *Repository) ListStops(ctx context.Context, routeID string) ([]*models.Stop, error) {
	query := `SELECT ` + stopColumns + ` FROM stops WHERE route_id = $1 ORDER BY stop_index`
	rows, err := r.db.Query(ctx, query, routeID)
	if err != nil {
		return nil, fmt.Errorf("repository.ListStops: %w", err)
	}
	defer rows.Close()

	var stops []*models.Stop
	for rows.Next() {
		s, err := scanStop(rows)
		if err != nil {
			return nil, fmt.Errorf("repository.ListStops scan: %w", err)
		}
		stops = append(stops, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.ListStops rows: %w", err)
	}
	return stops, nil
}

func (r *Repository) FindStopByID(ctx context.Context, stopID string) (*models.Stop, error) {
	query := `SELECT ` + stopColumns + ` FROM stops WHERE id = $1`
	stop, err := scanStop(r.db.QueryRow(ctx, query, stopID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("repository.FindStopByID: %w", err)
	}
	return stop, nil
}

// UpdateStopStatus performs the conditional stop write: the row is only
// mutated when its current status matches expected, so a concurrent backend
// edit cannot be silently overwritten. Returns ErrPreconditionFailed when
// the stop exists but its status moved underneath us.
func (r *Repository) UpdateStopStatus(ctx context.Context, stopID string, update StopUpdate, expected models.StopStatus) (*models.Stop, error) {
	query := `
		UPDATE stops
		SET status = $2,
		    arrived_at = COALESCE($3, arrived_at),
		    delivered_at = COALESCE($4, delivered_at),
		    notes = COALESCE($5, notes),
		    updated_at = now()
		WHERE id = $1 AND status = $6
		RETURNING ` + stopColumns
	stop, err := scanStop(r.db.QueryRow(ctx, query,
		stopID, update.Status, update.ArrivedAt, update.DeliveredAt, update.Notes, expected,
	))
	if err == nil {
		return stop, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("repository.UpdateStopStatus: %w", err)
	}

	// No row matched: distinguish a missing stop from a lost race.
	var current models.StopStatus
	probeErr := r.db.QueryRow(ctx, `SELECT status FROM stops WHERE id = $1`, stopID).Scan(&current)
	if errors.Is(probeErr, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if probeErr != nil {
		return nil, fmt.Errorf("repository.UpdateStopStatus probe: %w", probeErr)
	}
	return nil, models.ErrPreconditionFailed
}

// AttachStopPhoto records the proof-of-delivery photo reference. The photo
// does not participate in the status state machine, so no precondition.
func (r *Repository) AttachStopPhoto(ctx context.Context, stopID, photoURL string) (*models.Stop, error) {
	query := `
		UPDATE stops
		SET photo_url = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + stopColumns
	stop, err := scanStop(r.db.QueryRow(ctx, query, stopID, photoURL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("repository.AttachStopPhoto: %w", err)
	}
	return stop, nil
}

// UpdateRouteStats persists the recomputed progress snapshot.
func (r *Repository) UpdateRouteStats(ctx context.Context, routeID string, stats models.RouteStats) error {
	query := `
		UPDATE routes
		SET total_stops = $2, pending_stops = $3, delivered_stops = $4,
		    skipped_stops = $5, completion_rate = $6, updated_at = now()
		WHERE id = $1`
	cmd, err := r.db.Exec(ctx, query,
		routeID, stats.Total, stats.Pending, stats.Delivered, stats.Skipped, stats.CompletionRate,
	)
	if err != nil {
		return fmt.Errorf("repository.UpdateRouteStats: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// TransitionRoute advances the route lifecycle with a status-match
// precondition, stamping started_at/completed_at as appropriate.
func (r *Repository) TransitionRoute(ctx context.Context, routeID string, from, to models.RouteStatus) (*models.Route, error) {
	query := `
		UPDATE routes
		SET status = $2,
		    started_at = CASE WHEN $2 = 'in_progress' THEN now() ELSE started_at END,
		    completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END,
		    updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING ` + routeColumns
	route, err := scanRoute(r.db.QueryRow(ctx, query, routeID, to, from))
	if err == nil {
		return route, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("repository.TransitionRoute: %w", err)
	}

	probeErr := r.db.QueryRow(ctx, `SELECT 1 FROM routes WHERE id = $1`, routeID).Scan(new(int))
	if errors.Is(probeErr, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if probeErr != nil {
		return nil, fmt.Errorf("repository.TransitionRoute probe: %w", probeErr)
	}
	return nil, models.ErrPreconditionFailed
}
