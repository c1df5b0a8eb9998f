package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/example/escort-dispatch/internal/models"
)

const (
	uniqueViolation = "23505"
	queryCanceled   = "57014"

	constraintActivePerRequester    = "ride_requests_one_active_per_requester"
	constraintAssignmentPerResponder = "ride_requests_one_assignment_per_responder"
)

const rideColumns = `id, requester_id, responder_id, status, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	pickup_label, dropoff_label, service_area_id, passengers, note, created_at, updated_at`

// PostgresStore persists ride requests in the ride_requests table. Partial unique
// indexes back the one-active-request and one-assignment rules, so racing writers are
// serialized by the database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return translate(ctx, err)
	}
	return nil
}

func (p *PostgresStore) Create(ctx context.Context, r models.RideRequest) (models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `INSERT INTO ride_requests(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING `+rideColumns,
		r.ID, r.RequesterID, nullString(r.ResponderID), string(r.Status),
		r.Payload.Pickup.Lat, r.Payload.Pickup.Lon, r.Payload.Dropoff.Lat, r.Payload.Dropoff.Lon,
		r.Payload.PickupLabel, r.Payload.DropoffLabel, r.Payload.ServiceAreaID, r.Payload.Passengers, r.Payload.Note,
		r.CreatedAt, r.UpdatedAt)
	out, err := scanRide(row)
	if err != nil {
		return models.RideRequest{}, translate(ctx, err)
	}
	return out, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE id=$1`, id)
	r, err := scanRide(row)
	if err != nil {
		return models.RideRequest{}, translate(ctx, err)
	}
	return r, nil
}

func (p *PostgresStore) FindActiveByRequester(ctx context.Context, requesterID string) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests
		WHERE requester_id=$1 AND status = ANY($2) ORDER BY created_at LIMIT 1`,
		requesterID, pq.Array(statusStrings(models.ActiveStatuses)))
	return optionalRide(ctx, row)
}

func (p *PostgresStore) FindActiveByResponder(ctx context.Context, responderID, excludeID string) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests
		WHERE responder_id=$1 AND id <> $2 AND status = ANY($3) ORDER BY created_at LIMIT 1`,
		responderID, excludeID, pq.Array(statusStrings(models.AssignedStatuses)))
	return optionalRide(ctx, row)
}

func (p *PostgresStore) CountPendingCreatedBefore(ctx context.Context, f PendingFilter) (int, error) {
	q := &queryBuilder{}
	q.where("status = " + q.arg(string(models.StatusPending)))
	q.where("created_at < " + q.arg(f.CreatedBefore))
	if f.ServiceAreaID != "" {
		q.where("service_area_id = " + q.arg(f.ServiceAreaID))
	}
	if f.Near != nil {
		lat, lon := q.arg(f.Near.Center.Lat), q.arg(f.Near.Center.Lon)
		q.where(fmt.Sprintf(`6371000 * 2 * asin(sqrt(power(sin(radians(pickup_lat - %[1]s) / 2), 2)
			+ cos(radians(%[1]s)) * cos(radians(pickup_lat)) * power(sin(radians(pickup_lon - %[2]s) / 2), 2))) <= %[3]s`,
			lat, lon, q.arg(f.Near.RadiusMeters)))
	}
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM ride_requests`+q.clause(), q.args...).Scan(&n); err != nil {
		return 0, translate(ctx, err)
	}
	return n, nil
}

func (p *PostgresStore) ConditionalUpdate(ctx context.Context, id string, expect Expectation, change Change) (models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE ride_requests
		SET status=$1, responder_id=COALESCE($2, responder_id), updated_at=$3
		WHERE id=$4 AND status=$5 AND responder_id IS NOT DISTINCT FROM $6
		RETURNING `+rideColumns,
		string(change.Status), nullString(change.ResponderID), change.UpdatedAt,
		id, string(expect.Status), nullString(expect.ResponderID))
	r, err := scanRide(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, translate(ctx, err)
	}
	// Zero rows: either the id is unknown or the record moved on.
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ride_requests WHERE id=$1)`, id).Scan(&exists); err != nil {
		return models.RideRequest{}, translate(ctx, err)
	}
	if !exists {
		return models.RideRequest{}, ErrNotFound
	}
	return models.RideRequest{}, ErrConflict
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]models.RideRequest, error) {
	q := &queryBuilder{}
	var or []string
	if f.RequesterID != "" {
		or = append(or, "requester_id = "+q.arg(f.RequesterID))
	}
	if f.ResponderID != "" {
		or = append(or, "responder_id = "+q.arg(f.ResponderID))
	}
	if f.IncludeUnassignedPending {
		or = append(or, "(status = "+q.arg(string(models.StatusPending))+" AND responder_id IS NULL)")
	}
	if len(or) == 0 {
		return []models.RideRequest{}, nil
	}
	q.where("(" + strings.Join(or, " OR ") + ")")
	if len(f.Statuses) > 0 {
		q.where("status = ANY(" + q.arg(pq.Array(statusStrings(f.Statuses))) + ")")
	}
	query := `SELECT ` + rideColumns + ` FROM ride_requests` + q.clause() + ` ORDER BY created_at`
	if f.Limit > 0 {
		query += " LIMIT " + q.arg(f.Limit)
	}
	rows, err := p.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, translate(ctx, err)
	}
	defer rows.Close()
	out := make([]models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, translate(ctx, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(ctx, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(s rowScanner) (models.RideRequest, error) {
	var (
		r         models.RideRequest
		responder sql.NullString
		status    string
	)
	err := s.Scan(&r.ID, &r.RequesterID, &responder, &status,
		&r.Payload.Pickup.Lat, &r.Payload.Pickup.Lon, &r.Payload.Dropoff.Lat, &r.Payload.Dropoff.Lon,
		&r.Payload.PickupLabel, &r.Payload.DropoffLabel, &r.Payload.ServiceAreaID, &r.Payload.Passengers, &r.Payload.Note,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.RideRequest{}, err
	}
	r.ResponderID = responder.String
	r.Status = models.Status(status)
	return r, nil
}

func optionalRide(ctx context.Context, row *sql.Row) (*models.RideRequest, error) {
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(ctx, err)
	}
	return &r, nil
}

// translate maps driver errors onto the store sentinels. A statement cancelled because
// ctx expired wraps ctx.Err(), so callers see context.DeadlineExceeded rather than a
// driver error.
func translate(ctx context.Context, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch string(pqErr.Code) {
	case uniqueViolation:
		switch pqErr.Constraint {
		case constraintActivePerRequester:
			return ErrActiveRequestExists
		case constraintAssignmentPerResponder:
			return ErrResponderBusy
		}
	case queryCanceled:
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func statusStrings(ss []models.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

type queryBuilder struct {
	conds []string
	args  []any
}

func (q *queryBuilder) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *queryBuilder) where(cond string) { q.conds = append(q.conds, cond) }

func (q *queryBuilder) clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}
