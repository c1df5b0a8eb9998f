package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/example/escort-dispatch/internal/models"
)

func TestTranslateMapsConstraintViolations(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{sql.ErrNoRows, ErrNotFound},
		{&pq.Error{Code: uniqueViolation, Constraint: constraintActivePerRequester}, ErrActiveRequestExists},
		{fmt.Errorf("insert: %w", &pq.Error{Code: uniqueViolation, Constraint: constraintAssignmentPerResponder}), ErrResponderBusy},
	}
	for _, c := range cases {
		if got := translate(context.Background(), c.in); !errors.Is(got, c.want) {
			t.Errorf("translate(%v) = %v, want %v", c.in, got, c.want)
		}
	}
	other := &pq.Error{Code: uniqueViolation, Constraint: "ride_requests_pkey"}
	if got := translate(context.Background(), other); got != error(other) {
		t.Errorf("unrelated violation should pass through, got %v", got)
	}
}

func TestTranslateTreatsCancelledStatementAsTimeout(t *testing.T) {
	cancelled := &pq.Error{Code: queryCanceled, Message: "canceling statement due to user request"}

	// the server reports the cancel before ctx is observed as done
	if got := translate(context.Background(), cancelled); !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("57014 should map to context.DeadlineExceeded, got %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	got := translate(ctx, cancelled)
	if !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("expired ctx should surface as context.DeadlineExceeded, got %v", got)
	}
	if got := translate(ctx, errors.New("driver: bad connection")); !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("any failure after the deadline should wrap it, got %v", got)
	}
	if got := translate(ctx, sql.ErrNoRows); !errors.Is(got, ErrNotFound) {
		t.Fatalf("no rows stays ErrNotFound, got %v", got)
	}
}

func TestQueryBuilderNumbersParams(t *testing.T) {
	var q queryBuilder
	q.where("requester_id = " + q.arg("u1"))
	q.where("status = ANY(" + q.arg(pq.Array([]string{"pending"})) + ")")
	if got := q.clause(); got != " WHERE requester_id = $1 AND status = ANY($2)" {
		t.Fatalf("unexpected clause %q", got)
	}
	if len(q.args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(q.args))
	}
}

// TestPostgresStoreIntegration runs against a real database when TEST_PG_DSN is set.
func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if _, err := ApplyMigrations(ctx, store.DB(), filepath.Join("..", "..", "migrations")); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, "TRUNCATE ride_requests"); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	mk := func(id, requester string, at time.Time) models.RideRequest {
		return models.RideRequest{ID: id, RequesterID: requester, Status: models.StatusPending, CreatedAt: at, UpdatedAt: at}
	}
	if _, err := store.Create(ctx, mk("r1", "u1", now)); err != nil {
		t.Fatalf("create r1: %v", err)
	}
	if _, err := store.Create(ctx, mk("r1b", "u1", now)); !errors.Is(err, ErrActiveRequestExists) {
		t.Fatalf("expected ErrActiveRequestExists, got %v", err)
	}
	if _, err := store.Create(ctx, mk("r2", "u2", now.Add(time.Second))); err != nil {
		t.Fatalf("create r2: %v", err)
	}

	n, err := store.CountPendingCreatedBefore(ctx, PendingFilter{CreatedBefore: now.Add(time.Second)})
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}

	got, err := store.ConditionalUpdate(ctx, "r1", Expectation{Status: models.StatusPending},
		Change{Status: models.StatusAccepted, ResponderID: "s1", UpdatedAt: now.Add(2 * time.Second)})
	if err != nil || got.ResponderID != "s1" {
		t.Fatalf("accept r1: %+v, %v", got, err)
	}
	if _, err := store.ConditionalUpdate(ctx, "r1", Expectation{Status: models.StatusPending},
		Change{Status: models.StatusAccepted, ResponderID: "s2", UpdatedAt: now}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := store.ConditionalUpdate(ctx, "r2", Expectation{Status: models.StatusPending},
		Change{Status: models.StatusAccepted, ResponderID: "s1", UpdatedAt: now}); !errors.Is(err, ErrResponderBusy) {
		t.Fatalf("expected ErrResponderBusy, got %v", err)
	}
	if _, err := store.ConditionalUpdate(ctx, "nope", Expectation{Status: models.StatusPending},
		Change{Status: models.StatusCancelled, UpdatedAt: now}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, err := store.List(ctx, ListFilter{ResponderID: "s1", IncludeUnassignedPending: true, Statuses: models.ActiveStatuses})
	if err != nil || len(list) != 2 {
		t.Fatalf("list = %d, %v", len(list), err)
	}
}
