package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLStoreLeaseNextClaims(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(time.Minute)

	cols := []string{
		"job_id", "artifact_id", "pipeline_name", "params_json", "params_digest",
		"priority", "state", "attempts", "worker_id", "lease_expiry", "last_error",
		"enqueued_at", "eligible_after", "cancel_requested",
	}
	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs").
		WithArgs(string(StateQueued), formatJobTime(now)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"job-1", "art-1", "triage", `{"mode":"fast"}`, "d", "P1", "QUEUED",
			0, "", "", "", formatJobTime(now.Add(-time.Hour)), formatJobTime(now.Add(-time.Hour)), 0,
		))
	mock.ExpectExec("UPDATE pipeline_jobs").
		WithArgs(string(StateLeased), "worker-a", formatJobTime(expiry), "job-1", string(StateQueued)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	j, err := store.LeaseNext(context.Background(), "worker-a", now, expiry)
	if err != nil {
		t.Fatalf("unexpected lease error: %s", err)
	}
	if j == nil {
		t.Fatal("expected a leased job")
	}
	if j.State != StateLeased || j.WorkerID != "worker-a" || j.Attempts != 1 {
		t.Fatalf("unexpected leased job: %+v", j)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %s", err)
	}
}

func TestSQLStoreLeaseNextEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs").
		WithArgs(string(StateQueued), formatJobTime(now)).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

	j, err := store.LeaseNext(context.Background(), "worker-a", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if j != nil {
		t.Fatal("expected nil when no job is eligible")
	}
}

func TestSQLStoreUpdateLostOwnership(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	store := NewSQLStore(db)

	// Zero rows affected plus an existing row means the guard failed.
	mock.ExpectExec("UPDATE pipeline_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	cols := []string{
		"job_id", "artifact_id", "pipeline_name", "params_json", "params_digest",
		"priority", "state", "attempts", "worker_id", "lease_expiry", "last_error",
		"enqueued_at", "eligible_after", "cancel_requested",
	}
	mock.ExpectQuery("SELECT (.+) FROM pipeline_jobs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"job-1", "art-1", "triage", "{}", "d", "P1", "LEASED",
			1, "worker-b", "", "", "", "", 0,
		))

	j := Job{JobID: "job-1", State: StateRunning}
	if err := store.Update(context.Background(), j, StateLeased, "worker-a"); err != ErrLeaseLost {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}
