package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/selextract/scrape-engine/internal/engine"
)

func strPtr(s string) *string { return &s }

func TestGetJobScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"id", "owner_id", "job_type", "status", "config", "attempt_count",
		"created_at", "started_at", "completed_at", "compute_units", "error_text", "result_uri",
	}).AddRow(
		"job-1", "owner-1", engine.JobTypeSimple, engine.JobStatusPending,
		json.RawMessage(`{"urls":["https://example.com"]}`), 0,
		created, (*time.Time)(nil), (*time.Time)(nil), int64(0), "", "",
	)
	mock.ExpectQuery("SELECT id, owner_id, job_type").WithArgs("job-1").WillReturnRows(rows)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, engine.JobTypeSimple, job.Type)
	require.Equal(t, engine.JobStatusPending, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunningGuardsStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	startedAt := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-1", engine.JobStatusRunning, startedAt, engine.JobStatusPending, engine.JobStatusRunning).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkRunning(context.Background(), "job-1", startedAt))

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-2", engine.JobStatusRunning, startedAt, engine.JobStatusPending, engine.JobStatusRunning).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.MarkRunning(context.Background(), "job-2", startedAt)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not runnable")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsCancelledReadsFlag(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT cancel_requested FROM jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"cancel_requested"}).AddRow(true))

	cancelled, err := store.IsCancelled(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, cancelled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeJobCommitsStatusAttemptsAndDebit(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	completedAt := time.Unix(1700000600, 0).UTC()
	attempt := engine.ExecutionAttempt{
		URL:      "https://example.com/a",
		Success:  true,
		Fields:   map[string]*string{"title": strPtr("Hello")},
		Attempts: 1,
		Elapsed:  1500 * time.Millisecond,
		Proxy:    "10.0.0.1:8080",
	}
	fieldsJSON, err := json.Marshal(attempt.Fields)
	require.NoError(t, err)

	fin := engine.Finalization{
		JobID:     "job-1",
		OwnerID:   "owner-1",
		Status:    engine.JobStatusCompleted,
		ResultURI: "gs://bucket/results/job-1.json",
		Attempts:  []engine.ExecutionAttempt{attempt},
		Debit: engine.DebitRecord{
			OwnerID:   "owner-1",
			JobID:     "job-1",
			Units:     2,
			Timestamp: completedAt,
		},
		CompletedAt: completedAt,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs(
			"job-1", engine.JobStatusCompleted, "", "gs://bucket/results/job-1.json",
			1, int64(2), completedAt,
			engine.JobStatusCompleted, engine.JobStatusFailed, engine.JobStatusCancelled,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM job_attempts").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO job_attempts").
		WithArgs(
			"job-1", 0, attempt.URL, true, fieldsJSON,
			"", "", 1, 0, int64(1500), "10.0.0.1:8080",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO compute_ledger").
		WithArgs("job-1", "owner-1", int64(2), completedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.FinalizeJob(context.Background(), fin))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeJobNoOpWhenAlreadyTerminal(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	completedAt := time.Unix(1700000600, 0).UTC()
	fin := engine.Finalization{
		JobID:       "job-1",
		Status:      engine.JobStatusCompleted,
		CompletedAt: completedAt,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs(
			"job-1", engine.JobStatusCompleted, "", "",
			0, int64(0), completedAt,
			engine.JobStatusCompleted, engine.JobStatusFailed, engine.JobStatusCancelled,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	require.NoError(t, store.FinalizeJob(context.Background(), fin))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeJobSkipsLedgerWithoutDebit(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	completedAt := time.Unix(1700000600, 0).UTC()
	fin := engine.Finalization{
		JobID:       "job-1",
		Status:      engine.JobStatusFailed,
		ErrorText:   "urls: at least one required",
		CompletedAt: completedAt,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs(
			"job-1", engine.JobStatusFailed, fin.ErrorText, "",
			0, int64(0), completedAt,
			engine.JobStatusCompleted, engine.JobStatusFailed, engine.JobStatusCancelled,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM job_attempts").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCommit()

	require.NoError(t, store.FinalizeJob(context.Background(), fin))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAttemptsOrdersByIndex(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{
		"url", "success", "fields", "error_text", "error_kind", "attempts", "pages", "elapsed_ms", "proxy",
	}).
		AddRow("https://example.com/a", true, []byte(`{"title":"Hello"}`), "", "", 1, 3, int64(1500), "").
		AddRow("https://example.com/b", false, []byte(nil), "network: refused", "network", 4, 0, int64(800), "")

	mock.ExpectQuery("SELECT url, success, fields").
		WithArgs("job-1").
		WillReturnRows(rows)

	attempts, err := store.ListAttempts(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, "https://example.com/a", attempts[0].URL)
	require.NotNil(t, attempts[0].Fields["title"])
	require.Equal(t, "Hello", *attempts[0].Fields["title"])
	require.Equal(t, 3, attempts[0].Pages)
	require.Equal(t, engine.KindNetwork, attempts[1].Kind)
	require.Equal(t, 800*time.Millisecond, attempts[1].Elapsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelRejectsTerminalJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE jobs SET cancel_requested").
		WithArgs("job-1", engine.JobStatusCompleted, engine.JobStatusFailed, engine.JobStatusCancelled).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.Cancel(context.Background(), "job-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not cancellable")
	require.NoError(t, mock.ExpectationsWereMet())
}
