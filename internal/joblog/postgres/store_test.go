package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/joblog"
)

// TestStoreRecordUpsertsRow writes every column of an entry.
func TestStoreRecordUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "job_log")
	require.NoError(t, err)

	finished := time.Unix(1700000000, 0).UTC()
	entry := joblog.Entry{
		JobID:      "job-1",
		CrawlID:    "crawl-1",
		TenantID:   "team",
		URL:        "https://example.com/a",
		Mode:       "crawl",
		Status:     "completed",
		StatusCode: 200,
		Engine:     "fetch",
		Attempts:   1,
		Duration:   1500 * time.Millisecond,
		FinishedAt: finished,
		Metadata:   map[string]string{"title": "A"},
	}

	mock.ExpectExec("INSERT INTO job_log").
		WithArgs(
			"job-1",
			pgxmock.AnyArg(),
			"team",
			"https://example.com/a",
			"crawl",
			"completed",
			200,
			"fetch",
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			1,
			int64(1500),
			finished,
			[]byte(`{"title":"A"}`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Record(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestStoreRecordRequiresJobID rejects entries without a key.
func TestStoreRecordRequiresJobID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "")
	require.NoError(t, err)
	require.Error(t, store.Record(context.Background(), joblog.Entry{}))
}

// TestStoreRecordPropagatesErrors wraps database failures.
func TestStoreRecordPropagatesErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "job_log")
	require.NoError(t, err)
	mock.ExpectExec("INSERT INTO job_log").WillReturnError(errors.New("connection reset"))

	err = store.Record(context.Background(), joblog.Entry{JobID: "job-1"})
	require.ErrorContains(t, err, "connection reset")
}

// TestStoreGet maps missing rows to ErrNotFound.
func TestStoreGet(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "job_log")
	require.NoError(t, err)

	finished := time.Unix(1700000000, 0).UTC()
	columns := []string{
		"job_id", "crawl_id", "team_id", "url", "mode", "status", "status_code", "engine",
		"error_message", "blob_uri", "content_hash", "attempts", "duration_ms", "finished_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM job_log WHERE job_id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			"job-1", "crawl-1", "team", "https://example.com", "crawl", "failed", 0, "render",
			"boom", "", "", 2, int64(250), finished,
		))
	mock.ExpectQuery("SELECT (.+) FROM job_log WHERE job_id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	got, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "failed", got.Status)
	require.Equal(t, "boom", got.Error)
	require.Equal(t, 250*time.Millisecond, got.Duration)

	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, joblog.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestStoreListByCrawl returns rows in query order.
func TestStoreListByCrawl(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "job_log")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	columns := []string{
		"job_id", "crawl_id", "team_id", "url", "mode", "status", "status_code", "engine",
		"error_message", "blob_uri", "content_hash", "attempts", "duration_ms", "finished_at",
	}
	rows := pgxmock.NewRows(columns).
		AddRow("b", "crawl-1", "team", "https://example.com/b", "crawl", "completed", 200, "fetch", "", "", "", 1, int64(10), now).
		AddRow("a", "crawl-1", "team", "https://example.com/a", "crawl", "completed", 200, "fetch", "", "", "", 1, int64(10), now)
	mock.ExpectQuery("SELECT (.+) FROM job_log WHERE crawl_id").
		WithArgs("crawl-1", 100).
		WillReturnRows(rows)

	entries, err := store.ListByCrawl(context.Background(), "crawl-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "b", entries[0].JobID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestNewWithPoolValidatesTable rejects unsafe identifiers.
func TestNewWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "job_log; DROP TABLE x")
	require.Error(t, err)
	_, err = NewWithPool(nil, "job_log")
	require.Error(t, err)
}
