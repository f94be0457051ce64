package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversion-relay/internal/models"
)

func TestRecordLedgerEntryDefaultsRecordedAt(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	entry, err := st.RecordLedgerEntry(context.Background(), "site-1", 4200, "USD", time.Time{})
	require.NoError(t, err)
	assert.False(t, entry.RecordedAt.IsZero())
	assert.Equal(t, int64(4200), entry.Value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBillableCountQueriesMonthWindow(t *testing.T) {
	st, mock := newMockStore(t)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM ledger_entries").
		WithArgs("site-1", start, end).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(120)))

	n, err := st.BillableCount(context.Background(), "site-1", "2026-08")
	require.NoError(t, err)
	assert.EqualValues(t, 120, n)
}

func TestBillableCountRejectsBadPeriod(t *testing.T) {
	st, _ := newMockStore(t)
	_, err := st.BillableCount(context.Background(), "site-1", "August 2026")
	assert.Error(t, err)
}

func TestActiveSitesDeduplicatesAcrossPeriods(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT DISTINCT site_id FROM ledger_entries").
		WithArgs(anyArgs(2)...).
		WillReturnRows(pgxmock.NewRows([]string{"site_id"}).AddRow("site-1").AddRow("site-2"))
	mock.ExpectQuery("SELECT DISTINCT site_id FROM ledger_entries").
		WithArgs(anyArgs(2)...).
		WillReturnRows(pgxmock.NewRows([]string{"site_id"}).AddRow("site-2"))

	sites, err := st.ActiveSites(context.Background(), []string{"2026-07", "2026-08"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"site-1", "site-2"}, sites)
}

func TestPeriodBounds(t *testing.T) {
	start, end, err := periodBounds("2026-12")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestEnsureReconciliationJobReportsCreation(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO reconciliation_jobs").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO reconciliation_jobs").
		WithArgs(anyArgs(4)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := st.EnsureReconciliationJob(context.Background(), "site-1", "2026-08")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = st.EnsureReconciliationJob(context.Background(), "site-1", "2026-08")
	require.NoError(t, err)
	assert.False(t, created, "conflict on (site, period) is not an error")
}

func TestCompleteReconciliationJobNilDriftIsNull(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("UPDATE reconciliation_jobs").
		WithArgs("job-1", models.ReconStatusCompleted, (*float64)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, st.CompleteReconciliationJob(context.Background(), "job-1", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReconciliationJobsParsesRows(t *testing.T) {
	st, mock := newMockStore(t)

	now := time.Date(2026, 8, 15, 3, 0, 0, 0, time.UTC)
	mock.ExpectQuery("UPDATE reconciliation_jobs").
		WithArgs(models.ReconStatusProcessing, models.ReconStatusQueued, models.ReconStatusFailed,
			"900 seconds", 50).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "site_id", "period", "status", "last_drift_pct", "last_error", "claimed_at", "created_at", "updated_at",
		}).AddRow("job-1", "site-1", "2026-08", models.ReconStatusProcessing, nil, nil, now, now, now))

	jobs, err := st.ClaimReconciliationJobs(context.Background(), 50, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "2026-08", jobs[0].Period)
	assert.Nil(t, jobs[0].LastDriftPct)
	require.NotNil(t, jobs[0].ClaimedAt)
}
