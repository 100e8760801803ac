package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deal-engine/internal/common/config"
	"deal-engine/internal/common/database"
	"deal-engine/internal/common/logger"
	"deal-engine/internal/registry"
	"deal-engine/internal/settlement"
	"deal-engine/internal/shortlist"
)

// ==========================
// Test Helper Functions
// ==========================

func createTestLogger(t *testing.T) logger.Logger {
	return logger.NewZapAdapter(zaptest.NewLogger(t))
}

func newTestRedis(t *testing.T) (*database.RedisClient, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client, err := database.NewRedis(config.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

// sweepNow pins the sweeper clock so the cutoff argument is exact.
var sweepNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

// sweepCutoff is the boundary the grace period produces from sweepNow.
var sweepCutoff = sweepNow.AddDate(0, 0, -3)

func newTestSweeper(t *testing.T) (*Sweeper, sqlmock.Sqlmock, *miniredis.Miniredis) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	redis, mr := newTestRedis(t)
	cfg := config.SweepConfig{GraceDays: 3, LockTTL: 300000, Timeout: 120000}
	sw := New(db, redis, registry.NewRepo(db), settlement.NewRepo(db),
		shortlist.NewRepo(db), cfg, createTestLogger(t))
	sw.now = func() time.Time { return sweepNow }
	return sw, mock, mr
}

var carColumns = []string{
	"id", "dealer_id", "make", "model", "year", "vin", "sale_price",
	"status", "status_changed_at", "created_at", "updated_at",
}

func expiredCarRows(stamp time.Time, ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows(carColumns)
	now := time.Now().UTC()
	for _, id := range ids {
		rows.AddRow(id, "dealer-1", "Honda", "Civic", 2023, "VIN-9", int64(2000000),
			"pending_sale", stamp, now, now)
	}
	return rows
}

var acceptedDealColumns = []string{
	"id", "customer_id", "car_id", "final_price", "verification_code",
	"sold", "dead_deal", "cancelled_by_customer", "created_at", "updated_at",
}

// ==========================
// Run
// ==========================

func TestSweeper_Run_FinalizesExpiredDeals(t *testing.T) {
	sw, mock, _ := newTestSweeper(t)
	stamp := sweepNow.Add(-96 * time.Hour)

	mock.ExpectQuery(`WHERE status = 'pending_sale'`).
		WithArgs(sweepCutoff).
		WillReturnRows(expiredCarRows(stamp, "car-1"))

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("car-1").
		WillReturnRows(sqlmock.NewRows(acceptedDealColumns).AddRow(
			"deal-1", "cust-1", "car-1", int64(1900000), "123456",
			false, false, false, stamp, stamp))
	mock.ExpectExec(`sold = TRUE`).
		WithArgs(nil, sqlmock.AnyArg(), "deal-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(expiredCarRows(stamp, "car-1"))
	mock.ExpectExec(`UPDATE cars`).
		WithArgs("sold", stamp, sqlmock.AnyArg(), "car-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM deal_lists`).
		WithArgs("cust-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "status", "created_at", "updated_at"}).
			AddRow("dl-1", "cust-1", "accepted", stamp, stamp))
	mock.ExpectExec(`UPDATE deal_lists`).
		WithArgs("completed", sqlmock.AnyArg(), "dl-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Finalized)
	assert.False(t, report.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweeper_Run_NothingExpired(t *testing.T) {
	sw, mock, _ := newTestSweeper(t)

	mock.ExpectQuery(`WHERE status = 'pending_sale'`).
		WithArgs(sweepCutoff).
		WillReturnRows(sqlmock.NewRows(carColumns))

	report, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 0, Finalized: 0}, report)
}

func TestSweeper_Run_SkipsWhenLockHeld(t *testing.T) {
	sw, _, mr := newTestSweeper(t)

	// Another instance holds the lock.
	require.NoError(t, mr.Set(lockKey, "other-instance"))

	report, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 0, report.Scanned)
}

func TestSweeper_Run_ReleasesLock(t *testing.T) {
	sw, mock, mr := newTestSweeper(t)

	mock.ExpectQuery(`WHERE status = 'pending_sale'`).
		WithArgs(sweepCutoff).
		WillReturnRows(sqlmock.NewRows(carColumns))

	_, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, mr.Exists(lockKey))

	// The lock is free again: a second run proceeds instead of skipping.
	mock.ExpectQuery(`WHERE status = 'pending_sale'`).
		WithArgs(sweepCutoff).
		WillReturnRows(sqlmock.NewRows(carColumns))
	report, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
}

func TestSweeper_Run_RevertsOrphanedPendingSale(t *testing.T) {
	sw, mock, _ := newTestSweeper(t)
	stamp := sweepNow.Add(-96 * time.Hour)

	mock.ExpectQuery(`WHERE status = 'pending_sale'`).
		WithArgs(sweepCutoff).
		WillReturnRows(expiredCarRows(stamp, "car-1"))

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("car-1").
		WillReturnRows(sqlmock.NewRows(acceptedDealColumns))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(expiredCarRows(stamp, "car-1"))
	mock.ExpectExec(`UPDATE cars`).
		WithArgs("active", nil, sqlmock.AnyArg(), "car-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report, err := sw.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 0, report.Finalized)
	assert.NoError(t, mock.ExpectationsWereMet())
}
