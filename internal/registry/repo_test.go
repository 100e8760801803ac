package registry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "deal-engine/internal/common/errors"
)

// ==========================
// Test Helper Functions
// ==========================

var carColumnNames = []string{
	"id", "dealer_id", "make", "model", "year", "vin", "sale_price",
	"status", "status_changed_at", "created_at", "updated_at",
}

func carRow(id string, status Status, changedAt interface{}) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(carColumnNames).AddRow(
		id, "dealer-1", "Toyota", "Camry", 2022, "VIN-1", int64(2500000),
		string(status), changedAt, now, now,
	)
}

func newMockRepo(t *testing.T) (*Repo, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepo(db), mock
}

// ==========================
// GetByID
// ==========================

func TestRepo_GetByID(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRow("car-1", StatusActive, nil))

	car, err := repo.GetByID(context.Background(), nil, "car-1")
	require.NoError(t, err)
	assert.Equal(t, "car-1", car.ID)
	assert.Equal(t, StatusActive, car.Status)
	assert.Nil(t, car.StatusChangedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepo_GetByID_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`FROM cars`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), nil, "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

// ==========================
// SetStatus
// ==========================

func TestRepo_SetStatus_StampsOnEnteringPendingSale(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRow("car-1", StatusActive, nil))
	mock.ExpectExec(`UPDATE cars`).
		WithArgs("pending_sale", sqlmock.AnyArg(), sqlmock.AnyArg(), "car-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetStatus(context.Background(), nil, "car-1", StatusPendingSale, now)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepo_SetStatus_ClearsStampOnRevert(t *testing.T) {
	repo, mock := newMockRepo(t)
	stamped := time.Now().Add(-72 * time.Hour).UTC()

	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRow("car-1", StatusPendingSale, stamped))
	// Reverting to active clears status_changed_at.
	mock.ExpectExec(`UPDATE cars`).
		WithArgs("active", nil, sqlmock.AnyArg(), "car-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetStatus(context.Background(), nil, "car-1", StatusActive, time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepo_SetStatus_KeepsStampOnSaleCompletion(t *testing.T) {
	repo, mock := newMockRepo(t)
	stamped := time.Now().Add(-72 * time.Hour).UTC()

	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRow("car-1", StatusPendingSale, stamped))
	mock.ExpectExec(`UPDATE cars`).
		WithArgs("sold", stamped, sqlmock.AnyArg(), "car-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetStatus(context.Background(), nil, "car-1", StatusSold, time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepo_SetStatus_RejectsInvalidTransition(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRow("car-1", StatusSold, time.Now().UTC()))

	err := repo.SetStatus(context.Background(), nil, "car-1", StatusActive, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid car status transition")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Expiry listing
// ==========================

func TestRepo_ListExpiredPendingSale(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Now().Add(-72 * time.Hour)

	rows := carRow("car-1", StatusPendingSale, cutoff.Add(-time.Hour).UTC())
	mock.ExpectQuery(`WHERE status = 'pending_sale'`).
		WithArgs(cutoff.UTC()).
		WillReturnRows(rows)

	cars, err := repo.ListExpiredPendingSale(context.Background(), nil, cutoff)
	require.NoError(t, err)
	require.Len(t, cars, 1)
	assert.Equal(t, "car-1", cars[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepo_ListExpiredPendingSale_Empty(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Now()

	mock.ExpectQuery(`WHERE status = 'pending_sale'`).
		WithArgs(cutoff.UTC()).
		WillReturnRows(sqlmock.NewRows(carColumnNames))

	cars, err := repo.ListExpiredPendingSale(context.Background(), nil, cutoff)
	require.NoError(t, err)
	assert.Empty(t, cars)
}
