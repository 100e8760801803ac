package settlement

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "deal-engine/internal/common/errors"
	"deal-engine/internal/common/logger"
	"deal-engine/internal/negotiation"
	"deal-engine/internal/notify"
	"deal-engine/internal/registry"
	"deal-engine/internal/shortlist"
)

// ==========================
// Test Helper Functions
// ==========================

func createTestLogger(t *testing.T) logger.Logger {
	return logger.NewZapAdapter(zaptest.NewLogger(t))
}

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := NewService(db, NewRepo(db), registry.NewRepo(db), shortlist.NewRepo(db),
		negotiation.NewRepo(db), notify.Noop{}, createTestLogger(t))
	return svc, mock
}

var offerColumnNames = []string{
	"id", "selected_car_id", "dealer_id", "offered_price", "status", "seq", "created_at",
}

func openOfferRow(id, selectedCarID, dealerID string, price int64) *sqlmock.Rows {
	return sqlmock.NewRows(offerColumnNames).AddRow(
		id, selectedCarID, dealerID, price, "open", int64(1), time.Now().UTC())
}

var selectionColumns = []string{
	"id", "deal_list_id", "car_id", "status", "original_price",
	"current_offer_price", "negotiation_count", "created_at",
}

func selectionRow(id, dealListID, carID string, status shortlist.SelectionStatus) *sqlmock.Rows {
	return sqlmock.NewRows(selectionColumns).AddRow(
		id, dealListID, carID, string(status), int64(2000000), int64(1900000), 1, time.Now().UTC())
}

var dealListColumns = []string{"id", "customer_id", "status", "created_at", "updated_at"}

func dealListRow(id, customerID string, status shortlist.ListStatus) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(dealListColumns).AddRow(id, customerID, string(status), now, now)
}

var carColumns = []string{
	"id", "dealer_id", "make", "model", "year", "vin", "sale_price",
	"status", "status_changed_at", "created_at", "updated_at",
}

func carRowWithStatus(id, dealerID string, status registry.Status, changedAt interface{}) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(carColumns).AddRow(
		id, dealerID, "Honda", "Civic", 2023, "VIN-9", int64(2000000),
		string(status), changedAt, now, now)
}

var acceptedDealColumns = []string{
	"id", "customer_id", "car_id", "final_price", "verification_code",
	"sold", "dead_deal", "cancelled_by_customer", "created_at", "updated_at",
}

func acceptedDealRow(id, customerID, carID string, sold, dead, cancelled bool) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(acceptedDealColumns).AddRow(
		id, customerID, carID, int64(1900000), "123456", sold, dead, cancelled, now, now)
}

// ==========================
// AcceptOffer
// ==========================

func TestService_AcceptOffer_SettlesAtomically(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM negotiations`).
		WithArgs("neg-1").
		WillReturnRows(openOfferRow("neg-1", "sel-1", "dealer-1", 1900000))
	mock.ExpectQuery(`FROM selected_cars`).
		WithArgs("sel-1").
		WillReturnRows(selectionRow("sel-1", "dl-1", "car-1", shortlist.SelectionPending))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("dl-1").
		WillReturnRows(dealListRow("dl-1", "cust-1", shortlist.ListActive))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusActive, nil))
	mock.ExpectExec(`INSERT INTO accepted_deals`).
		WithArgs(sqlmock.AnyArg(), "cust-1", "car-1", int64(1900000),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Car moves to pending_sale: read again, then update.
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusActive, nil))
	mock.ExpectExec(`UPDATE cars`).
		WithArgs("pending_sale", sqlmock.AnyArg(), sqlmock.AnyArg(), "car-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE negotiations`).
		WithArgs("accepted", "neg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Only the winning selection is written; siblings stay pending and any
	// extra statement here would fail the ordered expectations.
	mock.ExpectExec(`UPDATE selected_cars`).
		WithArgs("won", "sel-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE deal_lists`).
		WithArgs("accepted", sqlmock.AnyArg(), "dl-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deal, err := svc.AcceptOffer(context.Background(), "cust-1", "neg-1")
	require.NoError(t, err)
	assert.Equal(t, "car-1", deal.CarID)
	assert.Equal(t, int64(1900000), deal.FinalPrice)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), deal.VerificationCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_AcceptOffer_ConflictWhenRaceLost(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM negotiations`).
		WithArgs("neg-1").
		WillReturnRows(openOfferRow("neg-1", "sel-1", "dealer-1", 1900000))
	mock.ExpectQuery(`FROM selected_cars`).
		WithArgs("sel-1").
		WillReturnRows(selectionRow("sel-1", "dl-1", "car-1", shortlist.SelectionPending))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("dl-1").
		WillReturnRows(dealListRow("dl-1", "cust-1", shortlist.ListActive))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusActive, nil))
	// The partial unique index rejects the second live settlement.
	mock.ExpectExec(`INSERT INTO accepted_deals`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "accepted_deals_one_live"})
	mock.ExpectRollback()

	_, err := svc.AcceptOffer(context.Background(), "cust-1", "neg-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_AcceptOffer_RejectsSecondAcceptOnList(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM negotiations`).
		WithArgs("neg-2").
		WillReturnRows(openOfferRow("neg-2", "sel-2", "dealer-2", 1700000))
	mock.ExpectQuery(`FROM selected_cars`).
		WithArgs("sel-2").
		WillReturnRows(selectionRow("sel-2", "dl-1", "car-2", shortlist.SelectionPending))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("dl-1").
		WillReturnRows(dealListRow("dl-1", "cust-1", shortlist.ListAccepted))
	mock.ExpectRollback()

	_, err := svc.AcceptOffer(context.Background(), "cust-1", "neg-2")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDealLocked))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_AcceptOffer_ConflictWhenCarNotActive(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM negotiations`).
		WithArgs("neg-1").
		WillReturnRows(openOfferRow("neg-1", "sel-1", "dealer-1", 1900000))
	mock.ExpectQuery(`FROM selected_cars`).
		WithArgs("sel-1").
		WillReturnRows(selectionRow("sel-1", "dl-1", "car-1", shortlist.SelectionPending))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("dl-1").
		WillReturnRows(dealListRow("dl-1", "cust-1", shortlist.ListActive))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusPendingSale, time.Now().UTC()))
	mock.ExpectRollback()

	_, err := svc.AcceptOffer(context.Background(), "cust-1", "neg-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// MarkSold
// ==========================

func TestService_MarkSold_CompletesDeal(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("deal-1").
		WillReturnRows(acceptedDealRow("deal-1", "cust-1", "car-1", false, false, false))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusPendingSale, time.Now().UTC()))
	mock.ExpectExec(`sold = TRUE`).
		WithArgs(nil, sqlmock.AnyArg(), "deal-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusPendingSale, time.Now().UTC()))
	mock.ExpectExec(`UPDATE cars`).
		WithArgs("sold", sqlmock.AnyArg(), sqlmock.AnyArg(), "car-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM deal_lists`).
		WithArgs("cust-1").
		WillReturnRows(dealListRow("dl-1", "cust-1", shortlist.ListAccepted))
	mock.ExpectExec(`UPDATE deal_lists`).
		WithArgs("completed", sqlmock.AnyArg(), "dl-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deal, err := svc.MarkSold(context.Background(), "dealer-1", "deal-1", nil)
	require.NoError(t, err)
	assert.True(t, deal.Sold)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_MarkSold_OverwritesFinalPrice(t *testing.T) {
	svc, mock := newMockService(t)

	finalPrice := int64(1850000)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("deal-1").
		WillReturnRows(acceptedDealRow("deal-1", "cust-1", "car-1", false, false, false))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusPendingSale, time.Now().UTC()))
	mock.ExpectExec(`sold = TRUE`).
		WithArgs(finalPrice, sqlmock.AnyArg(), "deal-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusPendingSale, time.Now().UTC()))
	mock.ExpectExec(`UPDATE cars`).
		WithArgs("sold", sqlmock.AnyArg(), sqlmock.AnyArg(), "car-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM deal_lists`).
		WithArgs("cust-1").
		WillReturnRows(dealListRow("dl-1", "cust-1", shortlist.ListAccepted))
	mock.ExpectExec(`UPDATE deal_lists`).
		WithArgs("completed", sqlmock.AnyArg(), "dl-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deal, err := svc.MarkSold(context.Background(), "dealer-1", "deal-1", &finalPrice)
	require.NoError(t, err)
	assert.Equal(t, finalPrice, deal.FinalPrice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_MarkSold_Idempotent(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("deal-1").
		WillReturnRows(acceptedDealRow("deal-1", "cust-1", "car-1", true, false, false))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusSold, time.Now().UTC()))
	mock.ExpectCommit()

	deal, err := svc.MarkSold(context.Background(), "dealer-1", "deal-1", nil)
	require.NoError(t, err)
	assert.True(t, deal.Sold)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_MarkSold_RejectedAfterDeadDeal(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("deal-1").
		WillReturnRows(acceptedDealRow("deal-1", "cust-1", "car-1", false, true, false))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusActive, nil))
	mock.ExpectRollback()

	_, err := svc.MarkSold(context.Background(), "dealer-1", "deal-1", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_MarkSold_WrongDealerLooksAbsent(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("deal-1").
		WillReturnRows(acceptedDealRow("deal-1", "cust-1", "car-1", false, false, false))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusPendingSale, time.Now().UTC()))
	mock.ExpectRollback()

	_, err := svc.MarkSold(context.Background(), "impostor", "deal-1", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

// ==========================
// MarkDeadDeal
// ==========================

func TestService_MarkDeadDeal_RevertsCarAndReopensList(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("deal-1").
		WillReturnRows(acceptedDealRow("deal-1", "cust-1", "car-1", false, false, false))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusPendingSale, time.Now().UTC()))
	mock.ExpectExec(`dead_deal = TRUE`).
		WithArgs(sqlmock.AnyArg(), "deal-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE test_drives`).
		WithArgs("deal-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusPendingSale, time.Now().UTC()))
	// Reversal clears the pending_sale stamp.
	mock.ExpectExec(`UPDATE cars`).
		WithArgs("active", nil, sqlmock.AnyArg(), "car-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The list reopens but the won selection keeps its status; only the
	// deal_lists update may run here.
	mock.ExpectQuery(`FROM deal_lists`).
		WithArgs("cust-1").
		WillReturnRows(dealListRow("dl-1", "cust-1", shortlist.ListAccepted))
	mock.ExpectExec(`UPDATE deal_lists`).
		WithArgs("active", sqlmock.AnyArg(), "dl-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := svc.MarkDeadDeal(context.Background(), "dealer-1", "deal-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_MarkDeadDeal_AlreadyDeadIsNoOp(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("deal-1").
		WillReturnRows(acceptedDealRow("deal-1", "cust-1", "car-1", false, true, false))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusActive, nil))
	mock.ExpectCommit()

	err := svc.MarkDeadDeal(context.Background(), "dealer-1", "deal-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_MarkDeadDeal_RejectedAfterSale(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("deal-1").
		WillReturnRows(acceptedDealRow("deal-1", "cust-1", "car-1", true, false, false))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusSold, time.Now().UTC()))
	mock.ExpectRollback()

	err := svc.MarkDeadDeal(context.Background(), "dealer-1", "deal-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConflict))
}

// ==========================
// CancelByCustomer
// ==========================

func TestService_CancelByCustomer_ClosesEverything(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("deal-1").
		WillReturnRows(acceptedDealRow("deal-1", "cust-1", "car-1", false, false, false))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusPendingSale, time.Now().UTC()))
	mock.ExpectExec(`cancelled_by_customer = TRUE`).
		WithArgs(sqlmock.AnyArg(), "deal-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE test_drives`).
		WithArgs("deal-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusPendingSale, time.Now().UTC()))
	mock.ExpectExec(`UPDATE cars`).
		WithArgs("active", nil, sqlmock.AnyArg(), "car-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM deal_lists`).
		WithArgs("cust-1").
		WillReturnRows(dealListRow("dl-1", "cust-1", shortlist.ListAccepted))
	mock.ExpectExec(`UPDATE deal_lists`).
		WithArgs("cancelled", sqlmock.AnyArg(), "dl-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := svc.CancelByCustomer(context.Background(), "cust-1", "deal-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// ScheduleTestDrive
// ==========================

func TestService_ScheduleTestDrive_BooksAgainstLiveDeal(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("deal-1").
		WillReturnRows(acceptedDealRow("deal-1", "cust-1", "car-1", false, false, false))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM test_drives`).
		WithArgs("deal-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`FROM cars`).
		WithArgs("car-1").
		WillReturnRows(carRowWithStatus("car-1", "dealer-1", registry.StatusPendingSale, time.Now().UTC()))
	mock.ExpectExec(`INSERT INTO test_drives`).
		WithArgs(sqlmock.AnyArg(), "deal-1", "cust-1", "dealer-1",
			"2026-09-10", "10:00", "please have it washed", "scheduled", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	td, err := svc.ScheduleTestDrive(context.Background(), "cust-1", "deal-1",
		"2026-09-10", "10:00", "please have it washed")
	require.NoError(t, err)
	assert.Equal(t, TestDriveScheduled, td.Status)
	assert.Equal(t, "dealer-1", td.DealerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_ScheduleTestDrive_RejectsSecondBooking(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("deal-1").
		WillReturnRows(acceptedDealRow("deal-1", "cust-1", "car-1", false, false, false))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM test_drives`).
		WithArgs("deal-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err := svc.ScheduleTestDrive(context.Background(), "cust-1", "deal-1", "", "", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_ScheduleTestDrive_RejectsClosedDeal(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("deal-1").
		WillReturnRows(acceptedDealRow("deal-1", "cust-1", "car-1", false, true, false))
	mock.ExpectRollback()

	_, err := svc.ScheduleTestDrive(context.Background(), "cust-1", "deal-1", "", "", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidationError))
}
